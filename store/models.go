// Package store holds the relational schema for TinyLVT and the gorm wiring used to read and write it
// transactionally, in the manner of services/otc-gateway/models.
package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tinylvt/tinylvt/money"
)

// Member roles. At most one leader exists per community (invariant 7),
// enforced by a partial unique index created in AutoMigrate's raw DDL; a
// community with no leader is not rejected.
const (
	RoleMember    = "member"
	RoleModerator = "moderator"
	RoleCoLeader  = "coleader"
	RoleLeader    = "leader"
)

// Currency modes a Community may operate under.
const (
	ModePointsAllocation  = "points_allocation"
	ModeDistributedClear  = "distributed_clearing"
	ModeDeferredPayment   = "deferred_payment"
	ModePrepaidCredits    = "prepaid_credits"
)

// Account types.
const (
	AccountMemberMain        = "member_main"
	AccountCommunityTreasury = "community_treasury"
)

// Journal entry types.
const (
	EntryIssuanceGrant    = "issuance_grant"
	EntryCreditPurchase    = "credit_purchase"
	EntryAuctionSettlement = "auction_settlement"
	EntryTransfer          = "transfer"
)

// Auction lifecycle states.
const (
	AuctionScheduled  = "scheduled"
	AuctionActive     = "active"
	AuctionFinalizing = "finalizing"
	AuctionFinalized  = "finalized"
	AuctionAborted    = "aborted"
)

// Community is the root aggregate: it owns Members, Sites, and Accounts.
type Community struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name                 string    `gorm:"size:255;not null"`
	CurrencyMode         string    `gorm:"size:32;not null"`
	CurrencyDenomination string    `gorm:"size:16;not null"`
	DefaultCreditLimit   *money.Amount `gorm:"type:numeric(30,6)"`
	DebtsCallable        bool
	AllowanceAmount      money.Amount `gorm:"type:numeric(30,6);not null;default:0"`
	AllowancePeriodDays  int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Member is a (community, user) pair. Active determines eligibility to
// receive distributions at settlement time.
type Member struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey"`
	CommunityID         uuid.UUID `gorm:"type:uuid;index;not null"`
	UserID              uuid.UUID `gorm:"type:uuid;index;not null"`
	Role                string    `gorm:"size:16;not null"`
	Active              bool      `gorm:"not null;default:true"`
	CreditLimitOverride *money.Amount `gorm:"type:numeric(30,6)"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Site is a location containing Spaces, with its own default auction
// cadence and lead times.
type Site struct {
	ID                       uuid.UUID `gorm:"type:uuid;primaryKey"`
	CommunityID              uuid.UUID `gorm:"type:uuid;index;not null"`
	Name                     string    `gorm:"size:255;not null"`
	DefaultAuctionParamsID   uuid.UUID `gorm:"type:uuid;not null"`
	PossessionPeriodSeconds  int64     `gorm:"not null"`
	AuctionLeadTimeSeconds   int64     `gorm:"not null"`
	ProxyBiddingLeadSeconds  int64     `gorm:"not null"`
	OpenHours                []byte    `gorm:"type:jsonb"`
	Timezone                 string    `gorm:"size:64"`
	AutoSchedule             bool      `gorm:"not null;default:false"`
	LastPossessionEnd        *time.Time
	CreatedAt                time.Time
	UpdatedAt                time.Time
	DeletedAt                gorm.DeletedAt `gorm:"index"`
}

// Space is an allocatable unit within a Site. Name is unique per site among
// non-deleted spaces (enforced by a partial unique index in AutoMigrate).
type Space struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	SiteID            uuid.UUID `gorm:"type:uuid;index;not null"`
	Name              string    `gorm:"size:255;not null"`
	EligibilityPoints float64   `gorm:"not null"`
	Available         bool      `gorm:"not null;default:true"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         gorm.DeletedAt `gorm:"index"`
}

// AuctionParams is immutable once referenced by a finalized auction
// (invariant 8): copy-on-write, never mutate a row in place once an auction
// has pinned it.
type AuctionParams struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	SiteID               uuid.UUID `gorm:"type:uuid;index;not null"`
	RoundDurationSeconds int64     `gorm:"not null"`
	BidIncrement         []byte    `gorm:"type:jsonb;not null"`
	ActivityRule         []byte    `gorm:"type:jsonb;not null"`
	CreatedAt            time.Time
}

// Auction belongs to a Site and pins an AuctionParams snapshot at creation.
type Auction struct {
	ID                     uuid.UUID `gorm:"type:uuid;primaryKey"`
	SiteID                 uuid.UUID `gorm:"type:uuid;index;not null"`
	AuctionParamsID        uuid.UUID `gorm:"type:uuid;not null"`
	PossessionStart        time.Time `gorm:"not null"`
	PossessionEnd          time.Time `gorm:"not null"`
	StartAt                time.Time `gorm:"not null"`
	EndAt                  *time.Time
	Status                 string `gorm:"size:16;not null;index"`
	CurrentRound           int    `gorm:"not null;default:0"`
	SchedulerFailureCount  int
	SchedulerLastFailedAt  *time.Time
	SchedulerNextAttemptAt *time.Time
	SettlementEntryID      *uuid.UUID `gorm:"type:uuid"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// AuctionRound is a dense, 0-based per-auction round. Not user-editable.
type AuctionRound struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey"`
	AuctionID            uuid.UUID `gorm:"type:uuid;index;not null"`
	RoundNum             int       `gorm:"not null"`
	StartAt              time.Time `gorm:"not null"`
	EndAt                time.Time `gorm:"not null"`
	EligibilityThreshold float64   `gorm:"not null"`
	RNGSeed              int64     `gorm:"not null"`
	CreatedAt            time.Time
}

// RoundSpaceResult is the per-(space, round) outcome: the space's value
// after the round closes, and the round's standing winner.
type RoundSpaceResult struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	AuctionID     uuid.UUID  `gorm:"type:uuid;index;not null"`
	RoundNum      int        `gorm:"not null"`
	SpaceID       uuid.UUID  `gorm:"type:uuid;index;not null"`
	Value         money.Amount `gorm:"type:numeric(30,6);not null"`
	WinningUserID *uuid.UUID `gorm:"type:uuid"`
	CreatedAt     time.Time
}

// Bid is a binary commitment: (space, round, user) existing means the user
// has committed to pay that round's minimum bid if standing at round close.
type Bid struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	AuctionID uuid.UUID `gorm:"type:uuid;index;not null"`
	RoundNum  int       `gorm:"not null"`
	SpaceID   uuid.UUID `gorm:"type:uuid;index;not null"`
	UserID    uuid.UUID `gorm:"type:uuid;index;not null"`
	CreatedAt time.Time
}

// UserEligibility is the per-(user, round) points budget for round_num > 0.
type UserEligibility struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	AuctionID uuid.UUID `gorm:"type:uuid;index;not null"`
	RoundNum  int       `gorm:"not null"`
	UserID    uuid.UUID `gorm:"type:uuid;index;not null"`
	Points    float64   `gorm:"not null"`
}

// UserValue is a user's declared maximum willingness-to-pay for a space,
// consumed by the proxy bidder.
type UserValue struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;index;not null"`
	SpaceID   uuid.UUID `gorm:"type:uuid;index;not null"`
	Value     money.Amount `gorm:"type:numeric(30,6);not null"`
	UpdatedAt time.Time
}

// UseProxyBidding enrolls a user's proxy agent into an auction.
type UseProxyBidding struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	AuctionID uuid.UUID `gorm:"type:uuid;index;not null"`
	UserID    uuid.UUID `gorm:"type:uuid;index;not null"`
	MaxItems  int       `gorm:"not null"`
	CreatedAt time.Time
}

// Account is a ledger account, either a member's main balance or the
// community treasury. BalanceCached is the sum of the account's journal
// lines, kept current in the same transaction as every posting. MemberID
// holds the member's external user id (nil for the community treasury),
// not the Member row's own id, so the ledger can resolve an account
// directly from a winning bid's user id.
type Account struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey"`
	CommunityID         uuid.UUID `gorm:"type:uuid;index;not null"`
	MemberID            *uuid.UUID `gorm:"type:uuid;index"`
	Type                string     `gorm:"size:32;not null"`
	CreditLimitOverride *money.Amount `gorm:"type:numeric(30,6)"`
	BalanceCached       money.Amount  `gorm:"type:numeric(30,6);not null;default:0"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// JournalEntry carries a balanced set of JournalLines. IdempotencyKey is
// unique: retrying the same settlement is a no-op.
type JournalEntry struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	CommunityID    uuid.UUID `gorm:"type:uuid;index;not null"`
	EntryType      string    `gorm:"size:32;not null"`
	IdempotencyKey string    `gorm:"size:255;uniqueIndex;not null"`
	AuctionID      *uuid.UUID `gorm:"type:uuid;index"`
	InitiatorID    *uuid.UUID `gorm:"type:uuid"`
	CreatedAt      time.Time
	Lines          []JournalLine
}

// JournalLine is a signed posting against one Account. Lines of an entry
// sum exactly to zero (invariant 5).
type JournalLine struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	JournalEntryID uuid.UUID `gorm:"type:uuid;index;not null"`
	AccountID      uuid.UUID `gorm:"type:uuid;index;not null"`
	Amount         money.Amount `gorm:"type:numeric(30,6);not null"`
}

// IdempotencyRecord is a (scope, key) table shaped like
// services/otc-gateway/models.IdempotencyKey. AutoMigrate creates it, but no
// operation in this repository reads or writes it; settlement and allowance
// retries are deduplicated by JournalEntry's unique IdempotencyKey instead.
type IdempotencyRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Scope     string    `gorm:"size:64;not null"`
	Key       string    `gorm:"size:255;not null"`
	ResultRef *uuid.UUID `gorm:"type:uuid"`
	CreatedAt time.Time
}

// AutoMigrate creates/updates every TinyLVT table and the invariant-backing
// indexes that cannot be expressed through gorm tags alone.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Community{},
		&Member{},
		&Site{},
		&Space{},
		&AuctionParams{},
		&Auction{},
		&AuctionRound{},
		&RoundSpaceResult{},
		&Bid{},
		&UserEligibility{},
		&UserValue{},
		&UseProxyBidding{},
		&Account{},
		&JournalEntry{},
		&JournalLine{},
		&IdempotencyRecord{},
	); err != nil {
		return err
	}

	// Invariant 7: exactly one leader per community.
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_one_leader_per_community
		ON members (community_id) WHERE role = 'leader'`).Error; err != nil {
		return err
	}
	// Space name unique per site among non-deleted spaces.
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_space_name_per_site
		ON spaces (site_id, name) WHERE deleted_at IS NULL`).Error; err != nil {
		return err
	}
	// One (space, round, user) bid.
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_bid_unique
		ON bids (auction_id, round_num, space_id, user_id)`).Error; err != nil {
		return err
	}
	// One result row per (auction, round, space).
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_round_space_result_unique
		ON round_space_results (auction_id, round_num, space_id)`).Error; err != nil {
		return err
	}
	// One eligibility row per (auction, round, user).
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_eligibility_unique
		ON user_eligibilities (auction_id, round_num, user_id)`).Error; err != nil {
		return err
	}
	// One declared value per (user, space).
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_value_unique
		ON user_values (user_id, space_id)`).Error; err != nil {
		return err
	}
	// One proxy enrollment per (auction, user).
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_proxy_unique
		ON use_proxy_biddings (auction_id, user_id)`).Error; err != nil {
		return err
	}
	// One idempotency record per (scope, key).
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_idempotency_unique
		ON idempotency_records (scope, key)`).Error; err != nil {
		return err
	}
	return nil
}
