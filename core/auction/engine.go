// Package auction implements the round-by-round simultaneous ascending
// auction state machine: round opening, bid acceptance, round closing, and
// finalization, in the transactional shape of funding.Processor.Process
// generalized from a single-row state machine to a multi-round one.
package auction

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tinylvt/tinylvt/clock"
	"github.com/tinylvt/tinylvt/core/engineerr"
	"github.com/tinylvt/tinylvt/core/ledger"
	"github.com/tinylvt/tinylvt/events"
	"github.com/tinylvt/tinylvt/money"
	"github.com/tinylvt/tinylvt/observability/metrics"
	"github.com/tinylvt/tinylvt/store"
)

// Engine owns the lifecycle of auctions against a single database. It is
// safe for concurrent use: PlaceBid, OpenIfDue, CloseIfDue and AbortAuction
// take the per-auction advisory lock before touching rows. The user-value
// and proxy-enrollment writes and IssueAllowance do not take that lock.
type Engine struct {
	DB      *gorm.DB
	Clock   clock.Clock
	Events  events.Publisher
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// New constructs an Engine with sane defaults for any nil dependency.
func New(db *gorm.DB, clk clock.Clock, pub events.Publisher, logger *slog.Logger, mtx *metrics.Collector) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if mtx == nil {
		mtx = metrics.NewCollector()
	}
	return &Engine{DB: db, Clock: clk, Events: pub, Logger: logger, Metrics: mtx}
}

func (e *Engine) publish(ctx context.Context, evt events.Event) {
	if e.Events != nil {
		e.Events.Publish(ctx, evt)
	}
}

// CreateAuction persists a new Scheduled auction pinned to site's current
// default AuctionParams.
func (e *Engine) CreateAuction(ctx context.Context, siteID uuid.UUID, possessionStart, possessionEnd, startAt time.Time) (uuid.UUID, error) {
	var auctionID uuid.UUID
	err := store.WithAuctionLock(ctx, e.DB, uuid.New(), func(tx *gorm.DB) error {
		var site store.Site
		if err := tx.WithContext(ctx).First(&site, "id = ?", siteID).Error; err != nil {
			return engineerr.External(err)
		}
		a := store.Auction{
			ID:              uuid.New(),
			SiteID:          siteID,
			AuctionParamsID: site.DefaultAuctionParamsID,
			PossessionStart: possessionStart,
			PossessionEnd:   possessionEnd,
			StartAt:         startAt,
			Status:          store.AuctionScheduled,
		}
		if err := tx.WithContext(ctx).Create(&a).Error; err != nil {
			return engineerr.External(err)
		}
		auctionID = a.ID
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	e.Logger.Info("auction created", "auction_id", auctionID, "site_id", siteID)
	return auctionID, nil
}

// SetUserValue records or updates a user's declared maximum
// willingness-to-pay for a space, consumed by the proxy bidder.
func (e *Engine) SetUserValue(ctx context.Context, userID, spaceID uuid.UUID, value money.Amount) error {
	var existing store.UserValue
	err := e.DB.WithContext(ctx).Where("user_id = ? AND space_id = ?", userID, spaceID).First(&existing).Error
	switch err {
	case nil:
		existing.Value = value
		return e.DB.WithContext(ctx).Save(&existing).Error
	case gorm.ErrRecordNotFound:
		uv := store.UserValue{ID: uuid.New(), UserID: userID, SpaceID: spaceID, Value: value}
		return e.DB.WithContext(ctx).Create(&uv).Error
	default:
		return engineerr.External(err)
	}
}

// DeleteUserValue removes a user's declared value for a space.
func (e *Engine) DeleteUserValue(ctx context.Context, userID, spaceID uuid.UUID) error {
	return e.DB.WithContext(ctx).Where("user_id = ? AND space_id = ?", userID, spaceID).Delete(&store.UserValue{}).Error
}

// EnrollProxy registers a user's proxy agent for an auction with a cap on
// the number of spaces it will try to win.
func (e *Engine) EnrollProxy(ctx context.Context, userID, auctionID uuid.UUID, maxItems int) error {
	if maxItems < 1 {
		return engineerr.Precondition(engineerr.CodeInvalidTransition, "max_items must be at least 1")
	}
	var existing store.UseProxyBidding
	err := e.DB.WithContext(ctx).Where("auction_id = ? AND user_id = ?", auctionID, userID).First(&existing).Error
	switch err {
	case nil:
		existing.MaxItems = maxItems
		return e.DB.WithContext(ctx).Save(&existing).Error
	case gorm.ErrRecordNotFound:
		p := store.UseProxyBidding{ID: uuid.New(), AuctionID: auctionID, UserID: userID, MaxItems: maxItems}
		return e.DB.WithContext(ctx).Create(&p).Error
	default:
		return engineerr.External(err)
	}
}

// DisableProxy removes a user's proxy enrollment from an auction. Standing
// wins already held are unaffected.
func (e *Engine) DisableProxy(ctx context.Context, userID, auctionID uuid.UUID) error {
	return e.DB.WithContext(ctx).Where("auction_id = ? AND user_id = ?", auctionID, userID).
		Delete(&store.UseProxyBidding{}).Error
}

// AbortAuction transitions a non-finalized auction to Aborted. No ledger
// effects occur.
func (e *Engine) AbortAuction(ctx context.Context, auctionID uuid.UUID) error {
	return store.WithAuctionLock(ctx, e.DB, auctionID, func(tx *gorm.DB) error {
		var a store.Auction
		if err := tx.WithContext(ctx).First(&a, "id = ?", auctionID).Error; err != nil {
			return engineerr.External(err)
		}
		if a.Status == store.AuctionFinalized || a.Status == store.AuctionAborted {
			return engineerr.ErrInvalidTransition
		}
		now := e.Clock.Now()
		a.Status = store.AuctionAborted
		a.EndAt = &now
		return tx.WithContext(ctx).Save(&a).Error
	})
}

// SpaceState is one space's view within GetAuctionState.
type SpaceState struct {
	SpaceID        uuid.UUID
	MinBid         money.Amount
	StandingWinner *uuid.UUID
	Value          money.Amount
}

// UserState is one user's view within GetAuctionState.
type UserState struct {
	UserID      uuid.UUID
	Eligibility float64
}

// AuctionState is the read-only projection external callers poll.
type AuctionState struct {
	AuctionID    uuid.UUID
	Status       string
	CurrentRound int
	Spaces       []SpaceState
	Users        []UserState
}

// GetAuctionState reads the externally visible view of an auction: status,
// current round, and per-space/per-user snapshots.
func (e *Engine) GetAuctionState(ctx context.Context, auctionID uuid.UUID) (*AuctionState, error) {
	var a store.Auction
	if err := e.DB.WithContext(ctx).First(&a, "id = ?", auctionID).Error; err != nil {
		return nil, engineerr.External(err)
	}

	var results []store.RoundSpaceResult
	if err := e.DB.WithContext(ctx).Where("auction_id = ? AND round_num = ?", auctionID, a.CurrentRound).
		Find(&results).Error; err != nil {
		return nil, engineerr.External(err)
	}

	var params store.AuctionParams
	if err := e.DB.WithContext(ctx).First(&params, "id = ?", a.AuctionParamsID).Error; err != nil {
		return nil, engineerr.External(err)
	}
	inc, err := ParseBidIncrement(params.BidIncrement)
	if err != nil {
		return nil, err
	}

	spaces := make([]SpaceState, 0, len(results))
	for _, r := range results {
		spaces = append(spaces, SpaceState{
			SpaceID:        r.SpaceID,
			MinBid:         r.Value.Add(inc.At(a.CurrentRound + 1)),
			StandingWinner: r.WinningUserID,
			Value:          r.Value,
		})
	}

	var elig []store.UserEligibility
	if err := e.DB.WithContext(ctx).Where("auction_id = ? AND round_num = ?", auctionID, a.CurrentRound).
		Find(&elig).Error; err != nil {
		return nil, engineerr.External(err)
	}
	users := make([]UserState, 0, len(elig))
	for _, ue := range elig {
		users = append(users, UserState{UserID: ue.UserID, Eligibility: ue.Points})
	}

	return &AuctionState{
		AuctionID:    auctionID,
		Status:       a.Status,
		CurrentRound: a.CurrentRound,
		Spaces:       spaces,
		Users:        users,
	}, nil
}

// IssueAllowance posts the recurring points_allocation grant for a
// community period. Idempotent per (community, period_index).
func (e *Engine) IssueAllowance(ctx context.Context, communityID uuid.UUID, periodIndex int64) error {
	return e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var community store.Community
		if err := tx.WithContext(ctx).First(&community, "id = ?", communityID).Error; err != nil {
			return engineerr.External(err)
		}
		_, err := ledger.IssueAllowance(ctx, tx, community, periodIndex)
		return err
	})
}
