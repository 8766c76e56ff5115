// Package ledger builds the balanced journal entries that settle a
// finalized auction, and enforces credit limits before committing them, in
// the shape of funding.Processor.Process: every posting runs inside one
// gorm transaction against row-locked accounts.
package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tinylvt/tinylvt/core/engineerr"
	"github.com/tinylvt/tinylvt/money"
	"github.com/tinylvt/tinylvt/store"
)

// Winner is one line of a finalization payload: a space's standing winner
// and the value they owe, as computed by the auction engine.
type Winner struct {
	SpaceID uuid.UUID
	UserID  uuid.UUID
	Value   money.Amount
}

// Settle converts a finalization payload into a balanced JournalEntry under
// the community's currency mode. Idempotent: calling it twice for the same
// auction returns the existing entry and posts nothing new.
func Settle(ctx context.Context, tx *gorm.DB, community store.Community, auctionID uuid.UUID, winners []Winner) (*store.JournalEntry, error) {
	idempotencyKey := fmt.Sprintf("%s:settlement", auctionID)

	var existing store.JournalEntry
	err := tx.WithContext(ctx).Where("idempotency_key = ?", idempotencyKey).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, engineerr.External(err)
	}

	treasury, err := getOrCreateAccount(ctx, tx, community.ID, nil, store.AccountCommunityTreasury)
	if err != nil {
		return nil, err
	}

	lines, err := buildLines(ctx, tx, community, treasury, winners)
	if err != nil {
		return nil, err
	}

	if total := money.Sum(lineAmounts(lines)); !total.IsZero() {
		return nil, engineerr.Integrity(engineerr.CodeInvariantViolation,
			fmt.Sprintf("settlement lines do not sum to zero: %s", total))
	}

	if err := checkCreditLimits(ctx, tx, community, lines); err != nil {
		return nil, err
	}

	entry := store.JournalEntry{
		ID:             uuid.New(),
		CommunityID:    community.ID,
		EntryType:      store.EntryAuctionSettlement,
		IdempotencyKey: idempotencyKey,
		AuctionID:      &auctionID,
		Lines:          lines,
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, engineerr.External(err)
	}
	if err := applyBalances(ctx, tx, lines); err != nil {
		return nil, err
	}
	return &entry, nil
}

// buildLines dispatches to the per-mode settlement shape.
func buildLines(ctx context.Context, tx *gorm.DB, community store.Community, treasury *store.Account, winners []Winner) ([]store.JournalLine, error) {
	switch community.CurrencyMode {
	case store.ModePointsAllocation, store.ModeDeferredPayment, store.ModePrepaidCredits:
		return buildDebitTreasuryCredit(ctx, tx, community, treasury, winners)
	case store.ModeDistributedClear:
		return buildDistributedClearing(ctx, tx, community, treasury, winners)
	default:
		return nil, engineerr.Integrity(engineerr.CodeInvariantViolation, "unknown currency mode "+community.CurrencyMode)
	}
}

// buildDebitTreasuryCredit implements points_allocation, deferred_payment,
// and prepaid_credits: each winner is debited their value, the treasury is
// credited the total.
func buildDebitTreasuryCredit(ctx context.Context, tx *gorm.DB, community store.Community, treasury *store.Account, winners []Winner) ([]store.JournalLine, error) {
	lines := make([]store.JournalLine, 0, len(winners)+1)
	total := money.Zero
	for _, w := range winners {
		acct, err := getOrCreateAccount(ctx, tx, community.ID, &w.UserID, store.AccountMemberMain)
		if err != nil {
			return nil, err
		}
		lines = append(lines, store.JournalLine{ID: uuid.New(), AccountID: acct.ID, Amount: w.Value.Neg()})
		total = total.Add(w.Value)
	}
	lines = append(lines, store.JournalLine{ID: uuid.New(), AccountID: treasury.ID, Amount: total})
	return lines, nil
}

// buildDistributedClearing implements distributed_clearing: every winner is debited their value, and the grand total is split
// equally as credits across all currently active members, residual cents
// going to the treasury so the entry sums to exactly zero.
func buildDistributedClearing(ctx context.Context, tx *gorm.DB, community store.Community, treasury *store.Account, winners []Winner) ([]store.JournalLine, error) {
	var activeMembers []store.Member
	if err := tx.WithContext(ctx).Where("community_id = ? AND active = ?", community.ID, true).
		Order("id").Find(&activeMembers).Error; err != nil {
		return nil, engineerr.External(err)
	}
	if len(activeMembers) == 0 {
		return nil, engineerr.Integrity(engineerr.CodeInvariantViolation, "distributed_clearing settlement with no active members")
	}

	lines := make([]store.JournalLine, 0, len(winners)+len(activeMembers)+1)
	total := money.Zero
	for _, w := range winners {
		acct, err := getOrCreateAccount(ctx, tx, community.ID, &w.UserID, store.AccountMemberMain)
		if err != nil {
			return nil, err
		}
		lines = append(lines, store.JournalLine{ID: uuid.New(), AccountID: acct.ID, Amount: w.Value.Neg()})
		total = total.Add(w.Value)
	}

	share, remainder := total.DivInt(int64(len(activeMembers)))
	for _, m := range activeMembers {
		acct, err := getOrCreateAccount(ctx, tx, community.ID, &m.UserID, store.AccountMemberMain)
		if err != nil {
			return nil, err
		}
		lines = append(lines, store.JournalLine{ID: uuid.New(), AccountID: acct.ID, Amount: share})
	}
	if !remainder.IsZero() {
		lines = append(lines, store.JournalLine{ID: uuid.New(), AccountID: treasury.ID, Amount: remainder})
	}
	return lines, nil
}

// IssueAllowance posts an issuance_grant entry for one community period:
// treasury debited, every active member credited the community's
// allowance amount. Idempotent per (community, period_index).
func IssueAllowance(ctx context.Context, tx *gorm.DB, community store.Community, periodIndex int64) (*store.JournalEntry, error) {
	idempotencyKey := fmt.Sprintf("%s:allowance:%d", community.ID, periodIndex)

	var existing store.JournalEntry
	err := tx.WithContext(ctx).Where("idempotency_key = ?", idempotencyKey).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, engineerr.External(err)
	}

	var activeMembers []store.Member
	if err := tx.WithContext(ctx).Where("community_id = ? AND active = ?", community.ID, true).
		Order("id").Find(&activeMembers).Error; err != nil {
		return nil, engineerr.External(err)
	}

	treasury, err := getOrCreateAccount(ctx, tx, community.ID, nil, store.AccountCommunityTreasury)
	if err != nil {
		return nil, err
	}

	lines := make([]store.JournalLine, 0, len(activeMembers)+1)
	total := money.Zero
	for _, m := range activeMembers {
		acct, err := getOrCreateAccount(ctx, tx, community.ID, &m.UserID, store.AccountMemberMain)
		if err != nil {
			return nil, err
		}
		lines = append(lines, store.JournalLine{ID: uuid.New(), AccountID: acct.ID, Amount: community.AllowanceAmount})
		total = total.Add(community.AllowanceAmount)
	}
	lines = append(lines, store.JournalLine{ID: uuid.New(), AccountID: treasury.ID, Amount: total.Neg()})

	entry := store.JournalEntry{
		ID:             uuid.New(),
		CommunityID:    community.ID,
		EntryType:      store.EntryIssuanceGrant,
		IdempotencyKey: idempotencyKey,
		Lines:          lines,
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, engineerr.External(err)
	}
	if err := applyBalances(ctx, tx, lines); err != nil {
		return nil, err
	}
	return &entry, nil
}

// checkCreditLimits recomputes every affected account's projected balance
// before the entry commits and aborts the whole entry if any line would
// breach its effective credit limit.
func checkCreditLimits(ctx context.Context, tx *gorm.DB, community store.Community, lines []store.JournalLine) error {
	byAccount := map[uuid.UUID]money.Amount{}
	for _, l := range lines {
		byAccount[l.AccountID] = byAccount[l.AccountID].Add(l.Amount)
	}

	ids := make([]uuid.UUID, 0, len(byAccount))
	for id := range byAccount {
		ids = append(ids, id)
	}
	// Deterministic account lock order prevents deadlocks across
	// concurrently settling auctions that share a treasury account.
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, id := range ids {
		var acct store.Account
		if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&acct, "id = ?", id).Error; err != nil {
			return engineerr.External(err)
		}
		limit := effectiveCreditLimit(acct, community)
		if limit == nil {
			continue
		}
		projected := acct.BalanceCached.Add(byAccount[id])
		if projected.LessThan(limit.Neg()) {
			return engineerr.Integrity(engineerr.CodeInvariantViolation,
				fmt.Sprintf("account %s would breach credit limit: projected %s, limit %s", id, projected, limit))
		}
	}
	return nil
}

// effectiveCreditLimit resolves an account's credit limit: a per-member
// override takes precedence, falling back to the community default
// (nil either way means unlimited).
func effectiveCreditLimit(acct store.Account, community store.Community) *money.Amount {
	if acct.CreditLimitOverride != nil {
		return acct.CreditLimitOverride
	}
	return community.DefaultCreditLimit
}

func applyBalances(ctx context.Context, tx *gorm.DB, lines []store.JournalLine) error {
	byAccount := map[uuid.UUID]money.Amount{}
	for _, l := range lines {
		byAccount[l.AccountID] = byAccount[l.AccountID].Add(l.Amount)
	}
	for id, delta := range byAccount {
		if err := tx.WithContext(ctx).Model(&store.Account{}).Where("id = ?", id).
			Update("balance_cached", gorm.Expr("balance_cached + ?", delta)).Error; err != nil {
			return engineerr.External(err)
		}
	}
	return nil
}

// getOrCreateAccount fetches a row-locked account, creating it on first
// use. member may be nil only for the community treasury.
func getOrCreateAccount(ctx context.Context, tx *gorm.DB, communityID uuid.UUID, memberUserID *uuid.UUID, accountType string) (*store.Account, error) {
	q := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("community_id = ? AND type = ?", communityID, accountType)
	if memberUserID != nil {
		q = q.Where("member_id = ?", *memberUserID)
	} else {
		q = q.Where("member_id IS NULL")
	}

	var acct store.Account
	err := q.First(&acct).Error
	if err == nil {
		return &acct, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, engineerr.External(err)
	}

	acct = store.Account{
		ID:            uuid.New(),
		CommunityID:   communityID,
		MemberID:      memberUserID,
		Type:          accountType,
		BalanceCached: money.Zero,
	}
	if err := tx.WithContext(ctx).Create(&acct).Error; err != nil {
		return nil, engineerr.External(err)
	}
	return &acct, nil
}

func lineAmounts(lines []store.JournalLine) []money.Amount {
	out := make([]money.Amount, len(lines))
	for i, l := range lines {
		out[i] = l.Amount
	}
	return out
}

// ProjectedBalance computes what acct's balance would be after adding
// delta, used by the auction engine to enforce InsufficientCredit at bid
// time before any ledger entry exists.
func ProjectedBalance(acct store.Account, delta money.Amount) money.Amount {
	return acct.BalanceCached.Add(delta)
}

// WithinCreditLimit reports whether projected satisfies acct's effective
// limit (nil limit = unlimited).
func WithinCreditLimit(acct store.Account, community store.Community, projected money.Amount) bool {
	limit := effectiveCreditLimit(acct, community)
	if limit == nil {
		return true
	}
	return !projected.LessThan(limit.Neg())
}
