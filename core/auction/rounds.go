package auction

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	mathrand "math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tinylvt/tinylvt/core/engineerr"
	"github.com/tinylvt/tinylvt/core/ledger"
	"github.com/tinylvt/tinylvt/events"
	"github.com/tinylvt/tinylvt/money"
	"github.com/tinylvt/tinylvt/store"
)

// OpenIfDue transitions a Scheduled auction to Active by opening round 0,
// if its start time has passed. A no-op for auctions already past
// Scheduled.
func (e *Engine) OpenIfDue(ctx context.Context, auctionID uuid.UUID) error {
	return store.WithAuctionLock(ctx, e.DB, auctionID, func(tx *gorm.DB) error {
		var a store.Auction
		if err := tx.WithContext(ctx).First(&a, "id = ?", auctionID).Error; err != nil {
			return engineerr.External(err)
		}
		if a.Status != store.AuctionScheduled {
			return nil
		}
		now := e.Clock.Now()
		if now.Before(a.StartAt) {
			return nil
		}

		params, err := e.loadParams(ctx, tx, a.AuctionParamsID)
		if err != nil {
			return err
		}

		round := store.AuctionRound{
			ID:                   uuid.New(),
			AuctionID:            a.ID,
			RoundNum:             0,
			StartAt:              now,
			EndAt:                now.Add(time.Duration(params.RoundDurationSeconds) * time.Second),
			EligibilityThreshold: params.ActivityRuleSpec.ThresholdAt(0),
			RNGSeed:              e.newSeed(),
		}
		if err := tx.WithContext(ctx).Create(&round).Error; err != nil {
			return engineerr.External(err)
		}

		a.Status = store.AuctionActive
		a.CurrentRound = 0
		if err := tx.WithContext(ctx).Save(&a).Error; err != nil {
			return engineerr.External(err)
		}

		e.Metrics.RoundOpened(a.SiteID.String())
		e.publish(ctx, events.AuctionOpened{AuctionID: a.ID})
		return nil
	})
}

// CloseIfDue closes the current round and either opens the next one or
// moves to Finalizing, if the round's end time has passed. Crash-safe: if
// the round's RoundSpaceResult rows already exist (a previous attempt
// wrote them but crashed before advancing the auction), it skips straight
// to advancing instead of reprocessing bids.
func (e *Engine) CloseIfDue(ctx context.Context, auctionID uuid.UUID) error {
	started := e.Clock.Now()
	err := store.WithAuctionLock(ctx, e.DB, auctionID, func(tx *gorm.DB) error {
		var a store.Auction
		if err := tx.WithContext(ctx).First(&a, "id = ?", auctionID).Error; err != nil {
			return engineerr.External(err)
		}
		if a.Status != store.AuctionActive {
			return nil
		}

		var round store.AuctionRound
		if err := tx.WithContext(ctx).Where("auction_id = ? AND round_num = ?", a.ID, a.CurrentRound).
			First(&round).Error; err != nil {
			return engineerr.External(err)
		}
		now := e.Clock.Now()
		if now.Before(round.EndAt) {
			return nil
		}

		var existingResults int64
		if err := tx.WithContext(ctx).Model(&store.RoundSpaceResult{}).
			Where("auction_id = ? AND round_num = ?", a.ID, a.CurrentRound).Count(&existingResults).Error; err != nil {
			return engineerr.External(err)
		}

		var quiescent bool
		if existingResults == 0 {
			q, err := e.closeRoundResults(ctx, tx, &a, round)
			if err != nil {
				return err
			}
			quiescent = q
		} else {
			var count int64
			if err := tx.WithContext(ctx).Model(&store.Bid{}).
				Where("auction_id = ? AND round_num = ?", a.ID, a.CurrentRound).Count(&count).Error; err != nil {
				return engineerr.External(err)
			}
			quiescent = count == 0
		}

		if quiescent {
			return e.finalizeLocked(ctx, tx, &a, now)
		}
		return e.openNextRound(ctx, tx, &a, round, now)
	})
	e.Metrics.ObserveRoundCloseDuration(e.Clock.Now().Sub(started).Seconds())
	return err
}

// closeRoundResults writes this round's RoundSpaceResult rows, persists
// round r+1's eligibility, emits UserOutbid for displaced standing
// winners, and reports whether the round was quiescent (no new bids on
// any space).
func (e *Engine) closeRoundResults(ctx context.Context, tx *gorm.DB, a *store.Auction, round store.AuctionRound) (bool, error) {
	params, err := e.loadParams(ctx, tx, a.AuctionParamsID)
	if err != nil {
		return false, err
	}

	var spaces []store.Space
	if err := tx.WithContext(ctx).Where("site_id = ? AND available = ?", a.SiteID, true).
		Order("id").Find(&spaces).Error; err != nil {
		return false, engineerr.External(err)
	}

	prevValues, prevWinners, err := e.previousResults(ctx, tx, a.ID, a.CurrentRound, spaces)
	if err != nil {
		return false, err
	}

	var bids []store.Bid
	if err := tx.WithContext(ctx).Where("auction_id = ? AND round_num = ?", a.ID, a.CurrentRound).
		Find(&bids).Error; err != nil {
		return false, engineerr.External(err)
	}
	bidsBySpace := map[uuid.UUID][]uuid.UUID{}
	for _, b := range bids {
		bidsBySpace[b.SpaceID] = append(bidsBySpace[b.SpaceID], b.UserID)
	}

	rng := mathrand.New(mathrand.NewSource(round.RNGSeed))
	anyNewBid := false
	results := make([]store.RoundSpaceResult, 0, len(spaces))
	outbid := map[uuid.UUID]uuid.UUID{}

	for _, sp := range spaces {
		bidders := append([]uuid.UUID(nil), bidsBySpace[sp.ID]...)
		sort.Slice(bidders, func(i, j int) bool { return bidders[i].String() < bidders[j].String() })

		increment := money.Zero
		if a.CurrentRound > 0 {
			increment = params.BidIncrementSpec.At(a.CurrentRound)
		}

		var value money.Amount
		var winner *uuid.UUID
		if len(bidders) > 0 {
			anyNewBid = true
			value = prevValues[sp.ID].Add(increment)
			chosen := bidders[rng.Intn(len(bidders))]
			if prev, ok := prevWinners[sp.ID]; ok && prev != chosen {
				outbid[sp.ID] = prev
			}
			winner = &chosen
		} else {
			value = prevValues[sp.ID]
			if prev, ok := prevWinners[sp.ID]; ok {
				w := prev
				winner = &w
			}
		}

		results = append(results, store.RoundSpaceResult{
			ID:            uuid.New(),
			AuctionID:     a.ID,
			RoundNum:      a.CurrentRound,
			SpaceID:       sp.ID,
			Value:         value,
			WinningUserID: winner,
		})
	}

	if err := tx.WithContext(ctx).Create(&results).Error; err != nil {
		return false, engineerr.External(err)
	}

	if err := e.persistNextEligibility(ctx, tx, *a, round, spaces, bidsBySpace, prevWinners); err != nil {
		return false, err
	}

	for spaceID, prevWinner := range outbid {
		e.publish(ctx, events.UserOutbid{AuctionID: a.ID, SpaceID: spaceID, UserID: prevWinner})
	}

	return !anyNewBid, nil
}

// openNextRound creates round r+1 and advances the auction onto it.
func (e *Engine) openNextRound(ctx context.Context, tx *gorm.DB, a *store.Auction, round store.AuctionRound, now time.Time) error {
	params, err := e.loadParams(ctx, tx, a.AuctionParamsID)
	if err != nil {
		return err
	}

	nextRound := a.CurrentRound + 1
	start := now
	if round.EndAt.After(start) {
		start = round.EndAt
	}
	next := store.AuctionRound{
		ID:                   uuid.New(),
		AuctionID:            a.ID,
		RoundNum:             nextRound,
		StartAt:              start,
		EndAt:                start.Add(time.Duration(params.RoundDurationSeconds) * time.Second),
		EligibilityThreshold: params.ActivityRuleSpec.ThresholdAt(nextRound),
		RNGSeed:              e.newSeed(),
	}
	if err := tx.WithContext(ctx).Create(&next).Error; err != nil {
		return engineerr.External(err)
	}

	a.CurrentRound = nextRound
	if err := tx.WithContext(ctx).Save(a).Error; err != nil {
		return engineerr.External(err)
	}
	e.Metrics.RoundOpened(a.SiteID.String())
	e.publish(ctx, events.RoundClosed{AuctionID: a.ID, RoundNum: round.RoundNum})
	return nil
}

// finalizeLocked performs finalization assuming the auction lock is held
// and the caller has already determined quiescence.
func (e *Engine) finalizeLocked(ctx context.Context, tx *gorm.DB, a *store.Auction, now time.Time) error {
	var site store.Site
	if err := tx.WithContext(ctx).First(&site, "id = ?", a.SiteID).Error; err != nil {
		return engineerr.External(err)
	}
	var community store.Community
	if err := tx.WithContext(ctx).First(&community, "id = ?", site.CommunityID).Error; err != nil {
		return engineerr.External(err)
	}

	var lastResults []store.RoundSpaceResult
	if err := tx.WithContext(ctx).Where("auction_id = ? AND round_num = ?", a.ID, a.CurrentRound).
		Find(&lastResults).Error; err != nil {
		return engineerr.External(err)
	}

	winners := make([]ledger.Winner, 0, len(lastResults))
	settlementLines := make([]events.SettlementLine, 0, len(lastResults))
	for _, r := range lastResults {
		if r.WinningUserID == nil {
			continue
		}
		winners = append(winners, ledger.Winner{SpaceID: r.SpaceID, UserID: *r.WinningUserID, Value: r.Value})
		settlementLines = append(settlementLines, events.SettlementLine{SpaceID: r.SpaceID, UserID: *r.WinningUserID, Value: r.Value})
	}

	if len(winners) > 0 {
		entry, err := ledger.Settle(ctx, tx, community, a.ID, winners)
		if err != nil {
			e.Metrics.LedgerEntryRejected(store.EntryAuctionSettlement)
			return err
		}
		a.SettlementEntryID = &entry.ID
		e.Metrics.LedgerEntryPosted(store.EntryAuctionSettlement)
	}

	a.Status = store.AuctionFinalized
	a.EndAt = &now
	if err := tx.WithContext(ctx).Save(a).Error; err != nil {
		return engineerr.External(err)
	}

	e.publish(ctx, events.RoundClosed{AuctionID: a.ID, RoundNum: a.CurrentRound})
	e.publish(ctx, events.AuctionFinalized{AuctionID: a.ID, Winners: settlementLines})
	return nil
}

// previousResults fetches each space's value and standing winner as of the
// round before `round`; spaces with no prior round default to zero value
// and no winner.
func (e *Engine) previousResults(ctx context.Context, tx *gorm.DB, auctionID uuid.UUID, round int, spaces []store.Space) (map[uuid.UUID]money.Amount, map[uuid.UUID]uuid.UUID, error) {
	values := map[uuid.UUID]money.Amount{}
	winners := map[uuid.UUID]uuid.UUID{}
	for _, s := range spaces {
		values[s.ID] = money.Zero
	}
	if round == 0 {
		return values, winners, nil
	}
	var prev []store.RoundSpaceResult
	if err := tx.WithContext(ctx).Where("auction_id = ? AND round_num = ?", auctionID, round-1).Find(&prev).Error; err != nil {
		return nil, nil, engineerr.External(err)
	}
	for _, r := range prev {
		values[r.SpaceID] = r.Value
		if r.WinningUserID != nil {
			winners[r.SpaceID] = *r.WinningUserID
		}
	}
	return values, winners, nil
}

// persistNextEligibility computes activity(u, r) for every user who either
// bid in r or stood entering r, and writes their round r+1 eligibility.
func (e *Engine) persistNextEligibility(ctx context.Context, tx *gorm.DB, a store.Auction, round store.AuctionRound, spaces []store.Space, bidsBySpace map[uuid.UUID][]uuid.UUID, standingEntering map[uuid.UUID]uuid.UUID) error {
	pointsBySpace := map[uuid.UUID]float64{}
	totalPoints := 0.0
	for _, s := range spaces {
		pointsBySpace[s.ID] = s.EligibilityPoints
		totalPoints += s.EligibilityPoints
	}

	activity := map[uuid.UUID]float64{}
	counted := map[uuid.UUID]map[uuid.UUID]bool{}
	touch := func(userID, spaceID uuid.UUID) {
		if counted[userID] == nil {
			counted[userID] = map[uuid.UUID]bool{}
		}
		if counted[userID][spaceID] {
			return
		}
		counted[userID][spaceID] = true
		activity[userID] += pointsBySpace[spaceID]
	}
	for spaceID, bidders := range bidsBySpace {
		for _, u := range bidders {
			touch(u, spaceID)
		}
	}
	for spaceID, userID := range standingEntering {
		touch(userID, spaceID)
	}

	threshold := round.EligibilityThreshold
	for userID, act := range activity {
		currentElig, err := e.eligibilityAt(ctx, tx, a.ID, round.RoundNum, userID, totalPoints)
		if err != nil {
			return err
		}

		var next float64
		if act >= threshold*currentElig {
			next = currentElig
		} else if threshold > 0 {
			next = act / threshold
		} else {
			next = 0
		}

		row := store.UserEligibility{
			ID:        uuid.New(),
			AuctionID: a.ID,
			RoundNum:  round.RoundNum + 1,
			UserID:    userID,
			Points:    next,
		}
		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			return engineerr.External(err)
		}
	}
	return nil
}

// eligibilityAt returns E(u, round): the formula value for round 0, or the
// persisted row for round>0 (zero if absent — a user with no recorded
// eligibility has none to spend).
func (e *Engine) eligibilityAt(ctx context.Context, tx *gorm.DB, auctionID uuid.UUID, round int, userID uuid.UUID, totalPointsAtRound0 float64) (float64, error) {
	if round == 0 {
		return totalPointsAtRound0, nil
	}
	var row store.UserEligibility
	err := tx.WithContext(ctx).Where("auction_id = ? AND round_num = ? AND user_id = ?", auctionID, round, userID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, engineerr.External(err)
	}
	return row.Points, nil
}

// paramsView is the decoded form of a store.AuctionParams row.
type paramsView struct {
	RoundDurationSeconds int64
	ActivityRuleSpec     ActivityRule
	BidIncrementSpec     BidIncrement
}

func (e *Engine) loadParams(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*paramsView, error) {
	var p store.AuctionParams
	if err := tx.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, engineerr.Integrity(engineerr.CodeInvariantViolation, "missing auction params: "+err.Error())
	}
	rule, err := ParseActivityRule(p.ActivityRule)
	if err != nil {
		return nil, err
	}
	inc, err := ParseBidIncrement(p.BidIncrement)
	if err != nil {
		return nil, err
	}
	return &paramsView{
		RoundDurationSeconds: p.RoundDurationSeconds,
		ActivityRuleSpec:     rule,
		BidIncrementSpec:     inc,
	}, nil
}

// newSeed draws a cryptographically random 63-bit seed for a round's RNG.
// Only the seed's persistence (not its generation) needs to be
// deterministic, for crash replay.
func (e *Engine) newSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return e.Clock.Now().UnixNano()
	}
	n := int64(binary.BigEndian.Uint64(buf[:]) & 0x7fffffffffffffff)
	if n == 0 {
		return 1
	}
	return n
}
