// Package proxy implements the automated bidding agent: for every user
// enrolled with UseProxyBidding, choose the bids for the open round in
// descending order of declared surplus, up to max_items less the spaces
// already held and within eligibility, then place them through the auction
// engine so every precondition (credit,
// eligibility, standing) is re-checked at the single choke point bids
// already go through.
package proxy

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tinylvt/tinylvt/core/auction"
	"github.com/tinylvt/tinylvt/core/engineerr"
	"github.com/tinylvt/tinylvt/money"
	"github.com/tinylvt/tinylvt/store"
)

// Bidder runs the proxy algorithm against an Engine's database.
type Bidder struct {
	Engine *auction.Engine
}

// New constructs a Bidder bound to engine.
func New(engine *auction.Engine) *Bidder { return &Bidder{Engine: engine} }

type candidate struct {
	spaceID uuid.UUID
	minBid  money.Amount
	surplus money.Amount
	points  float64
}

// RunRound places each enrolled user's proxy bids for auction's current
// open round: at most max_items minus the number of spaces the user already
// stands on. Idempotent per (round, user): calling it twice in
// the same round yields the same set of bids, since each candidate is
// routed through Engine.PlaceBid, which no-ops on a duplicate.
func (b *Bidder) RunRound(ctx context.Context, auctionID uuid.UUID) error {
	db := b.Engine.DB

	var a store.Auction
	if err := db.WithContext(ctx).First(&a, "id = ?", auctionID).Error; err != nil {
		return engineerr.External(err)
	}
	if a.Status != store.AuctionActive {
		return nil
	}

	var enrollments []store.UseProxyBidding
	if err := db.WithContext(ctx).Where("auction_id = ?", auctionID).Find(&enrollments).Error; err != nil {
		return engineerr.External(err)
	}
	if len(enrollments) == 0 {
		return nil
	}

	var spaces []store.Space
	if err := db.WithContext(ctx).Where("site_id = ? AND available = ?", a.SiteID, true).Order("id").Find(&spaces).Error; err != nil {
		return engineerr.External(err)
	}

	var params store.AuctionParams
	if err := db.WithContext(ctx).First(&params, "id = ?", a.AuctionParamsID).Error; err != nil {
		return engineerr.Integrity(engineerr.CodeInvariantViolation, "missing auction params: "+err.Error())
	}
	inc, err := auction.ParseBidIncrement(params.BidIncrement)
	if err != nil {
		return err
	}

	minBids, standingWinners, err := b.minBidsAndStanding(ctx, db, a, spaces, inc)
	if err != nil {
		return err
	}

	for _, enr := range enrollments {
		if err := b.runForUser(ctx, db, a, enr, spaces, minBids, standingWinners); err != nil {
			return err
		}
	}
	return nil
}

// minBidsAndStanding computes each available space's current minimum bid
// and standing winner, read from the previous round's result (or zero/nil
// at round 0).
func (b *Bidder) minBidsAndStanding(ctx context.Context, db *gorm.DB, a store.Auction, spaces []store.Space, inc auction.BidIncrement) (map[uuid.UUID]money.Amount, map[uuid.UUID]uuid.UUID, error) {
	minBids := map[uuid.UUID]money.Amount{}
	standing := map[uuid.UUID]uuid.UUID{}
	prevValue := map[uuid.UUID]money.Amount{}

	if a.CurrentRound > 0 {
		var prev []store.RoundSpaceResult
		if err := db.WithContext(ctx).Where("auction_id = ? AND round_num = ?", a.ID, a.CurrentRound-1).Find(&prev).Error; err != nil {
			return nil, nil, engineerr.External(err)
		}
		for _, r := range prev {
			prevValue[r.SpaceID] = r.Value
			if r.WinningUserID != nil {
				standing[r.SpaceID] = *r.WinningUserID
			}
		}
	}

	increment := money.Zero
	if a.CurrentRound > 0 {
		increment = inc.At(a.CurrentRound)
	}
	for _, s := range spaces {
		minBids[s.ID] = prevValue[s.ID].Add(increment)
	}
	return minBids, standing, nil
}

// runForUser selects and places one user's bids for the round, following
// the ranked-surplus algorithm.
func (b *Bidder) runForUser(ctx context.Context, db *gorm.DB, a store.Auction, enr store.UseProxyBidding, spaces []store.Space, minBids map[uuid.UUID]money.Amount, standing map[uuid.UUID]uuid.UUID) error {
	held := 0
	heldSet := map[uuid.UUID]bool{}
	for spaceID, winner := range standing {
		if winner == enr.UserID {
			held++
			heldSet[spaceID] = true
		}
	}
	target := enr.MaxItems - held
	if target <= 0 {
		return nil
	}

	var values []store.UserValue
	if err := db.WithContext(ctx).Where("user_id = ?", enr.UserID).Find(&values).Error; err != nil {
		return engineerr.External(err)
	}
	valueBySpace := map[uuid.UUID]money.Amount{}
	for _, v := range values {
		valueBySpace[v.SpaceID] = v.Value
	}

	pointsBySpace := map[uuid.UUID]float64{}
	for _, s := range spaces {
		pointsBySpace[s.ID] = s.EligibilityPoints
	}

	candidates := make([]candidate, 0, len(spaces))
	for _, s := range spaces {
		if heldSet[s.ID] {
			continue
		}
		uv, ok := valueBySpace[s.ID]
		if !ok {
			continue
		}
		m := minBids[s.ID]
		if !uv.GreaterThan(m) {
			continue
		}
		candidates = append(candidates, candidate{
			spaceID: s.ID,
			minBid:  m,
			surplus: uv.Sub(m),
			points:  pointsBySpace[s.ID],
		})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if cmp := candidates[i].surplus.Cmp(candidates[j].surplus); cmp != 0 {
			return cmp > 0 // descending surplus
		}
		if cmp := candidates[i].minBid.Cmp(candidates[j].minBid); cmp != 0 {
			return cmp < 0 // tie-break: lowest minimum bid first
		}
		return candidates[i].spaceID.String() < candidates[j].spaceID.String()
	})

	eligibility, err := b.remainingEligibility(ctx, db, a, enr.UserID, spaces)
	if err != nil {
		return err
	}
	spentAlready, err := b.alreadySpentThisRound(ctx, db, a, enr.UserID, pointsBySpace)
	if err != nil {
		return err
	}

	placed := 0
	spent := spentAlready
	for _, c := range candidates {
		if placed >= target {
			break
		}
		if spent+c.points > eligibility {
			break
		}
		if err := b.Engine.PlaceBid(ctx, enr.UserID, a.ID, c.spaceID); err != nil {
			if ee, ok := engineerr.As(err); ok && ee.Kind == engineerr.KindPrecondition {
				continue
			}
			return err
		}
		spent += c.points
		placed++
	}
	return nil
}

func (b *Bidder) remainingEligibility(ctx context.Context, db *gorm.DB, a store.Auction, userID uuid.UUID, spaces []store.Space) (float64, error) {
	if a.CurrentRound == 0 {
		total := 0.0
		for _, s := range spaces {
			total += s.EligibilityPoints
		}
		return total, nil
	}
	var row store.UserEligibility
	err := db.WithContext(ctx).Where("auction_id = ? AND round_num = ? AND user_id = ?", a.ID, a.CurrentRound, userID).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, engineerr.External(err)
	}
	return row.Points, nil
}

func (b *Bidder) alreadySpentThisRound(ctx context.Context, db *gorm.DB, a store.Auction, userID uuid.UUID, pointsBySpace map[uuid.UUID]float64) (float64, error) {
	var bids []store.Bid
	if err := db.WithContext(ctx).Where("auction_id = ? AND round_num = ? AND user_id = ?", a.ID, a.CurrentRound, userID).Find(&bids).Error; err != nil {
		return 0, engineerr.External(err)
	}
	total := 0.0
	for _, bid := range bids {
		total += pointsBySpace[bid.SpaceID]
	}
	return total, nil
}
