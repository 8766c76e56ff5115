package auction

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tinylvt/tinylvt/core/engineerr"
	"github.com/tinylvt/tinylvt/core/ledger"
	"github.com/tinylvt/tinylvt/money"
	"github.com/tinylvt/tinylvt/store"
)

// PlaceBid commits user to pay the current round's minimum bid for space
// if they end up standing at round close. The current round is inferred
// from the auction's state. Idempotent: a duplicate bid in the same round
// is a no-op that returns nil rather than erroring on the unique index, and
// a bid by the space's current standing winner is rejected with
// AlreadyStanding.
func (e *Engine) PlaceBid(ctx context.Context, userID, auctionID, spaceID uuid.UUID) error {
	return store.WithAuctionLock(ctx, e.DB, auctionID, func(tx *gorm.DB) error {
		var a store.Auction
		if err := tx.WithContext(ctx).First(&a, "id = ?", auctionID).Error; err != nil {
			return engineerr.External(err)
		}
		if a.Status != store.AuctionActive {
			e.Metrics.BidRejected(string(engineerr.CodeNotOpen))
			return engineerr.ErrNotOpen
		}

		var round store.AuctionRound
		if err := tx.WithContext(ctx).Where("auction_id = ? AND round_num = ?", a.ID, a.CurrentRound).
			First(&round).Error; err != nil {
			return engineerr.External(err)
		}
		now := e.Clock.Now()
		if !now.Before(round.EndAt) {
			e.Metrics.BidRejected(string(engineerr.CodeNotOpen))
			return engineerr.ErrNotOpen
		}

		var space store.Space
		if err := tx.WithContext(ctx).First(&space, "id = ?", spaceID).Error; err != nil {
			return engineerr.External(err)
		}
		if !space.Available {
			e.Metrics.BidRejected(string(engineerr.CodeSpaceUnavailable))
			return engineerr.ErrSpaceUnavailable
		}

		if a.CurrentRound > 0 {
			var prevResult store.RoundSpaceResult
			err := tx.WithContext(ctx).Where("auction_id = ? AND round_num = ? AND space_id = ?", a.ID, a.CurrentRound-1, spaceID).
				First(&prevResult).Error
			if err != nil && err != gorm.ErrRecordNotFound {
				return engineerr.External(err)
			}
			if err == nil && prevResult.WinningUserID != nil && *prevResult.WinningUserID == userID {
				e.Metrics.BidRejected(string(engineerr.CodeAlreadyStanding))
				return engineerr.ErrAlreadyStanding
			}
		}

		var dup store.Bid
		err := tx.WithContext(ctx).Where("auction_id = ? AND round_num = ? AND space_id = ? AND user_id = ?",
			a.ID, a.CurrentRound, spaceID, userID).First(&dup).Error
		if err == nil {
			return nil // already placed this round: idempotent no-op
		}
		if err != gorm.ErrRecordNotFound {
			return engineerr.External(err)
		}

		params, err := e.loadParams(ctx, tx, a.AuctionParamsID)
		if err != nil {
			return err
		}

		var spaces []store.Space
		if err := tx.WithContext(ctx).Where("site_id = ? AND available = ?", a.SiteID, true).Find(&spaces).Error; err != nil {
			return engineerr.External(err)
		}
		totalPoints := 0.0
		for _, s := range spaces {
			totalPoints += s.EligibilityPoints
		}

		eligibility, err := e.eligibilityAt(ctx, tx, a.ID, a.CurrentRound, userID, totalPoints)
		if err != nil {
			return err
		}

		var existingBids []store.Bid
		if err := tx.WithContext(ctx).Where("auction_id = ? AND round_num = ? AND user_id = ?", a.ID, a.CurrentRound, userID).
			Find(&existingBids).Error; err != nil {
			return engineerr.External(err)
		}
		spent := space.EligibilityPoints
		for _, b := range existingBids {
			for _, s := range spaces {
				if s.ID == b.SpaceID {
					spent += s.EligibilityPoints
				}
			}
		}
		if spent > eligibility {
			e.Metrics.BidRejected(string(engineerr.CodeInsufficientEligibility))
			return engineerr.ErrInsufficientEligibility
		}

		minBid, err := e.minBidFor(ctx, tx, a, spaceID, params)
		if err != nil {
			return err
		}

		var site store.Site
		if err := tx.WithContext(ctx).First(&site, "id = ?", a.SiteID).Error; err != nil {
			return engineerr.External(err)
		}
		var community store.Community
		if err := tx.WithContext(ctx).First(&community, "id = ?", site.CommunityID).Error; err != nil {
			return engineerr.External(err)
		}
		acct, err := e.getOrCreateMemberAccount(ctx, tx, community.ID, userID)
		if err != nil {
			return err
		}
		projected := ledger.ProjectedBalance(*acct, minBid.Neg())
		if !ledger.WithinCreditLimit(*acct, community, projected) {
			e.Metrics.BidRejected(string(engineerr.CodeInsufficientCredit))
			return engineerr.ErrInsufficientCredit
		}

		bid := store.Bid{ID: uuid.New(), AuctionID: a.ID, RoundNum: a.CurrentRound, SpaceID: spaceID, UserID: userID}
		if err := tx.WithContext(ctx).Create(&bid).Error; err != nil {
			return engineerr.External(err)
		}
		e.Metrics.BidAccepted()
		return nil
	})
}

// minBidFor computes m_s(r): zero at round 0, otherwise the previous
// round's value plus this round's increment.
func (e *Engine) minBidFor(ctx context.Context, tx *gorm.DB, a store.Auction, spaceID uuid.UUID, params *paramsView) (money.Amount, error) {
	if a.CurrentRound == 0 {
		return money.Zero, nil
	}
	var prev store.RoundSpaceResult
	err := tx.WithContext(ctx).Where("auction_id = ? AND round_num = ? AND space_id = ?", a.ID, a.CurrentRound-1, spaceID).
		First(&prev).Error
	if err == gorm.ErrRecordNotFound {
		return params.BidIncrementSpec.At(a.CurrentRound), nil
	}
	if err != nil {
		return money.Amount{}, engineerr.External(err)
	}
	return prev.Value.Add(params.BidIncrementSpec.At(a.CurrentRound)), nil
}

func (e *Engine) getOrCreateMemberAccount(ctx context.Context, tx *gorm.DB, communityID, userID uuid.UUID) (*store.Account, error) {
	var acct store.Account
	err := tx.WithContext(ctx).Where("community_id = ? AND type = ? AND member_id = ?", communityID, store.AccountMemberMain, userID).
		First(&acct).Error
	if err == nil {
		return &acct, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, engineerr.External(err)
	}
	acct = store.Account{ID: uuid.New(), CommunityID: communityID, MemberID: &userID, Type: store.AccountMemberMain, BalanceCached: money.Zero}
	if err := tx.WithContext(ctx).Create(&acct).Error; err != nil {
		return nil, engineerr.External(err)
	}
	return &acct, nil
}
