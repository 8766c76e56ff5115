package auction

import (
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/tinylvt/tinylvt/core/engineerr"
	"github.com/tinylvt/tinylvt/money"
)

// ActivityThreshold is one entry of an activity-rule schedule: the
// eligibility-retention threshold in effect from round FromRound onward.
type ActivityThreshold struct {
	FromRound int     `json:"from_round"`
	Threshold float64 `json:"threshold"`
}

// ActivityRule is the ordered, nondecreasing threshold schedule pinned on
// an AuctionParams row.
type ActivityRule struct {
	Schedule []ActivityThreshold `json:"schedule"`
}

// ParseActivityRule decodes the JSON document described for bid-increment
// and activity-rule encodings: {"schedule":[{"from_round":0,"threshold":0.5},...]}.
func ParseActivityRule(raw []byte) (ActivityRule, error) {
	var r ActivityRule
	if err := json.Unmarshal(raw, &r); err != nil {
		return ActivityRule{}, engineerr.Integrity(engineerr.CodeInvariantViolation, "malformed activity rule: "+err.Error())
	}
	if len(r.Schedule) == 0 {
		return ActivityRule{}, engineerr.Integrity(engineerr.CodeInvariantViolation, "activity rule schedule is empty")
	}
	sort.Slice(r.Schedule, func(i, j int) bool { return r.Schedule[i].FromRound < r.Schedule[j].FromRound })
	return r, nil
}

// Encode serializes the rule back to its canonical JSON form.
func (r ActivityRule) Encode() ([]byte, error) { return json.Marshal(r) }

// ThresholdAt returns τ(r): the threshold of the greatest schedule entry
// with from_round ≤ r. The first entry applies at round 0.
func (r ActivityRule) ThresholdAt(round int) float64 {
	best := r.Schedule[0].Threshold
	for _, e := range r.Schedule {
		if e.FromRound <= round {
			best = e.Threshold
		}
	}
	return best
}

// BidIncrement is the per-round minimum-bid step function: either a
// fixed amount, or an affine polynomial in the round index evaluated in
// decimal, increment(r) = a + b·r + c·r².
type BidIncrement struct {
	Kind   string        `json:"kind"`
	Amount *money.Amount `json:"amount,omitempty"`
	A      *money.Amount `json:"a,omitempty"`
	B      *money.Amount `json:"b,omitempty"`
	C      *money.Amount `json:"c,omitempty"`
}

// ParseBidIncrement decodes a bid-increment document.
func ParseBidIncrement(raw []byte) (BidIncrement, error) {
	var b BidIncrement
	if err := json.Unmarshal(raw, &b); err != nil {
		return BidIncrement{}, engineerr.Integrity(engineerr.CodeInvariantViolation, "malformed bid increment: "+err.Error())
	}
	switch b.Kind {
	case "fixed":
		if b.Amount == nil {
			return BidIncrement{}, engineerr.Integrity(engineerr.CodeInvariantViolation, "fixed bid increment missing amount")
		}
	case "affine":
		if b.A == nil || b.B == nil || b.C == nil {
			return BidIncrement{}, engineerr.Integrity(engineerr.CodeInvariantViolation, "affine bid increment missing a/b/c")
		}
	default:
		return BidIncrement{}, engineerr.Integrity(engineerr.CodeInvariantViolation, "unknown bid increment kind "+b.Kind)
	}
	return b, nil
}

// Encode serializes the increment back to its canonical JSON form.
func (b BidIncrement) Encode() ([]byte, error) { return json.Marshal(b) }

// At evaluates increment(r) for round r.
func (b BidIncrement) At(round int) money.Amount {
	switch b.Kind {
	case "fixed":
		return *b.Amount
	case "affine":
		r := decimal.NewFromInt(int64(round))
		r2 := r.Mul(r)
		return b.A.Add(b.B.Mul(r)).Add(b.C.Mul(r2))
	default:
		return money.Zero
	}
}
