// Package money implements the fixed-point decimal arithmetic the ledger and
// auction engine use for every monetary value: six fractional digits, never
// floating point.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits every TinyLVT amount carries.
const Scale = 6

// Zero is the additive identity.
var Zero = Amount{d: decimal.Zero}

// Amount wraps decimal.Decimal, rounding to Scale on every construction so
// callers never accumulate drift across additions.
type Amount struct {
	d decimal.Decimal
}

// New builds an Amount from a decimal string, e.g. "10.000000".
func New(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	return Amount{d: d.Round(Scale)}, nil
}

// MustNew panics on a malformed literal; only for constants/tests.
func MustNew(s string) Amount {
	a, err := New(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal wraps an existing decimal.Decimal, rounding to Scale.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount{d: d.Round(Scale)}
}

// FromFloat builds an Amount from a float64. Used only at input boundaries
// (e.g. JSON payloads carrying eligibility-adjacent floats); never for
// accumulating sums.
func FromFloat(f float64) Amount {
	return Amount{d: decimal.NewFromFloat(f).Round(Scale)}
}

// Decimal returns the underlying decimal.Decimal.
func (a Amount) Decimal() decimal.Decimal { return a.d }

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d).Round(Scale)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d).Round(Scale)} }
func (a Amount) Neg() Amount         { return Amount{d: a.d.Neg()} }

// Mul multiplies by a plain decimal factor (e.g. basis points / 10_000).
func (a Amount) Mul(factor decimal.Decimal) Amount {
	return Amount{d: a.d.Mul(factor).Round(Scale)}
}

// DivInt splits an amount into n equal shares plus a remainder so the parts
// sum back exactly to a (used for distributed_clearing's equal redistribution).
func (a Amount) DivInt(n int64) (share Amount, remainder Amount) {
	if n <= 0 {
		return Zero, a
	}
	divisor := decimal.NewFromInt(n)
	quotient := a.d.DivRound(divisor, Scale+2).Truncate(Scale)
	total := quotient.Mul(divisor)
	remainderDec := a.d.Sub(total)
	return Amount{d: quotient}, Amount{d: remainderDec.Round(Scale)}
}

func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }
func (a Amount) Sign() int        { return a.d.Sign() }
func (a Amount) IsZero() bool     { return a.d.IsZero() }
func (a Amount) IsPositive() bool { return a.d.Sign() > 0 }
func (a Amount) IsNegative() bool { return a.d.Sign() < 0 }

func (a Amount) GreaterThan(b Amount) bool { return a.d.GreaterThan(b.d) }
func (a Amount) LessThan(b Amount) bool    { return a.d.LessThan(b.d) }

func (a Amount) String() string { return a.d.StringFixed(Scale) }

// Value implements driver.Valuer so gorm persists amounts as numeric text.
func (a Amount) Value() (driver.Value, error) {
	return a.d.StringFixed(Scale), nil
}

// Scan implements sql.Scanner for gorm reads.
func (a *Amount) Scan(value any) error {
	if value == nil {
		a.d = decimal.Zero
		return nil
	}
	switch v := value.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("money: scan %q: %w", v, err)
		}
		a.d = d.Round(Scale)
	case []byte:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return fmt.Errorf("money: scan %q: %w", v, err)
		}
		a.d = d.Round(Scale)
	case float64:
		a.d = decimal.NewFromFloat(v).Round(Scale)
	default:
		return fmt.Errorf("money: unsupported scan type %T", value)
	}
	return nil
}

// MarshalJSON renders the fixed-point string form used throughout bid
// increments and activity-rule payloads.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.d.StringFixed(Scale) + `"`), nil
}

// UnmarshalJSON accepts both quoted-string and bare-numeric JSON forms.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("money: unmarshal %q: %w", s, err)
	}
	a.d = d.Round(Scale)
	return nil
}

// Sum adds a slice of amounts; used to verify journal lines sum to zero.
func Sum(amounts []Amount) Amount {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
