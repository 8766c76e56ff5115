package money_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinylvt/tinylvt/money"
)

func TestAddSubNeg(t *testing.T) {
	a := money.MustNew("10.500000")
	b := money.MustNew("3.250000")

	require.Zero(t, a.Add(b).Cmp(money.MustNew("13.750000")), "Add")
	require.Zero(t, a.Sub(b).Cmp(money.MustNew("7.250000")), "Sub")
	require.Zero(t, a.Neg().Cmp(money.MustNew("-10.500000")), "Neg")
	require.Zero(t, a.Neg().Neg().Cmp(a), "double Neg should round-trip")
}

func TestRoundingOnConstruction(t *testing.T) {
	a := money.MustNew("1.1234567")
	require.Equal(t, "1.123457", a.String(), "expected construction to round to 6 places")
}

func TestDivIntExactSplit(t *testing.T) {
	share, remainder := money.MustNew("1800.000000").DivInt(3)
	require.Zero(t, share.Cmp(money.MustNew("600.000000")), "expected an exact 600 share")
	require.True(t, remainder.IsZero(), "expected zero remainder on an exact split")
}

func TestDivIntWithRemainder(t *testing.T) {
	total := money.MustNew("100.000000")
	share, remainder := total.DivInt(3)
	require.Zero(t, share.Cmp(money.MustNew("33.333333")), "expected a truncated 33.333333 share")

	recombined := money.Sum([]money.Amount{share, share, share, remainder})
	require.Zero(t, recombined.Cmp(total), "share*3 + remainder should reconstruct the total exactly")
	require.True(t, remainder.Sign() > 0, "expected a strictly positive remainder")
}

func TestDivIntNonPositiveDivisor(t *testing.T) {
	total := money.MustNew("50.000000")
	share, remainder := total.DivInt(0)
	require.True(t, share.IsZero(), "expected a zero share for a non-positive divisor")
	require.Zero(t, remainder.Cmp(total), "expected the whole amount returned as remainder")
}

func TestComparisons(t *testing.T) {
	low := money.MustNew("5.000000")
	high := money.MustNew("10.000000")

	require.True(t, low.LessThan(high), "expected low < high")
	require.True(t, high.GreaterThan(low), "expected high > low")
	require.Zero(t, low.Cmp(low), "expected a value to compare equal to itself")
	require.True(t, money.Zero.IsZero(), "Zero should report IsZero")
	require.False(t, money.MustNew("-1.000000").IsPositive(), "negative amount should not report IsPositive")
	require.True(t, money.MustNew("-1.000000").IsNegative(), "negative amount should report IsNegative")
}

func TestSum(t *testing.T) {
	amounts := []money.Amount{
		money.MustNew("100.000000"),
		money.MustNew("-40.000000"),
		money.MustNew("-60.000000"),
	}
	require.True(t, money.Sum(amounts).IsZero(), "expected a balanced sum of zero")
}

func TestValueScanRoundTrip(t *testing.T) {
	original := money.MustNew("1234.560000")

	v, err := original.Value()
	require.NoError(t, err)

	var scanned money.Amount
	require.NoError(t, scanned.Scan(v))
	require.Zero(t, scanned.Cmp(original), "round trip mismatch")
}

func TestScanNilIsZero(t *testing.T) {
	var a money.Amount
	require.NoError(t, a.Scan(nil))
	require.True(t, a.IsZero(), "expected Scan(nil) to leave a zero amount")
}

func TestScanByteSlice(t *testing.T) {
	var a money.Amount
	require.NoError(t, a.Scan([]byte("42.500000")))
	require.Zero(t, a.Cmp(money.MustNew("42.500000")))
}

func TestJSONRoundTrip(t *testing.T) {
	original := money.MustNew("99.990000")

	raw, err := original.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `"99.990000"`, string(raw), "expected a quoted fixed-point string")

	var decoded money.Amount
	require.NoError(t, decoded.UnmarshalJSON(raw))
	require.Zero(t, decoded.Cmp(original), "round trip mismatch")
}

func TestUnmarshalJSONBareNumeric(t *testing.T) {
	var a money.Amount
	require.NoError(t, a.UnmarshalJSON([]byte("12.340000")))
	require.Zero(t, a.Cmp(money.MustNew("12.340000")))
}

func TestNewRejectsGarbage(t *testing.T) {
	_, err := money.New("not-a-number")
	require.Error(t, err, "expected an error constructing an amount from garbage input")
}

func TestFromFloat(t *testing.T) {
	a := money.FromFloat(3.140000)
	require.Zero(t, a.Cmp(money.MustNew("3.140000")))
}
