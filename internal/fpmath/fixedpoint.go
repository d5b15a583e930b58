package fpmath

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
)

// BpsDenominator is the basis-point scale: 10_000 bps = 100%.
const BpsDenominator = 10_000

// ErrOverflow is returned when a checked arithmetic step would leave int64 range.
// Every margin/settlement path must surface this instead of wrapping.
var ErrOverflow = errors.New("fixed-point overflow")

// wideInt is a pooled big.Int for 128-bit-safe intermediates
var wideIntPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getWide() *big.Int {
	return wideIntPool.Get().(*big.Int)
}

func putWide(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	wideIntPool.Put(v)
}

// Pow10 returns 10^p as a big.Int. p is the absolute value of a price exponent
// (exponents are stored as negative powers of ten, typically -6).
func Pow10(p uint32) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(p)), nil)
}

// mulWide performs a * b in a pooled wide intermediate.
func mulWide(a, b int64) *big.Int {
	result := getWide()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// quoTrunc divides numerator by denominator truncating toward zero and checks
// that the quotient fits int64. big.Int.Quo already truncates toward zero for
// negative numerators, which is the settlement-parity policy: -5/2 == -2.
func quoTrunc(numerator, denominator *big.Int) (int64, error) {
	q := getWide()
	defer putWide(q)

	q.Quo(numerator, denominator)
	if !q.IsInt64() {
		return 0, fmt.Errorf("%w: quotient exceeds int64", ErrOverflow)
	}
	return q.Int64(), nil
}

// Notional computes the quote-asset value of qty receipt units at the given
// price: floor(price * qty / 10^|exponent|). price and qty are non-negative
// fixed-point integers scaled by the market's exponent.
func Notional(price, qty int64, exponent int32) (int64, error) {
	if price < 0 || qty < 0 {
		return 0, fmt.Errorf("%w: negative notional input (price=%d qty=%d)", ErrOverflow, price, qty)
	}

	raw := mulWide(price, qty)
	defer putWide(raw)

	scale := Pow10(absExponent(exponent))
	return quoTrunc(raw, scale)
}

// PnLLong computes the long side's signed profit:
// trunc((finalPrice - strike) * qty / 10^|exponent|).
// Positive favors long, negative favors short. The quotient truncates toward
// zero on both signs.
func PnLLong(strike, finalPrice, qty int64, exponent int32) (int64, error) {
	diff, err := CheckedSub(finalPrice, strike)
	if err != nil {
		return 0, err
	}

	raw := mulWide(diff, qty)
	defer putWide(raw)

	scale := Pow10(absExponent(exponent))
	return quoTrunc(raw, scale)
}

// RequiredInitialMargin computes the volatility-scaled margin floor:
// floor(notional * (baseBps + floor(volMultiplierBps * lastVolBps / 10000)) / 10000).
// Monotonically non-decreasing in both lastVolBps and notional.
func RequiredInitialMargin(notional, baseBps, volMultiplierBps, lastVolBps int64) (int64, error) {
	if notional < 0 || baseBps < 0 || volMultiplierBps < 0 || lastVolBps < 0 {
		return 0, fmt.Errorf("%w: negative margin input", ErrOverflow)
	}

	volTerm := mulWide(volMultiplierBps, lastVolBps)
	defer putWide(volTerm)
	volTerm.Quo(volTerm, big.NewInt(BpsDenominator))

	effectiveBps := getWide()
	defer putWide(effectiveBps)
	effectiveBps.Add(volTerm, big.NewInt(baseBps))

	raw := getWide()
	defer putWide(raw)
	raw.Mul(effectiveBps, big.NewInt(notional))

	return quoTrunc(raw, big.NewInt(BpsDenominator))
}

// FeeOnPayout computes the fee carved from a settlement payout:
// floor(payout * feeBps / 10000). payout must be non-negative (callers pass
// the winning side's absolute PnL).
func FeeOnPayout(payout, feeBps int64) (int64, error) {
	if payout < 0 || feeBps < 0 {
		return 0, fmt.Errorf("%w: negative fee input (payout=%d fee_bps=%d)", ErrOverflow, payout, feeBps)
	}

	raw := mulWide(payout, feeBps)
	defer putWide(raw)

	return quoTrunc(raw, big.NewInt(BpsDenominator))
}

// CheckedAdd returns a + b, failing explicitly on int64 wraparound.
func CheckedAdd(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return a + b, nil
}

// CheckedSub returns a - b, failing explicitly on int64 wraparound.
func CheckedSub(a, b int64) (int64, error) {
	if (b < 0 && a > math.MaxInt64+b) || (b > 0 && a < math.MinInt64+b) {
		return 0, fmt.Errorf("%w: %d - %d", ErrOverflow, a, b)
	}
	return a - b, nil
}

func absExponent(exponent int32) uint32 {
	if exponent < 0 {
		return uint32(-exponent)
	}
	return uint32(exponent)
}
