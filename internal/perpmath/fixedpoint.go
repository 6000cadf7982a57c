package perpmath

import (
	"errors"
	"math/big"
)

// The clearing core carries all token amounts as 18-decimal fixed point
// (*big.Int, "wad") and all prices as Q64.96 square roots, matching the
// concentrated-liquidity convention. Ratios (fees, margin fractions) use a
// 1e6 denominator.

var (
	// Q96 = 2^96, the sqrt-price scale.
	Q96 = new(big.Int).Lsh(big.NewInt(1), 96)
	// Q192 = 2^192 = Q96^2.
	Q192 = new(big.Int).Lsh(big.NewInt(1), 192)
	// Wad = 1e18, the amount scale.
	Wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// RatioDenominator is the fixed denominator for all ppm ratios
// (fee ratios, margin fractions, repeg thresholds).
const RatioDenominator = 1_000_000

// ErrOverflow is fatal: a conversion or intermediate product left the
// uint256 range the pricing math is defined on. Callers must not swallow it.
var ErrOverflow = errors.New("perpmath: overflow")

// ErrInsufficientLiquidity is returned when a swap step would exhaust the
// pool's virtual reserves (denominator underflow in the next-price formula).
var ErrInsufficientLiquidity = errors.New("perpmath: insufficient liquidity")

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func checkUint256(v *big.Int) (*big.Int, error) {
	if v.Sign() < 0 || v.Cmp(maxUint256) > 0 {
		return nil, ErrOverflow
	}
	return v, nil
}

// MulDiv computes a*b/denominator with full intermediate precision,
// rounding toward zero (down for the unsigned inputs used here).
func MulDiv(a, b, denominator *big.Int) (*big.Int, error) {
	if denominator.Sign() == 0 {
		return nil, ErrOverflow
	}
	r := new(big.Int).Mul(a, b)
	r.Quo(r, denominator)
	return checkUint256(r)
}

// MulDivRoundingUp computes a*b/denominator rounding away from zero.
func MulDivRoundingUp(a, b, denominator *big.Int) (*big.Int, error) {
	if denominator.Sign() == 0 {
		return nil, ErrOverflow
	}
	num := new(big.Int).Mul(a, b)
	q, m := new(big.Int).QuoRem(num, denominator, new(big.Int))
	if m.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return checkUint256(q)
}

// MulRatio applies a ppm ratio to an amount, rounding down.
// Used for fee computation where the pool keeps the remainder.
func MulRatio(amount *big.Int, ratio uint32) *big.Int {
	r := new(big.Int).Mul(amount, big.NewInt(int64(ratio)))
	return r.Quo(r, big.NewInt(RatioDenominator))
}

// FundingPeriod normalizes the time-weighted premium integral: a position
// held through a full day at constant premium pays exactly size * premium.
const FundingPeriod = 86400

// FundingPayment converts a signed base balance and a signed premium
// growth delta (18-dec premium integrated over seconds) into the quote
// amount the position pays (positive) or receives (negative). Truncates
// toward zero.
func FundingPayment(baseBalance, growthDelta *big.Int) *big.Int {
	p := new(big.Int).Mul(baseBalance, growthDelta)
	p.Quo(p, Wad)
	return p.Quo(p, big.NewInt(FundingPeriod))
}

// PriceFromSqrtPriceX96 converts a Q96 sqrt price to an 18-decimal price,
// rounding down: price = sqrtP^2 * 1e18 / 2^192.
func PriceFromSqrtPriceX96(sqrtPriceX96 *big.Int) *big.Int {
	p := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	p.Mul(p, Wad)
	return p.Quo(p, Q192)
}

// SqrtPriceX96FromPrice converts an 18-decimal price to a Q96 sqrt price,
// rounding down: sqrtP = floor(sqrt(price * 2^192 / 1e18)).
func SqrtPriceX96FromPrice(price *big.Int) (*big.Int, error) {
	if price.Sign() <= 0 {
		return nil, ErrOverflow
	}
	v := new(big.Int).Mul(price, Q192)
	v.Quo(v, Wad)
	return v.Sqrt(v), nil
}
