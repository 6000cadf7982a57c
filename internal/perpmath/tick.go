package perpmath

import (
	"math/big"
)

// Tick bounds of the base-1.0001 log scale (int24 range in the source
// convention).
const (
	MinTick = -887272
	MaxTick = 887272
)

var (
	// MinSqrtRatio = SqrtPriceAtTick(MinTick).
	MinSqrtRatio = big.NewInt(4295128739)
	// MaxSqrtRatio = SqrtPriceAtTick(MaxTick).
	MaxSqrtRatio, _ = new(big.Int).SetString("1461446703485210103287273052203988822378723970342", 10)
)

// tickPrec is the big.Float working precision for tick/price conversions.
// 1.0001^887272 needs ~128 significant bits plus guard bits for the sqrt;
// 300 keeps the floor result exact for the full tick range.
const tickPrec = 300

var (
	tickBase    = new(big.Float).SetPrec(tickPrec).Quo(big.NewFloat(10001), big.NewFloat(10000))
	tickBaseInv = new(big.Float).SetPrec(tickPrec).Quo(big.NewFloat(10000), big.NewFloat(10001))
	q96Float    = new(big.Float).SetPrec(tickPrec).SetInt(Q96)
)

// SqrtPriceAtTick returns floor(sqrt(1.0001^tick) * 2^96).
// Ticks outside [MinTick, MaxTick] are clamped.
func SqrtPriceAtTick(tick int) *big.Int {
	if tick <= MinTick {
		return new(big.Int).Set(MinSqrtRatio)
	}
	if tick >= MaxTick {
		return new(big.Int).Set(MaxSqrtRatio)
	}
	base := tickBase
	n := tick
	if n < 0 {
		base = tickBaseInv
		n = -n
	}

	// 1.0001^n by squaring at fixed precision.
	ratio := new(big.Float).SetPrec(tickPrec).SetInt64(1)
	sq := new(big.Float).SetPrec(tickPrec).Set(base)
	for n > 0 {
		if n&1 == 1 {
			ratio.Mul(ratio, sq)
		}
		sq.Mul(sq, sq)
		n >>= 1
	}

	ratio.Sqrt(ratio)
	ratio.Mul(ratio, q96Float)
	out, _ := ratio.Int(nil)
	return out
}

// TickAtSqrtPrice returns the largest tick t such that
// SqrtPriceAtTick(t) <= sqrtPriceX96. Inputs are clamped to the valid
// sqrt-ratio range.
func TickAtSqrtPrice(sqrtPriceX96 *big.Int) int {
	if sqrtPriceX96.Cmp(MinSqrtRatio) <= 0 {
		return MinTick
	}
	if sqrtPriceX96.Cmp(MaxSqrtRatio) >= 0 {
		return MaxTick
	}
	lo, hi := MinTick, MaxTick
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		if SqrtPriceAtTick(mid).Cmp(sqrtPriceX96) <= 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}
