package amm

import (
	"math/big"

	"nftperp/internal/market"
	"nftperp/internal/perpmath"
)

// UpdateFundingGrowth integrates the mark/index premium since the last
// funding update into the market's long and short time-weighted premium
// accumulators. The premium magnitude is clamped to
// optimalFundingRatio * indexPrice, bounding the funding rate during
// dislocations the repeg controller has not yet corrected.
//
// Both accumulators advance by the same signed premium integral: a
// positive growth delta charges longs (positive base balance) and credits
// shorts, keeping funding zero-sum across a market.
func (e *Engine) UpdateFundingGrowth(m *market.Market, indexPrice *big.Int, twapInterval int64, optimalFundingRatio uint32, now int64) {
	dt := now - m.LastFundingUpdatedAt
	if dt <= 0 {
		return
	}
	m.LastFundingUpdatedAt = now

	if indexPrice == nil || indexPrice.Sign() <= 0 {
		return
	}

	markTwap := e.MarkTwap(m, twapInterval, now)
	premium := new(big.Int).Sub(markTwap, indexPrice)

	cap := perpmath.MulRatio(indexPrice, optimalFundingRatio)
	if premium.CmpAbs(cap) > 0 {
		if premium.Sign() > 0 {
			premium.Set(cap)
		} else {
			premium.Neg(cap)
		}
	}

	delta := new(big.Int).Mul(premium, big.NewInt(dt))
	m.TwPremiumGrowthLong.Add(m.TwPremiumGrowthLong, delta)
	m.TwPremiumGrowthShort.Add(m.TwPremiumGrowthShort, delta)
}

// PendingFundingPayment returns the funding owed by a position of the
// given signed size since its growth checkpoint (positive = the position
// pays). Longs read the long accumulator, shorts the short one.
func (e *Engine) PendingFundingPayment(m *market.Market, baseBalance, lastTwPremiumGrowth *big.Int) *big.Int {
	if baseBalance.Sign() == 0 {
		return new(big.Int)
	}
	growth := m.TwPremiumGrowthLong
	if baseBalance.Sign() < 0 {
		growth = m.TwPremiumGrowthShort
	}
	delta := new(big.Int).Sub(growth, lastTwPremiumGrowth)
	return perpmath.FundingPayment(baseBalance, delta)
}

// FundingGrowthFor returns the accumulator a position of the given sign
// checkpoints against.
func (e *Engine) FundingGrowthFor(m *market.Market, baseBalance *big.Int) *big.Int {
	if baseBalance.Sign() < 0 {
		return new(big.Int).Set(m.TwPremiumGrowthShort)
	}
	return new(big.Int).Set(m.TwPremiumGrowthLong)
}
