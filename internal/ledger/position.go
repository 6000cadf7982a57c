package ledger

import (
	"math/big"

	"github.com/google/uuid"
)

// Position represents a trader's exposure in a single market.
//
// BaseBalance is the signed synthetic base held: positive for longs,
// negative for shorts. QuoteBalance is the signed open notional that was
// exchanged to build the position: a long that paid 10 quote carries
// QuoteBalance -10, a short that received 10 carries +10. Both are
// 18-decimal fixed point.
type Position struct {
	Trader   uuid.UUID
	MarketID string

	BaseBalance  *big.Int
	QuoteBalance *big.Int

	// LastTwPremiumGrowth checkpoints the market's time-weighted premium
	// accumulator (long or short, matching the position's side) at the
	// last funding settlement. Fills must never apply on top of a stale
	// checkpoint.
	LastTwPremiumGrowth *big.Int

	Version int64
}

// IsFlat returns true if the position has no exposure.
func (p *Position) IsFlat() bool {
	return p.BaseBalance.Sign() == 0
}

// SideSign returns +1 for long, -1 for short, 0 for flat.
func (p *Position) SideSign() int {
	return p.BaseBalance.Sign()
}

// Clone returns a deep copy safe to hand out across the ledger boundary.
func (p *Position) Clone() *Position {
	return &Position{
		Trader:              p.Trader,
		MarketID:            p.MarketID,
		BaseBalance:         new(big.Int).Set(p.BaseBalance),
		QuoteBalance:        new(big.Int).Set(p.QuoteBalance),
		LastTwPremiumGrowth: new(big.Int).Set(p.LastTwPremiumGrowth),
		Version:             p.Version,
	}
}

// LiquidityContribution tracks a maker's share of a market's virtual
// liquidity together with the fee growth checkpoint used to pro-rate
// swap fees across makers.
type LiquidityContribution struct {
	Maker    uuid.UUID
	MarketID string

	Liquidity        *big.Int
	LastFeeGrowthX96 *big.Int
}

func (c *LiquidityContribution) Clone() *LiquidityContribution {
	return &LiquidityContribution{
		Maker:            c.Maker,
		MarketID:         c.MarketID,
		Liquidity:        new(big.Int).Set(c.Liquidity),
		LastFeeGrowthX96: new(big.Int).Set(c.LastFeeGrowthX96),
	}
}
