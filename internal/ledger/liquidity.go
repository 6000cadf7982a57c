package ledger

import (
	"math/big"

	"github.com/google/uuid"

	"nftperp/internal/perpmath"
)

// AddContribution records liquidity added by a maker, checkpointing the
// market's fee growth. If the maker already has a contribution, fees
// accrued since the previous checkpoint are returned and credited to the
// maker's owed balance before the share is increased, so the new
// liquidity does not dilute already-earned fees.
func (l *Ledger) AddContribution(maker uuid.UUID, marketID string, liquidity, feeGrowthX96 *big.Int) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := positionKey{Trader: maker, MarketID: marketID}
	c := l.contributions[key]
	if c == nil {
		c = &LiquidityContribution{
			Maker:            maker,
			MarketID:         marketID,
			Liquidity:        new(big.Int),
			LastFeeGrowthX96: new(big.Int).Set(feeGrowthX96),
		}
		l.contributions[key] = c
	}

	fee := l.harvestFeeLocked(key, c, feeGrowthX96)
	c.Liquidity.Add(c.Liquidity, liquidity)
	return fee
}

// RemoveContribution reduces a maker's liquidity share, returning the
// fees accrued since the last checkpoint. Removing more than the share
// fails with ErrInsufficientLiquidityShare.
func (l *Ledger) RemoveContribution(maker uuid.UUID, marketID string, liquidity, feeGrowthX96 *big.Int) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := positionKey{Trader: maker, MarketID: marketID}
	c := l.contributions[key]
	if c == nil || c.Liquidity.Cmp(liquidity) < 0 {
		return nil, ErrInsufficientLiquidityShare
	}

	fee := l.harvestFeeLocked(key, c, feeGrowthX96)
	c.Liquidity.Sub(c.Liquidity, liquidity)
	if c.Liquidity.Sign() == 0 {
		delete(l.contributions, key)
	}
	return fee, nil
}

// Contribution returns a copy of a maker's liquidity contribution, or nil.
func (l *Ledger) Contribution(maker uuid.UUID, marketID string) *LiquidityContribution {
	l.mu.RLock()
	defer l.mu.RUnlock()

	c := l.contributions[positionKey{Trader: maker, MarketID: marketID}]
	if c == nil {
		return nil
	}
	return c.Clone()
}

// AllContributions returns copies of every maker liquidity contribution.
func (l *Ledger) AllContributions() []*LiquidityContribution {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*LiquidityContribution
	for _, c := range l.contributions {
		out = append(out, c.Clone())
	}
	return out
}

// RestoreContribution installs a contribution as-is. Warm start only,
// like RestorePosition.
func (l *Ledger) RestoreContribution(c *LiquidityContribution) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.contributions[positionKey{Trader: c.Maker, MarketID: c.MarketID}] = c.Clone()
}

// TotalContribution sums maker liquidity shares in a market. It must
// always equal the market's pool liquidity.
func (l *Ledger) TotalContribution(marketID string) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := new(big.Int)
	for key, c := range l.contributions {
		if key.MarketID == marketID {
			total.Add(total, c.Liquidity)
		}
	}
	return total
}

// harvestFeeLocked realizes fees accrued on a contribution since its
// checkpoint and credits them to the maker's owed balance.
func (l *Ledger) harvestFeeLocked(key positionKey, c *LiquidityContribution, feeGrowthX96 *big.Int) *big.Int {
	delta := new(big.Int).Sub(feeGrowthX96, c.LastFeeGrowthX96)
	fee := new(big.Int).Mul(c.Liquidity, delta)
	fee.Quo(fee, perpmath.Q96)

	c.LastFeeGrowthX96.Set(feeGrowthX96)
	if fee.Sign() != 0 {
		l.addOwedLocked(key, fee)
	}
	return fee
}
