package amm

import (
	"math/big"

	"nftperp/internal/market"
	"nftperp/internal/perpmath"
)

// AddLiquidity mints liquidity into the market's single aggregated range
// and returns the virtual (base, quote) amounts the share represents at
// the current price. There is no per-maker tick range; makers share the
// pool-wide figure.
func (e *Engine) AddLiquidity(m *market.Market, liquidity *big.Int, maxPoolLiquidity *big.Int, now int64) (base, quote *big.Int, err error) {
	if m.Status == market.StatusClosed {
		return nil, nil, ErrMarketClosed
	}
	if liquidity == nil || liquidity.Sign() <= 0 {
		return nil, nil, ErrZeroAmount
	}
	newTotal := new(big.Int).Add(m.Liquidity, liquidity)
	if maxPoolLiquidity != nil && maxPoolLiquidity.Sign() > 0 && newTotal.Cmp(maxPoolLiquidity) > 0 {
		return nil, nil, ErrPoolLiquidityBounds
	}
	base, quote, err = perpmath.AmountsFromLiquidity(m.SqrtPriceX96, liquidity)
	if err != nil {
		return nil, nil, err
	}
	m.RecordObservation(now)
	m.Liquidity = newTotal
	return base, quote, nil
}

// RemoveLiquidity burns liquidity and returns the virtual (base, quote)
// amounts it converts to at the current price. The caller enforces the
// maker's own share bound; this only guards the pool aggregate.
func (e *Engine) RemoveLiquidity(m *market.Market, liquidity *big.Int, now int64) (base, quote *big.Int, err error) {
	if liquidity == nil || liquidity.Sign() <= 0 {
		return nil, nil, ErrZeroAmount
	}
	if liquidity.Cmp(m.Liquidity) > 0 {
		return nil, nil, ErrPoolLiquidityBounds
	}
	base, quote, err = perpmath.AmountsFromLiquidity(m.SqrtPriceX96, liquidity)
	if err != nil {
		return nil, nil, err
	}
	m.RecordObservation(now)
	m.Liquidity = new(big.Int).Sub(m.Liquidity, liquidity)
	return base, quote, nil
}

// AccrueFee folds a maker fee amount into the pool's cumulative
// fee-growth-per-liquidity accumulator (X96).
func (e *Engine) AccrueFee(m *market.Market, fee *big.Int) error {
	if fee.Sign() == 0 || m.Liquidity.Sign() == 0 {
		return nil
	}
	growth, err := perpmath.MulDiv(fee, perpmath.Q96, m.Liquidity)
	if err != nil {
		return err
	}
	m.FeeGrowthGlobalX96.Add(m.FeeGrowthGlobalX96, growth)
	return nil
}

// FeeOwed returns the fee accrued to a liquidity share since the given
// fee-growth checkpoint, rounding down.
func (e *Engine) FeeOwed(m *market.Market, liquidity, lastFeeGrowthX96 *big.Int) (*big.Int, error) {
	delta := new(big.Int).Sub(m.FeeGrowthGlobalX96, lastFeeGrowthX96)
	if delta.Sign() <= 0 {
		return new(big.Int), nil
	}
	return perpmath.MulDiv(liquidity, delta, perpmath.Q96)
}
