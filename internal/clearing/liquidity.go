package clearing

import (
	"math/big"

	"github.com/google/uuid"
)

// LiquidityResult reports a liquidity mutation: the virtual amounts the
// share represents at the current price, plus fees harvested for the
// maker since their last checkpoint.
type LiquidityResult struct {
	Base  *big.Int
	Quote *big.Int
	Fee   *big.Int
}

// AddLiquidity grows the market's aggregate pool by the maker's share.
// Fees already earned by the maker are harvested first so the new share
// starts a fresh checkpoint.
func (ch *ClearingHouse) AddLiquidity(maker uuid.UUID, marketID string, liquidity *big.Int, deadline, now int64) (*LiquidityResult, error) {
	if deadline > 0 && now > deadline {
		return nil, ErrDeadlineExceeded
	}
	m, err := ch.registry.Get(marketID)
	if err != nil {
		return nil, err
	}
	unlock := ch.lockMarket(marketID)
	defer unlock()

	params := ch.registry.ParamsFor(marketID)
	base, quote, err := ch.engine.AddLiquidity(m, liquidity, params.MaxPoolLiquidity, now)
	if err != nil {
		return nil, err
	}
	fee := ch.ledger.AddContribution(maker, marketID, liquidity, m.FeeGrowthGlobalX96)
	if fee.Sign() != 0 {
		ch.settleOwed(maker, marketID)
	}

	ch.log.Debug().
		Str("maker", maker.String()).
		Str("market", marketID).
		Str("liquidity", liquidity.String()).
		Msg("liquidity added")
	return &LiquidityResult{Base: base, Quote: quote, Fee: fee}, nil
}

// RemoveLiquidity shrinks the maker's share and the pool by the same
// amount. The maker's accrued fee share settles into the vault. A maker
// can never remove more than their own contribution, which keeps the sum
// of shares equal to the pool's aggregate liquidity.
func (ch *ClearingHouse) RemoveLiquidity(maker uuid.UUID, marketID string, liquidity *big.Int, deadline, now int64) (*LiquidityResult, error) {
	if deadline > 0 && now > deadline {
		return nil, ErrDeadlineExceeded
	}
	m, err := ch.registry.Get(marketID)
	if err != nil {
		return nil, err
	}
	unlock := ch.lockMarket(marketID)
	defer unlock()

	fee, err := ch.ledger.RemoveContribution(maker, marketID, liquidity, m.FeeGrowthGlobalX96)
	if err != nil {
		return nil, err
	}
	base, quote, err := ch.engine.RemoveLiquidity(m, liquidity, now)
	if err != nil {
		// The share reduction must not outlive a failed pool mutation.
		ch.ledger.AddContribution(maker, marketID, liquidity, m.FeeGrowthGlobalX96)
		return nil, err
	}
	ch.settleOwed(maker, marketID)

	ch.log.Debug().
		Str("maker", maker.String()).
		Str("market", marketID).
		Str("liquidity", liquidity.String()).
		Msg("liquidity removed")
	return &LiquidityResult{Base: base, Quote: quote, Fee: fee}, nil
}
