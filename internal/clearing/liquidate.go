package clearing

import (
	"math/big"

	"github.com/google/uuid"

	"nftperp/internal/amm"
	"nftperp/internal/ledger"
	"nftperp/internal/perpmath"
)

// LiquidationResult reports one liquidation step.
type LiquidationResult struct {
	ClosedBase  *big.Int
	ClosedQuote *big.Int

	Penalty          *big.Int
	LiquidatorReward *big.Int

	// DeficitCovered is what the insurance fund paid to plug negative
	// equity left after the close. Anything beyond the fund's balance
	// remains as visible bad debt on the trader's vault account.
	DeficitCovered *big.Int
}

// Liquidate force-closes part of an underwater trader's position. The
// close is bounded to half the trader's total exposure per call, so a
// single liquidation can never wipe a diversified account. The penalty
// splits evenly between the caller and the insurance fund; any negative
// equity remaining afterwards is socialized through the fund.
func (ch *ClearingHouse) Liquidate(liquidator, trader uuid.UUID, marketID string, now, blockNumber int64) (*LiquidationResult, error) {
	m, err := ch.registry.Get(marketID)
	if err != nil {
		return nil, err
	}
	unlock := ch.lockMarket(marketID)
	defer unlock()

	params := ch.registry.ParamsFor(marketID)
	ch.updateFundingLocked(m, params, now)
	ch.settleFundingLocked(trader, m)

	pos := ch.ledger.GetPosition(trader, marketID)
	if pos == nil {
		return nil, ErrNoPosition
	}

	liquidatable, err := ch.margin.IsLiquidatable(trader, params.MmRatio)
	if err != nil {
		return nil, err
	}
	if !liquidatable {
		return nil, ledger.ErrNotLiquidatable
	}

	size, err := ch.margin.LiquidatablePositionSize(trader, marketID)
	if err != nil {
		return nil, err
	}
	if size.Sign() == 0 {
		return nil, ledger.ErrNotLiquidatable
	}

	swap := amm.SwapParams{IsClose: true, MaxTickCrossed: params.MaxTickCrossedPerBlock}
	if size.Sign() > 0 {
		swap.IsBaseToQuote = true
		swap.IsExactInput = true
		swap.Amount = new(big.Int).Set(size)
	} else {
		swap.IsBaseToQuote = false
		swap.IsExactInput = false
		swap.Amount = new(big.Int).Abs(size)
	}

	res, err := ch.engine.Swap(m, swap, now, blockNumber)
	if err != nil {
		return nil, err
	}
	fill, err := ch.ledger.ApplyFill(trader, marketID, res.DeltaBase, res.DeltaQuote, m.TwPremiumGrowthLong, m.TwPremiumGrowthShort)
	if err != nil {
		return nil, err
	}

	notional := new(big.Int).Abs(res.DeltaQuote)
	penalty := perpmath.MulRatio(notional, params.LiquidationPenaltyRatio)
	reward := new(big.Int).Rsh(penalty, 1)
	fundShare := new(big.Int).Sub(penalty, reward)

	ch.ledger.ModifyOwedRealizedPnl(trader, marketID, new(big.Int).Neg(penalty))
	ch.ledger.ModifyOwedRealizedPnl(liquidator, marketID, reward)
	ch.fund.CollectFee(marketID, fundShare)

	ch.settleOwed(liquidator, marketID)
	ch.settleOwed(trader, marketID)

	// Negative equity after the close is bad debt: the fund absorbs what
	// it can.
	covered := new(big.Int)
	if balance := ch.vault.GetBalance(trader); balance.Sign() < 0 {
		deficit := new(big.Int).Neg(balance)
		covered = ch.fund.SpendUpTo(marketID, deficit)
		if covered.Sign() > 0 {
			ch.vault.SettlePnl(trader, covered)
		}
	}

	if ch.metrics != nil {
		ch.metrics.LiquidationsExecuted.WithLabelValues(marketID).Inc()
		if covered.Sign() > 0 {
			ch.metrics.LiquidationDeficits.WithLabelValues(marketID).Inc()
		}
	}
	ch.recordFill(FillEvent{
		Market:       marketID,
		Trader:       trader,
		Kind:         "liquidation",
		BaseDelta:    new(big.Int).Set(res.DeltaBase),
		QuoteDelta:   new(big.Int).Set(res.DeltaQuote),
		Fee:          penalty,
		RealizedPnl:  fill.RealizedPnl,
		SqrtPriceX96: new(big.Int).Set(res.EndSqrtPriceX96),
		BlockNumber:  blockNumber,
	})
	ch.log.Info().
		Str("market", marketID).
		Str("trader", trader.String()).
		Str("liquidator", liquidator.String()).
		Str("closed_base", res.DeltaBase.String()).
		Str("penalty", penalty.String()).
		Str("deficit_covered", covered.String()).
		Msg("position liquidated")

	return &LiquidationResult{
		ClosedBase:       res.DeltaBase,
		ClosedQuote:      res.DeltaQuote,
		Penalty:          penalty,
		LiquidatorReward: reward,
		DeficitCovered:   covered,
	}, nil
}
