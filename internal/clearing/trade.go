package clearing

import (
	"math/big"

	"github.com/google/uuid"

	"nftperp/internal/amm"
	"nftperp/internal/ledger"
	"nftperp/internal/market"
	"nftperp/internal/perpmath"
)

// OpenPositionParams is one trade intent. Amount is on the input side
// when IsExactInput, the output side otherwise. OppositeAmountBound is
// the slippage guard on the non-exact side: a minimum for exact-input
// trades, a maximum for exact-output. Zero or nil disables it.
type OpenPositionParams struct {
	MarketID string
	Trader   uuid.UUID

	IsBaseToQuote bool // true: sell base (short direction)
	IsExactInput  bool
	Amount        *big.Int

	OppositeAmountBound *big.Int
	SqrtPriceLimitX96   *big.Int
	Deadline            int64
}

// TradeResult is the settled outcome of an open or close.
type TradeResult struct {
	DeltaBase   *big.Int
	DeltaQuote  *big.Int
	Fee         *big.Int
	RealizedPnl *big.Int

	EndSqrtPriceX96 *big.Int
}

// OpenPosition executes one trade: settle funding, price the swap,
// enforce slippage and margin, then apply the fill and distribute fees.
// Everything up to the swap is a pure check, so a rejected trade leaves
// no partial state behind.
func (ch *ClearingHouse) OpenPosition(p OpenPositionParams, now, blockNumber int64) (*TradeResult, error) {
	if p.Deadline > 0 && now > p.Deadline {
		return nil, ErrDeadlineExceeded
	}
	m, err := ch.registry.Get(p.MarketID)
	if err != nil {
		return nil, err
	}
	unlock := ch.lockMarket(p.MarketID)
	defer unlock()

	params := ch.registry.ParamsFor(p.MarketID)
	ch.updateFundingLocked(m, params, now)
	ch.settleFundingLocked(p.Trader, m)

	swap := amm.SwapParams{
		IsBaseToQuote:     p.IsBaseToQuote,
		IsExactInput:      p.IsExactInput,
		Amount:            p.Amount,
		SqrtPriceLimitX96: p.SqrtPriceLimitX96,
		MaxTickCrossed:    params.MaxTickCrossedPerBlock,
	}
	est, err := ch.engine.EstimateSwap(m, swap)
	if err != nil {
		return nil, err
	}
	if err := checkSlippage(p.OppositeAmountBound, p.IsExactInput, est); err != nil {
		return nil, err
	}

	notional := new(big.Int).Abs(est.DeltaQuote)
	split := computeFee(notional, params, m.IsIsolated)

	if ch.increasesExposure(p.Trader, m.ID, est.DeltaBase) {
		if err := ch.checkInitialMargin(p.Trader, m, est, split.total, params); err != nil {
			return nil, err
		}
	}

	res, err := ch.engine.Swap(m, swap, now, blockNumber)
	if err != nil {
		return nil, err
	}
	fill, err := ch.ledger.ApplyFill(p.Trader, m.ID, res.DeltaBase, res.DeltaQuote, m.TwPremiumGrowthLong, m.TwPremiumGrowthShort)
	if err != nil {
		return nil, err
	}
	if err := ch.distributeFee(p.Trader, m, split); err != nil {
		return nil, err
	}

	if ch.metrics != nil {
		ch.metrics.SwapsExecuted.WithLabelValues(m.ID, direction(p.IsBaseToQuote)).Inc()
		ch.metrics.SwapNotional.WithLabelValues(m.ID).Add(wadToFloat(notional))
	}
	ch.recordFill(FillEvent{
		Market:       m.ID,
		Trader:       p.Trader,
		Kind:         "trade",
		BaseDelta:    new(big.Int).Set(res.DeltaBase),
		QuoteDelta:   new(big.Int).Set(res.DeltaQuote),
		Fee:          split.total,
		RealizedPnl:  fill.RealizedPnl,
		SqrtPriceX96: new(big.Int).Set(res.EndSqrtPriceX96),
		BlockNumber:  blockNumber,
	})

	return &TradeResult{
		DeltaBase:       res.DeltaBase,
		DeltaQuote:      res.DeltaQuote,
		Fee:             split.total,
		RealizedPnl:     fill.RealizedPnl,
		EndSqrtPriceX96: res.EndSqrtPriceX96,
	}, nil
}

// TradePreview is a priced but unexecuted trade.
type TradePreview struct {
	DeltaBase  *big.Int
	DeltaQuote *big.Int
	Fee        *big.Int

	EndSqrtPriceX96 *big.Int
}

// PreviewOpenPosition prices a trade against current pool state without
// executing it. Funding is not settled and no state moves, so the
// quote can drift from the eventual fill.
func (ch *ClearingHouse) PreviewOpenPosition(p OpenPositionParams) (*TradePreview, error) {
	m, err := ch.registry.Get(p.MarketID)
	if err != nil {
		return nil, err
	}
	unlock := ch.lockMarket(p.MarketID)
	defer unlock()

	est, err := ch.engine.EstimateSwap(m, amm.SwapParams{
		IsBaseToQuote:     p.IsBaseToQuote,
		IsExactInput:      p.IsExactInput,
		Amount:            p.Amount,
		SqrtPriceLimitX96: p.SqrtPriceLimitX96,
	})
	if err != nil {
		return nil, err
	}

	params := ch.registry.ParamsFor(p.MarketID)
	split := computeFee(new(big.Int).Abs(est.DeltaQuote), params, m.IsIsolated)
	return &TradePreview{
		DeltaBase:       new(big.Int).Set(est.DeltaBase),
		DeltaQuote:      new(big.Int).Set(est.DeltaQuote),
		Fee:             split.total,
		EndSqrtPriceX96: new(big.Int).Set(est.EndSqrtPriceX96),
	}, nil
}

// DepositAndOpenPosition credits collateral and opens in one call, for
// callers that fund the trade just in time.
func (ch *ClearingHouse) DepositAndOpenPosition(p OpenPositionParams, depositAmount *big.Int, now, blockNumber int64) (*TradeResult, error) {
	if err := ch.vault.Deposit(p.Trader, depositAmount); err != nil {
		return nil, err
	}
	return ch.OpenPosition(p, now, blockNumber)
}

// ClosePositionParams identifies the position to unwind plus the same
// guards a trade carries.
type ClosePositionParams struct {
	MarketID string
	Trader   uuid.UUID

	OppositeAmountBound *big.Int
	SqrtPriceLimitX96   *big.Int
	Deadline            int64
}

// ClosePosition unwinds the trader's position with an opposite-direction
// swap and settles the realized PnL into the vault. A price limit may
// leave the close partial; closing is allowed even on closed markets and
// never margin-gated.
func (ch *ClearingHouse) ClosePosition(p ClosePositionParams, now, blockNumber int64) (*TradeResult, error) {
	if p.Deadline > 0 && now > p.Deadline {
		return nil, ErrDeadlineExceeded
	}
	m, err := ch.registry.Get(p.MarketID)
	if err != nil {
		return nil, err
	}
	unlock := ch.lockMarket(p.MarketID)
	defer unlock()

	params := ch.registry.ParamsFor(p.MarketID)
	ch.updateFundingLocked(m, params, now)
	ch.settleFundingLocked(p.Trader, m)

	pos := ch.ledger.GetPosition(p.Trader, m.ID)
	if pos == nil {
		return nil, ErrNoPosition
	}

	swap := amm.SwapParams{
		IsClose:           true,
		SqrtPriceLimitX96: p.SqrtPriceLimitX96,
		MaxTickCrossed:    params.MaxTickCrossedPerBlock,
	}
	if pos.BaseBalance.Sign() > 0 {
		// Long: sell the base back, exact input.
		swap.IsBaseToQuote = true
		swap.IsExactInput = true
		swap.Amount = new(big.Int).Set(pos.BaseBalance)
	} else {
		// Short: buy the base back, exact output.
		swap.IsBaseToQuote = false
		swap.IsExactInput = false
		swap.Amount = new(big.Int).Abs(pos.BaseBalance)
	}

	est, err := ch.engine.EstimateSwap(m, swap)
	if err != nil {
		return nil, err
	}
	if err := checkSlippage(p.OppositeAmountBound, swap.IsExactInput, est); err != nil {
		return nil, err
	}

	notional := new(big.Int).Abs(est.DeltaQuote)
	split := computeFee(notional, params, m.IsIsolated)

	res, err := ch.engine.Swap(m, swap, now, blockNumber)
	if err != nil {
		return nil, err
	}
	fill, err := ch.ledger.ApplyFill(p.Trader, m.ID, res.DeltaBase, res.DeltaQuote, m.TwPremiumGrowthLong, m.TwPremiumGrowthShort)
	if err != nil {
		return nil, err
	}
	if err := ch.distributeFee(p.Trader, m, split); err != nil {
		return nil, err
	}
	ch.settleOwed(p.Trader, m.ID)

	if ch.metrics != nil {
		ch.metrics.SwapsExecuted.WithLabelValues(m.ID, "close").Inc()
		ch.metrics.SwapNotional.WithLabelValues(m.ID).Add(wadToFloat(notional))
	}
	ch.recordFill(FillEvent{
		Market:       m.ID,
		Trader:       p.Trader,
		Kind:         "close",
		BaseDelta:    new(big.Int).Set(res.DeltaBase),
		QuoteDelta:   new(big.Int).Set(res.DeltaQuote),
		Fee:          split.total,
		RealizedPnl:  fill.RealizedPnl,
		SqrtPriceX96: new(big.Int).Set(res.EndSqrtPriceX96),
		BlockNumber:  blockNumber,
	})

	return &TradeResult{
		DeltaBase:       res.DeltaBase,
		DeltaQuote:      res.DeltaQuote,
		Fee:             split.total,
		RealizedPnl:     fill.RealizedPnl,
		EndSqrtPriceX96: res.EndSqrtPriceX96,
	}, nil
}

// updateFundingLocked advances the market's funding accumulators. Markets
// with no index observation yet simply accrue nothing.
func (ch *ClearingHouse) updateFundingLocked(m *market.Market, params market.Params, now int64) {
	indexPrice, err := ch.oracle.GetIndexPrice(m.ID)
	if err != nil {
		return
	}
	ch.engine.UpdateFundingGrowth(m, indexPrice, params.TwapInterval, params.OptimalFundingRatio, now)
}

// increasesExposure reports whether adding deltaBase grows the trader's
// absolute position size.
func (ch *ClearingHouse) increasesExposure(trader uuid.UUID, marketID string, deltaBase *big.Int) bool {
	pos := ch.ledger.GetPosition(trader, marketID)
	if pos == nil {
		return true
	}
	after := new(big.Int).Add(pos.BaseBalance, deltaBase)
	return after.CmpAbs(pos.BaseBalance) > 0
}

// checkInitialMargin evaluates the account as if the estimated fill and
// fee had been applied, before anything mutates. Uses the post-swap mark
// for the traded market and live marks elsewhere.
func (ch *ClearingHouse) checkInitialMargin(trader uuid.UUID, m *market.Market, est amm.SwapResult, totalFee *big.Int, params market.Params) error {
	markAfter := perpmath.PriceFromSqrtPriceX96(est.EndSqrtPriceX96)

	value := ch.vault.GetBalance(trader)
	value.Sub(value, totalFee)
	value.Add(value, ch.ledger.OwedRealizedPnl(trader, m.ID))
	notional := new(big.Int)

	hyp := &ledger.Position{
		BaseBalance:  new(big.Int).Set(est.DeltaBase),
		QuoteBalance: new(big.Int).Set(est.DeltaQuote),
	}
	if pos := ch.ledger.GetPosition(trader, m.ID); pos != nil {
		hyp.BaseBalance.Add(hyp.BaseBalance, pos.BaseBalance)
		hyp.QuoteBalance.Add(hyp.QuoteBalance, pos.QuoteBalance)
	}
	value.Add(value, ledger.UnrealizedPnl(hyp, markAfter))
	notional.Add(notional, ledger.PositionNotional(hyp, markAfter))

	for _, pos := range ch.ledger.PositionsOf(trader) {
		if pos.MarketID == m.ID {
			continue
		}
		price, err := ch.MarkPriceOf(pos.MarketID)
		if err != nil {
			return err
		}
		value.Add(value, ledger.UnrealizedPnl(pos, price))
		value.Add(value, ch.ledger.OwedRealizedPnl(trader, pos.MarketID))
		notional.Add(notional, ledger.PositionNotional(pos, price))
	}

	required := perpmath.MulRatio(notional, params.ImRatio)
	if value.Cmp(required) < 0 {
		return ledger.ErrInsufficientMargin
	}
	return nil
}

func checkSlippage(bound *big.Int, isExactInput bool, est amm.SwapResult) error {
	if bound == nil || bound.Sign() == 0 {
		return nil
	}
	if isExactInput {
		if est.AmountOut.Cmp(bound) < 0 {
			return ErrSlippageExceeded
		}
	} else if est.AmountIn.Cmp(bound) > 0 {
		return ErrSlippageExceeded
	}
	return nil
}

func direction(isBaseToQuote bool) string {
	if isBaseToQuote {
		return "sell"
	}
	return "buy"
}

func wadToFloat(amount *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(amount), new(big.Float).SetInt(perpmath.Wad)).Float64()
	return f
}
