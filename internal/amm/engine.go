package amm

import (
	"errors"
	"math/big"

	"github.com/rs/zerolog"

	"nftperp/internal/market"
	"nftperp/internal/perpmath"
)

// Engine executes swaps and liquidity mutations against per-market pool
// state. It holds no state of its own; every method operates on the
// *market.Market handed in, and the caller owns serialization per market.
type Engine struct {
	log zerolog.Logger
}

func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log}
}

var (
	ErrMarketClosed          = errors.New("amm: market closed")
	ErrZeroAmount            = errors.New("amm: zero amount")
	ErrNoLiquidity           = errors.New("amm: no liquidity")
	ErrPriceLimitReached     = errors.New("amm: price limit reached")
	ErrExceedsBlockTickLimit = errors.New("amm: exceeds per-block tick limit")
	ErrPoolLiquidityBounds   = errors.New("amm: pool liquidity out of bounds")
)

// SwapParams describes one swap intent against a market.
type SwapParams struct {
	IsBaseToQuote bool // true: sell base, price moves down
	IsExactInput  bool
	Amount        *big.Int
	// SqrtPriceLimitX96 bounds how far the price may move; nil or zero
	// means unbounded.
	SqrtPriceLimitX96 *big.Int
	// IsClose marks position-closing/liquidation swaps, which are allowed
	// on a Closed market.
	IsClose bool
	// MaxTickCrossed caps net tick movement from the block's opening
	// tick. The caller resolves it from the market's effective params on
	// every swap so overrides take effect immediately; zero disables the
	// guard.
	MaxTickCrossed int
}

// SwapResult is the priced outcome of a swap. AmountIn/AmountOut are
// unsigned; DeltaBase/DeltaQuote are the signed balance changes from the
// trader's perspective (positive = trader receives).
type SwapResult struct {
	AmountIn   *big.Int
	AmountOut  *big.Int
	DeltaBase  *big.Int
	DeltaQuote *big.Int

	EndSqrtPriceX96 *big.Int
	EndTick         int
	// LimitReached marks a partial exact-input fill stopped at the price
	// limit.
	LimitReached bool
}

func limitSet(l *big.Int) bool {
	return l != nil && l.Sign() > 0
}

// EstimateSwap prices a swap against current pool state without mutating
// it. Used for execution and for off-chain previews.
//
// Constant-liquidity curve math over one aggregated range:
// quote-exact moves 1/sqrtP by amount/L, base-exact moves sqrtP by the
// symmetric step. Rounding always favors the pool.
func (e *Engine) EstimateSwap(m *market.Market, p SwapParams) (SwapResult, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return SwapResult{}, ErrZeroAmount
	}
	if m.Liquidity.Sign() == 0 {
		return SwapResult{}, ErrNoLiquidity
	}

	start := m.SqrtPriceX96
	liquidity := m.Liquidity
	limit := p.SqrtPriceLimitX96

	var (
		next         *big.Int
		err          error
		limitReached bool
	)

	switch {
	case p.IsBaseToQuote && p.IsExactInput:
		next, err = perpmath.NextSqrtPriceFromBaseInput(start, liquidity, p.Amount)
	case p.IsBaseToQuote && !p.IsExactInput:
		next, err = perpmath.NextSqrtPriceFromQuoteOutput(start, liquidity, p.Amount)
	case !p.IsBaseToQuote && p.IsExactInput:
		next, err = perpmath.NextSqrtPriceFromQuoteInput(start, liquidity, p.Amount)
	default:
		next, err = perpmath.NextSqrtPriceFromBaseOutput(start, liquidity, p.Amount)
	}
	if err != nil {
		return SwapResult{}, err
	}

	if limitSet(limit) {
		if p.IsBaseToQuote && next.Cmp(limit) < 0 {
			next = limit
			limitReached = true
		} else if !p.IsBaseToQuote && next.Cmp(limit) > 0 {
			next = limit
			limitReached = true
		}
	}
	if limitReached && !p.IsExactInput {
		// Exact-output swaps cannot partially fill.
		return SwapResult{}, ErrPriceLimitReached
	}

	// Amounts actually exchanged between start and next.
	var amountIn, amountOut *big.Int
	if p.IsBaseToQuote {
		amountIn, err = perpmath.BaseDelta(next, start, liquidity, true)
		if err != nil {
			return SwapResult{}, err
		}
		amountOut, err = perpmath.QuoteDelta(next, start, liquidity, false)
		if err != nil {
			return SwapResult{}, err
		}
	} else {
		amountIn, err = perpmath.QuoteDelta(start, next, liquidity, true)
		if err != nil {
			return SwapResult{}, err
		}
		amountOut, err = perpmath.BaseDelta(start, next, liquidity, false)
		if err != nil {
			return SwapResult{}, err
		}
	}
	// The exact side is authoritative; the computed side absorbs rounding.
	if !limitReached {
		if p.IsExactInput {
			amountIn = new(big.Int).Set(p.Amount)
		} else {
			amountOut = new(big.Int).Set(p.Amount)
		}
	}

	res := SwapResult{
		AmountIn:        amountIn,
		AmountOut:       amountOut,
		EndSqrtPriceX96: next,
		EndTick:         perpmath.TickAtSqrtPrice(next),
		LimitReached:    limitReached,
	}
	if p.IsBaseToQuote {
		res.DeltaBase = new(big.Int).Neg(amountIn)
		res.DeltaQuote = new(big.Int).Set(amountOut)
	} else {
		res.DeltaBase = new(big.Int).Set(amountOut)
		res.DeltaQuote = new(big.Int).Neg(amountIn)
	}
	return res, nil
}

// Swap executes the estimate against the market, advancing TWAP state and
// enforcing the per-block tick guard. now is the deterministic transaction
// timestamp, blockNumber the caller's logical block.
func (e *Engine) Swap(m *market.Market, p SwapParams, now, blockNumber int64) (SwapResult, error) {
	if m.Status == market.StatusClosed && !p.IsClose {
		return SwapResult{}, ErrMarketClosed
	}

	res, err := e.EstimateSwap(m, p)
	if err != nil {
		return SwapResult{}, err
	}

	// Per-block tick guard: net movement from the block's opening tick.
	openingTick := m.BlockOpeningTick
	if blockNumber != m.LastBlockNumber {
		openingTick = m.Tick
	}
	crossed := res.EndTick - openingTick
	if crossed < 0 {
		crossed = -crossed
	}
	if p.MaxTickCrossed > 0 && crossed > p.MaxTickCrossed {
		return SwapResult{}, ErrExceedsBlockTickLimit
	}

	// Integrate the old tick up to now before moving the price.
	m.RecordObservation(now)

	if blockNumber != m.LastBlockNumber {
		m.LastBlockNumber = blockNumber
		m.BlockOpeningTick = m.Tick
	}
	m.SqrtPriceX96 = new(big.Int).Set(res.EndSqrtPriceX96)
	m.Tick = res.EndTick

	// Track the traders' aggregate base exposure.
	m.NetTraderBase.Add(m.NetTraderBase, res.DeltaBase)

	e.log.Debug().
		Str("market", m.ID).
		Bool("base_to_quote", p.IsBaseToQuote).
		Bool("exact_input", p.IsExactInput).
		Str("amount_in", res.AmountIn.String()).
		Str("amount_out", res.AmountOut.String()).
		Int("tick", res.EndTick).
		Msg("swap executed")
	return res, nil
}
