package repeg

import (
	"errors"
	"math/big"

	"github.com/rs/zerolog"

	"nftperp/internal/amm"
	"nftperp/internal/market"
	"nftperp/internal/perpmath"
)

// ErrInsufficientInsuranceFund means a correction was needed but the
// fund could not finance any price movement at all.
var ErrInsufficientInsuranceFund = errors.New("repeg: insurance fund empty, correction deferred")

// InsuranceFund is the backstop the controller settles against.
// SpendUpTo is the only debit path so the bound on a correction and its
// settlement are one atomic call.
type InsuranceFund interface {
	SpendUpTo(marketID string, amount *big.Int) *big.Int
	CollectFee(marketID string, amount *big.Int)
}

// IndexSource supplies the external reference (NFT floor) price.
type IndexSource interface {
	GetIndexPrice(marketID string) (*big.Int, error)
}

// Controller pulls a market's AMM price back toward the oracle index
// when the two diverge past the unhealthy threshold, paying for (or
// banking) the traders' aggregate mark-to-market move out of the
// insurance fund. Liquidity is held constant: a repeg is a pure price
// translation, not a curve change.
type Controller struct {
	registry *market.Registry
	engine   *amm.Engine
	fund     InsuranceFund
	index    IndexSource
	log      zerolog.Logger
}

func NewController(registry *market.Registry, engine *amm.Engine, fund InsuranceFund, index IndexSource, log zerolog.Logger) *Controller {
	return &Controller{
		registry: registry,
		engine:   engine,
		fund:     fund,
		index:    index,
		log:      log,
	}
}

// Result reports what a repeg actually did.
type Result struct {
	Executed bool
	Partial  bool

	OldSqrtPriceX96 *big.Int
	NewSqrtPriceX96 *big.Int

	// Cost is the signed amount settled against the insurance fund:
	// positive means the fund paid for the traders' aggregate gain,
	// negative means the fund banked their aggregate loss.
	Cost *big.Int
}

// IsAbleRepeg reports whether the market currently qualifies for a
// repeg: the rate-limit window since the last repeg has elapsed and the
// mark TWAP has drifted at least the unhealthy ratio away from the
// index. Spreads below the optimal ratio never qualify.
func (c *Controller) IsAbleRepeg(m *market.Market, now int64) (bool, error) {
	params := c.registry.ParamsFor(m.ID)

	if now-m.LastRepegTimestamp < params.DurationRepegOverPriceSpread {
		return false, nil
	}

	indexPrice, err := c.index.GetIndexPrice(m.ID)
	if err != nil {
		return false, err
	}
	spread := spreadPpm(c.engine.MarkTwap(m, params.TwapInterval, now), indexPrice)

	if spread.Cmp(big.NewInt(int64(params.OptimalDeltaTwapRatio))) < 0 {
		return false, nil
	}
	return spread.Cmp(big.NewInt(int64(params.UnhealthyDeltaTwapRatio))) >= 0, nil
}

// Repeg moves the market price to the index price, bounded by what the
// insurance fund can pay. Calling it when IsAbleRepeg is false is a
// no-op so pollers can invoke it unconditionally. When the fund covers
// only part of the correction the price moves as far as the fund
// allows and the remainder is deferred to a later cycle.
func (c *Controller) Repeg(m *market.Market, now int64) (*Result, error) {
	able, err := c.IsAbleRepeg(m, now)
	if err != nil {
		return nil, err
	}
	if !able {
		return &Result{Executed: false}, nil
	}

	indexPrice, err := c.index.GetIndexPrice(m.ID)
	if err != nil {
		return nil, err
	}

	oldPrice := perpmath.PriceFromSqrtPriceX96(m.SqrtPriceX96)
	targetPrice := new(big.Int).Set(indexPrice)

	// The fund pays traders' aggregate mark-to-market gain on the move
	// and banks their aggregate loss.
	cost := moveCost(m.NetTraderBase, oldPrice, targetPrice)

	if !m.Status.CanTransitionTo(market.StatusRepegging) {
		return nil, amm.ErrMarketClosed
	}

	partial := false
	if cost.Sign() > 0 {
		// A single fund call both bounds and settles the correction, so
		// a concurrent spender cannot shrink the budget in between.
		spent := c.fund.SpendUpTo(m.ID, cost)
		if spent.Sign() == 0 {
			return &Result{Executed: false}, ErrInsufficientInsuranceFund
		}
		if spent.Cmp(cost) < 0 {
			// Walk the price only as far as the fund financed.
			partial = true
			maxDelta := new(big.Int).Mul(spent, perpmath.Wad)
			maxDelta.Quo(maxDelta, new(big.Int).Abs(m.NetTraderBase))

			targetPrice.Set(oldPrice)
			if indexPrice.Cmp(oldPrice) > 0 {
				targetPrice.Add(targetPrice, maxDelta)
			} else {
				targetPrice.Sub(targetPrice, maxDelta)
			}
			cost = moveCost(m.NetTraderBase, oldPrice, targetPrice)
			// Truncating maxDelta can leave a sliver of the spend
			// unconsumed by the bounded move.
			if refund := new(big.Int).Sub(spent, cost); refund.Sign() > 0 {
				c.fund.CollectFee(m.ID, refund)
			}
		}
	}

	newSqrtPrice, err := perpmath.SqrtPriceX96FromPrice(targetPrice)
	if err != nil {
		if cost.Sign() > 0 {
			c.fund.CollectFee(m.ID, cost)
		}
		return nil, err
	}
	m.Status = market.StatusRepegging
	defer func() { m.Status = market.StatusOpen }()

	m.RecordObservation(now)
	oldSqrt := new(big.Int).Set(m.SqrtPriceX96)
	m.SqrtPriceX96.Set(newSqrtPrice)
	m.Tick = perpmath.TickAtSqrtPrice(newSqrtPrice)
	m.LastRepegTimestamp = now

	if cost.Sign() < 0 {
		c.fund.CollectFee(m.ID, new(big.Int).Neg(cost))
	}

	c.log.Info().
		Str("market", m.ID).
		Str("old_sqrt_price", oldSqrt.String()).
		Str("new_sqrt_price", newSqrtPrice.String()).
		Str("cost", cost.String()).
		Bool("partial", partial).
		Msg("repeg executed")

	return &Result{
		Executed:        true,
		Partial:         partial,
		OldSqrtPriceX96: oldSqrt,
		NewSqrtPriceX96: new(big.Int).Set(newSqrtPrice),
		Cost:            cost,
	}, nil
}

// moveCost is the traders' aggregate mark-to-market change when the
// price moves from oldPrice to newPrice: netTraderBase * Δprice.
func moveCost(netTraderBase, oldPrice, newPrice *big.Int) *big.Int {
	delta := new(big.Int).Sub(newPrice, oldPrice)
	cost := new(big.Int).Mul(netTraderBase, delta)
	return cost.Quo(cost, perpmath.Wad)
}

// spreadPpm is |mark - index| / index in parts per million.
func spreadPpm(markTwap, indexPrice *big.Int) *big.Int {
	if indexPrice.Sign() <= 0 {
		return new(big.Int)
	}
	spread := new(big.Int).Sub(markTwap, indexPrice)
	spread.Abs(spread)
	spread.Mul(spread, big.NewInt(perpmath.RatioDenominator))
	return spread.Quo(spread, indexPrice)
}
