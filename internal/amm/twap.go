package amm

import (
	"math/big"

	"nftperp/internal/market"
	"nftperp/internal/perpmath"
)

// MarkPrice returns the market's spot mark price, 18-dec.
func (e *Engine) MarkPrice(m *market.Market) *big.Int {
	return perpmath.PriceFromSqrtPriceX96(m.SqrtPriceX96)
}

// MarkTwap returns the time-weighted mark price over the trailing
// interval, 18-dec. The average tick over the window is derived from the
// tick integral; when the observation window does not reach back the full
// interval the oldest available observation bounds it, and with no
// elapsed coverage at all the spot price is returned.
func (e *Engine) MarkTwap(m *market.Market, interval, now int64) *big.Int {
	if interval <= 0 {
		return e.MarkPrice(m)
	}
	target := now - interval
	old, ok := m.ObservationAtOrBefore(target)
	if !ok {
		// Window does not reach back that far; use the oldest we have.
		oldest := m.Observations[0]
		for _, obs := range m.Observations {
			if obs.Timestamp < oldest.Timestamp {
				oldest = obs
			}
		}
		old = oldest
	}

	// Current tick integral extended to now.
	cumNow := m.TickCumulative + int64(m.Tick)*(now-m.LastObservedAt)

	elapsed := now - old.Timestamp
	if elapsed <= 0 {
		return e.MarkPrice(m)
	}
	avgTick := (cumNow - old.TickCumulative) / elapsed
	return perpmath.PriceFromSqrtPriceX96(perpmath.SqrtPriceAtTick(int(avgTick)))
}
