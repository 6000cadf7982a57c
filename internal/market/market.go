package market

import (
	"math/big"

	"github.com/google/uuid"
)

// Status is the per-market lifecycle state.
// Uninitialized → Open ⇄ {Swapping, Repegging} → Closed.
// Closed is terminal for new trades; liquidation and withdrawal stay possible.
type Status int32

const (
	StatusUninitialized Status = iota
	StatusOpen
	StatusSwapping
	StatusRepegging
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "Uninitialized"
	case StatusOpen:
		return "Open"
	case StatusSwapping:
		return "Swapping"
	case StatusRepegging:
		return "Repegging"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates lifecycle transitions.
func (s Status) CanTransitionTo(next Status) bool {
	transitions := map[Status][]Status{
		StatusUninitialized: {StatusOpen},
		StatusOpen:          {StatusSwapping, StatusRepegging, StatusClosed},
		StatusSwapping:      {StatusOpen},
		StatusRepegging:     {StatusOpen},
		StatusClosed:        {},
	}
	for _, a := range transitions[s] {
		if next == a {
			return true
		}
	}
	return false
}

// Market is the full per-market state: one synthetic base asset (an NFT
// collection's floor-price proxy) quoted against the settlement asset,
// priced by a single aggregated full-range liquidity figure.
// Markets are created once and never destroyed; closing only disables
// new trades.
type Market struct {
	ID      string // base token symbol, e.g. "vBAYC"
	NftAddr string // the NFT collection this market tracks
	Creator uuid.UUID

	Status     Status
	IsIsolated bool

	// Pool state (Q96 sqrt price, aggregate full-range liquidity).
	SqrtPriceX96 *big.Int
	Tick         int
	Liquidity    *big.Int

	// Cumulative fee growth per unit of liquidity, X96.
	FeeGrowthGlobalX96 *big.Int

	// Time-weighted premium accumulators for funding, split by the side
	// that pays. 18-dec premium integrated over seconds.
	TwPremiumGrowthLong  *big.Int
	TwPremiumGrowthShort *big.Int
	LastFundingUpdatedAt int64

	// TWAP observation state.
	TickCumulative     int64
	LastObservedAt     int64
	Observations       []Observation
	NextObservationIdx int

	// Per-block tick movement guard. The limit itself lives in Params
	// so overrides apply to live markets.
	LastBlockNumber  int64
	BlockOpeningTick int

	// Repeg timer state.
	LastRepegTimestamp int64

	// Net base held by traders against this pool (sum of all trader
	// baseBalances). The repeg cost formula and loss socialization read it.
	NetTraderBase *big.Int
}

// Observation is one TWAP checkpoint: the tick integral up to Timestamp.
type Observation struct {
	Timestamp      int64
	TickCumulative int64
}

// observationCardinality bounds the TWAP ring buffer. At one observation
// per pool touch this covers well over the longest funding interval used.
const observationCardinality = 512

// New returns an Open market at the given initial sqrt price.
func New(id, nftAddr string, creator uuid.UUID, sqrtPriceX96 *big.Int, tick int, isolated bool, now int64) *Market {
	m := &Market{
		ID:                   id,
		NftAddr:              nftAddr,
		Creator:              creator,
		Status:               StatusOpen,
		IsIsolated:           isolated,
		SqrtPriceX96:         new(big.Int).Set(sqrtPriceX96),
		Tick:                 tick,
		Liquidity:            new(big.Int),
		FeeGrowthGlobalX96:   new(big.Int),
		TwPremiumGrowthLong:  new(big.Int),
		TwPremiumGrowthShort: new(big.Int),
		LastFundingUpdatedAt: now,
		LastObservedAt:       now,
		Observations:         make([]Observation, 0, observationCardinality),
		LastBlockNumber:      -1,
		NetTraderBase:        new(big.Int),
	}
	m.Observations = append(m.Observations, Observation{Timestamp: now, TickCumulative: 0})
	return m
}

// RecordObservation advances the tick integral to now and checkpoints it.
// Idempotent within a second.
func (m *Market) RecordObservation(now int64) {
	if now <= m.LastObservedAt {
		return
	}
	m.TickCumulative += int64(m.Tick) * (now - m.LastObservedAt)
	m.LastObservedAt = now

	obs := Observation{Timestamp: now, TickCumulative: m.TickCumulative}
	if len(m.Observations) < observationCardinality {
		m.Observations = append(m.Observations, obs)
	} else {
		// Overwrite the oldest slot.
		m.Observations[m.NextObservationIdx] = obs
		m.NextObservationIdx = (m.NextObservationIdx + 1) % observationCardinality
	}
}

// ObservationAtOrBefore returns the newest observation with
// Timestamp <= target, or false when the window has no coverage that far
// back.
func (m *Market) ObservationAtOrBefore(target int64) (Observation, bool) {
	best := Observation{}
	found := false
	for _, obs := range m.Observations {
		if obs.Timestamp <= target && (!found || obs.Timestamp > best.Timestamp) {
			best = obs
			found = true
		}
	}
	return best, found
}
