package market

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"

	"nftperp/internal/perpmath"
)

// Params is the per-market configuration the clearing core reads.
// All ratios are ppm (denominator 1e6).
type Params struct {
	InsuranceFundFeeRatio uint32 // taker fee share routed to the insurance fund
	PlatformFundFeeRatio  uint32 // taker fee share routed to the platform fund
	MakerFeeRatio         uint32 // taker fee share distributed to liquidity makers
	CreatorFeeRatio       uint32 // taker fee share routed to the pool creator (isolated pools)

	// Margin fractions.
	ImRatio uint32 // initial margin, gates exposure-increasing trades
	MmRatio uint32 // maintenance margin, liquidation threshold

	LiquidationPenaltyRatio uint32 // charged on liquidated notional, paid to the liquidator

	// Repeg control.
	OptimalDeltaTwapRatio        uint32 // below this spread no correction is needed
	UnhealthyDeltaTwapRatio      uint32 // at or above this spread repeg fires once the duration elapsed
	DurationRepegOverPriceSpread int64  // seconds between repegs

	// Funding.
	OptimalFundingRatio uint32 // caps |premium| at this fraction of index price
	TwapInterval        int64  // seconds of mark TWAP used for funding and repeg

	MaxTickCrossedPerBlock int

	MinPoolLiquidity *big.Int
	MaxPoolLiquidity *big.Int
}

// DefaultParams mirrors the protocol's global configuration.
func DefaultParams() Params {
	return Params{
		InsuranceFundFeeRatio:        500,     // 0.05%
		PlatformFundFeeRatio:         2000,    // 0.2%
		MakerFeeRatio:                2500,    // 0.25%
		CreatorFeeRatio:              500,     // 0.05%, isolated pools only
		ImRatio:                      100_000, // 10% (10x leverage)
		MmRatio:                      62_500,  // 6.25%
		LiquidationPenaltyRatio:      25_000,  // 2.5%
		OptimalDeltaTwapRatio:        30_000,  // 3%
		UnhealthyDeltaTwapRatio:      50_000,  // 5%
		DurationRepegOverPriceSpread: 4 * 3600,
		OptimalFundingRatio:          250_000, // 25%
		TwapInterval:                 900,
		MaxTickCrossedPerBlock:       1000,
		MinPoolLiquidity:             new(big.Int).Mul(big.NewInt(10), perpmath.Wad),
		MaxPoolLiquidity:             new(big.Int).Mul(big.NewInt(1_000_000), perpmath.Wad),
	}
}

// Registry holds every market plus the global parameter set. It is the
// core's read-only config provider; mutation happens only through market
// creation and the administrative setters.
type Registry struct {
	mu      sync.RWMutex
	global  Params
	markets map[string]*Market
	// per-market overrides for isolated pools
	overrides map[string]Params
}

func NewRegistry(global Params) *Registry {
	return &Registry{
		global:    global,
		markets:   make(map[string]*Market),
		overrides: make(map[string]Params),
	}
}

// ErrMarketNotFound covers lookups of unknown market IDs.
var ErrMarketNotFound = fmt.Errorf("market: not found")

// CreateMarket registers a global-parameter market at the given initial
// 18-dec price.
func (r *Registry) CreateMarket(id, nftAddr string, creator uuid.UUID, initPrice *big.Int, now int64) (*Market, error) {
	return r.create(id, nftAddr, creator, initPrice, false, now)
}

// CreateIsolatedPool registers a market created independently of the
// shared parameters, with its own liquidity bootstrap and a creator fee
// share.
func (r *Registry) CreateIsolatedPool(id, nftAddr string, creator uuid.UUID, initPrice *big.Int, now int64) (*Market, error) {
	return r.create(id, nftAddr, creator, initPrice, true, now)
}

func (r *Registry) create(id, nftAddr string, creator uuid.UUID, initPrice *big.Int, isolated bool, now int64) (*Market, error) {
	sqrtP, err := perpmath.SqrtPriceX96FromPrice(initPrice)
	if err != nil {
		return nil, fmt.Errorf("market %s: bad init price: %w", id, err)
	}
	tick := perpmath.TickAtSqrtPrice(sqrtP)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.markets[id]; ok {
		return nil, fmt.Errorf("market %s: already exists", id)
	}
	m := New(id, nftAddr, creator, sqrtP, tick, isolated, now)
	r.markets[id] = m
	return m, nil
}

// Get returns the market by ID.
func (r *Registry) Get(id string) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[id]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return m, nil
}

// ParamsFor returns the effective parameter set for a market.
func (r *Registry) ParamsFor(id string) Params {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.overrides[id]; ok {
		return p
	}
	return r.global
}

// Global returns the global parameter set.
func (r *Registry) Global() Params {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global
}

// SetOverride installs per-market parameters (isolated pools).
func (r *Registry) SetOverride(id string, p Params) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[id] = p
}

// SetGlobal replaces the global parameter set.
func (r *Registry) SetGlobal(p Params) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = p
}

// All returns every registered market.
func (r *Registry) All() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	return out
}

// Close disables new trades on a market. History persists.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.markets[id]
	if !ok {
		return ErrMarketNotFound
	}
	if !m.Status.CanTransitionTo(StatusClosed) {
		return fmt.Errorf("market %s: cannot close from %s", id, m.Status)
	}
	m.Status = StatusClosed
	return nil
}
