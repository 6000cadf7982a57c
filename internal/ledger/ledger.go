package ledger

import (
	"errors"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nftperp/internal/perpmath"
)

var (
	// ErrStaleFundingCheckpoint means a fill was applied to a position
	// whose funding checkpoint does not match the market accumulator.
	// Funding must always be settled before the fill; hitting this is a
	// sequencing bug in the caller, not a recoverable condition.
	ErrStaleFundingCheckpoint = errors.New("ledger: position funding checkpoint is stale")

	// ErrInsufficientLiquidityShare means a maker tried to remove more
	// liquidity than their recorded contribution.
	ErrInsufficientLiquidityShare = errors.New("ledger: removal exceeds maker liquidity share")
)

type positionKey struct {
	Trader   uuid.UUID
	MarketID string
}

// Ledger is the book of record for trader positions, maker liquidity
// contributions, and realized-but-unsettled PnL. It performs no pricing:
// fills arrive already priced and the ledger only conserves value.
type Ledger struct {
	mu sync.RWMutex

	positions     map[positionKey]*Position
	contributions map[positionKey]*LiquidityContribution
	owedRealized  map[positionKey]*big.Int

	log zerolog.Logger
}

func New(log zerolog.Logger) *Ledger {
	return &Ledger{
		positions:     make(map[positionKey]*Position),
		contributions: make(map[positionKey]*LiquidityContribution),
		owedRealized:  make(map[positionKey]*big.Int),
		log:           log,
	}
}

// GetPosition returns a copy of the trader's position in a market, or nil
// if the trader has never traded there (or is flat after a full close).
func (l *Ledger) GetPosition(trader uuid.UUID, marketID string) *Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos := l.positions[positionKey{Trader: trader, MarketID: marketID}]
	if pos == nil || pos.IsFlat() {
		return nil
	}
	return pos.Clone()
}

// PositionsOf returns copies of all open positions held by a trader.
func (l *Ledger) PositionsOf(trader uuid.UUID) []*Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Position
	for key, pos := range l.positions {
		if key.Trader == trader && !pos.IsFlat() {
			out = append(out, pos.Clone())
		}
	}
	return out
}

// OpenPositions returns copies of every open position in a market.
func (l *Ledger) OpenPositions(marketID string) []*Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Position
	for key, pos := range l.positions {
		if key.MarketID == marketID && !pos.IsFlat() {
			out = append(out, pos.Clone())
		}
	}
	return out
}

// AllPositions returns copies of every open position, for snapshots.
func (l *Ledger) AllPositions() []*Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Position
	for _, pos := range l.positions {
		if !pos.IsFlat() {
			out = append(out, pos.Clone())
		}
	}
	return out
}

// RestorePosition installs a position as-is, bypassing fill semantics.
// Used on warm start only, before any trading begins.
func (l *Ledger) RestorePosition(pos *Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.positions[positionKey{Trader: pos.Trader, MarketID: pos.MarketID}] = pos.Clone()
}

// OwedBalance is one account's unsettled realized PnL in a market.
type OwedBalance struct {
	Trader   uuid.UUID
	MarketID string
	Amount   *big.Int
}

// AllOwedRealized returns every nonzero unsettled realized-PnL balance.
func (l *Ledger) AllOwedRealized() []OwedBalance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []OwedBalance
	for key, owed := range l.owedRealized {
		if owed.Sign() != 0 {
			out = append(out, OwedBalance{
				Trader:   key.Trader,
				MarketID: key.MarketID,
				Amount:   new(big.Int).Set(owed),
			})
		}
	}
	return out
}

// RestoreOwed installs an unsettled realized-PnL balance. Warm start
// only, like RestorePosition.
func (l *Ledger) RestoreOwed(trader uuid.UUID, marketID string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addOwedLocked(positionKey{Trader: trader, MarketID: marketID}, amount)
}

// FillResult reports the position after a fill together with the PnL
// realized by any closed portion.
type FillResult struct {
	Position    *Position
	RealizedPnl *big.Int
}

// ApplyFill applies a signed (baseDelta, quoteDelta) fill to the trader's
// position. The open notional is size-weighted: increasing a position
// accumulates quote at the fill price, reducing one realizes
// quoteDelta plus the proportional share of the average entry notional
// and leaves the average entry untouched. A fill larger than the open
// size closes it fully and opens the remainder in the other direction.
//
// growthLong and growthShort are the market's current premium
// accumulators; the position's funding checkpoint must match the one for
// its side or the fill is rejected with ErrStaleFundingCheckpoint.
// Realized PnL is credited to the trader's owed balance.
func (l *Ledger) ApplyFill(trader uuid.UUID, marketID string, baseDelta, quoteDelta, growthLong, growthShort *big.Int) (*FillResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := positionKey{Trader: trader, MarketID: marketID}
	pos := l.positions[key]
	if pos == nil {
		pos = &Position{
			Trader:              trader,
			MarketID:            marketID,
			BaseBalance:         new(big.Int),
			QuoteBalance:        new(big.Int),
			LastTwPremiumGrowth: new(big.Int).Set(growthFor(1, growthLong, growthShort)),
		}
		l.positions[key] = pos
	}

	if !pos.IsFlat() {
		expected := growthFor(pos.SideSign(), growthLong, growthShort)
		if pos.LastTwPremiumGrowth.Cmp(expected) != 0 {
			return nil, ErrStaleFundingCheckpoint
		}
	}

	realized := new(big.Int)
	oldBase := new(big.Int).Set(pos.BaseBalance)

	switch {
	case oldBase.Sign() == 0 || oldBase.Sign() == baseDelta.Sign():
		// Opening or increasing: accumulate notional at fill price.
		pos.BaseBalance.Add(pos.BaseBalance, baseDelta)
		pos.QuoteBalance.Add(pos.QuoteBalance, quoteDelta)

	case new(big.Int).Abs(baseDelta).Cmp(new(big.Int).Abs(oldBase)) <= 0:
		// Reducing: realize the closed share of the entry notional.
		closedNotional := new(big.Int).Mul(pos.QuoteBalance, new(big.Int).Abs(baseDelta))
		closedNotional.Quo(closedNotional, new(big.Int).Abs(oldBase))

		realized.Add(quoteDelta, closedNotional)
		pos.BaseBalance.Add(pos.BaseBalance, baseDelta)
		pos.QuoteBalance.Sub(pos.QuoteBalance, closedNotional)

		if pos.BaseBalance.Sign() == 0 {
			// Sweep any rounding residue so a flat position carries
			// exactly zero notional.
			realized.Add(realized, pos.QuoteBalance)
			pos.QuoteBalance.SetInt64(0)
		}

	default:
		// Flipping: close the whole open size, open the remainder at the
		// fill's proportional notional.
		closeQuote := new(big.Int).Mul(quoteDelta, new(big.Int).Abs(oldBase))
		closeQuote.Quo(closeQuote, new(big.Int).Abs(baseDelta))

		realized.Add(closeQuote, pos.QuoteBalance)
		pos.BaseBalance.Add(pos.BaseBalance, baseDelta)
		pos.QuoteBalance.Sub(quoteDelta, closeQuote)
	}

	pos.LastTwPremiumGrowth.Set(growthFor(pos.SideSign(), growthLong, growthShort))
	pos.Version++

	if realized.Sign() != 0 {
		l.addOwedLocked(key, realized)
	}

	l.log.Debug().
		Str("trader", trader.String()).
		Str("market", marketID).
		Str("base_delta", baseDelta.String()).
		Str("quote_delta", quoteDelta.String()).
		Str("realized_pnl", realized.String()).
		Msg("fill applied")

	return &FillResult{Position: pos.Clone(), RealizedPnl: realized}, nil
}

// SettleFunding charges or credits pending funding against the trader's
// owed balance and advances the position's checkpoint to the current
// accumulator. Returns the payment made (positive = the trader paid).
// Safe to call on flat or missing positions.
func (l *Ledger) SettleFunding(trader uuid.UUID, marketID string, growthLong, growthShort *big.Int) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := positionKey{Trader: trader, MarketID: marketID}
	pos := l.positions[key]
	if pos == nil || pos.IsFlat() {
		if pos != nil {
			pos.LastTwPremiumGrowth.Set(growthFor(1, growthLong, growthShort))
		}
		return new(big.Int)
	}

	growth := growthFor(pos.SideSign(), growthLong, growthShort)
	delta := new(big.Int).Sub(growth, pos.LastTwPremiumGrowth)
	payment := perpmath.FundingPayment(pos.BaseBalance, delta)

	pos.LastTwPremiumGrowth.Set(growth)
	pos.Version++

	if payment.Sign() != 0 {
		l.addOwedLocked(key, new(big.Int).Neg(payment))
	}
	return payment
}

// ModifyOwedRealizedPnl adjusts the trader's realized-but-unsettled PnL
// for a market by a signed delta. Fees, funding, and liquidation
// penalties all flow through here before vault settlement.
func (l *Ledger) ModifyOwedRealizedPnl(trader uuid.UUID, marketID string, delta *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addOwedLocked(positionKey{Trader: trader, MarketID: marketID}, delta)
}

// OwedRealizedPnl returns the trader's unsettled realized PnL in a market.
func (l *Ledger) OwedRealizedPnl(trader uuid.UUID, marketID string) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	owed := l.owedRealized[positionKey{Trader: trader, MarketID: marketID}]
	if owed == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(owed)
}

// TakeOwedRealizedPnl zeroes and returns the trader's unsettled realized
// PnL, for transfer into the vault.
func (l *Ledger) TakeOwedRealizedPnl(trader uuid.UUID, marketID string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := positionKey{Trader: trader, MarketID: marketID}
	owed := l.owedRealized[key]
	if owed == nil {
		return new(big.Int)
	}
	delete(l.owedRealized, key)
	return owed
}

func (l *Ledger) addOwedLocked(key positionKey, delta *big.Int) {
	owed := l.owedRealized[key]
	if owed == nil {
		owed = new(big.Int)
		l.owedRealized[key] = owed
	}
	owed.Add(owed, delta)
}

// growthFor picks the premium accumulator a position of the given sign
// checkpoints against. Flat positions checkpoint the long side.
func growthFor(sideSign int, growthLong, growthShort *big.Int) *big.Int {
	if sideSign < 0 {
		return growthShort
	}
	return growthLong
}
