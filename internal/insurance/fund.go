package insurance

import (
	"errors"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrInsufficientFund means a spend exceeded the market's available
	// fund. Callers that can degrade (partial repeg) use SpendUpTo
	// instead.
	ErrInsufficientFund = errors.New("insurance: fund cannot cover amount")

	// ErrInsufficientShares rejects a redemption beyond the
	// contributor's recorded shares.
	ErrInsufficientShares = errors.New("insurance: redemption exceeds contributor shares")
)

// marketFund holds one market's backstop. Contributors hold shares
// proportional to what they put in; swap-fee income accumulates as
// pending fees and is folded into the shared pool whenever shares change
// hands, so joiners never claim fees earned before them.
type marketFund struct {
	shares      map[uuid.UUID]*big.Int
	totalShares *big.Int

	principal  *big.Int
	sharedFee  *big.Int
	pendingFee *big.Int
}

func newMarketFund() *marketFund {
	return &marketFund{
		shares:      make(map[uuid.UUID]*big.Int),
		totalShares: new(big.Int),
		principal:   new(big.Int),
		sharedFee:   new(big.Int),
		pendingFee:  new(big.Int),
	}
}

// Fund is the per-market insurance backstop: it absorbs liquidation
// deficits and finances repegs, funded by contributor deposits and a
// share of swap fees.
type Fund struct {
	mu      sync.RWMutex
	markets map[string]*marketFund
	log     zerolog.Logger
}

func New(log zerolog.Logger) *Fund {
	return &Fund{
		markets: make(map[string]*marketFund),
		log:     log,
	}
}

// Contribute adds principal to a market's fund, minting shares one to
// one with the amount. Pending fees are distributed first.
func (f *Fund) Contribute(marketID string, account uuid.UUID, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	mf := f.marketLocked(marketID)
	mf.distribute()

	share := mf.shares[account]
	if share == nil {
		share = new(big.Int)
		mf.shares[account] = share
	}
	share.Add(share, amount)
	mf.totalShares.Add(mf.totalShares, amount)
	mf.principal.Add(mf.principal, amount)
}

// CollectFee credits swap-fee income to a market's fund.
func (f *Fund) CollectFee(marketID string, amount *big.Int) {
	if amount.Sign() <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	mf := f.marketLocked(marketID)
	mf.pendingFee.Add(mf.pendingFee, amount)
}

// Available returns the total a market's fund can spend.
func (f *Fund) Available(marketID string) *big.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	mf := f.markets[marketID]
	if mf == nil {
		return new(big.Int)
	}
	total := new(big.Int).Add(mf.principal, mf.sharedFee)
	return total.Add(total, mf.pendingFee)
}

// AvailableFor returns a contributor's pro-rata claim on a market's fund
// as (principal balance, shared fee, pending fee).
func (f *Fund) AvailableFor(marketID string, account uuid.UUID) (balance, sharedFee, pendingFee *big.Int) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	balance, sharedFee, pendingFee = new(big.Int), new(big.Int), new(big.Int)
	mf := f.markets[marketID]
	if mf == nil || mf.totalShares.Sign() == 0 {
		return balance, sharedFee, pendingFee
	}
	share := mf.shares[account]
	if share == nil || share.Sign() == 0 {
		return balance, sharedFee, pendingFee
	}

	balance.Mul(mf.principal, share).Quo(balance, mf.totalShares)
	sharedFee.Mul(mf.sharedFee, share).Quo(sharedFee, mf.totalShares)
	pendingFee.Mul(mf.pendingFee, share).Quo(pendingFee, mf.totalShares)
	return balance, sharedFee, pendingFee
}

// Spend draws the full amount from a market's fund or fails without
// drawing anything.
func (f *Fund) Spend(marketID string, amount *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	mf := f.markets[marketID]
	if mf == nil || mf.available().Cmp(amount) < 0 {
		return ErrInsufficientFund
	}
	mf.draw(amount)

	f.log.Info().Str("market", marketID).Str("amount", amount.String()).Msg("insurance fund spend")
	return nil
}

// SpendUpTo draws as much of amount as the fund holds and returns what
// was actually drawn.
func (f *Fund) SpendUpTo(marketID string, amount *big.Int) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()

	mf := f.markets[marketID]
	if mf == nil {
		return new(big.Int)
	}
	spend := new(big.Int).Set(amount)
	if avail := mf.available(); spend.Cmp(avail) > 0 {
		spend.Set(avail)
	}
	if spend.Sign() > 0 {
		mf.draw(spend)
		f.log.Info().Str("market", marketID).Str("amount", spend.String()).Msg("insurance fund spend")
	}
	return spend
}

// Redeem burns a contributor's shares and returns their pro-rata payout
// of principal plus fees.
func (f *Fund) Redeem(marketID string, account uuid.UUID, shareAmount *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	mf := f.markets[marketID]
	if mf == nil {
		return nil, ErrInsufficientShares
	}
	share := mf.shares[account]
	if share == nil || share.Cmp(shareAmount) < 0 {
		return nil, ErrInsufficientShares
	}
	mf.distribute()

	payout := new(big.Int).Add(mf.principal, mf.sharedFee)
	payout.Mul(payout, shareAmount)
	payout.Quo(payout, mf.totalShares)

	share.Sub(share, shareAmount)
	mf.totalShares.Sub(mf.totalShares, shareAmount)
	mf.draw(payout)
	return payout, nil
}

// State is one market's serializable fund state, for snapshots.
type State struct {
	Shares      map[uuid.UUID]*big.Int
	TotalShares *big.Int
	Principal   *big.Int
	SharedFee   *big.Int
	PendingFee  *big.Int
}

// Export returns a deep copy of every market's fund state.
func (f *Fund) Export() map[string]*State {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[string]*State, len(f.markets))
	for marketID, mf := range f.markets {
		st := &State{
			Shares:      make(map[uuid.UUID]*big.Int, len(mf.shares)),
			TotalShares: new(big.Int).Set(mf.totalShares),
			Principal:   new(big.Int).Set(mf.principal),
			SharedFee:   new(big.Int).Set(mf.sharedFee),
			PendingFee:  new(big.Int).Set(mf.pendingFee),
		}
		for account, share := range mf.shares {
			st.Shares[account] = new(big.Int).Set(share)
		}
		out[marketID] = st
	}
	return out
}

// Restore replaces the fund's state with an exported copy. Used on
// warm start only, before any trading begins.
func (f *Fund) Restore(states map[string]*State) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.markets = make(map[string]*marketFund, len(states))
	for marketID, st := range states {
		mf := newMarketFund()
		mf.totalShares.Set(st.TotalShares)
		mf.principal.Set(st.Principal)
		mf.sharedFee.Set(st.SharedFee)
		mf.pendingFee.Set(st.PendingFee)
		for account, share := range st.Shares {
			mf.shares[account] = new(big.Int).Set(share)
		}
		f.markets[marketID] = mf
	}
}

func (f *Fund) marketLocked(marketID string) *marketFund {
	mf := f.markets[marketID]
	if mf == nil {
		mf = newMarketFund()
		f.markets[marketID] = mf
	}
	return mf
}

func (mf *marketFund) available() *big.Int {
	total := new(big.Int).Add(mf.principal, mf.sharedFee)
	return total.Add(total, mf.pendingFee)
}

// distribute folds pending fees into the shared pool.
func (mf *marketFund) distribute() {
	if mf.totalShares.Sign() == 0 {
		return
	}
	mf.sharedFee.Add(mf.sharedFee, mf.pendingFee)
	mf.pendingFee.SetInt64(0)
}

// draw removes amount from the fund, fees first, then principal.
func (mf *marketFund) draw(amount *big.Int) {
	rem := new(big.Int).Set(amount)
	for _, pool := range []*big.Int{mf.pendingFee, mf.sharedFee, mf.principal} {
		if rem.Sign() == 0 {
			break
		}
		take := new(big.Int).Set(rem)
		if take.Cmp(pool) > 0 {
			take.Set(pool)
		}
		pool.Sub(pool, take)
		rem.Sub(rem, take)
	}
}
