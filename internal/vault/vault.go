package vault

import (
	"errors"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInsufficientBalance rejects withdrawals and transfers exceeding the
// account balance.
var ErrInsufficientBalance = errors.New("vault: insufficient balance")

// ErrNonPositiveAmount rejects zero or negative deposit and withdrawal
// amounts.
var ErrNonPositiveAmount = errors.New("vault: amount must be positive")

// Vault maintains in-memory collateral balances, 18-decimal fixed point.
// Deposits and withdrawals are user actions and never drive a balance
// negative; PnL settlement is signed and may, leaving bad debt visible
// for the clearing house to socialize.
type Vault struct {
	mu       sync.RWMutex
	balances map[uuid.UUID]*big.Int
	log      zerolog.Logger
}

func New(log zerolog.Logger) *Vault {
	return &Vault{
		balances: make(map[uuid.UUID]*big.Int),
		log:      log,
	}
}

// Deposit credits collateral to a trader.
func (v *Vault) Deposit(trader uuid.UUID, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return ErrNonPositiveAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.creditLocked(trader, amount)

	v.log.Debug().Str("trader", trader.String()).Str("amount", amount.String()).Msg("deposit")
	return nil
}

// Withdraw debits collateral from a trader. The free-collateral check
// against open positions is the caller's responsibility; the vault only
// refuses to pay out more than is on deposit.
func (v *Vault) Withdraw(trader uuid.UUID, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return ErrNonPositiveAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	bal := v.balances[trader]
	if bal == nil || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)

	v.log.Debug().Str("trader", trader.String()).Str("amount", amount.String()).Msg("withdrawal")
	return nil
}

// SettlePnl applies a signed PnL delta to a trader's balance.
func (v *Vault) SettlePnl(trader uuid.UUID, delta *big.Int) {
	if delta.Sign() == 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.creditLocked(trader, delta)
}

// Transfer moves collateral between two accounts.
func (v *Vault) Transfer(from, to uuid.UUID, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return ErrNonPositiveAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	bal := v.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	v.creditLocked(to, amount)
	return nil
}

// GetBalance returns a trader's collateral balance. Satisfies the
// ledger's CollateralProvider.
func (v *Vault) GetBalance(trader uuid.UUID) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	bal := v.balances[trader]
	if bal == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(bal)
}

// Balances returns a copy of every account balance, for snapshots.
func (v *Vault) Balances() map[uuid.UUID]*big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make(map[uuid.UUID]*big.Int, len(v.balances))
	for trader, bal := range v.balances {
		out[trader] = new(big.Int).Set(bal)
	}
	return out
}

// TotalBalance sums every account, for conservation checks.
func (v *Vault) TotalBalance() *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()

	total := new(big.Int)
	for _, bal := range v.balances {
		total.Add(total, bal)
	}
	return total
}

func (v *Vault) creditLocked(trader uuid.UUID, delta *big.Int) {
	bal := v.balances[trader]
	if bal == nil {
		bal = new(big.Int)
		v.balances[trader] = bal
	}
	bal.Add(bal, delta)
}
