package insurance

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestContributeAndFeeShares(t *testing.T) {
	f := New(zerolog.Nop())
	alice, bob := uuid.New(), uuid.New()

	f.Contribute("bayc", alice, big.NewInt(100))
	f.CollectFee("bayc", big.NewInt(10))

	// Bob joins after the fee accrued: the pending pool is folded into
	// alice's shared claim first.
	f.Contribute("bayc", bob, big.NewInt(100))

	if got := f.Available("bayc"); got.Cmp(big.NewInt(210)) != 0 {
		t.Fatalf("available = %s, want 210", got)
	}

	balance, sharedFee, pendingFee := f.AvailableFor("bayc", alice)
	if balance.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("alice balance = %s, want 100", balance)
	}
	if sharedFee.Cmp(big.NewInt(5)) != 0 {
		t.Errorf("alice shared fee = %s, want 5", sharedFee)
	}
	if pendingFee.Sign() != 0 {
		t.Errorf("alice pending fee = %s, want 0", pendingFee)
	}

	f.CollectFee("bayc", big.NewInt(4))
	_, _, pendingFee = f.AvailableFor("bayc", bob)
	if pendingFee.Cmp(big.NewInt(2)) != 0 {
		t.Errorf("bob pending fee = %s, want 2", pendingFee)
	}
}

func TestSpend(t *testing.T) {
	f := New(zerolog.Nop())
	alice := uuid.New()
	f.Contribute("bayc", alice, big.NewInt(100))
	f.CollectFee("bayc", big.NewInt(10))

	if err := f.Spend("bayc", big.NewInt(111)); !errors.Is(err, ErrInsufficientFund) {
		t.Fatalf("overspend: err = %v, want ErrInsufficientFund", err)
	}
	if err := f.Spend("bayc", big.NewInt(50)); err != nil {
		t.Fatalf("Spend: %v", err)
	}
	// Fees drain before principal.
	balance, _, _ := f.AvailableFor("bayc", alice)
	if balance.Cmp(big.NewInt(60)) != 0 {
		t.Errorf("principal after spend = %s, want 60", balance)
	}

	spent := f.SpendUpTo("bayc", big.NewInt(1000))
	if spent.Cmp(big.NewInt(60)) != 0 {
		t.Errorf("partial spend = %s, want 60", spent)
	}
	if got := f.Available("bayc"); got.Sign() != 0 {
		t.Errorf("available after drain = %s, want 0", got)
	}
}

func TestRedeem(t *testing.T) {
	f := New(zerolog.Nop())
	alice := uuid.New()
	f.Contribute("bayc", alice, big.NewInt(100))
	f.CollectFee("bayc", big.NewInt(10))

	payout, err := f.Redeem("bayc", alice, big.NewInt(50))
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if payout.Cmp(big.NewInt(55)) != 0 {
		t.Errorf("payout = %s, want 55", payout)
	}
	if got := f.Available("bayc"); got.Cmp(big.NewInt(55)) != 0 {
		t.Errorf("remaining = %s, want 55", got)
	}

	if _, err := f.Redeem("bayc", alice, big.NewInt(51)); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("over-redeem: err = %v, want ErrInsufficientShares", err)
	}
}

func TestUnknownMarketIsEmpty(t *testing.T) {
	f := New(zerolog.Nop())
	if got := f.Available("nope"); got.Sign() != 0 {
		t.Errorf("available = %s, want 0", got)
	}
	if spent := f.SpendUpTo("nope", big.NewInt(5)); spent.Sign() != 0 {
		t.Errorf("spent = %s, want 0", spent)
	}
}
