package market

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"nftperp/internal/perpmath"
)

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), perpmath.Wad)
}

func TestCreateMarket(t *testing.T) {
	r := NewRegistry(DefaultParams())
	creator := uuid.New()

	m, err := r.CreateMarket("vBAYC", "0xbc4c", creator, wad(64), 1000)
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	if m.Status != StatusOpen {
		t.Errorf("status = %s, want Open", m.Status)
	}
	if m.IsIsolated {
		t.Error("global market flagged isolated")
	}

	// Sqrt price should round-trip back near the init price.
	price := perpmath.PriceFromSqrtPriceX96(m.SqrtPriceX96)
	diff := new(big.Int).Abs(new(big.Int).Sub(price, wad(64)))
	if diff.Cmp(wad(1)) > 0 {
		t.Errorf("round-trip price %s too far from 64e18", price)
	}

	if _, err := r.CreateMarket("vBAYC", "0xbc4c", creator, wad(64), 1000); err == nil {
		t.Error("duplicate market id accepted")
	}
}

func TestGet_UnknownMarket(t *testing.T) {
	r := NewRegistry(DefaultParams())
	if _, err := r.Get("vNONE"); !errors.Is(err, ErrMarketNotFound) {
		t.Errorf("err = %v, want ErrMarketNotFound", err)
	}
}

func TestParamsFor_OverrideWinsForIsolatedPool(t *testing.T) {
	r := NewRegistry(DefaultParams())
	creator := uuid.New()

	if _, err := r.CreateIsolatedPool("vPUNK", "0xb47e", creator, wad(40), 1000); err != nil {
		t.Fatalf("CreateIsolatedPool: %v", err)
	}

	p := r.Global()
	p.ImRatio = 200_000
	r.SetOverride("vPUNK", p)

	if got := r.ParamsFor("vPUNK").ImRatio; got != 200_000 {
		t.Errorf("override ImRatio = %d, want 200000", got)
	}
	if got := r.ParamsFor("vOTHER").ImRatio; got != DefaultParams().ImRatio {
		t.Errorf("global ImRatio leaked override: %d", got)
	}
}

func TestClose_TerminalState(t *testing.T) {
	r := NewRegistry(DefaultParams())
	if _, err := r.CreateMarket("vBAYC", "0xbc4c", uuid.New(), wad(64), 1000); err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}

	if err := r.Close("vBAYC"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	m, _ := r.Get("vBAYC")
	if m.Status != StatusClosed {
		t.Errorf("status = %s, want Closed", m.Status)
	}
	if err := r.Close("vBAYC"); err == nil {
		t.Error("closing twice should fail")
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusUninitialized, StatusOpen, true},
		{StatusOpen, StatusSwapping, true},
		{StatusOpen, StatusRepegging, true},
		{StatusOpen, StatusClosed, true},
		{StatusSwapping, StatusOpen, true},
		{StatusSwapping, StatusClosed, false},
		{StatusRepegging, StatusOpen, true},
		{StatusClosed, StatusOpen, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
