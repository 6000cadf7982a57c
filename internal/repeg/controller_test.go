package repeg

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nftperp/internal/amm"
	"nftperp/internal/market"
	"nftperp/internal/perpmath"
)

func wad(t *testing.T, s string) *big.Int {
	t.Helper()
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		t.Fatalf("bad rational %q", s)
	}
	out := new(big.Int).Mul(r.Num(), perpmath.Wad)
	return out.Quo(out, r.Denom())
}

type fakeFund struct {
	available *big.Int
	spent     *big.Int
	collected *big.Int
}

func newFakeFund(available *big.Int) *fakeFund {
	return &fakeFund{available: available, spent: new(big.Int), collected: new(big.Int)}
}

func (f *fakeFund) SpendUpTo(_ string, amount *big.Int) *big.Int {
	spend := new(big.Int).Set(amount)
	if spend.Cmp(f.available) > 0 {
		spend.Set(f.available)
	}
	f.available.Sub(f.available, spend)
	f.spent.Add(f.spent, spend)
	return spend
}

func (f *fakeFund) CollectFee(_ string, amount *big.Int) {
	f.available.Add(f.available, amount)
	f.collected.Add(f.collected, amount)
}

type fakeIndex map[string]*big.Int

func (f fakeIndex) GetIndexPrice(marketID string) (*big.Int, error) {
	p, ok := f[marketID]
	if !ok {
		return nil, errors.New("no index")
	}
	return p, nil
}

func newTestController(t *testing.T, price string, fund *fakeFund, index fakeIndex) (*Controller, *market.Market) {
	t.Helper()
	params := market.DefaultParams()
	params.DurationRepegOverPriceSpread = 3600
	registry := market.NewRegistry(params)

	m, err := registry.CreateMarket("vBAYC", "0xbayc", uuid.New(), wad(t, price), 1_000)
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	m.Liquidity = wad(t, "120")

	engine := amm.NewEngine(zerolog.Nop())
	return NewController(registry, engine, fund, index, zerolog.Nop()), m
}

func priceDiff(a, b *big.Int) *big.Int {
	return new(big.Int).Abs(new(big.Int).Sub(a, b))
}

func TestIsAbleRepeg_Thresholds(t *testing.T) {
	fund := newFakeFund(wad(t, "1000"))
	index := fakeIndex{"vBAYC": wad(t, "64")}
	c, m := newTestController(t, "64", fund, index)

	// No spread at all.
	able, err := c.IsAbleRepeg(m, 100_000)
	if err != nil {
		t.Fatalf("IsAbleRepeg: %v", err)
	}
	if able {
		t.Error("repeg allowed with zero spread")
	}

	// ~6.25% spread, above the unhealthy 5%.
	index["vBAYC"] = wad(t, "60")
	able, err = c.IsAbleRepeg(m, 100_000)
	if err != nil {
		t.Fatalf("IsAbleRepeg: %v", err)
	}
	if !able {
		t.Error("repeg blocked despite unhealthy spread")
	}

	// Same spread inside the rate-limit window.
	m.LastRepegTimestamp = 99_000
	able, err = c.IsAbleRepeg(m, 100_000)
	if err != nil {
		t.Fatalf("IsAbleRepeg: %v", err)
	}
	if able {
		t.Error("repeg allowed inside rate-limit window")
	}
}

func TestRepeg_MovesPriceToIndexAndChargesFund(t *testing.T) {
	fund := newFakeFund(wad(t, "1000"))
	index := fakeIndex{"vBAYC": wad(t, "64")}
	c, m := newTestController(t, "60", fund, index)
	m.NetTraderBase = wad(t, "2")

	res, err := c.Repeg(m, 100_000)
	if err != nil {
		t.Fatalf("Repeg: %v", err)
	}
	if !res.Executed || res.Partial {
		t.Fatalf("executed=%v partial=%v, want full execution", res.Executed, res.Partial)
	}

	newPrice := perpmath.PriceFromSqrtPriceX96(m.SqrtPriceX96)
	if diff := priceDiff(newPrice, wad(t, "64")); diff.Cmp(big.NewInt(1_000_000)) > 0 {
		t.Errorf("price after repeg = %s, want ~64", newPrice)
	}
	// Net long 2 gained ~4 per unit: the fund paid ~8.
	if diff := priceDiff(fund.spent, wad(t, "8")); diff.Cmp(wad(t, "0.0001")) > 0 {
		t.Errorf("fund spent %s, want ~8", fund.spent)
	}
	if m.LastRepegTimestamp != 100_000 {
		t.Errorf("lastRepegTimestamp = %d, want 100000", m.LastRepegTimestamp)
	}
	if m.Status != market.StatusOpen {
		t.Errorf("status after repeg = %v, want Open", m.Status)
	}
}

func TestRepeg_NetShortCreditsFund(t *testing.T) {
	fund := newFakeFund(wad(t, "1000"))
	index := fakeIndex{"vBAYC": wad(t, "64")}
	c, m := newTestController(t, "60", fund, index)
	m.NetTraderBase = wad(t, "-2")

	res, err := c.Repeg(m, 100_000)
	if err != nil {
		t.Fatalf("Repeg: %v", err)
	}
	if !res.Executed {
		t.Fatal("repeg did not execute")
	}
	if fund.spent.Sign() != 0 {
		t.Errorf("fund spent %s on a trader-losing move", fund.spent)
	}
	if diff := priceDiff(fund.collected, wad(t, "8")); diff.Cmp(wad(t, "0.0001")) > 0 {
		t.Errorf("fund collected %s, want ~8", fund.collected)
	}
}

func TestRepeg_PartialWhenFundThin(t *testing.T) {
	fund := newFakeFund(wad(t, "4"))
	index := fakeIndex{"vBAYC": wad(t, "64")}
	c, m := newTestController(t, "60", fund, index)
	m.NetTraderBase = wad(t, "2")

	res, err := c.Repeg(m, 100_000)
	if err != nil {
		t.Fatalf("Repeg: %v", err)
	}
	if !res.Executed || !res.Partial {
		t.Fatalf("executed=%v partial=%v, want partial execution", res.Executed, res.Partial)
	}

	// 4 quote finances a move of 2 per unit: price lands near 62.
	newPrice := perpmath.PriceFromSqrtPriceX96(m.SqrtPriceX96)
	if diff := priceDiff(newPrice, wad(t, "62")); diff.Cmp(wad(t, "0.0001")) > 0 {
		t.Errorf("price after partial repeg = %s, want ~62", newPrice)
	}
	if diff := priceDiff(fund.spent, wad(t, "4")); diff.Cmp(wad(t, "0.0001")) > 0 {
		t.Errorf("fund spent %s, want ~4", fund.spent)
	}
	// The bounded move settles exactly its own cost: whatever the
	// truncated price walk did not consume flows back.
	outlay := new(big.Int).Sub(fund.spent, fund.collected)
	if outlay.Cmp(res.Cost) != 0 {
		t.Errorf("net fund outlay = %s, want cost %s", outlay, res.Cost)
	}
}

func TestRepeg_EmptyFundDefers(t *testing.T) {
	fund := newFakeFund(new(big.Int))
	index := fakeIndex{"vBAYC": wad(t, "64")}
	c, m := newTestController(t, "60", fund, index)
	m.NetTraderBase = wad(t, "2")

	before := new(big.Int).Set(m.SqrtPriceX96)
	_, err := c.Repeg(m, 100_000)
	if !errors.Is(err, ErrInsufficientInsuranceFund) {
		t.Fatalf("err = %v, want ErrInsufficientInsuranceFund", err)
	}
	if m.SqrtPriceX96.Cmp(before) != 0 {
		t.Error("price moved despite empty fund")
	}
}

func TestRepeg_SecondCallIsNoOp(t *testing.T) {
	fund := newFakeFund(wad(t, "1000"))
	index := fakeIndex{"vBAYC": wad(t, "64")}
	c, m := newTestController(t, "60", fund, index)
	m.NetTraderBase = wad(t, "2")

	res, err := c.Repeg(m, 100_000)
	if err != nil || !res.Executed {
		t.Fatalf("first repeg: executed=%v err=%v", res.Executed, err)
	}

	spentBefore := new(big.Int).Set(fund.spent)
	res, err = c.Repeg(m, 100_000)
	if err != nil {
		t.Fatalf("second repeg: %v", err)
	}
	if res.Executed {
		t.Error("second repeg executed with no elapsed time")
	}
	if fund.spent.Cmp(spentBefore) != 0 {
		t.Errorf("second repeg spent %s more", new(big.Int).Sub(fund.spent, spentBefore))
	}
}
