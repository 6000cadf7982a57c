package amm_test

import (
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nftperp/internal/amm"
	"nftperp/internal/market"
	"nftperp/internal/perpmath"
)

func wad(s string) *big.Int {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		panic("bad decimal: " + s)
	}
	r.Mul(r, new(big.Rat).SetInt(perpmath.Wad))
	return new(big.Int).Quo(r.Num(), r.Denom())
}

func newTestMarket(t *testing.T, price string, liquidity string) (*amm.Engine, *market.Market) {
	t.Helper()
	reg := market.NewRegistry(market.DefaultParams())
	m, err := reg.CreateMarket("vBAYC", "0xbayc", uuid.New(), wad(price), 1_000)
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	e := amm.NewEngine(zerolog.Nop())
	if liquidity != "" {
		if _, _, err := e.AddLiquidity(m, wad(liquidity), nil, 1_000); err != nil {
			t.Fatalf("add liquidity: %v", err)
		}
	}
	return e, m
}

func TestEstimateSwap_NoStateMutation(t *testing.T) {
	e, m := newTestMarket(t, "63.86", "120.93")
	before := new(big.Int).Set(m.SqrtPriceX96)

	_, err := e.EstimateSwap(m, amm.SwapParams{
		IsBaseToQuote: true,
		IsExactInput:  true,
		Amount:        wad("0.505"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.SqrtPriceX96.Cmp(before) != 0 {
		t.Error("EstimateSwap mutated pool price")
	}
}

func TestSwap_BaseInputMovesPriceDown(t *testing.T) {
	e, m := newTestMarket(t, "63.86", "120.93")
	before := new(big.Int).Set(m.SqrtPriceX96)

	res, err := e.Swap(m, amm.SwapParams{
		IsBaseToQuote: true,
		IsExactInput:  true,
		Amount:        wad("0.505"),
	}, 1_010, 1)
	if err != nil {
		t.Fatal(err)
	}
	if m.SqrtPriceX96.Cmp(before) >= 0 {
		t.Error("selling base must move price down")
	}
	if res.DeltaBase.Sign() >= 0 || res.DeltaQuote.Sign() <= 0 {
		t.Errorf("trader deltas wrong sign: base=%s quote=%s", res.DeltaBase, res.DeltaQuote)
	}
	if m.NetTraderBase.Cmp(new(big.Int).Neg(wad("0.505"))) != 0 {
		t.Errorf("net trader base got %s, want -0.505", m.NetTraderBase)
	}
}

func TestSwap_QuoteExactOutputMovesPriceDown(t *testing.T) {
	e, m := newTestMarket(t, "63.86", "120.93")
	before := new(big.Int).Set(m.SqrtPriceX96)

	res, err := e.Swap(m, amm.SwapParams{
		IsBaseToQuote: true,
		IsExactInput:  false,
		Amount:        wad("0.0005"),
	}, 1_020, 2)
	if err != nil {
		t.Fatal(err)
	}
	if m.SqrtPriceX96.Cmp(before) >= 0 {
		t.Error("exact quote output (selling base) must move price down")
	}
	if res.AmountOut.Cmp(wad("0.0005")) != 0 {
		t.Errorf("exact output not honored: got %s", res.AmountOut)
	}
}

func TestSwap_RoundTripReturnsNearInput(t *testing.T) {
	e, m := newTestMarket(t, "63.86", "120.93")

	sell, err := e.Swap(m, amm.SwapParams{
		IsBaseToQuote: true,
		IsExactInput:  true,
		Amount:        wad("0.1"),
	}, 1_010, 1)
	if err != nil {
		t.Fatal(err)
	}
	buy, err := e.Swap(m, amm.SwapParams{
		IsBaseToQuote: false,
		IsExactInput:  false,
		Amount:        wad("0.1"),
	}, 1_020, 2)
	if err != nil {
		t.Fatal(err)
	}
	// Buying back the same base costs at least what selling paid out.
	if buy.AmountIn.Cmp(sell.AmountOut) < 0 {
		t.Errorf("round trip favored trader: sold for %s, bought back for %s", sell.AmountOut, buy.AmountIn)
	}
	// With no fee the difference is rounding only.
	diff := new(big.Int).Sub(buy.AmountIn, sell.AmountOut)
	if diff.Cmp(wad("0.000001")) > 0 {
		t.Errorf("round trip rounding too large: %s", diff)
	}
}

func TestSwap_PriceLimitPartialFillExactInput(t *testing.T) {
	e, m := newTestMarket(t, "63.86", "120.93")

	// Limit one tick down from spot: a large sell stops there.
	limit := perpmath.SqrtPriceAtTick(m.Tick - 1)
	res, err := e.Swap(m, amm.SwapParams{
		IsBaseToQuote:     true,
		IsExactInput:      true,
		Amount:            wad("50"),
		SqrtPriceLimitX96: limit,
	}, 1_010, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !res.LimitReached {
		t.Fatal("expected partial fill at price limit")
	}
	if res.AmountIn.Cmp(wad("50")) >= 0 {
		t.Error("partial fill should consume less than requested input")
	}
	if m.SqrtPriceX96.Cmp(limit) != 0 {
		t.Error("price should stop exactly at the limit")
	}
}

func TestSwap_PriceLimitExactOutputFails(t *testing.T) {
	e, m := newTestMarket(t, "63.86", "120.93")

	limit := perpmath.SqrtPriceAtTick(m.Tick - 1)
	_, err := e.Swap(m, amm.SwapParams{
		IsBaseToQuote:     true,
		IsExactInput:      false,
		Amount:            wad("100"),
		SqrtPriceLimitX96: limit,
	}, 1_010, 1)
	if err != amm.ErrPriceLimitReached {
		t.Errorf("got %v, want ErrPriceLimitReached", err)
	}
}

func TestSwap_TickGuardBoundary(t *testing.T) {
	e, m := newTestMarket(t, "63.86", "120.93")

	// A swap landing exactly maxTickCrossedPerBlock ticks away succeeds.
	targetOk := perpmath.SqrtPriceAtTick(m.Tick - 50)
	res, err := e.Swap(m, amm.SwapParams{
		IsBaseToQuote:     true,
		IsExactInput:      true,
		Amount:            wad("1000"),
		SqrtPriceLimitX96: targetOk,
		MaxTickCrossed:    50,
	}, 1_010, 7)
	if err != nil {
		t.Fatalf("swap to boundary tick: %v", err)
	}
	if got := res.EndTick; got != m.Tick {
		t.Fatalf("end tick mismatch: %d", got)
	}

	// One more tick in the same block fails.
	targetBad := perpmath.SqrtPriceAtTick(m.Tick - 1)
	_, err = e.Swap(m, amm.SwapParams{
		IsBaseToQuote:     true,
		IsExactInput:      true,
		Amount:            wad("1000"),
		SqrtPriceLimitX96: targetBad,
		MaxTickCrossed:    50,
	}, 1_011, 7)
	if err != amm.ErrExceedsBlockTickLimit {
		t.Errorf("got %v, want ErrExceedsBlockTickLimit", err)
	}

	// A new block resets the opening tick, so the same swap passes.
	if _, err := e.Swap(m, amm.SwapParams{
		IsBaseToQuote:     true,
		IsExactInput:      true,
		Amount:            wad("1000"),
		SqrtPriceLimitX96: targetBad,
		MaxTickCrossed:    50,
	}, 1_012, 8); err != nil {
		t.Errorf("new block should reset tick guard: %v", err)
	}
}

func TestSwap_ClosedMarket(t *testing.T) {
	e, m := newTestMarket(t, "63.86", "120.93")
	m.Status = market.StatusClosed

	_, err := e.Swap(m, amm.SwapParams{
		IsBaseToQuote: true,
		IsExactInput:  true,
		Amount:        wad("0.1"),
	}, 1_010, 1)
	if err != amm.ErrMarketClosed {
		t.Errorf("got %v, want ErrMarketClosed", err)
	}

	// Closing swaps stay possible on a closed market.
	if _, err := e.Swap(m, amm.SwapParams{
		IsBaseToQuote: true,
		IsExactInput:  true,
		Amount:        wad("0.1"),
		IsClose:       true,
	}, 1_011, 1); err != nil {
		t.Errorf("closing swap on closed market: %v", err)
	}
}

func TestLiquidityRoundTrip(t *testing.T) {
	e, m := newTestMarket(t, "63.86", "")

	liq := wad("120.93")
	baseIn, quoteIn, err := e.AddLiquidity(m, liq, nil, 1_000)
	if err != nil {
		t.Fatal(err)
	}
	baseOut, quoteOut, err := e.RemoveLiquidity(m, liq, 1_001)
	if err != nil {
		t.Fatal(err)
	}
	// At unchanged price, removal returns what was supplied within rounding.
	for _, pair := range [][2]*big.Int{{baseIn, baseOut}, {quoteIn, quoteOut}} {
		diff := new(big.Int).Sub(pair[0], pair[1])
		if diff.Sign() < 0 {
			diff.Neg(diff)
		}
		if diff.Cmp(big.NewInt(1000)) > 0 {
			t.Errorf("liquidity round trip off by %s", diff)
		}
	}
	if m.Liquidity.Sign() != 0 {
		t.Errorf("liquidity not fully removed: %s", m.Liquidity)
	}
}

func TestRemoveLiquidity_ExceedsPool(t *testing.T) {
	e, m := newTestMarket(t, "63.86", "120.93")
	if _, _, err := e.RemoveLiquidity(m, wad("121"), 1_001); err != amm.ErrPoolLiquidityBounds {
		t.Errorf("got %v, want ErrPoolLiquidityBounds", err)
	}
}

func TestMarkTwap_ConstantPrice(t *testing.T) {
	e, m := newTestMarket(t, "63.86", "120.93")

	twap := e.MarkTwap(m, 900, 2_000)
	spot := e.MarkPrice(m)

	// Price never moved: TWAP equals the spot price at tick resolution
	// (one tick is one basis point).
	diff := new(big.Int).Sub(spot, twap)
	if diff.Sign() < 0 {
		diff.Neg(diff)
	}
	tol := new(big.Int).Quo(spot, big.NewInt(5000))
	if diff.Cmp(tol) > 0 {
		t.Errorf("constant-price TWAP drifted: spot=%s twap=%s", spot, twap)
	}
}

func TestMarkTwap_MovesAfterSwap(t *testing.T) {
	e, m := newTestMarket(t, "63.86", "120.93")

	if _, err := e.Swap(m, amm.SwapParams{
		IsBaseToQuote: true,
		IsExactInput:  true,
		Amount:        wad("5"),
	}, 1_100, 1); err != nil {
		t.Fatal(err)
	}

	// Shortly after the swap the TWAP still sits near the old price.
	early := e.MarkTwap(m, 900, 1_110)
	// Long after, it converges to the new lower price.
	late := e.MarkTwap(m, 900, 10_000)

	if late.Cmp(early) >= 0 {
		t.Errorf("TWAP should converge downward after a sell: early=%s late=%s", early, late)
	}
}

func TestFunding_ZeroSumAndDirection(t *testing.T) {
	e, m := newTestMarket(t, "64", "1000")

	// Index below mark: longs pay.
	index := wad("60")
	e.UpdateFundingGrowth(m, index, 900, 250_000, 1_000+3600)

	long := wad("2")
	short := new(big.Int).Neg(wad("2"))
	zero := new(big.Int)

	longPays := e.PendingFundingPayment(m, long, zero)
	shortPays := e.PendingFundingPayment(m, short, zero)

	if longPays.Sign() <= 0 {
		t.Errorf("long should pay positive funding, got %s", longPays)
	}
	if shortPays.Sign() >= 0 {
		t.Errorf("short should receive funding, got %s", shortPays)
	}
	sum := new(big.Int).Add(longPays, shortPays)
	if sum.CmpAbs(big.NewInt(2)) > 0 {
		t.Errorf("funding not zero-sum: %s", sum)
	}
}

func TestFunding_PremiumClamped(t *testing.T) {
	e, m := newTestMarket(t, "100", "1000")

	// Index far below mark: premium clamps at optimalFundingRatio * index.
	index := wad("1")
	e.UpdateFundingGrowth(m, index, 900, 250_000, 1_000+86400)

	long := wad("1")
	payment := e.PendingFundingPayment(m, long, new(big.Int))

	// One full day at the clamped premium: 1 * 0.25 * index = 0.25.
	want := wad("0.25")
	diff := new(big.Int).Sub(payment, want)
	if diff.Sign() < 0 {
		diff.Neg(diff)
	}
	if diff.Cmp(wad("0.0001")) > 0 {
		t.Errorf("clamped funding got %s, want ~%s", payment, want)
	}
}

func TestFeeGrowthAccrual(t *testing.T) {
	e, m := newTestMarket(t, "63.86", "120.93")

	fee := wad("0.5")
	if err := e.AccrueFee(m, fee); err != nil {
		t.Fatal(err)
	}
	owed, err := e.FeeOwed(m, m.Liquidity, new(big.Int))
	if err != nil {
		t.Fatal(err)
	}
	// Sole maker collects the whole fee minus rounding dust.
	diff := new(big.Int).Sub(fee, owed)
	if diff.Sign() < 0 || diff.Cmp(big.NewInt(1000)) > 0 {
		t.Errorf("fee owed got %s, want ~%s", owed, fee)
	}
}
