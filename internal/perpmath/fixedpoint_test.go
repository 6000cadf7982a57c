package perpmath_test

import (
	"math/big"
	"testing"

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

func TestPriceSqrtPriceRoundTrip(t *testing.T) {
	for _, s := range []string{"1", "0.0001", "63.86", "1517882343751490", "0.000000000001"} {
		price := wad(s)
		sqrtP, err := perpmath.SqrtPriceX96FromPrice(price)
		if err != nil {
			t.Fatalf("SqrtPriceX96FromPrice(%s): %v", s, err)
		}
		back := perpmath.PriceFromSqrtPriceX96(sqrtP)

		// floor(sqrt) loses at most a few wei of price
		diff := new(big.Int).Sub(price, back)
		if diff.Sign() < 0 {
			t.Fatalf("price %s: round trip exceeded input (pool-unfavorable rounding)", s)
		}
		tol := new(big.Int).Quo(price, big.NewInt(1_000_000_000))
		tol.Add(tol, big.NewInt(2))
		if diff.Cmp(tol) > 0 {
			t.Errorf("price %s: round trip off by %s (tol %s)", s, diff, tol)
		}
	}
}

func TestSqrtPriceX96FromPrice_Zero(t *testing.T) {
	if _, err := perpmath.SqrtPriceX96FromPrice(big.NewInt(0)); err == nil {
		t.Error("expected error for zero price")
	}
}

func TestMulDivRounding(t *testing.T) {
	down, err := perpmath.MulDiv(big.NewInt(10), big.NewInt(10), big.NewInt(3))
	if err != nil {
		t.Fatal(err)
	}
	if down.Int64() != 33 {
		t.Errorf("MulDiv got %d, want 33", down.Int64())
	}

	up, err := perpmath.MulDivRoundingUp(big.NewInt(10), big.NewInt(10), big.NewInt(3))
	if err != nil {
		t.Fatal(err)
	}
	if up.Int64() != 34 {
		t.Errorf("MulDivRoundingUp got %d, want 34", up.Int64())
	}
}

func TestMulDivOverflow(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 255)
	if _, err := perpmath.MulDiv(huge, huge, big.NewInt(1)); err != perpmath.ErrOverflow {
		t.Errorf("got %v, want ErrOverflow", err)
	}
	if _, err := perpmath.MulDiv(big.NewInt(1), big.NewInt(1), big.NewInt(0)); err != perpmath.ErrOverflow {
		t.Errorf("division by zero: got %v, want ErrOverflow", err)
	}
}

func TestMulRatio(t *testing.T) {
	// 1.0 * 500ppm = 0.0005
	got := perpmath.MulRatio(wad("1"), 500)
	if got.Cmp(wad("0.0005")) != 0 {
		t.Errorf("got %s, want %s", got, wad("0.0005"))
	}
}

func TestSqrtPriceAtTick_Zero(t *testing.T) {
	if got := perpmath.SqrtPriceAtTick(0); got.Cmp(perpmath.Q96) != 0 {
		t.Errorf("tick 0: got %s, want %s", got, perpmath.Q96)
	}
}

func TestSqrtPriceAtTick_Monotonic(t *testing.T) {
	prev := perpmath.SqrtPriceAtTick(-1000)
	for tick := -999; tick <= 1000; tick += 7 {
		cur := perpmath.SqrtPriceAtTick(tick)
		if cur.Cmp(prev) <= 0 {
			t.Fatalf("tick %d: sqrt price not strictly increasing", tick)
		}
		prev = cur
	}
}

func TestSqrtPriceAtTick_Clamped(t *testing.T) {
	if got := perpmath.SqrtPriceAtTick(perpmath.MinTick - 10); got.Cmp(perpmath.MinSqrtRatio) != 0 {
		t.Errorf("below MinTick: got %s, want MinSqrtRatio", got)
	}
	if got := perpmath.SqrtPriceAtTick(perpmath.MaxTick + 10); got.Cmp(perpmath.MaxSqrtRatio) != 0 {
		t.Errorf("above MaxTick: got %s, want MaxSqrtRatio", got)
	}
}

func TestTickAtSqrtPrice_RoundTrip(t *testing.T) {
	for _, tick := range []int{-400000, -41592, -100, -1, 0, 1, 100, 41592, 400000} {
		sqrtP := perpmath.SqrtPriceAtTick(tick)
		if got := perpmath.TickAtSqrtPrice(sqrtP); got != tick {
			t.Errorf("tick %d: round trip gave %d", tick, got)
		}
		// one below the next tick's sqrt price still maps to tick
		next := new(big.Int).Sub(perpmath.SqrtPriceAtTick(tick+1), big.NewInt(1))
		if got := perpmath.TickAtSqrtPrice(next); got != tick {
			t.Errorf("tick %d: boundary-1 gave %d", tick, got)
		}
	}
}

func TestTickAtSqrtPrice_63_86(t *testing.T) {
	sqrtP, err := perpmath.SqrtPriceX96FromPrice(wad("63.86"))
	if err != nil {
		t.Fatal(err)
	}
	tick := perpmath.TickAtSqrtPrice(sqrtP)
	// log_1.0001(63.86) ~= 41569
	if tick < 41567 || tick > 41570 {
		t.Errorf("got tick %d, want ~41569", tick)
	}
	if perpmath.SqrtPriceAtTick(tick).Cmp(sqrtP) > 0 {
		t.Error("SqrtPriceAtTick(tick) must not exceed the input sqrt price")
	}
	if perpmath.SqrtPriceAtTick(tick+1).Cmp(sqrtP) <= 0 {
		t.Error("SqrtPriceAtTick(tick+1) must exceed the input sqrt price")
	}
}

func TestNextSqrtPriceDirections(t *testing.T) {
	liquidity := wad("120.93")
	sqrtP, _ := perpmath.SqrtPriceX96FromPrice(wad("63.86"))
	amount := wad("0.5")

	down, err := perpmath.NextSqrtPriceFromBaseInput(sqrtP, liquidity, amount)
	if err != nil {
		t.Fatal(err)
	}
	if down.Cmp(sqrtP) >= 0 {
		t.Error("base input must move price down")
	}

	up, err := perpmath.NextSqrtPriceFromQuoteInput(sqrtP, liquidity, amount)
	if err != nil {
		t.Fatal(err)
	}
	if up.Cmp(sqrtP) <= 0 {
		t.Error("quote input must move price up")
	}
}

func TestQuoteDeltaMatchesQuoteInput(t *testing.T) {
	liquidity := wad("1000")
	sqrtP, _ := perpmath.SqrtPriceX96FromPrice(wad("10"))
	amountIn := wad("25")

	next, err := perpmath.NextSqrtPriceFromQuoteInput(sqrtP, liquidity, amountIn)
	if err != nil {
		t.Fatal(err)
	}
	// Recomputing the quote between the two prices gives back the input
	// within one unit of rounding.
	back, err := perpmath.QuoteDelta(sqrtP, next, liquidity, true)
	if err != nil {
		t.Fatal(err)
	}
	diff := new(big.Int).Sub(amountIn, back)
	if diff.Sign() < 0 || diff.Cmp(big.NewInt(1_000_000)) > 0 {
		t.Errorf("quote delta mismatch: in=%s back=%s", amountIn, back)
	}
}

func TestNextSqrtPriceFromBaseOutput_Exhausted(t *testing.T) {
	liquidity := wad("1")
	sqrtP, _ := perpmath.SqrtPriceX96FromPrice(wad("1"))
	// virtual base reserve is ~1; asking for 2 must fail
	if _, err := perpmath.NextSqrtPriceFromBaseOutput(sqrtP, liquidity, wad("2")); err != perpmath.ErrInsufficientLiquidity {
		t.Errorf("got %v, want ErrInsufficientLiquidity", err)
	}
}

func TestAmountsLiquidityRoundTrip(t *testing.T) {
	sqrtP, _ := perpmath.SqrtPriceX96FromPrice(wad("63.86"))
	liquidity := wad("120.93")

	base, quote, err := perpmath.AmountsFromLiquidity(sqrtP, liquidity)
	if err != nil {
		t.Fatal(err)
	}
	back, err := perpmath.LiquidityFromAmounts(sqrtP, base, quote)
	if err != nil {
		t.Fatal(err)
	}
	diff := new(big.Int).Sub(liquidity, back)
	if diff.Sign() < 0 {
		t.Fatal("liquidity round trip exceeded input")
	}
	if diff.Cmp(big.NewInt(1000)) > 0 {
		t.Errorf("liquidity round trip off by %s", diff)
	}
}
