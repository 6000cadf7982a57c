package perpmath

import "math/big"

// Swap-step primitives for a single constant-liquidity range. Rounding
// always favors the pool: amounts owed to the pool round up, amounts paid
// out by the pool round down, and next-price computation rounds so the
// pool never quotes a better price than the exact curve.

// NextSqrtPriceFromBaseInput returns the sqrt price after adding amountIn
// base to the pool (price moves down). Rounds up so the price does not
// fall further than the exact curve allows:
//
//	sqrtP' = L*Q96*sqrtP / (L*Q96 + amountIn*sqrtP)
func NextSqrtPriceFromBaseInput(sqrtPriceX96, liquidity, amountIn *big.Int) (*big.Int, error) {
	if amountIn.Sign() == 0 {
		return new(big.Int).Set(sqrtPriceX96), nil
	}
	lq96 := new(big.Int).Mul(liquidity, Q96)
	num := new(big.Int).Mul(lq96, sqrtPriceX96)
	den := new(big.Int).Add(lq96, new(big.Int).Mul(amountIn, sqrtPriceX96))
	return MulDivRoundingUp(num, big.NewInt(1), den)
}

// NextSqrtPriceFromBaseOutput returns the sqrt price after removing
// amountOut base from the pool (price moves up). Rounds up.
func NextSqrtPriceFromBaseOutput(sqrtPriceX96, liquidity, amountOut *big.Int) (*big.Int, error) {
	if amountOut.Sign() == 0 {
		return new(big.Int).Set(sqrtPriceX96), nil
	}
	lq96 := new(big.Int).Mul(liquidity, Q96)
	den := new(big.Int).Sub(lq96, new(big.Int).Mul(amountOut, sqrtPriceX96))
	if den.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	num := new(big.Int).Mul(lq96, sqrtPriceX96)
	return MulDivRoundingUp(num, big.NewInt(1), den)
}

// NextSqrtPriceFromQuoteInput returns the sqrt price after adding amountIn
// quote to the pool (price moves up). Rounds down:
//
//	sqrtP' = sqrtP + amountIn*Q96/L
func NextSqrtPriceFromQuoteInput(sqrtPriceX96, liquidity, amountIn *big.Int) (*big.Int, error) {
	delta, err := MulDiv(amountIn, Q96, liquidity)
	if err != nil {
		return nil, err
	}
	return checkUint256(new(big.Int).Add(sqrtPriceX96, delta))
}

// NextSqrtPriceFromQuoteOutput returns the sqrt price after removing
// amountOut quote from the pool (price moves down). The delta rounds up so
// the pool gives out no more than amountOut.
func NextSqrtPriceFromQuoteOutput(sqrtPriceX96, liquidity, amountOut *big.Int) (*big.Int, error) {
	delta, err := MulDivRoundingUp(amountOut, Q96, liquidity)
	if err != nil {
		return nil, err
	}
	next := new(big.Int).Sub(sqrtPriceX96, delta)
	if next.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	return next, nil
}

// BaseDelta returns the base amount between two sqrt prices at constant
// liquidity: L*Q96*(sqrtB-sqrtA)/(sqrtA*sqrtB).
func BaseDelta(sqrtA, sqrtB, liquidity *big.Int, roundUp bool) (*big.Int, error) {
	lo, hi := sqrtA, sqrtB
	if lo.Cmp(hi) > 0 {
		lo, hi = hi, lo
	}
	num := new(big.Int).Mul(new(big.Int).Mul(liquidity, Q96), new(big.Int).Sub(hi, lo))
	den := new(big.Int).Mul(hi, lo)
	if roundUp {
		return MulDivRoundingUp(num, big.NewInt(1), den)
	}
	return MulDiv(num, big.NewInt(1), den)
}

// QuoteDelta returns the quote amount between two sqrt prices at constant
// liquidity: L*(sqrtB-sqrtA)/Q96.
func QuoteDelta(sqrtA, sqrtB, liquidity *big.Int, roundUp bool) (*big.Int, error) {
	lo, hi := sqrtA, sqrtB
	if lo.Cmp(hi) > 0 {
		lo, hi = hi, lo
	}
	diff := new(big.Int).Sub(hi, lo)
	if roundUp {
		return MulDivRoundingUp(liquidity, diff, Q96)
	}
	return MulDiv(liquidity, diff, Q96)
}

// AmountsFromLiquidity returns the virtual (base, quote) reserves a
// liquidity share represents at the current price. Both round down; what
// leaves the pool is never overpaid.
func AmountsFromLiquidity(sqrtPriceX96, liquidity *big.Int) (base, quote *big.Int, err error) {
	base, err = MulDiv(liquidity, Q96, sqrtPriceX96)
	if err != nil {
		return nil, nil, err
	}
	quote, err = MulDiv(liquidity, sqrtPriceX96, Q96)
	if err != nil {
		return nil, nil, err
	}
	return base, quote, nil
}

// LiquidityFromAmounts returns the liquidity corresponding to the given
// virtual reserves at the current price, taking the smaller of the two
// single-sided figures (pool-favorable: never mints more liquidity than
// either side funds).
func LiquidityFromAmounts(sqrtPriceX96, base, quote *big.Int) (*big.Int, error) {
	fromBase, err := MulDiv(base, sqrtPriceX96, Q96)
	if err != nil {
		return nil, err
	}
	fromQuote, err := MulDiv(quote, Q96, sqrtPriceX96)
	if err != nil {
		return nil, err
	}
	if fromBase.Cmp(fromQuote) < 0 {
		return fromBase, nil
	}
	return fromQuote, nil
}
