package ledger

import (
	"errors"
	"math/big"

	"github.com/google/uuid"

	"nftperp/internal/perpmath"
)

var (
	// ErrInsufficientMargin rejects a trade that would leave the account
	// below its initial margin requirement.
	ErrInsufficientMargin = errors.New("ledger: free collateral below initial margin requirement")

	// ErrNotLiquidatable rejects a liquidation of an account that is
	// still above maintenance margin.
	ErrNotLiquidatable = errors.New("ledger: account margin ratio above maintenance")

	// ErrNoMarkPrice means margin could not be computed because a market
	// the trader has exposure in has no price.
	ErrNoMarkPrice = errors.New("ledger: no mark price for market")
)

// CollateralProvider reports a trader's deposited collateral.
type CollateralProvider interface {
	GetBalance(trader uuid.UUID) *big.Int
}

// PriceProvider reports the current mark price of a market.
type PriceProvider interface {
	MarkPriceOf(marketID string) (*big.Int, error)
}

// MarginCalculator computes cross-margin account metrics over the ledger.
// Collateral and pricing stay behind interfaces so the vault and AMM can
// plug in without an import cycle.
type MarginCalculator struct {
	ledger     *Ledger
	collateral CollateralProvider
	prices     PriceProvider
}

func NewMarginCalculator(l *Ledger, collateral CollateralProvider, prices PriceProvider) *MarginCalculator {
	return &MarginCalculator{ledger: l, collateral: collateral, prices: prices}
}

// UnrealizedPnl values a position at the given mark price: the base
// leg marked to market plus the signed open notional.
func UnrealizedPnl(pos *Position, markPrice *big.Int) *big.Int {
	value := new(big.Int).Mul(pos.BaseBalance, markPrice)
	value.Quo(value, perpmath.Wad)
	return value.Add(value, pos.QuoteBalance)
}

// PositionNotional is the absolute mark value of a position's base leg.
func PositionNotional(pos *Position, markPrice *big.Int) *big.Int {
	value := new(big.Int).Mul(pos.BaseBalance, markPrice)
	value.Quo(value, perpmath.Wad)
	return value.Abs(value)
}

// AccountValue returns deposited collateral plus unsettled realized PnL
// plus unrealized PnL across every open position.
func (mc *MarginCalculator) AccountValue(trader uuid.UUID) (*big.Int, error) {
	value := new(big.Int).Set(mc.collateral.GetBalance(trader))
	for _, pos := range mc.ledger.PositionsOf(trader) {
		price, err := mc.prices.MarkPriceOf(pos.MarketID)
		if err != nil {
			return nil, err
		}
		value.Add(value, UnrealizedPnl(pos, price))
		value.Add(value, mc.ledger.OwedRealizedPnl(trader, pos.MarketID))
	}
	return value, nil
}

// MarginRatio returns the account margin ratio in parts per million
// together with the total absolute notional it is measured against. A
// trader with no open positions has no ratio: both returns are nil.
func (mc *MarginCalculator) MarginRatio(trader uuid.UUID) (*big.Int, *big.Int, error) {
	positions := mc.ledger.PositionsOf(trader)
	if len(positions) == 0 {
		return nil, nil, nil
	}

	value := new(big.Int).Set(mc.collateral.GetBalance(trader))
	notional := new(big.Int)
	for _, pos := range positions {
		price, err := mc.prices.MarkPriceOf(pos.MarketID)
		if err != nil {
			return nil, nil, err
		}
		value.Add(value, UnrealizedPnl(pos, price))
		value.Add(value, mc.ledger.OwedRealizedPnl(trader, pos.MarketID))
		notional.Add(notional, PositionNotional(pos, price))
	}
	if notional.Sign() == 0 {
		return nil, nil, nil
	}

	ratio := new(big.Int).Mul(value, big.NewInt(perpmath.RatioDenominator))
	ratio.Quo(ratio, notional)
	return ratio, notional, nil
}

// FreeCollateral is the account value left after reserving initial
// margin on the total open notional. Negative free collateral blocks
// exposure-increasing trades.
func (mc *MarginCalculator) FreeCollateral(trader uuid.UUID, imRatio uint32) (*big.Int, error) {
	value, err := mc.AccountValue(trader)
	if err != nil {
		return nil, err
	}

	notional := new(big.Int)
	for _, pos := range mc.ledger.PositionsOf(trader) {
		price, err := mc.prices.MarkPriceOf(pos.MarketID)
		if err != nil {
			return nil, err
		}
		notional.Add(notional, PositionNotional(pos, price))
	}

	required := perpmath.MulRatio(notional, imRatio)
	return value.Sub(value, required), nil
}

// RequireAboveInitialMargin gates exposure-increasing trades.
func (mc *MarginCalculator) RequireAboveInitialMargin(trader uuid.UUID, imRatio uint32) error {
	free, err := mc.FreeCollateral(trader, imRatio)
	if err != nil {
		return err
	}
	if free.Sign() < 0 {
		return ErrInsufficientMargin
	}
	return nil
}

// IsLiquidatable reports whether the account margin ratio has fallen
// below the maintenance requirement.
func (mc *MarginCalculator) IsLiquidatable(trader uuid.UUID, mmRatio uint32) (bool, error) {
	ratio, _, err := mc.MarginRatio(trader)
	if err != nil {
		return false, err
	}
	if ratio == nil {
		return false, nil
	}
	return ratio.Cmp(big.NewInt(int64(mmRatio))) < 0, nil
}

// LiquidatablePositionSize bounds how much of one position a single
// liquidation may close: the full size scaled by
// min(1, totalAbsNotional / (2 * positionNotional)), with the scaling
// factor floored at six decimal places. An account concentrated in one
// market is liquidated by half; spreading exposure raises the bound
// until single-market positions close entirely.
func (mc *MarginCalculator) LiquidatablePositionSize(trader uuid.UUID, marketID string) (*big.Int, error) {
	pos := mc.ledger.GetPosition(trader, marketID)
	if pos == nil {
		return new(big.Int), nil
	}
	price, err := mc.prices.MarkPriceOf(marketID)
	if err != nil {
		return nil, err
	}
	thisNotional := PositionNotional(pos, price)
	if thisNotional.Sign() == 0 {
		return new(big.Int), nil
	}

	totalNotional := new(big.Int)
	for _, p := range mc.ledger.PositionsOf(trader) {
		pp, err := mc.prices.MarkPriceOf(p.MarketID)
		if err != nil {
			return nil, err
		}
		totalNotional.Add(totalNotional, PositionNotional(p, pp))
	}

	ratioPpm := new(big.Int).Mul(totalNotional, big.NewInt(perpmath.RatioDenominator))
	ratioPpm.Quo(ratioPpm, new(big.Int).Lsh(thisNotional, 1))
	if ratioPpm.Cmp(big.NewInt(perpmath.RatioDenominator)) > 0 {
		ratioPpm.SetInt64(perpmath.RatioDenominator)
	}

	size := new(big.Int).Mul(pos.BaseBalance, ratioPpm)
	return size.Quo(size, big.NewInt(perpmath.RatioDenominator)), nil
}
