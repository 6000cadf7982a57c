package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// IndexPriceUpdate is a floor-price observation from the oracle feed.
// Prices arrive as decimal strings because 18-decimal values overflow
// int64 for any realistic floor.
type IndexPriceUpdate struct {
	Market      string
	Price       *big.Int
	Sequence    int64
	TimestampUs int64
}

// MarketParamsUpdate carries per-market risk parameter overrides from
// the admin feed. A zero ratio means "leave the current value".
type MarketParamsUpdate struct {
	Market                  string
	ImRatio                 uint32
	MmRatio                 uint32
	LiquidationPenaltyRatio uint32
	InsuranceFundFeeRatio   uint32
	PlatformFundFeeRatio    uint32
	MaxTickCrossedPerBlock  int
	Sequence                int64
	TimestampUs             int64
}

type indexPriceJSON struct {
	Market      string `json:"market"`
	Price       string `json:"price"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParseIndexPrice decodes one oracle feed payload.
func ParseIndexPrice(data []byte) (*IndexPriceUpdate, error) {
	var j indexPriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse IndexPriceUpdate: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse IndexPriceUpdate: empty market")
	}

	price, ok := new(big.Int).SetString(j.Price, 10)
	if !ok {
		return nil, fmt.Errorf("parse IndexPriceUpdate: bad price %q", j.Price)
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("parse IndexPriceUpdate: non-positive price %q", j.Price)
	}

	return &IndexPriceUpdate{
		Market:      j.Market,
		Price:       price,
		Sequence:    j.Sequence,
		TimestampUs: j.TimestampUs,
	}, nil
}

type marketParamsJSON struct {
	Market                  string `json:"market"`
	ImRatio                 uint32 `json:"im_ratio"`
	MmRatio                 uint32 `json:"mm_ratio"`
	LiquidationPenaltyRatio uint32 `json:"liquidation_penalty_ratio"`
	InsuranceFundFeeRatio   uint32 `json:"insurance_fund_fee_ratio"`
	PlatformFundFeeRatio    uint32 `json:"platform_fund_fee_ratio"`
	MaxTickCrossedPerBlock  int    `json:"max_tick_crossed_per_block"`
	Sequence                int64  `json:"sequence"`
	TimestampUs             int64  `json:"timestamp_us"`
}

// ParseMarketParams decodes one admin feed payload.
func ParseMarketParams(data []byte) (*MarketParamsUpdate, error) {
	var j marketParamsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarketParamsUpdate: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse MarketParamsUpdate: empty market")
	}

	return &MarketParamsUpdate{
		Market:                  j.Market,
		ImRatio:                 j.ImRatio,
		MmRatio:                 j.MmRatio,
		LiquidationPenaltyRatio: j.LiquidationPenaltyRatio,
		InsuranceFundFeeRatio:   j.InsuranceFundFeeRatio,
		PlatformFundFeeRatio:    j.PlatformFundFeeRatio,
		MaxTickCrossedPerBlock:  j.MaxTickCrossedPerBlock,
		Sequence:                j.Sequence,
		TimestampUs:             j.TimestampUs,
	}, nil
}
