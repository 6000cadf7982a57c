package ingestion_test

import (
	"math/big"
	"testing"

	"nftperp/internal/ingestion"
)

func TestParseIndexPrice(t *testing.T) {
	data := []byte(`{
		"market": "vBAYC",
		"price": "63860000000000000000",
		"sequence": 42,
		"timestamp_us": 1700000000000000
	}`)

	update, err := ingestion.ParseIndexPrice(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if update.Market != "vBAYC" {
		t.Errorf("market: got %s, want vBAYC", update.Market)
	}
	want, _ := new(big.Int).SetString("63860000000000000000", 10)
	if update.Price.Cmp(want) != 0 {
		t.Errorf("price: got %s, want %s", update.Price, want)
	}
	if update.Sequence != 42 {
		t.Errorf("sequence: got %d, want 42", update.Sequence)
	}
	if update.TimestampUs != 1700000000000000 {
		t.Errorf("timestamp: got %d", update.TimestampUs)
	}
}

func TestParseIndexPrice_BadPayloads(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"invalid json", `{not json`},
		{"empty market", `{"market":"","price":"1000","sequence":1}`},
		{"non-numeric price", `{"market":"vBAYC","price":"abc","sequence":1}`},
		{"negative price", `{"market":"vBAYC","price":"-5","sequence":1}`},
		{"zero price", `{"market":"vBAYC","price":"0","sequence":1}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ingestion.ParseIndexPrice([]byte(tc.data)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestParseMarketParams(t *testing.T) {
	data := []byte(`{
		"market": "vBAYC",
		"im_ratio": 100000,
		"mm_ratio": 62500,
		"liquidation_penalty_ratio": 25000,
		"max_tick_crossed_per_block": 500,
		"sequence": 7,
		"timestamp_us": 1700000000000000
	}`)

	update, err := ingestion.ParseMarketParams(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if update.Market != "vBAYC" {
		t.Errorf("market: got %s, want vBAYC", update.Market)
	}
	if update.ImRatio != 100_000 {
		t.Errorf("im_ratio: got %d, want 100000", update.ImRatio)
	}
	if update.MmRatio != 62_500 {
		t.Errorf("mm_ratio: got %d, want 62500", update.MmRatio)
	}
	if update.MaxTickCrossedPerBlock != 500 {
		t.Errorf("max_tick_crossed_per_block: got %d, want 500", update.MaxTickCrossedPerBlock)
	}
	// Omitted ratios stay zero so the feed knows to keep current values.
	if update.InsuranceFundFeeRatio != 0 || update.PlatformFundFeeRatio != 0 {
		t.Error("omitted fee ratios should be zero")
	}
}

func TestParseMarketParams_EmptyMarketFails(t *testing.T) {
	if _, err := ingestion.ParseMarketParams([]byte(`{"im_ratio":1}`)); err == nil {
		t.Error("expected parse error for empty market")
	}
}
