package query

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Service provides read-only access to the engine history tables.
// Amounts come back as decimal strings straight from NUMERIC columns;
// live state (positions, balances, mark prices) is served by the engine
// itself, not from here.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// FillRecord is one stored fill.
type FillRecord struct {
	FillID       uuid.UUID `json:"fill_id"`
	Market       string    `json:"market"`
	Trader       uuid.UUID `json:"trader"`
	Kind         string    `json:"kind"`
	BaseDelta    string    `json:"base_delta"`
	QuoteDelta   string    `json:"quote_delta"`
	Fee          string    `json:"fee"`
	RealizedPnl  string    `json:"realized_pnl"`
	SqrtPriceX96 string    `json:"sqrt_price_x96"`
	BlockNumber  int64     `json:"block_number"`
	CreatedAt    time.Time `json:"created_at"`
}

// RepegRecord is one stored peg correction.
type RepegRecord struct {
	RepegID         uuid.UUID `json:"repeg_id"`
	Market          string    `json:"market"`
	OldSqrtPriceX96 string    `json:"old_sqrt_price_x96"`
	NewSqrtPriceX96 string    `json:"new_sqrt_price_x96"`
	Cost            string    `json:"cost"`
	Partial         bool      `json:"partial"`
	CreatedAt       time.Time `json:"created_at"`
}

// FundingRecord is one stored funding settlement.
type FundingRecord struct {
	SettlementID uuid.UUID `json:"settlement_id"`
	Market       string    `json:"market"`
	Trader       uuid.UUID `json:"trader"`
	Payment      string    `json:"payment"`
	CreatedAt    time.Time `json:"created_at"`
}

// RecentFills returns the newest fills for a market.
func (s *Service) RecentFills(ctx context.Context, market string, limit int) ([]FillRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fill_id, market, trader, kind,
		       base_delta::TEXT, quote_delta::TEXT, fee::TEXT, realized_pnl::TEXT,
		       sqrt_price_x96::TEXT, block_number, created_at
		FROM nftperp.fills
		WHERE market = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, market, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFills(rows)
}

// FillsByTrader returns the newest fills for a trader across markets.
func (s *Service) FillsByTrader(ctx context.Context, trader uuid.UUID, limit int) ([]FillRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fill_id, market, trader, kind,
		       base_delta::TEXT, quote_delta::TEXT, fee::TEXT, realized_pnl::TEXT,
		       sqrt_price_x96::TEXT, block_number, created_at
		FROM nftperp.fills
		WHERE trader = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, trader, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFills(rows)
}

// RepegHistory returns the newest repegs for a market.
func (s *Service) RepegHistory(ctx context.Context, market string, limit int) ([]RepegRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repeg_id, market, old_sqrt_price_x96::TEXT, new_sqrt_price_x96::TEXT,
		       cost::TEXT, partial, created_at
		FROM nftperp.repegs
		WHERE market = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, market, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RepegRecord
	for rows.Next() {
		var r RepegRecord
		if err := rows.Scan(
			&r.RepegID, &r.Market, &r.OldSqrtPriceX96, &r.NewSqrtPriceX96,
			&r.Cost, &r.Partial, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FundingHistory returns the newest funding settlements for a trader in
// a market.
func (s *Service) FundingHistory(ctx context.Context, market string, trader uuid.UUID, limit int) ([]FundingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT settlement_id, market, trader, payment::TEXT, created_at
		FROM nftperp.funding_settlements
		WHERE market = $1 AND trader = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, market, trader, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FundingRecord
	for rows.Next() {
		var r FundingRecord
		if err := rows.Scan(&r.SettlementID, &r.Market, &r.Trader, &r.Payment, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanFills(rows *sql.Rows) ([]FillRecord, error) {
	var out []FillRecord
	for rows.Next() {
		var f FillRecord
		if err := rows.Scan(
			&f.FillID, &f.Market, &f.Trader, &f.Kind,
			&f.BaseDelta, &f.QuoteDelta, &f.Fee, &f.RealizedPnl,
			&f.SqrtPriceX96, &f.BlockNumber, &f.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
