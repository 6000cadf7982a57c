package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Writer batch-inserts engine history rows into Postgres. Wad amounts
// are stored as NUMERIC and travel as decimal strings; lib/pq has no
// native big.Int support.
type Writer struct {
	db *sql.DB
}

// FillRow is one executed position change, trade or liquidation close.
type FillRow struct {
	FillID       uuid.UUID
	Market       string
	Trader       uuid.UUID
	Kind         string // "trade", "close", "liquidation"
	BaseDelta    *big.Int
	QuoteDelta   *big.Int
	Fee          *big.Int
	RealizedPnl  *big.Int
	SqrtPriceX96 *big.Int
	BlockNumber  int64
	CreatedAt    time.Time
}

// RepegRow is one executed peg correction.
type RepegRow struct {
	RepegID         uuid.UUID
	Market          string
	OldSqrtPriceX96 *big.Int
	NewSqrtPriceX96 *big.Int
	Cost            *big.Int
	Partial         bool
	CreatedAt       time.Time
}

// FundingRow is one per-trader funding settlement.
type FundingRow struct {
	SettlementID uuid.UUID
	Market       string
	Trader       uuid.UUID
	Payment      *big.Int
	GrowthLong   *big.Int
	GrowthShort  *big.Int
	CreatedAt    time.Time
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// WriteFills inserts a batch of fills. Conflicting fill IDs are
// skipped so redelivered batches stay idempotent.
func (w *Writer) WriteFills(ctx context.Context, tx execer, fills []FillRow) error {
	if len(fills) == 0 {
		return nil
	}

	query := `INSERT INTO nftperp.fills
		(fill_id, market, trader, kind, base_delta, quote_delta, fee, realized_pnl, sqrt_price_x96, block_number, created_at)
		VALUES `

	values := make([]string, 0, len(fills))
	args := make([]interface{}, 0, len(fills)*11)

	for i, f := range fills {
		base := i * 11
		values = append(values, placeholders(base, 11))
		args = append(args,
			f.FillID, f.Market, f.Trader, f.Kind,
			numeric(f.BaseDelta), numeric(f.QuoteDelta), numeric(f.Fee), numeric(f.RealizedPnl),
			numeric(f.SqrtPriceX96), f.BlockNumber, f.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (fill_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteRepegs inserts a batch of repeg records.
func (w *Writer) WriteRepegs(ctx context.Context, tx execer, repegs []RepegRow) error {
	if len(repegs) == 0 {
		return nil
	}

	query := `INSERT INTO nftperp.repegs
		(repeg_id, market, old_sqrt_price_x96, new_sqrt_price_x96, cost, partial, created_at)
		VALUES `

	values := make([]string, 0, len(repegs))
	args := make([]interface{}, 0, len(repegs)*7)

	for i, r := range repegs {
		base := i * 7
		values = append(values, placeholders(base, 7))
		args = append(args,
			r.RepegID, r.Market,
			numeric(r.OldSqrtPriceX96), numeric(r.NewSqrtPriceX96), numeric(r.Cost),
			r.Partial, r.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (repeg_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteFunding inserts a batch of funding settlements.
func (w *Writer) WriteFunding(ctx context.Context, tx execer, rows []FundingRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO nftperp.funding_settlements
		(settlement_id, market, trader, payment, growth_long, growth_short, created_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*7)

	for i, r := range rows {
		base := i * 7
		values = append(values, placeholders(base, 7))
		args = append(args,
			r.SettlementID, r.Market, r.Trader,
			numeric(r.Payment), numeric(r.GrowthLong), numeric(r.GrowthShort),
			r.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (settlement_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func placeholders(base, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", base+i+1)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
