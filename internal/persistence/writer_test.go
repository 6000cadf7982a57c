package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nftperp/internal/persistence"
	"nftperp/internal/testutil"
)

func TestWriter_WriteFills(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	w := persistence.NewWriter(db)
	fillID := uuid.New()
	fills := []persistence.FillRow{
		{
			FillID:       fillID,
			Market:       "vBAYC",
			Trader:       uuid.New(),
			Kind:         "trade",
			BaseDelta:    testutil.Wad(t, "1"),
			QuoteDelta:   testutil.Wad(t, "-64"),
			Fee:          testutil.Wad(t, "0.192"),
			RealizedPnl:  testutil.Wad(t, "0"),
			SqrtPriceX96: testutil.Wad(t, "8"),
			BlockNumber:  7,
			CreatedAt:    time.Now().UTC(),
		},
	}

	if err := w.WriteFills(ctx, db, fills); err != nil {
		t.Fatalf("write fills: %v", err)
	}
	// Replay of the same batch must not duplicate rows.
	if err := w.WriteFills(ctx, db, fills); err != nil {
		t.Fatalf("rewrite fills: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nftperp.fills WHERE fill_id = $1`, fillID,
	).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("rows: got %d, want 1", count)
	}

	var baseDelta string
	if err := db.QueryRowContext(ctx,
		`SELECT base_delta::TEXT FROM nftperp.fills WHERE fill_id = $1`, fillID,
	).Scan(&baseDelta); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if baseDelta != testutil.Wad(t, "1").String() {
		t.Errorf("base_delta: got %s", baseDelta)
	}
}
