package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"nftperp/internal/observability"
)

// Record is one history row headed for Postgres. Exactly one of the
// pointers is set.
type Record struct {
	Fill    *FillRow
	Repeg   *RepegRow
	Funding *FundingRow
}

// Worker drains the record channel and batch-writes to Postgres. The
// engine keeps its authoritative state in memory; this history path is
// asynchronous, so a slow database delays dashboards, not trades.
type Worker struct {
	db           *sql.DB
	writer       *Writer
	input        <-chan Record
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(db *sql.DB, input <-chan Record, batchSize int, flushTimeout time.Duration, metrics *observability.Metrics, log zerolog.Logger) *Worker {
	return &Worker{
		db:           db,
		writer:       NewWriter(db),
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
	}
}

type batch struct {
	fills   []FillRow
	repegs  []RepegRow
	funding []FundingRow
}

func (b *batch) add(rec Record) {
	switch {
	case rec.Fill != nil:
		b.fills = append(b.fills, *rec.Fill)
	case rec.Repeg != nil:
		b.repegs = append(b.repegs, *rec.Repeg)
	case rec.Funding != nil:
		b.funding = append(b.funding, *rec.Funding)
	}
}

func (b *batch) size() int {
	return len(b.fills) + len(b.repegs) + len(b.funding)
}

func (b *batch) reset() {
	b.fills = b.fills[:0]
	b.repegs = b.repegs[:0]
	b.funding = b.funding[:0]
}

// Run batches incoming records and flushes when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the
// input channel closes; either way the pending batch is flushed first.
func (w *Worker) Run(ctx context.Context) error {
	var b batch

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if b.size() > 0 {
				if err := w.flush(context.Background(), &b); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case rec, ok := <-w.input:
			if !ok {
				if b.size() > 0 {
					if err := w.flush(context.Background(), &b); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			b.add(rec)
			if b.size() >= w.batchSize {
				w.flushWithRetry(ctx, &b)
				b.reset()
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if b.size() > 0 {
				w.flushWithRetry(ctx, &b)
				b.reset()
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write
// succeeds or the context is cancelled. Rows are never dropped while
// the process lives; on shutdown one last attempt runs against a
// background context.
func (w *Worker) flushWithRetry(ctx context.Context, b *batch) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("rows", b.size()).Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), b); err != nil {
					w.log.Error().Err(err).Msg("flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, b); err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return
		}
	}
}

func (w *Worker) flush(ctx context.Context, b *batch) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := w.writer.WriteFills(ctx, tx, b.fills); err != nil {
		w.countError("fills")
		return fmt.Errorf("write fills: %w", err)
	}
	if err := w.writer.WriteRepegs(ctx, tx, b.repegs); err != nil {
		w.countError("repegs")
		return fmt.Errorf("write repegs: %w", err)
	}
	if err := w.writer.WriteFunding(ctx, tx, b.funding); err != nil {
		w.countError("funding_settlements")
		return fmt.Errorf("write funding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return fmt.Errorf("commit: %w", err)
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistRowsWritten.WithLabelValues("fills").Add(float64(len(b.fills)))
		w.metrics.PersistRowsWritten.WithLabelValues("repegs").Add(float64(len(b.repegs)))
		w.metrics.PersistRowsWritten.WithLabelValues("funding_settlements").Add(float64(len(b.funding)))
	}
	return nil
}

func (w *Worker) countError(table string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(table).Inc()
	}
}
