package clearing

import (
	"math/big"

	"github.com/google/uuid"
)

// FillEvent is one completed position change, published after the
// ledger and fee accounting have settled.
type FillEvent struct {
	Market       string
	Trader       uuid.UUID
	Kind         string // "trade", "close", "liquidation"
	BaseDelta    *big.Int
	QuoteDelta   *big.Int
	Fee          *big.Int
	RealizedPnl  *big.Int
	SqrtPriceX96 *big.Int
	BlockNumber  int64
}

// FundingEvent is one per-trader funding settlement.
type FundingEvent struct {
	Market      string
	Trader      uuid.UUID
	Payment     *big.Int
	GrowthLong  *big.Int
	GrowthShort *big.Int
}

// Recorder receives completed mutations for asynchronous sinks
// (persistence, outbound streams). Calls happen under the market lock,
// so implementations hand off quickly and do their I/O elsewhere.
type Recorder interface {
	RecordFill(e FillEvent)
	RecordFunding(e FundingEvent)
}

// SetRecorder attaches a history sink. Pass before trading starts;
// a nil recorder disables recording.
func (ch *ClearingHouse) SetRecorder(r Recorder) {
	ch.recorder = r
}

func (ch *ClearingHouse) recordFill(e FillEvent) {
	if ch.recorder != nil {
		ch.recorder.RecordFill(e)
	}
}

func (ch *ClearingHouse) recordFunding(e FundingEvent) {
	if ch.recorder != nil {
		ch.recorder.RecordFunding(e)
	}
}
