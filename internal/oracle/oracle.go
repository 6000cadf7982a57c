package oracle

import (
	"errors"
	"math/big"
	"sync"

	"github.com/rs/zerolog"
)

// ErrNoIndexPrice means no index observation has been recorded for the
// market yet.
var ErrNoIndexPrice = errors.New("oracle: no index price for market")

// IndexPrice is one floor-price observation, 18-decimal fixed point.
type IndexPrice struct {
	Price     *big.Int
	Sequence  int64
	Timestamp int64
}

// Oracle caches the latest index (NFT floor) price per market. Updates
// carry a sequence number; stale or duplicate sequences are silently
// ignored so replayed feeds are idempotent. Sequence gaps are tolerated;
// a skipped price observation loses nothing.
type Oracle struct {
	mu     sync.RWMutex
	prices map[string]*IndexPrice
	log    zerolog.Logger
}

func New(log zerolog.Logger) *Oracle {
	return &Oracle{
		prices: make(map[string]*IndexPrice),
		log:    log,
	}
}

// SetIndexPrice records a new observation. Returns true if it was
// accepted, false if it was stale.
func (o *Oracle) SetIndexPrice(marketID string, price *big.Int, sequence, timestamp int64) bool {
	if price == nil || price.Sign() <= 0 {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	current := o.prices[marketID]
	if current != nil {
		if sequence <= current.Sequence {
			return false
		}
		if sequence > current.Sequence+1 {
			o.log.Warn().
				Str("market", marketID).
				Int64("from", current.Sequence).
				Int64("to", sequence).
				Msg("index price sequence gap")
		}
	}

	o.prices[marketID] = &IndexPrice{
		Price:     new(big.Int).Set(price),
		Sequence:  sequence,
		Timestamp: timestamp,
	}
	return true
}

// GetIndexPrice returns the latest index price for a market.
func (o *Oracle) GetIndexPrice(marketID string) (*big.Int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	p := o.prices[marketID]
	if p == nil {
		return nil, ErrNoIndexPrice
	}
	return new(big.Int).Set(p.Price), nil
}

// Latest returns the full observation, or nil.
func (o *Oracle) Latest(marketID string) *IndexPrice {
	o.mu.RLock()
	defer o.mu.RUnlock()

	p := o.prices[marketID]
	if p == nil {
		return nil
	}
	return &IndexPrice{Price: new(big.Int).Set(p.Price), Sequence: p.Sequence, Timestamp: p.Timestamp}
}
