package projection

import (
	"sync"
	"time"
)

// PriceHistoryEntry is one settlement price post as observed by the fold,
// including posts flagged stale on arrival.
type PriceHistoryEntry struct {
	MarketID       string
	Price          int64
	VolBps         int64
	SourceSequence int64
	Stale          bool
	Sequence       int64
	Timestamp      time.Time
}

// PriceHistoryProjection keeps a bounded in-memory tail of price posts per
// market for the query and websocket surfaces. The durable history lives in
// proj.settlement_prices.
type PriceHistoryProjection struct {
	mu       sync.RWMutex
	perLimit int
	entries  map[string][]PriceHistoryEntry
}

func NewPriceHistoryProjection(perMarketLimit int) *PriceHistoryProjection {
	if perMarketLimit <= 0 {
		perMarketLimit = 256
	}
	return &PriceHistoryProjection{
		perLimit: perMarketLimit,
		entries:  make(map[string][]PriceHistoryEntry),
	}
}

// AddEntry records a price post, evicting the oldest once the per-market
// limit is reached.
func (p *PriceHistoryProjection) AddEntry(entry PriceHistoryEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tail := append(p.entries[entry.MarketID], entry)
	if len(tail) > p.perLimit {
		tail = tail[len(tail)-p.perLimit:]
	}
	p.entries[entry.MarketID] = tail
}

// QueryByMarket returns the most recent posts for a market, newest first.
func (p *PriceHistoryProjection) QueryByMarket(marketID string, limit int) []PriceHistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tail := p.entries[marketID]
	if limit <= 0 || limit > len(tail) {
		limit = len(tail)
	}

	result := make([]PriceHistoryEntry, 0, limit)
	for i := len(tail) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, tail[i])
	}
	return result
}
