package pricing

import (
	"context"
	"sync"
)

// MemoryRepo is a simple in-memory oracle useful for tests and local runs.
type MemoryRepo struct {
	mu     sync.RWMutex
	prices map[string]Prices

	// Err, when set, is returned by every lookup (simulates an unreachable profile service).
	Err error

	// Fallback, when set, answers for callees that have no entry.
	// Used by the memory store driver for local runs.
	Fallback *Prices
}

func NewMemoryRepo(ps ...Prices) *MemoryRepo {
	r := &MemoryRepo{prices: map[string]Prices{}}
	for _, p := range ps {
		r.Put(p)
	}
	return r
}

func (r *MemoryRepo) Put(p Prices) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prices == nil {
		r.prices = map[string]Prices{}
	}
	r.prices[p.CalleeID] = p
}

func (r *MemoryRepo) GetPrices(_ context.Context, calleeID string) (Prices, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.Err != nil {
		return Prices{}, r.Err
	}
	p, ok := r.prices[calleeID]
	if !ok && r.Fallback != nil {
		p = *r.Fallback
		p.CalleeID = calleeID
		ok = true
	}
	if !ok {
		return Prices{}, ErrCalleeNotFound
	}
	return p, nil
}
