package translate

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/minios-linux/quoteharvest/metrics"
)

// DefaultMaxConcurrent is the default number of in-flight translation calls.
const DefaultMaxConcurrent = 5

// Gate bounds the number of translation calls in flight. Waiters are
// admitted in the order they arrived.
type Gate struct {
	sem      *semaphore.Weighted
	size     int
	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewGate returns a gate admitting at most n concurrent holders (minimum 1).
func NewGate(n int) *Gate {
	if n <= 0 {
		n = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(n)), size: n}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	cur := g.inFlight.Add(1)
	metrics.TranslationsInFlight.Inc()
	for {
		p := g.peak.Load()
		if cur <= p || g.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	return nil
}

// Release frees a slot taken by Acquire.
func (g *Gate) Release() {
	g.inFlight.Add(-1)
	metrics.TranslationsInFlight.Dec()
	g.sem.Release(1)
}

// Cap returns the gate capacity.
func (g *Gate) Cap() int { return g.size }

// InFlight returns the number of current holders.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

// Peak returns the highest number of simultaneous holders seen.
func (g *Gate) Peak() int { return int(g.peak.Load()) }
