package providers

import (
	"context"
	"sync"
	"time"
)

// rateGate enforces a minimum delay between consecutive requests to one
// upstream vendor. Adapters call Wait before every outbound request.
type rateGate struct {
	minInterval time.Duration
	last        time.Time
	mu          sync.Mutex
}

func newRateGate(minInterval time.Duration) *rateGate {
	return &rateGate{minInterval: minInterval}
}

// Wait blocks until the minimum inter-request interval has elapsed, or the
// context is cancelled.
func (g *rateGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	now := time.Now()
	wait := g.minInterval - now.Sub(g.last)
	if wait < 0 {
		wait = 0
	}
	// Claim the slot before sleeping so concurrent callers queue up
	// rather than all waking at once.
	g.last = now.Add(wait)
	g.mu.Unlock()

	if wait == 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
