package composite

import (
	"sync"
	"time"

	"github.com/aristath/meridian/internal/domain"
)

// costPerRequest estimates the metered price of one call per source.
// Free-tier providers stay at zero.
var costPerRequest = map[domain.Source]float64{
	domain.SourceAlphaVantage: 0.01,
}

// costEvent is one recorded call for windowed usage reporting.
type costEvent struct {
	at      time.Time
	success bool
}

// CostReport is the windowed usage rollup for one provider.
type CostReport struct {
	Source        domain.Source `json:"source"`
	Requests      int           `json:"requests"`
	Successes     int           `json:"successes"`
	Failures      int           `json:"failures"`
	EstimatedCost float64       `json:"estimated_cost"`
}

// costTracker keeps per-provider call events. History is trimmed past
// the longest window anyone can ask for.
type costTracker struct {
	mu     sync.Mutex
	events map[domain.Source][]costEvent
}

const costRetention = 7 * 24 * time.Hour

func newCostTracker() *costTracker {
	return &costTracker{events: make(map[domain.Source][]costEvent)}
}

func (c *costTracker) record(src domain.Source, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	events := append(c.events[src], costEvent{at: time.Now(), success: success})
	cutoff := time.Now().Add(-costRetention)
	for len(events) > 0 && events[0].at.Before(cutoff) {
		events = events[1:]
	}
	c.events[src] = events
}

func (c *costTracker) report(window time.Duration) map[domain.Source]CostReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-window)
	out := make(map[domain.Source]CostReport, len(c.events))
	for src, events := range c.events {
		r := CostReport{Source: src}
		for _, e := range events {
			if e.at.Before(cutoff) {
				continue
			}
			r.Requests++
			if e.success {
				r.Successes++
			} else {
				r.Failures++
			}
		}
		r.EstimatedCost = float64(r.Requests) * costPerRequest[src]
		out[src] = r
	}
	return out
}

// MonitorProviderCosts returns per-provider request counts and estimated
// spend for the trailing window.
func (p *Provider) MonitorProviderCosts(windowHours int) map[domain.Source]CostReport {
	if windowHours <= 0 {
		windowHours = 24
	}
	return p.costs.report(time.Duration(windowHours) * time.Hour)
}
