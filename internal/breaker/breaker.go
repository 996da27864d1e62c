// Package breaker implements per-provider circuit breakers.
//
// Each provider gets a small state machine: Closed (normal), Open
// (provider excluded from selection), and Half-Open (one trial call
// permitted after the recovery timeout). The registry knows nothing about
// why a call failed, only success/failure.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/meridian/internal/domain"
	"github.com/aristath/meridian/pkg/logger"
)

// State is the circuit state of a single provider.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Snapshot is a point-in-time view of one provider's breaker.
type Snapshot struct {
	Source       domain.Source `json:"source"`
	State        State         `json:"state"`
	FailureCount int           `json:"failure_count"`
	OpenedAt     time.Time     `json:"opened_at,omitempty"`
}

type circuit struct {
	failureCount int
	open         bool
	openedAt     time.Time
	probing      bool // a half-open trial call is in flight
}

// Registry tracks a circuit per provider. All methods are safe for
// concurrent use; increment-and-check is atomic under the registry lock.
type Registry struct {
	threshold int
	recovery  time.Duration
	circuits  map[domain.Source]*circuit
	now       func() time.Time
	log       zerolog.Logger
	mu        sync.Mutex
}

// NewRegistry creates a circuit breaker registry for the given sources.
// threshold is the consecutive failure count that trips a circuit and
// recovery is how long an open circuit waits before permitting a trial call.
func NewRegistry(sources []domain.Source, threshold int, recovery time.Duration, log zerolog.Logger) *Registry {
	circuits := make(map[domain.Source]*circuit, len(sources))
	for _, src := range sources {
		circuits[src] = &circuit{}
	}
	return &Registry{
		threshold: threshold,
		recovery:  recovery,
		circuits:  circuits,
		now:       time.Now,
		log:       logger.Component(log, "breaker"),
	}
}

// SetClock replaces the registry clock. Used by tests to control recovery
// timing deterministically.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Allow reports whether the provider may be selected right now: its
// circuit is closed, or open past the recovery timeout with the trial
// slot still unclaimed. Allow never claims the slot, so filtering a
// candidate list with it cannot starve a half-open circuit; the slot is
// claimed by Acquire immediately before the call is made.
func (r *Registry) Allow(src domain.Source) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuits[src]
	if c == nil {
		// Unknown providers are never admitted.
		return false
	}
	if !c.open {
		return true
	}
	if r.now().Sub(c.openedAt) < r.recovery {
		return false
	}
	return !c.probing
}

// Acquire admits one call to the provider. Closed circuits admit freely.
// An open circuit past its recovery timeout admits exactly one trial
// call: the first caller claims the slot, later callers are refused
// until the trial resolves via RecordSuccess or RecordFailure. Call this
// only when the provider is actually about to be invoked.
func (r *Registry) Acquire(src domain.Source) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuits[src]
	if c == nil {
		return false
	}
	if !c.open {
		return true
	}
	if r.now().Sub(c.openedAt) < r.recovery {
		return false
	}
	if c.probing {
		return false
	}
	c.probing = true
	r.log.Info().Str("source", string(src)).Msg("Circuit half-open, admitting trial call")
	return true
}

// RecordSuccess records a successful call for the provider.
// While closed it resets the failure count; it also closes a half-open
// circuit whose trial call succeeded.
func (r *Registry) RecordSuccess(src domain.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuits[src]
	if c == nil {
		return
	}
	if c.open {
		r.log.Info().Str("source", string(src)).Msg("Trial call succeeded, closing circuit")
	}
	c.open = false
	c.probing = false
	c.failureCount = 0
}

// RecordFailure records a failed call for the provider. Reaching the
// threshold opens the circuit; a failure during a half-open trial reopens
// it and restarts the recovery timer.
func (r *Registry) RecordFailure(src domain.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuits[src]
	if c == nil {
		return
	}

	if c.open {
		// Failed trial call: back to fully open, timer restarted.
		c.probing = false
		c.openedAt = r.now()
		r.log.Warn().Str("source", string(src)).Msg("Trial call failed, circuit re-opened")
		return
	}

	c.failureCount++
	if c.failureCount >= r.threshold {
		c.open = true
		c.openedAt = r.now()
		r.log.Warn().
			Str("source", string(src)).
			Int("failures", c.failureCount).
			Msg("Failure threshold reached, circuit opened")
	}
}

// IsOpen reports whether the provider's circuit is currently open.
// A circuit past its recovery timeout still reports open until a trial
// call succeeds.
func (r *Registry) IsOpen(src domain.Source) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuits[src]
	return c != nil && c.open
}

// FailureCount returns the provider's current consecutive failure count.
func (r *Registry) FailureCount(src domain.Source) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.circuits[src]
	if c == nil {
		return 0
	}
	return c.failureCount
}

// Snapshots returns the state of every circuit, for status reporting.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(r.circuits))
	for src, c := range r.circuits {
		s := Snapshot{Source: src, State: StateClosed, FailureCount: c.failureCount}
		if c.open {
			s.State = StateOpen
			s.OpenedAt = c.openedAt
			if r.now().Sub(c.openedAt) >= r.recovery {
				s.State = StateHalfOpen
			}
		}
		snaps = append(snaps, s)
	}
	return snaps
}
