// Package health implements the provider health monitor: a background
// polling loop plus rolling per-provider performance statistics, alerting
// and rankings.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/meridian/internal/domain"
	"github.com/aristath/meridian/internal/providers"
	"github.com/aristath/meridian/pkg/logger"
)

// maxSamples bounds per-provider history retention. At one poll per 30s
// plus live traffic this comfortably covers multi-hour windows.
const maxSamples = 2048

// Alert thresholds. Warning fires on sustained degradation, critical on
// levels that make a provider effectively unusable.
const (
	errorRateWarn  = 0.20
	errorRateCrit  = 0.50
	latencyWarnMs  = 2000.0
	latencyCritMs  = 8000.0
	alertMinSample = 5 // don't alert off a handful of observations
)

// sample is one recorded operation or health-check outcome.
type sample struct {
	at      time.Time
	latency time.Duration
	success bool
}

// Metrics is the windowed performance rollup for one provider.
type Metrics struct {
	Source          domain.Source `json:"source"`
	TotalRequests   int           `json:"total_requests"`
	ErrorRate       float64       `json:"error_rate"`
	AvgResponseTime float64       `json:"avg_response_time_ms"`
}

// AlertLevel grades an alert.
type AlertLevel string

const (
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is an active threshold breach for a provider.
type Alert struct {
	Source  domain.Source `json:"source"`
	Level   AlertLevel    `json:"level"`
	Message string        `json:"message"`
	Since   time.Time     `json:"since"`
}

// Ranking scores one provider for selection guidance.
type Ranking struct {
	Source       domain.Source `json:"source"`
	Reliability  float64       `json:"reliability"`
	Performance  float64       `json:"performance"`
	Availability float64       `json:"availability"`
	Overall      float64       `json:"overall"`
}

// CircuitView is the breaker-side availability the monitor consults.
// Satisfied by *breaker.Registry.
type CircuitView interface {
	IsOpen(src domain.Source) bool
}

// Monitor polls provider health and accumulates rolling statistics.
// Start and Stop are idempotent; Stop joins the poll goroutine before
// returning so tests stay deterministic.
type Monitor struct {
	providers []providers.Provider
	circuits  CircuitView
	interval  time.Duration
	log       zerolog.Logger

	mu          sync.Mutex
	samples     map[domain.Source][]sample
	lastChecked map[domain.Source]time.Time
	lastHealthy map[domain.Source]bool
	subscribers []chan Alert

	runMu   sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

// NewMonitor creates a health monitor over the given providers.
func NewMonitor(provs []providers.Provider, circuits CircuitView, interval time.Duration, log zerolog.Logger) *Monitor {
	m := &Monitor{
		providers:   provs,
		circuits:    circuits,
		interval:    interval,
		log:         logger.Component(log, "health_monitor"),
		samples:     make(map[domain.Source][]sample),
		lastChecked: make(map[domain.Source]time.Time),
		lastHealthy: make(map[domain.Source]bool),
	}
	for _, p := range provs {
		m.samples[p.Source()] = nil
		m.lastHealthy[p.Source()] = true
	}
	return m
}

// Start launches the polling loop. Starting a running monitor is a no-op.
func (m *Monitor) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		m.log.Warn().Msg("Health monitor already started, ignoring")
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.running = true

	go m.loop(m.stop, m.done)
	m.log.Info().Dur("interval", m.interval).Msg("Health monitor started")
}

// Stop halts the polling loop and waits for it to fully cease.
// Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if !m.running {
		return
	}
	close(m.stop)
	<-m.done
	m.running = false
	m.log.Info().Msg("Health monitor stopped")
}

func (m *Monitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Poll once immediately so status queries have data from the start.
	m.pollAll()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.pollAll()
		}
	}
}

func (m *Monitor) pollAll() {
	for _, p := range m.providers {
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		started := time.Now()
		status, err := p.HealthCheck(ctx)
		cancel()

		healthy := err == nil && status.Status != domain.HealthDown
		m.recordCheck(p.Source(), time.Since(started), healthy)
	}
}

func (m *Monitor) recordCheck(src domain.Source, latency time.Duration, healthy bool) {
	m.mu.Lock()
	m.lastChecked[src] = time.Now()
	wasHealthy := m.lastHealthy[src]
	m.lastHealthy[src] = healthy
	m.mu.Unlock()

	m.Record(src, latency, healthy)

	if wasHealthy && !healthy {
		m.log.Warn().Str("source", string(src)).Msg("Provider health check failed")
	} else if !wasHealthy && healthy {
		m.log.Info().Str("source", string(src)).Msg("Provider health check recovered")
	}
}

// Record adds one operation outcome to the provider's rolling history.
// Called by the composite provider for every dispatched call and by the
// poll loop for health checks.
func (m *Monitor) Record(src domain.Source, latency time.Duration, success bool) {
	m.mu.Lock()
	s := append(m.samples[src], sample{at: time.Now(), latency: latency, success: success})
	if len(s) > maxSamples {
		s = s[len(s)-maxSamples:]
	}
	m.samples[src] = s
	m.mu.Unlock()

	if !success {
		m.maybeNotify(src)
	}
}

// maybeNotify pushes a fresh alert snapshot to subscribers after a failure.
func (m *Monitor) maybeNotify(src domain.Source) {
	for _, a := range m.GetActiveAlerts() {
		if a.Source != src {
			continue
		}
		m.mu.Lock()
		subs := m.subscribers
		m.mu.Unlock()
		for _, ch := range subs {
			select {
			case ch <- a:
			default:
				// Slow subscriber, drop rather than block the hot path.
			}
		}
	}
}

// Subscribe returns a channel receiving alerts as they fire.
func (m *Monitor) Subscribe() <-chan Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Alert, 16)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe.
func (m *Monitor) Unsubscribe(ch <-chan Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			return
		}
	}
}

// windowed returns the samples for src recorded within the window.
func (m *Monitor) windowed(src domain.Source, window time.Duration) []sample {
	cutoff := time.Now().Add(-window)
	all := m.samples[src]
	// Samples are append-ordered; find the first inside the window.
	idx := sort.Search(len(all), func(i int) bool { return all[i].at.After(cutoff) })
	return all[idx:]
}

// GetHealthStatus returns the current per-provider health rollup.
func (m *Monitor) GetHealthStatus() map[domain.Source]domain.ProviderHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[domain.Source]domain.ProviderHealth, len(m.providers))
	for _, p := range m.providers {
		src := p.Source()
		recent := m.windowed(src, 15*time.Minute)

		var failures int
		var totalLatency time.Duration
		for _, s := range recent {
			if !s.success {
				failures++
			}
			totalLatency += s.latency
		}

		h := domain.ProviderHealth{
			Source:      src,
			LastChecked: m.lastChecked[src],
			Available:   m.lastHealthy[src],
		}
		if _, polled := m.lastChecked[src]; !polled {
			// Never probed yet; assume reachable until evidence says otherwise.
			h.Available = true
		}
		if len(recent) > 0 {
			h.FailureRate = float64(failures) / float64(len(recent))
			h.AvgResponseTime = float64(totalLatency.Milliseconds()) / float64(len(recent))
		}
		if m.circuits != nil && m.circuits.IsOpen(src) {
			h.Available = false
		}
		out[src] = h
	}
	return out
}

// GetPerformanceMetrics returns request counts, error rate and average
// latency for the given trailing window only.
func (m *Monitor) GetPerformanceMetrics(window time.Duration) map[domain.Source]Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[domain.Source]Metrics, len(m.providers))
	for _, p := range m.providers {
		src := p.Source()
		recent := m.windowed(src, window)

		metric := Metrics{Source: src, TotalRequests: len(recent)}
		if len(recent) > 0 {
			var failures int
			var totalLatency time.Duration
			for _, s := range recent {
				if !s.success {
					failures++
				}
				totalLatency += s.latency
			}
			metric.ErrorRate = float64(failures) / float64(len(recent))
			metric.AvgResponseTime = float64(totalLatency.Milliseconds()) / float64(len(recent))
		}
		out[src] = metric
	}
	return out
}

// GetActiveAlerts returns current threshold breaches.
func (m *Monitor) GetActiveAlerts() []Alert {
	metrics := m.GetPerformanceMetrics(15 * time.Minute)

	var alerts []Alert
	now := time.Now()
	for _, metric := range metrics {
		if metric.TotalRequests < alertMinSample {
			continue
		}
		switch {
		case metric.ErrorRate >= errorRateCrit:
			alerts = append(alerts, Alert{
				Source: metric.Source, Level: AlertCritical, Since: now,
				Message: "error rate critical",
			})
		case metric.ErrorRate >= errorRateWarn:
			alerts = append(alerts, Alert{
				Source: metric.Source, Level: AlertWarning, Since: now,
				Message: "error rate elevated",
			})
		}
		switch {
		case metric.AvgResponseTime >= latencyCritMs:
			alerts = append(alerts, Alert{
				Source: metric.Source, Level: AlertCritical, Since: now,
				Message: "response time critical",
			})
		case metric.AvgResponseTime >= latencyWarnMs:
			alerts = append(alerts, Alert{
				Source: metric.Source, Level: AlertWarning, Since: now,
				Message: "response time elevated",
			})
		}
	}

	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Source < alerts[j].Source })
	return alerts
}

// GetProviderRankings scores and orders providers, best first.
// Reliability is 1 - error rate, performance decays with average latency,
// availability reflects circuit and health-check state.
func (m *Monitor) GetProviderRankings() []Ranking {
	metrics := m.GetPerformanceMetrics(60 * time.Minute)
	status := m.GetHealthStatus()

	rankings := make([]Ranking, 0, len(metrics))
	for src, metric := range metrics {
		r := Ranking{Source: src, Reliability: 1, Performance: 1, Availability: 1}
		if metric.TotalRequests > 0 {
			r.Reliability = 1 - metric.ErrorRate
			r.Performance = latencyScore(metric.AvgResponseTime)
		}
		if h, ok := status[src]; ok && !h.Available {
			r.Availability = 0
		}
		r.Overall = 0.4*r.Reliability + 0.3*r.Performance + 0.3*r.Availability
		rankings = append(rankings, r)
	}

	sort.Slice(rankings, func(i, j int) bool {
		if rankings[i].Overall != rankings[j].Overall {
			return rankings[i].Overall > rankings[j].Overall
		}
		return rankings[i].Source < rankings[j].Source
	})
	return rankings
}

// latencyScore maps average latency to [0, 1]: 1 at instant, 0 at the
// critical threshold and beyond.
func latencyScore(avgMs float64) float64 {
	if avgMs <= 0 {
		return 1
	}
	if avgMs >= latencyCritMs {
		return 0
	}
	return 1 - avgMs/latencyCritMs
}
