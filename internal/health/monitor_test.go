package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/meridian/internal/domain"
	"github.com/aristath/meridian/internal/providers"
)

type stubProvider struct {
	source domain.Source
	fail   atomic.Bool
	checks atomic.Int64
}

func (s *stubProvider) Source() domain.Source { return s.source }

func (s *stubProvider) HealthCheck(ctx context.Context) (domain.HealthStatus, error) {
	s.checks.Add(1)
	if s.fail.Load() {
		return domain.HealthStatus{Status: domain.HealthDown}, errors.New("unreachable")
	}
	return domain.HealthStatus{Status: domain.HealthOK}, nil
}

func (s *stubProvider) FetchHistorical(ctx context.Context, symbols []string, start, end time.Time, interval domain.Interval) (map[string][]domain.Bar, error) {
	return nil, providers.ErrNoData
}

func (s *stubProvider) FetchRealTime(ctx context.Context, symbols []string) (map[string]domain.Bar, error) {
	return nil, providers.ErrNoData
}

func (s *stubProvider) FetchAssetInfo(ctx context.Context, symbols []string) (map[string]domain.AssetInfo, error) {
	return nil, providers.ErrNoData
}

func (s *stubProvider) ValidateSymbols(ctx context.Context, symbols []string) (map[string]domain.ValidationOutcome, error) {
	return nil, providers.ErrNoData
}

func (s *stubProvider) SearchAssets(ctx context.Context, query string, limit int) ([]domain.AssetInfo, error) {
	return nil, providers.ErrNoData
}

type openCircuits map[domain.Source]bool

func (o openCircuits) IsOpen(src domain.Source) bool { return o[src] }

func newTestMonitor(t *testing.T, provs ...providers.Provider) *Monitor {
	t.Helper()
	return NewMonitor(provs, nil, 10*time.Millisecond, zerolog.Nop())
}

func TestMonitorStartStopIdempotent(t *testing.T) {
	p := &stubProvider{source: domain.SourceYahoo}
	m := newTestMonitor(t, p)

	m.Start()
	m.Start() // second start is a no-op

	time.Sleep(35 * time.Millisecond)
	m.Stop()
	m.Stop() // second stop is a no-op

	checks := p.checks.Load()
	assert.GreaterOrEqual(t, checks, int64(2), "expected immediate poll plus ticks")

	// No further polling after Stop returns.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, checks, p.checks.Load())
}

func TestMonitorRecordsHealthCheckOutcomes(t *testing.T) {
	p := &stubProvider{source: domain.SourceYahoo}
	p.fail.Store(true)
	m := newTestMonitor(t, p)

	m.Start()
	time.Sleep(25 * time.Millisecond)
	m.Stop()

	status := m.GetHealthStatus()
	h, ok := status[domain.SourceYahoo]
	require.True(t, ok)
	assert.False(t, h.Available)
	assert.Equal(t, 1.0, h.FailureRate)
	assert.False(t, h.LastChecked.IsZero())
}

func TestMonitorCircuitOverridesAvailability(t *testing.T) {
	p := &stubProvider{source: domain.SourceYahoo}
	m := NewMonitor([]providers.Provider{p}, openCircuits{domain.SourceYahoo: true}, time.Second, zerolog.Nop())

	m.Record(domain.SourceYahoo, 10*time.Millisecond, true)

	status := m.GetHealthStatus()
	assert.False(t, status[domain.SourceYahoo].Available, "open circuit marks provider unavailable")
}

func TestMonitorPerformanceMetrics(t *testing.T) {
	p := &stubProvider{source: domain.SourceYahoo}
	m := newTestMonitor(t, p)

	for i := 0; i < 8; i++ {
		m.Record(domain.SourceYahoo, 100*time.Millisecond, true)
	}
	m.Record(domain.SourceYahoo, 100*time.Millisecond, false)
	m.Record(domain.SourceYahoo, 100*time.Millisecond, false)

	metrics := m.GetPerformanceMetrics(5 * time.Minute)
	metric := metrics[domain.SourceYahoo]
	assert.Equal(t, 10, metric.TotalRequests)
	assert.InDelta(t, 0.2, metric.ErrorRate, 1e-9)
	assert.InDelta(t, 100, metric.AvgResponseTime, 1e-9)
}

func TestMonitorAlertsRequireMinimumSamples(t *testing.T) {
	p := &stubProvider{source: domain.SourceYahoo}
	m := newTestMonitor(t, p)

	// Two failures alone must not alert.
	m.Record(domain.SourceYahoo, time.Millisecond, false)
	m.Record(domain.SourceYahoo, time.Millisecond, false)
	assert.Empty(t, m.GetActiveAlerts())
}

func TestMonitorAlertLevels(t *testing.T) {
	p := &stubProvider{source: domain.SourceYahoo}
	m := newTestMonitor(t, p)

	// 3/10 failures: warning territory.
	for i := 0; i < 7; i++ {
		m.Record(domain.SourceYahoo, time.Millisecond, true)
	}
	for i := 0; i < 3; i++ {
		m.Record(domain.SourceYahoo, time.Millisecond, false)
	}

	alerts := m.GetActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertWarning, alerts[0].Level)
	assert.Equal(t, domain.SourceYahoo, alerts[0].Source)

	// Push past the critical threshold.
	for i := 0; i < 10; i++ {
		m.Record(domain.SourceYahoo, time.Millisecond, false)
	}
	alerts = m.GetActiveAlerts()
	require.NotEmpty(t, alerts)
	assert.Equal(t, AlertCritical, alerts[0].Level)
}

func TestMonitorLatencyAlert(t *testing.T) {
	p := &stubProvider{source: domain.SourceYahoo}
	m := newTestMonitor(t, p)

	for i := 0; i < 6; i++ {
		m.Record(domain.SourceYahoo, 3*time.Second, true)
	}

	alerts := m.GetActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertWarning, alerts[0].Level)
	assert.Contains(t, alerts[0].Message, "response time")
}

func TestMonitorRankingsOrdered(t *testing.T) {
	good := &stubProvider{source: domain.SourceYahoo}
	bad := &stubProvider{source: domain.SourceAlphaVantage}
	m := newTestMonitor(t, good, bad)

	for i := 0; i < 10; i++ {
		m.Record(domain.SourceYahoo, 50*time.Millisecond, true)
		m.Record(domain.SourceAlphaVantage, 4*time.Second, i%2 == 0)
	}

	rankings := m.GetProviderRankings()
	require.Len(t, rankings, 2)
	assert.Equal(t, domain.SourceYahoo, rankings[0].Source)
	assert.Greater(t, rankings[0].Overall, rankings[1].Overall)
	assert.InDelta(t, 1.0, rankings[0].Reliability, 1e-9)
	assert.InDelta(t, 0.5, rankings[1].Reliability, 1e-9)
}

func TestMonitorSubscribeReceivesAlerts(t *testing.T) {
	p := &stubProvider{source: domain.SourceYahoo}
	m := newTestMonitor(t, p)
	ch := m.Subscribe()

	for i := 0; i < 10; i++ {
		m.Record(domain.SourceYahoo, time.Millisecond, false)
	}

	select {
	case a := <-ch:
		assert.Equal(t, domain.SourceYahoo, a.Source)
		assert.Equal(t, AlertCritical, a.Level)
	case <-time.After(time.Second):
		t.Fatal("expected an alert on the subscription channel")
	}
}

func TestMonitorSampleHistoryBounded(t *testing.T) {
	p := &stubProvider{source: domain.SourceYahoo}
	m := newTestMonitor(t, p)

	for i := 0; i < maxSamples+100; i++ {
		m.Record(domain.SourceYahoo, time.Millisecond, true)
	}

	m.mu.Lock()
	n := len(m.samples[domain.SourceYahoo])
	m.mu.Unlock()
	assert.Equal(t, maxSamples, n)
}
