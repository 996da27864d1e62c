package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/meridian/internal/breaker"
	"github.com/aristath/meridian/internal/cache"
	"github.com/aristath/meridian/internal/composite"
	"github.com/aristath/meridian/internal/config"
	"github.com/aristath/meridian/internal/domain"
	"github.com/aristath/meridian/internal/health"
	"github.com/aristath/meridian/internal/providers"
	"github.com/aristath/meridian/internal/workpool"
)

type stubProvider struct {
	source domain.Source
	err    error
	calls  atomic.Int64
}

func (s *stubProvider) Source() domain.Source { return s.source }

func (s *stubProvider) FetchHistorical(ctx context.Context, symbols []string, start, end time.Time, interval domain.Interval) (map[string][]domain.Bar, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string][]domain.Bar, len(symbols))
	for _, sym := range symbols {
		out[sym] = []domain.Bar{{Open: 100, High: 110, Low: 95, Close: 105, Volume: 1000, Timestamp: start}}
	}
	return out, nil
}

func (s *stubProvider) FetchRealTime(ctx context.Context, symbols []string) (map[string]domain.Bar, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]domain.Bar, len(symbols))
	for _, sym := range symbols {
		out[sym] = domain.Bar{Open: 100, High: 110, Low: 95, Close: 105, Volume: 1000, Timestamp: time.Now()}
	}
	return out, nil
}

func (s *stubProvider) FetchAssetInfo(ctx context.Context, symbols []string) (map[string]domain.AssetInfo, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]domain.AssetInfo, len(symbols))
	for _, sym := range symbols {
		out[sym] = domain.AssetInfo{Symbol: sym, Name: sym + " Inc", Exchange: "NASDAQ", Currency: "USD", AssetType: "equity"}
	}
	return out, nil
}

func (s *stubProvider) ValidateSymbols(ctx context.Context, symbols []string) (map[string]domain.ValidationOutcome, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]domain.ValidationOutcome, len(symbols))
	for _, sym := range symbols {
		out[sym] = domain.ValidationOutcome{Symbol: sym, Valid: true}
	}
	return out, nil
}

func (s *stubProvider) SearchAssets(ctx context.Context, query string, limit int) ([]domain.AssetInfo, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return []domain.AssetInfo{{Symbol: "AAPL", Name: "Apple Inc", Exchange: "NASDAQ", Currency: "USD", AssetType: "equity"}}, nil
}

func (s *stubProvider) HealthCheck(ctx context.Context) (domain.HealthStatus, error) {
	if s.err != nil {
		return domain.HealthStatus{Status: domain.HealthDown}, s.err
	}
	return domain.HealthStatus{Status: domain.HealthOK}, nil
}

func newTestServer(t *testing.T, provs ...providers.Provider) (*Server, *health.Monitor) {
	t.Helper()
	log := zerolog.Nop()

	sources := make([]domain.Source, len(provs))
	for i, p := range provs {
		sources[i] = p.Source()
	}
	registry := breaker.NewRegistry(sources, 5, time.Minute, log)
	monitor := health.NewMonitor(provs, registry, time.Hour, log)
	temporal := cache.New(cache.NewMemoryStore(), log)

	cfg := config.ProviderConfig{
		Chain:              sources,
		Failover:           config.FastFail,
		ConflictResolution: config.PrimaryWins,
		Timeout:            2 * time.Second,
	}
	comp, err := composite.New(provs, cfg, registry, monitor, temporal, log)
	require.NoError(t, err)

	pool, err := workpool.New(4, nil, log)
	require.NoError(t, err)

	srv := New(Config{
		Log:       log,
		Port:      0,
		DevMode:   true,
		Composite: comp,
		Monitor:   monitor,
		Cache:     temporal,
		Pool:      pool,
	})
	return srv, monitor
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestLivenessReportsOK(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{source: domain.SourceYahoo})

	rec := doJSON(t, srv.Router(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestFetchRealTimeEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{source: domain.SourceYahoo})

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/data/realtime", map[string]interface{}{
		"symbols": []string{"AAPL", "MSFT"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res composite.Result[map[string]domain.Bar]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, domain.SourceYahoo, res.PrimarySource)
	assert.False(t, res.FailoverOccurred)
	assert.Len(t, res.Data, 2)
	assert.InDelta(t, 105.0, res.Data["AAPL"].Close, 1e-9)
}

func TestFetchRealTimeRequiresSymbols(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{source: domain.SourceYahoo})

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/data/realtime", map[string]interface{}{
		"symbols": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFetchRealTimeParallel(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{source: domain.SourceYahoo})

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/data/realtime", map[string]interface{}{
		"symbols":  []string{"AAPL", "MSFT", "GOOG"},
		"parallel": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res composite.BulkResult[domain.Bar]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Len(t, res.Data, 3)
	assert.Empty(t, res.Errors)
}

func TestFetchHistoricalEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{source: domain.SourceYahoo})

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/data/historical", map[string]interface{}{
		"symbols":  []string{"AAPL"},
		"start":    "2024-01-01",
		"end":      "2024-06-30",
		"interval": "1d",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res composite.Result[map[string][]domain.Bar]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Data["AAPL"], 1)
	assert.InDelta(t, 105.0, res.Data["AAPL"][0].Close, 1e-9)
}

func TestFetchHistoricalRejectsBadDates(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{source: domain.SourceYahoo})

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/data/historical", map[string]interface{}{
		"symbols": []string{"AAPL"},
		"start":   "January 1st",
		"end":     "2024-06-30",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDataEndpointFailoverSurfacesAsBadGateway(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{source: domain.SourceYahoo, err: assert.AnError})

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/data/realtime", map[string]interface{}{
		"symbols": []string{"AAPL"},
	})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed")
}

func TestValidateSymbolsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{source: domain.SourceYahoo})

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/data/validate", map[string]interface{}{
		"symbols": []string{"AAPL", "FAKESYM"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var res composite.Result[map[string]domain.ValidationOutcome]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Len(t, res.Data, 2)
}

func TestSearchAssetsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{source: domain.SourceYahoo})

	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/data/search?q=apple&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res composite.Result[[]domain.AssetInfo]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Data, 1)
	assert.Equal(t, "AAPL", res.Data[0].Symbol)
}

func TestSearchAssetsRequiresQuery(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{source: domain.SourceYahoo})

	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/data/search", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProviderConfigRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t,
		&stubProvider{source: domain.SourceYahoo},
		&stubProvider{source: domain.SourceAlphaVantage},
	)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/providers/config", providerConfigPayload{
		Chain:              []string{"alphavantage", "yahoo"},
		FailoverStrategy:   "retry_once",
		ConflictResolution: "latest_timestamp",
		TimeoutSeconds:     5,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Router(), http.MethodGet, "/api/providers/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got providerConfigPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"alphavantage", "yahoo"}, got.Chain)
	assert.Equal(t, "retry_once", got.FailoverStrategy)
	assert.Equal(t, "latest_timestamp", got.ConflictResolution)
	assert.InDelta(t, 5.0, got.TimeoutSeconds, 1e-9)
}

func TestProviderConfigRejectsUnknownSource(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{source: domain.SourceYahoo})

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/providers/config", providerConfigPayload{
		Chain:              []string{"openbb"},
		FailoverStrategy:   "fast_fail",
		ConflictResolution: "primary_wins",
		TimeoutSeconds:     5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "openbb")
}

func TestProviderHealthEndpoint(t *testing.T) {
	srv, monitor := newTestServer(t, &stubProvider{source: domain.SourceYahoo})
	monitor.Record(domain.SourceYahoo, 80*time.Millisecond, true)

	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/providers/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[domain.Source]domain.ProviderHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, domain.SourceYahoo)
	assert.True(t, body[domain.SourceYahoo].Available)
}

func TestProviderRankingsEndpoint(t *testing.T) {
	srv, monitor := newTestServer(t,
		&stubProvider{source: domain.SourceYahoo},
		&stubProvider{source: domain.SourceAlphaVantage},
	)
	for i := 0; i < 10; i++ {
		monitor.Record(domain.SourceYahoo, 50*time.Millisecond, true)
		monitor.Record(domain.SourceAlphaVantage, 50*time.Millisecond, i%2 == 0)
	}

	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/providers/rankings", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var rankings []health.Ranking
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rankings))
	require.Len(t, rankings, 2)
	assert.Equal(t, domain.SourceYahoo, rankings[0].Source)
}

func TestActiveAlertsEndpointEmpty(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{source: domain.SourceYahoo})

	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/providers/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestProviderCostsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{source: domain.SourceAlphaVantage})

	// Generate some chargeable traffic first.
	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/data/realtime", map[string]interface{}{
		"symbols": []string{"AAPL"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Router(), http.MethodGet, "/api/providers/costs?window_hours=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var costs map[domain.Source]composite.CostReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &costs))
	require.Contains(t, costs, domain.SourceAlphaVantage)
	assert.Equal(t, 1, costs[domain.SourceAlphaVantage].Requests)
	assert.Greater(t, costs[domain.SourceAlphaVantage].EstimatedCost, 0.0)
}

func TestCacheStatsAndInvalidate(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{source: domain.SourceYahoo})

	// Populate the cache through a data fetch.
	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/data/historical", map[string]interface{}{
		"symbols": []string{"AAPL"},
		"start":   "2024-01-01",
		"end":     "2024-06-30",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv.Router(), http.MethodGet, "/api/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats cache.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.LiveKeys)

	rec = doJSON(t, srv.Router(), http.MethodPost, "/api/cache/invalidate/AAPL", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var inv map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inv))
	assert.Equal(t, float64(1), inv["removed"])
}

func TestCacheCleanupEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{source: domain.SourceYahoo})

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/cache/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(0), body["removed"])
}

func TestTurnoverOptimizeEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{source: domain.SourceYahoo})

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/turnover/optimize", map[string]interface{}{
		"current":             []string{"AAPL", "MSFT"},
		"candidate":           []string{"MSFT", "GOOG"},
		"optimization_target": "balanced",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	transition, ok := body["transition"].(map[string]interface{})
	require.True(t, ok)
	assert.InDelta(t, 0.5, transition["rate"].(float64), 1e-9)
}

func TestTurnoverOptimizeRejectsUnknownTarget(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvider{source: domain.SourceYahoo})

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/turnover/optimize", map[string]interface{}{
		"current":             []string{"AAPL"},
		"candidate":           []string{"MSFT"},
		"optimization_target": "maximize_chaos",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
