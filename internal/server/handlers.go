package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/meridian/internal/config"
	"github.com/aristath/meridian/internal/domain"
	"github.com/aristath/meridian/internal/health"
	"github.com/aristath/meridian/internal/turnover"
)

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// handleLiveness reports overall composite status for readiness probes.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	providerHealth := s.monitor.GetHealthStatus()

	available := 0
	for _, h := range providerHealth {
		if h.Available {
			available++
		}
	}
	switch {
	case len(providerHealth) > 0 && available == 0:
		status = "down"
	case available < len(providerHealth):
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"providers": providerHealth,
	})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.monitor.GetHealthStatus())
}

func (s *Server) handlePerformanceMetrics(w http.ResponseWriter, r *http.Request) {
	windowMinutes := queryInt(r, "window_minutes", 15)
	metrics := s.monitor.GetPerformanceMetrics(time.Duration(windowMinutes) * time.Minute)
	respondJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.monitor.GetActiveAlerts()
	if alerts == nil {
		alerts = []health.Alert{}
	}
	respondJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleProviderRankings(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.monitor.GetProviderRankings())
}

func (s *Server) handleProviderCosts(w http.ResponseWriter, r *http.Request) {
	windowHours := queryInt(r, "window_hours", 24)
	respondJSON(w, http.StatusOK, s.composite.MonitorProviderCosts(windowHours))
}

type providerConfigPayload struct {
	Chain              []string `json:"chain"`
	FailoverStrategy   string   `json:"failover_strategy"`
	ConflictResolution string   `json:"conflict_resolution"`
	TimeoutSeconds     float64  `json:"timeout_seconds"`
}

func (s *Server) handleGetProviderConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.composite.Config()

	chain := make([]string, len(cfg.Chain))
	for i, src := range cfg.Chain {
		chain[i] = string(src)
	}
	respondJSON(w, http.StatusOK, providerConfigPayload{
		Chain:              chain,
		FailoverStrategy:   string(cfg.Failover),
		ConflictResolution: string(cfg.ConflictResolution),
		TimeoutSeconds:     cfg.Timeout.Seconds(),
	})
}

func (s *Server) handleSetProviderConfig(w http.ResponseWriter, r *http.Request) {
	var payload providerConfigPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	chain := make([]domain.Source, len(payload.Chain))
	for i, src := range payload.Chain {
		chain[i] = domain.Source(src)
	}
	cfg := config.ProviderConfig{
		Chain:              chain,
		Failover:           config.FailoverStrategy(payload.FailoverStrategy),
		ConflictResolution: config.ConflictResolution(payload.ConflictResolution),
		Timeout:            time.Duration(payload.TimeoutSeconds * float64(time.Second)),
	}
	if err := s.composite.SetConfig(cfg); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type historicalRequest struct {
	Symbols  []string `json:"symbols"`
	Start    string   `json:"start"`
	End      string   `json:"end"`
	Interval string   `json:"interval"`
}

func (s *Server) handleFetchHistorical(w http.ResponseWriter, r *http.Request) {
	var req historicalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Symbols) == 0 {
		respondError(w, http.StatusBadRequest, "symbols are required")
		return
	}

	start, err := time.Parse("2006-01-02", req.Start)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid start date, expected YYYY-MM-DD")
		return
	}
	end, err := time.Parse("2006-01-02", req.End)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid end date, expected YYYY-MM-DD")
		return
	}

	interval := domain.Interval(req.Interval)
	if interval == "" {
		interval = domain.IntervalDaily
	}

	res, err := s.composite.FetchHistorical(r.Context(), req.Symbols, start, end, interval)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type symbolsRequest struct {
	Symbols  []string `json:"symbols"`
	Parallel bool     `json:"parallel"`
}

func (s *Server) handleFetchRealTime(w http.ResponseWriter, r *http.Request) {
	var req symbolsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Symbols) == 0 {
		respondError(w, http.StatusBadRequest, "symbols are required")
		return
	}

	if req.Parallel && s.pool != nil {
		bulk := s.composite.BulkFetchRealTime(r.Context(), s.pool, req.Symbols)
		respondJSON(w, http.StatusOK, bulk)
		return
	}

	res, err := s.composite.FetchRealTime(r.Context(), req.Symbols)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleFetchAssetInfo(w http.ResponseWriter, r *http.Request) {
	var req symbolsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Symbols) == 0 {
		respondError(w, http.StatusBadRequest, "symbols are required")
		return
	}

	res, err := s.composite.FetchAssetInfo(r.Context(), req.Symbols)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleValidateSymbols(w http.ResponseWriter, r *http.Request) {
	var req symbolsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Symbols) == 0 {
		respondError(w, http.StatusBadRequest, "symbols are required")
		return
	}

	if req.Parallel && s.pool != nil {
		bulk := s.composite.BulkValidateSymbols(r.Context(), s.pool, req.Symbols)
		respondJSON(w, http.StatusOK, bulk)
		return
	}

	res, err := s.composite.ValidateSymbols(r.Context(), req.Symbols)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleSearchAssets(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		respondError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	limit := queryInt(r, "limit", 10)

	res, err := s.composite.SearchAssets(r.Context(), query, limit)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.cache.GetStats())
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	if subject == "" {
		respondError(w, http.StatusBadRequest, "subject is required")
		return
	}

	removed, err := s.cache.Invalidate(subject)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"subject": subject, "removed": removed})
}

func (s *Server) handleCacheCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.cache.Cleanup()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

type turnoverRequest struct {
	Current            []string           `json:"current"`
	Candidate          []string           `json:"candidate"`
	Weights            map[string]float64 `json:"weights,omitempty"`
	OptimizationTarget string             `json:"optimization_target"`
}

func (s *Server) handleTurnoverOptimize(w http.ResponseWriter, r *http.Request) {
	var req turnoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	plan, err := turnover.PlanTransition(req.Current, req.Candidate, req.Weights, req.OptimizationTarget)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, plan)
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
