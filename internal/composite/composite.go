// Package composite presents the same operation surface as a single
// market-data provider while orchestrating several behind it: priority
// failover, circuit breaking, conflict resolution, caching, quality
// scoring and cost accounting.
package composite

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/meridian/internal/breaker"
	"github.com/aristath/meridian/internal/cache"
	"github.com/aristath/meridian/internal/config"
	"github.com/aristath/meridian/internal/domain"
	"github.com/aristath/meridian/internal/health"
	"github.com/aristath/meridian/internal/providers"
	"github.com/aristath/meridian/pkg/logger"
)

// Attempt records one provider try within a composite call.
type Attempt struct {
	Source domain.Source `json:"source"`
	Error  string        `json:"error"`
}

// Result wraps the outcome of a composite operation with provenance
// and quality metadata. Immutable once returned.
type Result[T any] struct {
	Data             T                  `json:"data"`
	PrimarySource    domain.Source      `json:"primary_source"`
	FailoverOccurred bool               `json:"failover_occurred"`
	ResponseTimeMs   float64            `json:"response_time_ms"`
	Quality          domain.DataQuality `json:"quality"`
	RequestID        string             `json:"request_id"`
	Attempts         []Attempt          `json:"attempts,omitempty"`
	FromCache        bool               `json:"from_cache"`
	Stale            bool               `json:"stale"`
}

// ErrChainExhausted is returned when every provider in the chain failed.
var ErrChainExhausted = errors.New("all providers in chain failed")

// exhaustedError carries the per-provider attempt list alongside
// ErrChainExhausted.
type exhaustedError struct {
	attempts []Attempt
}

func (e *exhaustedError) Error() string {
	parts := make([]string, len(e.attempts))
	for i, a := range e.attempts {
		parts[i] = fmt.Sprintf("%s: %s", a.Source, a.Error)
	}
	return "all providers in chain failed: " + strings.Join(parts, "; ")
}

func (e *exhaustedError) Unwrap() error { return ErrChainExhausted }

// Provider orchestrates the configured provider chain.
type Provider struct {
	providers map[domain.Source]providers.Provider
	breakers  *breaker.Registry
	monitor   *health.Monitor
	cache     *cache.TemporalCache
	costs     *costTracker
	log       zerolog.Logger

	cfgMu sync.RWMutex
	cfg   config.ProviderConfig
}

// New wires the composite provider. The cache is optional; passing nil
// disables read-through caching.
func New(
	provs []providers.Provider,
	cfg config.ProviderConfig,
	breakers *breaker.Registry,
	monitor *health.Monitor,
	temporal *cache.TemporalCache,
	log zerolog.Logger,
) (*Provider, error) {
	bySource := make(map[domain.Source]providers.Provider, len(provs))
	known := make(map[domain.Source]bool, len(provs))
	for _, p := range provs {
		src := p.Source()
		if _, dup := bySource[src]; dup {
			return nil, fmt.Errorf("duplicate provider registered for source %s", src)
		}
		bySource[src] = p
		known[src] = true
	}
	if err := cfg.Validate(known); err != nil {
		return nil, err
	}

	return &Provider{
		providers: bySource,
		breakers:  breakers,
		monitor:   monitor,
		cache:     temporal,
		costs:     newCostTracker(),
		log:       logger.Component(log, "composite_provider"),
		cfg:       cfg,
	}, nil
}

// SetConfig replaces the active chain configuration at runtime.
func (p *Provider) SetConfig(cfg config.ProviderConfig) error {
	known := make(map[domain.Source]bool, len(p.providers))
	for src := range p.providers {
		known[src] = true
	}
	if err := cfg.Validate(known); err != nil {
		return err
	}

	p.cfgMu.Lock()
	p.cfg = cfg
	p.cfgMu.Unlock()

	p.log.Info().
		Strs("chain", sourceStrings(cfg.Chain)).
		Str("failover", string(cfg.Failover)).
		Str("conflict_resolution", string(cfg.ConflictResolution)).
		Msg("Provider chain reconfigured")
	return nil
}

// Config returns a copy of the active configuration.
func (p *Provider) Config() config.ProviderConfig {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

func sourceStrings(chain []domain.Source) []string {
	out := make([]string, len(chain))
	for i, s := range chain {
		out[i] = string(s)
	}
	return out
}

// available returns the chain filtered to providers whose breaker
// currently admits traffic, preserving priority order.
func (p *Provider) available(cfg config.ProviderConfig) []providers.Provider {
	out := make([]providers.Provider, 0, len(cfg.Chain))
	for _, src := range cfg.Chain {
		if !p.breakers.Allow(src) {
			continue
		}
		if prov, ok := p.providers[src]; ok {
			out = append(out, prov)
		}
	}
	return out
}

// dispatch walks the chain calling op until one provider succeeds. It
// records every outcome with the breaker registry, the health monitor
// and the cost tracker. A successful result reports failover whenever
// the serving provider is not the configured primary, regardless of why
// earlier chain members were skipped.
func dispatch[T any](ctx context.Context, p *Provider, op func(context.Context, providers.Provider) (T, error)) (T, domain.Source, bool, []Attempt, error) {
	var zero T
	cfg := p.Config()

	chain := p.available(cfg)
	var attempts []Attempt
	if len(chain) == 0 {
		return zero, "", false, attempts, fmt.Errorf("no providers available: %w", ErrChainExhausted)
	}

	for _, prov := range chain {
		src := prov.Source()
		tries := 1
		if cfg.Failover == config.RetryOnce {
			tries = 2
		}
		for attempt := 0; attempt < tries; attempt++ {
			// Claim the call slot (a half-open circuit's single trial)
			// only now that this provider is actually being invoked.
			if !p.breakers.Acquire(src) {
				break
			}

			callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			started := time.Now()
			data, err := op(callCtx, prov)
			latency := time.Since(started)
			cancel()

			success := err == nil
			p.record(src, latency, success)

			if success {
				return data, src, src != cfg.Chain[0], attempts, nil
			}

			attempts = append(attempts, Attempt{Source: src, Error: err.Error()})
			p.log.Warn().
				Err(err).
				Str("source", string(src)).
				Int("attempt", attempt+1).
				Msg("Provider call failed")

			// The overall context expiring ends the whole operation.
			if ctx.Err() != nil {
				return zero, "", false, attempts, ctx.Err()
			}
		}
	}
	return zero, "", false, attempts, &exhaustedError{attempts: attempts}
}

func (p *Provider) record(src domain.Source, latency time.Duration, success bool) {
	if success {
		p.breakers.RecordSuccess(src)
	} else {
		p.breakers.RecordFailure(src)
	}
	if p.monitor != nil {
		p.monitor.Record(src, latency, success)
	}
	p.costs.record(src, success)
}

// FetchHistorical retrieves bars for the symbols, serving fresh cached
// timelines where possible and falling back to stale cache entries when
// the whole chain is down.
func (p *Provider) FetchHistorical(ctx context.Context, symbols []string, start, end time.Time, interval domain.Interval) (*Result[map[string][]domain.Bar], error) {
	started := time.Now()
	res := &Result[map[string][]domain.Bar]{
		RequestID: uuid.NewString(),
		Data:      make(map[string][]domain.Bar, len(symbols)),
	}

	params := map[string]string{
		"start":    start.UTC().Format(time.RFC3339),
		"end":      end.UTC().Format(time.RFC3339),
		"interval": string(interval),
	}

	// Serve what the cache already has and only fetch the remainder.
	var missing []string
	for _, sym := range symbols {
		var bars []domain.Bar
		if p.cache != nil {
			if ro, ok := p.cache.Get(cache.KindTimeline, sym, params, &bars); ok {
				res.Data[sym] = bars
				p.log.Debug().
					Str("symbol", sym).
					Time("retrieved_at", ro.RetrievedAt).
					Time("expires_at", ro.ExpiresAt).
					Msg("Timeline served from cache")
				continue
			}
		}
		missing = append(missing, sym)
	}

	if len(missing) > 0 {
		fetched, src, failover, attempts, err := dispatch(ctx, p, func(ctx context.Context, prov providers.Provider) (map[string][]domain.Bar, error) {
			return prov.FetchHistorical(ctx, missing, start, end, interval)
		})
		res.Attempts = attempts
		if err != nil {
			// Chain exhausted: degrade to stale cache before giving up.
			if p.cache != nil && errors.Is(err, ErrChainExhausted) {
				served := 0
				for _, sym := range missing {
					var bars []domain.Bar
					if ro, ok := p.cache.GetStale(cache.KindTimeline, sym, params, &bars); ok {
						res.Data[sym] = bars
						served++
						p.log.Warn().
							Str("symbol", sym).
							Time("retrieved_at", ro.RetrievedAt).
							Time("expired_at", ro.ExpiresAt).
							Msg("Serving stale timeline, chain exhausted")
					}
				}
				if served > 0 {
					res.Stale = true
					res.FromCache = true
					p.finishHistorical(res, symbols, started, true)
					return res, nil
				}
			}
			if len(res.Data) > 0 {
				// Partial cache coverage still counts as a response.
				res.FromCache = true
				p.finishHistorical(res, symbols, started, true)
				return res, nil
			}
			return nil, err
		}

		res.PrimarySource = src
		res.FailoverOccurred = failover
		for sym, bars := range fetched {
			res.Data[sym] = bars
			if p.cache != nil {
				if cerr := p.cache.Set(cache.KindTimeline, sym, params, bars); cerr != nil {
					p.log.Warn().Err(cerr).Str("symbol", sym).Msg("Failed to cache timeline")
				}
			}
		}
	} else {
		res.FromCache = true
	}

	p.finishHistorical(res, symbols, started, res.FailoverOccurred)
	return res, nil
}

func (p *Provider) finishHistorical(res *Result[map[string][]domain.Bar], symbols []string, started time.Time, failover bool) {
	res.ResponseTimeMs = float64(time.Since(started).Microseconds()) / 1000

	var newest time.Time
	returned := 0
	for _, bars := range res.Data {
		if len(bars) == 0 {
			continue
		}
		returned++
		if last := bars[len(bars)-1].Timestamp; last.After(newest) {
			newest = last
		}
	}
	res.Quality = domain.ScoreQuality(len(symbols), returned, 0, newest, failover)
	if res.Stale {
		res.Quality = res.Quality.Degraded()
	}
}

// FetchRealTime retrieves current quotes for the symbols.
func (p *Provider) FetchRealTime(ctx context.Context, symbols []string) (*Result[map[string]domain.Bar], error) {
	started := time.Now()

	data, src, failover, attempts, err := dispatch(ctx, p, func(ctx context.Context, prov providers.Provider) (map[string]domain.Bar, error) {
		return prov.FetchRealTime(ctx, symbols)
	})
	if err != nil {
		return nil, err
	}

	var newest time.Time
	for _, bar := range data {
		if bar.Timestamp.After(newest) {
			newest = bar.Timestamp
		}
	}

	return &Result[map[string]domain.Bar]{
		Data:             data,
		PrimarySource:    src,
		FailoverOccurred: failover,
		ResponseTimeMs:   float64(time.Since(started).Microseconds()) / 1000,
		Quality:          domain.ScoreQuality(len(symbols), len(data), 0, newest, failover),
		RequestID:        uuid.NewString(),
		Attempts:         attempts,
	}, nil
}

// FetchAssetInfo retrieves descriptive metadata for the symbols,
// read-through cached under the snapshot kind.
func (p *Provider) FetchAssetInfo(ctx context.Context, symbols []string) (*Result[map[string]domain.AssetInfo], error) {
	started := time.Now()
	res := &Result[map[string]domain.AssetInfo]{
		RequestID: uuid.NewString(),
		Data:      make(map[string]domain.AssetInfo, len(symbols)),
	}

	var missing []string
	for _, sym := range symbols {
		var info domain.AssetInfo
		if p.cache != nil {
			if _, ok := p.cache.Get(cache.KindSnapshot, sym, nil, &info); ok {
				res.Data[sym] = info
				continue
			}
		}
		missing = append(missing, sym)
	}

	if len(missing) > 0 {
		fetched, src, failover, attempts, err := dispatch(ctx, p, func(ctx context.Context, prov providers.Provider) (map[string]domain.AssetInfo, error) {
			return prov.FetchAssetInfo(ctx, missing)
		})
		res.Attempts = attempts
		if err != nil {
			if len(res.Data) > 0 {
				res.FromCache = true
			} else {
				return nil, err
			}
		} else {
			res.PrimarySource = src
			res.FailoverOccurred = failover
			for sym, info := range fetched {
				res.Data[sym] = info
				if p.cache != nil {
					if cerr := p.cache.Set(cache.KindSnapshot, sym, nil, info); cerr != nil {
						p.log.Warn().Err(cerr).Str("symbol", sym).Msg("Failed to cache asset info")
					}
				}
			}
		}
	} else {
		res.FromCache = true
	}

	res.ResponseTimeMs = float64(time.Since(started).Microseconds()) / 1000
	res.Quality = domain.ScoreQuality(len(symbols), len(res.Data), 0, time.Now(), res.FailoverOccurred)
	return res, nil
}

// ValidateSymbols checks each symbol against the chain. Every input
// symbol gets an outcome; unknown symbols are valid=false outcomes, not
// errors.
func (p *Provider) ValidateSymbols(ctx context.Context, symbols []string) (*Result[map[string]domain.ValidationOutcome], error) {
	started := time.Now()

	data, src, failover, attempts, err := dispatch(ctx, p, func(ctx context.Context, prov providers.Provider) (map[string]domain.ValidationOutcome, error) {
		return prov.ValidateSymbols(ctx, symbols)
	})
	if err != nil {
		return nil, err
	}

	invalid := 0
	for _, outcome := range data {
		if !outcome.Valid {
			invalid++
		}
	}

	return &Result[map[string]domain.ValidationOutcome]{
		Data:             data,
		PrimarySource:    src,
		FailoverOccurred: failover,
		ResponseTimeMs:   float64(time.Since(started).Microseconds()) / 1000,
		Quality:          domain.ScoreQuality(len(symbols), len(data), invalid, time.Now(), failover),
		RequestID:        uuid.NewString(),
		Attempts:         attempts,
	}, nil
}

// SearchAssets queries the chain for assets matching the query string.
func (p *Provider) SearchAssets(ctx context.Context, query string, limit int) (*Result[[]domain.AssetInfo], error) {
	started := time.Now()

	data, src, failover, attempts, err := dispatch(ctx, p, func(ctx context.Context, prov providers.Provider) ([]domain.AssetInfo, error) {
		return prov.SearchAssets(ctx, query, limit)
	})
	if err != nil {
		return nil, err
	}

	return &Result[[]domain.AssetInfo]{
		Data:             data,
		PrimarySource:    src,
		FailoverOccurred: failover,
		ResponseTimeMs:   float64(time.Since(started).Microseconds()) / 1000,
		Quality:          domain.ScoreQuality(limit, len(data), 0, time.Now(), failover),
		RequestID:        uuid.NewString(),
		Attempts:         attempts,
	}, nil
}

// reconcileBars merges bar maps from two providers for the same request
// according to the conflict-resolution policy. Chain priority breaks
// latest-timestamp ties.
func reconcileBars(primary, secondary map[string][]domain.Bar, policy config.ConflictResolution) map[string][]domain.Bar {
	merged := make(map[string][]domain.Bar, len(primary)+len(secondary))
	for sym, bars := range secondary {
		merged[sym] = bars
	}
	for sym, bars := range primary {
		other, conflict := secondary[sym]
		if !conflict {
			merged[sym] = bars
			continue
		}
		switch policy {
		case config.LatestTimestamp:
			if newestBar(other).After(newestBar(bars)) {
				merged[sym] = other
			} else {
				// Ties and older data defer to chain priority.
				merged[sym] = bars
			}
		default: // PrimaryWins
			merged[sym] = bars
		}
	}
	return merged
}

func newestBar(bars []domain.Bar) time.Time {
	var newest time.Time
	for _, b := range bars {
		if b.Timestamp.After(newest) {
			newest = b.Timestamp
		}
	}
	return newest
}

// FetchHistoricalReconciled fetches from the primary and, when the
// primary leaves symbols unanswered, consults the next provider for the
// gaps and merges the two answers under the configured policy.
func (p *Provider) FetchHistoricalReconciled(ctx context.Context, symbols []string, start, end time.Time, interval domain.Interval) (*Result[map[string][]domain.Bar], error) {
	res, err := p.FetchHistorical(ctx, symbols, start, end, interval)
	if err != nil {
		return nil, err
	}

	var gaps []string
	for _, sym := range symbols {
		if len(res.Data[sym]) == 0 {
			gaps = append(gaps, sym)
		}
	}
	if len(gaps) == 0 {
		return res, nil
	}
	sort.Strings(gaps)

	cfg := p.Config()
	chain := p.available(cfg)
	if len(chain) < 2 {
		return res, nil
	}

	// Ask the remainder of the chain for the unanswered symbols only.
	for _, prov := range chain[1:] {
		if !p.breakers.Acquire(prov.Source()) {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		started := time.Now()
		extra, ferr := prov.FetchHistorical(callCtx, gaps, start, end, interval)
		cancel()

		p.record(prov.Source(), time.Since(started), ferr == nil)
		if ferr != nil {
			res.Attempts = append(res.Attempts, Attempt{Source: prov.Source(), Error: ferr.Error()})
			continue
		}

		res.Data = reconcileBars(res.Data, extra, cfg.ConflictResolution)
		res.FailoverOccurred = true
		break
	}
	return res, nil
}
