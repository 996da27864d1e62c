// Package providers defines the uniform adapter contract for external
// market-data sources and the concrete HTTP adapters behind it.
//
// Adapters degrade gracefully: network and parse failures come back as
// error values, never panics, so the composite layer can apply failover
// uniformly. "Symbol not found" is data (ValidationOutcome.Valid=false),
// not an error.
package providers

import (
	"context"
	"errors"
	"time"

	"github.com/aristath/meridian/internal/domain"
)

// ErrNoData is returned when a provider responded but had nothing usable
// for any requested symbol.
var ErrNoData = errors.New("provider returned no usable data")

// Provider is the uniform interface every market-data adapter satisfies.
type Provider interface {
	// Source identifies the adapter for logging, health and breaker state.
	Source() domain.Source

	// FetchHistorical returns OHLCV bars per symbol for the date range.
	// Symbols with no data are simply absent from the result map.
	FetchHistorical(ctx context.Context, symbols []string, start, end time.Time, interval domain.Interval) (map[string][]domain.Bar, error)

	// FetchRealTime returns the latest observation per symbol.
	FetchRealTime(ctx context.Context, symbols []string) (map[string]domain.Bar, error)

	// FetchAssetInfo returns descriptive metadata per symbol.
	FetchAssetInfo(ctx context.Context, symbols []string) (map[string]domain.AssetInfo, error)

	// ValidateSymbols returns an outcome for every input symbol.
	ValidateSymbols(ctx context.Context, symbols []string) (map[string]domain.ValidationOutcome, error)

	// SearchAssets finds instruments matching a free-text query.
	SearchAssets(ctx context.Context, query string, limit int) ([]domain.AssetInfo, error)

	// HealthCheck probes the upstream service.
	HealthCheck(ctx context.Context) (domain.HealthStatus, error)
}
