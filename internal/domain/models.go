// Package domain holds the market-data types shared by every layer of Meridian.
// The domain layer is pure: no infrastructure dependencies, no I/O.
package domain

import (
	"fmt"
	"time"
)

// Source identifies a market-data provider.
type Source string

const (
	// SourceYahoo is the Yahoo-Finance-style provider.
	SourceYahoo Source = "yahoo"
	// SourceAlphaVantage is the AlphaVantage-style provider.
	SourceAlphaVantage Source = "alphavantage"
	// SourceOpenBB is the OpenBB-style provider.
	SourceOpenBB Source = "openbb"
)

// Bar is a single OHLCV observation for a symbol.
// Invariant: Low <= Open, Close <= High and Volume >= 0.
type Bar struct {
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the OHLCV invariants.
// Zero volume is valid (thinly traded instruments); negative volume is not.
func (b Bar) Validate() error {
	if b.Volume < 0 {
		return fmt.Errorf("negative volume %f", b.Volume)
	}
	if b.Low > b.High {
		return fmt.Errorf("low %f above high %f", b.Low, b.High)
	}
	if b.Open < b.Low || b.Open > b.High {
		return fmt.Errorf("open %f outside [%f, %f]", b.Open, b.Low, b.High)
	}
	if b.Close < b.Low || b.Close > b.High {
		return fmt.Errorf("close %f outside [%f, %f]", b.Close, b.Low, b.High)
	}
	return nil
}

// AssetInfo describes a tradable instrument.
type AssetInfo struct {
	Symbol    string `json:"symbol"`
	Name      string `json:"name"`
	Exchange  string `json:"exchange"`
	Currency  string `json:"currency"`
	AssetType string `json:"asset_type"` // equity, etf, fund, crypto
	Sector    string `json:"sector,omitempty"`
}

// ValidationOutcome is the per-symbol result of a symbol validation call.
// "Symbol not found" is a valid=false outcome, never an error.
type ValidationOutcome struct {
	Symbol string `json:"symbol"`
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// HealthState is the coarse status reported by a provider health check.
type HealthState string

const (
	HealthOK       HealthState = "ok"
	HealthDegraded HealthState = "degraded"
	HealthDown     HealthState = "down"
)

// HealthStatus is the result of a provider health check.
type HealthStatus struct {
	Status HealthState `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// ProviderHealth is the per-provider rollup maintained by the health monitor.
type ProviderHealth struct {
	Source          Source    `json:"source"`
	AvgResponseTime float64   `json:"avg_response_time_ms"`
	FailureRate     float64   `json:"failure_rate"`
	Available       bool      `json:"is_available"`
	LastChecked     time.Time `json:"last_checked"`
}

// Interval names the supported historical bar intervals.
type Interval string

const (
	IntervalDaily  Interval = "1d"
	IntervalWeekly Interval = "1wk"
	IntervalHourly Interval = "1h"
)
