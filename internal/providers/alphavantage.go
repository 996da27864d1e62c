package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/meridian/internal/domain"
)

// AlphaVantage free tier allows 5 requests/minute; paid tiers are looser.
// 12s keeps the free tier safe, overridable for tests via SetMinInterval.
const alphaMinInterval = 12 * time.Second

// AlphaVantageClient is an AlphaVantage-style adapter built on the /query
// endpoint family.
type AlphaVantageClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	gate       *rateGate
	log        zerolog.Logger
}

// NewAlphaVantageClient creates an AlphaVantage adapter.
func NewAlphaVantageClient(baseURL, apiKey string, log zerolog.Logger) *AlphaVantageClient {
	return &AlphaVantageClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		gate:       newRateGate(alphaMinInterval),
		log:        log.With().Str("client", "alphavantage").Logger(),
	}
}

// SetMinInterval overrides the rate gate interval. Used by tests.
func (c *AlphaVantageClient) SetMinInterval(d time.Duration) {
	c.gate = newRateGate(d)
}

// Source identifies this adapter.
func (c *AlphaVantageClient) Source() domain.Source {
	return domain.SourceAlphaVantage
}

func (c *AlphaVantageClient) query(ctx context.Context, params url.Values) (json.RawMessage, error) {
	if err := c.gate.Wait(ctx); err != nil {
		return nil, err
	}

	params.Set("apikey", c.apiKey)
	endpoint := fmt.Sprintf("%s/query?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build query request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query returned status %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}

	// AlphaVantage reports errors as 200s with a note/error field.
	var envelope struct {
		ErrorMessage string `json:"Error Message"`
		Note         string `json:"Note"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if envelope.ErrorMessage != "" {
			return nil, fmt.Errorf("vendor error: %s", envelope.ErrorMessage)
		}
		if envelope.Note != "" {
			return nil, fmt.Errorf("vendor throttled: %s", envelope.Note)
		}
	}
	return raw, nil
}

// avBar is the stringly-typed OHLCV row AlphaVantage returns.
type avBar struct {
	Open   string `json:"1. open"`
	High   string `json:"2. high"`
	Low    string `json:"3. low"`
	Close  string `json:"4. close"`
	Volume string `json:"5. volume"`
}

func (b avBar) toBar(ts time.Time) (domain.Bar, error) {
	parse := func(s string) (float64, error) {
		if s == "" {
			return 0, nil
		}
		return strconv.ParseFloat(s, 64)
	}

	var bar domain.Bar
	var err error
	if bar.Open, err = parse(b.Open); err != nil {
		return bar, fmt.Errorf("bad open %q: %w", b.Open, err)
	}
	if bar.High, err = parse(b.High); err != nil {
		return bar, fmt.Errorf("bad high %q: %w", b.High, err)
	}
	if bar.Low, err = parse(b.Low); err != nil {
		return bar, fmt.Errorf("bad low %q: %w", b.Low, err)
	}
	if bar.Close, err = parse(b.Close); err != nil {
		return bar, fmt.Errorf("bad close %q: %w", b.Close, err)
	}
	if bar.Volume, err = parse(b.Volume); err != nil {
		return bar, fmt.Errorf("bad volume %q: %w", b.Volume, err)
	}
	bar.Timestamp = ts
	return bar, bar.Validate()
}

// FetchHistorical returns daily bars per symbol, filtered to the range.
func (c *AlphaVantageClient) FetchHistorical(ctx context.Context, symbols []string, start, end time.Time, interval domain.Interval) (map[string][]domain.Bar, error) {
	function := "TIME_SERIES_DAILY"
	if interval == domain.IntervalWeekly {
		function = "TIME_SERIES_WEEKLY"
	}

	result := make(map[string][]domain.Bar, len(symbols))
	var lastErr error
	for _, symbol := range symbols {
		params := url.Values{}
		params.Set("function", function)
		params.Set("symbol", symbol)
		params.Set("outputsize", "full")

		raw, err := c.query(ctx, params)
		if err != nil {
			c.log.Debug().Err(err).Str("symbol", symbol).Msg("Historical fetch failed")
			lastErr = err
			continue
		}

		bars, err := parseTimeSeries(raw, start, end)
		if err != nil {
			lastErr = err
			continue
		}
		if len(bars) > 0 {
			result[symbol] = bars
		}
	}

	if len(result) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, ErrNoData
	}
	return result, nil
}

// parseTimeSeries extracts bars from whichever "Time Series (...)" field is
// present, filtered to [start, end] and sorted ascending by date.
func parseTimeSeries(raw json.RawMessage, start, end time.Time) ([]domain.Bar, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse time series envelope: %w", err)
	}

	var series map[string]avBar
	for key, val := range envelope {
		if key == "Meta Data" {
			continue
		}
		if err := json.Unmarshal(val, &series); err == nil && len(series) > 0 {
			break
		}
		series = nil
	}
	if series == nil {
		return nil, ErrNoData
	}

	bars := make([]domain.Bar, 0, len(series))
	for date, row := range series {
		ts, err := time.Parse("2006-01-02", date)
		if err != nil {
			continue
		}
		if ts.Before(start) || ts.After(end) {
			continue
		}
		bar, err := row.toBar(ts.UTC())
		if err != nil {
			continue
		}
		bars = append(bars, bar)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

// globalQuote is the GLOBAL_QUOTE payload.
type globalQuote struct {
	Quote struct {
		Symbol string `json:"01. symbol"`
		Open   string `json:"02. open"`
		High   string `json:"03. high"`
		Low    string `json:"04. low"`
		Price  string `json:"05. price"`
		Volume string `json:"06. volume"`
		Day    string `json:"07. latest trading day"`
	} `json:"Global Quote"`
}

// FetchRealTime returns the latest quote per symbol.
func (c *AlphaVantageClient) FetchRealTime(ctx context.Context, symbols []string) (map[string]domain.Bar, error) {
	result := make(map[string]domain.Bar, len(symbols))
	var lastErr error
	for _, symbol := range symbols {
		params := url.Values{}
		params.Set("function", "GLOBAL_QUOTE")
		params.Set("symbol", symbol)

		raw, err := c.query(ctx, params)
		if err != nil {
			c.log.Debug().Err(err).Str("symbol", symbol).Msg("Real-time fetch failed")
			lastErr = err
			continue
		}

		var parsed globalQuote
		if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Quote.Symbol == "" {
			continue
		}

		ts, err := time.Parse("2006-01-02", parsed.Quote.Day)
		if err != nil {
			ts = time.Now().UTC()
		}
		bar, err := avBar{
			Open:   parsed.Quote.Open,
			High:   parsed.Quote.High,
			Low:    parsed.Quote.Low,
			Close:  parsed.Quote.Price,
			Volume: parsed.Quote.Volume,
		}.toBar(ts.UTC())
		if err != nil {
			continue
		}
		result[symbol] = bar
	}

	if len(result) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, ErrNoData
	}
	return result, nil
}

// overview is the OVERVIEW payload subset we consume.
type overview struct {
	Symbol    string `json:"Symbol"`
	Name      string `json:"Name"`
	Exchange  string `json:"Exchange"`
	Currency  string `json:"Currency"`
	AssetType string `json:"AssetType"`
	Sector    string `json:"Sector"`
}

// FetchAssetInfo returns company overview metadata per symbol.
func (c *AlphaVantageClient) FetchAssetInfo(ctx context.Context, symbols []string) (map[string]domain.AssetInfo, error) {
	result := make(map[string]domain.AssetInfo, len(symbols))
	var lastErr error
	for _, symbol := range symbols {
		params := url.Values{}
		params.Set("function", "OVERVIEW")
		params.Set("symbol", symbol)

		raw, err := c.query(ctx, params)
		if err != nil {
			lastErr = err
			continue
		}

		var parsed overview
		if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Symbol == "" {
			continue
		}
		result[symbol] = domain.AssetInfo{
			Symbol:    parsed.Symbol,
			Name:      parsed.Name,
			Exchange:  parsed.Exchange,
			Currency:  parsed.Currency,
			AssetType: parsed.AssetType,
			Sector:    parsed.Sector,
		}
	}

	if len(result) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, ErrNoData
	}
	return result, nil
}

// ValidateSymbols checks each symbol against GLOBAL_QUOTE.
func (c *AlphaVantageClient) ValidateSymbols(ctx context.Context, symbols []string) (map[string]domain.ValidationOutcome, error) {
	result := make(map[string]domain.ValidationOutcome, len(symbols))
	for _, symbol := range symbols {
		params := url.Values{}
		params.Set("function", "GLOBAL_QUOTE")
		params.Set("symbol", symbol)

		raw, err := c.query(ctx, params)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			result[symbol] = domain.ValidationOutcome{Symbol: symbol, Valid: false, Reason: err.Error()}
			continue
		}

		var parsed globalQuote
		if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Quote.Symbol == "" {
			result[symbol] = domain.ValidationOutcome{Symbol: symbol, Valid: false, Reason: "symbol not found"}
			continue
		}
		result[symbol] = domain.ValidationOutcome{Symbol: symbol, Valid: true}
	}
	return result, nil
}

// symbolSearch is the SYMBOL_SEARCH payload.
type symbolSearch struct {
	BestMatches []struct {
		Symbol   string `json:"1. symbol"`
		Name     string `json:"2. name"`
		Type     string `json:"3. type"`
		Region   string `json:"4. region"`
		Currency string `json:"8. currency"`
	} `json:"bestMatches"`
}

// SearchAssets finds instruments matching a free-text query.
func (c *AlphaVantageClient) SearchAssets(ctx context.Context, query string, limit int) ([]domain.AssetInfo, error) {
	params := url.Values{}
	params.Set("function", "SYMBOL_SEARCH")
	params.Set("keywords", query)

	raw, err := c.query(ctx, params)
	if err != nil {
		return nil, err
	}

	var parsed symbolSearch
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]domain.AssetInfo, 0, len(parsed.BestMatches))
	for _, m := range parsed.BestMatches {
		if len(results) >= limit {
			break
		}
		results = append(results, domain.AssetInfo{
			Symbol:    m.Symbol,
			Name:      m.Name,
			Exchange:  m.Region,
			Currency:  m.Currency,
			AssetType: m.Type,
		})
	}
	return results, nil
}

// HealthCheck probes GLOBAL_QUOTE with a liquid symbol.
func (c *AlphaVantageClient) HealthCheck(ctx context.Context) (domain.HealthStatus, error) {
	params := url.Values{}
	params.Set("function", "GLOBAL_QUOTE")
	params.Set("symbol", "SPY")

	if _, err := c.query(ctx, params); err != nil {
		return domain.HealthStatus{Status: domain.HealthDown, Detail: err.Error()}, err
	}
	return domain.HealthStatus{Status: domain.HealthOK}, nil
}
