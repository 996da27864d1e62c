package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/meridian/internal/domain"
)

// yahooMinInterval keeps us well under Yahoo's informal request budget.
const yahooMinInterval = 250 * time.Millisecond

// YahooClient is a Yahoo-Finance-style adapter built on the public chart
// and search endpoints.
type YahooClient struct {
	baseURL    string
	httpClient *http.Client
	gate       *rateGate
	log        zerolog.Logger
}

// NewYahooClient creates a Yahoo adapter. baseURL is configurable so tests
// can point the adapter at a local server.
func NewYahooClient(baseURL string, log zerolog.Logger) *YahooClient {
	return &YahooClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		gate:       newRateGate(yahooMinInterval),
		log:        log.With().Str("client", "yahoo").Logger(),
	}
}

// Source identifies this adapter.
func (c *YahooClient) Source() domain.Source {
	return domain.SourceYahoo
}

// chartResponse mirrors the subset of the chart endpoint we consume.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string  `json:"symbol"`
				Currency           string  `json:"currency"`
				ExchangeName       string  `json:"exchangeName"`
				InstrumentType     string  `json:"instrumentType"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				RegularMarketTime  int64   `json:"regularMarketTime"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []float64 `json:"open"`
					High   []float64 `json:"high"`
					Low    []float64 `json:"low"`
					Close  []float64 `json:"close"`
					Volume []float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (c *YahooClient) fetchChart(ctx context.Context, symbol string, params url.Values) (*chartResponse, error) {
	if err := c.gate.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?%s", c.baseURL, url.PathEscape(symbol), params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build chart request: %w", err)
	}
	req.Header.Set("User-Agent", "meridian/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chart request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chart request returned status %d", resp.StatusCode)
	}

	var parsed chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode chart response: %w", err)
	}
	if parsed.Chart.Error != nil {
		return nil, fmt.Errorf("chart error %s: %s", parsed.Chart.Error.Code, parsed.Chart.Error.Description)
	}
	return &parsed, nil
}

// FetchHistorical returns OHLCV bars per symbol for the date range.
func (c *YahooClient) FetchHistorical(ctx context.Context, symbols []string, start, end time.Time, interval domain.Interval) (map[string][]domain.Bar, error) {
	params := url.Values{}
	params.Set("period1", strconv.FormatInt(start.Unix(), 10))
	params.Set("period2", strconv.FormatInt(end.Unix(), 10))
	params.Set("interval", string(interval))

	result := make(map[string][]domain.Bar, len(symbols))
	var lastErr error
	for _, symbol := range symbols {
		parsed, err := c.fetchChart(ctx, symbol, params)
		if err != nil {
			c.log.Debug().Err(err).Str("symbol", symbol).Msg("Historical fetch failed")
			lastErr = err
			continue
		}
		bars := chartToBars(parsed)
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

// chartToBars flattens a chart response into validated bars.
// Rows failing the OHLCV invariant are dropped, not returned as errors.
func chartToBars(parsed *chartResponse) []domain.Bar {
	if len(parsed.Chart.Result) == 0 {
		return nil
	}
	r := parsed.Chart.Result[0]
	if len(r.Indicators.Quote) == 0 {
		return nil
	}
	q := r.Indicators.Quote[0]

	bars := make([]domain.Bar, 0, len(r.Timestamp))
	for i, ts := range r.Timestamp {
		if i >= len(q.Open) || i >= len(q.High) || i >= len(q.Low) || i >= len(q.Close) {
			break
		}
		bar := domain.Bar{
			Open:      q.Open[i],
			High:      q.High[i],
			Low:       q.Low[i],
			Close:     q.Close[i],
			Timestamp: time.Unix(ts, 0).UTC(),
		}
		if i < len(q.Volume) {
			bar.Volume = q.Volume[i]
		}
		if bar.Validate() != nil {
			continue
		}
		bars = append(bars, bar)
	}
	return bars
}

// FetchRealTime returns the latest observation per symbol from chart meta.
func (c *YahooClient) FetchRealTime(ctx context.Context, symbols []string) (map[string]domain.Bar, error) {
	params := url.Values{}
	params.Set("range", "1d")
	params.Set("interval", "1m")

	result := make(map[string]domain.Bar, len(symbols))
	var lastErr error
	for _, symbol := range symbols {
		parsed, err := c.fetchChart(ctx, symbol, params)
		if err != nil {
			c.log.Debug().Err(err).Str("symbol", symbol).Msg("Real-time fetch failed")
			lastErr = err
			continue
		}
		if len(parsed.Chart.Result) == 0 {
			continue
		}
		meta := parsed.Chart.Result[0].Meta
		if meta.RegularMarketPrice == 0 {
			continue
		}
		price := meta.RegularMarketPrice
		result[symbol] = domain.Bar{
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Timestamp: time.Unix(meta.RegularMarketTime, 0).UTC(),
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

// FetchAssetInfo returns descriptive metadata per symbol from chart meta.
func (c *YahooClient) FetchAssetInfo(ctx context.Context, symbols []string) (map[string]domain.AssetInfo, error) {
	params := url.Values{}
	params.Set("range", "1d")
	params.Set("interval", "1d")

	result := make(map[string]domain.AssetInfo, len(symbols))
	var lastErr error
	for _, symbol := range symbols {
		parsed, err := c.fetchChart(ctx, symbol, params)
		if err != nil {
			lastErr = err
			continue
		}
		if len(parsed.Chart.Result) == 0 {
			continue
		}
		meta := parsed.Chart.Result[0].Meta
		result[symbol] = domain.AssetInfo{
			Symbol:    symbol,
			Name:      meta.Symbol,
			Exchange:  meta.ExchangeName,
			Currency:  meta.Currency,
			AssetType: meta.InstrumentType,
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

// ValidateSymbols returns an outcome for every input symbol. A symbol the
// vendor doesn't know is a valid=false outcome, never an error.
func (c *YahooClient) ValidateSymbols(ctx context.Context, symbols []string) (map[string]domain.ValidationOutcome, error) {
	params := url.Values{}
	params.Set("range", "1d")
	params.Set("interval", "1d")

	result := make(map[string]domain.ValidationOutcome, len(symbols))
	for _, symbol := range symbols {
		parsed, err := c.fetchChart(ctx, symbol, params)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			result[symbol] = domain.ValidationOutcome{Symbol: symbol, Valid: false, Reason: err.Error()}
			continue
		}
		if len(parsed.Chart.Result) == 0 {
			result[symbol] = domain.ValidationOutcome{Symbol: symbol, Valid: false, Reason: "symbol not found"}
			continue
		}
		result[symbol] = domain.ValidationOutcome{Symbol: symbol, Valid: true}
	}
	return result, nil
}

// searchResponse mirrors the subset of the search endpoint we consume.
type searchResponse struct {
	Quotes []struct {
		Symbol    string `json:"symbol"`
		ShortName string `json:"shortname"`
		Exchange  string `json:"exchange"`
		QuoteType string `json:"quoteType"`
	} `json:"quotes"`
}

// SearchAssets finds instruments matching a free-text query.
func (c *YahooClient) SearchAssets(ctx context.Context, query string, limit int) ([]domain.AssetInfo, error) {
	if err := c.gate.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("quotesCount", strconv.Itoa(limit))

	endpoint := fmt.Sprintf("%s/v1/finance/search?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("User-Agent", "meridian/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search request returned status %d", resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]domain.AssetInfo, 0, len(parsed.Quotes))
	for _, q := range parsed.Quotes {
		if len(results) >= limit {
			break
		}
		results = append(results, domain.AssetInfo{
			Symbol:    q.Symbol,
			Name:      q.ShortName,
			Exchange:  q.Exchange,
			AssetType: q.QuoteType,
		})
	}
	return results, nil
}

// HealthCheck probes the chart endpoint with a liquid index symbol.
func (c *YahooClient) HealthCheck(ctx context.Context) (domain.HealthStatus, error) {
	params := url.Values{}
	params.Set("range", "1d")
	params.Set("interval", "1d")

	_, err := c.fetchChart(ctx, "^GSPC", params)
	if err != nil {
		return domain.HealthStatus{Status: domain.HealthDown, Detail: err.Error()}, err
	}
	return domain.HealthStatus{Status: domain.HealthOK}, nil
}
