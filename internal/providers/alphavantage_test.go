package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/meridian/internal/domain"
)

func newAlphaTestServer(t *testing.T, handler http.HandlerFunc) *AlphaVantageClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewAlphaVantageClient(server.URL, "test-key", zerolog.Nop())
	client.SetMinInterval(0)
	return client
}

func TestAlphaVantageFetchHistorical(t *testing.T) {
	client := newAlphaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "TIME_SERIES_DAILY", r.URL.Query().Get("function"))
		assert.Equal(t, "test-key", r.URL.Query().Get("apikey"))
		fmt.Fprint(w, `{
			"Meta Data": {"2. Symbol": "IBM"},
			"Time Series (Daily)": {
				"2024-06-03": {"1. open": "165.0", "2. high": "167.5", "3. low": "164.0", "4. close": "166.8", "5. volume": "3200000"},
				"2024-06-04": {"1. open": "166.8", "2. high": "168.0", "3. low": "165.5", "4. close": "167.2", "5. volume": "2800000"},
				"2023-01-02": {"1. open": "140.0", "2. high": "141.0", "3. low": "139.0", "4. close": "140.5", "5. volume": "1000000"}
			}
		}`)
	})

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	bars, err := client.FetchHistorical(context.Background(), []string{"IBM"}, start, end, domain.IntervalDaily)
	require.NoError(t, err)

	// The 2023 row is outside the range; survivors sorted ascending.
	require.Len(t, bars["IBM"], 2)
	assert.Equal(t, 165.0, bars["IBM"][0].Open)
	assert.True(t, bars["IBM"][0].Timestamp.Before(bars["IBM"][1].Timestamp))
}

func TestAlphaVantageFetchRealTime(t *testing.T) {
	client := newAlphaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"Global Quote": {
			"01. symbol": "IBM",
			"02. open": "165.0",
			"03. high": "167.5",
			"04. low": "164.0",
			"05. price": "166.8",
			"06. volume": "3200000",
			"07. latest trading day": "2024-06-04"
		}}`)
	})

	quotes, err := client.FetchRealTime(context.Background(), []string{"IBM"})
	require.NoError(t, err)
	assert.Equal(t, 166.8, quotes["IBM"].Close)
	assert.Equal(t, float64(3200000), quotes["IBM"].Volume)
}

func TestAlphaVantageThrottleNoteIsError(t *testing.T) {
	client := newAlphaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"Note": "Thank you for using Alpha Vantage! Our standard API call frequency is 5 calls per minute."}`)
	})

	_, err := client.FetchRealTime(context.Background(), []string{"IBM"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestAlphaVantageValidateSymbols(t *testing.T) {
	client := newAlphaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") == "NOPE" {
			fmt.Fprint(w, `{"Global Quote": {}}`)
			return
		}
		fmt.Fprint(w, `{"Global Quote": {"01. symbol": "IBM", "05. price": "166.8", "07. latest trading day": "2024-06-04"}}`)
	})

	outcomes, err := client.ValidateSymbols(context.Background(), []string{"IBM", "NOPE"})
	require.NoError(t, err)
	assert.True(t, outcomes["IBM"].Valid)
	assert.False(t, outcomes["NOPE"].Valid)
}

func TestAlphaVantageSearchAssets(t *testing.T) {
	client := newAlphaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SYMBOL_SEARCH", r.URL.Query().Get("function"))
		fmt.Fprint(w, `{"bestMatches": [
			{"1. symbol": "IBM", "2. name": "International Business Machines", "3. type": "Equity", "4. region": "United States", "8. currency": "USD"}
		]}`)
	})

	results, err := client.SearchAssets(context.Background(), "ibm", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "IBM", results[0].Symbol)
	assert.Equal(t, "USD", results[0].Currency)
}

func TestAlphaVantageFetchAssetInfo(t *testing.T) {
	client := newAlphaTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"Symbol": "IBM", "Name": "International Business Machines", "Exchange": "NYSE", "Currency": "USD", "AssetType": "Common Stock", "Sector": "TECHNOLOGY"}`)
	})

	infos, err := client.FetchAssetInfo(context.Background(), []string{"IBM"})
	require.NoError(t, err)
	assert.Equal(t, "NYSE", infos["IBM"].Exchange)
	assert.Equal(t, "TECHNOLOGY", infos["IBM"].Sector)
}

func TestRateGateSpacesRequests(t *testing.T) {
	gate := newRateGate(20 * time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, gate.Wait(context.Background()))
	}
	// Three calls through a 20ms gate need at least ~40ms.
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestRateGateRespectsCancellation(t *testing.T) {
	gate := newRateGate(time.Minute)
	require.NoError(t, gate.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := gate.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
