package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleCache/internal/domain/models"
	"CandleCache/internal/domain/repository"
	"CandleCache/internal/service/ratelimit"
	"CandleCache/pkg/metrics"
)

func fastGate() *ratelimit.Gate {
	return ratelimit.NewGate(ratelimit.GateConfig{
		MaxConcurrent:     2,
		RequestsPerSecond: 1000,
		Burst:             1000,
		MaxRetries:        3,
		PenaltyBase:       time.Millisecond,
		PenaltyMax:        2 * time.Millisecond,
		BackoffMin:        time.Millisecond,
		BackoffMax:        time.Millisecond,
	}, metrics.Nop{}, nil)
}

func TestHistoricalCandlesRequestAndParse(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"candles":[
			["2025-03-03T09:30:00+05:30",101.5,102,101,101.8,1200,0],
			["2025-03-03T09:15:00+05:30",100,101.6,99.5,101.5,3400,0]]}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, AccessToken: "tok"}, fastGate(), nil)
	spec := repository.DefaultTimeframeSpecs()[repository.TF15m]
	from := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

	candles, err := c.HistoricalCandles(context.Background(), "NSE_EQ|INE009A01021", spec, from, to)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, "/v3/historical-candle/NSE_EQ%7CINE009A01021/minutes/15/2025-03-03/2025-02-01", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, 3400.0, candles[1].Volume)
	assert.True(t, candles[1].Timestamp.Before(candles[0].Timestamp))
}

func TestThrottleIsRetriedThroughGate(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"status":"success","data":{"candles":[]}}`))
	}))
	defer srv.Close()

	gate := fastGate()
	c := New(Config{BaseURL: srv.URL}, gate, nil)
	spec := repository.DefaultTimeframeSpecs()[repository.TF1d]

	candles, err := c.LiveSessionCandles(context.Background(), "NSE_EQ|X", spec)
	require.NoError(t, err)
	assert.Empty(t, candles)
	assert.Equal(t, int32(2), calls.Load())
	st := gate.Stats()
	assert.Equal(t, uint64(1), st.Throttled)
	assert.Equal(t, uint64(1), st.Success)
}

func TestStatusClassification(t *testing.T) {
	for status, check := range map[int]func(error) bool{
		http.StatusForbidden:          models.IsThrottled,
		http.StatusBadGateway:         models.IsTransient,
		http.StatusServiceUnavailable: models.IsTransient,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		c := New(Config{BaseURL: srv.URL}, fastGate(), nil)
		_, err := c.LiveSessionCandles(context.Background(), "K", repository.DefaultTimeframeSpecs()[repository.TF1h])
		srv.Close()
		require.Error(t, err)
		assert.Truef(t, check(err), "status %d classified as %v", status, err)
	}
}

func TestBadRequestIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, fastGate(), nil)
	_, err := c.LiveSessionCandles(context.Background(), "K", repository.DefaultTimeframeSpecs()[repository.TF1h])
	require.Error(t, err)
	assert.False(t, models.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestLastPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "NSE_EQ|X", r.URL.Query().Get("instrument_key"))
		_, _ = w.Write([]byte(`{"status":"success","data":{"NSE_EQ:X":{"last_price":1234.5,"instrument_token":"NSE_EQ|X"}}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, fastGate(), nil)
	tick, err := c.LastPrice(context.Background(), "NSE_EQ|X")
	require.NoError(t, err)
	assert.Equal(t, 1234.5, tick.LastPrice)
	assert.Equal(t, "rest", tick.Source)
}

func TestParseCandlesRejectsShortRows(t *testing.T) {
	_, err := ParseCandles([][]interface{}{{"2025-03-03T09:15:00+05:30", 1.0, 2.0}})
	assert.Error(t, err)
}
