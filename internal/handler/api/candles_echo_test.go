package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	models "CandleCache/internal/domain/models"
	domrepo "CandleCache/internal/domain/repository"
	"CandleCache/internal/service/ratelimit"
	"CandleCache/internal/usecase"
)

type mockCandles struct{ mock.Mock }

func (m *mockCandles) GetCandleData(ctx context.Context, req usecase.CandleDataRequest) (*usecase.CandleDataResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*usecase.CandleDataResult)
	return res, args.Error(1)
}

func (m *mockCandles) Series(ctx context.Context, key string, tf domrepo.Timeframe) (*models.CachedSeries, error) {
	args := m.Called(ctx, key, tf)
	res, _ := args.Get(0).(*models.CachedSeries)
	return res, args.Error(1)
}

type mockTriggers struct{ mock.Mock }

func (m *mockTriggers) GetMarketDataForTriggers(ctx context.Context, key string, triggers []models.Trigger) (*usecase.MarketDataForTriggers, error) {
	args := m.Called(ctx, key, triggers)
	res, _ := args.Get(0).(*usecase.MarketDataForTriggers)
	return res, args.Error(1)
}

type fixedStats ratelimit.Stats

func (s fixedStats) Stats() ratelimit.Stats { return ratelimit.Stats(s) }

type healthFunc func(context.Context) error

func (f healthFunc) Health(ctx context.Context) error { return f(ctx) }

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

type envelope struct {
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func setup(t *testing.T, candles *mockCandles, triggers *mockTriggers) (*echo.Echo, *time.Location) {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	h := NewCandlesEchoHandler(nil, candles, triggers, fixedStats{Total: 7, Throttled: 1},
		healthFunc(func(context.Context) error { return nil }), nil, loc)
	e := echo.New()
	h.RegisterRoutes(e)
	return e, loc
}

func serve(e *echo.Echo, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func TestCandlesPassesRequestThrough(t *testing.T) {
	candles := &mockCandles{}
	e, loc := setup(t, candles, &mockTriggers{})

	candles.On("GetCandleData", mock.Anything, mock.MatchedBy(func(r usecase.CandleDataRequest) bool {
		wantCutoff := time.Date(2025, 3, 5, 0, 0, 0, 0, loc).Add(-time.Nanosecond)
		return r.InstrumentKey == "NSE_EQ|A" &&
			r.Purpose == usecase.PurposeStrategy &&
			r.SkipLiveSession &&
			assert.ObjectsAreEqual([]domrepo.Timeframe{domrepo.TF1h, domrepo.TF1d}, r.Timeframes) &&
			r.CutoffDate != nil && r.CutoffDate.Equal(wantCutoff)
	})).Return(&usecase.CandleDataResult{Success: true, InstrumentKey: "NSE_EQ|A", Source: usecase.SourceCache}, nil)

	rec, env := serve(e, http.MethodGet,
		"/api/candles?instrument_key=NSE_EQ%7CA&purpose=strategy&timeframes=1h,daily&skip_live_session=true&cutoff=2025-03-04", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusOK, env.Status)
	assert.Contains(t, rec.Header().Get(echo.HeaderCacheControl), "max-age")

	var res usecase.CandleDataResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, res.Success)
	candles.AssertExpectations(t)
}

func TestCandlesDefaultsPurpose(t *testing.T) {
	candles := &mockCandles{}
	e, _ := setup(t, candles, &mockTriggers{})
	candles.On("GetCandleData", mock.Anything, mock.MatchedBy(func(r usecase.CandleDataRequest) bool {
		return r.Purpose == usecase.PurposeIndicators && r.Timeframes == nil && r.CutoffDate == nil
	})).Return(&usecase.CandleDataResult{Success: true}, nil)

	rec, _ := serve(e, http.MethodGet, "/api/candles?instrument_key=K", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCandlesInsufficientIsOK(t *testing.T) {
	candles := &mockCandles{}
	e, _ := setup(t, candles, &mockTriggers{})
	candles.On("GetCandleData", mock.Anything, mock.Anything).Return(&usecase.CandleDataResult{
		Success: false,
		Error:   usecase.ErrInsufficientData,
		Reason:  "insufficient data for 1h: have 35 bars, need 294",
	}, nil)

	rec, env := serve(e, http.MethodGet, "/api/candles?instrument_key=K", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res usecase.CandleDataResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.False(t, res.Success)
	assert.Equal(t, usecase.ErrInsufficientData, res.Error)
}

func TestCandlesValidation(t *testing.T) {
	candles := &mockCandles{}
	e, _ := setup(t, candles, &mockTriggers{})

	rec, _ := serve(e, http.MethodGet, "/api/candles", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = serve(e, http.MethodGet, "/api/candles?instrument_key=K&purpose=scalping", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = serve(e, http.MethodGet, "/api/candles?instrument_key=K&timeframes=5m", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = serve(e, http.MethodGet, "/api/candles?instrument_key=K&cutoff=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	candles.AssertNotCalled(t, "GetCandleData", mock.Anything, mock.Anything)
}

func TestCandlesErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"stale", &models.StaleDataIrrecoverableError{InstrumentKey: "K", Timeframe: "1d"}, http.StatusBadGateway},
		{"throttled", &models.ThrottledError{Op: "historical", Status: 429, RetryAfter: 3 * time.Second}, http.StatusServiceUnavailable},
		{"transient", &models.TransientProviderError{Op: "historical", Status: 502}, http.StatusBadGateway},
		{"unsupported", &models.UnsupportedTimeframeError{Timeframe: "5m"}, http.StatusBadRequest},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			candles := &mockCandles{}
			e, _ := setup(t, candles, &mockTriggers{})
			candles.On("GetCandleData", mock.Anything, mock.Anything).Return(nil, tc.err)

			rec, env := serve(e, http.MethodGet, "/api/candles?instrument_key=K", "")
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, tc.code, env.Status)
			if tc.name == "throttled" {
				assert.Equal(t, "3", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestTriggersEndpoint(t *testing.T) {
	triggers := &mockTriggers{}
	e, _ := setup(t, &mockCandles{}, triggers)
	triggers.On("GetMarketDataForTriggers", mock.Anything, "K", mock.MatchedBy(func(ts []models.Trigger) bool {
		return len(ts) == 2 && ts[1].Timeframe == "1h"
	})).Return(&usecase.MarketDataForTriggers{InstrumentKey: "K", Success: true}, nil)

	body := `{"instrument_key":"K","triggers":[{"kind":"price","operator":">","value":100},{"kind":"indicator","indicator":"rsi","timeframe":"1h","operator":"<","value":30}]}`
	rec, _ := serve(e, http.MethodPost, "/api/market-data/triggers", body)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	triggers.AssertExpectations(t)

	rec, _ = serve(e, http.MethodPost, "/api/market-data/triggers", `{"instrument_key":"K","triggers":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSeriesEndpoint(t *testing.T) {
	candles := &mockCandles{}
	e, _ := setup(t, candles, &mockTriggers{})
	candles.On("Series", mock.Anything, "K", domrepo.TF1d).Return(&models.CachedSeries{InstrumentKey: "K", Timeframe: "1d"}, nil)
	candles.On("Series", mock.Anything, "M", domrepo.TF1d).Return(nil, nil)

	rec, _ := serve(e, http.MethodGet, "/api/series?instrument_key=K&timeframe=1d", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = serve(e, http.MethodGet, "/api/series?instrument_key=M&timeframe=1d", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLimiterStatsAndHealth(t *testing.T) {
	e, _ := setup(t, &mockCandles{}, &mockTriggers{})

	rec, env := serve(e, http.MethodGet, "/api/limiter/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats ratelimit.Stats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, uint64(7), stats.Total)
	assert.Equal(t, uint64(1), stats.Throttled)

	rec, _ = serve(e, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthFailureAndInboundLimit(t *testing.T) {
	h := NewCandlesEchoHandler(nil, &mockCandles{}, &mockTriggers{}, fixedStats{},
		healthFunc(func(context.Context) error { return errors.New("dial tcp: refused") }), denyAll{}, nil)
	e := echo.New()
	h.RegisterRoutes(e)

	rec, _ := serve(e, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, _ = serve(e, http.MethodGet, "/api/limiter/stats", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
