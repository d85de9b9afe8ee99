package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	models "CandleCache/internal/domain/models"
	domrepo "CandleCache/internal/domain/repository"
	"CandleCache/internal/service/ratelimit"
	"CandleCache/internal/usecase"
	xhttp "CandleCache/pkg/http"
	"CandleCache/pkg/http/middleware"
	xlogger "CandleCache/pkg/logger"
	xutil "CandleCache/pkg/util"
)

// CandleService is the fetcher surface the API needs.
type CandleService interface {
	GetCandleData(ctx context.Context, req usecase.CandleDataRequest) (*usecase.CandleDataResult, error)
	Series(ctx context.Context, instrumentKey string, tf domrepo.Timeframe) (*models.CachedSeries, error)
}

// TriggerReader bundles candles and a tick for trigger evaluation.
type TriggerReader interface {
	GetMarketDataForTriggers(ctx context.Context, instrumentKey string, triggers []models.Trigger) (*usecase.MarketDataForTriggers, error)
}

// GateStats exposes the upstream limiter counters.
type GateStats interface {
	Stats() ratelimit.Stats
}

// HealthChecker reports whether the series store is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// CandlesEchoHandler serves the candle, trigger and limiter endpoints.
type CandlesEchoHandler struct {
	logger   *xlogger.Logger
	candles  CandleService
	triggers TriggerReader
	gate     GateStats
	health   HealthChecker
	inbound  middleware.Allower
	loc      *time.Location
}

// NewCandlesEchoHandler wires the handler. inbound may be nil to disable the
// per-client limit.
func NewCandlesEchoHandler(
	logger *xlogger.Logger,
	candles CandleService,
	triggers TriggerReader,
	gate GateStats,
	health HealthChecker,
	inbound middleware.Allower,
	loc *time.Location,
) *CandlesEchoHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &CandlesEchoHandler{
		logger:   logger,
		candles:  candles,
		triggers: triggers,
		gate:     gate,
		health:   health,
		inbound:  inbound,
		loc:      loc,
	}
}

func (h *CandlesEchoHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Healthz)

	g := e.Group("/api")
	if h.inbound != nil {
		g.Use(middleware.RateLimit(h.inbound, nil))
	}
	g.GET("/candles", h.Candles)
	g.GET("/series", h.Series)
	g.POST("/market-data/triggers", h.Triggers)
	g.GET("/limiter/stats", h.LimiterStats)
}

// Candles answers GET /api/candles. Thin history is a 200 with success=false.
func (h *CandlesEchoHandler) Candles(c echo.Context) error {
	req := &models.CandlesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	in := usecase.CandleDataRequest{
		InstrumentKey:   req.InstrumentKey,
		Purpose:         usecase.Purpose(req.Purpose),
		SkipLiveSession: req.SkipLiveSession,
	}
	if req.Timeframes != "" {
		tfs, err := domrepo.ParseTimeframeList(req.Timeframes)
		if err != nil {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()).WithError(err))
		}
		in.Timeframes = tfs
	}
	if req.Cutoff != "" {
		cutoff, ok := xutil.ParseCutoff(req.Cutoff, h.loc)
		if !ok {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("cutoff %q is not a date or timestamp", req.Cutoff))
		}
		in.CutoffDate = &cutoff
	}

	res, err := h.candles.GetCandleData(c.Request().Context(), in)
	if err != nil {
		h.logger.Error("candles usecase error",
			xlogger.String("instrument_key", req.InstrumentKey),
			xlogger.Error(err),
		)
		return xhttp.AppErrorResponse(c, mapError(err))
	}
	if res.Source == usecase.SourceCache {
		c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=15")
	}
	return xhttp.SuccessResponse(c, res)
}

// Series answers GET /api/series with the stored array, no fetch cycle.
func (h *CandlesEchoHandler) Series(c echo.Context) error {
	req := &models.SeriesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	tf, err := domrepo.ParseTimeframe(req.Timeframe)
	if err != nil {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()).WithError(err))
	}
	s, err := h.candles.Series(c.Request().Context(), req.InstrumentKey, tf)
	if err != nil {
		h.logger.Error("series read error", xlogger.String("instrument_key", req.InstrumentKey), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("series store unavailable").WithError(err))
	}
	if s == nil {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no cached %s series for %s", tf, req.InstrumentKey))
	}
	return xhttp.SuccessResponse(c, s)
}

// Triggers answers POST /api/market-data/triggers.
func (h *CandlesEchoHandler) Triggers(c echo.Context) error {
	req := &models.TriggersRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	res, err := h.triggers.GetMarketDataForTriggers(c.Request().Context(), req.InstrumentKey, req.Triggers)
	if err != nil {
		h.logger.Error("triggers usecase error",
			xlogger.String("instrument_key", req.InstrumentKey),
			xlogger.Error(err),
		)
		return xhttp.AppErrorResponse(c, mapError(err))
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *CandlesEchoHandler) LimiterStats(c echo.Context) error {
	return xhttp.SuccessResponse(c, h.gate.Stats())
}

func (h *CandlesEchoHandler) Healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := h.health.Health(ctx); err != nil {
		h.logger.Warn("health check failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("store unreachable").WithError(err))
	}
	return xhttp.SuccessResponse(c, map[string]string{"store": "ok"})
}

// mapError turns engine errors into API errors.
func mapError(err error) *xhttp.AppError {
	var (
		unsupported *models.UnsupportedTimeframeError
		stale       *models.StaleDataIrrecoverableError
		throttled   *models.ThrottledError
		transient   *models.TransientProviderError
	)
	switch {
	case errors.As(err, &unsupported):
		return xhttp.NewAppError("ERR_UNSUPPORTED_TIMEFRAME", "timeframes", err.Error(), http.StatusBadRequest).WithError(err)
	case errors.As(err, &stale):
		return xhttp.NewAppError("ERR_STALE_DATA", "", err.Error(), http.StatusBadGateway).
			WithParam("timeframe", stale.Timeframe).
			WithError(err)
	case errors.As(err, &throttled):
		appErr := xhttp.ServiceUnavailableError("upstream rate limit reached").WithError(err)
		if throttled.RetryAfter > 0 {
			appErr.RetryAfter = strconv.Itoa(int(throttled.RetryAfter.Round(time.Second).Seconds()))
		}
		return appErr
	case errors.As(err, &transient):
		return xhttp.BadGatewayError("upstream market data unavailable").WithError(err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return xhttp.NewAppError("ERR_TIMEOUT", "", "request cancelled", http.StatusGatewayTimeout).WithError(err)
	default:
		return xhttp.InternalError("candle fetch failed").WithError(err)
	}
}
