package usecase

import (
	"context"
	"fmt"
	"time"

	"CandleCache/internal/domain/models"
	domrepo "CandleCache/internal/domain/repository"
	"CandleCache/internal/service/daterange"
	"CandleCache/internal/service/series"
	applogger "CandleCache/pkg/logger"
)

// FetchEndpoint is one provider request planned for a timeframe.
type FetchEndpoint struct {
	Timeframe domrepo.Timeframe
	Kind      series.Kind
	Window    daterange.Window
}

// planEndpoints splits [from, to] into historical chunks and appends the
// live-session request when to is the running session and live data is wanted.
func planEndpoints(cal domrepo.TradingCalendar, spec domrepo.TimeframeSpec, chunks []daterange.Window, now time.Time, skipLive bool) []FetchEndpoint {
	eps := make([]FetchEndpoint, 0, len(chunks)+1)
	for _, w := range chunks {
		eps = append(eps, FetchEndpoint{Timeframe: spec.Timeframe, Kind: series.KindHistorical, Window: w})
	}
	if n := len(chunks); n > 0 && !skipLive && cal.IsCurrentSession(chunks[n-1].To, now) {
		eps = append(eps, FetchEndpoint{Timeframe: spec.Timeframe, Kind: series.KindLive, Window: chunks[n-1]})
	}
	return eps
}

// runEndpoints issues the endpoints one after another. The first error stops
// the run; retries already happened in the gate.
func runEndpoints(ctx context.Context, p domrepo.CandleProvider, l *applogger.Logger, instrumentKey string, spec domrepo.TimeframeSpec, eps []FetchEndpoint) ([]series.Batch, int, error) {
	batches := make([]series.Batch, 0, len(eps))
	total := 0
	for _, ep := range eps {
		var (
			candles []models.Candle
			err     error
		)
		switch ep.Kind {
		case series.KindLive:
			candles, err = p.LiveSessionCandles(ctx, instrumentKey, spec)
		default:
			candles, err = p.HistoricalCandles(ctx, instrumentKey, spec, ep.Window.From, ep.Window.To)
		}
		if err != nil {
			l.Error("provider fetch failed",
				applogger.String("instrument_key", instrumentKey),
				applogger.String("timeframe", string(spec.Timeframe)),
				applogger.String("kind", string(ep.Kind)),
				applogger.String("from", ep.Window.From.Format(time.DateOnly)),
				applogger.String("to", ep.Window.To.Format(time.DateOnly)),
				applogger.Error(err),
			)
			return nil, total, fmt.Errorf("fetch %s %s %s: %w", instrumentKey, spec.Timeframe, ep.Kind, err)
		}
		total += len(candles)
		batches = append(batches, series.Batch{Kind: ep.Kind, Candles: candles})
	}
	return batches, total, nil
}
