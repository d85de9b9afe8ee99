package usecase

import (
	"context"
	"time"

	"CandleCache/internal/domain/models"
	domrepo "CandleCache/internal/domain/repository"
	"CandleCache/internal/service/daterange"
	"CandleCache/internal/service/series"
	applogger "CandleCache/pkg/logger"
)

// IncrementalUpdater fetches only the missing tail of a cached series and
// merges it in without touching bars already stored.
type IncrementalUpdater struct {
	provider domrepo.CandleProvider
	cal      domrepo.TradingCalendar
	store    domrepo.SeriesStore
	metrics  domrepo.Metrics
	l        *applogger.Logger
	now      func() time.Time
}

func NewIncrementalUpdater(provider domrepo.CandleProvider, cal domrepo.TradingCalendar, store domrepo.SeriesStore, metrics domrepo.Metrics, l *applogger.Logger) *IncrementalUpdater {
	if l == nil {
		l = applogger.Nop()
	}
	return &IncrementalUpdater{provider: provider, cal: cal, store: store, metrics: metrics, l: l, now: time.Now}
}

// UpdateResult is the outcome for one stale timeframe. Series holds closed
// bars only; Candles is what the caller gets and may end in forming bars.
type UpdateResult struct {
	Series    *models.CachedSeries
	Candles   []models.Candle
	Added     int
	Persisted bool
}

// Window returns the incremental fetch range for a stale timeframe. Intraday
// starts on the last bar's own day since more bars may follow it that day; a
// daily bar is final once present so daily starts on the next day.
func (u *IncrementalUpdater) Window(spec domrepo.TimeframeSpec, lastBar, now time.Time, skipLive bool) daterange.Window {
	from := u.cal.Today(lastBar)
	if !spec.Intraday {
		from = from.AddDate(0, 0, 1)
	}
	to := u.cal.Today(now)
	if skipLive {
		to = u.cal.Today(u.cal.LastSessionClose(now))
	}
	if from.After(to) {
		from = to
	}
	return daterange.Window{From: from, To: to}
}

// Update refreshes one stale timeframe. Zero candles from the provider for a
// window already judged stale is a StaleDataIrrecoverableError.
func (u *IncrementalUpdater) Update(ctx context.Context, spec domrepo.TimeframeSpec, cached *models.CachedSeries, stale StaleTimeframe, skipLive bool) (*UpdateResult, error) {
	now := u.now()
	existing := u.settled(spec, cached)
	from := stale.LastBarTime
	if len(existing) > 0 {
		from = series.Last(existing)
	}
	w := u.Window(spec, from, now, skipLive)
	eps := planEndpoints(u.cal, spec, daterange.Split(w.From, w.To, spec.MaxWindowDays), now, skipLive)

	batches, raw, err := runEndpoints(ctx, u.provider, u.l, cached.InstrumentKey, spec, eps)
	if err != nil {
		return nil, err
	}
	if raw == 0 {
		u.metrics.RecordError("stale_irrecoverable")
		u.l.Error("no candles for stale window",
			applogger.String("instrument_key", cached.InstrumentKey),
			applogger.String("timeframe", string(spec.Timeframe)),
			applogger.String("from", w.From.Format(time.DateOnly)),
			applogger.String("to", w.To.Format(time.DateOnly)),
			applogger.Time("last_bar_time", stale.LastBarTime),
		)
		return nil, &models.StaleDataIrrecoverableError{
			InstrumentKey: cached.InstrumentKey,
			Timeframe:     string(spec.Timeframe),
			From:          w.From,
			To:            w.To,
			LastBarTime:   stale.LastBarTime,
		}
	}

	incoming := series.Reassemble(batches)
	merged, added := series.MergeNew(existing, closedOnly(u.cal, spec, incoming, now), spec.TargetBars)
	u.metrics.RecordMergedBars(string(spec.Timeframe), added)

	view := merged
	if !skipLive {
		view = withForming(merged, incoming, spec.TargetBars)
	}

	next := &models.CachedSeries{
		InstrumentKey: cached.InstrumentKey,
		Timeframe:     string(spec.Timeframe),
		Candles:       merged,
		LastBarTime:   series.Last(merged),
		LastUpdated:   now,
		TradingDate:   u.cal.Today(now).Format(time.DateOnly),
	}
	res := &UpdateResult{Series: next, Candles: view, Added: added}
	if err := u.store.Upsert(ctx, next); err != nil {
		u.metrics.RecordError("store_upsert")
		u.l.Error("persist merged series failed, serving merged data",
			applogger.String("instrument_key", next.InstrumentKey),
			applogger.String("timeframe", next.Timeframe),
			applogger.Int("bars", len(merged)),
			applogger.Error(err),
		)
		return res, nil
	}
	res.Persisted = true

	u.l.Debug("incremental update merged",
		applogger.String("instrument_key", next.InstrumentKey),
		applogger.String("timeframe", next.Timeframe),
		applogger.Int("fetched", raw),
		applogger.Int("added", added),
		applogger.Int("bars", len(merged)),
	)
	return res, nil
}

// withForming appends the incoming bars newer than the last stored one.
func withForming(stored, incoming []models.Candle, target int) []models.Candle {
	last := series.Last(stored)
	out := make([]models.Candle, len(stored), len(stored)+1)
	copy(out, stored)
	for _, c := range incoming {
		if c.Timestamp.After(last) {
			out = append(out, c)
		}
	}
	return series.TrimOldest(out, target)
}

// settled drops bars that were still forming when the series was last
// written. Rows written before forming bars were kept out of the store can
// still carry one.
func (u *IncrementalUpdater) settled(spec domrepo.TimeframeSpec, cached *models.CachedSeries) []models.Candle {
	if cached.LastUpdated.IsZero() {
		return cached.Candles
	}
	return closedOnly(u.cal, spec, cached.Candles, cached.LastUpdated)
}
