package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"CandleCache/internal/domain/models"
	domrepo "CandleCache/internal/domain/repository"
	applogger "CandleCache/pkg/logger"
	"CandleCache/pkg/queue"
)

// EODRefreshJobType is the queue message type of one end-of-day refresh.
const EODRefreshJobType = "candles.eod_refresh"

// EODJob is the queue payload of one end-of-day refresh.
type EODJob struct {
	InstrumentKey string `json:"instrument_key"`
	// Date is the trading date the batch was started for (YYYY-MM-DD).
	Date string `json:"date"`
}

// SnapshotExporter persists a copy of a series outside the store.
type SnapshotExporter interface {
	Export(date time.Time, instrumentKey, tf string, candles []models.Candle) (string, error)
}

type EODBatchConfig struct {
	Watchlist []string
	// Concurrency bounds in-process refreshes.
	Concurrency int
}

type BatchReport struct {
	Refreshed    int `json:"refreshed"`
	Insufficient int `json:"insufficient"`
	Failed       int `json:"failed"`
}

// EODBatch refreshes the watchlist after the close with live data skipped.
// With a queue it only enqueues jobs; workers call RefreshOne. Without one
// the whole batch runs in-process.
type EODBatch struct {
	fetcher  *CandleFetcher
	cal      domrepo.TradingCalendar
	enqueuer queue.Enqueuer
	exporter SnapshotExporter
	metrics  domrepo.Metrics
	cfg      EODBatchConfig
	l        *applogger.Logger
	now      func() time.Time
}

// NewEODBatch wires the batch. enqueuer and exporter may be nil.
func NewEODBatch(
	fetcher *CandleFetcher,
	cal domrepo.TradingCalendar,
	enqueuer queue.Enqueuer,
	exporter SnapshotExporter,
	metrics domrepo.Metrics,
	cfg EODBatchConfig,
	l *applogger.Logger,
) *EODBatch {
	if l == nil {
		l = applogger.Nop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &EODBatch{
		fetcher:  fetcher,
		cal:      cal,
		enqueuer: enqueuer,
		exporter: exporter,
		metrics:  metrics,
		cfg:      cfg,
		l:        l.With(applogger.String("component", "eod_batch")),
		now:      time.Now,
	}
}

// TradingDate is the date of the newest closed session at now.
func (b *EODBatch) TradingDate() time.Time {
	return b.cal.Today(b.cal.LastSessionClose(b.now()))
}

// Run is the scheduled entry point.
func (b *EODBatch) Run(ctx context.Context) error {
	if len(b.cfg.Watchlist) == 0 {
		b.l.Warn("eod batch skipped, empty watchlist")
		return nil
	}
	if b.enqueuer != nil {
		return b.Enqueue(ctx)
	}
	report, err := b.RunInProcess(ctx)
	b.l.Info("eod batch finished",
		applogger.Int("refreshed", report.Refreshed),
		applogger.Int("insufficient", report.Insufficient),
		applogger.Int("failed", report.Failed),
	)
	return err
}

// Enqueue publishes one job per watchlist instrument.
func (b *EODBatch) Enqueue(ctx context.Context) error {
	date := b.TradingDate().Format(time.DateOnly)
	for _, key := range b.cfg.Watchlist {
		if err := b.enqueuer.Enqueue(ctx, EODRefreshJobType, EODJob{InstrumentKey: key, Date: date}); err != nil {
			b.metrics.RecordError("eod_enqueue")
			return fmt.Errorf("enqueue eod refresh %s: %w", key, err)
		}
	}
	b.l.Info("eod batch enqueued",
		applogger.Int("instruments", len(b.cfg.Watchlist)),
		applogger.String("date", date),
	)
	return nil
}

// RunInProcess refreshes every instrument with bounded concurrency. One
// failing instrument does not stop the others.
func (b *EODBatch) RunInProcess(ctx context.Context) (BatchReport, error) {
	date := b.TradingDate()
	var refreshed, insufficient, failed atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(b.cfg.Concurrency)
	for _, key := range b.cfg.Watchlist {
		key := key
		g.Go(func() error {
			ok, err := b.RefreshOne(ctx, key, date)
			switch {
			case err != nil:
				failed.Add(1)
				b.l.Error("eod refresh failed", applogger.String("instrument_key", key), applogger.Error(err))
			case !ok:
				insufficient.Add(1)
			default:
				refreshed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := BatchReport{
		Refreshed:    int(refreshed.Load()),
		Insufficient: int(insufficient.Load()),
		Failed:       int(failed.Load()),
	}
	if report.Failed > 0 {
		return report, fmt.Errorf("eod batch: %d of %d instruments failed", report.Failed, len(b.cfg.Watchlist))
	}
	return report, nil
}

// RefreshOne runs an eod cycle for key and exports the result. It reports
// false when the instrument has too little history.
func (b *EODBatch) RefreshOne(ctx context.Context, key string, date time.Time) (bool, error) {
	res, err := b.fetcher.GetCandleData(ctx, CandleDataRequest{
		InstrumentKey:   key,
		Purpose:         PurposeEOD,
		SkipLiveSession: true,
	})
	if err != nil {
		return false, err
	}
	if !res.Success {
		b.l.Warn("eod refresh insufficient",
			applogger.String("instrument_key", key),
			applogger.String("reason", res.Reason),
		)
		return false, nil
	}
	if b.exporter == nil {
		return true, nil
	}
	for tf, candles := range res.Data {
		if _, err := b.exporter.Export(date, key, string(tf), candles); err != nil {
			// the store already holds the series; a lost snapshot is not fatal
			b.metrics.RecordError("eod_export")
			b.l.Error("eod export failed",
				applogger.String("instrument_key", key),
				applogger.String("timeframe", string(tf)),
				applogger.Error(err),
			)
		}
	}
	return true, nil
}

// Job adapts RefreshOne to a queue worker.
func (b *EODBatch) Job() queue.Job {
	return queue.JobFunc{
		Kind: EODRefreshJobType,
		Fn: func(ctx context.Context, payload json.RawMessage) error {
			job, err := queue.Decode[EODJob](payload)
			if err != nil {
				return err
			}
			if job.InstrumentKey == "" {
				return fmt.Errorf("eod job without instrument_key")
			}
			date := b.TradingDate()
			if job.Date != "" {
				d, err := time.ParseInLocation(time.DateOnly, job.Date, b.cal.Location())
				if err != nil {
					return fmt.Errorf("eod job date %q: %w", job.Date, err)
				}
				date = d
			}
			_, err = b.RefreshOne(ctx, job.InstrumentKey, date)
			return err
		},
	}
}
