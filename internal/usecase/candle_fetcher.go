package usecase

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"CandleCache/internal/domain/models"
	domrepo "CandleCache/internal/domain/repository"
	"CandleCache/internal/service/daterange"
	"CandleCache/internal/service/series"
	applogger "CandleCache/pkg/logger"
)

const (
	SourceCache    = "cache"
	SourceProvider = "provider"

	ErrInsufficientData = "insufficient_data"
)

// Purpose names which consumer is asking; it selects the default timeframes.
type Purpose string

const (
	PurposeIndicators Purpose = "indicators"
	PurposeStrategy   Purpose = "strategy"
	PurposeIntraday   Purpose = "intraday"
	PurposeEOD        Purpose = "eod"
)

// DefaultPurposes maps each purpose to the timeframes it reads.
func DefaultPurposes() map[Purpose][]domrepo.Timeframe {
	return map[Purpose][]domrepo.Timeframe{
		PurposeIndicators: {domrepo.TF15m, domrepo.TF1h, domrepo.TF1d},
		PurposeStrategy:   {domrepo.TF1h, domrepo.TF1d},
		PurposeIntraday:   {domrepo.TF15m, domrepo.TF1h},
		PurposeEOD:        {domrepo.TF1d},
	}
}

type FetcherConfig struct {
	// SufficiencyRatio is the share of the target a timeframe must hold.
	SufficiencyRatio float64
	Purposes         map[Purpose][]domrepo.Timeframe
	CalendarRatio    float64
	CalendarBuffer   int
}

func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		SufficiencyRatio: 0.98,
		Purposes:         DefaultPurposes(),
		CalendarRatio:    1.4,
		CalendarBuffer:   5,
	}
}

type CandleDataRequest struct {
	InstrumentKey   string
	Purpose         Purpose
	Timeframes      []domrepo.Timeframe
	SkipLiveSession bool
	// CutoffDate limits returned bars to Timestamp <= CutoffDate.
	CutoffDate *time.Time
}

type CandleDataResult struct {
	Success       bool                                  `json:"success"`
	InstrumentKey string                                `json:"instrument_key"`
	Source        string                                `json:"source,omitempty"`
	Data          map[domrepo.Timeframe][]models.Candle `json:"data,omitempty"`
	Error         string                                `json:"error,omitempty"`
	Reason        string                                `json:"reason,omitempty"`
	Insufficient  []models.InsufficientDataError        `json:"insufficient,omitempty"`
}

// CandleFetcher is the entry point consumers call for candle arrays.
type CandleFetcher struct {
	provider  domrepo.CandleProvider
	store     domrepo.SeriesStore
	cal       domrepo.TradingCalendar
	specs     domrepo.TimeframeSpecs
	calc      *daterange.Calculator
	updater   *IncrementalUpdater
	locker    domrepo.KeyLocker
	publisher domrepo.EventPublisher
	metrics   domrepo.Metrics
	cfg       FetcherConfig
	l         *applogger.Logger
	now       func() time.Time
}

// NewCandleFetcher wires the fetcher. publisher may be nil.
func NewCandleFetcher(
	provider domrepo.CandleProvider,
	store domrepo.SeriesStore,
	cal domrepo.TradingCalendar,
	specs domrepo.TimeframeSpecs,
	locker domrepo.KeyLocker,
	publisher domrepo.EventPublisher,
	metrics domrepo.Metrics,
	cfg FetcherConfig,
	l *applogger.Logger,
) *CandleFetcher {
	if l == nil {
		l = applogger.Nop()
	}
	if cfg.SufficiencyRatio <= 0 {
		cfg.SufficiencyRatio = 0.98
	}
	if len(cfg.Purposes) == 0 {
		cfg.Purposes = DefaultPurposes()
	}
	return &CandleFetcher{
		provider:  provider,
		store:     store,
		cal:       cal,
		specs:     specs,
		calc:      daterange.NewCalculator(cfg.CalendarRatio, cfg.CalendarBuffer),
		updater:   NewIncrementalUpdater(provider, cal, store, metrics, l),
		locker:    locker,
		publisher: publisher,
		metrics:   metrics,
		cfg:       cfg,
		l:         l,
		now:       time.Now,
	}
}

// SetClock replaces the time source of the fetcher and its updater.
func (f *CandleFetcher) SetClock(now func() time.Time) {
	f.now = now
	f.updater.now = now
}

// timeframeOutcome is what one timeframe contributes to a cycle.
type timeframeOutcome struct {
	candles []models.Candle
	fetched bool
}

// GetCandleData returns one candle array per requested timeframe. Provider
// failures and irrecoverable staleness come back as errors; thin data comes
// back as a result with Success=false.
func (f *CandleFetcher) GetCandleData(ctx context.Context, req CandleDataRequest) (*CandleDataResult, error) {
	if strings.TrimSpace(req.InstrumentKey) == "" {
		return nil, fmt.Errorf("instrument_key required")
	}
	tfs, err := f.resolveTimeframes(req)
	if err != nil {
		return nil, err
	}
	specs := make([]domrepo.TimeframeSpec, 0, len(tfs))
	for _, tf := range tfs {
		spec, err := f.specs.Get(tf)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	start := time.Now()
	defer func() { f.metrics.RecordLatency("fetch_cycle_seconds", time.Since(start).Seconds()) }()

	// the cycle finishes even if the caller goes away
	cycleCtx := context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(cycleCtx)

	var mu sync.Mutex
	outcomes := make(map[domrepo.Timeframe]timeframeOutcome, len(specs))
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			out, err := f.resolveTimeframe(gctx, req, spec)
			if err != nil {
				return err
			}
			if req.CutoffDate != nil {
				if out, err = f.applyCutoff(gctx, req, spec, out); err != nil {
					return err
				}
			}
			mu.Lock()
			outcomes[spec.Timeframe] = out
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		f.metrics.RecordError("fetch_cycle")
		return nil, err
	}

	res := &CandleDataResult{
		InstrumentKey: req.InstrumentKey,
		Source:        SourceCache,
		Data:          make(map[domrepo.Timeframe][]models.Candle, len(specs)),
	}
	for _, spec := range specs {
		out := outcomes[spec.Timeframe]
		if out.fetched {
			res.Source = SourceProvider
		}
		candles := out.candles
		res.Data[spec.Timeframe] = candles
		if need := f.need(spec); len(candles) < need {
			res.Insufficient = append(res.Insufficient, models.InsufficientDataError{
				Timeframe: string(spec.Timeframe), Have: len(candles), Need: need,
			})
		}
	}

	if len(res.Insufficient) > 0 {
		f.metrics.RecordInsufficient(string(req.Purpose))
		reasons := make([]string, 0, len(res.Insufficient))
		for i := range res.Insufficient {
			reasons = append(reasons, res.Insufficient[i].Error())
		}
		f.l.Warn("insufficient candle data",
			applogger.String("instrument_key", req.InstrumentKey),
			applogger.String("purpose", string(req.Purpose)),
			applogger.Strings("reasons", reasons),
		)
		return &CandleDataResult{
			Success:       false,
			InstrumentKey: req.InstrumentKey,
			Error:         ErrInsufficientData,
			Reason:        strings.Join(reasons, "; "),
			Insufficient:  res.Insufficient,
		}, nil
	}

	res.Success = true
	return res, nil
}

func (f *CandleFetcher) need(spec domrepo.TimeframeSpec) int {
	return int(math.Ceil(float64(spec.TargetBars) * f.cfg.SufficiencyRatio))
}

func (f *CandleFetcher) resolveTimeframes(req CandleDataRequest) ([]domrepo.Timeframe, error) {
	tfs := req.Timeframes
	if len(tfs) == 0 {
		p := req.Purpose
		if p == "" {
			p = PurposeIndicators
		}
		var ok bool
		if tfs, ok = f.cfg.Purposes[p]; !ok {
			return nil, fmt.Errorf("unknown purpose %q", p)
		}
	}
	seen := make(map[domrepo.Timeframe]struct{}, len(tfs))
	out := make([]domrepo.Timeframe, 0, len(tfs))
	for _, tf := range tfs {
		if _, ok := seen[tf]; ok {
			continue
		}
		seen[tf] = struct{}{}
		out = append(out, tf)
	}
	sort.Slice(out, func(i, j int) bool {
		return f.specs[out[i]].BarDuration < f.specs[out[j]].BarDuration
	})
	return out, nil
}

// resolveTimeframe runs lookup, freshness check and the needed fetch for one
// timeframe while holding that key's lock.
func (f *CandleFetcher) resolveTimeframe(ctx context.Context, req CandleDataRequest, spec domrepo.TimeframeSpec) (timeframeOutcome, error) {
	unlock, err := f.locker.Lock(ctx, req.InstrumentKey+":"+string(spec.Timeframe))
	if err != nil {
		return timeframeOutcome{}, fmt.Errorf("lock %s %s: %w", req.InstrumentKey, spec.Timeframe, err)
	}
	defer unlock()

	now := f.now()
	cached, err := f.store.FindOne(ctx, req.InstrumentKey, spec.Timeframe)
	if err != nil {
		// read failures degrade to a provider fetch
		f.metrics.RecordError("store_find")
		f.l.Warn("series lookup failed, fetching from provider",
			applogger.String("instrument_key", req.InstrumentKey),
			applogger.String("timeframe", string(spec.Timeframe)),
			applogger.Error(err),
		)
		cached = nil
	}

	stale, fresh := CheckFreshness(f.cal, spec, cached, now, req.SkipLiveSession)
	switch {
	case fresh:
		f.metrics.RecordCacheLookup(string(spec.Timeframe), "hit")
		return timeframeOutcome{candles: f.view(spec, cached.Candles, now, req.SkipLiveSession)}, nil

	case stale.Reason == ReasonBehind:
		f.metrics.RecordCacheLookup(string(spec.Timeframe), "stale")
		f.l.Debug("series stale",
			applogger.String("instrument_key", req.InstrumentKey),
			applogger.String("timeframe", string(spec.Timeframe)),
			applogger.Time("last_bar_time", stale.LastBarTime),
			applogger.Time("expected", stale.Expected),
		)
		res, err := f.updater.Update(ctx, spec, cached, stale, req.SkipLiveSession)
		if err != nil {
			return timeframeOutcome{}, err
		}
		if res.Persisted {
			f.publish(ctx, res.Series, res.Added, SourceProvider)
		}
		return timeframeOutcome{candles: f.view(spec, res.Candles, now, req.SkipLiveSession), fetched: true}, nil

	default:
		f.metrics.RecordCacheLookup(string(spec.Timeframe), "miss")
		candles, err := f.fullFetch(ctx, req.InstrumentKey, spec, now, req.SkipLiveSession)
		if err != nil {
			return timeframeOutcome{}, err
		}
		return timeframeOutcome{candles: candles, fetched: true}, nil
	}
}

// applyCutoff trims a timeframe to bars at or before the cutoff. When the
// cached window was enough but the cutoff reaches back past it, the bars come
// from a provider fetch ending at the cutoff; that fetch is not stored.
func (f *CandleFetcher) applyCutoff(ctx context.Context, req CandleDataRequest, spec domrepo.TimeframeSpec, out timeframeOutcome) (timeframeOutcome, error) {
	cutoff := *req.CutoffDate
	candles := series.Until(out.candles, cutoff)
	need := f.need(spec)
	if len(candles) >= need || len(out.candles) < need {
		return timeframeOutcome{candles: candles, fetched: out.fetched}, nil
	}

	now := f.now()
	end := f.cal.Today(cutoff)
	chunks := f.calc.Plan(spec, spec.TargetBars, end)
	eps := planEndpoints(f.cal, spec, chunks, now, true)
	f.l.Info("fetch as of cutoff",
		applogger.String("instrument_key", req.InstrumentKey),
		applogger.String("timeframe", string(spec.Timeframe)),
		applogger.Time("cutoff", cutoff),
		applogger.Int("endpoints", len(eps)),
	)
	batches, _, err := runEndpoints(ctx, f.provider, f.l, req.InstrumentKey, spec, eps)
	if err != nil {
		return timeframeOutcome{}, err
	}
	candles = closedOnly(f.cal, spec, series.Reassemble(batches), now)
	candles = series.TrimOldest(series.Until(candles, cutoff), spec.TargetBars)
	return timeframeOutcome{candles: candles, fetched: true}, nil
}

// view copies the candles handed to the caller, dropping forming bars when
// only closed sessions were asked for.
func (f *CandleFetcher) view(spec domrepo.TimeframeSpec, candles []models.Candle, now time.Time, skipLive bool) []models.Candle {
	if skipLive {
		return closedOnly(f.cal, spec, candles, now)
	}
	out := make([]models.Candle, len(candles))
	copy(out, candles)
	return out
}

// fullFetch loads a timeframe from scratch over the calculated window.
func (f *CandleFetcher) fullFetch(ctx context.Context, instrumentKey string, spec domrepo.TimeframeSpec, now time.Time, skipLive bool) ([]models.Candle, error) {
	end := f.cal.Today(now)
	if skipLive {
		end = f.cal.Today(f.cal.LastSessionClose(now))
	}
	chunks := f.calc.Plan(spec, spec.TargetBars, end)
	eps := planEndpoints(f.cal, spec, chunks, now, skipLive)

	f.l.Info("full fetch",
		applogger.String("instrument_key", instrumentKey),
		applogger.String("timeframe", string(spec.Timeframe)),
		applogger.Int("endpoints", len(eps)),
		applogger.String("from", chunks[0].From.Format(time.DateOnly)),
		applogger.String("to", end.Format(time.DateOnly)),
	)

	batches, _, err := runEndpoints(ctx, f.provider, f.l, instrumentKey, spec, eps)
	if err != nil {
		return nil, err
	}
	candles := series.Reassemble(batches)
	closed := closedOnly(f.cal, spec, candles, now)
	if skipLive {
		candles = closed
	}
	candles = series.TrimOldest(candles, spec.TargetBars)
	stored := series.TrimOldest(closed, spec.TargetBars)
	if len(stored) == 0 {
		return candles, nil
	}

	// forming bars go back to the caller but never into the store
	s := &models.CachedSeries{
		InstrumentKey: instrumentKey,
		Timeframe:     string(spec.Timeframe),
		Candles:       stored,
		LastBarTime:   series.Last(stored),
		LastUpdated:   now,
		TradingDate:   f.cal.Today(now).Format(time.DateOnly),
	}
	if err := f.store.Upsert(ctx, s); err != nil {
		f.metrics.RecordError("store_upsert")
		f.l.Error("persist fetched series failed, serving fetched data",
			applogger.String("instrument_key", instrumentKey),
			applogger.String("timeframe", string(spec.Timeframe)),
			applogger.Int("bars", len(stored)),
			applogger.Error(err),
		)
	} else {
		f.metrics.RecordMergedBars(string(spec.Timeframe), len(stored))
		f.publish(ctx, s, len(stored), SourceProvider)
	}

	out := make([]models.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (f *CandleFetcher) publish(ctx context.Context, s *models.CachedSeries, added int, source string) {
	if f.publisher == nil {
		return
	}
	ev := models.SeriesUpdatedEvent{
		InstrumentKey: s.InstrumentKey,
		Timeframe:     s.Timeframe,
		LastBarTime:   s.LastBarTime,
		Bars:          len(s.Candles),
		Added:         added,
		Source:        source,
		At:            f.now(),
	}
	if err := f.publisher.PublishSeriesUpdated(ctx, ev); err != nil {
		f.metrics.RecordError("publish_series_updated")
		f.l.Warn("publish series update failed",
			applogger.String("instrument_key", s.InstrumentKey),
			applogger.String("timeframe", s.Timeframe),
			applogger.Error(err),
		)
	}
}

// Series returns the stored series for a key without any freshness work.
func (f *CandleFetcher) Series(ctx context.Context, instrumentKey string, tf domrepo.Timeframe) (*models.CachedSeries, error) {
	if _, err := f.specs.Get(tf); err != nil {
		return nil, err
	}
	return f.store.FindOne(ctx, instrumentKey, tf)
}
