package usecase

import (
	"context"
	"fmt"
	"time"

	"CandleCache/internal/domain/models"
	domrepo "CandleCache/internal/domain/repository"
	svccache "CandleCache/internal/service/cache"
	applogger "CandleCache/pkg/logger"
)

// MarketDataForTriggers is what trigger evaluation needs in one call.
type MarketDataForTriggers struct {
	InstrumentKey string                                `json:"instrument_key"`
	Success       bool                                  `json:"success"`
	Source        string                                `json:"source,omitempty"`
	Candles       map[domrepo.Timeframe][]models.Candle `json:"candles,omitempty"`
	Tick          models.Tick                           `json:"tick"`
	Error         string                                `json:"error,omitempty"`
	Reason        string                                `json:"reason,omitempty"`
}

type TriggerConfig struct {
	// MaxTickAge bounds how old a streamed tick may be before the REST quote is used.
	MaxTickAge time.Duration
	TickTTL    time.Duration
}

// TriggerService maps trigger conditions to the timeframes they read and
// adds the freshest price tick.
type TriggerService struct {
	fetcher  *CandleFetcher
	provider domrepo.CandleProvider
	stream   domrepo.TickSource
	ticks    *svccache.TTLCache[models.Tick]
	cfg      TriggerConfig
	l        *applogger.Logger
	now      func() time.Time
}

// NewTriggerService wires the service. stream may be nil.
func NewTriggerService(fetcher *CandleFetcher, provider domrepo.CandleProvider, stream domrepo.TickSource, ticks *svccache.TTLCache[models.Tick], cfg TriggerConfig, l *applogger.Logger) *TriggerService {
	if cfg.MaxTickAge <= 0 {
		cfg.MaxTickAge = 5 * time.Second
	}
	if cfg.TickTTL <= 0 {
		cfg.TickTTL = 2 * time.Second
	}
	if ticks == nil {
		ticks = svccache.NewTTLCache[models.Tick]()
	}
	if l == nil {
		l = applogger.Nop()
	}
	return &TriggerService{fetcher: fetcher, provider: provider, stream: stream, ticks: ticks, cfg: cfg, l: l, now: time.Now}
}

// TriggerTimeframes returns the distinct timeframes referenced by triggers,
// in first-seen order. Price triggers reference none.
func TriggerTimeframes(triggers []models.Trigger) ([]domrepo.Timeframe, error) {
	seen := make(map[domrepo.Timeframe]struct{})
	var out []domrepo.Timeframe
	for _, tr := range triggers {
		if tr.Timeframe == "" {
			continue
		}
		tf, err := domrepo.ParseTimeframe(tr.Timeframe)
		if err != nil {
			return nil, fmt.Errorf("trigger %s: %w", tr.ID, err)
		}
		if _, ok := seen[tf]; ok {
			continue
		}
		seen[tf] = struct{}{}
		out = append(out, tf)
	}
	return out, nil
}

func (s *TriggerService) GetMarketDataForTriggers(ctx context.Context, instrumentKey string, triggers []models.Trigger) (*MarketDataForTriggers, error) {
	tfs, err := TriggerTimeframes(triggers)
	if err != nil {
		return nil, err
	}

	out := &MarketDataForTriggers{InstrumentKey: instrumentKey, Success: true, Source: SourceCache}
	if len(tfs) > 0 {
		res, err := s.fetcher.GetCandleData(ctx, CandleDataRequest{
			InstrumentKey: instrumentKey,
			Purpose:       PurposeIndicators,
			Timeframes:    tfs,
		})
		if err != nil {
			return nil, err
		}
		out.Success = res.Success
		out.Source = res.Source
		out.Candles = res.Data
		out.Error = res.Error
		out.Reason = res.Reason
	}

	tick, err := s.latestTick(ctx, instrumentKey)
	if err != nil {
		return nil, err
	}
	out.Tick = tick
	return out, nil
}

// latestTick prefers a young streamed tick, then the tick cache, then the
// provider's quote endpoint.
func (s *TriggerService) latestTick(ctx context.Context, instrumentKey string) (models.Tick, error) {
	if s.stream != nil {
		if t, ok := s.stream.LatestTick(instrumentKey); ok && s.now().Sub(t.Timestamp) <= s.cfg.MaxTickAge {
			return t, nil
		}
	}
	key := "ltp:" + instrumentKey
	if t, ok := s.ticks.Get(key); ok {
		return t, nil
	}
	t, err := s.provider.LastPrice(ctx, instrumentKey)
	if err != nil {
		s.l.Error("last price fetch failed",
			applogger.String("instrument_key", instrumentKey),
			applogger.Error(err),
		)
		return models.Tick{}, fmt.Errorf("last price %s: %w", instrumentKey, err)
	}
	s.ticks.Set(key, t, s.cfg.TickTTL)
	return t, nil
}
