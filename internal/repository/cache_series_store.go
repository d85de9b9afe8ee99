package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CandleCache/internal/domain/models"
	domrepo "CandleCache/internal/domain/repository"
	"CandleCache/pkg/cache"
	applogger "CandleCache/pkg/logger"
)

// CacheSeriesStore keeps each series as one JSON document in a cache.Service
// (Redis, layered Redis+memory, or memory only).
type CacheSeriesStore struct {
	c   cache.Service
	ttl time.Duration
	l   *applogger.Logger
}

// NewCacheSeriesStore creates the store. ttl <= 0 keeps entries until evicted.
func NewCacheSeriesStore(c cache.Service, ttl time.Duration) *CacheSeriesStore {
	return &CacheSeriesStore{c: c, ttl: ttl, l: applogger.Nop()}
}

// SetLogger injects a structured logger.
func (s *CacheSeriesStore) SetLogger(l *applogger.Logger) { s.l = l }

func seriesKey(instrumentKey string, tf domrepo.Timeframe) string {
	return cache.GenerateKeyWithParams("series", instrumentKey, tf)
}

func (s *CacheSeriesStore) FindOne(ctx context.Context, instrumentKey string, tf domrepo.Timeframe) (*models.CachedSeries, error) {
	var out models.CachedSeries
	if err := s.c.Get(ctx, seriesKey(instrumentKey, tf), &out); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, nil
		}
		s.l.Error("series cache get error",
			applogger.String("instrument_key", instrumentKey),
			applogger.String("timeframe", string(tf)),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("find series: %w", err)
	}
	return &out, nil
}

func (s *CacheSeriesStore) Upsert(ctx context.Context, series *models.CachedSeries) error {
	key := seriesKey(series.InstrumentKey, domrepo.Timeframe(series.Timeframe))
	if err := s.c.Set(ctx, key, series, s.ttl); err != nil {
		s.l.Error("series cache set error",
			applogger.String("instrument_key", series.InstrumentKey),
			applogger.String("timeframe", series.Timeframe),
			applogger.Int("bars", len(series.Candles)),
			applogger.Error(err),
		)
		return fmt.Errorf("upsert series: %w", err)
	}
	return nil
}

func (s *CacheSeriesStore) Health(ctx context.Context) error {
	return s.c.Ping(ctx)
}
