package repository

import (
	"context"
	"time"

	"CandleCache/internal/domain/models"
)

// SeriesStore persists one candle series per (instrument, timeframe).
type SeriesStore interface {
	// FindOne returns (nil, nil) when nothing is cached for the key.
	FindOne(ctx context.Context, instrumentKey string, tf Timeframe) (*models.CachedSeries, error)
	Upsert(ctx context.Context, series *models.CachedSeries) error
	Health(ctx context.Context) error
}

// CandleProvider is the upstream market-data API.
type CandleProvider interface {
	// HistoricalCandles returns bars for the inclusive date range [from, to].
	HistoricalCandles(ctx context.Context, instrumentKey string, spec TimeframeSpec, from, to time.Time) ([]models.Candle, error)
	// LiveSessionCandles returns the bars of the still-open session.
	LiveSessionCandles(ctx context.Context, instrumentKey string, spec TimeframeSpec) ([]models.Candle, error)
	LastPrice(ctx context.Context, instrumentKey string) (models.Tick, error)
}

// TradingCalendar answers session questions for the exchange.
type TradingCalendar interface {
	IsTradingDay(date time.Time) bool
	ExpectedLastBarTime(now time.Time, spec TimeframeSpec) time.Time
	// LastSessionClose returns the close of the newest session that has ended at now.
	LastSessionClose(now time.Time) time.Time
	// IsCurrentSession reports whether date is today's trading session at now.
	IsCurrentSession(date, now time.Time) bool
	// BarClose returns when the bar starting at start is final.
	BarClose(start time.Time, spec TimeframeSpec) time.Time
	Today(now time.Time) time.Time
	Location() *time.Location
}

// TickSource returns a recent tick if one is known locally.
type TickSource interface {
	LatestTick(instrumentKey string) (models.Tick, bool)
}

// KeyLocker serialises read-merge-write cycles per cache key.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// EventPublisher emits series update events.
type EventPublisher interface {
	PublishSeriesUpdated(ctx context.Context, ev models.SeriesUpdatedEvent) error
	Close() error
}

type Metrics interface {
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
	RecordUpstreamCall(endpoint, outcome string)
	RecordCacheLookup(tf, result string)
	RecordMergedBars(tf string, n int)
	RecordInsufficient(purpose string)
}
