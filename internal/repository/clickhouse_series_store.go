package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"CandleCache/internal/domain/models"
	domrepo "CandleCache/internal/domain/repository"
	pkgch "CandleCache/pkg/clickhouse"
	applogger "CandleCache/pkg/logger"
)

// CHSeriesStore implements SeriesStore on ClickHouse. Candles go to a
// ReplacingMergeTree keyed by (instrument, timeframe, ts), so re-inserting an
// overlapping tail is harmless; the meta row tells how many bars are current.
type CHSeriesStore struct {
	db       *sql.DB
	database string
	l        *applogger.Logger
}

func NewCHSeriesStore(ch *pkgch.Client, database string) *CHSeriesStore {
	return &CHSeriesStore{db: ch.DB(), database: database, l: applogger.Nop()}
}

// SetLogger injects a structured logger.
func (s *CHSeriesStore) SetLogger(l *applogger.Logger) { s.l = l }

// SeriesSchema returns the idempotent DDL for the store.
func SeriesSchema(database string) []string {
	return []string{
		"CREATE DATABASE IF NOT EXISTS " + database,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.series_candles (
            instrument_key String,
            timeframe LowCardinality(String),
            ts DateTime64(3, 'UTC'),
            open Float64,
            high Float64,
            low Float64,
            close Float64,
            volume Float64,
            version UInt64
        ) ENGINE = ReplacingMergeTree(version)
        ORDER BY (instrument_key, timeframe, ts)`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.series_meta (
            instrument_key String,
            timeframe LowCardinality(String),
            last_bar_time DateTime64(3, 'UTC'),
            last_updated DateTime64(3, 'UTC'),
            trading_date String,
            bars UInt32,
            version UInt64
        ) ENGINE = ReplacingMergeTree(version)
        ORDER BY (instrument_key, timeframe)`, database),
	}
}

func (s *CHSeriesStore) FindOne(ctx context.Context, instrumentKey string, tf domrepo.Timeframe) (*models.CachedSeries, error) {
	start := time.Now()
	out := &models.CachedSeries{InstrumentKey: instrumentKey, Timeframe: string(tf)}
	var (
		bars    uint32
		version uint64
	)

	q := fmt.Sprintf(`
        SELECT last_bar_time, last_updated, trading_date, bars, version
        FROM %s.series_meta FINAL
        WHERE instrument_key = ? AND timeframe = ?
        LIMIT 1`, s.database)
	err := s.db.QueryRowContext(ctx, q, instrumentKey, string(tf)).
		Scan(&out.LastBarTime, &out.LastUpdated, &out.TradingDate, &bars, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.l.Error("clickhouse series_meta query error",
			applogger.String("instrument_key", instrumentKey),
			applogger.String("timeframe", string(tf)),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("find series meta: %w", err)
	}

	q, args := candleSelect(s.database, out, bars, version)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.l.Error("clickhouse series_candles query error",
			applogger.String("instrument_key", instrumentKey),
			applogger.String("timeframe", string(tf)),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("find series candles: %w", err)
	}
	defer rows.Close()

	candles := make([]models.Candle, 0, bars)
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			s.l.Error("clickhouse series_candles scan error",
				applogger.String("instrument_key", instrumentKey),
				applogger.String("timeframe", string(tf)),
				applogger.Error(err),
			)
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	// reverse to ASC
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	out.Candles = candles

	s.l.Debug("clickhouse find_series ok",
		applogger.String("instrument_key", instrumentKey),
		applogger.String("timeframe", string(tf)),
		applogger.Int("rows", len(candles)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return out, nil
}

func (s *CHSeriesStore) Upsert(ctx context.Context, series *models.CachedSeries) error {
	version := uint64(time.Now().UnixNano())

	const chunkSize = 2000
	for start := 0; start < len(series.Candles); start += chunkSize {
		end := start + chunkSize
		if end > len(series.Candles) {
			end = len(series.Candles)
		}
		q, args := candleInsert(s.database, series, series.Candles[start:end], version)
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			s.l.Error("clickhouse series_candles insert error",
				applogger.String("instrument_key", series.InstrumentKey),
				applogger.String("timeframe", series.Timeframe),
				applogger.Int("rows", end-start),
				applogger.Error(err),
			)
			return fmt.Errorf("insert candles: %w", err)
		}
	}

	q := fmt.Sprintf(`INSERT INTO %s.series_meta
        (instrument_key, timeframe, last_bar_time, last_updated, trading_date, bars, version)
        VALUES (?, ?, ?, ?, ?, ?, ?)`, s.database)
	_, err := s.db.ExecContext(ctx, q,
		series.InstrumentKey,
		series.Timeframe,
		series.LastBarTime.UTC(),
		series.LastUpdated.UTC(),
		series.TradingDate,
		uint32(len(series.Candles)),
		version,
	)
	if err != nil {
		s.l.Error("clickhouse series_meta insert error",
			applogger.String("instrument_key", series.InstrumentKey),
			applogger.String("timeframe", series.Timeframe),
			applogger.Error(err),
		)
		return fmt.Errorf("insert series meta: %w", err)
	}
	return nil
}

func (s *CHSeriesStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// candleSelect reads the bars of the current meta version. Every Upsert
// rewrites all current bars with a newer version, so rows left behind by an
// earlier write (trimmed or replaced bars) stay below it and are skipped.
// A write still in flight only carries versions above the meta row.
func candleSelect(database string, meta *models.CachedSeries, bars uint32, version uint64) (string, []interface{}) {
	q := fmt.Sprintf(`
        SELECT ts, open, high, low, close, volume
        FROM %s.series_candles FINAL
        WHERE instrument_key = ? AND timeframe = ? AND ts <= ? AND version >= ?
        ORDER BY ts DESC
        LIMIT ?`, database)
	return q, []interface{}{meta.InstrumentKey, meta.Timeframe, meta.LastBarTime, version, int(bars)}
}

// candleInsert builds one multi-row VALUES insert.
func candleInsert(database string, series *models.CachedSeries, candles []models.Candle, version uint64) (string, []interface{}) {
	values := make([]string, 0, len(candles))
	args := make([]interface{}, 0, len(candles)*9)
	for _, c := range candles {
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			series.InstrumentKey,
			series.Timeframe,
			c.Timestamp.UTC(),
			c.Open,
			c.High,
			c.Low,
			c.Close,
			c.Volume,
			version,
		)
	}
	q := fmt.Sprintf("INSERT INTO %s.series_candles (instrument_key, timeframe, ts, open, high, low, close, volume, version) VALUES %s",
		database, strings.Join(values, ","))
	return q, args
}
