package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"CandleCache/internal/domain/models"
	domrepo "CandleCache/internal/domain/repository"
	applogger "CandleCache/pkg/logger"

	_ "modernc.org/sqlite"
)

// SQLiteSeriesStore is the single-node SeriesStore. Timestamps are stored as
// unix milliseconds.
type SQLiteSeriesStore struct {
	db *sql.DB
	l  *applogger.Logger
}

// OpenSQLiteSeriesStore opens (or creates) the database at dsn and ensures
// the schema exists.
func OpenSQLiteSeriesStore(ctx context.Context, dsn string, l *applogger.Logger) (*SQLiteSeriesStore, error) {
	if l == nil {
		l = applogger.Nop()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	// one writer keeps SQLITE_BUSY away
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		l.Warn("failed to set sqlite WAL mode", applogger.Error(err))
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous = NORMAL;"); err != nil {
		l.Warn("failed to set sqlite synchronous mode", applogger.Error(err))
	}

	s := &SQLiteSeriesStore{db: db, l: l}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSeriesStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS series_candles (
			instrument_key TEXT,
			timeframe TEXT,
			ts INTEGER,
			open REAL,
			high REAL,
			low REAL,
			close REAL,
			volume REAL,
			PRIMARY KEY (instrument_key, timeframe, ts)
		);`,
		`CREATE TABLE IF NOT EXISTS series_meta (
			instrument_key TEXT,
			timeframe TEXT,
			last_bar_time INTEGER,
			last_updated INTEGER,
			trading_date TEXT,
			PRIMARY KEY (instrument_key, timeframe)
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteSeriesStore) FindOne(ctx context.Context, instrumentKey string, tf domrepo.Timeframe) (*models.CachedSeries, error) {
	var lastBar, lastUpdated int64
	out := &models.CachedSeries{InstrumentKey: instrumentKey, Timeframe: string(tf)}

	err := s.db.QueryRowContext(ctx,
		`SELECT last_bar_time, last_updated, trading_date FROM series_meta WHERE instrument_key = ? AND timeframe = ?`,
		instrumentKey, string(tf),
	).Scan(&lastBar, &lastUpdated, &out.TradingDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		s.l.Error("sqlite series_meta query error",
			applogger.String("instrument_key", instrumentKey),
			applogger.String("timeframe", string(tf)),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("find series meta: %w", err)
	}
	out.LastBarTime = time.UnixMilli(lastBar).UTC()
	out.LastUpdated = time.UnixMilli(lastUpdated).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, open, high, low, close, volume FROM series_candles
		 WHERE instrument_key = ? AND timeframe = ? ORDER BY ts ASC`,
		instrumentKey, string(tf),
	)
	if err != nil {
		s.l.Error("sqlite series_candles query error",
			applogger.String("instrument_key", instrumentKey),
			applogger.String("timeframe", string(tf)),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("find series candles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ts int64
		var c models.Candle
		if err := rows.Scan(&ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.Timestamp = time.UnixMilli(ts).UTC()
		out.Candles = append(out.Candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

// Upsert replaces the stored series in one transaction so readers never see
// a half-written array.
func (s *SQLiteSeriesStore) Upsert(ctx context.Context, series *models.CachedSeries) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM series_candles WHERE instrument_key = ? AND timeframe = ?`,
		series.InstrumentKey, series.Timeframe,
	); err != nil {
		return fmt.Errorf("clear candles: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO series_candles (instrument_key, timeframe, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range series.Candles {
		if _, err := stmt.ExecContext(ctx,
			series.InstrumentKey, series.Timeframe, c.Timestamp.UnixMilli(),
			c.Open, c.High, c.Low, c.Close, c.Volume,
		); err != nil {
			s.l.Error("sqlite series_candles insert error",
				applogger.String("instrument_key", series.InstrumentKey),
				applogger.String("timeframe", series.Timeframe),
				applogger.Error(err),
			)
			return fmt.Errorf("insert candle: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO series_meta (instrument_key, timeframe, last_bar_time, last_updated, trading_date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(instrument_key, timeframe) DO UPDATE SET
			last_bar_time = excluded.last_bar_time,
			last_updated = excluded.last_updated,
			trading_date = excluded.trading_date`,
		series.InstrumentKey, series.Timeframe,
		series.LastBarTime.UnixMilli(), series.LastUpdated.UnixMilli(), series.TradingDate,
	); err != nil {
		return fmt.Errorf("upsert meta: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteSeriesStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteSeriesStore) Close() error {
	return s.db.Close()
}
