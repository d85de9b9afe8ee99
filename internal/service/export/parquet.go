package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"CandleCache/internal/domain/models"
	"CandleCache/pkg/logger"
)

// Row is the on-disk layout of one bar.
type Row struct {
	Timestamp int64   `parquet:"ts"` // unix ms, bar start
	Open      float64 `parquet:"o"`
	High      float64 `parquet:"h"`
	Low       float64 `parquet:"l"`
	Close     float64 `parquet:"c"`
	Volume    float64 `parquet:"v"`
}

// ParquetExporter writes series snapshots to <dir>/<date>/<instrument>_<tf>.parquet.
type ParquetExporter struct {
	dir string
	l   *logger.Logger
}

func NewParquetExporter(dir string, l *logger.Logger) *ParquetExporter {
	if l == nil {
		l = logger.Nop()
	}
	return &ParquetExporter{dir: dir, l: l}
}

// Path returns the snapshot file for one series on date.
func (e *ParquetExporter) Path(date time.Time, instrumentKey, tf string) string {
	name := fmt.Sprintf("%s_%s.parquet", sanitize(instrumentKey), tf)
	return filepath.Join(e.dir, date.Format("2006-01-02"), name)
}

// Export writes candles and returns the file path. Empty series are skipped.
func (e *ParquetExporter) Export(date time.Time, instrumentKey, tf string, candles []models.Candle) (string, error) {
	if len(candles) == 0 {
		return "", nil
	}
	path := e.Path(date, instrumentKey, tf)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	rows := make([]Row, len(candles))
	for i, c := range candles {
		rows[i] = Row{
			Timestamp: c.Timestamp.UnixMilli(),
			Open:      c.Open,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Close,
			Volume:    c.Volume,
		}
	}

	// write then rename so readers never see a partial file
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, rows); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write parquet %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename parquet %s: %w", path, err)
	}
	e.l.Debug("series exported",
		logger.String("instrument_key", instrumentKey),
		logger.String("timeframe", tf),
		logger.Int("bars", len(rows)),
		logger.String("path", path),
	)
	return path, nil
}

// sanitize maps instrument keys like "NSE_EQ|INE002A01018" to file-safe names.
func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, key)
}
