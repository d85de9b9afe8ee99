package export

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleCache/internal/domain/models"
)

func TestExportWritesReadableFile(t *testing.T) {
	dir := t.TempDir()
	e := NewParquetExporter(dir, nil)
	date := time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)
	t0 := time.Date(2025, 3, 5, 3, 45, 0, 0, time.UTC)

	candles := []models.Candle{
		{Timestamp: t0, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100},
		{Timestamp: t0.Add(15 * time.Minute), Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 50},
	}
	path, err := e.Export(date, "NSE_EQ|INE002A01018", "15m", candles)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2025-03-05", "NSE_EQ_INE002A01018_15m.parquet"), path)

	rows, err := parquet.ReadFile[Row](path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, t0.UnixMilli(), rows[0].Timestamp)
	assert.Equal(t, 2.0, rows[1].Close)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestExportSkipsEmpty(t *testing.T) {
	e := NewParquetExporter(t.TempDir(), nil)
	path, err := e.Export(time.Now(), "NSE_EQ|X", "1d", nil)
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "NSE_INDEX_Nifty_50", sanitize("NSE_INDEX|Nifty 50"))
	assert.Equal(t, "a.b-c", sanitize("a.b-c"))
}
