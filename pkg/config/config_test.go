package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
upstream:
  base_url: https://api.example.com/v2
`

func TestParseAppliesDefaults(t *testing.T) {
	c, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "development", c.Environment)
	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, 10*time.Second, c.Upstream.Timeout)
	assert.Equal(t, 3, c.RateLimit.MaxConcurrent)
	assert.Equal(t, "Asia/Kolkata", c.Session.Timezone)
	assert.Equal(t, "09:15", c.Session.Open)
	assert.InDelta(t, 0.98, c.Fetcher.SufficiencyRatio, 1e-9)
	assert.InDelta(t, 1.4, c.Fetcher.CalendarRatio, 1e-9)
	assert.Equal(t, "memory", c.Store.Backend)
	assert.Equal(t, "0 45 15 * * 1-5", c.Scheduler.EODCron)
	assert.Equal(t, "candles.series.updated", c.Kafka.Topics.SeriesUpdated)
	assert.Equal(t, -1, c.Kafka.RequiredAcks)
	assert.Equal(t, 2*time.Second, c.QuoteStream.TickTTL)
	assert.True(t, c.Server.Inbound.Enabled)
}

func TestParseYAMLOverridesDefaults(t *testing.T) {
	c, err := Parse([]byte(minimal + `
server:
  port: 9090
  cors: false
store:
  backend: sqlite
timeframes:
  15m:
    target_bars: 500
purposes:
  eod: [1d, 1h]
`))
	require.NoError(t, err)
	assert.Equal(t, 9090, c.Server.Port)
	assert.False(t, c.Server.CORS)
	assert.Equal(t, "sqlite", c.Store.Backend)
	assert.Equal(t, 500, c.Timeframes["15m"].TargetBars)
	assert.Equal(t, []string{"1d", "1h"}, c.Purposes["eod"])
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"missing upstream":     `environment: prod`,
		"bad backend":          minimal + "store:\n  backend: mongo\n",
		"redis store no redis": minimal + "store:\n  backend: redis\n",
		"queue without redis":  minimal + "scheduler:\n  use_queue: true\n",
		"empty watchlist":      minimal + "scheduler:\n  enabled: true\n",
		"kafka no brokers":     minimal + "kafka:\n  enabled: true\n",
		"ratio above one":      minimal + "fetcher:\n  sufficiency_ratio: 1.5\n",
		"negative target":      minimal + "timeframes:\n  1h:\n    target_bars: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	c, err := Parse([]byte(minimal))
	require.NoError(t, err)

	env := map[string]string{
		"UPSTREAM_ACCESS_TOKEN": "secret",
		"REDIS_ADDR":            "redis.internal:6380",
		"KAFKA_BROKERS":         "k1:9092, k2:9092",
		"WATCHLIST":             "NSE_EQ|A,NSE_EQ|B",
		"STORE_BACKEND":         "redis",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	require.NoError(t, c.applyEnv(lookup))
	require.NoError(t, c.Validate())

	assert.Equal(t, "secret", c.Upstream.AccessToken)
	assert.Equal(t, "redis.internal", c.Redis.Host)
	assert.Equal(t, 6380, c.Redis.Port)
	assert.True(t, c.Redis.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
	assert.True(t, c.Kafka.Enabled)
	assert.Equal(t, []string{"NSE_EQ|A", "NSE_EQ|B"}, c.Scheduler.Watchlist)
	assert.Equal(t, "redis", c.Store.Backend)

	env = map[string]string{"REDIS_ADDR": "host:port"}
	assert.Error(t, c.applyEnv(lookup))
}

func TestLoadShippedConfig(t *testing.T) {
	c, err := Load("../../config/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.Store.Backend)
	assert.Equal(t, 48*time.Hour, c.Timeframes["1d"].StalenessTolerance)
}
