package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	xutil "CandleCache/pkg/util"
)

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required"`
	Service     string `yaml:"service" default:"candlecache"`
	Server      struct {
		Host            string        `yaml:"host" default:"0.0.0.0"`
		Port            int           `yaml:"port" default:"8080" validate:"gt=0,lte=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"60s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
		SlowRequest     time.Duration `yaml:"slow_request" default:"5s"`
		CORS            bool          `yaml:"cors" default:"true"`
		// Inbound is the per-client token bucket on /api.
		Inbound struct {
			Enabled      bool    `yaml:"enabled" default:"true"`
			Capacity     float64 `yaml:"capacity" default:"20"`
			RefillPerSec float64 `yaml:"refill_per_sec" default:"5"`
		} `yaml:"inbound"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool `yaml:"enabled" default:"true"`
	} `yaml:"metrics"`
	Logging struct {
		Level     string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format    string `yaml:"format" default:"json" validate:"oneof=json console"`
		Output    string `yaml:"output" default:"stdout"`
		Collector struct {
			Enabled   bool          `yaml:"enabled"`
			Interval  time.Duration `yaml:"interval" default:"30s"`
			Threshold int           `yaml:"threshold" default:"100"`
			Topic     string        `yaml:"topic" default:"candlecache.logs"`
		} `yaml:"collector"`
	} `yaml:"logging"`
	Upstream struct {
		BaseURL     string        `yaml:"base_url" validate:"required,url"`
		AccessToken string        `yaml:"access_token"`
		Timeout     time.Duration `yaml:"timeout" default:"10s"`
	} `yaml:"upstream"`
	RateLimit struct {
		MaxConcurrent     int           `yaml:"max_concurrent" default:"3" validate:"gt=0"`
		RequestsPerSecond float64       `yaml:"requests_per_second" default:"10" validate:"gt=0"`
		Burst             int           `yaml:"burst" default:"10" validate:"gt=0"`
		MaxRetries        int           `yaml:"max_retries" default:"3" validate:"gte=0"`
		PenaltyBase       time.Duration `yaml:"penalty_base" default:"2s"`
		PenaltyMax        time.Duration `yaml:"penalty_max" default:"60s"`
		BackoffMin        time.Duration `yaml:"backoff_min" default:"250ms"`
		BackoffMax        time.Duration `yaml:"backoff_max" default:"5s"`
	} `yaml:"rate_limit"`
	Session struct {
		MIC      string   `yaml:"mic" default:"xnse"`
		Timezone string   `yaml:"timezone" default:"Asia/Kolkata"`
		Open     string   `yaml:"open" default:"09:15"`
		Close    string   `yaml:"close" default:"15:30"`
		Holidays []string `yaml:"holidays"`
	} `yaml:"session"`
	Fetcher struct {
		SufficiencyRatio float64 `yaml:"sufficiency_ratio" default:"0.98" validate:"gt=0,lte=1"`
		// CalendarRatio and CalendarBuffer turn trading days into calendar days.
		CalendarRatio  float64 `yaml:"calendar_ratio" default:"1.4" validate:"gte=1"`
		CalendarBuffer int     `yaml:"calendar_buffer" default:"5" validate:"gte=0"`
	} `yaml:"fetcher"`
	// Timeframes overrides the built-in table per timeframe ("15m", "1h", "1d").
	Timeframes map[string]TimeframeOverride `yaml:"timeframes"`
	// Purposes overrides which timeframes each purpose reads.
	Purposes map[string][]string `yaml:"purposes"`
	Store    struct {
		Backend string `yaml:"backend" default:"memory" validate:"oneof=memory redis clickhouse sqlite"`
		// TTL bounds cache-backed series; zero keeps them until overwritten.
		TTL     time.Duration `yaml:"ttl"`
		LockTTL time.Duration `yaml:"lock_ttl" default:"30s"`
	} `yaml:"store"`
	Redis struct {
		Enabled      bool          `yaml:"enabled"`
		Host         string        `yaml:"host" default:"localhost"`
		Port         int           `yaml:"port" default:"6379"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size" default:"10"`
		MinIdleConns int           `yaml:"min_idle_conns" default:"2"`
		PoolTimeout  time.Duration `yaml:"pool_timeout" default:"30s"`
		Prefix       string        `yaml:"prefix" default:"candlecache"`
		L1Size       int           `yaml:"l1_size" default:"1000"`
		L1TTL        time.Duration `yaml:"l1_ttl" default:"30s"`
	} `yaml:"redis"`
	ClickHouse struct {
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"candlecache"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"30s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
	} `yaml:"clickhouse"`
	SQLite struct {
		Path string `yaml:"path" default:"data/candles.db"`
	} `yaml:"sqlite"`
	Kafka struct {
		Enabled      bool          `yaml:"enabled"`
		Brokers      []string      `yaml:"brokers" validate:"required_if=Enabled true"`
		RequiredAcks int           `yaml:"required_acks" default:"-1"`
		Compression  string        `yaml:"compression" default:"snappy" validate:"oneof=none gzip snappy lz4 zstd"`
		MaxAttempts  int           `yaml:"max_attempts" default:"3"`
		WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
		BatchTimeout time.Duration `yaml:"batch_timeout" default:"50ms"`
		Async        bool          `yaml:"async"`
		Topics       struct {
			SeriesUpdated   string `yaml:"series_updated" default:"candles.series.updated"`
			RefreshRequests string `yaml:"refresh_requests" default:"candles.refresh.requests"`
		} `yaml:"topics"`
		Consumer struct {
			Enabled    bool          `yaml:"enabled"`
			GroupID    string        `yaml:"group_id" default:"candlecache"`
			Workers    int           `yaml:"workers" default:"4"`
			BufferSize int           `yaml:"buffer_size" default:"64"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"200ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"5s"`
			DLQTopic   string        `yaml:"dlq_topic" default:"candles.refresh.dlq"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	Scheduler struct {
		Enabled     bool     `yaml:"enabled"`
		EODCron     string   `yaml:"eod_cron" default:"0 45 15 * * 1-5"`
		Watchlist   []string `yaml:"watchlist"`
		Concurrency int      `yaml:"concurrency" default:"4"`
		// UseQueue hands the batch to the Redis job queue.
		UseQueue bool `yaml:"use_queue"`
		Queue    struct {
			Workers    int           `yaml:"workers" default:"2"`
			RetryLimit int           `yaml:"retry_limit" default:"3"`
			RetryDelay time.Duration `yaml:"retry_delay" default:"30s"`
			Prefix     string        `yaml:"prefix" default:"candlecache:queue"`
		} `yaml:"queue"`
	} `yaml:"scheduler"`
	Export struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir" default:"data/snapshots"`
	} `yaml:"export"`
	QuoteStream struct {
		Enabled        bool          `yaml:"enabled"`
		URL            string        `yaml:"url" validate:"required_if=Enabled true"`
		Instruments    []string      `yaml:"instruments"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"5s"`
		PingInterval   time.Duration `yaml:"ping_interval" default:"20s"`
		MaxTickAge     time.Duration `yaml:"max_tick_age" default:"5s"`
		TickTTL        time.Duration `yaml:"tick_ttl" default:"2s"`
	} `yaml:"quote_stream"`
}

// TimeframeOverride replaces non-zero fields of a built-in timeframe.
type TimeframeOverride struct {
	TargetBars         int           `yaml:"target_bars" validate:"gte=0"`
	MaxWindowDays      int           `yaml:"max_window_days" validate:"gte=0"`
	TradingDayBuffer   int           `yaml:"trading_day_buffer" validate:"gte=0"`
	StalenessTolerance time.Duration `yaml:"staleness_tolerance"`
}

var validate = validator.New()

// Load reads and parses a YAML configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse applies defaults, then the YAML document, then validates.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("UPSTREAM_ACCESS_TOKEN"); ok {
		c.Upstream.AccessToken = v
	}
	if v, ok := lookup("UPSTREAM_BASE_URL"); ok && v != "" {
		c.Upstream.BaseURL = v
	}
	if v, ok := lookup("STORE_BACKEND"); ok && v != "" {
		c.Store.Backend = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		host, port, found := strings.Cut(v, ":")
		c.Redis.Host = host
		if found {
			p, err := strconv.Atoi(port)
			if err != nil {
				return fmt.Errorf("REDIS_ADDR port %q: %w", port, err)
			}
			c.Redis.Port = p
		}
		c.Redis.Enabled = true
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		c.Kafka.Brokers = xutil.SplitCSV(v)
		c.Kafka.Enabled = true
	}
	if v, ok := lookup("WATCHLIST"); ok && v != "" {
		c.Scheduler.Watchlist = xutil.SplitCSV(v)
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	for tf, o := range c.Timeframes {
		if err := validate.Struct(o); err != nil {
			return fmt.Errorf("timeframes.%s: %w", tf, err)
		}
	}
	if c.Store.Backend == "redis" && !c.Redis.Enabled {
		return fmt.Errorf("store.backend redis needs redis.enabled")
	}
	if c.Scheduler.UseQueue && !c.Redis.Enabled {
		return fmt.Errorf("scheduler.use_queue needs redis.enabled")
	}
	if c.Scheduler.Enabled && len(c.Scheduler.Watchlist) == 0 {
		return fmt.Errorf("scheduler.watchlist cannot be empty when the scheduler is enabled")
	}
	if c.Logging.Collector.Enabled && !c.Kafka.Enabled {
		return fmt.Errorf("logging.collector needs kafka.enabled")
	}
	return nil
}
