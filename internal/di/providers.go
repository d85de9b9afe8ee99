package di

import (
	"context"
	"fmt"
	"time"

	"CandleCache/internal/domain/models"
	domrepo "CandleCache/internal/domain/repository"
	"CandleCache/internal/handler/api"
	internalrepo "CandleCache/internal/repository"
	svccache "CandleCache/internal/service/cache"
	"CandleCache/internal/service/calendar"
	"CandleCache/internal/service/export"
	"CandleCache/internal/service/keylock"
	"CandleCache/internal/service/marketdata"
	"CandleCache/internal/service/quotestream"
	"CandleCache/internal/service/ratelimit"
	"CandleCache/internal/service/scheduler"
	"CandleCache/internal/usecase"
	"CandleCache/pkg/cache"
	pkgch "CandleCache/pkg/clickhouse"
	"CandleCache/pkg/config"
	xhttp "CandleCache/pkg/http"
	"CandleCache/pkg/http/middleware"
	pkgkafka "CandleCache/pkg/kafka"
	applogger "CandleCache/pkg/logger"
	"CandleCache/pkg/metrics"
	"CandleCache/pkg/queue"
	"CandleCache/pkg/server"
)

// ProvideLogger builds the zerolog-backed application logger.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(applogger.String("service", cfg.Service), applogger.String("env", cfg.Environment)), nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() domrepo.Metrics {
	return metrics.New()
}

func ProvideCalendar(cfg *config.Config) (*calendar.Calendar, error) {
	cal, err := calendar.New(calendar.Config{
		MIC:      cfg.Session.MIC,
		Timezone: cfg.Session.Timezone,
		Open:     cfg.Session.Open,
		Close:    cfg.Session.Close,
		Holidays: cfg.Session.Holidays,
	})
	if err != nil {
		return nil, fmt.Errorf("calendar: %w", err)
	}
	return cal, nil
}

// ProvideTimeframeSpecs applies config overrides to the built-in table.
func ProvideTimeframeSpecs(cfg *config.Config) (domrepo.TimeframeSpecs, error) {
	specs := domrepo.DefaultTimeframeSpecs()
	for raw, o := range cfg.Timeframes {
		tf, err := domrepo.ParseTimeframe(raw)
		if err != nil {
			return nil, fmt.Errorf("timeframes: %w", err)
		}
		spec := specs[tf]
		if o.TargetBars > 0 {
			spec.TargetBars = o.TargetBars
		}
		if o.MaxWindowDays > 0 {
			spec.MaxWindowDays = o.MaxWindowDays
		}
		if o.TradingDayBuffer > 0 {
			spec.TradingDayBuffer = o.TradingDayBuffer
		}
		if o.StalenessTolerance > 0 {
			spec.StalenessTolerance = o.StalenessTolerance
		}
		specs[tf] = spec
	}
	return specs, nil
}

func ProvideFetcherConfig(cfg *config.Config) (usecase.FetcherConfig, error) {
	fc := usecase.DefaultFetcherConfig()
	fc.SufficiencyRatio = cfg.Fetcher.SufficiencyRatio
	fc.CalendarRatio = cfg.Fetcher.CalendarRatio
	fc.CalendarBuffer = cfg.Fetcher.CalendarBuffer
	for purpose, raw := range cfg.Purposes {
		tfs := make([]domrepo.Timeframe, 0, len(raw))
		for _, r := range raw {
			tf, err := domrepo.ParseTimeframe(r)
			if err != nil {
				return usecase.FetcherConfig{}, fmt.Errorf("purposes.%s: %w", purpose, err)
			}
			tfs = append(tfs, tf)
		}
		fc.Purposes[usecase.Purpose(purpose)] = tfs
	}
	return fc, nil
}

// ProvideGate creates the single outbound limiter shared by every upstream call.
func ProvideGate(cfg *config.Config, m domrepo.Metrics, l *applogger.Logger) *ratelimit.Gate {
	return ratelimit.NewGate(ratelimit.GateConfig{
		MaxConcurrent:     cfg.RateLimit.MaxConcurrent,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		MaxRetries:        cfg.RateLimit.MaxRetries,
		PenaltyBase:       cfg.RateLimit.PenaltyBase,
		PenaltyMax:        cfg.RateLimit.PenaltyMax,
		BackoffMin:        cfg.RateLimit.BackoffMin,
		BackoffMax:        cfg.RateLimit.BackoffMax,
	}, m, l)
}

func ProvideMarketDataClient(cfg *config.Config, gate *ratelimit.Gate, l *applogger.Logger) *marketdata.Client {
	return marketdata.New(marketdata.Config{
		BaseURL:     cfg.Upstream.BaseURL,
		AccessToken: cfg.Upstream.AccessToken,
		Timeout:     cfg.Upstream.Timeout,
	}, gate, l)
}

func ProvideCandleProvider(c *marketdata.Client) domrepo.CandleProvider { return c }

// ProvideRedisCache connects to Redis when enabled; otherwise it returns nil.
// The layered cache built on top of it owns closing.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	rc, err := cache.NewRedisCache(
		cache.WithRedisHost(cfg.Redis.Host),
		cache.WithRedisPort(cfg.Redis.Port),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPool(cfg.Redis.PoolSize, cfg.Redis.MinIdleConns, cfg.Redis.PoolTimeout),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return rc, nil
}

// ProvideCacheService layers an in-process LRU over Redis, or uses the LRU alone.
func ProvideCacheService(cfg *config.Config, rc *cache.RedisCache) (cache.Service, func()) {
	if rc == nil {
		mc := cache.NewMemoryCache(cache.WithMemoryMaxSize(cfg.Redis.L1Size))
		return mc, func() { _ = mc.Close() }
	}
	lc := cache.NewLayeredCache(rc,
		cache.WithLayeredMemorySize(cfg.Redis.L1Size),
		cache.WithLayeredMemoryTTL(cfg.Redis.L1TTL),
	)
	return lc, func() { _ = lc.Close() }
}

// ProvideSeriesStore opens the configured store backend.
func ProvideSeriesStore(cfg *config.Config, svc cache.Service, l *applogger.Logger) (domrepo.SeriesStore, func(), error) {
	storeLog := l.With(applogger.String("store", cfg.Store.Backend))
	switch cfg.Store.Backend {
	case "memory", "redis":
		s := internalrepo.NewCacheSeriesStore(svc, cfg.Store.TTL)
		s.SetLogger(storeLog)
		return s, func() {}, nil

	case "clickhouse":
		client, err := pkgch.NewClient(
			pkgch.WithHost(cfg.ClickHouse.Host),
			pkgch.WithPort(cfg.ClickHouse.Port),
			pkgch.WithDatabase(cfg.ClickHouse.Database),
			pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
			pkgch.WithMaxConnections(10, 5),
			pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
			pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
			pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
			pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("clickhouse client: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.InitSchema(ctx, internalrepo.SeriesSchema(cfg.ClickHouse.Database)); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
		}
		s := internalrepo.NewCHSeriesStore(client, cfg.ClickHouse.Database)
		s.SetLogger(storeLog)
		return s, func() { _ = client.Close() }, nil

	case "sqlite":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := internalrepo.OpenSQLiteSeriesStore(ctx, cfg.SQLite.Path, storeLog)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// ProvideKeyLocker locks across replicas when Redis is available.
func ProvideKeyLocker(cfg *config.Config, rc *cache.RedisCache, svc cache.Service, l *applogger.Logger) domrepo.KeyLocker {
	if rc == nil {
		return keylock.NewLocal()
	}
	return keylock.NewDistributed(svc, cfg.Store.LockTTL, 50*time.Millisecond, l)
}

// ProvideKafkaProducer creates a Kafka producer when Kafka is enabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, func(), error) {
	if !cfg.Kafka.Enabled {
		return nil, func() {}, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithMaxAttempts(cfg.Kafka.MaxAttempts),
		pkgkafka.WithWriteTimeout(cfg.Kafka.WriteTimeout),
		pkgkafka.WithBatchTimeout(cfg.Kafka.BatchTimeout),
		pkgkafka.WithAsync(cfg.Kafka.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, func() { _ = producer.Close() }, nil
}

// ProvideEventPublisher returns nil when Kafka is off.
func ProvideEventPublisher(cfg *config.Config, producer *pkgkafka.Producer, l *applogger.Logger) domrepo.EventPublisher {
	if producer == nil {
		return nil
	}
	pub := internalrepo.NewKafkaPublisher(producer, cfg.Kafka.Topics.SeriesUpdated)
	if cfg.Logging.Collector.Enabled {
		l.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   cfg.Logging.Collector.Interval,
			CountThreshold: cfg.Logging.Collector.Threshold,
			Topic:          cfg.Logging.Collector.Topic,
			Service:        cfg.Service,
			Publisher:      pub,
		})
	}
	return pub
}

func ProvideCandleFetcher(
	provider domrepo.CandleProvider,
	store domrepo.SeriesStore,
	cal *calendar.Calendar,
	specs domrepo.TimeframeSpecs,
	locker domrepo.KeyLocker,
	publisher domrepo.EventPublisher,
	m domrepo.Metrics,
	fc usecase.FetcherConfig,
	l *applogger.Logger,
) *usecase.CandleFetcher {
	return usecase.NewCandleFetcher(provider, store, cal, specs, locker, publisher, m, fc,
		l.With(applogger.String("component", "candle_fetcher")))
}

// ProvideQuoteStream returns nil when the stream is disabled.
func ProvideQuoteStream(cfg *config.Config, l *applogger.Logger) *quotestream.Client {
	if !cfg.QuoteStream.Enabled {
		return nil
	}
	return quotestream.New(quotestream.Config{
		URL:            cfg.QuoteStream.URL,
		AccessToken:    cfg.Upstream.AccessToken,
		Instruments:    cfg.QuoteStream.Instruments,
		ReconnectDelay: cfg.QuoteStream.ReconnectDelay,
		PingInterval:   cfg.QuoteStream.PingInterval,
	}, l.With(applogger.String("component", "quote_stream")))
}

func ProvideTickCache() *svccache.TTLCache[models.Tick] {
	return svccache.NewTTLCache[models.Tick]()
}

func ProvideTriggerService(
	cfg *config.Config,
	fetcher *usecase.CandleFetcher,
	provider domrepo.CandleProvider,
	stream *quotestream.Client,
	ticks *svccache.TTLCache[models.Tick],
	l *applogger.Logger,
) *usecase.TriggerService {
	var src domrepo.TickSource
	if stream != nil {
		src = stream
	}
	return usecase.NewTriggerService(fetcher, provider, src, ticks, usecase.TriggerConfig{
		MaxTickAge: cfg.QuoteStream.MaxTickAge,
		TickTTL:    cfg.QuoteStream.TickTTL,
	}, l)
}

// ProvideRefreshConsumer consumes refresh requests when enabled.
func ProvideRefreshConsumer(cfg *config.Config, fetcher *usecase.CandleFetcher, m domrepo.Metrics, l *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled || !cfg.Kafka.Consumer.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(l.With(applogger.String("component", "kafka_consumer")),
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.RegisterHandler(usecase.NewRefreshHandler(cfg.Kafka.Topics.RefreshRequests, fetcher, m, l))
	return consumer, nil
}

// ProvideJobQueue returns the Redis job queue when the batch should use it.
func ProvideJobQueue(cfg *config.Config, rc *cache.RedisCache, l *applogger.Logger) *queue.RedisQueue {
	if !cfg.Scheduler.UseQueue || rc == nil {
		return nil
	}
	return queue.NewRedisQueue(l.With(applogger.String("component", "job_queue")), rc.Client(), queue.Config{
		Workers:    cfg.Scheduler.Queue.Workers,
		RetryLimit: cfg.Scheduler.Queue.RetryLimit,
		RetryDelay: cfg.Scheduler.Queue.RetryDelay,
	}, cfg.Scheduler.Queue.Prefix)
}

// ProvideEODBatch wires the batch and registers its queue job.
func ProvideEODBatch(
	cfg *config.Config,
	fetcher *usecase.CandleFetcher,
	cal *calendar.Calendar,
	q *queue.RedisQueue,
	m domrepo.Metrics,
	l *applogger.Logger,
) *usecase.EODBatch {
	var exp usecase.SnapshotExporter
	if cfg.Export.Enabled {
		exp = export.NewParquetExporter(cfg.Export.Dir, l)
	}
	var enq queue.Enqueuer
	if q != nil {
		enq = q
	}
	b := usecase.NewEODBatch(fetcher, cal, enq, exp, m, usecase.EODBatchConfig{
		Watchlist:   cfg.Scheduler.Watchlist,
		Concurrency: cfg.Scheduler.Concurrency,
	}, l)
	if q != nil {
		q.RegisterJob(b.Job())
	}
	return b
}

// ProvideScheduler returns nil when scheduling is disabled.
func ProvideScheduler(cfg *config.Config, cal *calendar.Calendar, batch *usecase.EODBatch, l *applogger.Logger) (*scheduler.Scheduler, error) {
	if !cfg.Scheduler.Enabled {
		return nil, nil
	}
	s := scheduler.New(cal.Location(), l.With(applogger.String("component", "scheduler")))
	if err := s.Register("eod_batch", cfg.Scheduler.EODCron, batch.Run); err != nil {
		return nil, err
	}
	return s, nil
}

func ProvideInboundLimiter(cfg *config.Config) *ratelimit.Limiter {
	if !cfg.Server.Inbound.Enabled {
		return nil
	}
	return ratelimit.New(cfg.Server.Inbound.Capacity, cfg.Server.Inbound.RefillPerSec)
}

func ProvideHTTPServer(
	cfg *config.Config,
	l *applogger.Logger,
	fetcher *usecase.CandleFetcher,
	triggers *usecase.TriggerService,
	gate *ratelimit.Gate,
	store domrepo.SeriesStore,
	inbound *ratelimit.Limiter,
	cal *calendar.Calendar,
) *xhttp.Server {
	var allow middleware.Allower
	if inbound != nil {
		allow = inbound
	}
	h := api.NewCandlesEchoHandler(l, fetcher, triggers, gate, store, allow, cal.Location())
	return xhttp.NewServer(l, []xhttp.Handler{h},
		xhttp.WithHost(cfg.Server.Host),
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithSlowRequest(cfg.Server.SlowRequest),
		xhttp.WithCORS(cfg.Server.CORS),
		xhttp.WithMetrics(cfg.Metrics.Enabled),
	)
}

// ProvideApp assembles the lifecycle in start order.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	httpServer *xhttp.Server,
	consumer *pkgkafka.Consumer,
	q *queue.RedisQueue,
	sched *scheduler.Scheduler,
	stream *quotestream.Client,
	ticks *svccache.TTLCache[models.Tick],
	inbound *ratelimit.Limiter,
) *server.App {
	app := server.New(l, cfg.Server.ShutdownTimeout, l.RemoveCollector)
	if stream != nil {
		app.AddLoop("quote_stream", stream.Run)
	}
	if q != nil {
		app.Add("job_queue", q)
	}
	if consumer != nil {
		app.Add("kafka_consumer", consumer)
	}
	if sched != nil {
		app.Add("scheduler", sched)
	}
	app.Add("http", httpServer)
	app.AddTicker("sweeper", time.Minute, func() {
		n := ticks.Sweep()
		if inbound != nil {
			n += inbound.Sweep()
		}
		if n > 0 {
			l.Debug("swept idle entries", applogger.Int("n", n))
		}
	})
	return app
}
