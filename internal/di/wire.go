//go:build wireinject
// +build wireinject

package di

import (
	"CandleCache/pkg/config"
	"CandleCache/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideMetrics,
		ProvideCalendar,
		ProvideTimeframeSpecs,
		ProvideFetcherConfig,

		// Upstream
		ProvideGate,
		ProvideMarketDataClient,
		ProvideCandleProvider,
		ProvideQuoteStream,
		ProvideTickCache,

		// Infrastructure clients
		ProvideRedisCache,
		ProvideCacheService,
		ProvideSeriesStore,
		ProvideKeyLocker,
		ProvideKafkaProducer,
		ProvideEventPublisher,

		// Use cases
		ProvideCandleFetcher,
		ProvideTriggerService,
		ProvideJobQueue,
		ProvideEODBatch,

		// Delivery
		ProvideRefreshConsumer,
		ProvideScheduler,
		ProvideInboundLimiter,
		ProvideHTTPServer,

		// Application server
		ProvideApp,
	)
	return nil, nil, nil
}
