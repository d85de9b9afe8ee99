package main

import (
	"flag"
	"log"
	"os"

	"CandleCache/internal/di"
	"CandleCache/pkg/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	log.Printf("env=%s store=%s redis=%t kafka=%t scheduler=%t",
		cfg.Environment, cfg.Store.Backend, cfg.Redis.Enabled, cfg.Kafka.Enabled, cfg.Scheduler.Enabled)

	app, cleanup, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}
	defer cleanup()

	// Run blocks until SIGINT/SIGTERM.
	if err := app.Run(); err != nil {
		log.Printf("app error: %v", err)
		cleanup()
		os.Exit(1)
	}
}
