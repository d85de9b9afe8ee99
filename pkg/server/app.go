package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	applogger "CandleCache/pkg/logger"
)

// Service is anything with a start/stop lifecycle.
type Service interface {
	Start() error
	Stop(ctx context.Context) error
}

type namedService struct {
	name string
	svc  Service
}

// App encapsulates the application lifecycle. Services start in the order
// they were added and stop in reverse.
type App struct {
	l               *applogger.Logger
	shutdownTimeout time.Duration
	services        []namedService
	cleanup         func()
}

// New creates an App. cleanup runs after every service has stopped.
func New(l *applogger.Logger, shutdownTimeout time.Duration, cleanup func()) *App {
	if l == nil {
		l = applogger.Nop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	return &App{l: l, shutdownTimeout: shutdownTimeout, cleanup: cleanup}
}

// Add registers svc; nil services are skipped.
func (a *App) Add(name string, svc Service) {
	if svc == nil {
		return
	}
	a.services = append(a.services, namedService{name: name, svc: svc})
}

// AddLoop registers a blocking loop driven by its context.
func (a *App) AddLoop(name string, run func(ctx context.Context) error) {
	a.Add(name, &loop{name: name, run: run, l: a.l})
}

// AddTicker runs fn every interval until shutdown.
func (a *App) AddTicker(name string, every time.Duration, fn func()) {
	a.AddLoop(name, func(ctx context.Context) error {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				fn()
			}
		}
	})
}

// Run starts every service and blocks until SIGINT/SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext starts every service and blocks until ctx is done.
func (a *App) RunContext(ctx context.Context) error {
	for i, s := range a.services {
		if err := s.svc.Start(); err != nil {
			a.l.Error("service start failed", applogger.String("service", s.name), applogger.Error(err))
			a.stop(a.services[:i])
			return fmt.Errorf("start %s: %w", s.name, err)
		}
		a.l.Info("service started", applogger.String("service", s.name))
	}

	<-ctx.Done()
	a.l.Info("shutdown signal received")
	return a.stop(a.services)
}

func (a *App) stop(started []namedService) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		s := started[i]
		if err := s.svc.Stop(ctx); err != nil {
			a.l.Warn("service stop error", applogger.String("service", s.name), applogger.Error(err))
			errs = append(errs, fmt.Errorf("stop %s: %w", s.name, err))
		}
	}
	if a.cleanup != nil {
		a.cleanup()
	}
	a.l.Info("shutdown complete")
	return errors.Join(errs...)
}

// loop adapts a context-driven function to Service.
type loop struct {
	name   string
	run    func(ctx context.Context) error
	l      *applogger.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (lp *loop) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	lp.cancel = cancel
	lp.wg.Add(1)
	go func() {
		defer lp.wg.Done()
		if err := lp.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			lp.l.Error("background loop exited", applogger.String("loop", lp.name), applogger.Error(err))
		}
	}()
	return nil
}

func (lp *loop) Stop(ctx context.Context) error {
	lp.cancel()
	done := make(chan struct{})
	go func() {
		lp.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
