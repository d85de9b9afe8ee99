package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"CandleCache/pkg/logger"
)

// Scheduler runs named tasks on cron specs (with a seconds field) in a
// fixed timezone. A task whose previous run is still going is skipped.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc
	l    *logger.Logger
}

func New(loc *time.Location, l *logger.Logger) *Scheduler {
	if l == nil {
		l = logger.Nop()
	}
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{l: l}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:  ctx,
		stop: cancel,
		l:    l,
	}
}

// Register adds task under spec. The task context is cancelled on Stop.
func (s *Scheduler) Register(name, spec string, task func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := task(s.ctx); err != nil {
			s.l.Error("scheduled task failed",
				logger.String("task", name),
				logger.Duration("elapsed", time.Since(start)),
				logger.Error(err),
			)
			return
		}
		s.l.Info("scheduled task done",
			logger.String("task", name),
			logger.Duration("elapsed", time.Since(start)),
		)
	})
	if err != nil {
		return fmt.Errorf("register %s (%q): %w", name, spec, err)
	}
	return nil
}

// Next returns the next activation time of all registered tasks.
func (s *Scheduler) Next() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Next)
	}
	return out
}

func (s *Scheduler) Start() error {
	s.cron.Start()
	s.l.Info("scheduler started", logger.Int("tasks", len(s.cron.Entries())))
	return nil
}

// Stop cancels running tasks and waits for them until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stop()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.l.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// cronLogger routes cron's own messages to the app logger.
type cronLogger struct{ l *logger.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(kvFields(keysAndValues), logger.Error(err))...)
}

func kvFields(kv []interface{}) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, logger.Any(k, kv[i+1]))
	}
	return fields
}
