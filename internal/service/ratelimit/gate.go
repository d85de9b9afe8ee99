package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"CandleCache/internal/domain/models"
	"CandleCache/internal/domain/repository"
	gatemetrics "CandleCache/internal/service/metrics"
	"CandleCache/pkg/logger"
)

// GateConfig bounds outbound traffic to the upstream provider.
type GateConfig struct {
	MaxConcurrent     int
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	PenaltyBase       time.Duration
	PenaltyMax        time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
}

// DefaultGateConfig mirrors the provider's documented limits.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		MaxConcurrent:     3,
		RequestsPerSecond: 10,
		Burst:             10,
		MaxRetries:        3,
		PenaltyBase:       2 * time.Second,
		PenaltyMax:        60 * time.Second,
		BackoffMin:        250 * time.Millisecond,
		BackoffMax:        5 * time.Second,
	}
}

// Stats is a snapshot of the gate counters.
type Stats struct {
	Total     uint64 `json:"total"`
	Success   uint64 `json:"success"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Throttled uint64 `json:"throttled"`
	Paused    bool   `json:"paused"`
}

// Gate is the single shared limiter every upstream call goes through.
//
// A throttle answer is treated as identity-wide: the first caller that sees it
// closes the gate, sleeps the penalty, re-runs its own call and only then reopens
// with a full bucket. Everyone else waits at the gate meanwhile.
type Gate struct {
	cfg     GateConfig
	sem     *semaphore.Weighted
	metrics repository.Metrics
	logger  *logger.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
	resume  chan struct{} // non-nil while closed

	total     atomic.Uint64
	success   atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	throttled atomic.Uint64

	sleep func(ctx context.Context, d time.Duration) error
}

// NewGate creates the shared gate.
func NewGate(cfg GateConfig, m repository.Metrics, l *logger.Logger) *Gate {
	def := DefaultGateConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.PenaltyBase <= 0 {
		cfg.PenaltyBase = def.PenaltyBase
	}
	if cfg.PenaltyMax < cfg.PenaltyBase {
		cfg.PenaltyMax = cfg.PenaltyBase
	}
	if l == nil {
		l = logger.Nop()
	}
	return &Gate{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		metrics: m,
		logger:  l,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		sleep:   sleepCtx,
	}
}

// Do runs an idempotent call, retrying throttled and transient failures.
func (g *Gate) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return g.run(ctx, name, true, fn)
}

// DoWrite runs a non-idempotent call exactly once.
func (g *Gate) DoWrite(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return g.run(ctx, name, false, fn)
}

// Stats returns the running counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	paused := g.resume != nil
	g.mu.Unlock()
	return Stats{
		Total:     g.total.Load(),
		Success:   g.success.Load(),
		Failed:    g.failed.Load(),
		Retried:   g.retried.Load(),
		Throttled: g.throttled.Load(),
		Paused:    paused,
	}
}

func (g *Gate) run(ctx context.Context, name string, retry bool, fn func(ctx context.Context) error) error {
	g.total.Add(1)
	owner := false

	for attempt := 0; ; attempt++ {
		err := g.attempt(ctx, owner, fn)
		if err == nil {
			if owner {
				g.reopen()
			}
			g.success.Add(1)
			g.record(name, "success")
			return nil
		}

		throttled := models.IsThrottled(err)
		if throttled {
			g.throttled.Add(1)
			g.record(name, "throttled")
		}

		if !retry || attempt >= g.cfg.MaxRetries || !(throttled || models.IsTransient(err)) {
			if throttled && !retry && !owner {
				g.closeFor(g.penalty(attempt, err))
			}
			if owner {
				g.reopen()
			}
			g.failed.Add(1)
			g.record(name, "failed")
			return err
		}

		g.retried.Add(1)
		g.record(name, "retried")

		if throttled {
			if !owner {
				owner = g.close()
			}
			if !owner {
				// Another caller owns the penalty; wait at the gate and retry.
				continue
			}
			d := g.penalty(attempt, err)
			g.logger.Warn("upstream throttled, gate closed",
				logger.String("op", name),
				logger.Int("attempt", attempt+1),
				logger.Duration("penalty_ms", d))
			gatemetrics.GatePenalty.Observe(d.Seconds())
			if serr := g.sleep(ctx, d); serr != nil {
				g.reopen()
				g.failed.Add(1)
				return serr
			}
			continue
		}

		d := backoffWithJitter(g.cfg.BackoffMin, g.cfg.BackoffMax, attempt+1)
		g.logger.Debug("upstream transient error, backing off",
			logger.String("op", name),
			logger.Int("attempt", attempt+1),
			logger.Duration("backoff_ms", d),
			logger.Error(err))
		if serr := g.sleep(ctx, d); serr != nil {
			if owner {
				g.reopen()
			}
			g.failed.Add(1)
			return serr
		}
	}
}

// attempt acquires a slot and a token, then runs fn. The penalty owner skips the
// gate and the bucket so its call goes out first once the pause ends.
func (g *Gate) attempt(ctx context.Context, owner bool, fn func(ctx context.Context) error) error {
	for {
		if !owner {
			if err := g.waitOpen(ctx); err != nil {
				return err
			}
		}
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		if !owner {
			if err := g.currentLimiter().Wait(ctx); err != nil {
				g.sem.Release(1)
				return err
			}
			if !g.isOpen() {
				g.sem.Release(1)
				continue
			}
		}
		break
	}

	gatemetrics.GateInFlight.Inc()
	err := fn(ctx)
	gatemetrics.GateInFlight.Dec()
	g.sem.Release(1)
	return err
}

func (g *Gate) waitOpen(ctx context.Context) error {
	for {
		g.mu.Lock()
		ch := g.resume
		g.mu.Unlock()
		if ch == nil {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Gate) isOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resume == nil
}

func (g *Gate) currentLimiter() *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limiter
}

// close shuts the gate and reports whether the caller became the penalty owner.
// Closing drains the bucket: nobody can take a token until reopen installs a full one.
func (g *Gate) close() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resume != nil {
		return false
	}
	g.resume = make(chan struct{})
	gatemetrics.GatePaused.Set(1)
	return true
}

func (g *Gate) reopen() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resume == nil {
		return
	}
	g.limiter = rate.NewLimiter(rate.Limit(g.cfg.RequestsPerSecond), g.cfg.Burst)
	close(g.resume)
	g.resume = nil
	gatemetrics.GatePaused.Set(0)
}

// closeFor pauses everyone for d without an owner retry. Used when a write call
// is throttled: the block still applies but the write is not repeated.
func (g *Gate) closeFor(d time.Duration) {
	if !g.close() {
		return
	}
	time.AfterFunc(d, g.reopen)
}

// penalty is base*2^attempt capped at PenaltyMax, or the provider's Retry-After if longer.
func (g *Gate) penalty(attempt int, err error) time.Duration {
	d := g.cfg.PenaltyBase
	for i := 0; i < attempt && d < g.cfg.PenaltyMax; i++ {
		d *= 2
	}
	var te *models.ThrottledError
	if errors.As(err, &te) && te.RetryAfter > d {
		d = te.RetryAfter
	}
	if d > g.cfg.PenaltyMax {
		d = g.cfg.PenaltyMax
	}
	return d
}

func (g *Gate) record(name, outcome string) {
	if g.metrics != nil {
		g.metrics.RecordUpstreamCall(name, outcome)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func backoffWithJitter(min, max time.Duration, attempt int) time.Duration {
	if min <= 0 {
		min = 50 * time.Millisecond
	}
	if max < min {
		max = min
	}
	exp := min * time.Duration(1<<uint(attempt-1))
	if exp > max {
		exp = max
	}
	// jitter up to 50%
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp - jitter
}
