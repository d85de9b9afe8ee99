package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleCache/internal/domain/models"
	"CandleCache/pkg/metrics"
)

func testGate(t *testing.T) *Gate {
	t.Helper()
	g := NewGate(GateConfig{
		MaxConcurrent:     4,
		RequestsPerSecond: 1000,
		Burst:             1000,
		MaxRetries:        3,
		PenaltyBase:       time.Second,
		PenaltyMax:        5 * time.Second,
		BackoffMin:        time.Millisecond,
		BackoffMax:        time.Millisecond,
	}, metrics.Nop{}, nil)
	g.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return g
}

func TestGateSuccess(t *testing.T) {
	g := testGate(t)
	require.NoError(t, g.Do(context.Background(), "historical", func(ctx context.Context) error { return nil }))

	st := g.Stats()
	assert.Equal(t, uint64(1), st.Total)
	assert.Equal(t, uint64(1), st.Success)
	assert.Zero(t, st.Failed)
	assert.False(t, st.Paused)
}

func TestGateTransientExhaustsRetries(t *testing.T) {
	g := testGate(t)
	calls := 0
	err := g.Do(context.Background(), "historical", func(ctx context.Context) error {
		calls++
		return &models.TransientProviderError{Op: "historical", Status: 502, Err: errors.New("bad gateway")}
	})

	require.Error(t, err)
	assert.True(t, models.IsTransient(err))
	assert.Equal(t, 4, calls)
	st := g.Stats()
	assert.Equal(t, uint64(3), st.Retried)
	assert.Equal(t, uint64(1), st.Failed)
}

func TestGatePermanentErrorNotRetried(t *testing.T) {
	g := testGate(t)
	calls := 0
	err := g.Do(context.Background(), "historical", func(ctx context.Context) error {
		calls++
		return errors.New("400 bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Zero(t, g.Stats().Retried)
}

func TestGateWriteNeverRetried(t *testing.T) {
	g := testGate(t)
	calls := 0
	err := g.DoWrite(context.Background(), "order", func(ctx context.Context) error {
		calls++
		return &models.TransientProviderError{Op: "order", Status: 503, Err: errors.New("unavailable")}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Zero(t, g.Stats().Retried)
}

func TestGateThrottlePenaltyGrowsAndCaps(t *testing.T) {
	g := testGate(t)
	var penalties []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		penalties = append(penalties, d)
		return nil
	}

	err := g.Do(context.Background(), "historical", func(ctx context.Context) error {
		return &models.ThrottledError{Op: "historical", Status: 429}
	})

	require.Error(t, err)
	assert.True(t, models.IsThrottled(err))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, penalties)
	st := g.Stats()
	assert.Equal(t, uint64(4), st.Throttled)
	assert.Equal(t, uint64(1), st.Failed)
	assert.False(t, st.Paused, "gate must reopen after the owner gives up")
}

func TestGateThrottledCallRetriesFirst(t *testing.T) {
	g := testGate(t)
	inPenalty := make(chan struct{})
	release := make(chan struct{})
	g.sleep = func(ctx context.Context, d time.Duration) error {
		close(inPenalty)
		<-release
		return nil
	}

	var mu sync.Mutex
	var order []string
	mark := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	first := true
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = g.Do(context.Background(), "a", func(ctx context.Context) error {
			if first {
				first = false
				mark("a1")
				return &models.ThrottledError{Op: "a", Status: 429}
			}
			mark("a2")
			return nil
		})
	}()

	<-inPenalty
	assert.True(t, g.Stats().Paused)
	go func() {
		defer wg.Done()
		_ = g.Do(context.Background(), "b", func(ctx context.Context) error {
			mark("b")
			return nil
		})
	}()

	// b must be parked at the gate while a sleeps.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"a1"}, order)
	mu.Unlock()

	close(release)
	wg.Wait()

	assert.Equal(t, []string{"a1", "a2", "b"}, order)
	st := g.Stats()
	assert.Equal(t, uint64(2), st.Success)
	assert.Equal(t, uint64(1), st.Throttled)
	assert.False(t, st.Paused)
}

func TestGateRetryAfterOverridesPenalty(t *testing.T) {
	g := testGate(t)
	err := &models.ThrottledError{Status: 429, RetryAfter: 3 * time.Second}
	assert.Equal(t, 3*time.Second, g.penalty(0, err))
	assert.Equal(t, 5*time.Second, g.penalty(10, err))
}

func TestGateContextCancelledWhileWaiting(t *testing.T) {
	g := testGate(t)
	require.True(t, g.close())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := g.Do(ctx, "historical", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	g.reopen()
}
