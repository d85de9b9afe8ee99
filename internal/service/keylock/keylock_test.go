package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleCache/pkg/cache"
)

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "NSE_EQ|A:1h")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, l.Len())
}

func TestLocalDifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	u1, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer u1()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	u2, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	u2()
}

func TestLocalContextCancelledWhileWaiting(t *testing.T) {
	l := NewLocal()
	u1, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	u1()
	u1() // second call is a no-op
	assert.Equal(t, 0, l.Len())
}

func TestDistributedReleasesSharedLock(t *testing.T) {
	mc := cache.NewMemoryCache()
	defer mc.Close()
	d := NewDistributed(mc, time.Minute, time.Millisecond, nil)
	ctx := context.Background()

	unlock, err := d.Lock(ctx, "NSE_EQ|A:1d")
	require.NoError(t, err)

	held, err := mc.Exists(ctx, cache.GenerateKey("lock", "NSE_EQ|A:1d"))
	require.NoError(t, err)
	assert.True(t, held)

	unlock()
	held, err = mc.Exists(ctx, cache.GenerateKey("lock", "NSE_EQ|A:1d"))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestDistributedWaitsForOtherHolder(t *testing.T) {
	mc := cache.NewMemoryCache()
	defer mc.Close()
	ctx := context.Background()

	// another replica holds the lock
	ok, err := mc.TryLock(ctx, cache.GenerateKey("lock", "k"), "other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	d := NewDistributed(mc, time.Minute, time.Millisecond, nil)
	done := make(chan struct{})
	go func() {
		unlock, err := d.Lock(ctx, "k")
		if err == nil {
			unlock()
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("lock acquired while held elsewhere")
	case <-time.After(30 * time.Millisecond):
	}
	require.NoError(t, mc.Unlock(ctx, cache.GenerateKey("lock", "k"), "other"))
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("lock never acquired")
	}
}
