package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// memoryTTL applies when Set is called without an expiration.
const memoryTTL = 7 * 24 * time.Hour

type memoryEntry struct {
	key      string
	value    []byte
	expireAt time.Time
	// locks are never evicted to make room.
	lock bool
}

// MemoryCache implements Service in process with LRU eviction. Values are
// kept encoded so Get behaves like the Redis implementation.
type MemoryCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List
	maxSize int
	now     func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache creates an in-memory cache and starts its expiry sweeper.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	cfg := &MemoryConfig{
		MaxSize:         1000,
		CleanupInterval: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}

	mc := &MemoryCache{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: cfg.MaxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go mc.sweep(cfg.CleanupInterval)
	return mc
}

func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	if expiration <= 0 {
		expiration = memoryTTL
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.put(&memoryEntry{key: key, value: data, expireAt: mc.now().Add(expiration)})
	return nil
}

func (mc *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	mc.mu.Lock()
	e := mc.live(key)
	if e == nil {
		mc.mu.Unlock()
		return ErrCacheMiss
	}
	data := e.value
	mc.mu.Unlock()
	return decode(data, dest)
}

func (mc *MemoryCache) Delete(_ context.Context, keys ...string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, key := range keys {
		mc.remove(key)
	}
	return nil
}

func (mc *MemoryCache) Exists(_ context.Context, keys ...string) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, key := range keys {
		if el, ok := mc.items[key]; ok && !mc.expired(el.Value.(*memoryEntry)) {
			return true, nil
		}
	}
	return false, nil
}

func (mc *MemoryCache) TryLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.live(key) != nil {
		return false, nil
	}
	mc.put(&memoryEntry{key: key, value: []byte(token), expireAt: mc.now().Add(ttl), lock: true})
	return true, nil
}

func (mc *MemoryCache) Unlock(_ context.Context, key, token string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if el, ok := mc.items[key]; ok && string(el.Value.(*memoryEntry).value) == token {
		mc.remove(key)
	}
	return nil
}

func (mc *MemoryCache) Ping(context.Context) error { return nil }

// Len counts entries, including expired ones not yet swept.
func (mc *MemoryCache) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.lru.Len()
}

// Close stops the sweeper. It is safe to call more than once.
func (mc *MemoryCache) Close() error {
	mc.closeOnce.Do(func() { close(mc.stop) })
	return nil
}

// put inserts or replaces e at the front, evicting from the back when full.
// Caller holds mu.
func (mc *MemoryCache) put(e *memoryEntry) {
	if el, ok := mc.items[e.key]; ok {
		el.Value = e
		mc.lru.MoveToFront(el)
		return
	}
	for mc.lru.Len() >= mc.maxSize {
		if !mc.evictOne() {
			break
		}
	}
	mc.items[e.key] = mc.lru.PushFront(e)
}

// live returns the unexpired entry for key and marks it used. Caller holds mu.
func (mc *MemoryCache) live(key string) *memoryEntry {
	el, ok := mc.items[key]
	if !ok {
		return nil
	}
	e := el.Value.(*memoryEntry)
	if mc.expired(e) {
		mc.remove(key)
		return nil
	}
	mc.lru.MoveToFront(el)
	return e
}

func (mc *MemoryCache) expired(e *memoryEntry) bool {
	return !mc.now().Before(e.expireAt)
}

// evictOne drops the least recently used non-lock entry.
func (mc *MemoryCache) evictOne() bool {
	for el := mc.lru.Back(); el != nil; el = el.Prev() {
		if e := el.Value.(*memoryEntry); !e.lock {
			mc.lru.Remove(el)
			delete(mc.items, e.key)
			return true
		}
	}
	return false
}

func (mc *MemoryCache) remove(key string) {
	if el, ok := mc.items[key]; ok {
		mc.lru.Remove(el)
		delete(mc.items, key)
	}
}

func (mc *MemoryCache) sweep(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-mc.stop:
			return
		case <-t.C:
			mc.mu.Lock()
			for key, el := range mc.items {
				if mc.expired(el.Value.(*memoryEntry)) {
					mc.lru.Remove(el)
					delete(mc.items, key)
				}
			}
			mc.mu.Unlock()
		}
	}
}
