package logger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu      sync.Mutex
	topics  []string
	digests []LogDigest
}

func (p *capturePublisher) PublishMessage(_ context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.digests = append(p.digests, payload.(LogDigest))
	return nil
}

func TestCollectorGroupsRepeatsIgnoringVolatileFields(t *testing.T) {
	pub := &capturePublisher{}
	c := NewLogCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 10, Topic: "logs", Service: "svc", Publisher: pub})

	for i := 0; i < 3; i++ {
		c.AddLog("error", "fetch failed", map[string]interface{}{"instrument_key": "A", "attempt": i}, "x.go:1")
	}
	c.AddLog("error", "fetch failed", map[string]interface{}{"instrument_key": "B"}, "x.go:1")
	c.Close()

	require.Len(t, pub.digests, 1)
	d := pub.digests[0]
	assert.Equal(t, "logs", pub.topics[0])
	assert.Equal(t, "svc", d.Service)
	require.Len(t, d.Entries, 2)
	assert.Equal(t, 3, d.Entries[0].Count)
	assert.Equal(t, "A", d.Entries[0].Fields["instrument_key"])
	assert.Equal(t, 2, d.Entries[0].Fields["attempt"])
}

func TestCollectorFlushesAtThreshold(t *testing.T) {
	pub := &capturePublisher{}
	c := NewLogCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 2, Publisher: pub})
	c.AddLog("error", "a", nil, "")
	c.AddLog("error", "b", nil, "")
	c.Close()

	require.Len(t, pub.digests, 1)
	assert.Len(t, pub.digests[0].Entries, 2)
}

func TestChildLoggersShareCollector(t *testing.T) {
	l := Nop()
	child := l.With(String("component", "x"))

	pub := &capturePublisher{}
	l.AddCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 100, Publisher: pub})
	child.Error("boom", Error(errors.New("x")))
	l.RemoveCollector()

	require.Len(t, pub.digests, 1)
	assert.Equal(t, "boom", pub.digests[0].Entries[0].Message)

	child.Error("after removal")
	assert.Len(t, pub.digests, 1)
}
