package logger

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"sync"
	"time"
)

type Publisher interface {
	PublishMessage(ctx context.Context, topic string, payload interface{}) error
}

type CollectionConfig struct {
	TimeInterval   time.Duration // flush interval
	CountThreshold int           // distinct entries that force an early flush
	Topic          string
	Service        string // stamped on every digest
	Publisher      Publisher
}

// volatileFields differ between repeats of the same failure and are left out
// of the grouping key. The last value seen is still reported.
var volatileFields = map[string]bool{
	"error":       true,
	"attempt":     true,
	"elapsed":     true,
	"took":        true,
	"retry_after": true,
	"penalty":     true,
}

// LogDigest is the payload published on every flush.
type LogDigest struct {
	Service string               `json:"service"`
	Flushed time.Time            `json:"flushed"`
	Entries []AggregatedLogEntry `json:"entries"`
}

type AggregatedLogEntry struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields"`
	Caller    string                 `json:"caller"`
	Count     int                    `json:"count"`
	FirstSeen time.Time              `json:"first_seen"`
	LastSeen  time.Time              `json:"last_seen"`
}

// LogCollector folds repeated error logs into counted entries and publishes
// them as one digest per interval.
type LogCollector struct {
	config *CollectionConfig
	mu     sync.Mutex
	groups map[uint64]*AggregatedLogEntry
	now    func() time.Time

	stop    chan struct{}
	wg      sync.WaitGroup
	closeMu sync.Once
}

func NewLogCollector(config *CollectionConfig) *LogCollector {
	if config.TimeInterval <= 0 {
		config.TimeInterval = 30 * time.Second
	}
	if config.CountThreshold <= 0 {
		config.CountThreshold = 100
	}
	d := &LogCollector{
		config: config,
		groups: make(map[uint64]*AggregatedLogEntry),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *LogCollector) AddLog(level, message string, fields map[string]interface{}, caller string) {
	now := d.now()
	key := groupKey(level, message, fields, caller)

	d.mu.Lock()
	if e, ok := d.groups[key]; ok {
		e.Count++
		e.LastSeen = now
		e.Fields = fields
	} else {
		d.groups[key] = &AggregatedLogEntry{
			Level:     level,
			Message:   message,
			Fields:    fields,
			Caller:    caller,
			Count:     1,
			FirstSeen: now,
			LastSeen:  now,
		}
	}
	var digest *LogDigest
	if len(d.groups) >= d.config.CountThreshold {
		digest = d.drain()
	}
	d.mu.Unlock()

	if digest != nil {
		d.publishAsync(*digest)
	}
}

// groupKey hashes level, message, caller and the stable fields in key order.
func groupKey(level, message string, fields map[string]interface{}, caller string) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%s\x00%s", level, message, caller)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !volatileFields[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "\x00%s=%v", k, fields[k])
	}
	return h.Sum64()
}

func (d *LogCollector) loop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.TimeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.flush()
		case <-d.stop:
			d.flush()
			return
		}
	}
}

func (d *LogCollector) flush() {
	d.mu.Lock()
	digest := d.drain()
	d.mu.Unlock()
	if digest != nil {
		d.publishAsync(*digest)
	}
}

// drain empties the groups, noisiest first. Caller holds mu.
func (d *LogCollector) drain() *LogDigest {
	if len(d.groups) == 0 {
		return nil
	}
	entries := make([]AggregatedLogEntry, 0, len(d.groups))
	for _, e := range d.groups {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Count > entries[j].Count })
	d.groups = make(map[uint64]*AggregatedLogEntry)
	return &LogDigest{Service: d.config.Service, Flushed: d.now().UTC(), Entries: entries}
}

func (d *LogCollector) publishAsync(digest LogDigest) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.config.Publisher.PublishMessage(ctx, d.config.Topic, digest); err != nil {
			// The logger cannot log its own publish failures.
			fmt.Fprintf(os.Stderr, "log digest publish failed: %v\n", err)
		}
	}()
}

// Close flushes what is pending and waits for in-flight publishes.
func (d *LogCollector) Close() {
	d.closeMu.Do(func() { close(d.stop) })
	d.wg.Wait()
}
