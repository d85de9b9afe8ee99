package series

import (
	"sort"
	"time"

	"CandleCache/internal/domain/models"
)

// Kind tells which endpoint produced a batch.
type Kind string

const (
	KindHistorical Kind = "historical"
	KindLive       Kind = "live"
)

// Batch is the output of one endpoint call.
type Batch struct {
	Kind    Kind
	Candles []models.Candle
}

// Reassemble concatenates historical batches then live batches, keeps the
// later-seen bar on timestamp collisions and sorts ascending. Live data wins
// over a historical bar for the same timestamp.
func Reassemble(batches []Batch) []models.Candle {
	var ordered []models.Candle
	for _, kind := range []Kind{KindHistorical, KindLive} {
		for _, b := range batches {
			if b.Kind == kind {
				ordered = append(ordered, b.Candles...)
			}
		}
	}
	return Dedupe(ordered)
}

// Dedupe drops duplicate timestamps (last occurrence wins) and sorts ascending.
func Dedupe(candles []models.Candle) []models.Candle {
	if len(candles) == 0 {
		return nil
	}
	idx := make(map[int64]int, len(candles))
	out := make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		k := c.Timestamp.UnixNano()
		if i, ok := idx[k]; ok {
			out[i] = c
			continue
		}
		idx[k] = len(out)
		out = append(out, c)
	}
	sortAscending(out)
	return out
}

// MergeNew adds bars from incoming whose timestamp is not already in existing.
// Existing bars are never overwritten. The result is sorted ascending and
// trimmed to the newest target bars. added counts bars that survived the trim.
func MergeNew(existing, incoming []models.Candle, target int) (merged []models.Candle, added int) {
	seen := make(map[int64]struct{}, len(existing)+len(incoming))
	merged = make([]models.Candle, 0, len(existing)+len(incoming))
	for _, c := range existing {
		k := c.Timestamp.UnixNano()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, c)
	}

	fresh := make(map[int64]struct{})
	for _, c := range incoming {
		k := c.Timestamp.UnixNano()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		fresh[k] = struct{}{}
		merged = append(merged, c)
	}

	sortAscending(merged)
	merged = TrimOldest(merged, target)
	for _, c := range merged {
		if _, ok := fresh[c.Timestamp.UnixNano()]; ok {
			added++
		}
	}
	return merged, added
}

// TrimOldest keeps the newest target bars. target <= 0 keeps everything.
func TrimOldest(candles []models.Candle, target int) []models.Candle {
	if target <= 0 || len(candles) <= target {
		return candles
	}
	out := make([]models.Candle, target)
	copy(out, candles[len(candles)-target:])
	return out
}

// Until returns the bars stamped at or before cutoff.
func Until(candles []models.Candle, cutoff time.Time) []models.Candle {
	n := sort.Search(len(candles), func(i int) bool { return candles[i].Timestamp.After(cutoff) })
	out := make([]models.Candle, n)
	copy(out, candles[:n])
	return out
}

// Filter returns the bars for which keep is true.
func Filter(candles []models.Candle, keep func(models.Candle) bool) []models.Candle {
	out := make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// Last returns the newest bar time, or the zero time for an empty series.
func Last(candles []models.Candle) time.Time {
	if len(candles) == 0 {
		return time.Time{}
	}
	return candles[len(candles)-1].Timestamp
}

func sortAscending(c []models.Candle) {
	sort.SliceStable(c, func(i, j int) bool { return c[i].Timestamp.Before(c[j].Timestamp) })
}
