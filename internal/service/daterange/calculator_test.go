package daterange

import (
	"math/rand"
	"testing"
	"time"

	"CandleCache/internal/domain/repository"
)

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestCalendarDays(t *testing.T) {
	c := NewCalculator(1.4, 5)
	specs := repository.DefaultTimeframeSpecs()

	// 400 bars of 15m: ceil(400/25)+20 = 36 trading days, ceil(36*1.4)+5 = 56
	if got := c.TradingDays(specs[repository.TF15m], 400); got != 36 {
		t.Fatalf("expected 36 trading days, got %d", got)
	}
	if got := c.CalendarDays(specs[repository.TF15m], 400); got != 56 {
		t.Fatalf("expected 56 calendar days, got %d", got)
	}
}

func TestPlanFifteenMinuteNeedsSeveralChunks(t *testing.T) {
	c := NewCalculator(1.4, 5)
	spec := repository.DefaultTimeframeSpecs()[repository.TF15m]
	spec.MaxWindowDays = 30

	chunks := c.Plan(spec, 400, day("2025-03-03"))
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if ch.Days() > 30 {
			t.Fatalf("chunk %d spans %d days", i, ch.Days())
		}
		if i > 0 && !chunks[i-1].To.Before(ch.From) {
			t.Fatalf("chunks %d and %d overlap: %v %v", i-1, i, chunks[i-1], ch)
		}
	}
	if last := chunks[len(chunks)-1]; !last.To.Equal(day("2025-03-03")) {
		t.Fatalf("last chunk must end at the reference date, got %v", last.To)
	}
}

func TestPlanDailyIsChunked(t *testing.T) {
	c := NewCalculator(1.4, 5)
	spec := repository.DefaultTimeframeSpecs()[repository.TF1d]
	chunks := c.Plan(spec, 240, day("2025-03-03"))
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks for 240 daily bars, got %d", len(chunks))
	}
	if chunks[0].Days()+chunks[1].Days() != c.CalendarDays(spec, 240) {
		t.Fatalf("chunks must cover the whole range")
	}
}

func TestSplitCoversRangeExactly(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	base := day("2020-01-01")
	for i := 0; i < 500; i++ {
		from := base.AddDate(0, 0, r.Intn(2000))
		to := from.AddDate(0, 0, r.Intn(400))
		maxDays := 1 + r.Intn(120)

		chunks := Split(from, to, maxDays)
		if len(chunks) == 0 {
			t.Fatalf("no chunks for %v..%v", from, to)
		}
		if !chunks[0].From.Equal(from) || !chunks[len(chunks)-1].To.Equal(to) {
			t.Fatalf("chunks do not span %v..%v: %v", from, to, chunks)
		}
		for j, ch := range chunks {
			if ch.To.Before(ch.From) {
				t.Fatalf("inverted chunk %v", ch)
			}
			if ch.Days() > maxDays {
				t.Fatalf("chunk %v exceeds %d days", ch, maxDays)
			}
			if j > 0 && !chunks[j-1].To.AddDate(0, 0, 1).Equal(ch.From) {
				t.Fatalf("gap or overlap between %v and %v", chunks[j-1], ch)
			}
		}
	}
}

func TestSplitEdgeCases(t *testing.T) {
	if got := Split(day("2025-03-05"), day("2025-03-01"), 10); got != nil {
		t.Fatalf("expected nil for inverted range, got %v", got)
	}
	got := Split(day("2025-03-01"), day("2025-03-01"), 10)
	if len(got) != 1 || got[0].Days() != 1 {
		t.Fatalf("expected one single-day chunk, got %v", got)
	}
	got = Split(day("2025-01-01"), day("2025-03-01"), 0)
	if len(got) != 1 {
		t.Fatalf("unbounded window must not be split, got %v", got)
	}
}
