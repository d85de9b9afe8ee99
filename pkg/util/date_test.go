package util

import (
	"reflect"
	"strconv"
	"testing"
	"time"
)

func TestParseTimeRFC3339(t *testing.T) {
	s := "2024-10-10T10:10:10Z"
	got, ok := ParseTime(s)
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.UTC().Format(time.RFC3339) != s {
		t.Fatalf("unexpected time %v", got)
	}
}

func TestParseTimeUnix(t *testing.T) {
	ts := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC).Unix()
	got, ok := ParseTime(strconv.FormatInt(ts, 10))
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.Unix() != ts {
		t.Fatalf("unexpected unix %v", got.Unix())
	}
}

func TestParseTimeDefault(t *testing.T) {
	def := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC)
	got := ParseTimeDefault("", def)
	if !got.Equal(def) {
		t.Fatalf("expected default")
	}
}

func TestParseCutoffDateCoversWholeDay(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	got, ok := ParseCutoff("2025-03-04", loc)
	if !ok {
		t.Fatalf("expected ok")
	}
	lastBar := time.Date(2025, 3, 4, 15, 15, 0, 0, loc)
	nextDay := time.Date(2025, 3, 5, 0, 0, 0, 0, loc)
	if got.Before(lastBar) || !got.Before(nextDay) {
		t.Fatalf("cutoff %v outside 2025-03-04", got)
	}
}

func TestParseCutoffRFC3339(t *testing.T) {
	got, ok := ParseCutoff("2025-03-04T09:00:00Z", nil)
	if !ok || !got.Equal(time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected cutoff %v ok=%v", got, ok)
	}
	if _, ok := ParseCutoff("yesterday", nil); ok {
		t.Fatalf("expected failure")
	}
}

func TestSplitCSV(t *testing.T) {
	got := SplitCSV(" 15m, 1h,,1d ")
	if !reflect.DeepEqual(got, []string{"15m", "1h", "1d"}) {
		t.Fatalf("unexpected %v", got)
	}
	if SplitCSV("  ") != nil {
		t.Fatalf("expected nil")
	}
}
