package repository

import (
	"sort"
	"strings"
	"time"

	"CandleCache/internal/domain/models"
)

// Timeframe represents candle resolution buckets.
type Timeframe string

const (
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF1d  Timeframe = "1d"
)

// TimeframeSpec carries the per-timeframe constants the engine plans with.
type TimeframeSpec struct {
	Timeframe Timeframe
	Intraday  bool
	// Unit and Interval are the provider's time unit (minutes, hours, days) and step.
	Unit               string
	Interval           int
	BarDuration        time.Duration
	BarsPerDay         int
	TargetBars         int
	MaxWindowDays      int
	TradingDayBuffer   int
	StalenessTolerance time.Duration
}

// TimeframeSpecs is the lookup table of supported timeframes.
type TimeframeSpecs map[Timeframe]TimeframeSpec

// DefaultTimeframeSpecs returns the built-in table for a 6.25h exchange session.
func DefaultTimeframeSpecs() TimeframeSpecs {
	return TimeframeSpecs{
		TF15m: {
			Timeframe: TF15m, Intraday: true, Unit: "minutes", Interval: 15,
			BarDuration: 15 * time.Minute, BarsPerDay: 25, TargetBars: 400,
			MaxWindowDays: 30, TradingDayBuffer: 20,
		},
		TF1h: {
			Timeframe: TF1h, Intraday: true, Unit: "hours", Interval: 1,
			BarDuration: time.Hour, BarsPerDay: 7, TargetBars: 300,
			MaxWindowDays: 90, TradingDayBuffer: 20,
		},
		TF1d: {
			Timeframe: TF1d, Intraday: false, Unit: "days", Interval: 1,
			BarDuration: 24 * time.Hour, BarsPerDay: 1, TargetBars: 240,
			MaxWindowDays: 365, TradingDayBuffer: 20, StalenessTolerance: 48 * time.Hour,
		},
	}
}

// Get returns the spec for tf or an UnsupportedTimeframeError.
func (s TimeframeSpecs) Get(tf Timeframe) (TimeframeSpec, error) {
	spec, ok := s[tf]
	if !ok {
		return TimeframeSpec{}, &models.UnsupportedTimeframeError{Timeframe: string(tf)}
	}
	return spec, nil
}

// Timeframes returns the supported timeframes, finest first.
func (s TimeframeSpecs) Timeframes() []Timeframe {
	out := make([]Timeframe, 0, len(s))
	for tf := range s {
		out = append(out, tf)
	}
	sort.Slice(out, func(i, j int) bool { return s[out[i]].BarDuration < s[out[j]].BarDuration })
	return out
}

// IsValidTimeframe returns true if tf is a built-in timeframe.
func IsValidTimeframe(tf Timeframe) bool {
	switch tf {
	case TF15m, TF1h, TF1d:
		return true
	default:
		return false
	}
}

// ParseTimeframe converts a raw string, accepting a few common aliases.
func ParseTimeframe(s string) (Timeframe, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "15m", "15min", "15minute":
		return TF15m, nil
	case "1h", "60m", "1hour", "hourly":
		return TF1h, nil
	case "1d", "d", "day", "daily":
		return TF1d, nil
	}
	return "", &models.UnsupportedTimeframeError{Timeframe: s}
}

// ParseTimeframeList parses a comma separated list, dropping duplicates.
func ParseTimeframeList(s string) ([]Timeframe, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	seen := make(map[Timeframe]struct{})
	var out []Timeframe
	for _, part := range strings.Split(s, ",") {
		tf, err := ParseTimeframe(part)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[tf]; ok {
			continue
		}
		seen[tf] = struct{}{}
		out = append(out, tf)
	}
	return out, nil
}
