package usecase

import (
	"time"

	"CandleCache/internal/domain/models"
	domrepo "CandleCache/internal/domain/repository"
)

// StaleReason explains why a timeframe needs fetching.
type StaleReason string

const (
	ReasonMissing StaleReason = "missing"
	ReasonBehind  StaleReason = "behind_expected"
	ReasonEmpty   StaleReason = "empty"
)

// StaleTimeframe describes one timeframe that needs provider data in the
// current cycle.
type StaleTimeframe struct {
	Timeframe   domrepo.Timeframe
	LastBarTime time.Time
	Expected    time.Time
	Reason      StaleReason
}

// freshnessRef returns the instant freshness is judged at. With skipLive only
// closed sessions count.
func freshnessRef(cal domrepo.TradingCalendar, now time.Time, skipLive bool) time.Time {
	if skipLive {
		return cal.LastSessionClose(now)
	}
	return now
}

// CheckFreshness compares the cached last bar with the bar the calendar says
// must exist. ok is true when the series is fresh.
func CheckFreshness(cal domrepo.TradingCalendar, spec domrepo.TimeframeSpec, s *models.CachedSeries, now time.Time, skipLive bool) (StaleTimeframe, bool) {
	expected := cal.ExpectedLastBarTime(freshnessRef(cal, now, skipLive), spec)
	st := StaleTimeframe{Timeframe: spec.Timeframe, Expected: expected}
	if s == nil {
		st.Reason = ReasonMissing
		return st, false
	}
	if len(s.Candles) == 0 {
		st.Reason = ReasonEmpty
		return st, false
	}
	st.LastBarTime = s.LastBarTime
	if st.LastBarTime.IsZero() {
		st.LastBarTime = s.Candles[len(s.Candles)-1].Timestamp
	}
	if st.LastBarTime.Before(expected.Add(-spec.StalenessTolerance)) {
		st.Reason = ReasonBehind
		return st, false
	}
	return st, true
}

// closedOnly drops bars that are still forming at now.
func closedOnly(cal domrepo.TradingCalendar, spec domrepo.TimeframeSpec, candles []models.Candle, now time.Time) []models.Candle {
	out := make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		if !cal.BarClose(c.Timestamp, spec).After(now) {
			out = append(out, c)
		}
	}
	return out
}
