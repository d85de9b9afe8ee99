package daterange

import (
	"math"
	"time"

	"CandleCache/internal/domain/repository"
)

// Window is an inclusive range of calendar dates.
type Window struct {
	From time.Time
	To   time.Time
}

// Days returns the number of calendar dates covered.
func (w Window) Days() int {
	return int(math.Round(w.To.Sub(w.From).Hours()/24)) + 1
}

// Calculator turns a bar target into a calendar window.
//
// The trading-day to calendar-day conversion is a ratio rather than a calendar
// walk, so it overshoots around weekends and may undershoot in holiday-dense
// stretches. The sufficiency check downstream catches the latter.
type Calculator struct {
	calendarRatio  float64
	calendarBuffer int
}

func NewCalculator(calendarRatio float64, calendarBuffer int) *Calculator {
	if calendarRatio <= 0 {
		calendarRatio = 1.4
	}
	if calendarBuffer < 0 {
		calendarBuffer = 0
	}
	return &Calculator{calendarRatio: calendarRatio, calendarBuffer: calendarBuffer}
}

// TradingDays is ceil(target/barsPerDay) plus the timeframe's safety buffer.
func (c *Calculator) TradingDays(spec repository.TimeframeSpec, target int) int {
	perDay := spec.BarsPerDay
	if perDay <= 0 {
		perDay = 1
	}
	return int(math.Ceil(float64(target)/float64(perDay))) + spec.TradingDayBuffer
}

// CalendarDays converts TradingDays with the 7/5 style ratio plus a fixed buffer.
func (c *Calculator) CalendarDays(spec repository.TimeframeSpec, target int) int {
	return int(math.Ceil(float64(c.TradingDays(spec, target))*c.calendarRatio)) + c.calendarBuffer
}

// Range returns the window ending at end that should hold target bars.
func (c *Calculator) Range(spec repository.TimeframeSpec, target int, end time.Time) Window {
	to := dateOf(end)
	return Window{From: to.AddDate(0, 0, -(c.CalendarDays(spec, target) - 1)), To: to}
}

// Plan returns the provider-compliant chunks for a full fetch ending at end.
func (c *Calculator) Plan(spec repository.TimeframeSpec, target int, end time.Time) []Window {
	w := c.Range(spec, target, end)
	return Split(w.From, w.To, spec.MaxWindowDays)
}

// Split walks backward from to in maxDays steps, clips the earliest chunk to
// from and returns the chunks oldest first. Adjacent chunks touch without
// overlapping: next.From is the day after prev.To.
func Split(from, to time.Time, maxDays int) []Window {
	from, to = dateOf(from), dateOf(to)
	if to.Before(from) {
		return nil
	}
	if maxDays <= 0 {
		return []Window{{From: from, To: to}}
	}

	var chunks []Window
	cursor := to
	for !cursor.Before(from) {
		start := cursor.AddDate(0, 0, -(maxDays - 1))
		if start.Before(from) {
			start = from
		}
		chunks = append(chunks, Window{From: start, To: cursor})
		cursor = start.AddDate(0, 0, -1)
	}

	for i, j := 0, len(chunks)-1; i < j; i, j = i+1, j-1 {
		chunks[i], chunks[j] = chunks[j], chunks[i]
	}
	return chunks
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
