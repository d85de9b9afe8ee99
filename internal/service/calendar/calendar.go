package calendar

import (
	"fmt"
	"math"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/scmhub/calendar"

	"CandleCache/internal/domain/repository"
)

// Config describes the exchange session.
type Config struct {
	// MIC selects a holiday calendar (ISO 10383, e.g. "xnse"). Empty means Mon-Fri only.
	MIC      string
	Timezone string
	Open     string // "15:04"
	Close    string
	// Holidays are extra closed dates ("2006-01-02") on top of the MIC calendar.
	Holidays []string
}

// Calendar answers trading-session questions for one exchange.
type Calendar struct {
	cal      *calendar.Calendar
	loc      *time.Location
	open     time.Duration // offset from local midnight
	close    time.Duration
	holidays map[string]struct{}
}

// New builds a calendar. An unknown MIC falls back to weekdays only.
func New(cfg Config) (*Calendar, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	open, err := parseClock(cfg.Open, "09:15")
	if err != nil {
		return nil, fmt.Errorf("session open: %w", err)
	}
	closeAt, err := parseClock(cfg.Close, "15:30")
	if err != nil {
		return nil, fmt.Errorf("session close: %w", err)
	}
	if closeAt <= open {
		return nil, fmt.Errorf("session close %s must be after open %s", cfg.Close, cfg.Open)
	}

	c := &Calendar{loc: loc, open: open, close: closeAt, holidays: make(map[string]struct{})}
	if mic := strings.ToLower(strings.TrimSpace(cfg.MIC)); mic != "" {
		c.cal = calendar.GetCalendar(mic)
	}
	for _, h := range cfg.Holidays {
		d, err := time.ParseInLocation(time.DateOnly, h, loc)
		if err != nil {
			return nil, fmt.Errorf("holiday %q: %w", h, err)
		}
		c.holidays[d.Format(time.DateOnly)] = struct{}{}
	}
	return c, nil
}

func parseClock(s, def string) (time.Duration, error) {
	if s == "" {
		s = def
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Fallback reports whether no holiday calendar was found for the MIC.
func (c *Calendar) Fallback() bool { return c.cal == nil }

func (c *Calendar) Location() *time.Location { return c.loc }

// Today returns local midnight of the exchange day containing now.
func (c *Calendar) Today(now time.Time) time.Time {
	t := now.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
}

func (c *Calendar) IsTradingDay(date time.Time) bool {
	d := c.Today(date)
	if _, ok := c.holidays[d.Format(time.DateOnly)]; ok {
		return false
	}
	if c.cal != nil {
		return c.cal.IsBusinessDay(d)
	}
	wd := d.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// Session returns open and close instants for the given day.
func (c *Calendar) Session(day time.Time) (time.Time, time.Time) {
	d := c.Today(day)
	return d.Add(c.open), d.Add(c.close)
}

// PreviousTradingDay returns the closest trading day strictly before day.
func (c *Calendar) PreviousTradingDay(day time.Time) time.Time {
	d := c.Today(day)
	for i := 0; i < 31; i++ {
		d = d.AddDate(0, 0, -1)
		if c.IsTradingDay(d) {
			return d
		}
	}
	return d
}

func (c *Calendar) LastSessionClose(now time.Time) time.Time {
	day := c.Today(now)
	if c.IsTradingDay(day) {
		if _, closeAt := c.Session(day); !now.Before(closeAt) {
			return closeAt
		}
	}
	_, closeAt := c.Session(c.PreviousTradingDay(day))
	return closeAt
}

func (c *Calendar) IsCurrentSession(date, now time.Time) bool {
	today := c.Today(now)
	return c.Today(date).Equal(today) && c.IsTradingDay(today)
}

// InSession reports whether now falls between open and close of a trading day.
func (c *Calendar) InSession(now time.Time) bool {
	if !c.IsTradingDay(now) {
		return false
	}
	open, closeAt := c.Session(now)
	return !now.Before(open) && now.Before(closeAt)
}

func (c *Calendar) BarClose(start time.Time, spec repository.TimeframeSpec) time.Time {
	_, closeAt := c.Session(start)
	if !spec.Intraday {
		return closeAt
	}
	end := start.Add(spec.BarDuration)
	if end.After(closeAt) {
		return closeAt
	}
	return end
}

// ExpectedLastBarTime returns the newest bar that must exist at now: the last
// closed bar of the running session for intraday timeframes, the last closed
// session date for daily.
func (c *Calendar) ExpectedLastBarTime(now time.Time, spec repository.TimeframeSpec) time.Time {
	day := c.Today(now)
	if !spec.Intraday {
		if c.IsTradingDay(day) {
			if _, closeAt := c.Session(day); !now.Before(closeAt) {
				return day
			}
		}
		return c.PreviousTradingDay(day)
	}

	if c.IsTradingDay(day) {
		if n := c.closedBars(now, spec.BarDuration); n > 0 {
			open, _ := c.Session(day)
			return open.Add(time.Duration(n-1) * spec.BarDuration)
		}
	}
	prev := c.PreviousTradingDay(day)
	open, _ := c.Session(prev)
	return open.Add(time.Duration(c.barsPerSession(spec.BarDuration)-1) * spec.BarDuration)
}

func (c *Calendar) closedBars(now time.Time, dur time.Duration) int {
	open, closeAt := c.Session(now)
	if now.Before(open) {
		return 0
	}
	if !now.Before(closeAt) {
		return c.barsPerSession(dur)
	}
	return int(now.Sub(open) / dur)
}

func (c *Calendar) barsPerSession(dur time.Duration) int {
	return int(math.Ceil(float64(c.close-c.open) / float64(dur)))
}
