package calendar

import (
	"testing"
	"time"

	"CandleCache/internal/domain/repository"
)

func newTestCalendar(t *testing.T) *Calendar {
	t.Helper()
	c, err := New(Config{Timezone: "Asia/Kolkata", Open: "09:15", Close: "15:30", Holidays: []string{"2025-03-14"}})
	if err != nil {
		t.Fatalf("new calendar: %v", err)
	}
	return c
}

func at(c *Calendar, day string, hhmm string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", day+" "+hhmm, c.Location())
	if err != nil {
		panic(err)
	}
	return t
}

func TestIsTradingDay(t *testing.T) {
	c := newTestCalendar(t)
	cases := map[string]bool{
		"2025-03-03": true,  // Monday
		"2025-03-08": false, // Saturday
		"2025-03-09": false, // Sunday
		"2025-03-14": false, // configured holiday
	}
	for day, want := range cases {
		if got := c.IsTradingDay(at(c, day, "12:00")); got != want {
			t.Fatalf("%s: expected %v, got %v", day, want, got)
		}
	}
}

func TestExpectedLastBarTimeIntraday(t *testing.T) {
	c := newTestCalendar(t)
	specs := repository.DefaultTimeframeSpecs()

	got := c.ExpectedLastBarTime(at(c, "2025-03-03", "11:40"), specs[repository.TF15m])
	if want := at(c, "2025-03-03", "11:15"); !got.Equal(want) {
		t.Fatalf("mid-session 15m: expected %v, got %v", want, got)
	}

	// before the first bar closes the previous session's last bar is expected
	got = c.ExpectedLastBarTime(at(c, "2025-03-03", "09:20"), specs[repository.TF15m])
	if want := at(c, "2025-02-28", "15:15"); !got.Equal(want) {
		t.Fatalf("pre-first-bar: expected %v, got %v", want, got)
	}

	got = c.ExpectedLastBarTime(at(c, "2025-03-03", "16:00"), specs[repository.TF1h])
	if want := at(c, "2025-03-03", "15:15"); !got.Equal(want) {
		t.Fatalf("after close 1h: expected %v, got %v", want, got)
	}

	// weekend looks back to Friday
	got = c.ExpectedLastBarTime(at(c, "2025-03-08", "11:00"), specs[repository.TF15m])
	if want := at(c, "2025-03-07", "15:15"); !got.Equal(want) {
		t.Fatalf("weekend: expected %v, got %v", want, got)
	}
}

func TestExpectedLastBarTimeDaily(t *testing.T) {
	c := newTestCalendar(t)
	spec := repository.DefaultTimeframeSpecs()[repository.TF1d]

	got := c.ExpectedLastBarTime(at(c, "2025-03-03", "12:00"), spec)
	if want := at(c, "2025-02-28", "00:00"); !got.Equal(want) {
		t.Fatalf("in session: expected %v, got %v", want, got)
	}
	got = c.ExpectedLastBarTime(at(c, "2025-03-03", "16:00"), spec)
	if want := at(c, "2025-03-03", "00:00"); !got.Equal(want) {
		t.Fatalf("after close: expected %v, got %v", want, got)
	}
	// holiday Friday 14th, Monday 17th morning expects Thursday 13th
	got = c.ExpectedLastBarTime(at(c, "2025-03-17", "10:00"), spec)
	if want := at(c, "2025-03-13", "00:00"); !got.Equal(want) {
		t.Fatalf("holiday: expected %v, got %v", want, got)
	}
}

func TestExpectedLastBarTimeStableWithoutNewData(t *testing.T) {
	c := newTestCalendar(t)
	spec := repository.DefaultTimeframeSpecs()[repository.TF15m]
	now := at(c, "2025-03-04", "13:07")
	first := c.ExpectedLastBarTime(now, spec)
	for i := 0; i < 5; i++ {
		if got := c.ExpectedLastBarTime(now, spec); !got.Equal(first) {
			t.Fatalf("expected stable result %v, got %v", first, got)
		}
	}
}

func TestLastSessionCloseAndBarClose(t *testing.T) {
	c := newTestCalendar(t)
	if got, want := c.LastSessionClose(at(c, "2025-03-03", "12:00")), at(c, "2025-02-28", "15:30"); !got.Equal(want) {
		t.Fatalf("last session close: expected %v, got %v", want, got)
	}
	if got, want := c.LastSessionClose(at(c, "2025-03-03", "15:30")), at(c, "2025-03-03", "15:30"); !got.Equal(want) {
		t.Fatalf("last session close at close: expected %v, got %v", want, got)
	}

	specs := repository.DefaultTimeframeSpecs()
	if got, want := c.BarClose(at(c, "2025-03-03", "15:15"), specs[repository.TF1h]), at(c, "2025-03-03", "15:30"); !got.Equal(want) {
		t.Fatalf("truncated hourly bar: expected %v, got %v", want, got)
	}
	if got, want := c.BarClose(at(c, "2025-03-03", "10:00"), specs[repository.TF15m]), at(c, "2025-03-03", "10:15"); !got.Equal(want) {
		t.Fatalf("15m bar: expected %v, got %v", want, got)
	}
}

func TestNewRejectsInvertedSession(t *testing.T) {
	if _, err := New(Config{Open: "15:30", Close: "09:15"}); err == nil {
		t.Fatalf("expected error")
	}
}
