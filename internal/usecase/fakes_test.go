package usecase

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"CandleCache/internal/domain/models"
	domrepo "CandleCache/internal/domain/repository"
	"CandleCache/internal/service/calendar"
	"CandleCache/internal/service/keylock"
	"CandleCache/pkg/metrics"
)

const (
	// closed bars from the live endpoint
	liveVolume = 90
	// bars still forming carry partial volume
	formingVolume = 7
)

type call struct {
	kind string
	from time.Time
	to   time.Time
}

// fakeProvider serves a synthetic exchange: every trading day has a full
// session of bars, the live endpoint returns today's bars started before now.
type fakeProvider struct {
	mu    sync.Mutex
	cal   *calendar.Calendar
	now   func() time.Time
	calls []call
	// empty makes every endpoint return no candles.
	empty bool
	// histDays caps how many trading days of history exist.
	histDays int
	err      error
	tick     models.Tick
	ltpCalls int
}

func (p *fakeProvider) record(c call) {
	p.mu.Lock()
	p.calls = append(p.calls, c)
	p.mu.Unlock()
}

func (p *fakeProvider) Calls() []call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]call, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *fakeProvider) HistoricalCandles(_ context.Context, _ string, spec domrepo.TimeframeSpec, from, to time.Time) ([]models.Candle, error) {
	p.record(call{kind: "historical", from: from, to: to})
	if p.err != nil {
		return nil, p.err
	}
	if p.empty {
		return nil, nil
	}
	now := p.now()
	today := p.cal.Today(now)
	var oldest time.Time
	if p.histDays > 0 {
		oldest = today
		for i := 0; i < p.histDays; i++ {
			oldest = p.cal.PreviousTradingDay(oldest)
		}
	}
	var out []models.Candle
	for d := p.cal.Today(from); !d.After(p.cal.Today(to)); d = d.AddDate(0, 0, 1) {
		if !p.cal.IsTradingDay(d) || d.Before(oldest) {
			continue
		}
		_, closeAt := p.cal.Session(d)
		if d.Equal(today) && now.Before(closeAt) {
			continue
		}
		for _, ts := range sessionStarts(p.cal, spec, d) {
			out = append(out, candleAt(ts))
		}
	}
	return out, nil
}

func (p *fakeProvider) LiveSessionCandles(_ context.Context, _ string, spec domrepo.TimeframeSpec) ([]models.Candle, error) {
	p.record(call{kind: "live"})
	if p.err != nil {
		return nil, p.err
	}
	if p.empty {
		return nil, nil
	}
	now := p.now()
	if !p.cal.IsTradingDay(now) {
		return nil, nil
	}
	var out []models.Candle
	for _, ts := range sessionStarts(p.cal, spec, p.cal.Today(now)) {
		if !ts.Before(now) {
			continue
		}
		c := candleAt(ts)
		c.Volume = liveVolume
		if p.cal.BarClose(ts, spec).After(now) {
			c.Volume = formingVolume
		}
		out = append(out, c)
	}
	return out, nil
}

func (p *fakeProvider) LastPrice(_ context.Context, key string) (models.Tick, error) {
	p.mu.Lock()
	p.ltpCalls++
	p.mu.Unlock()
	if p.err != nil {
		return models.Tick{}, p.err
	}
	t := p.tick
	t.InstrumentKey = key
	return t, nil
}

func sessionStarts(cal *calendar.Calendar, spec domrepo.TimeframeSpec, day time.Time) []time.Time {
	open, closeAt := cal.Session(day)
	if !spec.Intraday {
		return []time.Time{cal.Today(day)}
	}
	n := int(math.Ceil(float64(closeAt.Sub(open)) / float64(spec.BarDuration)))
	out := make([]time.Time, n)
	for i := range out {
		out[i] = open.Add(time.Duration(i) * spec.BarDuration)
	}
	return out
}

func candleAt(ts time.Time) models.Candle {
	px := float64(ts.Unix()%10000) / 10
	return models.Candle{Timestamp: ts, Open: px, High: px + 1, Low: px - 1, Close: px + 0.5, Volume: 100}
}

// barsBack returns the n bars ending at last (inclusive), oldest first.
func barsBack(cal *calendar.Calendar, spec domrepo.TimeframeSpec, last time.Time, n int) []models.Candle {
	var rev []models.Candle
	day := cal.Today(last)
	for len(rev) < n {
		if cal.IsTradingDay(day) {
			starts := sessionStarts(cal, spec, day)
			for i := len(starts) - 1; i >= 0 && len(rev) < n; i-- {
				if !starts[i].After(last) {
					rev = append(rev, candleAt(starts[i]))
				}
			}
		}
		day = day.AddDate(0, 0, -1)
	}
	out := make([]models.Candle, len(rev))
	for i := range rev {
		out[len(rev)-1-i] = rev[i]
	}
	return out
}

type memStore struct {
	mu        sync.Mutex
	data      map[string]*models.CachedSeries
	upserts   int
	findErr   error
	upsertErr error
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]*models.CachedSeries)}
}

func (s *memStore) key(k string, tf string) string { return k + "|" + tf }

func (s *memStore) FindOne(_ context.Context, k string, tf domrepo.Timeframe) (*models.CachedSeries, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	v, ok := s.data[s.key(k, string(tf))]
	if !ok {
		return nil, nil
	}
	cp := *v
	cp.Candles = append([]models.Candle(nil), v.Candles...)
	return &cp, nil
}

func (s *memStore) Upsert(_ context.Context, v *models.CachedSeries) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.upsertErr != nil {
		return s.upsertErr
	}
	cp := *v
	cp.Candles = append([]models.Candle(nil), v.Candles...)
	s.data[s.key(v.InstrumentKey, v.Timeframe)] = &cp
	return nil
}

func (s *memStore) Health(context.Context) error { return nil }

func (s *memStore) get(k string, tf domrepo.Timeframe) *models.CachedSeries {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[s.key(k, string(tf))]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.SeriesUpdatedEvent
}

func (p *recordingPublisher) PublishSeriesUpdated(_ context.Context, ev models.SeriesUpdatedEvent) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type harness struct {
	cal      *calendar.Calendar
	provider *fakeProvider
	store    *memStore
	pub      *recordingPublisher
	fetcher  *CandleFetcher
	now      time.Time
}

const testKey = "NSE_EQ|INE002A01018"

func newHarness(t *testing.T, now string) *harness {
	t.Helper()
	cal, err := calendar.New(calendar.Config{Timezone: "Asia/Kolkata"})
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	h := &harness{cal: cal, store: newMemStore(), pub: &recordingPublisher{}}
	h.now = h.at(now)
	clock := func() time.Time { return h.now }
	h.provider = &fakeProvider{cal: cal, now: clock}
	h.fetcher = NewCandleFetcher(h.provider, h.store, cal, domrepo.DefaultTimeframeSpecs(),
		keylock.NewLocal(), h.pub, metrics.Nop{}, DefaultFetcherConfig(), nil)
	h.fetcher.SetClock(clock)
	return h
}

func (h *harness) at(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", s, h.cal.Location())
	if err != nil {
		panic(err)
	}
	return t
}

func (h *harness) spec(tf domrepo.Timeframe) domrepo.TimeframeSpec {
	return domrepo.DefaultTimeframeSpecs()[tf]
}

func (h *harness) seed(tf domrepo.Timeframe, last time.Time, n int, updated time.Time) {
	candles := barsBack(h.cal, h.spec(tf), last, n)
	h.store.data[h.store.key(testKey, string(tf))] = &models.CachedSeries{
		InstrumentKey: testKey,
		Timeframe:     string(tf),
		Candles:       candles,
		LastBarTime:   candles[len(candles)-1].Timestamp,
		LastUpdated:   updated,
		TradingDate:   h.cal.Today(updated).Format(time.DateOnly),
	}
}
