package models

import "time"

// Candle represents one OHLCV bar. Timestamp is the bar start time.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// CachedSeries is the persisted candle array for one (instrument, timeframe) key.
// Candles are strictly ascending by Timestamp and capped at the timeframe target.
type CachedSeries struct {
	InstrumentKey string    `json:"instrument_key"`
	Timeframe     string    `json:"timeframe"`
	Candles       []Candle  `json:"candles"`
	LastBarTime   time.Time `json:"last_bar_time"`
	LastUpdated   time.Time `json:"last_updated"`
	TradingDate   string    `json:"trading_date"`
}

// Len returns the number of cached bars.
func (s *CachedSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Candles)
}

// Tick is a last-traded-price sample.
type Tick struct {
	InstrumentKey string    `json:"instrument_key"`
	LastPrice     float64   `json:"last_price"`
	Volume        float64   `json:"volume,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
}

// Trigger is a consumer-defined alert condition. Price triggers leave Timeframe empty.
type Trigger struct {
	ID        string  `json:"id"`
	Kind      string  `json:"kind" validate:"required,oneof=price indicator pattern volume"`
	Indicator string  `json:"indicator,omitempty"`
	Timeframe string  `json:"timeframe,omitempty"`
	Operator  string  `json:"operator" validate:"required"`
	Value     float64 `json:"value"`
}
