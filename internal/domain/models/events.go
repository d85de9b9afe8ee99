package models

import "time"

// SeriesUpdatedEvent is published after a series was persisted.
type SeriesUpdatedEvent struct {
	InstrumentKey string    `json:"instrument_key"`
	Timeframe     string    `json:"timeframe"`
	LastBarTime   time.Time `json:"last_bar_time"`
	Bars          int       `json:"bars"`
	Added         int       `json:"added"`
	Source        string    `json:"source"`
	At            time.Time `json:"at"`
}

// RefreshRequest asks the engine to run one fetch cycle for an instrument.
type RefreshRequest struct {
	InstrumentKey   string `json:"instrument_key"`
	Purpose         string `json:"purpose"`
	SkipLiveSession bool   `json:"skip_live_session"`
}
