package models

// Requests for candle HTTP endpoints.

type CandlesRequest struct {
	InstrumentKey   string `query:"instrument_key" json:"instrument_key" validate:"required"`
	Purpose         string `query:"purpose" json:"purpose" default:"indicators" validate:"oneof=indicators strategy intraday eod"`
	Timeframes      string `query:"timeframes" json:"timeframes"`
	SkipLiveSession bool   `query:"skip_live_session" json:"skip_live_session"`
	Cutoff          string `query:"cutoff" json:"cutoff"`
}

type TriggersRequest struct {
	InstrumentKey string    `json:"instrument_key" validate:"required"`
	Triggers      []Trigger `json:"triggers" validate:"required,min=1,dive"`
}

type SeriesRequest struct {
	InstrumentKey string `query:"instrument_key" validate:"required"`
	Timeframe     string `query:"timeframe" validate:"required"`
}
