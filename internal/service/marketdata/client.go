package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"CandleCache/internal/domain/models"
	"CandleCache/internal/domain/repository"
	"CandleCache/internal/service/ratelimit"
	xhttp "CandleCache/pkg/http"
	"CandleCache/pkg/logger"
)

// Config for the brokerage market-data API.
type Config struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
}

// Client talks to the upstream candle API. Every call goes through the shared gate.
type Client struct {
	cfg    Config
	http   *xhttp.Client
	gate   *ratelimit.Gate
	logger *logger.Logger
}

func New(cfg Config, gate *ratelimit.Gate, l *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if l == nil {
		l = logger.Nop()
	}
	return &Client{
		cfg:    cfg,
		http:   xhttp.NewClient(xhttp.WithTimeout(cfg.Timeout)),
		gate:   gate,
		logger: l,
	}
}

type candleResponse struct {
	Status string `json:"status"`
	Data   struct {
		Candles [][]interface{} `json:"candles"`
	} `json:"data"`
}

type ltpResponse struct {
	Status string `json:"status"`
	Data   map[string]struct {
		LastPrice       float64 `json:"last_price"`
		InstrumentToken string  `json:"instrument_token"`
		Volume          float64 `json:"volume"`
		LTQ             float64 `json:"ltq"`
	} `json:"data"`
}

// HistoricalCandles fetches closed bars for the inclusive date range [from, to].
func (c *Client) HistoricalCandles(ctx context.Context, instrumentKey string, spec repository.TimeframeSpec, from, to time.Time) ([]models.Candle, error) {
	u := fmt.Sprintf("%s/v3/historical-candle/%s/%s/%d/%s/%s",
		c.cfg.BaseURL, url.PathEscape(instrumentKey), spec.Unit, spec.Interval,
		to.Format(time.DateOnly), from.Format(time.DateOnly))
	return c.fetchCandles(ctx, "historical", u)
}

// LiveSessionCandles fetches the bars of the running session. No date range.
func (c *Client) LiveSessionCandles(ctx context.Context, instrumentKey string, spec repository.TimeframeSpec) ([]models.Candle, error) {
	u := fmt.Sprintf("%s/v3/historical-candle/intraday/%s/%s/%d",
		c.cfg.BaseURL, url.PathEscape(instrumentKey), spec.Unit, spec.Interval)
	return c.fetchCandles(ctx, "intraday", u)
}

// LastPrice fetches the freshest traded price.
func (c *Client) LastPrice(ctx context.Context, instrumentKey string) (models.Tick, error) {
	var resp ltpResponse
	err := c.gate.Do(ctx, "ltp", func(ctx context.Context) error {
		return c.get(ctx, "ltp", c.cfg.BaseURL+"/v3/market-quote/ltp",
			map[string][]string{"instrument_key": {instrumentKey}}, &resp)
	})
	if err != nil {
		return models.Tick{}, err
	}
	for _, q := range resp.Data {
		return models.Tick{
			InstrumentKey: instrumentKey,
			LastPrice:     q.LastPrice,
			Volume:        q.Volume,
			Timestamp:     time.Now(),
			Source:        "rest",
		}, nil
	}
	return models.Tick{}, fmt.Errorf("ltp: no quote for %s", instrumentKey)
}

func (c *Client) fetchCandles(ctx context.Context, op, u string) ([]models.Candle, error) {
	var resp candleResponse
	err := c.gate.Do(ctx, op, func(ctx context.Context) error {
		return c.get(ctx, op, u, nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	candles, err := ParseCandles(resp.Data.Candles)
	if err != nil {
		c.logger.Error("candle payload parse error", logger.String("op", op), logger.String("url", u), logger.Error(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return candles, nil
}

func (c *Client) get(ctx context.Context, op, u string, query map[string][]string, dest interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	err := c.http.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:      xhttp.MethodGet,
		URL:         u,
		QueryParams: query,
		Headers: map[string]string{
			"Accept":        "application/json",
			"Authorization": "Bearer " + c.cfg.AccessToken,
		},
	}, dest)
	if err != nil {
		return classify(op, err)
	}
	return nil
}

// classify maps transport and status failures onto the domain error taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var se *xhttp.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests || se.StatusCode == http.StatusForbidden:
			return &models.ThrottledError{Op: op, Status: se.StatusCode, RetryAfter: se.RetryAfter, Err: err}
		case se.StatusCode >= 500:
			return &models.TransientProviderError{Op: op, Status: se.StatusCode, Err: err}
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &models.TransientProviderError{Op: op, Err: err}
	}
	var ue *url.Error
	if errors.As(err, &ue) || errors.As(err, &ne) {
		return &models.TransientProviderError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ParseCandles converts [timestamp, open, high, low, close, volume, (oi)] rows.
// The provider lists newest first; order is left to the caller.
func ParseCandles(rows [][]interface{}) ([]models.Candle, error) {
	out := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("row %d: expected at least 6 fields, got %d", i, len(row))
		}
		ts, err := parseTimestamp(row[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		var vals [5]float64
		for j := 0; j < 5; j++ {
			v, err := toFloat(row[j+1])
			if err != nil {
				return nil, fmt.Errorf("row %d field %d: %w", i, j+1, err)
			}
			vals[j] = v
		}
		out = append(out, models.Candle{
			Timestamp: ts,
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
		})
	}
	return out, nil
}

func parseTimestamp(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, nil
		}
		if ts, err := time.Parse("2006-01-02T15:04:05-0700", t); err == nil {
			return ts, nil
		}
		return time.Time{}, fmt.Errorf("bad timestamp %q", t)
	case float64:
		// epoch milliseconds
		return time.UnixMilli(int64(t)), nil
	}
	return time.Time{}, fmt.Errorf("bad timestamp type %T", v)
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}
