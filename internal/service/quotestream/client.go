package quotestream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"CandleCache/internal/domain/models"
	applogger "CandleCache/pkg/logger"
)

type Config struct {
	URL            string
	AccessToken    string
	Instruments    []string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
}

// Client keeps the latest last-traded-price tick per instrument from the
// provider's websocket feed.
type Client struct {
	cfg Config
	l   *applogger.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	mu    sync.RWMutex
	ticks map[string]models.Tick
}

func New(cfg Config, l *applogger.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if l == nil {
		l = applogger.Nop()
	}
	return &Client{cfg: cfg, l: l, ticks: make(map[string]models.Tick)}
}

type wsTick struct {
	InstrumentKey string  `json:"instrument_key"`
	LTP           float64 `json:"ltp"`
	V             float64 `json:"v"`
	T             int64   `json:"t"` // ms
}

type wsMessage struct {
	Type string   `json:"type"`
	Data []wsTick `json:"data"`
}

// LatestTick returns the newest tick seen for the instrument.
func (c *Client) LatestTick(instrumentKey string) (models.Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[instrumentKey]
	return t, ok
}

func (c *Client) connect(ctx context.Context) error {
	h := http.Header{}
	if c.cfg.AccessToken != "" {
		h.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, h)
	if err != nil {
		return fmt.Errorf("quote stream connect: %w", err)
	}
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	msg := map[string]interface{}{"type": "subscribe", "mode": "ltpc", "instrument_keys": c.cfg.Instruments}
	if err := c.write(func(conn *websocket.Conn) error { return conn.WriteJSON(msg) }); err != nil {
		return fmt.Errorf("quote stream subscribe: %w", err)
	}
	c.l.Info("quote stream connected", applogger.Int("instruments", len(c.cfg.Instruments)))
	return nil
}

func (c *Client) write(fn func(*websocket.Conn) error) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("quote stream not connected")
	}
	return fn(c.conn)
}

// Run connects, reads ticks and reconnects after failures until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.connect(ctx)
		if err == nil {
			err = c.readLoop(ctx)
		}
		_ = c.Close()
		if ctx.Err() != nil {
			return nil
		}
		c.l.Warn("quote stream disconnected, reconnecting",
			applogger.Duration("delay", c.cfg.ReconnectDelay),
			applogger.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("quote stream not connected")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// unblocks ReadMessage
				_ = conn.Close()
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quote stream read: %w", err)
		}
		c.handle(b)
	}
}

func (c *Client) handle(b []byte) {
	var m wsMessage
	if err := json.Unmarshal(b, &m); err != nil {
		// ignore non-tick frames
		return
	}
	if m.Type != "ltp" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range m.Data {
		ts := time.UnixMilli(d.T)
		if prev, ok := c.ticks[d.InstrumentKey]; ok && prev.Timestamp.After(ts) {
			continue
		}
		c.ticks[d.InstrumentKey] = models.Tick{
			InstrumentKey: d.InstrumentKey,
			LastPrice:     d.LTP,
			Volume:        d.V,
			Timestamp:     ts,
			Source:        "stream",
		}
	}
}

func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
