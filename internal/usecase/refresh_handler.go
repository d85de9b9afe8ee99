package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CandleCache/internal/domain/models"
	domrepo "CandleCache/internal/domain/repository"
	pkgkafka "CandleCache/pkg/kafka"
	applogger "CandleCache/pkg/logger"
)

// RefreshHandler runs a fetch cycle for every refresh request read from Kafka.
type RefreshHandler struct {
	topic   string
	fetcher *CandleFetcher
	metrics domrepo.Metrics
	l       *applogger.Logger
}

func NewRefreshHandler(topic string, fetcher *CandleFetcher, metrics domrepo.Metrics, l *applogger.Logger) *RefreshHandler {
	if l == nil {
		l = applogger.Nop()
	}
	return &RefreshHandler{topic: topic, fetcher: fetcher, metrics: metrics, l: l}
}

func (h *RefreshHandler) Topic() string { return h.topic }

// Handle returns an error for malformed requests and failed cycles so the
// consumer retries and then dead-letters them. Thin data is not an error.
func (h *RefreshHandler) Handle(ctx context.Context, b []byte) error {
	var req models.RefreshRequest
	if err := json.Unmarshal(b, &req); err != nil {
		h.metrics.RecordError("refresh_unmarshal")
		return fmt.Errorf("decode refresh request: %w", err)
	}
	if req.InstrumentKey == "" {
		h.metrics.RecordError("refresh_invalid")
		return fmt.Errorf("refresh request without instrument_key")
	}
	purpose := Purpose(req.Purpose)
	if purpose == "" {
		purpose = PurposeIndicators
	}

	start := time.Now()
	res, err := h.fetcher.GetCandleData(ctx, CandleDataRequest{
		InstrumentKey:   req.InstrumentKey,
		Purpose:         purpose,
		SkipLiveSession: req.SkipLiveSession,
	})
	h.metrics.RecordLatency("refresh_request_seconds", time.Since(start).Seconds())
	if err != nil {
		h.metrics.RecordError("refresh_cycle")
		return err
	}
	if !res.Success {
		h.l.Warn("refresh produced insufficient data",
			applogger.String("instrument_key", req.InstrumentKey),
			applogger.String("reason", res.Reason),
		)
		return nil
	}
	h.l.Debug("refresh done",
		applogger.String("instrument_key", req.InstrumentKey),
		applogger.String("source", res.Source),
	)
	return nil
}

var _ pkgkafka.MessageHandler = (*RefreshHandler)(nil)
