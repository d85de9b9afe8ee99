package queue

import (
	"encoding/json"
	"testing"
)

type refreshJob struct {
	InstrumentKey string `json:"instrument_key"`
	Date          string `json:"date"`
}

func TestMessageEnvelope(t *testing.T) {
	msg, err := NewMessage("candles.eod_refresh", refreshJob{InstrumentKey: "NSE_EQ|A", Date: "2025-03-05"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if msg.ID == "" || msg.Type != "candles.eod_refresh" || msg.Attempts != 0 {
		t.Fatalf("unexpected envelope %+v", msg)
	}

	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Message
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	job, err := Decode[refreshJob](back.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.InstrumentKey != "NSE_EQ|A" || job.Date != "2025-03-05" {
		t.Fatalf("unexpected payload %+v", job)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode[refreshJob](json.RawMessage(`[1,2`)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewQueueDefaults(t *testing.T) {
	q := NewRedisQueue(nil, nil, Config{}, "")
	if q.cfg.Workers != 1 || q.queueKey() != "candlecache:queue:messages" {
		t.Fatalf("unexpected defaults workers=%d key=%s", q.cfg.Workers, q.queueKey())
	}
}
