package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// ConsumerHook observes message handling.
type ConsumerHook interface {
	// AfterHandle runs after every handler attempt.
	AfterHandle(ctx context.Context, topic string, km kafka.Message, err error, took time.Duration)
	// OnDeadLetter runs once a message exhausted its retries.
	OnDeadLetter(ctx context.Context, topic string, km kafka.Message, err error)
}

// NoopHook does nothing.
type NoopHook struct{}

func (NoopHook) AfterHandle(context.Context, string, kafka.Message, error, time.Duration) {}

func (NoopHook) OnDeadLetter(context.Context, string, kafka.Message, error) {}

// HookFuncs adapts plain functions; nil functions are no-ops.
type HookFuncs struct {
	After func(ctx context.Context, topic string, km kafka.Message, err error, took time.Duration)
	Dead  func(ctx context.Context, topic string, km kafka.Message, err error)
}

func (h HookFuncs) AfterHandle(ctx context.Context, topic string, km kafka.Message, err error, took time.Duration) {
	if h.After != nil {
		h.After(ctx, topic, km, err, took)
	}
}

func (h HookFuncs) OnDeadLetter(ctx context.Context, topic string, km kafka.Message, err error) {
	if h.Dead != nil {
		h.Dead(ctx, topic, km, err)
	}
}

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// TraceID returns the trace id copied from the message headers, if any.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

func withTraceID(ctx context.Context, km kafka.Message) context.Context {
	for _, h := range km.Headers {
		if h.Key == "trace_id" || h.Key == "x-trace-id" {
			return context.WithValue(ctx, traceIDKey, string(h.Value))
		}
	}
	return ctx
}
