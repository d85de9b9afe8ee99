package repository

import (
	"context"

	"CandleCache/internal/domain/models"
	pkgkafka "CandleCache/pkg/kafka"
)

// KafkaPublisher emits series events and serves as the log collector's
// publisher.
type KafkaPublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

func NewKafkaPublisher(producer *pkgkafka.Producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// PublishSeriesUpdated is keyed by instrument so one instrument's events stay ordered.
func (p *KafkaPublisher) PublishSeriesUpdated(ctx context.Context, ev models.SeriesUpdatedEvent) error {
	return p.producer.Publish(ctx, p.topic, []byte(ev.InstrumentKey), ev)
}

// PublishMessage implements logger.Publisher.
func (p *KafkaPublisher) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return p.producer.Publish(ctx, topic, nil, payload)
}

func (p *KafkaPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}
