package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/segmentio/kafka-go"
)

// LifecyclePublisher публикует события жизненного цикла подписок
type LifecyclePublisher interface {
	Publish(ctx context.Context, ev domain.SubscriptionEvent) error
	Close() error
}

// MessageWriter подмножество kafka.Writer, которое использует продюсер
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaProducer реализует LifecyclePublisher поверх segmentio/kafka-go
type kafkaProducer struct {
	writer MessageWriter
	topic  string
	log    *logger.Logger
}

// NewLifecycleProducer создает асинхронный writer. Ошибки доставки только логируются:
// события информационные и не участвуют в переходах состояний.
func NewLifecycleProducer(brokers []string, topic string, log *logger.Logger) (LifecyclePublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are not configured")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Errorw("Failed to deliver lifecycle events", "error", err, "topic", topic, "count", len(messages))
			}
		},
	}

	log.Infow("Kafka lifecycle producer initialized", "brokers", brokers, "topic", topic)
	return NewLifecyclePublisher(writer, topic, log), nil
}

// NewLifecyclePublisher оборачивает готовый writer
func NewLifecyclePublisher(writer MessageWriter, topic string, log *logger.Logger) LifecyclePublisher {
	return &kafkaProducer{writer: writer, topic: topic, log: log}
}

// Publish ключ сообщения id подписки, поэтому события одной подписки упорядочены
func (k *kafkaProducer) Publish(ctx context.Context, ev domain.SubscriptionEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.SubscriptionID.String()),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}

	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := k.writer.WriteMessages(writeCtx, msg); err != nil {
		k.log.Errorw("Failed to write lifecycle event", "error", err, "type", ev.Type, "subscriptionID", ev.SubscriptionID)
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}

	k.log.Debugw("Lifecycle event published", "type", ev.Type, "subscriptionID", ev.SubscriptionID)
	return nil
}

// Close сбрасывает буфер и закрывает writer
func (k *kafkaProducer) Close() error {
	if err := k.writer.Close(); err != nil {
		k.log.Errorw("Failed to close Kafka writer", "error", err)
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	k.log.Infow("Kafka lifecycle producer closed")
	return nil
}

// NopPublisher отбрасывает события
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.SubscriptionEvent) error { return nil }
func (NopPublisher) Close() error                                            { return nil }
