package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *memoryWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memoryWriter) Close() error {
	w.closed = true
	return nil
}

func TestLifecyclePublisher_Publish(t *testing.T) {
	w := &memoryWriter{}
	pub := NewLifecyclePublisher(w, "lifecycle", logger.NewNop())

	sub := domain.Subscription{
		ID:           uuid.New(),
		PlanID:       uuid.New(),
		SubscriberID: "tg:1",
		Gateway:      domain.GatewayAsaas,
		Status:       domain.SubscriptionStatusActive,
	}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := domain.NewSubscriptionEvent(domain.SubscriptionEventActivated, sub, at)

	require.NoError(t, pub.Publish(context.Background(), ev))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, sub.ID.String(), string(msg.Key))
	assert.Equal(t, at, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, string(domain.SubscriptionEventActivated), string(msg.Headers[0].Value))

	var decoded domain.SubscriptionEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, domain.SubscriptionEventActivated, decoded.Type)
	assert.Equal(t, sub.ID, decoded.SubscriptionID)

	require.NoError(t, pub.Close())
	assert.True(t, w.closed)
}

func TestLifecyclePublisher_WriteError(t *testing.T) {
	w := &memoryWriter{err: errors.New("broker down")}
	pub := NewLifecyclePublisher(w, "lifecycle", logger.NewNop())

	err := pub.Publish(context.Background(), domain.SubscriptionEvent{Type: domain.SubscriptionEventExpired})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestNewLifecycleProducer_NoBrokers(t *testing.T) {
	_, err := NewLifecycleProducer(nil, "lifecycle", logger.NewNop())
	assert.Error(t, err)
}

func TestNewSaramaConfig(t *testing.T) {
	cfg := NewConfig([]string{"localhost:9092"}, "access", "lifecycle")
	sc := NewSaramaConfig(cfg)

	assert.True(t, sc.Producer.Idempotent)
	assert.True(t, sc.Producer.Return.Successes)
	assert.Equal(t, 1, sc.Net.MaxOpenRequests)
	assert.NoError(t, sc.Validate())
}
