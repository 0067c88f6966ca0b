// Package producer отправляет команды менеджеру доступа к каналам через Kafka.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/IBM/sarama"
)

// CommandType вид команды для менеджера доступа
type CommandType string

const (
	CommandGrantAccess      CommandType = "grant_access"
	CommandRevokeAccess     CommandType = "revoke_access"
	CommandExpiringReminder CommandType = "expiring_soon"
)

// AccessCommand сообщение в топике команд доступа.
// Потребитель обязан обрабатывать его идемпотентно.
type AccessCommand struct {
	Command        CommandType `json:"command"`
	SubscriptionID string      `json:"subscription_id"`
	BotID          string      `json:"bot_id"`
	PlanID         string      `json:"plan_id"`
	SubscriberID   string      `json:"subscriber_id"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// AccessProducer реализует notify.Dispatcher поверх синхронного продюсера Sarama
type AccessProducer struct {
	producer sarama.SyncProducer
	topic    string
	log      *logger.Logger
	now      func() time.Time
}

// NewAccessProducer создает продюсер команд доступа
func NewAccessProducer(producer sarama.SyncProducer, topic string, log *logger.Logger) *AccessProducer {
	return &AccessProducer{
		producer: producer,
		topic:    topic,
		log:      log,
		now:      time.Now,
	}
}

// GrantAccess просит добавить подписчика в канал
func (p *AccessProducer) GrantAccess(ctx context.Context, sub domain.Subscription) error {
	return p.send(ctx, CommandGrantAccess, sub)
}

// RevokeAccess просит удалить подписчика из канала
func (p *AccessProducer) RevokeAccess(ctx context.Context, sub domain.Subscription) error {
	return p.send(ctx, CommandRevokeAccess, sub)
}

// NotifyExpiringSoon просит напомнить подписчику о скором окончании доступа
func (p *AccessProducer) NotifyExpiringSoon(ctx context.Context, sub domain.Subscription) error {
	return p.send(ctx, CommandExpiringReminder, sub)
}

func (p *AccessProducer) send(ctx context.Context, cmd CommandType, sub domain.Subscription) error {
	// SendMessage не принимает контекст
	if err := ctx.Err(); err != nil {
		return err
	}

	command := AccessCommand{
		Command:        cmd,
		SubscriptionID: sub.ID.String(),
		BotID:          sub.BotID.String(),
		PlanID:         sub.PlanID.String(),
		SubscriberID:   sub.SubscriberID,
		ExpiresAt:      sub.ExpiresAt,
		Timestamp:      p.now().UTC(),
	}

	value, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("failed to marshal access command: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(sub.ID.String()),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("command"), Value: []byte(cmd)},
		},
		Timestamp: command.Timestamp,
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		return fmt.Errorf("failed to publish access command: %w", err)
	}

	p.log.Infow("Published access command",
		"command", cmd,
		"subscriptionID", sub.ID,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Close закрывает продюсер
func (p *AccessProducer) Close() error {
	return p.producer.Close()
}
