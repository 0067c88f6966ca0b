package producer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/notify"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ notify.Dispatcher = (*AccessProducer)(nil)

func testSubscription() domain.Subscription {
	expires := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.Subscription{
		ID:           uuid.New(),
		PlanID:       uuid.New(),
		BotID:        uuid.New(),
		SubscriberID: "tg:42",
		Status:       domain.SubscriptionStatusActive,
		ExpiresAt:    &expires,
	}
}

func decodeCommand(t *testing.T, expected CommandType, sub domain.Subscription) mocks.ValueChecker {
	return func(val []byte) error {
		var cmd AccessCommand
		require.NoError(t, json.Unmarshal(val, &cmd))
		if cmd.Command != expected {
			return errors.New("unexpected command " + string(cmd.Command))
		}
		if cmd.SubscriptionID != sub.ID.String() || cmd.SubscriberID != sub.SubscriberID {
			return errors.New("unexpected subscription in command")
		}
		return nil
	}
}

func TestAccessProducer_Commands(t *testing.T) {
	sub := testSubscription()
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true

	mock := mocks.NewSyncProducer(t, cfg)
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(decodeCommand(t, CommandGrantAccess, sub))
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(decodeCommand(t, CommandRevokeAccess, sub))
	mock.ExpectSendMessageWithCheckerFunctionAndSucceed(decodeCommand(t, CommandExpiringReminder, sub))

	p := NewAccessProducer(mock, "access", logger.NewNop())
	ctx := context.Background()

	require.NoError(t, p.GrantAccess(ctx, sub))
	require.NoError(t, p.RevokeAccess(ctx, sub))
	require.NoError(t, p.NotifyExpiringSoon(ctx, sub))
	require.NoError(t, p.Close())
}

func TestAccessProducer_SendFailure(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true

	mock := mocks.NewSyncProducer(t, cfg)
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewAccessProducer(mock, "access", logger.NewNop())
	err := p.GrantAccess(context.Background(), testSubscription())
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

func TestAccessProducer_CancelledContext(t *testing.T) {
	mock := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	p := NewAccessProducer(mock, "access", logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.RevokeAccess(ctx, testSubscription())
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, p.Close())
}
