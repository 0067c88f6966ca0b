package notify_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/notify"
	"github.com/Dhoini/channel-subscriptions/internal/notify/notifytest"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() notify.RetryPolicy {
	return notify.RetryPolicy{
		Timeout:         100 * time.Millisecond,
		Budget:          500 * time.Millisecond,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

// flaky отказывает первые failures раз
type flaky struct {
	notifytest.Recorder
	failures int32
	calls    int32
}

func (f *flaky) GrantAccess(ctx context.Context, sub domain.Subscription) error {
	if atomic.AddInt32(&f.calls, 1) <= f.failures {
		return errors.New("broker unavailable")
	}
	return f.Recorder.GrantAccess(ctx, sub)
}

// slow блокируется до отмены контекста
type slow struct{ notifytest.Recorder }

func (s *slow) RevokeAccess(ctx context.Context, _ domain.Subscription) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRetrying_RetriesTransientFailures(t *testing.T) {
	next := &flaky{failures: 2}
	r := notify.NewRetrying(next, fastPolicy(), nil, logger.NewNop())

	err := r.GrantAccess(context.Background(), domain.Subscription{ID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&next.calls))
	assert.Equal(t, 1, next.Count("grant_access"))
}

func TestRetrying_GivesUpAfterBudget(t *testing.T) {
	next := &notifytest.Recorder{Err: errors.New("down")}
	r := notify.NewRetrying(next, fastPolicy(), nil, logger.NewNop())

	start := time.Now()
	err := r.NotifyExpiringSoon(context.Background(), domain.Subscription{ID: uuid.New()})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRetrying_ValidationErrorIsPermanent(t *testing.T) {
	var calls int32
	next := &notifytest.Recorder{FailFor: map[string]error{
		"revoke_access": domain.NewValidationError("subscriber_id", "empty"),
	}}
	counting := &countingDispatcher{Dispatcher: next, calls: &calls}
	r := notify.NewRetrying(counting, fastPolicy(), nil, logger.NewNop())

	err := r.RevokeAccess(context.Background(), domain.Subscription{ID: uuid.New()})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetrying_PerAttemptTimeout(t *testing.T) {
	policy := fastPolicy()
	policy.Budget = 300 * time.Millisecond
	r := notify.NewRetrying(&slow{}, policy, nil, logger.NewNop())

	err := r.RevokeAccess(context.Background(), domain.Subscription{ID: uuid.New()})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type countingDispatcher struct {
	notify.Dispatcher
	calls *int32
}

func (c *countingDispatcher) RevokeAccess(ctx context.Context, sub domain.Subscription) error {
	atomic.AddInt32(c.calls, 1)
	return c.Dispatcher.RevokeAccess(ctx, sub)
}

func TestQueue_DeliversAndDrainsOnClose(t *testing.T) {
	rec := &notifytest.Recorder{}
	q := notify.NewQueue(rec, 2, 16, logger.NewNop())

	for i := 0; i < 10; i++ {
		require.NoError(t, q.GrantAccess(context.Background(), domain.Subscription{ID: uuid.New()}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))
	assert.Equal(t, 10, rec.Count("grant_access"))

	err := q.RevokeAccess(context.Background(), domain.Subscription{ID: uuid.New()})
	assert.ErrorIs(t, err, notify.ErrQueueClosed)
}

func TestQueue_KeepsOrderPerSubscription(t *testing.T) {
	next := &flaky{failures: 1}
	policy := fastPolicy()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 20 * time.Millisecond
	q := notify.NewQueue(notify.NewRetrying(next, policy, nil, logger.NewNop()), 4, 16, logger.NewNop())

	sub := domain.Subscription{ID: uuid.New()}
	require.NoError(t, q.GrantAccess(context.Background(), sub))
	require.NoError(t, q.RevokeAccess(context.Background(), sub))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))

	var kinds []string
	for _, c := range next.Calls() {
		kinds = append(kinds, c.Kind)
	}
	assert.Equal(t, []string{"grant_access", "revoke_access"}, kinds)
	assert.Equal(t, int32(2), atomic.LoadInt32(&next.calls))
}

func TestQueue_CloseTimeoutCancelsInFlight(t *testing.T) {
	q := notify.NewQueue(&slow{}, 1, 4, logger.NewNop())
	require.NoError(t, q.RevokeAccess(context.Background(), domain.Subscription{ID: uuid.New()}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSend_UnknownKind(t *testing.T) {
	err := notify.Send(context.Background(), notify.Nop{}, notify.Kind("bogus"), domain.Subscription{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
