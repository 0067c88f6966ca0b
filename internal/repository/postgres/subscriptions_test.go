package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*subscriptionRepo, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &subscriptionRepo{q: mock, log: logger.NewNop()}, mock
}

func TestSubscriptionRepo_ConditionalUpdates(t *testing.T) {
	id := uuid.New()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	observed := now.Add(-time.Hour)
	expires := now.Add(30 * 24 * time.Hour)

	tests := []struct {
		name  string
		where string
		args  []any
		call  func(r *subscriptionRepo) (bool, error)
	}{
		{
			name:  "expire only the observed active row",
			where: "WHERE id = $1 AND status = 'active' AND expires_at = $2",
			args:  []any{id, observed, now},
			call: func(r *subscriptionRepo) (bool, error) {
				return r.Expire(context.Background(), id, observed, now)
			},
		},
		{
			name:  "activate pending or active",
			where: "WHERE id = $1 AND status IN ('pending', 'active')",
			args:  []any{id, &expires, "remote_1", now},
			call: func(r *subscriptionRepo) (bool, error) {
				return r.Activate(context.Background(), id, &expires, "remote_1", now)
			},
		},
		{
			name:  "cancel pending or active",
			where: "WHERE id = $1 AND status IN ('pending', 'active')",
			args:  []any{id, now},
			call: func(r *subscriptionRepo) (bool, error) {
				return r.Cancel(context.Background(), id, now)
			},
		},
		{
			name:  "reminder once per expiry",
			where: "WHERE id = $1 AND status = 'active' AND expires_at = $2 AND reminder_sent_at IS NULL",
			args:  []any{id, observed, now},
			call: func(r *subscriptionRepo) (bool, error) {
				return r.MarkReminderSent(context.Background(), id, observed, now)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, affected := range []int64{1, 0} {
				repo, mock := newMockRepo(t)
				mock.ExpectExec(regexp.QuoteMeta(tt.where)).
					WithArgs(tt.args...).
					WillReturnResult(pgxmock.NewResult("UPDATE", affected))

				ok, err := tt.call(repo)
				require.NoError(t, err)
				assert.Equal(t, affected == 1, ok)
				assert.NoError(t, mock.ExpectationsWereMet())
			}
		})
	}
}

func TestSubscriptionRepo_MarkAccessRevokedKeepsFirstMark(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("SET access_revoked_at = $2, updated_at = $2 WHERE id = $1 AND access_revoked_at IS NULL")).
		WithArgs(id, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.MarkAccessRevoked(context.Background(), id, now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepo_ListRevokePending(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'expired' AND access_revoked_at IS NULL")).
		WithArgs(50).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	subs, err := repo.ListRevokePending(context.Background(), 50)
	require.NoError(t, err)
	assert.Empty(t, subs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepo_UpdateErrors(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()
	now := time.Now()

	mock.ExpectExec("UPDATE subscriptions").
		WithArgs(id, now).
		WillReturnError(errors.New("connection reset"))

	ok, err := repo.Cancel(context.Background(), id, now)
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrInternal)
	assert.NoError(t, mock.ExpectationsWereMet())
}
