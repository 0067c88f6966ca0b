package postgres

import (
	"context"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const subscriptionSelect = `
	SELECT id, plan_id, bot_id, creator_id, subscriber_id, gateway, status, expires_at,
	       gateway_subscription_id, activated_at, cancelled_at, reminder_sent_at, access_revoked_at,
	       created_at, updated_at
	FROM subscriptions`

type subscriptionRepo struct {
	q   querier
	log *logger.Logger
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(
		&s.ID,
		&s.PlanID,
		&s.BotID,
		&s.CreatorID,
		&s.SubscriberID,
		&s.Gateway,
		&s.Status,
		&s.ExpiresAt,
		&s.GatewaySubscriptionID,
		&s.ActivatedAt,
		&s.CancelledAt,
		&s.ReminderSentAt,
		&s.AccessRevokedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func getSubscription(ctx context.Context, q querier, query string, args ...any) (*domain.Subscription, error) {
	s, err := scanSubscription(q.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, mapError(err, "subscription", "id", argString(args))
	}
	return s, nil
}

func (r *subscriptionRepo) Create(ctx context.Context, s *domain.Subscription) error {
	query := `
		INSERT INTO subscriptions (id, plan_id, bot_id, creator_id, subscriber_id, gateway, status,
			expires_at, gateway_subscription_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := r.q.Exec(ctx, query,
		s.ID, s.PlanID, s.BotID, s.CreatorID, s.SubscriberID, s.Gateway, s.Status,
		s.ExpiresAt, s.GatewaySubscriptionID, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		r.log.Errorw("Failed to create subscription", "error", err, "subscriptionID", s.ID)
		return mapError(err, "subscription", "id", s.ID.String())
	}
	return nil
}

func (r *subscriptionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	return getSubscription(ctx, r.q, subscriptionSelect+" WHERE id = $1", id)
}

func (r *subscriptionRepo) GetByGatewaySubscriptionID(ctx context.Context, gw domain.Gateway, remoteID string) (*domain.Subscription, error) {
	if remoteID == "" {
		return nil, domain.NewNotFoundError("subscription", remoteID)
	}
	return getSubscription(ctx, r.q,
		subscriptionSelect+" WHERE gateway = $1 AND gateway_subscription_id = $2 ORDER BY created_at DESC LIMIT 1",
		gw, remoteID)
}

// exec выполняет условное обновление и сообщает, затронута ли строка
func (r *subscriptionRepo) exec(ctx context.Context, op string, id uuid.UUID, query string, args ...any) (bool, error) {
	tag, err := r.q.Exec(ctx, query, args...)
	if err != nil {
		r.log.Errorw("Subscription update failed", "error", err, "op", op, "subscriptionID", id)
		return false, mapError(err, "subscription", "id", id.String())
	}
	return tag.RowsAffected() == 1, nil
}

func (r *subscriptionRepo) Activate(ctx context.Context, id uuid.UUID, expiresAt *time.Time, remoteID string, now time.Time) (bool, error) {
	query := `
		UPDATE subscriptions SET
			status = 'active',
			expires_at = $2,
			reminder_sent_at = NULL,
			activated_at = COALESCE(activated_at, $4),
			gateway_subscription_id = CASE WHEN gateway_subscription_id = '' THEN $3 ELSE gateway_subscription_id END,
			updated_at = $4
		WHERE id = $1 AND status IN ('pending', 'active')`
	return r.exec(ctx, "activate", id, query, id, expiresAt, remoteID, now)
}

func (r *subscriptionRepo) Cancel(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE subscriptions SET status = 'cancelled', cancelled_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'active')`
	return r.exec(ctx, "cancel", id, query, id, now)
}

func (r *subscriptionRepo) Expire(ctx context.Context, id uuid.UUID, observed time.Time, now time.Time) (bool, error) {
	query := `
		UPDATE subscriptions SET status = 'expired', updated_at = $3
		WHERE id = $1 AND status = 'active' AND expires_at = $2`
	return r.exec(ctx, "expire", id, query, id, observed, now)
}

func (r *subscriptionRepo) list(ctx context.Context, query string, args ...any) ([]domain.Subscription, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "subscription", "", "")
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, mapError(err, "subscription", "", "")
		}
		subs = append(subs, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "subscription", "", "")
	}
	return subs, nil
}

func (r *subscriptionRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Subscription, error) {
	return r.list(ctx,
		subscriptionSelect+` WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at LIMIT $2`,
		now, limit)
}

func (r *subscriptionRepo) ListExpiringBetween(ctx context.Context, from, to time.Time, limit int) ([]domain.Subscription, error) {
	return r.list(ctx,
		subscriptionSelect+` WHERE status = 'active' AND expires_at >= $1 AND expires_at < $2
		AND reminder_sent_at IS NULL ORDER BY expires_at LIMIT $3`,
		from, to, limit)
}

func (r *subscriptionRepo) MarkReminderSent(ctx context.Context, id uuid.UUID, observed time.Time, now time.Time) (bool, error) {
	query := `
		UPDATE subscriptions SET reminder_sent_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'active' AND expires_at = $2 AND reminder_sent_at IS NULL`
	return r.exec(ctx, "mark_reminder", id, query, id, observed, now)
}

func (r *subscriptionRepo) ClearReminder(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.exec(ctx, "clear_reminder", id,
		`UPDATE subscriptions SET reminder_sent_at = NULL, updated_at = $2 WHERE id = $1`, id, now)
	return err
}

func (r *subscriptionRepo) ListRevokePending(ctx context.Context, limit int) ([]domain.Subscription, error) {
	return r.list(ctx,
		subscriptionSelect+` WHERE status = 'expired' AND access_revoked_at IS NULL
		ORDER BY expires_at LIMIT $1`,
		limit)
}

func (r *subscriptionRepo) MarkAccessRevoked(ctx context.Context, id uuid.UUID, now time.Time) error {
	_, err := r.exec(ctx, "mark_access_revoked", id,
		`UPDATE subscriptions SET access_revoked_at = $2, updated_at = $2 WHERE id = $1 AND access_revoked_at IS NULL`,
		id, now)
	return err
}
