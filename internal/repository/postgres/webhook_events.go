package postgres

import (
	"context"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/google/uuid"
)

type webhookEventRepo struct {
	q   querier
	log *logger.Logger
}

func (r *webhookEventRepo) Save(ctx context.Context, ev *domain.WebhookEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	query := `
		INSERT INTO webhook_events (id, gateway, external_id, type, resource_id, raw_status, outcome,
			payload, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.q.Exec(ctx, query,
		ev.ID, ev.Gateway, ev.ExternalID, ev.Type, ev.ResourceID, ev.RawStatus, ev.Outcome,
		ev.Payload, ev.ErrorMessage, ev.CreatedAt,
	)
	if err != nil {
		r.log.Errorw("Failed to save webhook event", "error", err, "gateway", ev.Gateway, "externalID", ev.ExternalID)
		return mapError(err, "webhook_event", "id", ev.ID.String())
	}
	return nil
}

func (r *webhookEventRepo) ListByOutcome(ctx context.Context, outcome domain.WebhookOutcome, limit int) ([]domain.WebhookEvent, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, gateway, external_id, type, resource_id, raw_status, outcome, payload, error_message, created_at
		FROM webhook_events WHERE outcome = $1 ORDER BY created_at DESC LIMIT $2`,
		outcome, limit)
	if err != nil {
		return nil, mapError(err, "webhook_event", "", "")
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		var ev domain.WebhookEvent
		if err := rows.Scan(
			&ev.ID, &ev.Gateway, &ev.ExternalID, &ev.Type, &ev.ResourceID, &ev.RawStatus,
			&ev.Outcome, &ev.Payload, &ev.ErrorMessage, &ev.CreatedAt,
		); err != nil {
			return nil, mapError(err, "webhook_event", "", "")
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "webhook_event", "", "")
	}
	return events, nil
}
