package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const planColumns = `id, bot_id, name, description, price_cents, currency, duration_days,
	is_recurring, status, gateway_product_id, gateway_price_id, created_at, updated_at`

// SQLCatalog каталог в PostgreSQL через sqlx
type SQLCatalog struct {
	db  *sqlx.DB
	log *logger.Logger
	now func() time.Time
}

// NewSQLCatalog создает каталог
func NewSQLCatalog(db *sqlx.DB, log *logger.Logger) *SQLCatalog {
	return &SQLCatalog{db: db, log: log, now: time.Now}
}

func (c *SQLCatalog) GetCreator(ctx context.Context, id uuid.UUID) (*domain.Creator, error) {
	var creator domain.Creator
	err := c.db.GetContext(ctx, &creator, `
		SELECT id, name, email, gateway_preference, status, created_at, updated_at
		FROM creators WHERE id = $1`, id)
	if err != nil {
		return nil, c.mapError(err, "creator", id)
	}

	var accounts []domain.GatewayAccount
	err = c.db.SelectContext(ctx, &accounts, `
		SELECT gateway, customer_id, split_destination, credential
		FROM creator_gateway_accounts WHERE creator_id = $1`, id)
	if err != nil {
		return nil, c.mapError(err, "creator", id)
	}

	creator.Accounts = make(map[domain.Gateway]domain.GatewayAccount, len(accounts))
	for _, acc := range accounts {
		creator.Accounts[acc.Gateway] = acc
	}
	return &creator, nil
}

func (c *SQLCatalog) GetPlan(ctx context.Context, id uuid.UUID) (*domain.PlanWithOwner, error) {
	return c.getPlan(ctx, c.db, id, false)
}

func (c *SQLCatalog) getPlan(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID, forUpdate bool) (*domain.PlanWithOwner, error) {
	query := "SELECT " + planColumns + " FROM plans WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}

	var out domain.PlanWithOwner
	if err := sqlx.GetContext(ctx, q, &out.Plan, query, id); err != nil {
		return nil, c.mapError(err, "plan", id)
	}
	err := sqlx.GetContext(ctx, q, &out.Bot,
		`SELECT id, creator_id, username, channel_id, status FROM bots WHERE id = $1`, out.Plan.BotID)
	if err != nil {
		return nil, c.mapError(err, "bot", out.Plan.BotID)
	}
	return &out, nil
}

// UpdatePlan читает план под блокировкой, объединяет с patch и сохраняет
func (c *SQLCatalog) UpdatePlan(ctx context.Context, creatorID, planID uuid.UUID, patch domain.PlanPatch) (*domain.Plan, error) {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, domain.NewInternalError("begin plan update", err)
	}
	defer func() { _ = tx.Rollback() }()

	owned, err := c.getPlan(ctx, tx, planID, true)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(owned, creatorID); err != nil {
		return nil, err
	}

	merged, err := domain.MergePlan(owned.Plan, patch)
	if err != nil {
		return nil, err
	}
	merged.UpdatedAt = c.now().UTC()

	_, err = tx.NamedExecContext(ctx, `
		UPDATE plans SET
			name = :name,
			description = :description,
			price_cents = :price_cents,
			currency = :currency,
			duration_days = :duration_days,
			is_recurring = :is_recurring,
			status = :status,
			gateway_product_id = :gateway_product_id,
			gateway_price_id = :gateway_price_id,
			updated_at = :updated_at
		WHERE id = :id`, merged)
	if err != nil {
		c.log.Errorw("Failed to update plan", "error", err, "planID", planID)
		return nil, domain.NewInternalError("update plan", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.NewInternalError("commit plan update", err)
	}

	c.log.Infow("Plan updated", "planID", planID, "creatorID", creatorID)
	return &merged, nil
}

func (c *SQLCatalog) mapError(err error, entity string, id uuid.UUID) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewNotFoundError(entity, id.String())
	}
	c.log.Errorw("Catalog query failed", "error", err, "entity", entity, "id", id)
	return domain.NewInternalError(fmt.Sprintf("get %s", entity), err)
}
