package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const transactionSelect = `
	SELECT t.id, t.subscription_id, t.gateway, t.gateway_payment_id, t.gateway_reference,
	       t.amount_gross, t.amount_net_creator, t.amount_platform_fee, t.currency, t.payment_method,
	       t.gateway_status, t.status, t.checkout_url, t.paid_at, t.refunded_at, t.metadata,
	       t.created_at, t.updated_at
	FROM transactions t`

type transactionRepo struct {
	q   querier
	log *logger.Logger
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var metadata []byte
	err := row.Scan(
		&t.ID,
		&t.SubscriptionID,
		&t.Gateway,
		&t.GatewayPaymentID,
		&t.GatewayReference,
		&t.AmountGross,
		&t.AmountNetCreator,
		&t.AmountPlatformFee,
		&t.Currency,
		&t.PaymentMethod,
		&t.GatewayStatus,
		&t.Status,
		&t.CheckoutURL,
		&t.PaidAt,
		&t.RefundedAt,
		&metadata,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Metadata = metadata
	return &t, nil
}

func getTransaction(ctx context.Context, q querier, query string, args ...any) (*domain.Transaction, error) {
	t, err := scanTransaction(q.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, mapError(err, "transaction", "id", argString(args))
	}
	return t, nil
}

func (r *transactionRepo) Create(ctx context.Context, t *domain.Transaction) error {
	query := `
		INSERT INTO transactions (id, subscription_id, gateway, gateway_payment_id, gateway_reference,
			amount_gross, amount_net_creator, amount_platform_fee, currency, payment_method,
			gateway_status, status, checkout_url, paid_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	metadata := []byte(t.Metadata)
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	_, err := r.q.Exec(ctx, query,
		t.ID, t.SubscriptionID, t.Gateway, t.GatewayPaymentID, t.GatewayReference,
		t.AmountGross, t.AmountNetCreator, t.AmountPlatformFee, t.Currency, t.PaymentMethod,
		t.GatewayStatus, t.Status, t.CheckoutURL, t.PaidAt, metadata, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		r.log.Warnw("Failed to create transaction", "error", err, "transactionID", t.ID, "gatewayPaymentID", t.GatewayPaymentID)
		return mapError(err, "transaction", "gateway_payment_id", t.GatewayPaymentID)
	}
	return nil
}

func (r *transactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return getTransaction(ctx, r.q, transactionSelect+" WHERE t.id = $1", id)
}

func (r *transactionRepo) FindByCharge(ctx context.Context, gw domain.Gateway, chargeID string) (*domain.Transaction, error) {
	if chargeID == "" {
		return nil, domain.NewNotFoundError("transaction", chargeID)
	}
	return getTransaction(ctx, r.q,
		transactionSelect+` WHERE t.gateway = $1 AND (t.gateway_payment_id = $2 OR t.gateway_reference = $2)
		ORDER BY t.created_at DESC LIMIT 1`,
		gw, chargeID)
}

func (r *transactionRepo) FindUnboundInitial(ctx context.Context, gw domain.Gateway, checkoutID, externalRef string) (*domain.Transaction, error) {
	var ref *uuid.UUID
	if id, err := uuid.Parse(externalRef); err == nil {
		ref = &id
	}
	if checkoutID == "" && ref == nil {
		return nil, domain.NewNotFoundError("transaction", externalRef)
	}
	return getTransaction(ctx, r.q,
		transactionSelect+` WHERE t.gateway = $1 AND t.gateway_reference = ''
		AND (($2 <> '' AND t.gateway_payment_id = $2) OR t.id = $3)
		ORDER BY t.created_at LIMIT 1`,
		gw, checkoutID, ref)
}

func (r *transactionRepo) FindRecentPending(ctx context.Context, planID uuid.UUID, subscriberID string, gw domain.Gateway, since time.Time) (*domain.Transaction, error) {
	return getTransaction(ctx, r.q,
		transactionSelect+` JOIN subscriptions s ON s.id = t.subscription_id
		WHERE s.plan_id = $1 AND s.subscriber_id = $2 AND s.status = 'pending'
		AND t.gateway = $3 AND t.status = 'pending' AND t.created_at >= $4
		ORDER BY t.created_at DESC LIMIT 1`,
		planID, subscriberID, gw, since)
}

func (r *transactionRepo) LatestBySubscription(ctx context.Context, subscriptionID uuid.UUID) (*domain.Transaction, error) {
	return getTransaction(ctx, r.q,
		transactionSelect+" WHERE t.subscription_id = $1 ORDER BY t.created_at DESC LIMIT 1",
		subscriptionID)
}

func (r *transactionRepo) Update(ctx context.Context, t *domain.Transaction, from domain.TransactionStatus) (bool, error) {
	query := `
		UPDATE transactions SET
			status = $3,
			gateway_status = $4,
			gateway_reference = $5,
			payment_method = $6,
			paid_at = $7,
			refunded_at = $8,
			updated_at = $9
		WHERE id = $1 AND status = $2`

	tag, err := r.q.Exec(ctx, query,
		t.ID, from, t.Status, t.GatewayStatus, t.GatewayReference, t.PaymentMethod,
		t.PaidAt, t.RefundedAt, t.UpdatedAt,
	)
	if err != nil {
		r.log.Errorw("Failed to update transaction", "error", err, "transactionID", t.ID)
		return false, mapError(err, "transaction", "gateway_reference", t.GatewayReference)
	}
	return tag.RowsAffected() == 1, nil
}

func argString(args []any) string {
	if len(args) == 0 {
		return ""
	}
	return fmt.Sprint(args[len(args)-1])
}
