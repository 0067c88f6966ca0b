package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TransactionStatus каноничный статус платежа
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusConfirmed TransactionStatus = "confirmed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusRefunded  TransactionStatus = "refunded"

	// TransactionStatusUnknown результат маппинга неизвестного статуса провайдера.
	// Не применяется как переход.
	TransactionStatusUnknown TransactionStatus = "unknown"
)

// IsTerminal failed и refunded не могут вернуться в pending/confirmed
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusFailed || s == TransactionStatusRefunded
}

// CanTransitionTo проверяет монотонность перехода.
// Повтор того же статуса не является переходом.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	switch s {
	case TransactionStatusPending:
		return next == TransactionStatusConfirmed || next == TransactionStatusFailed
	case TransactionStatusConfirmed:
		return next == TransactionStatusRefunded || next == TransactionStatusFailed
	}
	return false
}

// Transaction платеж, привязанный к подписке.
// (Gateway, GatewayPaymentID) уникальны и служат ключом идемпотентности.
type Transaction struct {
	ID                uuid.UUID         `json:"id" db:"id"`
	SubscriptionID    uuid.UUID         `json:"subscription_id" db:"subscription_id"`
	Gateway           Gateway           `json:"gateway" db:"gateway"`
	GatewayPaymentID  string            `json:"gateway_payment_id" db:"gateway_payment_id"`
	GatewayReference  string            `json:"gateway_reference,omitempty" db:"gateway_reference"` // id конкретного списания
	AmountGross       int64             `json:"amount_gross" db:"amount_gross"`
	AmountNetCreator  int64             `json:"amount_net_creator" db:"amount_net_creator"`
	AmountPlatformFee int64             `json:"amount_platform_fee" db:"amount_platform_fee"`
	Currency          string            `json:"currency" db:"currency"`
	PaymentMethod     PaymentMethod     `json:"payment_method" db:"payment_method"`
	GatewayStatus     string            `json:"gateway_status" db:"gateway_status"`
	Status            TransactionStatus `json:"status" db:"status"`
	CheckoutURL       string            `json:"checkout_url,omitempty" db:"checkout_url"`
	PaidAt            *time.Time        `json:"paid_at,omitempty" db:"paid_at"`
	RefundedAt        *time.Time        `json:"refunded_at,omitempty" db:"refunded_at"`
	Metadata          json.RawMessage   `json:"metadata,omitempty" db:"metadata"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}
