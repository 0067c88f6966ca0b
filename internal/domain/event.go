package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionEventType тип события жизненного цикла подписки
type SubscriptionEventType string

const (
	SubscriptionEventCreated   SubscriptionEventType = "subscription.created"
	SubscriptionEventActivated SubscriptionEventType = "subscription.activated"
	SubscriptionEventRenewed   SubscriptionEventType = "subscription.renewed"
	SubscriptionEventCancelled SubscriptionEventType = "subscription.cancelled"
	SubscriptionEventExpired   SubscriptionEventType = "subscription.expired"
)

// SubscriptionEvent событие для аналитики и соседних сервисов
type SubscriptionEvent struct {
	Type           SubscriptionEventType `json:"type"`
	SubscriptionID uuid.UUID             `json:"subscription_id"`
	PlanID         uuid.UUID             `json:"plan_id"`
	CreatorID      uuid.UUID             `json:"creator_id"`
	SubscriberID   string                `json:"subscriber_id"`
	Gateway        Gateway               `json:"gateway"`
	Status         SubscriptionStatus    `json:"status"`
	ExpiresAt      *time.Time            `json:"expires_at,omitempty"`
	TransactionID  *uuid.UUID            `json:"transaction_id,omitempty"`
	AmountGross    int64                 `json:"amount_gross,omitempty"`
	OccurredAt     time.Time             `json:"occurred_at"`
}

// NewSubscriptionEvent заполняет событие из подписки
func NewSubscriptionEvent(t SubscriptionEventType, sub Subscription, at time.Time) SubscriptionEvent {
	return SubscriptionEvent{
		Type:           t,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		CreatorID:      sub.CreatorID,
		SubscriberID:   sub.SubscriberID,
		Gateway:        sub.Gateway,
		Status:         sub.Status,
		ExpiresAt:      sub.ExpiresAt,
		OccurredAt:     at,
	}
}
