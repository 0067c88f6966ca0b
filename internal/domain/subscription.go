package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus статус подписки
type SubscriptionStatus string

const (
	SubscriptionStatusPending   SubscriptionStatus = "pending"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// IsTerminal expired и cancelled не покидаются никогда
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusExpired || s == SubscriptionStatusCancelled
}

// CanTransitionTo проверяет допустимость перехода. active -> active означает продление.
func (s SubscriptionStatus) CanTransitionTo(next SubscriptionStatus) bool {
	switch s {
	case SubscriptionStatusPending:
		return next == SubscriptionStatusActive || next == SubscriptionStatusCancelled
	case SubscriptionStatusActive:
		return next == SubscriptionStatusActive || next == SubscriptionStatusExpired || next == SubscriptionStatusCancelled
	}
	return false
}

// Subscription доступ подписчика к каналу
type Subscription struct {
	ID                    uuid.UUID          `json:"id" db:"id"`
	PlanID                uuid.UUID          `json:"plan_id" db:"plan_id"`
	BotID                 uuid.UUID          `json:"bot_id" db:"bot_id"`
	CreatorID             uuid.UUID          `json:"creator_id" db:"creator_id"`
	SubscriberID          string             `json:"subscriber_id" db:"subscriber_id"` // id в мессенджере
	Gateway               Gateway            `json:"gateway" db:"gateway"`
	Status                SubscriptionStatus `json:"status" db:"status"`
	ExpiresAt             *time.Time         `json:"expires_at,omitempty" db:"expires_at"`
	GatewaySubscriptionID string             `json:"gateway_subscription_id,omitempty" db:"gateway_subscription_id"`
	ActivatedAt           *time.Time         `json:"activated_at,omitempty" db:"activated_at"`
	CancelledAt           *time.Time         `json:"cancelled_at,omitempty" db:"cancelled_at"`
	ReminderSentAt        *time.Time         `json:"reminder_sent_at,omitempty" db:"reminder_sent_at"`
	AccessRevokedAt       *time.Time         `json:"access_revoked_at,omitempty" db:"access_revoked_at"` // отзыв доступа доставлен
	CreatedAt             time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at" db:"updated_at"`
}

// IsExpiredAt сообщает, истек ли срок к моменту now
func (s *Subscription) IsExpiredAt(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}
