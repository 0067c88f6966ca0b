package domain

import (
	"time"

	"github.com/google/uuid"
)

// PlanStatus статус плана подписки
type PlanStatus string

const (
	PlanStatusActive   PlanStatus = "active"
	PlanStatusInactive PlanStatus = "inactive"
)

// Plan план подписки на канал. Цена хранится в минимальных единицах валюты.
type Plan struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	BotID            uuid.UUID  `json:"bot_id" db:"bot_id"`
	Name             string     `json:"name" db:"name"`
	Description      string     `json:"description" db:"description"`
	PriceCents       int64      `json:"price_cents" db:"price_cents"`
	Currency         string     `json:"currency" db:"currency"`
	DurationDays     int        `json:"duration_days" db:"duration_days"` // 0 = бессрочный
	IsRecurring      bool       `json:"is_recurring" db:"is_recurring"`
	Status           PlanStatus `json:"status" db:"status"`
	GatewayProductID string     `json:"gateway_product_id,omitempty" db:"gateway_product_id"`
	GatewayPriceID   string     `json:"gateway_price_id,omitempty" db:"gateway_price_id"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// IsLifetime сообщает, что подписки по плану никогда не истекают
func (p *Plan) IsLifetime() bool {
	return p.DurationDays == 0
}

// ExpiresAt вычисляет окончание срока от момента активации. Для бессрочного плана nil.
func (p *Plan) ExpiresAt(from time.Time) *time.Time {
	if p.IsLifetime() {
		return nil
	}
	t := from.AddDate(0, 0, p.DurationDays)
	return &t
}

// PlanWithOwner план вместе с цепочкой владения бот -> создатель
type PlanWithOwner struct {
	Plan Plan
	Bot  Bot
}
