package domain

import (
	"time"

	"github.com/google/uuid"
)

// CreatorStatus статус создателя контента
type CreatorStatus string

const (
	CreatorStatusActive CreatorStatus = "active"
	CreatorStatusPaused CreatorStatus = "paused"
	CreatorStatusBanned CreatorStatus = "banned"
)

// GatewayAccount реквизиты создателя в конкретном шлюзе
type GatewayAccount struct {
	Gateway          Gateway `json:"gateway" db:"gateway"`
	CustomerID       string  `json:"customer_id,omitempty" db:"customer_id"`
	SplitDestination string  `json:"split_destination,omitempty" db:"split_destination"` // wallet id / connected account / collector
	Credential       string  `json:"-" db:"credential"`
}

// Creator владелец ботов и планов
type Creator struct {
	ID                uuid.UUID                  `json:"id" db:"id"`
	Name              string                     `json:"name" db:"name"`
	Email             string                     `json:"email" db:"email"`
	GatewayPreference Gateway                    `json:"gateway_preference" db:"gateway_preference"`
	Status            CreatorStatus              `json:"status" db:"status"`
	Accounts          map[Gateway]GatewayAccount `json:"accounts" db:"-"`
	CreatedAt         time.Time                  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time                  `json:"updated_at" db:"updated_at"`
}

// Account возвращает реквизиты создателя для шлюза
func (c *Creator) Account(gw Gateway) (GatewayAccount, bool) {
	acc, ok := c.Accounts[gw]
	return acc, ok
}

// Bot бот, привязанный к приватному каналу
type Bot struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatorID uuid.UUID `json:"creator_id" db:"creator_id"`
	Username  string    `json:"username" db:"username"`
	ChannelID string    `json:"channel_id" db:"channel_id"`
	Status    string    `json:"status" db:"status"`
}
