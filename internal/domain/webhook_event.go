package domain

import (
	"time"

	"github.com/google/uuid"
)

// WebhookOutcome результат обработки входящего события
type WebhookOutcome string

const (
	WebhookOutcomeProcessed WebhookOutcome = "processed" // переход применен
	WebhookOutcomeIgnored   WebhookOutcome = "ignored"   // повтор или нерелевантное событие
	WebhookOutcomeTriage    WebhookOutcome = "triage"    // требуется ручной разбор
	WebhookOutcomeFailed    WebhookOutcome = "failed"
)

// WebhookEvent журнал аутентифицированных событий провайдеров
type WebhookEvent struct {
	ID           uuid.UUID      `json:"id" db:"id"`
	Gateway      Gateway        `json:"gateway" db:"gateway"`
	ExternalID   string         `json:"external_id" db:"external_id"` // ID события в платежной системе
	Type         string         `json:"type" db:"type"`
	ResourceID   string         `json:"resource_id" db:"resource_id"` // ID платежа у провайдера
	RawStatus    string         `json:"raw_status" db:"raw_status"`
	Outcome      WebhookOutcome `json:"outcome" db:"outcome"`
	Payload      []byte         `json:"payload" db:"payload"`
	ErrorMessage string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}
