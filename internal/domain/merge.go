package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Значения по умолчанию для полей плана
const (
	DefaultPlanDurationDays = 30
	DefaultPlanCurrency     = "BRL"
	DefaultPlanRecurring    = true
	DefaultPlanStatus       = PlanStatusActive
)

// PlanPatch частичное обновление плана. nil означает "не менять".
type PlanPatch struct {
	Name             *string     `json:"name" validate:"omitempty,min=1,max=120"`
	Description      *string     `json:"description" validate:"omitempty,max=2000"`
	PriceCents       *int64      `json:"price_cents" validate:"omitempty,gte=0"`
	Currency         *string     `json:"currency" validate:"omitempty,len=3"`
	DurationDays     *int        `json:"duration_days" validate:"omitempty,gte=0"`
	IsRecurring      *bool       `json:"is_recurring"`
	Status           *PlanStatus `json:"status" validate:"omitempty,oneof=active inactive"`
	GatewayProductID *string     `json:"gateway_product_id"`
	GatewayPriceID   *string     `json:"gateway_price_id"`
}

// MergePlan применяет patch к existing.
// Приоритет: значение из patch > существующее значение > значение по умолчанию.
// Функция тотальна: результат всегда валидный план либо ValidationErrors.
func MergePlan(existing Plan, patch PlanPatch) (Plan, error) {
	out := existing

	out.Name = pickString(patch.Name, existing.Name, "")
	out.Description = pickString(patch.Description, existing.Description, "")
	out.Currency = strings.ToUpper(pickString(patch.Currency, existing.Currency, DefaultPlanCurrency))
	out.GatewayProductID = pickString(patch.GatewayProductID, existing.GatewayProductID, "")
	out.GatewayPriceID = pickString(patch.GatewayPriceID, existing.GatewayPriceID, "")

	out.PriceCents = existing.PriceCents
	if patch.PriceCents != nil {
		out.PriceCents = *patch.PriceCents
	}

	// Нулевая длительность у существующего плана значима (бессрочный), поэтому
	// по умолчанию подставляется только для нового плана без ID.
	out.DurationDays = existing.DurationDays
	if patch.DurationDays != nil {
		out.DurationDays = *patch.DurationDays
	} else if existing.ID == uuid.Nil && existing.DurationDays == 0 {
		out.DurationDays = DefaultPlanDurationDays
	}

	out.IsRecurring = existing.IsRecurring
	if patch.IsRecurring != nil {
		out.IsRecurring = *patch.IsRecurring
	} else if existing.ID == uuid.Nil {
		out.IsRecurring = DefaultPlanRecurring
	}

	out.Status = existing.Status
	if patch.Status != nil {
		out.Status = *patch.Status
	}
	if out.Status == "" {
		out.Status = DefaultPlanStatus
	}

	var verrs ValidationErrors
	if strings.TrimSpace(out.Name) == "" {
		verrs.Add("name", "must not be empty")
	}
	if out.PriceCents < 0 {
		verrs.Add("price_cents", "must be non-negative")
	}
	if out.DurationDays < 0 {
		verrs.Add("duration_days", "must be non-negative")
	}
	if out.Status != PlanStatusActive && out.Status != PlanStatusInactive {
		verrs.Add("status", "must be active or inactive")
	}
	if out.IsRecurring && out.DurationDays == 0 {
		verrs.Add("is_recurring", "lifetime plans cannot be recurring")
	}
	if err := verrs.Err(); err != nil {
		return existing, err
	}
	return out, nil
}

func pickString(patch *string, existing, def string) string {
	if patch != nil {
		return *patch
	}
	if existing != "" {
		return existing
	}
	return def
}
