// Package catalog читает создателей, ботов и планы.
// Эти таблицы принадлежат соседнему сервису, здесь только чтение и обновление планов.
package catalog

import (
	"context"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/google/uuid"
)

// Reader поиск по каталогу
type Reader interface {
	GetCreator(ctx context.Context, id uuid.UUID) (*domain.Creator, error)
	// GetPlan возвращает план вместе с ботом, которому он принадлежит
	GetPlan(ctx context.Context, id uuid.UUID) (*domain.PlanWithOwner, error)
}

// Writer изменения каталога, доступные создателю
type Writer interface {
	// UpdatePlan применяет частичное обновление. План должен принадлежать боту создателя.
	UpdatePlan(ctx context.Context, creatorID, planID uuid.UUID, patch domain.PlanPatch) (*domain.Plan, error)
}

// Catalog чтение и запись
type Catalog interface {
	Reader
	Writer
}

// checkOwner ошибка NotFound, если план принадлежит чужому боту
func checkOwner(owned *domain.PlanWithOwner, creatorID uuid.UUID) error {
	if owned.Bot.CreatorID != creatorID {
		return domain.NewNotFoundError("plan", owned.Plan.ID.String())
	}
	return nil
}
