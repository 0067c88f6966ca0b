package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/google/uuid"
)

// MemoryCatalog каталог в памяти для тестов и локального запуска
type MemoryCatalog struct {
	mu       sync.RWMutex
	creators map[uuid.UUID]domain.Creator
	bots     map[uuid.UUID]domain.Bot
	plans    map[uuid.UUID]domain.Plan
}

// NewMemoryCatalog создает пустой каталог
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		creators: make(map[uuid.UUID]domain.Creator),
		bots:     make(map[uuid.UUID]domain.Bot),
		plans:    make(map[uuid.UUID]domain.Plan),
	}
}

func (c *MemoryCatalog) PutCreator(creator domain.Creator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creators[creator.ID] = creator
}

func (c *MemoryCatalog) PutBot(bot domain.Bot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bots[bot.ID] = bot
}

func (c *MemoryCatalog) PutPlan(plan domain.Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[plan.ID] = plan
}

func (c *MemoryCatalog) GetCreator(_ context.Context, id uuid.UUID) (*domain.Creator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	creator, ok := c.creators[id]
	if !ok {
		return nil, domain.NewNotFoundError("creator", id.String())
	}
	return &creator, nil
}

func (c *MemoryCatalog) GetPlan(_ context.Context, id uuid.UUID) (*domain.PlanWithOwner, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.getPlan(id)
}

func (c *MemoryCatalog) getPlan(id uuid.UUID) (*domain.PlanWithOwner, error) {
	plan, ok := c.plans[id]
	if !ok {
		return nil, domain.NewNotFoundError("plan", id.String())
	}
	bot, ok := c.bots[plan.BotID]
	if !ok {
		return nil, domain.NewNotFoundError("bot", plan.BotID.String())
	}
	return &domain.PlanWithOwner{Plan: plan, Bot: bot}, nil
}

func (c *MemoryCatalog) UpdatePlan(_ context.Context, creatorID, planID uuid.UUID, patch domain.PlanPatch) (*domain.Plan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	owned, err := c.getPlan(planID)
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
	merged.UpdatedAt = time.Now().UTC()
	c.plans[planID] = merged
	return &merged, nil
}
