package service

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/catalog"
	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/gateway"
	"github.com/Dhoini/channel-subscriptions/internal/gateway/gatewaytest"
	"github.com/Dhoini/channel-subscriptions/internal/metrics"
	"github.com/Dhoini/channel-subscriptions/internal/notify/notifytest"
	"github.com/Dhoini/channel-subscriptions/internal/repository"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const testSecret = "webhook-secret"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.SubscriptionEvent
}

func (r *eventRecorder) Publish(_ context.Context, ev domain.SubscriptionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) Close() error { return nil }

func (r *eventRecorder) Types() []domain.SubscriptionEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.SubscriptionEventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	t        *testing.T
	store    *repository.MemoryStore
	catalog  *catalog.MemoryCatalog
	adapter  *gatewaytest.Adapter
	registry *gateway.Registry
	notifier *notifytest.Recorder
	events   *eventRecorder
	clock    *testClock
	locker   *repository.LocalLocker
	promReg  *prometheus.Registry
	metrics  *metrics.Metrics

	creator domain.Creator
	bot     domain.Bot
	plan    domain.Plan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	adapter := gatewaytest.New(domain.GatewayAsaas)
	registry, err := gateway.NewRegistry(adapter)
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	f := &fixture{
		t:        t,
		store:    repository.NewMemoryStore(),
		catalog:  catalog.NewMemoryCatalog(),
		adapter:  adapter,
		registry: registry,
		notifier: &notifytest.Recorder{},
		events:   &eventRecorder{},
		clock:    &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		locker:   repository.NewLocalLocker(),
		promReg:  promReg,
		metrics:  metrics.New(promReg),
	}

	f.creator = domain.Creator{
		ID:                uuid.New(),
		Name:              "Creator",
		GatewayPreference: domain.GatewayAsaas,
		Status:            domain.CreatorStatusActive,
		Accounts: map[domain.Gateway]domain.GatewayAccount{
			domain.GatewayAsaas: {Gateway: domain.GatewayAsaas, SplitDestination: "wallet_creator"},
		},
	}
	f.bot = domain.Bot{ID: uuid.New(), CreatorID: f.creator.ID, Username: "channel_bot"}
	f.plan = domain.Plan{
		ID:           uuid.New(),
		BotID:        f.bot.ID,
		Name:         "Monthly",
		PriceCents:   10000,
		Currency:     "BRL",
		DurationDays: 30,
		Status:       domain.PlanStatusActive,
	}
	f.catalog.PutCreator(f.creator)
	f.catalog.PutBot(f.bot)
	f.catalog.PutPlan(f.plan)
	return f
}

func (f *fixture) putPlan(mutate func(p *domain.Plan)) domain.Plan {
	p := f.plan
	p.ID = uuid.New()
	mutate(&p)
	f.catalog.PutPlan(p)
	return p
}

func (f *fixture) checkoutConfig() CheckoutConfig {
	cfg := DefaultCheckoutConfig()
	cfg.RetryInitialWait = time.Millisecond
	cfg.RetryBudget = time.Second
	cfg.LockTTL = 5 * time.Second
	return cfg
}

func (f *fixture) checkout(cfg CheckoutConfig) *CheckoutService {
	return NewCheckoutService(CheckoutDeps{
		Store:     f.store,
		Catalog:   f.catalog,
		Gateways:  f.registry,
		Locker:    f.locker,
		Notifier:  f.notifier,
		Publisher: f.events,
		Metrics:   f.metrics,
		Log:       logger.NewNop(),
		Now:       f.clock.Now,
	}, cfg)
}

func (f *fixture) webhooks() *WebhookService {
	return NewWebhookService(WebhookDeps{
		Store:      f.store,
		Catalog:    f.catalog,
		Gateways:   f.registry,
		Secrets:    map[domain.Gateway]string{domain.GatewayAsaas: testSecret},
		Notifier:   f.notifier,
		Publisher:  f.events,
		Metrics:    f.metrics,
		Log:        logger.NewNop(),
		Now:        f.clock.Now,
		FeePercent: 10,
	})
}

func (f *fixture) sweeper(cfg SweeperConfig) *Sweeper {
	return NewSweeper(SweeperDeps{
		Store:     f.store,
		Notifier:  f.notifier,
		Publisher: f.events,
		Locker:    f.locker,
		Metrics:   f.metrics,
		Log:       logger.NewNop(),
		Now:       f.clock.Now,
	}, cfg)
}

func webhookRequest(payload []byte) gateway.WebhookRequest {
	h := http.Header{}
	h.Set("X-Test-Secret", testSecret)
	return gateway.WebhookRequest{Payload: payload, Header: h}
}

// newCheckout создает checkout по основному плану фикстуры
func (f *fixture) newCheckout(planID uuid.UUID, buyer string) *CheckoutResult {
	f.t.Helper()
	res, err := f.checkout(f.checkoutConfig()).CreateCheckout(context.Background(), CheckoutInput{
		CreatorID:  f.creator.ID,
		PlanID:     planID,
		BuyerID:    buyer,
		BuyerEmail: buyer + "@example.com",
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) subscription(id uuid.UUID) *domain.Subscription {
	f.t.Helper()
	sub, err := f.store.Subscriptions().GetByID(context.Background(), id)
	require.NoError(f.t, err)
	return sub
}

func (f *fixture) transaction(id uuid.UUID) *domain.Transaction {
	f.t.Helper()
	tx, err := f.store.Transactions().GetByID(context.Background(), id)
	require.NoError(f.t, err)
	return tx
}

// putActive сохраняет активную подписку с заданным сроком и подтвержденным платежом
func (f *fixture) putActive(expiresAt *time.Time) domain.Subscription {
	f.t.Helper()
	now := f.clock.Now()
	sub := domain.Subscription{
		ID:           uuid.New(),
		PlanID:       f.plan.ID,
		BotID:        f.bot.ID,
		CreatorID:    f.creator.ID,
		SubscriberID: "buyer-" + uuid.NewString()[:8],
		Gateway:      domain.GatewayAsaas,
		Status:       domain.SubscriptionStatusActive,
		ExpiresAt:    expiresAt,
		ActivatedAt:  &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(f.t, f.store.Subscriptions().Create(context.Background(), &sub))
	tx := domain.Transaction{
		ID:                uuid.New(),
		SubscriptionID:    sub.ID,
		Gateway:           domain.GatewayAsaas,
		GatewayPaymentID:  "pay_" + sub.ID.String()[:8],
		AmountGross:       10000,
		AmountNetCreator:  9000,
		AmountPlatformFee: 1000,
		Status:            domain.TransactionStatusConfirmed,
		PaidAt:            &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(f.t, f.store.Transactions().Create(context.Background(), &tx))
	return sub
}

func timePtr(t time.Time) *time.Time {
	return &t
}
