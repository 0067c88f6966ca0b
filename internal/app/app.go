// Package app собирает компоненты сервиса из конфигурации и закрывает их в обратном порядке.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/catalog"
	"github.com/Dhoini/channel-subscriptions/internal/config"
	"github.com/Dhoini/channel-subscriptions/internal/db"
	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/gateway"
	"github.com/Dhoini/channel-subscriptions/internal/gateway/asaas"
	"github.com/Dhoini/channel-subscriptions/internal/gateway/mercadopago"
	"github.com/Dhoini/channel-subscriptions/internal/gateway/stripe"
	"github.com/Dhoini/channel-subscriptions/internal/http/handlers"
	"github.com/Dhoini/channel-subscriptions/internal/http/routes"
	"github.com/Dhoini/channel-subscriptions/internal/kafka"
	"github.com/Dhoini/channel-subscriptions/internal/kafka/producer"
	"github.com/Dhoini/channel-subscriptions/internal/metrics"
	"github.com/Dhoini/channel-subscriptions/internal/middleware"
	"github.com/Dhoini/channel-subscriptions/internal/notify"
	"github.com/Dhoini/channel-subscriptions/internal/repository"
	"github.com/Dhoini/channel-subscriptions/internal/repository/postgres"
	"github.com/Dhoini/channel-subscriptions/internal/scheduler"
	"github.com/Dhoini/channel-subscriptions/internal/service"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// App представляет собой контейнер для всех компонентов приложения
type App struct {
	Config *config.Config
	Log    *logger.Logger

	Checkout *service.CheckoutService
	Webhooks *service.WebhookService
	Sweeper  *service.Sweeper
	Gateways *gateway.Registry
	Catalog  catalog.Catalog
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	queue   *notify.Queue
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// NewApp подключает хранилища, брокер и провайдеров. При ошибке уже открытые ресурсы закрываются.
func NewApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	a.Registry = metrics.NewRegistry()
	a.Metrics = metrics.New(a.Registry)

	pool, err := postgres.NewConnection(ctx, cfg.Database.ConnString(), postgres.DefaultPoolOptions(), log)
	if err != nil {
		return nil, err
	}
	a.onClose("postgres pool", func() error { pool.Close(); return nil })

	dbClient, err := db.NewDBClient(ctx, cfg.Database.ConnString(), log)
	if err != nil {
		return nil, err
	}
	a.onClose("catalog db", dbClient.Close)
	a.Catalog = catalog.NewSQLCatalog(dbClient.DB(), log)

	var store repository.Store = postgres.NewStore(pool, log)
	var locker repository.Locker = repository.NewLocalLocker()

	redisClient, err := repository.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
	if err != nil {
		// Без Redis работаем без кеша и с локальными блокировками
		log.Warnw("Redis is unavailable, continuing without cache and distributed locks", "error", err)
	} else {
		a.onClose("redis", redisClient.Close)
		cache := repository.NewRedisCache(redisClient, cfg.Redis.CacheTTL, log)
		store = repository.NewCachedStore(store, cache, log)
		locker = repository.NewFallbackLocker(repository.NewRedisLocker(redisClient, log), locker, log)
	}

	registry, err := newGatewayRegistry(cfg, log)
	if err != nil {
		return nil, err
	}
	a.Gateways = registry

	kafkaCfg := kafka.NewConfig(cfg.Kafka.Brokers, cfg.Kafka.AccessTopic, cfg.Kafka.LifecycleTopic)
	if err := kafka.EnsureTopics(ctx, kafkaCfg, log); err != nil {
		log.Warnw("Failed to ensure Kafka topics", "error", err)
	}

	syncProducer, err := kafka.NewSyncProducer(kafkaCfg, log)
	if err != nil {
		return nil, fmt.Errorf("access producer: %w", err)
	}
	access := producer.NewAccessProducer(syncProducer, cfg.Kafka.AccessTopic, log)
	a.onClose("access producer", access.Close)

	publisher, err := kafka.NewLifecycleProducer(cfg.Kafka.Brokers, cfg.Kafka.LifecycleTopic, log)
	if err != nil {
		log.Warnw("Lifecycle events are disabled", "error", err)
		publisher = kafka.NopPublisher{}
	}
	a.onClose("lifecycle producer", publisher.Close)

	retrying := notify.NewRetrying(access, notify.RetryPolicy{
		Timeout:         cfg.Notify.Timeout,
		Budget:          cfg.Notify.RetryBudget,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     15 * time.Second,
	}, a.Metrics, log)
	a.queue = notify.NewQueue(retrying, cfg.Notify.Workers, cfg.Notify.QueueSize, log)

	a.Checkout = service.NewCheckoutService(service.CheckoutDeps{
		Store:     store,
		Catalog:   a.Catalog,
		Gateways:  registry,
		Locker:    locker,
		Notifier:  a.queue,
		Publisher: publisher,
		Metrics:   a.Metrics,
		Log:       log,
	}, service.CheckoutConfig{
		FeePercent:       cfg.Billing.PlatformFeePercent,
		ReuseWindow:      cfg.Billing.CheckoutReuseWindow,
		LockTTL:          cfg.Billing.CheckoutLockTTL,
		LockWait:         cfg.Billing.CheckoutLockWait,
		CallTimeout:      cfg.Billing.GatewayTimeout,
		RetryBudget:      cfg.Billing.GatewayRetryBudget,
		RetryInitialWait: 500 * time.Millisecond,
		WebhookURL:       func(gw domain.Gateway) string { return cfg.WebhookURL(string(gw)) },
		SuccessURL:       cfg.Stripe.SuccessURL,
		CancelURL:        cfg.Stripe.CancelURL,
	})

	a.Webhooks = service.NewWebhookService(service.WebhookDeps{
		Store:    store,
		Catalog:  a.Catalog,
		Gateways: registry,
		Secrets: map[domain.Gateway]string{
			domain.GatewayAsaas:       cfg.Asaas.WebhookToken,
			domain.GatewayStripe:      cfg.Stripe.WebhookSecret,
			domain.GatewayMercadoPago: cfg.MercadoPago.WebhookToken,
		},
		Notifier:   a.queue,
		Publisher:  publisher,
		Metrics:    a.Metrics,
		Log:        log,
		FeePercent: cfg.Billing.PlatformFeePercent,
	})

	// Проходы ждут доставки, поэтому используют синхронный диспетчер
	a.Sweeper = service.NewSweeper(service.SweeperDeps{
		Store:     store,
		Notifier:  retrying,
		Publisher: publisher,
		Locker:    locker,
		Metrics:   a.Metrics,
		Log:       log,
	}, service.SweeperConfig{
		BatchSize:      cfg.Sweeper.BatchSize,
		ReminderWindow: cfg.Sweeper.ReminderWindow,
		LeaseTTL:       cfg.Sweeper.LeaseTTL,
	})

	return a, nil
}

// newGatewayRegistry регистрирует провайдеров, для которых задан ключ API
func newGatewayRegistry(cfg *config.Config, log *logger.Logger) (*gateway.Registry, error) {
	var adapters []gateway.Adapter
	if cfg.Asaas.APIKey != "" {
		adapters = append(adapters, asaas.New(asaas.Config{
			APIURL:  cfg.Asaas.APIURL,
			APIKey:  cfg.Asaas.APIKey,
			Timeout: cfg.Billing.GatewayTimeout,
		}, log))
	}
	if cfg.Stripe.APIKey != "" {
		adapters = append(adapters, stripe.New(stripe.Config{
			APIKey:     cfg.Stripe.APIKey,
			SuccessURL: cfg.Stripe.SuccessURL,
			CancelURL:  cfg.Stripe.CancelURL,
			Timeout:    cfg.Billing.GatewayTimeout,
		}, log))
	}
	if cfg.MercadoPago.AccessToken != "" {
		adapters = append(adapters, mercadopago.New(mercadopago.Config{
			APIURL:       cfg.MercadoPago.APIURL,
			AccessToken:  cfg.MercadoPago.AccessToken,
			WebhookToken: cfg.MercadoPago.WebhookToken,
			Timeout:      cfg.Billing.GatewayTimeout,
		}, log))
	}
	if len(adapters) == 0 {
		log.Warnw("No payment gateways configured, checkout will reject every request")
	}

	registry, err := gateway.NewRegistry(adapters...)
	if err != nil {
		return nil, err
	}
	log.Infow("Payment gateways registered", "gateways", registry.Enabled())
	return registry, nil
}

// Router собирает HTTP маршруты поверх сервисов
func (a *App) Router() *gin.Engine {
	if a.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if a.Config.Auth.JWTSecret == "" {
		a.Log.Warnw("JWT secret is not set, creator and admin routes will reject every token")
	}
	auth := middleware.NewJWTMiddleware(a.Log, &middleware.DefaultTokenValidator{
		Secret: []byte(a.Config.Auth.JWTSecret),
	})

	router := routes.NewRouter(a.Log)
	routes.SetupRoutes(router, routes.Handlers{
		Checkout: handlers.NewCheckoutHandler(a.Checkout, a.Log),
		Webhooks: handlers.NewWebhookHandler(a.Webhooks, a.Log),
		Plans:    handlers.NewPlanHandler(a.Catalog, a.Log),
		Gateways: handlers.NewGatewayHandler(a.Gateways),
	}, auth, a.Registry, a.Log)
	return router
}

// HTTPServer http.Server с таймаутами из конфигурации
func (a *App) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         ":" + a.Config.App.Port,
		Handler:      a.Router(),
		ReadTimeout:  a.Config.App.ReadTimeout,
		WriteTimeout: a.Config.App.WriteTimeout,
	}
}

// Jobs периодические проходы планировщика
func (a *App) Jobs() ([]scheduler.Job, error) {
	loc, err := time.LoadLocation(a.Config.Sweeper.Timezone)
	if err != nil {
		return nil, fmt.Errorf("sweeper timezone: %w", err)
	}

	expireSchedule := scheduler.Hourly()
	if a.Config.Sweeper.ExpireInterval > 0 && a.Config.Sweeper.ExpireInterval != time.Hour {
		expireSchedule = scheduler.Every(a.Config.Sweeper.ExpireInterval)
	}

	return []scheduler.Job{
		{
			Name:       "expire",
			Schedule:   expireSchedule,
			RunAtStart: true,
			Run: func(ctx context.Context) error {
				_, err := a.Sweeper.ExpirePass(ctx)
				return err
			},
		},
		{
			Name:     "remind",
			Schedule: scheduler.DailyAt(a.Config.Sweeper.ReminderHour, loc),
			Run: func(ctx context.Context) error {
				_, err := a.Sweeper.ReminderPass(ctx)
				return err
			},
		},
	}, nil
}

// Close дожидается очереди уведомлений и закрывает ресурсы в обратном порядке
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.queue != nil {
		if err := a.queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("notification queue: %w", err))
		}
	}
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

func (a *App) closeResources() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.Log.Errorw("Failed to close resource", "resource", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
