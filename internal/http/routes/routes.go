package routes

import (
	"net/http"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/http/handlers"
	"github.com/Dhoini/channel-subscriptions/internal/middleware"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers обработчики, которые подключает SetupRoutes
type Handlers struct {
	Checkout *handlers.CheckoutHandler
	Webhooks *handlers.WebhookHandler
	Plans    *handlers.PlanHandler
	Gateways *handlers.GatewayHandler
}

// NewRouter создает gin.Engine с логированием и восстановлением после паник
func NewRouter(log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestLogger(log))
	router.Use(gin.Recovery())
	return router
}

// SetupRoutes настраивает все маршруты API для Gin роутера
func SetupRoutes(router *gin.Engine, h Handlers, auth *middleware.JWTMiddleware, gatherer prometheus.Gatherer, log *logger.Logger) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	{
		// Публичные маршруты: бот и провайдеры
		api.POST("/checkout", h.Checkout.Create)
		api.GET("/checkout/status/:subscriptionId", h.Checkout.Status)
		api.GET("/gateways", h.Gateways.List)

		// Подлинность вебхуков проверяется адаптером провайдера
		api.POST("/webhooks/:gateway", h.Webhooks.Handle)

		// Панель создателя
		creator := api.Group("")
		creator.Use(auth.RequireAuth())
		{
			creator.DELETE("/subscriptions/:id", h.Checkout.Cancel)
			creator.PATCH("/plans/:id", h.Plans.Update)
		}

		admin := api.Group("/admin")
		admin.Use(auth.RequireAuth(middleware.ScopeAdmin))
		{
			admin.GET("/webhook-events", h.Webhooks.ListTriage)
		}
	}

	log.Infow("API routes successfully configured")
}
