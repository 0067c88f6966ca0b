package handlers

import (
	"context"
	"net/http"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/middleware"
	"github.com/Dhoini/channel-subscriptions/internal/service"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/Dhoini/channel-subscriptions/pkg/req"
	"github.com/Dhoini/channel-subscriptions/pkg/res"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CheckoutService операции оплаты, доступные по HTTP
type CheckoutService interface {
	CreateCheckout(ctx context.Context, in service.CheckoutInput) (*service.CheckoutResult, error)
	Status(ctx context.Context, subscriptionID uuid.UUID) (*service.SubscriptionStatus, error)
	CancelSubscription(ctx context.Context, creatorID, subscriptionID uuid.UUID) (*domain.Subscription, error)
}

// CheckoutHandler обрабатывает запросы бота на оплату и отмену подписок
type CheckoutHandler struct {
	service CheckoutService
	log     *logger.Logger
}

// NewCheckoutHandler создает новый экземпляр CheckoutHandler.
func NewCheckoutHandler(service CheckoutService, log *logger.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		service: service,
		log:     log.Named("checkout_handler"),
	}
}

type CheckoutRequest struct {
	CreatorID  string `json:"creator_id" validate:"required,uuid"`
	PlanID     string `json:"plan_id" validate:"required,uuid"`
	BuyerID    string `json:"buyer_id" validate:"required,max=64"`
	BuyerEmail string `json:"buyer_email" validate:"omitempty,email"`
}

// Create обрабатывает POST /api/v1/checkout
func (h *CheckoutHandler) Create(c *gin.Context) {
	body, err := req.HandleBody[CheckoutRequest](c.Writer, c.Request, h.log)
	if err != nil {
		c.Abort()
		return
	}

	result, err := h.service.CreateCheckout(c.Request.Context(), service.CheckoutInput{
		CreatorID:  uuid.MustParse(body.CreatorID),
		PlanID:     uuid.MustParse(body.PlanID),
		BuyerID:    body.BuyerID,
		BuyerEmail: body.BuyerEmail,
	})
	if err != nil {
		h.log.Warnw("Checkout failed", "creatorID", body.CreatorID, "planID", body.PlanID, "error", err)
		writeError(c, h.log, err)
		return
	}

	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	res.JsonResponse(c.Writer, result, status)
}

// Status обрабатывает GET /api/v1/checkout/status/:subscriptionId
func (h *CheckoutHandler) Status(c *gin.Context) {
	id, ok := parseUUIDParam(c, h.log, "subscriptionId")
	if !ok {
		return
	}

	st, err := h.service.Status(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	res.JsonResponse(c.Writer, st, http.StatusOK)
}

// Cancel обрабатывает DELETE /api/v1/subscriptions/:id
func (h *CheckoutHandler) Cancel(c *gin.Context) {
	creatorID, ok := middleware.CreatorID(c)
	if !ok {
		writeError(c, h.log, domain.ErrUnauthenticated)
		return
	}
	id, ok := parseUUIDParam(c, h.log, "id")
	if !ok {
		return
	}

	sub, err := h.service.CancelSubscription(c.Request.Context(), creatorID, id)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	res.JsonResponse(c.Writer, sub, http.StatusOK)
}

func parseUUIDParam(c *gin.Context, log *logger.Logger, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		writeError(c, log, domain.NewValidationError(name, "must be a valid UUID"))
		return uuid.Nil, false
	}
	return id, true
}
