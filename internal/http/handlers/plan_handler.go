package handlers

import (
	"net/http"

	"github.com/Dhoini/channel-subscriptions/internal/catalog"
	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/gateway"
	"github.com/Dhoini/channel-subscriptions/internal/middleware"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/Dhoini/channel-subscriptions/pkg/req"
	"github.com/Dhoini/channel-subscriptions/pkg/res"
	"github.com/gin-gonic/gin"
)

// PlanHandler частичное обновление планов создателем
type PlanHandler struct {
	plans catalog.Writer
	log   *logger.Logger
}

func NewPlanHandler(plans catalog.Writer, log *logger.Logger) *PlanHandler {
	return &PlanHandler{plans: plans, log: log.Named("plan_handler")}
}

// Update обрабатывает PATCH /api/v1/plans/:id
func (h *PlanHandler) Update(c *gin.Context) {
	creatorID, ok := middleware.CreatorID(c)
	if !ok {
		writeError(c, h.log, domain.ErrUnauthenticated)
		return
	}
	planID, ok := parseUUIDParam(c, h.log, "id")
	if !ok {
		return
	}

	patch, err := req.HandleBody[domain.PlanPatch](c.Writer, c.Request, h.log)
	if err != nil {
		c.Abort()
		return
	}

	plan, err := h.plans.UpdatePlan(c.Request.Context(), creatorID, planID, *patch)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	h.log.Infow("Plan updated", "planID", plan.ID, "creatorID", creatorID)
	res.JsonResponse(c.Writer, plan, http.StatusOK)
}

// GatewayHandler список подключенных шлюзов
type GatewayHandler struct {
	registry *gateway.Registry
}

func NewGatewayHandler(registry *gateway.Registry) *GatewayHandler {
	return &GatewayHandler{registry: registry}
}

// List обрабатывает GET /api/v1/gateways
func (h *GatewayHandler) List(c *gin.Context) {
	enabled := make(map[domain.Gateway]bool)
	for _, gw := range h.registry.Enabled() {
		enabled[gw] = true
	}
	out := make([]domain.GatewayInfo, 0, len(enabled))
	for _, info := range domain.SupportedGateways() {
		if enabled[info.ID] {
			out = append(out, info)
		}
	}
	res.JsonResponse(c.Writer, gin.H{"gateways": out}, http.StatusOK)
}
