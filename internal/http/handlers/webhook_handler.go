package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/gateway"
	"github.com/Dhoini/channel-subscriptions/internal/service"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/Dhoini/channel-subscriptions/pkg/res"
	"github.com/gin-gonic/gin"
)

const (
	// Ограничение на размер тела запроса вебхука
	maxRequestBodySize = int64(64 << 10)

	defaultTriageLimit = 100
)

// WebhookIngestor прием событий провайдеров
type WebhookIngestor interface {
	Ingest(ctx context.Context, gw domain.Gateway, req gateway.WebhookRequest) (*service.IngestResult, error)
	ListForTriage(ctx context.Context, limit int) ([]domain.WebhookEvent, error)
}

// WebhookHandler принимает вебхуки всех провайдеров
type WebhookHandler struct {
	service WebhookIngestor
	log     *logger.Logger
}

// NewWebhookHandler создает новый экземпляр WebhookHandler.
func NewWebhookHandler(service WebhookIngestor, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: service,
		log:     log.Named("webhook_handler"),
	}
}

type webhookResponse struct {
	Received bool                  `json:"received"`
	Outcome  domain.WebhookOutcome `json:"outcome,omitempty"`
}

// Handle обрабатывает POST /api/v1/webhooks/:gateway.
// 200 отправляется только после фиксации результата, в том числе для повторов и нерелевантных событий.
func (h *WebhookHandler) Handle(c *gin.Context) {
	gw, err := domain.ParseGateway(c.Param("gateway"))
	if err != nil {
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Unknown gateway", ErrorCode: http.StatusNotFound}, http.StatusNotFound)
		c.Abort()
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize)
	//goland:noinspection GoUnhandledErrorResult
	defer c.Request.Body.Close()
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.log.Warnw("Webhook body too large", "gateway", gw, "limit", tooLarge.Limit)
			res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Request body too large"}, http.StatusRequestEntityTooLarge)
			c.Abort()
			return
		}
		h.log.Errorw("Failed to read webhook request body", "gateway", gw, "error", err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Cannot read request body"}, http.StatusBadRequest)
		c.Abort()
		return
	}

	result, err := h.service.Ingest(c.Request.Context(), gw, gateway.WebhookRequest{
		Payload: payload,
		Header:  c.Request.Header,
		Query:   c.Request.URL.Query(),
	})
	if err != nil {
		status := webhookStatus(err)
		h.log.Warnw("Webhook not accepted", "gateway", gw, "status", status, "error", err)
		_ = c.Error(err)
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: http.StatusText(status), ErrorCode: status}, status)
		c.Abort()
		return
	}

	res.JsonResponse(c.Writer, webhookResponse{Received: true, Outcome: result.Outcome}, http.StatusOK)
}

type webhookEventResponse struct {
	domain.WebhookEvent
	Payload string `json:"payload"`
}

// ListTriage обрабатывает GET /api/v1/admin/webhook-events
func (h *WebhookHandler) ListTriage(c *gin.Context) {
	limit := defaultTriageLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, h.log, domain.NewValidationError("limit", "must be a positive integer"))
			return
		}
		limit = n
	}

	events, err := h.service.ListForTriage(c.Request.Context(), limit)
	if err != nil {
		writeError(c, h.log, err)
		return
	}

	out := make([]webhookEventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, webhookEventResponse{WebhookEvent: ev, Payload: string(ev.Payload)})
	}
	res.JsonResponse(c.Writer, gin.H{"events": out, "count": len(out)}, http.StatusOK)
}
