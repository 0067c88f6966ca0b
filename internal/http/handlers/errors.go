package handlers

import (
	"errors"
	"net/http"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/Dhoini/channel-subscriptions/pkg/res"
	"github.com/gin-gonic/gin"
)

// statusFor сопоставляет ошибку домена с HTTP статусом и безопасным сообщением
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized, "Webhook signature verification failed"
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized, "Unauthenticated"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrGateway):
		return http.StatusBadGateway, "Payment provider is unavailable"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func validationDetails(err error) any {
	var single *domain.ValidationError
	if errors.As(err, &single) {
		return []domain.ValidationError{*single}
	}
	var many domain.ValidationErrors
	if errors.As(err, &many) {
		return many
	}
	return nil
}

// writeError отправляет ошибку сервиса клиенту и прерывает цепочку gin
func writeError(c *gin.Context, log *logger.Logger, err error) {
	status, message := statusFor(err)
	_ = c.Error(err)
	res.JsonErrorResponse(c.Writer, res.ErrorResponse{
		Error:   message,
		Details: validationDetails(err),
	}, status, log)
	c.Abort()
}

// webhookStatus для провайдера: 5xx означает "повторите позже", 4xx не повторяется
func webhookStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}
