package req

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/Dhoini/channel-subscriptions/pkg/res"
	"github.com/go-playground/validator/v10"
)

// validate кеширует разобранные теги структур, поэтому один на процесс
var validate = validator.New()

// FieldError описание одной ошибки валидации для ответа клиенту
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// Decode декодирует JSON из io.ReadCloser в структуру типа T.
// Неизвестные поля считаются ошибкой.
func Decode[T any](body io.ReadCloser) (T, error) {
	var payload T
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return payload, err
	}
	return payload, nil
}

// IsValid валидирует структуру типа T.
func IsValid[T any](payload T) error {
	return validate.Struct(payload)
}

// Describe переводит ошибки validator в список полей
func Describe(err error) []FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: fe.Field(), Rule: fe.Tag()})
	}
	return out
}

// HandleBody декодирует и валидирует тело запроса.
// При ошибке ответ 400 уже отправлен, вызывающему остается только выйти.
func HandleBody[T any](w http.ResponseWriter, r *http.Request, log *logger.Logger) (*T, error) {
	body, err := Decode[T](r.Body)
	if err != nil {
		log.Warnw("Failed to decode request body", "path", r.URL.Path, "error", err)
		res.JsonErrorResponse(w, res.ErrorResponse{Error: "Invalid request format"}, http.StatusBadRequest, log)
		return nil, err
	}

	if err := IsValid(body); err != nil {
		log.Warnw("Request body validation failed", "path", r.URL.Path, "error", err)
		res.JsonErrorResponse(w, res.ErrorResponse{Error: "Invalid request data", Details: Describe(err)}, http.StatusBadRequest, log)
		return nil, err
	}
	return &body, nil
}
