package domain

import (
	"context"
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate дубликат записи
	ErrDuplicate = errors.New("duplicate record")

	// ErrInvalidInput неверные входные данные
	ErrInvalidInput = errors.New("invalid input data")

	// ErrConflict гонка или повтор, разрешается как no-op
	ErrConflict = errors.New("conflict")

	// ErrInvalidSignature не удалось проверить подлинность вебхука
	ErrInvalidSignature = errors.New("webhook signature verification failed")

	// ErrGateway ошибка платежного шлюза
	ErrGateway = errors.New("payment gateway error")

	// ErrInternal внутренняя ошибка
	ErrInternal = errors.New("internal error")

	// ErrUnauthenticated пользователь не аутентифицирован
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnauthorized пользователь не авторизован
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError представляет ошибку валидации
type ValidationError struct {
	Field   string
	Message string
}

// Error реализует интерфейс error
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s - %s", e.Field, e.Message)
}

// Is позволяет сравнивать с ErrInvalidInput
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewValidationError создает новую ошибку валидации
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ValidationErrors представляет набор ошибок валидации
type ValidationErrors []ValidationError

// Error реализует интерфейс error
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return fmt.Sprintf("validation failed: %s - %s", e[0].Field, e[0].Message)
	}
	return fmt.Sprintf("validation failed: %d errors", len(e))
}

// Is позволяет сравнивать с ErrInvalidInput
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidInput
}

// Add добавляет ошибку валидации
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// HasErrors проверяет наличие ошибок
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Err возвращает nil, если ошибок нет
func (e ValidationErrors) Err() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NotFoundError представляет ошибку "не найдено"
type NotFoundError struct {
	Entity string
	ID     string
}

// Error реализует интерфейс error
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Entity, e.ID)
}

// Is проверяет, является ли ошибка ошибкой типа "не найдено"
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError создает новую ошибку "не найдено"
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// DuplicateError представляет ошибку дубликата
type DuplicateError struct {
	Entity string
	Field  string
	Value  string
}

// Error реализует интерфейс error
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s with %s '%s' already exists", e.Entity, e.Field, e.Value)
}

// Is проверяет, является ли ошибка ошибкой дубликата
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// NewDuplicateError создает новую ошибку дубликата
func NewDuplicateError(entity, field, value string) *DuplicateError {
	return &DuplicateError{Entity: entity, Field: field, Value: value}
}

// GatewayError представляет ошибку вызова платежного провайдера.
// Retryable означает, что вызывающий может повторить запрос.
type GatewayError struct {
	Gateway     Gateway
	Operation   string
	StatusCode  int
	Retryable   bool
	OriginalErr error
}

// Error реализует интерфейс error
func (e *GatewayError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("gateway %s: %s failed (status %d): %v", e.Gateway, e.Operation, e.StatusCode, e.OriginalErr)
	}
	return fmt.Sprintf("gateway %s: %s failed (status %d)", e.Gateway, e.Operation, e.StatusCode)
}

// Unwrap возвращает оригинальную ошибку
func (e *GatewayError) Unwrap() error {
	return e.OriginalErr
}

// Is позволяет сравнивать с ErrGateway
func (e *GatewayError) Is(target error) bool {
	return target == ErrGateway
}

// NewGatewayError создает новую ошибку шлюза
func NewGatewayError(gw Gateway, operation string, statusCode int, retryable bool, err error) *GatewayError {
	return &GatewayError{
		Gateway:     gw,
		Operation:   operation,
		StatusCode:  statusCode,
		Retryable:   retryable,
		OriginalErr: err,
	}
}

// SignatureError отклоненный вебхук. Никогда не повторяется и не меняет состояние.
type SignatureError struct {
	Gateway Gateway
	Reason  string
}

// Error реализует интерфейс error
func (e *SignatureError) Error() string {
	return fmt.Sprintf("%s webhook rejected: %s", e.Gateway, e.Reason)
}

// Is позволяет сравнивать с ErrInvalidSignature
func (e *SignatureError) Is(target error) bool {
	return target == ErrInvalidSignature
}

// ConflictError обнаруженный повтор или гонка
type ConflictError struct {
	Entity string
	ID     string
	Reason string
}

// Error реализует интерфейс error
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: conflict: %s", e.Entity, e.ID, e.Reason)
}

// Is позволяет сравнивать с ErrConflict
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// NewConflictError создает новую ошибку конфликта
func NewConflictError(entity, id, reason string) *ConflictError {
	return &ConflictError{Entity: entity, ID: id, Reason: reason}
}

// InternalError неожиданная ошибка (хранилище недоступно и т.п.)
type InternalError struct {
	Operation   string
	OriginalErr error
}

// Error реализует интерфейс error
func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error during %s: %v", e.Operation, e.OriginalErr)
}

// Unwrap возвращает оригинальную ошибку
func (e *InternalError) Unwrap() error {
	return e.OriginalErr
}

// Is позволяет сравнивать с ErrInternal
func (e *InternalError) Is(target error) bool {
	return target == ErrInternal
}

// NewInternalError создает новую внутреннюю ошибку
func NewInternalError(operation string, err error) *InternalError {
	return &InternalError{Operation: operation, OriginalErr: err}
}

// IsRetryable сообщает, является ли ошибка временной
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Retryable
	}
	return errors.Is(err, ErrInternal)
}
