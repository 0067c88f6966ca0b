// Package gateway описывает единый интерфейс платежных провайдеров.
// Конкретные реализации находятся в подпакетах asaas, stripe и mercadopago.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/split"
	"github.com/google/uuid"
)

// Adapter набор возможностей, который реализует каждый провайдер
type Adapter interface {
	Gateway() domain.Gateway

	// CreatePaymentLink создает разовую оплату. Возвращенный PaymentID
	// сохраняется как ключ идемпотентности транзакции.
	CreatePaymentLink(ctx context.Context, req PaymentRequest) (*Checkout, error)

	// CreateSubscription создает рекуррентную оплату
	CreateSubscription(ctx context.Context, req PaymentRequest) (*Checkout, error)

	// CancelSubscription отменяет удаленную подписку. Уже отмененная подписка не ошибка.
	CancelSubscription(ctx context.Context, account domain.GatewayAccount, remoteSubscriptionID string) error

	// VerifyWebhookSignature проверяет подлинность входящего вебхука
	VerifyWebhookSignature(req WebhookRequest, secret string) bool

	// ParseWebhook приводит нативное событие провайдера к Event.
	// Может обращаться к API провайдера, если событие содержит только ссылку.
	ParseWebhook(ctx context.Context, req WebhookRequest) (*Event, error)

	// MapStatus переводит нативный статус в каноничный.
	// Неизвестные значения дают domain.TransactionStatusUnknown.
	MapStatus(raw string) domain.TransactionStatus
}

// PaymentRequest параметры создания оплаты
type PaymentRequest struct {
	TransactionID  uuid.UUID
	SubscriptionID uuid.UUID
	Plan           domain.Plan
	Account        domain.GatewayAccount // реквизиты создателя, куда уходит его доля
	Split          split.Split
	FeePercent     float64
	BuyerID        string
	BuyerEmail     string
	WebhookURL     string
	SuccessURL     string
	CancelURL      string
}

// IdempotencyKey ключ для провайдеров, которые поддерживают идемпотентные запросы
func (r PaymentRequest) IdempotencyKey() string {
	return "checkout-" + r.TransactionID.String()
}

// Checkout результат создания оплаты у провайдера
type Checkout struct {
	PaymentID      string // id созданного артефакта
	SubscriptionID string // id удаленной подписки, если известен сразу
	URL            string
}

// WebhookRequest сырой входящий запрос
type WebhookRequest struct {
	Payload []byte
	Header  http.Header
	Query   url.Values
}

// Event нормализованное событие провайдера
type Event struct {
	ID                string // id события у провайдера
	Type              string
	ChargeID          string // id конкретного списания
	CheckoutID        string // id артефакта, созданного при checkout
	ExternalReference string // локальный id транзакции, возвращенный провайдером
	SubscriptionID    string // id удаленной подписки
	RawStatus         string
	AmountCents       int64
	PaymentMethod     domain.PaymentMethod
	OccurredAt        time.Time

	// Ignored событие не относится к платежам или дублирует другое событие
	Ignored      bool
	IgnoreReason string
}

// ResourceID основной идентификатор платежа для журнала
func (e *Event) ResourceID() string {
	switch {
	case e.ChargeID != "":
		return e.ChargeID
	case e.CheckoutID != "":
		return e.CheckoutID
	default:
		return e.SubscriptionID
	}
}

// Registry закрытый набор адаптеров. Выбор адаптера происходит только здесь.
type Registry struct {
	adapters map[domain.Gateway]Adapter
}

// NewRegistry регистрирует адаптеры. Дубликаты и неизвестные шлюзы отклоняются.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[domain.Gateway]Adapter, len(adapters))}
	for _, a := range adapters {
		gw := a.Gateway()
		if !gw.Valid() {
			return nil, fmt.Errorf("gateway: unsupported adapter %q", gw)
		}
		if _, exists := r.adapters[gw]; exists {
			return nil, fmt.Errorf("gateway: adapter %q registered twice", gw)
		}
		r.adapters[gw] = a
	}
	return r, nil
}

// Select возвращает адаптер для шлюза
func (r *Registry) Select(gw domain.Gateway) (Adapter, error) {
	a, ok := r.adapters[gw]
	if !ok {
		return nil, domain.NewValidationError("gateway", fmt.Sprintf("gateway %q is not configured", gw))
	}
	return a, nil
}

// Enabled список настроенных шлюзов
func (r *Registry) Enabled() []domain.Gateway {
	out := make([]domain.Gateway, 0, len(r.adapters))
	for gw := range r.adapters {
		out = append(out, gw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CentsToAmount переводит минимальные единицы в десятичную сумму для JSON API провайдеров
func CentsToAmount(cents int64) float64 {
	return float64(cents) / 100
}

// AmountToCents обратное преобразование с округлением до цента
func AmountToCents(amount float64) int64 {
	if amount < 0 {
		return -int64(-amount*100 + 0.5)
	}
	return int64(amount*100 + 0.5)
}
