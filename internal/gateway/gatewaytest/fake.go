// Package gatewaytest содержит управляемый адаптер для тестов сервисного слоя.
package gatewaytest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/gateway"
)

// Adapter фиктивный адаптер. Подпись верна, если заголовок X-Test-Secret равен секрету.
// Тело вебхука имеет вид "charge|checkout|extref|subscription|STATUS".
type Adapter struct {
	gw domain.Gateway

	mu        sync.Mutex
	created   []gateway.PaymentRequest
	cancelled []string
	seq       int

	// CreateErr возвращается из Create*, пока не nil. FailTimes ограничивает число ошибок.
	CreateErr error
	FailTimes int
	CancelErr error
	ParseErr  error

	// Delay задерживает Create* до ответа или отмены контекста. OnCreate вызывается перед задержкой.
	Delay    time.Duration
	OnCreate func(req gateway.PaymentRequest)

	// RemoteSubscriptions заставляет CreateSubscription сразу возвращать id удаленной подписки
	RemoteSubscriptions bool
}

// New создает фиктивный адаптер для шлюза
func New(gw domain.Gateway) *Adapter {
	return &Adapter{gw: gw}
}

func (a *Adapter) Gateway() domain.Gateway { return a.gw }

func (a *Adapter) CreatePaymentLink(ctx context.Context, req gateway.PaymentRequest) (*gateway.Checkout, error) {
	if err := a.wait(ctx, req); err != nil {
		return nil, err
	}
	return a.create(req, "pay")
}

func (a *Adapter) CreateSubscription(ctx context.Context, req gateway.PaymentRequest) (*gateway.Checkout, error) {
	if err := a.wait(ctx, req); err != nil {
		return nil, err
	}
	return a.create(req, "sub")
}

func (a *Adapter) wait(ctx context.Context, req gateway.PaymentRequest) error {
	if a.OnCreate != nil {
		a.OnCreate(req)
	}
	if a.Delay <= 0 {
		return nil
	}
	timer := time.NewTimer(a.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return domain.NewGatewayError(a.gw, "create", 0, true, ctx.Err())
	}
}

func (a *Adapter) create(req gateway.PaymentRequest, kind string) (*gateway.Checkout, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.CreateErr != nil && (a.FailTimes == 0 || len(a.created) < a.FailTimes) {
		a.created = append(a.created, req)
		return nil, a.CreateErr
	}
	a.created = append(a.created, req)
	a.seq++
	id := fmt.Sprintf("%s_%s_%d", a.gw, kind, a.seq)
	out := &gateway.Checkout{PaymentID: id, URL: "https://" + string(a.gw) + ".test/" + id}
	if kind == "sub" && a.RemoteSubscriptions {
		out.SubscriptionID = id + "_remote"
	}
	return out, nil
}

func (a *Adapter) CancelSubscription(_ context.Context, _ domain.GatewayAccount, remoteSubscriptionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = append(a.cancelled, remoteSubscriptionID)
	return a.CancelErr
}

func (a *Adapter) VerifyWebhookSignature(req gateway.WebhookRequest, secret string) bool {
	return secret != "" && req.Header.Get("X-Test-Secret") == secret
}

func (a *Adapter) ParseWebhook(_ context.Context, req gateway.WebhookRequest) (*gateway.Event, error) {
	if a.ParseErr != nil {
		return nil, a.ParseErr
	}
	parts := strings.Split(string(req.Payload), "|")
	if len(parts) != 5 {
		return nil, domain.NewValidationError("payload", "expected 5 fields")
	}
	ev := &gateway.Event{
		ID:                "evt_" + parts[0] + "_" + parts[4],
		Type:              "payment",
		ChargeID:          parts[0],
		CheckoutID:        parts[1],
		ExternalReference: parts[2],
		SubscriptionID:    parts[3],
		RawStatus:         parts[4],
	}
	if ev.RawStatus == "IGNORE" {
		ev.Ignored = true
		ev.IgnoreReason = "test"
	}
	return ev, nil
}

func (a *Adapter) MapStatus(raw string) domain.TransactionStatus {
	switch raw {
	case "PAID":
		return domain.TransactionStatusConfirmed
	case "WAITING":
		return domain.TransactionStatusPending
	case "FAILED":
		return domain.TransactionStatusFailed
	case "REFUNDED":
		return domain.TransactionStatusRefunded
	}
	return domain.TransactionStatusUnknown
}

// Created возвращает копию всех запросов на создание
func (a *Adapter) Created() []gateway.PaymentRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]gateway.PaymentRequest(nil), a.created...)
}

// Cancelled возвращает id отмененных подписок
func (a *Adapter) Cancelled() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancelled...)
}

// Payload собирает тело вебхука для ParseWebhook
func Payload(chargeID, checkoutID, externalRef, subscriptionID, status string) []byte {
	return []byte(strings.Join([]string{chargeID, checkoutID, externalRef, subscriptionID, status}, "|"))
}
