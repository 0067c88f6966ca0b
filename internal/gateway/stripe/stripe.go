// Package stripe адаптер Stripe Checkout с Connect: комиссия платформы удерживается
// через application fee, остаток переводится на подключенный аккаунт создателя.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/gateway"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"

	stripego "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// SignatureHeader заголовок с HMAC-подписью события
const SignatureHeader = "Stripe-Signature"

// SignatureTolerance допустимый возраст подписи
const SignatureTolerance = 5 * time.Minute

const (
	metadataTransactionIDKey  = "transaction_id"
	metadataSubscriptionIDKey = "subscription_id"
)

// Config параметры подключения к Stripe
type Config struct {
	APIKey     string
	SuccessURL string
	CancelURL  string
	// BackendURL переопределяет адрес API (используется в тестах)
	BackendURL string
	Timeout    time.Duration
}

// Adapter реализует gateway.Adapter поверх stripe-go
type Adapter struct {
	api        *client.API
	successURL string
	cancelURL  string
	log        *logger.Logger
}

// New создает адаптер Stripe
func New(cfg Config, log *logger.Logger) *Adapter {
	backendCfg := &stripego.BackendConfig{
		MaxNetworkRetries: stripego.Int64(0),
		LeveledLogger:     &stripego.LeveledLogger{Level: stripego.LevelWarn},
	}
	if cfg.Timeout > 0 {
		backendCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.BackendURL != "" {
		backendCfg.URL = stripego.String(cfg.BackendURL)
	}
	backend := stripego.GetBackendWithConfig(stripego.APIBackend, backendCfg)

	sc := &client.API{}
	sc.Init(cfg.APIKey, &stripego.Backends{API: backend, Connect: backend, Uploads: backend})

	return &Adapter{
		api:        sc,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		log:        log.Named("stripe"),
	}
}

func (a *Adapter) Gateway() domain.Gateway { return domain.GatewayStripe }

func (a *Adapter) CreatePaymentLink(ctx context.Context, req gateway.PaymentRequest) (*gateway.Checkout, error) {
	if req.Account.SplitDestination == "" {
		return nil, domain.NewValidationError("stripe_account_id", "creator has no connected Stripe account")
	}

	params := a.sessionParams(ctx, req, stripego.CheckoutSessionModePayment)
	params.PaymentIntentData = &stripego.CheckoutSessionPaymentIntentDataParams{
		ApplicationFeeAmount: stripego.Int64(req.Split.PlatformFee),
		TransferData: &stripego.CheckoutSessionPaymentIntentDataTransferDataParams{
			Destination: stripego.String(req.Account.SplitDestination),
		},
		Metadata: a.metadata(req),
	}
	return a.createSession(params, req, "create_payment_link")
}

func (a *Adapter) CreateSubscription(ctx context.Context, req gateway.PaymentRequest) (*gateway.Checkout, error) {
	if req.Account.SplitDestination == "" {
		return nil, domain.NewValidationError("stripe_account_id", "creator has no connected Stripe account")
	}
	if req.Plan.DurationDays <= 0 || req.Plan.DurationDays > 365 {
		return nil, domain.NewValidationError("duration_days", "stripe recurring interval must be within 1..365 days")
	}

	params := a.sessionParams(ctx, req, stripego.CheckoutSessionModeSubscription)
	params.SubscriptionData = &stripego.CheckoutSessionSubscriptionDataParams{
		ApplicationFeePercent: stripego.Float64(req.FeePercent),
		TransferData: &stripego.CheckoutSessionSubscriptionDataTransferDataParams{
			Destination: stripego.String(req.Account.SplitDestination),
		},
		Metadata: a.metadata(req),
	}
	return a.createSession(params, req, "create_subscription")
}

func (a *Adapter) sessionParams(ctx context.Context, req gateway.PaymentRequest, mode stripego.CheckoutSessionMode) *stripego.CheckoutSessionParams {
	lineItem := &stripego.CheckoutSessionLineItemParams{Quantity: stripego.Int64(1)}
	if req.Plan.GatewayPriceID != "" {
		lineItem.Price = stripego.String(req.Plan.GatewayPriceID)
	} else {
		lineItem.PriceData = &stripego.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripego.String(strings.ToLower(req.Plan.Currency)),
			UnitAmount: stripego.Int64(req.Split.Gross),
			ProductData: &stripego.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripego.String(req.Plan.Name),
			},
		}
		if mode == stripego.CheckoutSessionModeSubscription {
			lineItem.PriceData.Recurring = &stripego.CheckoutSessionLineItemPriceDataRecurringParams{
				Interval:      stripego.String(string(stripego.PriceRecurringIntervalDay)),
				IntervalCount: stripego.Int64(int64(req.Plan.DurationDays)),
			}
		}
	}

	successURL := req.SuccessURL
	if successURL == "" {
		successURL = a.successURL
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = a.cancelURL
	}

	params := &stripego.CheckoutSessionParams{
		Mode:              stripego.String(string(mode)),
		LineItems:         []*stripego.CheckoutSessionLineItemParams{lineItem},
		ClientReferenceID: stripego.String(req.TransactionID.String()),
		Params: stripego.Params{
			Context:        ctx,
			IdempotencyKey: stripego.String(req.IdempotencyKey()),
		},
	}
	if successURL != "" {
		params.SuccessURL = stripego.String(successURL)
	}
	if cancelURL != "" {
		params.CancelURL = stripego.String(cancelURL)
	}
	if req.BuyerEmail != "" {
		params.CustomerEmail = stripego.String(req.BuyerEmail)
	}
	for k, v := range a.metadata(req) {
		params.AddMetadata(k, v)
	}
	return params
}

func (a *Adapter) metadata(req gateway.PaymentRequest) map[string]string {
	return map[string]string{
		metadataTransactionIDKey:  req.TransactionID.String(),
		metadataSubscriptionIDKey: req.SubscriptionID.String(),
	}
}

func (a *Adapter) createSession(params *stripego.CheckoutSessionParams, req gateway.PaymentRequest, op string) (*gateway.Checkout, error) {
	sess, err := a.api.CheckoutSessions.New(params)
	if err != nil {
		logStripeError(a.log, op, err)
		return nil, toGatewayError(op, err)
	}

	a.log.Infow("Stripe checkout session created", "sessionID", sess.ID, "transactionID", req.TransactionID, "mode", string(sess.Mode))
	co := &gateway.Checkout{PaymentID: sess.ID, URL: sess.URL}
	if sess.Subscription != nil {
		co.SubscriptionID = sess.Subscription.ID
	}
	return co, nil
}

// CancelSubscription отменяет подписку немедленно
func (a *Adapter) CancelSubscription(ctx context.Context, _ domain.GatewayAccount, remoteSubscriptionID string) error {
	if remoteSubscriptionID == "" {
		return nil
	}
	params := &stripego.SubscriptionCancelParams{
		Params: stripego.Params{Context: ctx},
	}

	_, err := a.api.Subscriptions.Cancel(remoteSubscriptionID, params)
	if err != nil {
		var stripeErr *stripego.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripego.ErrorCodeResourceMissing {
			a.log.Warnw("Attempted to cancel already canceled/missing Stripe subscription", "stripeSubscriptionID", remoteSubscriptionID)
			return nil
		}
		logStripeError(a.log, "cancel_subscription", err)
		return toGatewayError("cancel_subscription", err)
	}

	a.log.Infow("Stripe subscription canceled", "stripeSubscriptionID", remoteSubscriptionID)
	return nil
}

// VerifyWebhookSignature проверяет HMAC-SHA256 подпись с меткой времени.
// Сравнение подписи внутри stripe-go выполняется за постоянное время.
func (a *Adapter) VerifyWebhookSignature(req gateway.WebhookRequest, secret string) bool {
	if secret == "" {
		return false
	}
	err := webhook.ValidatePayloadWithTolerance(req.Payload, req.Header.Get(SignatureHeader), secret, SignatureTolerance)
	if err != nil {
		a.log.Debugw("Stripe signature rejected", "error", err)
		return false
	}
	return true
}

func (a *Adapter) ParseWebhook(_ context.Context, req gateway.WebhookRequest) (*gateway.Event, error) {
	var event stripego.Event
	if err := json.Unmarshal(req.Payload, &event); err != nil {
		return nil, domain.NewValidationError("payload", "invalid stripe event: "+err.Error())
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, domain.NewValidationError("payload", "stripe event has no data object")
	}

	ev := &gateway.Event{
		ID:         event.ID,
		Type:       string(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
	}

	var err error
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
		err = parseCheckoutSession(event, ev)
	case "invoice.paid", "invoice.payment_failed":
		err = parseInvoice(event, ev)
	case "charge.refunded":
		err = parseCharge(event, ev)
	case "charge.dispute.created":
		err = parseDispute(event, ev)
	default:
		ev.Ignored = true
		ev.IgnoreReason = "unhandled event type"
	}
	if err != nil {
		return nil, domain.NewValidationError("payload", fmt.Sprintf("invalid %s object: %v", event.Type, err))
	}
	return ev, nil
}

func parseCheckoutSession(event stripego.Event, ev *gateway.Event) error {
	var sess stripego.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return err
	}

	ev.CheckoutID = sess.ID
	ev.ExternalReference = sess.ClientReferenceID
	ev.AmountCents = sess.AmountTotal
	ev.PaymentMethod = domain.PaymentMethodCreditCard
	if sess.Subscription != nil {
		ev.SubscriptionID = sess.Subscription.ID
	}
	switch {
	case sess.Invoice != nil && sess.Invoice.ID != "":
		ev.ChargeID = sess.Invoice.ID
	case sess.PaymentIntent != nil:
		ev.ChargeID = sess.PaymentIntent.ID
	}

	switch event.Type {
	case "checkout.session.async_payment_succeeded":
		ev.RawStatus = "paid"
	case "checkout.session.async_payment_failed":
		ev.RawStatus = "async_payment_failed"
	case "checkout.session.expired":
		ev.RawStatus = "expired"
	default:
		ev.RawStatus = string(sess.PaymentStatus)
	}
	return nil
}

func parseInvoice(event stripego.Event, ev *gateway.Event) error {
	var inv stripego.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return err
	}
	// Первый счет подписки подтверждается событием checkout.session.completed
	if inv.BillingReason == stripego.InvoiceBillingReasonSubscriptionCreate {
		ev.Ignored = true
		ev.IgnoreReason = "first invoice is confirmed by checkout session"
		return nil
	}

	ev.ChargeID = inv.ID
	ev.AmountCents = inv.AmountPaid
	ev.PaymentMethod = domain.PaymentMethodCreditCard
	if inv.Subscription != nil {
		ev.SubscriptionID = inv.Subscription.ID
	}
	if event.Type == "invoice.paid" {
		ev.RawStatus = "paid"
	} else {
		ev.RawStatus = "payment_failed"
	}
	return nil
}

func parseCharge(event stripego.Event, ev *gateway.Event) error {
	var ch stripego.Charge
	if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
		return err
	}
	ev.ChargeID = chargeIdentity(ch.Invoice, ch.PaymentIntent)
	ev.AmountCents = ch.AmountRefunded
	if ch.Refunded {
		ev.RawStatus = "refunded"
	} else {
		ev.RawStatus = "partially_refunded"
	}
	return nil
}

func parseDispute(event stripego.Event, ev *gateway.Event) error {
	var d stripego.Dispute
	if err := json.Unmarshal(event.Data.Raw, &d); err != nil {
		return err
	}
	var inv *stripego.Invoice
	if d.Charge != nil {
		inv = d.Charge.Invoice
	}
	ev.ChargeID = chargeIdentity(inv, d.PaymentIntent)
	ev.AmountCents = d.Amount
	ev.RawStatus = "disputed"
	return nil
}

// chargeIdentity id счета для подписок, id PaymentIntent для разовых оплат
func chargeIdentity(inv *stripego.Invoice, pi *stripego.PaymentIntent) string {
	if inv != nil && inv.ID != "" {
		return inv.ID
	}
	if pi != nil {
		return pi.ID
	}
	return ""
}

var statusTable = map[string]domain.TransactionStatus{
	"paid":                 domain.TransactionStatusConfirmed,
	"no_payment_required":  domain.TransactionStatusConfirmed,
	"unpaid":               domain.TransactionStatusPending,
	"open":                 domain.TransactionStatusPending,
	"draft":                domain.TransactionStatusPending,
	"async_payment_failed": domain.TransactionStatusFailed,
	"payment_failed":       domain.TransactionStatusFailed,
	"uncollectible":        domain.TransactionStatusFailed,
	"void":                 domain.TransactionStatusFailed,
	"expired":              domain.TransactionStatusFailed,
	"refunded":             domain.TransactionStatusRefunded,
	"disputed":             domain.TransactionStatusRefunded,
}

func (a *Adapter) MapStatus(raw string) domain.TransactionStatus {
	if s, ok := statusTable[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return domain.TransactionStatusUnknown
}

func toGatewayError(op string, err error) error {
	status := 0
	var stripeErr *stripego.Error
	if errors.As(err, &stripeErr) {
		status = stripeErr.HTTPStatusCode
		if stripeErr.Type == stripego.ErrorTypeInvalidRequest && stripeErr.HTTPStatusCode == http.StatusBadRequest {
			return domain.NewGatewayError(domain.GatewayStripe, op, status, false, err)
		}
	}
	return domain.NewGatewayError(domain.GatewayStripe, op, status, isRetryableStripeError(err), err)
}

// isRetryableStripeError проверяет, является ли ошибка Stripe подходящей для повторной попытки
func isRetryableStripeError(err error) bool {
	var stripeErr *stripego.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusTooManyRequests {
			return true
		}
		if stripeErr.Type == "api_connection_error" {
			return true
		}
		return stripeErr.HTTPStatusCode >= 500 && stripeErr.HTTPStatusCode != http.StatusNotImplemented
	}
	// Ошибки транспорта и таймауты
	return !errors.Is(err, context.Canceled)
}

// logStripeError - вспомогательная функция для логирования деталей ошибки Stripe.
func logStripeError(log *logger.Logger, operation string, err error) {
	var stripeErr *stripego.Error
	if errors.As(err, &stripeErr) {
		log.Errorw("Stripe API error",
			"operation", operation,
			"type", string(stripeErr.Type),
			"code", string(stripeErr.Code),
			"param", stripeErr.Param,
			"message", stripeErr.Msg,
			"request_id", stripeErr.RequestID,
			"status_code", stripeErr.HTTPStatusCode,
		)
		return
	}
	log.Errorw("Non-Stripe error during Stripe operation", "operation", operation, "error", err)
}
