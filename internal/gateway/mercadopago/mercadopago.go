// Package mercadopago адаптер Mercado Pago: Checkout Pro для разовых оплат
// с marketplace_fee и preapproval для рекуррентных.
package mercadopago

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/gateway"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
)

// TokenParam параметр запроса, в котором передается токен вебхука
const TokenParam = "token"

// Config параметры подключения к Mercado Pago
type Config struct {
	APIURL       string
	AccessToken  string // токен платформы, используется для чтения платежей из уведомлений
	WebhookToken string
	Timeout      time.Duration
}

// Adapter реализует gateway.Adapter для Mercado Pago
type Adapter struct {
	client       *gateway.HTTPClient
	accessToken  string
	webhookToken string
	log          *logger.Logger
}

// New создает адаптер Mercado Pago
func New(cfg Config, log *logger.Logger) *Adapter {
	return &Adapter{
		client:       gateway.NewHTTPClient(domain.GatewayMercadoPago, cfg.APIURL, cfg.Timeout, log),
		accessToken:  cfg.AccessToken,
		webhookToken: cfg.WebhookToken,
		log:          log.Named("mercadopago"),
	}
}

func (a *Adapter) Gateway() domain.Gateway { return domain.GatewayMercadoPago }

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

type preferenceItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

type preferenceRequest struct {
	Items             []preferenceItem  `json:"items"`
	ExternalReference string            `json:"external_reference"`
	NotificationURL   string            `json:"notification_url,omitempty"`
	MarketplaceFee    float64           `json:"marketplace_fee"`
	BackURLs          map[string]string `json:"back_urls,omitempty"`
	AutoReturn        string            `json:"auto_return,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type createdResponse struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

// CreatePaymentLink создает предпочтение от имени создателя.
// Доля платформы удерживается через marketplace_fee.
func (a *Adapter) CreatePaymentLink(ctx context.Context, req gateway.PaymentRequest) (*gateway.Checkout, error) {
	if req.Account.Credential == "" {
		return nil, domain.NewValidationError("mercadopago_credential", "creator has no Mercado Pago access token")
	}

	body := preferenceRequest{
		Items: []preferenceItem{{
			ID:         req.Plan.ID.String(),
			Title:      req.Plan.Name,
			Quantity:   1,
			UnitPrice:  gateway.CentsToAmount(req.Split.Gross),
			CurrencyID: strings.ToUpper(req.Plan.Currency),
		}},
		ExternalReference: req.TransactionID.String(),
		NotificationURL:   a.notificationURL(req.WebhookURL),
		MarketplaceFee:    gateway.CentsToAmount(req.Split.PlatformFee),
		Metadata:          map[string]string{"subscription_id": req.SubscriptionID.String()},
	}
	if req.SuccessURL != "" {
		body.BackURLs = map[string]string{"success": req.SuccessURL}
		body.AutoReturn = "approved"
	}

	var resp createdResponse
	if err := a.client.Do(ctx, "create_payment_link", http.MethodPost, "/checkout/preferences", bearer(req.Account.Credential), body, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" || resp.InitPoint == "" {
		return nil, domain.NewGatewayError(domain.GatewayMercadoPago, "create_payment_link", http.StatusOK, false, fmt.Errorf("empty preference in response"))
	}

	a.log.Infow("Mercado Pago preference created", "preferenceID", resp.ID, "transactionID", req.TransactionID)
	return &gateway.Checkout{PaymentID: resp.ID, URL: resp.InitPoint}, nil
}

type autoRecurring struct {
	Frequency         int     `json:"frequency"`
	FrequencyType     string  `json:"frequency_type"`
	TransactionAmount float64 `json:"transaction_amount"`
	CurrencyID        string  `json:"currency_id"`
}

type preapprovalRequest struct {
	Reason            string        `json:"reason"`
	ExternalReference string        `json:"external_reference"`
	PayerEmail        string        `json:"payer_email"`
	BackURL           string        `json:"back_url,omitempty"`
	AutoRecurring     autoRecurring `json:"auto_recurring"`
	Status            string        `json:"status,omitempty"`
}

// CreateSubscription создает preapproval. Mercado Pago требует e-mail плательщика.
func (a *Adapter) CreateSubscription(ctx context.Context, req gateway.PaymentRequest) (*gateway.Checkout, error) {
	if req.Account.Credential == "" {
		return nil, domain.NewValidationError("mercadopago_credential", "creator has no Mercado Pago access token")
	}
	if req.BuyerEmail == "" {
		return nil, domain.NewValidationError("buyer_email", "required for Mercado Pago subscriptions")
	}
	if req.Plan.DurationDays <= 0 {
		return nil, domain.NewValidationError("duration_days", "recurring plan must have a positive duration")
	}

	body := preapprovalRequest{
		Reason:            req.Plan.Name,
		ExternalReference: req.TransactionID.String(),
		PayerEmail:        req.BuyerEmail,
		BackURL:           req.SuccessURL,
		AutoRecurring: autoRecurring{
			Frequency:         req.Plan.DurationDays,
			FrequencyType:     "days",
			TransactionAmount: gateway.CentsToAmount(req.Split.Gross),
			CurrencyID:        strings.ToUpper(req.Plan.Currency),
		},
		Status: "pending",
	}

	var resp createdResponse
	if err := a.client.Do(ctx, "create_subscription", http.MethodPost, "/preapproval", bearer(req.Account.Credential), body, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" || resp.InitPoint == "" {
		return nil, domain.NewGatewayError(domain.GatewayMercadoPago, "create_subscription", http.StatusOK, false, fmt.Errorf("empty preapproval in response"))
	}

	a.log.Infow("Mercado Pago preapproval created", "preapprovalID", resp.ID, "transactionID", req.TransactionID)
	return &gateway.Checkout{PaymentID: resp.ID, SubscriptionID: resp.ID, URL: resp.InitPoint}, nil
}

func (a *Adapter) CancelSubscription(ctx context.Context, account domain.GatewayAccount, remoteSubscriptionID string) error {
	if remoteSubscriptionID == "" {
		return nil
	}
	token := account.Credential
	if token == "" {
		token = a.accessToken
	}
	err := a.client.Do(ctx, "cancel_subscription", http.MethodPut, "/preapproval/"+url.PathEscape(remoteSubscriptionID),
		bearer(token), map[string]string{"status": "cancelled"}, nil)
	if gateway.IsNotFound(err) {
		a.log.Warnw("Attempted to cancel missing Mercado Pago preapproval", "preapprovalID", remoteSubscriptionID)
		return nil
	}
	return err
}

func (a *Adapter) notificationURL(base string) string {
	if base == "" {
		return ""
	}
	if a.webhookToken == "" {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + TokenParam + "=" + url.QueryEscape(a.webhookToken)
}

// VerifyWebhookSignature сравнивает токен из строки запроса за постоянное время
func (a *Adapter) VerifyWebhookSignature(req gateway.WebhookRequest, secret string) bool {
	if secret == "" {
		return false
	}
	got := req.Query.Get(TokenParam)
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

// flexibleID принимает id как строку или число
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

type notification struct {
	ID          flexibleID `json:"id"`
	Type        string     `json:"type"`
	Action      string     `json:"action"`
	DateCreated string     `json:"date_created"`
	Data        struct {
		ID flexibleID `json:"id"`
	} `json:"data"`
}

type paymentResource struct {
	ID                flexibleID `json:"id"`
	Status            string     `json:"status"`
	ExternalReference string     `json:"external_reference"`
	TransactionAmount float64    `json:"transaction_amount"`
	PaymentTypeID     string     `json:"payment_type_id"`
	Metadata          struct {
		PreapprovalID string `json:"preapproval_id"`
	} `json:"metadata"`
}

type authorizedPaymentResource struct {
	ID                flexibleID `json:"id"`
	PreapprovalID     string     `json:"preapproval_id"`
	ExternalReference string     `json:"external_reference"`
	TransactionAmount float64    `json:"transaction_amount"`
	Payment           struct {
		ID     flexibleID `json:"id"`
		Status string     `json:"status"`
	} `json:"payment"`
}

// ParseWebhook уведомление содержит только ссылку, поэтому ресурс дочитывается из API
func (a *Adapter) ParseWebhook(ctx context.Context, req gateway.WebhookRequest) (*gateway.Event, error) {
	var n notification
	if err := json.Unmarshal(req.Payload, &n); err != nil {
		return nil, domain.NewValidationError("payload", "invalid mercadopago notification: "+err.Error())
	}

	ev := &gateway.Event{ID: string(n.ID), Type: n.Type}
	if t, err := time.Parse(time.RFC3339, n.DateCreated); err == nil {
		ev.OccurredAt = t
	}
	if n.Data.ID == "" {
		ev.Ignored = true
		ev.IgnoreReason = "notification without resource id"
		return ev, nil
	}

	switch n.Type {
	case "payment":
		var p paymentResource
		if err := a.client.Do(ctx, "get_payment", http.MethodGet, "/v1/payments/"+url.PathEscape(string(n.Data.ID)), bearer(a.accessToken), nil, &p); err != nil {
			return nil, err
		}
		ev.ChargeID = string(p.ID)
		ev.ExternalReference = p.ExternalReference
		ev.SubscriptionID = p.Metadata.PreapprovalID
		ev.RawStatus = p.Status
		ev.AmountCents = gateway.AmountToCents(p.TransactionAmount)
		ev.PaymentMethod = paymentMethod(p.PaymentTypeID)
	case "subscription_authorized_payment":
		var ap authorizedPaymentResource
		if err := a.client.Do(ctx, "get_authorized_payment", http.MethodGet, "/authorized_payments/"+url.PathEscape(string(n.Data.ID)), bearer(a.accessToken), nil, &ap); err != nil {
			return nil, err
		}
		if ap.Payment.ID == "" {
			ev.Ignored = true
			ev.IgnoreReason = "authorized payment has not been charged yet"
			return ev, nil
		}
		ev.ChargeID = string(ap.Payment.ID)
		ev.ExternalReference = ap.ExternalReference
		ev.SubscriptionID = ap.PreapprovalID
		ev.RawStatus = ap.Payment.Status
		ev.AmountCents = gateway.AmountToCents(ap.TransactionAmount)
		ev.PaymentMethod = domain.PaymentMethodCreditCard
	default:
		ev.Ignored = true
		ev.IgnoreReason = "unhandled notification type"
	}
	return ev, nil
}

func paymentMethod(paymentTypeID string) domain.PaymentMethod {
	switch paymentTypeID {
	case "bank_transfer", "pix":
		return domain.PaymentMethodPix
	case "ticket":
		return domain.PaymentMethodBoleto
	case "credit_card", "debit_card":
		return domain.PaymentMethodCreditCard
	}
	return domain.PaymentMethodUndefined
}

var statusTable = map[string]domain.TransactionStatus{
	"approved":     domain.TransactionStatusConfirmed,
	"pending":      domain.TransactionStatusPending,
	"in_process":   domain.TransactionStatusPending,
	"authorized":   domain.TransactionStatusPending,
	"in_mediation": domain.TransactionStatusPending,
	"rejected":     domain.TransactionStatusFailed,
	"cancelled":    domain.TransactionStatusFailed,
	"refunded":     domain.TransactionStatusRefunded,
	"charged_back": domain.TransactionStatusRefunded,
}

func (a *Adapter) MapStatus(raw string) domain.TransactionStatus {
	if s, ok := statusTable[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return domain.TransactionStatusUnknown
}
