// Package asaas адаптер Asaas: PIX, boleto и карты со split на кошелек создателя.
package asaas

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

// SignatureHeader заголовок, в котором Asaas передает токен вебхука
const SignatureHeader = "asaas-access-token"

const (
	chargeTypeDetached  = "DETACHED"
	chargeTypeRecurrent = "RECURRENT"
	dueDateLimitDays    = 3
)

// Config параметры подключения к Asaas
type Config struct {
	APIURL  string
	APIKey  string
	Timeout time.Duration
}

// Adapter реализует gateway.Adapter для Asaas
type Adapter struct {
	client *gateway.HTTPClient
	apiKey string
	log    *logger.Logger
}

// New создает адаптер Asaas
func New(cfg Config, log *logger.Logger) *Adapter {
	return &Adapter{
		client: gateway.NewHTTPClient(domain.GatewayAsaas, cfg.APIURL, cfg.Timeout, log),
		apiKey: cfg.APIKey,
		log:    log.Named("asaas"),
	}
}

func (a *Adapter) Gateway() domain.Gateway { return domain.GatewayAsaas }

type splitEntry struct {
	WalletID   string  `json:"walletId"`
	FixedValue float64 `json:"fixedValue"`
}

type paymentLinkRequest struct {
	Name              string       `json:"name"`
	Description       string       `json:"description,omitempty"`
	Value             float64      `json:"value"`
	BillingType       string       `json:"billingType"`
	ChargeType        string       `json:"chargeType"`
	SubscriptionCycle string       `json:"subscriptionCycle,omitempty"`
	DueDateLimitDays  int          `json:"dueDateLimitDays"`
	ExternalReference string       `json:"externalReference,omitempty"`
	NotificationOn    bool         `json:"notificationEnabled"`
	Split             []splitEntry `json:"split,omitempty"`
}

type paymentLinkResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{"access_token": a.apiKey, "User-Agent": "channel-subscriptions"}
}

func (a *Adapter) CreatePaymentLink(ctx context.Context, req gateway.PaymentRequest) (*gateway.Checkout, error) {
	return a.createLink(ctx, "create_payment_link", req, chargeTypeDetached, "")
}

func (a *Adapter) CreateSubscription(ctx context.Context, req gateway.PaymentRequest) (*gateway.Checkout, error) {
	cycle, err := subscriptionCycle(req.Plan.DurationDays)
	if err != nil {
		return nil, err
	}
	return a.createLink(ctx, "create_subscription", req, chargeTypeRecurrent, cycle)
}

func (a *Adapter) createLink(ctx context.Context, op string, req gateway.PaymentRequest, chargeType, cycle string) (*gateway.Checkout, error) {
	if req.Account.SplitDestination == "" {
		return nil, domain.NewValidationError("asaas_wallet_id", "creator has no Asaas wallet configured")
	}

	body := paymentLinkRequest{
		Name:              req.Plan.Name,
		Description:       req.Plan.Description,
		Value:             gateway.CentsToAmount(req.Split.Gross),
		BillingType:       "UNDEFINED",
		ChargeType:        chargeType,
		SubscriptionCycle: cycle,
		DueDateLimitDays:  dueDateLimitDays,
		ExternalReference: req.TransactionID.String(),
		Split: []splitEntry{{
			WalletID:   req.Account.SplitDestination,
			FixedValue: gateway.CentsToAmount(req.Split.CreatorNet),
		}},
	}

	var resp paymentLinkResponse
	if err := a.client.Do(ctx, op, http.MethodPost, "/paymentLinks", a.headers(), body, &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" || resp.URL == "" {
		return nil, domain.NewGatewayError(domain.GatewayAsaas, op, http.StatusOK, false, fmt.Errorf("empty payment link in response"))
	}

	a.log.Infow("Asaas payment link created", "paymentLinkID", resp.ID, "transactionID", req.TransactionID, "chargeType", chargeType)
	return &gateway.Checkout{PaymentID: resp.ID, URL: resp.URL}, nil
}

// subscriptionCycle переводит длительность плана в цикл Asaas
func subscriptionCycle(days int) (string, error) {
	switch days {
	case 7:
		return "WEEKLY", nil
	case 14:
		return "BIWEEKLY", nil
	case 30:
		return "MONTHLY", nil
	case 60:
		return "BIMONTHLY", nil
	case 90:
		return "QUARTERLY", nil
	case 180:
		return "SEMIANNUALLY", nil
	case 365:
		return "YEARLY", nil
	}
	return "", domain.NewValidationError("duration_days", fmt.Sprintf("asaas has no billing cycle of %d days", days))
}

func (a *Adapter) CancelSubscription(ctx context.Context, _ domain.GatewayAccount, remoteSubscriptionID string) error {
	if remoteSubscriptionID == "" {
		return nil
	}
	err := a.client.Do(ctx, "cancel_subscription", http.MethodDelete, "/subscriptions/"+url.PathEscape(remoteSubscriptionID), a.headers(), nil, nil)
	if gateway.IsNotFound(err) {
		a.log.Warnw("Attempted to cancel missing Asaas subscription", "remoteSubscriptionID", remoteSubscriptionID)
		return nil
	}
	return err
}

// VerifyWebhookSignature сравнивает токен из заголовка с общим секретом за постоянное время
func (a *Adapter) VerifyWebhookSignature(req gateway.WebhookRequest, secret string) bool {
	if secret == "" {
		return false
	}
	got := req.Header.Get(SignatureHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

type webhookPayload struct {
	ID          string          `json:"id"`
	Event       string          `json:"event"`
	DateCreated string          `json:"dateCreated"`
	Payment     *webhookPayment `json:"payment"`
}

type webhookPayment struct {
	ID                string  `json:"id"`
	Subscription      string  `json:"subscription"`
	PaymentLink       string  `json:"paymentLink"`
	Status            string  `json:"status"`
	Value             float64 `json:"value"`
	BillingType       string  `json:"billingType"`
	ExternalReference string  `json:"externalReference"`
}

func (a *Adapter) ParseWebhook(_ context.Context, req gateway.WebhookRequest) (*gateway.Event, error) {
	var p webhookPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, domain.NewValidationError("payload", "invalid asaas webhook payload: "+err.Error())
	}

	ev := &gateway.Event{ID: p.ID, Type: p.Event, OccurredAt: parseTime(p.DateCreated)}
	if p.Payment == nil || !strings.HasPrefix(p.Event, "PAYMENT_") {
		ev.Ignored = true
		ev.IgnoreReason = "not a payment event"
		return ev, nil
	}

	ev.ChargeID = p.Payment.ID
	ev.CheckoutID = p.Payment.PaymentLink
	ev.ExternalReference = p.Payment.ExternalReference
	ev.SubscriptionID = p.Payment.Subscription
	ev.RawStatus = p.Payment.Status
	ev.AmountCents = gateway.AmountToCents(p.Payment.Value)
	ev.PaymentMethod = paymentMethod(p.Payment.BillingType)
	return ev, nil
}

func parseTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func paymentMethod(billingType string) domain.PaymentMethod {
	switch billingType {
	case "PIX":
		return domain.PaymentMethodPix
	case "BOLETO":
		return domain.PaymentMethodBoleto
	case "CREDIT_CARD":
		return domain.PaymentMethodCreditCard
	}
	return domain.PaymentMethodUndefined
}

var statusTable = map[string]domain.TransactionStatus{
	"PENDING":                domain.TransactionStatusPending,
	"AWAITING_RISK_ANALYSIS": domain.TransactionStatusPending,
	"OVERDUE":                domain.TransactionStatusPending,
	"REFUND_IN_PROGRESS":     domain.TransactionStatusPending,
	"CONFIRMED":              domain.TransactionStatusConfirmed,
	"RECEIVED":               domain.TransactionStatusConfirmed,
	"RECEIVED_IN_CASH":       domain.TransactionStatusConfirmed,
	"DUNNING_RECEIVED":       domain.TransactionStatusConfirmed,
	"DELETED":                domain.TransactionStatusFailed,
	"DUNNING_REQUESTED":      domain.TransactionStatusFailed,
	"REFUNDED":               domain.TransactionStatusRefunded,
	"CHARGEBACK_REQUESTED":   domain.TransactionStatusRefunded,
	"CHARGEBACK_DISPUTE":     domain.TransactionStatusRefunded,
}

func (a *Adapter) MapStatus(raw string) domain.TransactionStatus {
	if s, ok := statusTable[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return s
	}
	return domain.TransactionStatusUnknown
}
