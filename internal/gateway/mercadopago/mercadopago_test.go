package mercadopago

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/internal/gateway"
	"github.com/Dhoini/channel-subscriptions/internal/split"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIURL: srv.URL, AccessToken: "platform_token", WebhookToken: "hook_token", Timeout: 2 * time.Second}, logger.NewNop())
}

func paymentRequest() gateway.PaymentRequest {
	s, _ := split.Calculate(10000, 10)
	return gateway.PaymentRequest{
		TransactionID: uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		Plan:          domain.Plan{ID: uuid.New(), Name: "VIP", PriceCents: 10000, Currency: "brl", DurationDays: 30},
		Account:       domain.GatewayAccount{Gateway: domain.GatewayMercadoPago, Credential: "creator_token"},
		Split:         s,
		WebhookURL:    "https://pay.test/api/v1/webhooks/mercadopago",
		BuyerEmail:    "buyer@example.com",
	}
}

func TestCreatePaymentLink_MarketplaceFee(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/checkout/preferences", r.URL.Path)
		assert.Equal(t, "Bearer creator_token", r.Header.Get("Authorization"))

		var body preferenceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 10.0, body.MarketplaceFee)
		require.Len(t, body.Items, 1)
		assert.Equal(t, 100.0, body.Items[0].UnitPrice)
		assert.Equal(t, "BRL", body.Items[0].CurrencyID)
		assert.Equal(t, "11111111-1111-1111-1111-111111111111", body.ExternalReference)
		assert.Equal(t, "https://pay.test/api/v1/webhooks/mercadopago?token=hook_token", body.NotificationURL)

		_ = json.NewEncoder(w).Encode(createdResponse{ID: "pref_1", InitPoint: "https://mp.test/init/pref_1"})
	})

	co, err := a.CreatePaymentLink(context.Background(), paymentRequest())
	require.NoError(t, err)
	assert.Equal(t, "pref_1", co.PaymentID)
	assert.Equal(t, "https://mp.test/init/pref_1", co.URL)
}

func TestCreateSubscription_RequiresEmail(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/preapproval", r.URL.Path)
		var body preapprovalRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 30, body.AutoRecurring.Frequency)
		assert.Equal(t, "days", body.AutoRecurring.FrequencyType)
		_ = json.NewEncoder(w).Encode(createdResponse{ID: "pre_1", InitPoint: "https://mp.test/pre_1"})
	})

	co, err := a.CreateSubscription(context.Background(), paymentRequest())
	require.NoError(t, err)
	assert.Equal(t, "pre_1", co.PaymentID)
	assert.Equal(t, "pre_1", co.SubscriptionID)

	req := paymentRequest()
	req.BuyerEmail = ""
	_, err = a.CreateSubscription(context.Background(), req)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestVerifyWebhookSignature(t *testing.T) {
	a := New(Config{}, logger.NewNop())
	assert.True(t, a.VerifyWebhookSignature(gateway.WebhookRequest{Query: url.Values{"token": {"hook_token"}}}, "hook_token"))
	assert.False(t, a.VerifyWebhookSignature(gateway.WebhookRequest{Query: url.Values{"token": {"nope"}}}, "hook_token"))
	assert.False(t, a.VerifyWebhookSignature(gateway.WebhookRequest{Query: url.Values{}}, "hook_token"))
}

func TestParseWebhook_FetchesPayment(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/987", r.URL.Path)
		assert.Equal(t, "Bearer platform_token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":987,"status":"approved","external_reference":"tx-1","transaction_amount":100,"payment_type_id":"bank_transfer"}`))
	})

	payload := []byte(`{"id":123,"type":"payment","action":"payment.updated","data":{"id":"987"}}`)
	ev, err := a.ParseWebhook(context.Background(), gateway.WebhookRequest{Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "123", ev.ID)
	assert.Equal(t, "987", ev.ChargeID)
	assert.Equal(t, "tx-1", ev.ExternalReference)
	assert.Equal(t, int64(10000), ev.AmountCents)
	assert.Equal(t, domain.PaymentMethodPix, ev.PaymentMethod)
	assert.Equal(t, domain.TransactionStatusConfirmed, a.MapStatus(ev.RawStatus))
}

func TestParseWebhook_AuthorizedPayment(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/authorized_payments/555", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":555,"preapproval_id":"pre_1","external_reference":"tx-1","transaction_amount":100,"payment":{"id":42,"status":"approved"}}`))
	})

	payload := []byte(`{"id":"n1","type":"subscription_authorized_payment","data":{"id":555}}`)
	ev, err := a.ParseWebhook(context.Background(), gateway.WebhookRequest{Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "42", ev.ChargeID)
	assert.Equal(t, "pre_1", ev.SubscriptionID)
}

func TestParseWebhook_FetchFailureIsRetryable(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := a.ParseWebhook(context.Background(), gateway.WebhookRequest{Payload: []byte(`{"type":"payment","data":{"id":"1"}}`)})
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}

func TestParseWebhook_IgnoresOtherTypes(t *testing.T) {
	a := New(Config{}, logger.NewNop())
	ev, err := a.ParseWebhook(context.Background(), gateway.WebhookRequest{Payload: []byte(`{"type":"plan","data":{"id":"1"}}`)})
	require.NoError(t, err)
	assert.True(t, ev.Ignored)
}

func TestMapStatus(t *testing.T) {
	a := New(Config{}, logger.NewNop())
	assert.Equal(t, domain.TransactionStatusConfirmed, a.MapStatus("approved"))
	assert.Equal(t, domain.TransactionStatusPending, a.MapStatus("in_process"))
	assert.Equal(t, domain.TransactionStatusFailed, a.MapStatus("rejected"))
	assert.Equal(t, domain.TransactionStatusRefunded, a.MapStatus("charged_back"))
	assert.Equal(t, domain.TransactionStatusUnknown, a.MapStatus("mystery"))
}
