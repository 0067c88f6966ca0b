package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
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

const testSecret = "whsec_test_secret"

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "sk_test_123", BackendURL: srv.URL, SuccessURL: "https://bot.test/ok"}, logger.NewNop())
}

func paymentRequest() gateway.PaymentRequest {
	s, _ := split.Calculate(10000, 10)
	return gateway.PaymentRequest{
		TransactionID:  uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		SubscriptionID: uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		Plan:           domain.Plan{Name: "VIP", PriceCents: 10000, Currency: "BRL", DurationDays: 30},
		Account:        domain.GatewayAccount{Gateway: domain.GatewayStripe, SplitDestination: "acct_creator"},
		Split:          s,
		FeePercent:     10,
	}
}

func sign(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts.Unix(), payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestCreatePaymentLink_DestinationCharge(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "checkout-11111111-1111-1111-1111-111111111111", r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "payment", r.PostForm.Get("mode"))
		assert.Equal(t, "1000", r.PostForm.Get("payment_intent_data[application_fee_amount]"))
		assert.Equal(t, "acct_creator", r.PostForm.Get("payment_intent_data[transfer_data][destination]"))
		assert.Equal(t, "10000", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
		assert.Equal(t, "brl", r.PostForm.Get("line_items[0][price_data][currency]"))
		assert.Equal(t, "11111111-1111-1111-1111-111111111111", r.PostForm.Get("client_reference_id"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_1","object":"checkout.session","mode":"payment","url":"https://checkout.stripe.test/cs_test_1"}`))
	})

	co, err := a.CreatePaymentLink(context.Background(), paymentRequest())
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", co.PaymentID)
	assert.Equal(t, "https://checkout.stripe.test/cs_test_1", co.URL)
}

func TestCreateSubscription_RecurringInterval(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "subscription", r.PostForm.Get("mode"))
		assert.Equal(t, "day", r.PostForm.Get("line_items[0][price_data][recurring][interval]"))
		assert.Equal(t, "30", r.PostForm.Get("line_items[0][price_data][recurring][interval_count]"))
		fee, err := strconv.ParseFloat(r.PostForm.Get("subscription_data[application_fee_percent]"), 64)
		require.NoError(t, err)
		assert.Equal(t, 10.0, fee)
		assert.Equal(t, "acct_creator", r.PostForm.Get("subscription_data[transfer_data][destination]"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_2","object":"checkout.session","mode":"subscription","url":"https://checkout.stripe.test/cs_test_2"}`))
	})

	co, err := a.CreateSubscription(context.Background(), paymentRequest())
	require.NoError(t, err)
	assert.Equal(t, "cs_test_2", co.PaymentID)
}

func TestCreatePaymentLink_RateLimitIsRetryable(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Too many requests"}}`))
	})

	_, err := a.CreatePaymentLink(context.Background(), paymentRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrGateway))
	assert.True(t, domain.IsRetryable(err))
}

func TestCancelSubscription_ResourceMissingIsSuccess(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/subscriptions/sub_1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such subscription"}}`))
	})
	assert.NoError(t, a.CancelSubscription(context.Background(), domain.GatewayAccount{}, "sub_1"))
}

func TestVerifyWebhookSignature(t *testing.T) {
	a := New(Config{APIKey: "sk_test"}, logger.NewNop())
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)

	valid := http.Header{}
	valid.Set(SignatureHeader, sign(payload, testSecret, time.Now()))
	assert.True(t, a.VerifyWebhookSignature(gateway.WebhookRequest{Payload: payload, Header: valid}, testSecret))

	assert.False(t, a.VerifyWebhookSignature(gateway.WebhookRequest{Payload: payload, Header: valid}, "whsec_other"))

	tampered := append([]byte{}, payload...)
	tampered[len(tampered)-2] = 'X'
	assert.False(t, a.VerifyWebhookSignature(gateway.WebhookRequest{Payload: tampered, Header: valid}, testSecret))

	stale := http.Header{}
	stale.Set(SignatureHeader, sign(payload, testSecret, time.Now().Add(-time.Hour)))
	assert.False(t, a.VerifyWebhookSignature(gateway.WebhookRequest{Payload: payload, Header: stale}, testSecret))

	assert.False(t, a.VerifyWebhookSignature(gateway.WebhookRequest{Payload: payload, Header: http.Header{}}, testSecret))
}

func TestParseWebhook_CheckoutSessionCompleted(t *testing.T) {
	a := New(Config{APIKey: "sk_test"}, logger.NewNop())
	payload := []byte(`{
		"id": "evt_1",
		"object": "event",
		"type": "checkout.session.completed",
		"created": 1704103200,
		"data": {"object": {
			"id": "cs_test_1",
			"object": "checkout.session",
			"mode": "payment",
			"payment_status": "paid",
			"payment_intent": "pi_1",
			"client_reference_id": "tx-1",
			"amount_total": 10000
		}}
	}`)

	ev, err := a.ParseWebhook(context.Background(), gateway.WebhookRequest{Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, "cs_test_1", ev.CheckoutID)
	assert.Equal(t, "pi_1", ev.ChargeID)
	assert.Equal(t, "tx-1", ev.ExternalReference)
	assert.Equal(t, int64(10000), ev.AmountCents)
	assert.Equal(t, domain.TransactionStatusConfirmed, a.MapStatus(ev.RawStatus))
}

func TestParseWebhook_SubscriptionRenewalAndRefund(t *testing.T) {
	a := New(Config{APIKey: "sk_test"}, logger.NewNop())

	renewal := []byte(`{"id":"evt_2","type":"invoice.paid","data":{"object":{
		"id":"in_2","object":"invoice","billing_reason":"subscription_cycle","subscription":"sub_1","amount_paid":10000}}}`)
	ev, err := a.ParseWebhook(context.Background(), gateway.WebhookRequest{Payload: renewal})
	require.NoError(t, err)
	assert.False(t, ev.Ignored)
	assert.Equal(t, "in_2", ev.ChargeID)
	assert.Equal(t, "sub_1", ev.SubscriptionID)
	assert.Equal(t, domain.TransactionStatusConfirmed, a.MapStatus(ev.RawStatus))

	first := []byte(`{"id":"evt_3","type":"invoice.paid","data":{"object":{
		"id":"in_1","object":"invoice","billing_reason":"subscription_create","subscription":"sub_1"}}}`)
	ev, err = a.ParseWebhook(context.Background(), gateway.WebhookRequest{Payload: first})
	require.NoError(t, err)
	assert.True(t, ev.Ignored)

	refund := []byte(`{"id":"evt_4","type":"charge.refunded","data":{"object":{
		"id":"ch_1","object":"charge","refunded":true,"payment_intent":"pi_1","amount_refunded":10000}}}`)
	ev, err = a.ParseWebhook(context.Background(), gateway.WebhookRequest{Payload: refund})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", ev.ChargeID)
	assert.Equal(t, domain.TransactionStatusRefunded, a.MapStatus(ev.RawStatus))

	other := []byte(`{"id":"evt_5","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`)
	ev, err = a.ParseWebhook(context.Background(), gateway.WebhookRequest{Payload: other})
	require.NoError(t, err)
	assert.True(t, ev.Ignored)
}

func TestMapStatus_Unknown(t *testing.T) {
	a := New(Config{APIKey: "sk_test"}, logger.NewNop())
	assert.Equal(t, domain.TransactionStatusUnknown, a.MapStatus("partially_refunded"))
	assert.Equal(t, domain.TransactionStatusUnknown, a.MapStatus(""))
	assert.Equal(t, domain.TransactionStatusPending, a.MapStatus("unpaid"))
	assert.Equal(t, domain.TransactionStatusFailed, a.MapStatus("expired"))
}
