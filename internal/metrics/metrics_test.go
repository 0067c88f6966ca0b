package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	m.Checkout("asaas", "created")
	m.Checkout("asaas", "created")
	m.OrphanedCheckout("stripe")
	m.Webhook("asaas", "processed")
	m.Notification("grant", errors.New("down"))
	m.ObserveGatewayCall("asaas", "create_payment_link", nil, 120*time.Millisecond)

	count, err := testutil.GatherAndCount(registry,
		"subscriptions_checkouts_total",
		"subscriptions_orphaned_checkouts_total",
		"subscriptions_webhooks_total",
		"subscriptions_notifications_total",
		"subscriptions_gateway_call_duration_seconds",
	)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.Checkout("asaas", "created")
		m.SweepItem("expire", "ok")
		m.ObserveSweep("expire", time.Second)
	})
}

func TestNewRegistry_IncludesRuntimeCollectors(t *testing.T) {
	families, err := metrics.NewRegistry().Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "go_goroutines")
}
