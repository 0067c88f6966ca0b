package app

import (
	"testing"
	"time"

	"github.com/Dhoini/channel-subscriptions/internal/config"
	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGatewayRegistry(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want []domain.Gateway
	}{
		{
			name: "nothing configured",
			want: []domain.Gateway{},
		},
		{
			name: "asaas and mercadopago",
			cfg: config.Config{
				Asaas:       config.AsaasConfig{APIURL: "http://asaas.test", APIKey: "key"},
				MercadoPago: config.MercadoPagoConfig{APIURL: "http://mp.test", AccessToken: "token"},
			},
			want: []domain.Gateway{domain.GatewayAsaas, domain.GatewayMercadoPago},
		},
		{
			name: "all three",
			cfg: config.Config{
				Asaas:       config.AsaasConfig{APIKey: "key"},
				Stripe:      config.StripeConfig{APIKey: "sk_test"},
				MercadoPago: config.MercadoPagoConfig{AccessToken: "token"},
			},
			want: []domain.Gateway{domain.GatewayAsaas, domain.GatewayMercadoPago, domain.GatewayStripe},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, err := newGatewayRegistry(&tt.cfg, logger.NewNop())
			require.NoError(t, err)
			assert.Equal(t, tt.want, registry.Enabled())
		})
	}
}

func TestJobs(t *testing.T) {
	a := &App{Config: &config.Config{Sweeper: config.SweeperConfig{
		ExpireInterval: 15 * time.Minute,
		ReminderHour:   10,
		Timezone:       "America/Sao_Paulo",
	}}}

	jobs, err := a.Jobs()
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "expire", jobs[0].Name)
	assert.True(t, jobs[0].RunAtStart)
	from := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, from.Add(15*time.Minute), jobs[0].Schedule.Next(from))

	assert.Equal(t, "remind", jobs[1].Name)
	assert.False(t, jobs[1].RunAtStart)
	loc, _ := time.LoadLocation("America/Sao_Paulo")
	next := jobs[1].Schedule.Next(from).In(loc)
	assert.Equal(t, 10, next.Hour())
	assert.True(t, next.After(from))

	a.Config.Sweeper.Timezone = "Mars/Olympus"
	_, err = a.Jobs()
	assert.Error(t, err)
}
