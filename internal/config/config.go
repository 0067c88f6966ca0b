package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Asaas       AsaasConfig       `mapstructure:"asaas"`
	Stripe      StripeConfig      `mapstructure:"stripe"`
	MercadoPago MercadoPagoConfig `mapstructure:"mercadopago"`
	Billing     BillingConfig     `mapstructure:"billing"`
	Sweeper     SweeperConfig     `mapstructure:"sweeper"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Auth        AuthConfig        `mapstructure:"auth"`
}

type AppConfig struct {
	Port            string        `mapstructure:"port"`
	Env             string        `mapstructure:"env"`
	LogLevel        string        `mapstructure:"log_level"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig конфигурация базы данных. DSN имеет приоритет над отдельными полями.
type DatabaseConfig struct {
	DSN            string `mapstructure:"dsn"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Name           string `mapstructure:"name"`
	SSLMode        string `mapstructure:"sslmode"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

// ConnString возвращает строку подключения к PostgreSQL
func (c DatabaseConfig) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	AccessTopic    string   `mapstructure:"access_topic"`    // команды менеджеру доступа к каналу
	LifecycleTopic string   `mapstructure:"lifecycle_topic"` // события жизненного цикла подписки
}

type AsaasConfig struct {
	APIURL       string `mapstructure:"api_url"`
	APIKey       string `mapstructure:"api_key"`
	WebhookToken string `mapstructure:"webhook_token"`
}

type StripeConfig struct {
	APIKey        string `mapstructure:"api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	SuccessURL    string `mapstructure:"success_url"`
	CancelURL     string `mapstructure:"cancel_url"`
}

type MercadoPagoConfig struct {
	APIURL       string `mapstructure:"api_url"`
	AccessToken  string `mapstructure:"access_token"`
	WebhookToken string `mapstructure:"webhook_token"`
}

// BillingConfig параметры оплаты
type BillingConfig struct {
	PlatformFeePercent  float64       `mapstructure:"platform_fee_percent"`
	CheckoutReuseWindow time.Duration `mapstructure:"checkout_reuse_window"`
	CheckoutLockTTL     time.Duration `mapstructure:"checkout_lock_ttl"`  // время жизни блокировки (plan, buyer)
	CheckoutLockWait    time.Duration `mapstructure:"checkout_lock_wait"` // ожидание чужой блокировки
	APIBaseURL          string        `mapstructure:"api_base_url"`
	GatewayTimeout      time.Duration `mapstructure:"gateway_timeout"`
	GatewayRetryBudget  time.Duration `mapstructure:"gateway_retry_budget"`
}

// SweeperConfig расписание фоновых проходов
type SweeperConfig struct {
	ExpireInterval time.Duration `mapstructure:"expire_interval"`
	ReminderHour   int           `mapstructure:"reminder_hour"`
	Timezone       string        `mapstructure:"timezone"`
	ReminderWindow time.Duration `mapstructure:"reminder_window"`
	BatchSize      int           `mapstructure:"batch_size"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
}

type NotifyConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	RetryBudget time.Duration `mapstructure:"retry_budget"`
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
}

type GRPCConfig struct {
	Port string `mapstructure:"port"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// IsProduction сообщает, запущено ли приложение в production
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.read_timeout", 10*time.Second)
	v.SetDefault("app.write_timeout", 60*time.Second)
	v.SetDefault("app.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "subscriptions")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", time.Minute)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.access_topic", "channel_access_commands")
	v.SetDefault("kafka.lifecycle_topic", "subscription_lifecycle")

	v.SetDefault("asaas.api_url", "https://sandbox.asaas.com/api/v3")
	v.SetDefault("mercadopago.api_url", "https://api.mercadopago.com")

	v.SetDefault("billing.platform_fee_percent", 10.0)
	v.SetDefault("billing.checkout_reuse_window", 10*time.Minute)
	v.SetDefault("billing.checkout_lock_ttl", time.Minute)
	v.SetDefault("billing.checkout_lock_wait", 5*time.Second)
	v.SetDefault("billing.api_base_url", "http://localhost:8080")
	v.SetDefault("billing.gateway_timeout", 15*time.Second)
	v.SetDefault("billing.gateway_retry_budget", 30*time.Second)

	v.SetDefault("sweeper.expire_interval", time.Hour)
	v.SetDefault("sweeper.reminder_hour", 10)
	v.SetDefault("sweeper.timezone", "America/Sao_Paulo")
	v.SetDefault("sweeper.reminder_window", 72*time.Hour)
	v.SetDefault("sweeper.batch_size", 200)
	v.SetDefault("sweeper.lease_ttl", 10*time.Minute)

	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.retry_budget", 2*time.Minute)
	v.SetDefault("notify.workers", 4)
	v.SetDefault("notify.queue_size", 1024)

	v.SetDefault("grpc.port", "9090")
}

// LoadConfig загружает конфигурацию из файла и переменных окружения.
// Переменные окружения имеют приоритет: billing.platform_fee_percent -> BILLING_PLATFORM_FEE_PERCENT.
func LoadConfig(path string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		// .env необязателен
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindEnv регистрирует ключи без значения по умолчанию, чтобы AutomaticEnv их увидел при Unmarshal
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"database.dsn",
		"redis.password",
		"asaas.api_key", "asaas.webhook_token",
		"stripe.api_key", "stripe.webhook_secret", "stripe.success_url", "stripe.cancel_url",
		"mercadopago.access_token", "mercadopago.webhook_token",
		"auth.jwt_secret",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	if c.Billing.PlatformFeePercent < 0 || c.Billing.PlatformFeePercent > 100 {
		return fmt.Errorf("billing.platform_fee_percent must be within [0, 100], got %v", c.Billing.PlatformFeePercent)
	}
	if c.Billing.CheckoutReuseWindow < 0 {
		return errors.New("billing.checkout_reuse_window must not be negative")
	}
	// блокировка должна пережить все повторы вызова провайдера, иначе повторный запрос создаст вторую оплату
	gatewayWorstCase := c.Billing.GatewayRetryBudget + c.Billing.GatewayTimeout
	if c.Billing.CheckoutLockTTL <= gatewayWorstCase {
		return fmt.Errorf("billing.checkout_lock_ttl (%s) must exceed gateway_retry_budget + gateway_timeout (%s)",
			c.Billing.CheckoutLockTTL, gatewayWorstCase)
	}
	if c.App.WriteTimeout > 0 && c.App.WriteTimeout <= c.Billing.CheckoutLockWait+gatewayWorstCase {
		return fmt.Errorf("app.write_timeout (%s) must exceed checkout_lock_wait + gateway_retry_budget + gateway_timeout (%s)",
			c.App.WriteTimeout, c.Billing.CheckoutLockWait+gatewayWorstCase)
	}
	if c.Sweeper.ReminderHour < 0 || c.Sweeper.ReminderHour > 23 {
		return fmt.Errorf("sweeper.reminder_hour must be within [0, 23], got %d", c.Sweeper.ReminderHour)
	}
	if c.Sweeper.BatchSize <= 0 {
		return errors.New("sweeper.batch_size must be positive")
	}
	if _, err := time.LoadLocation(c.Sweeper.Timezone); err != nil {
		return fmt.Errorf("sweeper.timezone: %w", err)
	}
	if c.IsProduction() {
		if c.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is required in production")
		}
		if c.Stripe.APIKey != "" && c.Stripe.WebhookSecret == "" {
			return errors.New("stripe.webhook_secret is required when stripe is enabled")
		}
		if c.Asaas.APIKey != "" && c.Asaas.WebhookToken == "" {
			return errors.New("asaas.webhook_token is required when asaas is enabled")
		}
		if c.MercadoPago.AccessToken != "" && c.MercadoPago.WebhookToken == "" {
			return errors.New("mercadopago.webhook_token is required when mercadopago is enabled")
		}
	}
	return nil
}

// WebhookURL адрес, который передается провайдеру для обратных вызовов
func (c *Config) WebhookURL(gateway string) string {
	return strings.TrimRight(c.Billing.APIBaseURL, "/") + "/api/v1/webhooks/" + gateway
}
