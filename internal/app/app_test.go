package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segyhp/settlement-engine/internal/config"
	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/events"
	"github.com/segyhp/settlement-engine/internal/gateway"
	"github.com/segyhp/settlement-engine/internal/logger"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Port: "8080", Env: "test"},
		Database: config.DatabaseConfig{Driver: "memory"},
		Kafka:    config.KafkaConfig{Topic: "payment-events"},
		Gateway: config.GatewayConfig{
			Driver:      "sandbox",
			Provider:    "sandbox",
			Timeout:     5 * time.Second,
			Destination: "merchant-settlement",
			SandboxMode: gateway.SandboxSync,
		},
		Callback: config.CallbackConfig{Secret: "secret"},
		Scheduler: config.SchedulerConfig{
			Timezone:          "UTC",
			BatchSize:         50,
			Workers:           2,
			LeaseTTL:          time.Minute,
			ProcessingTimeout: 24 * time.Hour,
		},
		Business: config.BusinessConfig{
			Currency:               "IDR",
			CurrencyPrecision:      2,
			AllowedTerms:           "12,24",
			DefaultGraceDays:       7,
			MaxRetries:             3,
			RetryInitialDelay:      time.Minute,
			RetryBackoffMultiplier: 2,
			RetryMaxDelay:          24 * time.Hour,
			IdempotencyTTL:         time.Hour,
			EscalationDays:         30,
			DefaultAfterDays:       90,
			ReminderDays:           3,
			ScheduledMethod:        domain.MethodBankTransfer,
		},
	}
}

func TestNew_MemoryStoreWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.Redis.URL = "redis://" + mr.Addr() + "/0"

	a, err := New(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Nil(t, a.DB)
	require.NotNil(t, a.Redis)
	assert.IsType(t, &gateway.Sandbox{}, a.Gateway)
	assert.IsType(t, &events.LogPublisher{}, a.Publisher)

	ctx := context.Background()
	created, err := a.Billing.CreatePlan(ctx, &domain.CreatePlanRequest{
		OwnerID:    "owner-1",
		VehicleID:  "vehicle-1",
		Price:      decimal.NewFromInt(1200),
		Deposit:    decimal.Zero,
		TermMonths: 12,
		Frequency:  domain.FrequencyMonthly,
	})
	require.NoError(t, err)

	paid, err := a.Executor.SubmitPayment(ctx, &domain.SubmitPaymentRequest{
		PlanID:         created.Plan.ID,
		OwnerID:        "owner-1",
		Amount:         created.Plan.InstallmentAmount,
		Method:         domain.MethodCard,
		IdempotencyKey: "app-wiring",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, paid.Payment.Status)

	published, err := a.Orchestrator.RelayOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, published)

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNew_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := memoryConfig()
	cfg.Redis.URL = "redis://" + addr

	_, err := New(context.Background(), cfg, logger.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")
}

func TestNewRedis(t *testing.T) {
	client, err := NewRedis(config.RedisConfig{})
	require.NoError(t, err)
	assert.Nil(t, client)

	client, err = NewRedis(config.RedisConfig{Host: "cache", Port: "6380", DB: 2})
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, "cache:6380", client.Options().Addr)
	assert.Equal(t, 2, client.Options().DB)
	_ = client.Close()

	_, err = NewRedis(config.RedisConfig{URL: "://nope"})
	assert.Error(t, err)
}

func TestNewGatewayAndPublisher(t *testing.T) {
	cfg := memoryConfig()

	assert.IsType(t, &gateway.Sandbox{}, NewGateway(cfg.Gateway))

	cfg.Gateway.Driver = "http"
	cfg.Gateway.BaseURL = "http://gateway.local"
	assert.IsType(t, &gateway.HTTPGateway{}, NewGateway(cfg.Gateway))

	assert.IsType(t, &events.LogPublisher{}, NewPublisher(cfg, logger.Discard()))

	cfg.Kafka.Brokers = "kafka-1:9092, kafka-2:9092"
	pub := NewPublisher(cfg, logger.Discard())
	assert.IsType(t, &events.KafkaPublisher{}, pub)
	_ = pub.Close()
}
