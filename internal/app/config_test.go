package app

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":50051", cfg.GRPCAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, StorageDriverMemory, cfg.StorageDriver)
	assert.Equal(t, MediaQueuePoll, cfg.MediaQueueDriver)
	assert.True(t, cfg.PostgresAutoMigrate)
	assert.True(t, cfg.TaxRate.Equal(decimal.RequireFromString("0.12")))
	assert.Equal(t, int64(10<<20), cfg.MediaMaxUploadBytes)
	assert.Equal(t, 2*time.Minute, cfg.OptimizerJobTimeout)
	assert.Equal(t, 4, cfg.OptimizerWorkers)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Empty(t, cfg.KafkaBrokers)

	require.NoError(t, cfg.Validate())
}

func TestDefaultConfig_ShippingRates(t *testing.T) {
	rates := DefaultConfig().ShippingRates()

	assert.Equal(t, []string{"express", "premium", "standard"}, rates.Methods())
	fee, ok := rates.Fee("standard")
	require.True(t, ok)
	assert.True(t, fee.Equal(decimal.RequireFromString("150")))
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("MARKET_HTTP_ADDR", "127.0.0.1:8181")
	t.Setenv("MARKET_TAX_RATE", "0.2")
	t.Setenv("MARKET_SHIPPING_EXPRESS", "275.50")
	t.Setenv("MARKET_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("MARKET_MEDIA_QUEUE_DRIVER", "kafka")
	t.Setenv("MARKET_OPTIMIZER_JOB_TIMEOUT", "45s")
	t.Setenv("MARKET_POSTGRES_AUTO_MIGRATE", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8181", cfg.HTTPAddr)
	assert.True(t, cfg.TaxRate.Equal(decimal.RequireFromString("0.2")))
	assert.True(t, cfg.ShippingExpress.Equal(decimal.RequireFromString("275.5")))
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, MediaQueueKafka, cfg.MediaQueueDriver)
	assert.Equal(t, 45*time.Second, cfg.OptimizerJobTimeout)
	assert.False(t, cfg.PostgresAutoMigrate)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_BadValue(t *testing.T) {
	t.Setenv("MARKET_TAX_RATE", "twelve percent")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mut     func(c *Config)
		wantErr string
	}{
		{name: "unknown storage", mut: func(c *Config) { c.StorageDriver = "sqlite" }, wantErr: "unsupported storage driver"},
		{name: "postgres without dsn", mut: func(c *Config) { c.StorageDriver = StorageDriverPostgres }, wantErr: "MARKET_POSTGRES_DSN"},
		{name: "unknown blob driver", mut: func(c *Config) { c.BlobDriver = "s3" }, wantErr: "unsupported blob driver"},
		{name: "kafka without brokers", mut: func(c *Config) { c.MediaQueueDriver = MediaQueueKafka }, wantErr: "MARKET_KAFKA_BROKERS"},
		{name: "amqp without url", mut: func(c *Config) { c.MediaQueueDriver = MediaQueueAMQP }, wantErr: "MARKET_AMQP_URL"},
		{name: "unknown queue", mut: func(c *Config) { c.MediaQueueDriver = "sqs" }, wantErr: "unsupported media queue driver"},
		{name: "tax rate too high", mut: func(c *Config) { c.TaxRate = decimal.NewFromInt(1) }, wantErr: "tax rate"},
		{name: "negative shipping", mut: func(c *Config) { c.ShippingPremium = decimal.NewFromInt(-1) }, wantErr: "shipping fee for premium"},
		{name: "bad log level", mut: func(c *Config) { c.LogLevel = "loud" }, wantErr: "log level"},
		{name: "no workers", mut: func(c *Config) { c.OptimizerWorkers = 0 }, wantErr: "optimizer workers"},
		{name: "no upload size", mut: func(c *Config) { c.MediaMaxUploadBytes = 0 }, wantErr: "max upload"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mut(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
