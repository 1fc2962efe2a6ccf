package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/artisanmarket/marketplace/internal/domain"
)

// EnvPrefix — префикс переменных окружения сервиса.
const EnvPrefix = "MARKET_"

// Драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Драйверы blob-хранилища.
const (
	BlobDriverLocal  = "local"
	BlobDriverMemory = "memory"
)

// Транспорты заданий оптимизации.
const (
	MediaQueuePoll  = "poll"
	MediaQueueKafka = "kafka"
	MediaQueueAMQP  = "amqp"
)

// Config — настройки процесса. Читается из MARKET_* переменных окружения.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr        string        `env:"GRPC_ADDR" envDefault:":50051"`
	MetricsAddr     string        `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	StorageDriver       string `env:"STORAGE_DRIVER" envDefault:"memory"`
	PostgresDSN         string `env:"POSTGRES_DSN"`
	PostgresAutoMigrate bool   `env:"POSTGRES_AUTO_MIGRATE" envDefault:"true"`
	CatalogSeed         string `env:"CATALOG_SEED"`

	BlobDriver string `env:"BLOB_DRIVER" envDefault:"local"`
	BlobRoot   string `env:"BLOB_ROOT" envDefault:"./var/blobs"`

	TaxRate          decimal.Decimal `env:"TAX_RATE" envDefault:"0.12"`
	ShippingStandard decimal.Decimal `env:"SHIPPING_STANDARD" envDefault:"150"`
	ShippingExpress  decimal.Decimal `env:"SHIPPING_EXPRESS" envDefault:"300"`
	ShippingPremium  decimal.Decimal `env:"SHIPPING_PREMIUM" envDefault:"500"`

	MediaMaxUploadBytes int64  `env:"MEDIA_MAX_UPLOAD_BYTES" envDefault:"10485760"`
	MediaPrefix         string `env:"MEDIA_PREFIX" envDefault:"media"`
	MediaQueueDriver    string `env:"MEDIA_QUEUE_DRIVER" envDefault:"poll"`

	OptimizerWorkers      int           `env:"OPTIMIZER_WORKERS" envDefault:"4"`
	OptimizerQueueSize    int           `env:"OPTIMIZER_QUEUE_SIZE" envDefault:"256"`
	OptimizerJobTimeout   time.Duration `env:"OPTIMIZER_JOB_TIMEOUT" envDefault:"2m"`
	OptimizerPollInterval time.Duration `env:"OPTIMIZER_POLL_INTERVAL" envDefault:"5s"`
	OptimizerPollBatch    int           `env:"OPTIMIZER_POLL_BATCH" envDefault:"100"`
	OptimizerReapGrace    time.Duration `env:"OPTIMIZER_REAP_GRACE" envDefault:"30s"`

	KafkaBrokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"marketplace-optimizer"`
	KafkaOrderTopic    string   `env:"KAFKA_ORDER_TOPIC" envDefault:"market.order.events"`
	KafkaMediaTopic    string   `env:"KAFKA_MEDIA_TOPIC" envDefault:"market.media.optimize"`
	KafkaMaxRetries    int      `env:"KAFKA_MAX_RETRIES" envDefault:"3"`

	AMQPURL      string `env:"AMQP_URL"`
	AMQPPrefetch int    `env:"AMQP_PREFETCH" envDefault:"16"`

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	OutboxMaxAttempts  int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"5"`
	OutboxRetryDelay   time.Duration `env:"OUTBOX_RETRY_DELAY" envDefault:"200ms"`

	IdempotencyTTL              time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	IdempotencyCleanupInterval  time.Duration `env:"IDEMPOTENCY_CLEANUP_INTERVAL" envDefault:"10m"`
	IdempotencyCleanupBatchSize int           `env:"IDEMPOTENCY_CLEANUP_BATCH_SIZE" envDefault:"500"`
}

// DefaultConfig возвращает значения по умолчанию без чтения окружения.
func DefaultConfig() Config {
	cfg, err := parseConfig(map[string]string{})
	if err != nil {
		panic(fmt.Sprintf("invalid config defaults: %v", err))
	}
	return cfg
}

// LoadConfig читает конфигурацию из окружения процесса.
func LoadConfig() (Config, error) {
	return parseConfig(nil)
}

func parseConfig(environment map[string]string) (Config, error) {
	var cfg Config
	opts := env.Options{Prefix: EnvPrefix}
	if environment != nil {
		opts.Environment = environment
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// ShippingRates собирает таблицу тарифов доставки.
func (c Config) ShippingRates() domain.ShippingRates {
	return domain.ShippingRates{
		"standard": c.ShippingStandard,
		"express":  c.ShippingExpress,
		"premium":  c.ShippingPremium,
	}
}

// Level разбирает LOG_LEVEL.
func (c Config) Level() (log.Level, error) {
	return log.ParseLevel(strings.TrimSpace(c.LogLevel))
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	if _, err := c.Level(); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres storage requires MARKET_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	switch c.BlobDriver {
	case BlobDriverMemory:
	case BlobDriverLocal:
		if strings.TrimSpace(c.BlobRoot) == "" {
			errs = append(errs, errors.New("local blob storage requires MARKET_BLOB_ROOT"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported blob driver %q", c.BlobDriver))
	}

	switch c.MediaQueueDriver {
	case MediaQueuePoll:
	case MediaQueueKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("kafka media queue requires MARKET_KAFKA_BROKERS"))
		}
	case MediaQueueAMQP:
		if strings.TrimSpace(c.AMQPURL) == "" {
			errs = append(errs, errors.New("amqp media queue requires MARKET_AMQP_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported media queue driver %q", c.MediaQueueDriver))
	}

	if c.TaxRate.IsNegative() || c.TaxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("tax rate %s must be in [0, 1)", c.TaxRate))
	}
	for method, fee := range c.ShippingRates() {
		if fee.IsNegative() {
			errs = append(errs, fmt.Errorf("shipping fee for %s must not be negative", method))
		}
	}

	if c.MediaMaxUploadBytes <= 0 {
		errs = append(errs, errors.New("media max upload bytes must be positive"))
	}
	if c.OptimizerWorkers <= 0 || c.OptimizerQueueSize <= 0 {
		errs = append(errs, errors.New("optimizer workers and queue size must be positive"))
	}
	if c.OptimizerJobTimeout <= 0 || c.OptimizerPollInterval <= 0 {
		errs = append(errs, errors.New("optimizer job timeout and poll interval must be positive"))
	}
	if c.OutboxPollInterval <= 0 || c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox poll interval, batch size and max attempts must be positive"))
	}
	if c.IdempotencyTTL <= 0 || c.IdempotencyCleanupInterval <= 0 {
		errs = append(errs, errors.New("idempotency ttl and cleanup interval must be positive"))
	}

	return errors.Join(errs...)
}
