package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/artisanmarket/marketplace/internal/blob"
	"github.com/artisanmarket/marketplace/internal/domain"
	"github.com/artisanmarket/marketplace/internal/storage/memory"
	"github.com/artisanmarket/marketplace/internal/storage/postgres"
)

// runtimeDependencies — хранилища, выбранные конфигурацией.
type runtimeDependencies struct {
	tx              domain.Transactor
	products        domain.ProductRepository
	orders          domain.OrderRepository
	media           domain.MediaRepository
	outboxRepo      domain.OutboxRepository
	auditRepo       domain.AuditRepository
	idempotencyRepo domain.IdempotencyRepository
	blobs           blob.Store

	// ping проверяет базу данных; nil для memory.
	ping    func(ctx context.Context) error
	closers []func() error
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			logger.WithError(err).Warn("failed to close dependency")
		}
	}
}

// initRuntimeDependencies открывает хранилища, применяет миграции и сиды каталога.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{}

	switch cfg.StorageDriver {
	case StorageDriverMemory:
		store := memory.NewStore()
		deps.tx = store
		deps.products = store.Products()
		deps.orders = store.Orders()
		deps.outboxRepo = store.Outbox()
		deps.media = memory.NewMediaRepository()
		deps.auditRepo = memory.NewAuditRepository()
		deps.idempotencyRepo = memory.NewIdempotencyRepository()
		logger.Info("using in-memory storage")

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres storage requires MARKET_POSTGRES_DSN")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, store.Close)

		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx); err != nil {
				deps.close(logger)
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}

		deps.tx = store
		deps.products = postgres.NewProductRepository(store)
		deps.orders = postgres.NewOrderRepository(store)
		deps.outboxRepo = postgres.NewOutboxRepository(store)
		deps.media = postgres.NewMediaRepository(store)
		deps.auditRepo = postgres.NewAuditRepository(store)
		deps.idempotencyRepo = postgres.NewIdempotencyRepository(store)
		deps.ping = store.Ping
		logger.Info("using postgres storage")

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	blobs, err := initBlobStore(cfg, logger)
	if err != nil {
		deps.close(logger)
		return nil, err
	}
	deps.blobs = blobs

	if cfg.CatalogSeed != "" {
		count, err := seedCatalog(ctx, cfg.CatalogSeed, deps.products)
		if err != nil {
			deps.close(logger)
			return nil, err
		}
		logger.WithFields(log.Fields{"products": count, "path": cfg.CatalogSeed}).Info("catalog seeded")
	}

	return deps, nil
}

func initBlobStore(cfg Config, logger *log.Entry) (blob.Store, error) {
	switch cfg.BlobDriver {
	case BlobDriverMemory:
		return blob.NewMemory(), nil
	case BlobDriverLocal:
		return blob.NewLocalFS(cfg.BlobRoot, logger.WithField("component", "blob-local"))
	default:
		return nil, fmt.Errorf("unsupported blob driver %q", cfg.BlobDriver)
	}
}

// seedCatalog загружает JSON-массив товаров и сохраняет каждый через Upsert.
func seedCatalog(ctx context.Context, path string, products domain.ProductRepository) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read catalog seed: %w", err)
	}

	var items []domain.Product
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0, fmt.Errorf("decode catalog seed: %w", err)
	}

	for i, product := range items {
		if product.ID <= 0 {
			return i, fmt.Errorf("catalog seed item %d: id must be positive", i)
		}
		if product.StockQuantity < 0 || product.Price.IsNegative() {
			return i, fmt.Errorf("catalog seed product %d: negative price or stock", product.ID)
		}
		if err := products.Upsert(ctx, product); err != nil {
			return i, fmt.Errorf("upsert product %d: %w", product.ID, err)
		}
	}
	return len(items), nil
}
