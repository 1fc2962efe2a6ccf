package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artisanmarket/marketplace/internal/storage/memory"
)

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlobDriver = BlobDriverLocal
	cfg.BlobRoot = t.TempDir()
	cfg.CatalogSeed = writeSeed(t, `[{"id": 7, "name": "Suzani", "price": "250.00", "stock_quantity": 4}]`)

	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "memory-storage"))
	require.NoError(t, err)
	defer deps.close(log.WithField("test", "memory-storage"))

	assert.NotNil(t, deps.tx)
	assert.NotNil(t, deps.orders)
	assert.NotNil(t, deps.media)
	assert.NotNil(t, deps.outboxRepo)
	assert.NotNil(t, deps.auditRepo)
	assert.NotNil(t, deps.idempotencyRepo)
	assert.Nil(t, deps.ping)
	require.NoError(t, deps.blobs.Probe(context.Background()))

	product, err := deps.products.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "Suzani", product.Name)
	assert.Equal(t, 4, product.StockQuantity)
}

func TestInitRuntimeDependencies_Errors(t *testing.T) {
	logger := log.WithField("test", "storage-errors")

	tests := []struct {
		name string
		mut  func(c *Config)
	}{
		{name: "postgres without dsn", mut: func(c *Config) { c.StorageDriver = StorageDriverPostgres }},
		{name: "unsupported driver", mut: func(c *Config) { c.StorageDriver = "sqlite" }},
		{name: "unsupported blob driver", mut: func(c *Config) { c.BlobDriver = "s3" }},
		{name: "missing seed file", mut: func(c *Config) { c.CatalogSeed = filepath.Join(t.TempDir(), "absent.json") }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.BlobDriver = BlobDriverMemory
			tc.mut(&cfg)

			_, err := initRuntimeDependencies(context.Background(), cfg, logger)
			require.Error(t, err)
		})
	}
}

func TestSeedCatalog_RejectsBadItems(t *testing.T) {
	ctx := context.Background()
	products := memory.NewStore().Products()

	_, err := seedCatalog(ctx, writeSeed(t, `{"id": 1}`), products)
	require.Error(t, err, "object instead of array")

	_, err = seedCatalog(ctx, writeSeed(t, `[{"id": 0, "name": "x", "price": "1"}]`), products)
	require.Error(t, err)

	count, err := seedCatalog(ctx, writeSeed(t, `[
		{"id": 1, "name": "Kilim", "price": "100", "stock_quantity": 5},
		{"id": 2, "name": "Bad", "price": "-1", "stock_quantity": 5}
	]`), products)
	require.Error(t, err)
	assert.Equal(t, 1, count)
}
