package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/artisanmarket/marketplace/internal/domain"
)

const productColumns = `id, name, price, stock_quantity, category, image_url, weaver_id, weaver_name`

type productRepository struct {
	db *sql.DB
}

// NewProductRepository создаёт PostgreSQL-реализацию ProductRepository.
func NewProductRepository(store *Store) domain.ProductRepository {
	return &productRepository{db: store.DB()}
}

func (r *productRepository) Get(ctx context.Context, id int64) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	product, err := scanProduct(r.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, err
	}
	return product, nil
}

func (r *productRepository) Upsert(ctx context.Context, p domain.Product) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			stock_quantity = EXCLUDED.stock_quantity,
			category = EXCLUDED.category,
			image_url = EXCLUDED.image_url,
			weaver_id = EXCLUDED.weaver_id,
			weaver_name = EXCLUDED.weaver_name,
			updated_at = NOW()
	`, p.ID, p.Name, p.Price, p.StockQuantity, p.Category, p.ImageURL, p.WeaverID, p.WeaverName)
	if err != nil {
		return fmt.Errorf("upsert product %d: %w", p.ID, err)
	}
	return nil
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.StockQuantity, &p.Category, &p.ImageURL, &p.WeaverID, &p.WeaverName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, err
		}
		return domain.Product{}, fmt.Errorf("scan product: %w", err)
	}
	return p, nil
}

var _ domain.ProductRepository = (*productRepository)(nil)
