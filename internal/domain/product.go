package domain

import "github.com/shopspring/decimal"

// Product — строка каталога. Каталогом управляет внешняя система,
// складской учёт владеет только полем StockQuantity.
type Product struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	StockQuantity int             `json:"stock_quantity"`
	Category      string          `json:"category,omitempty"`
	ImageURL      string          `json:"image_url,omitempty"`
	WeaverID      int64           `json:"weaver_id"`
	WeaverName    string          `json:"weaver_name,omitempty"`
}

// Snapshot фиксирует данные товара на момент покупки.
func (p Product) Snapshot() ProductSnapshot {
	return ProductSnapshot{
		Name:       p.Name,
		Image:      p.ImageURL,
		Category:   p.Category,
		SellerName: p.WeaverName,
	}
}
