package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"checkout-service/internal/models"
)

// CatalogSeeder accepts catalog rows from a seed file
type CatalogSeeder interface {
	SeedProducts(ctx context.Context, products []models.Product) error
}

// LoadCatalog reads a JSON array of products and validates every row
func LoadCatalog(path string) ([]models.Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var products []models.Product
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	seen := make(map[int64]bool, len(products))
	for i, p := range products {
		switch {
		case p.ID <= 0:
			return nil, fmt.Errorf("catalog row %d: id must be positive", i)
		case seen[p.ID]:
			return nil, fmt.Errorf("catalog row %d: duplicate id %d", i, p.ID)
		case p.Price.IsNegative():
			return nil, fmt.Errorf("catalog row %d: negative price", i)
		case p.Stock < 0:
			return nil, fmt.Errorf("catalog row %d: negative stock", i)
		case p.DiscountPercent < 0 || p.DiscountPercent > 100:
			return nil, fmt.Errorf("catalog row %d: discount_percent out of range", i)
		}
		seen[p.ID] = true
	}
	return products, nil
}

// SeedProducts upserts catalog rows
func (s *Store) SeedProducts(ctx context.Context, products []models.Product) error {
	for i := range products {
		if err := s.UpsertProduct(ctx, &products[i]); err != nil {
			return fmt.Errorf("failed to seed product %d: %w", products[i].ID, err)
		}
	}
	return nil
}
