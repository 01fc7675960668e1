package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CatalogStore is the read-only catalog lookup used during SKU recovery
// and draft validation. No locking: lookups never mutate.
type CatalogStore struct{}

const findSupplierSKUQuery = `
	SELECT product_id
	FROM supplier_skus
	WHERE supplier_id = $1 AND UPPER(sku) = $2
`

// FindSupplierSKU resolves a supplier's item code to a product id.
// Returns nil without error when the code is unknown.
func (CatalogStore) FindSupplierSKU(ctx context.Context, supplierID uuid.UUID, code string) (*uuid.UUID, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, nil
	}
	var productID uuid.UUID
	err := Pool.QueryRow(ctx, findSupplierSKUQuery, supplierID, code).Scan(&productID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find supplier sku: %w", err)
	}
	return &productID, nil
}

// TitleSKUMap returns the supplier's title history: titles of previously
// matched lines mapped to the identifier they carried. Feeds forced-SKU
// recovery for lines whose code the parser lost.
func (CatalogStore) TitleSKUMap(ctx context.Context, supplierID uuid.UUID) (map[string]string, error) {
	rows, err := Pool.Query(ctx, `
		SELECT DISTINCT ON (pl.title) pl.title, pl.supplier_sku
		FROM purchase_lines pl
		JOIN purchases p ON p.id = pl.purchase_id
		WHERE p.supplier_id = $1
		  AND pl.link_state = 'matched'
		  AND pl.supplier_sku <> ''
		ORDER BY pl.title, p.created_at DESC
	`, supplierID)
	if err != nil {
		return nil, fmt.Errorf("title sku map: %w", err)
	}
	defer rows.Close()

	memory := make(map[string]string)
	for rows.Next() {
		var title, sku string
		if err := rows.Scan(&title, &sku); err != nil {
			return nil, fmt.Errorf("scan title memory: %w", err)
		}
		memory[title] = sku
	}
	return memory, rows.Err()
}
