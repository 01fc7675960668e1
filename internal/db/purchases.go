package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/remitoIA/purchase-ingest-service/internal/models"
)

// ErrNotFound is returned when a purchase id has no row.
var ErrNotFound = errors.New("purchase not found")

// SavePurchase inserts a draft with its lines in one transaction.
func SavePurchase(ctx context.Context, draft *models.PurchaseDraft) error {
	tx, err := Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var invoiceDate *time.Time
	if !draft.Header.InvoiceDate.IsZero() {
		invoiceDate = &draft.Header.InvoiceDate
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO purchases (
			id, supplier_id, filename, document_url, status,
			invoice_number, number_trust, invoice_date,
			global_discount, vat_rate, declared_total,
			confidence, strategy, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		draft.ID, draft.SupplierID, draft.Filename, draft.DocumentURL, draft.Status,
		draft.Header.InvoiceNumber, draft.Header.NumberTrust, invoiceDate,
		draft.Header.GlobalDiscount, draft.Header.VATRate, draft.Header.DeclaredTotal,
		draft.Confidence.ClassicConfidence, draft.Confidence.StrategyUsed, draft.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}

	for _, line := range draft.Lines {
		if err := insertLine(ctx, tx, draft.ID, line); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func insertLine(ctx context.Context, tx pgx.Tx, purchaseID uuid.UUID, line models.PurchaseLine) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO purchase_lines (
			id, purchase_id, supplier_sku, product_id, title,
			quantity, unit_cost, discount_pct,
			source, source_confidence, link_state,
			quantity_clamped, cost_excluded
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		line.ID, purchaseID, line.SupplierSKU, line.ProductID, line.Title,
		line.Quantity, line.UnitCost, line.DiscountPct,
		line.Source, line.SourceConfidence, line.LinkState,
		line.QuantityClamped, line.CostExcluded,
	)
	if err != nil {
		return fmt.Errorf("insert purchase line: %w", err)
	}
	return nil
}

// GetPurchase loads a draft with all its lines.
func GetPurchase(ctx context.Context, id uuid.UUID) (*models.PurchaseDraft, error) {
	draft := &models.PurchaseDraft{}
	var invoiceDate *time.Time
	err := Pool.QueryRow(ctx, `
		SELECT id, supplier_id, COALESCE(filename, ''), COALESCE(document_url, ''), status,
		       COALESCE(invoice_number, ''), COALESCE(number_trust, ''), invoice_date,
		       COALESCE(global_discount, 0), COALESCE(vat_rate, 0), COALESCE(declared_total, 0),
		       COALESCE(confidence, 0), COALESCE(strategy, ''), created_at, confirmed_at
		FROM purchases
		WHERE id = $1
	`, id).Scan(
		&draft.ID, &draft.SupplierID, &draft.Filename, &draft.DocumentURL, &draft.Status,
		&draft.Header.InvoiceNumber, &draft.Header.NumberTrust, &invoiceDate,
		&draft.Header.GlobalDiscount, &draft.Header.VATRate, &draft.Header.DeclaredTotal,
		&draft.Confidence.ClassicConfidence, &draft.Confidence.StrategyUsed,
		&draft.CreatedAt, &draft.ConfirmedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get purchase: %w", err)
	}
	draft.Header.SupplierID = draft.SupplierID
	if invoiceDate != nil {
		draft.Header.InvoiceDate = *invoiceDate
	}

	rows, err := Pool.Query(ctx, `
		SELECT id, COALESCE(supplier_sku, ''), product_id, title,
		       quantity, unit_cost, COALESCE(discount_pct, 0),
		       source, source_confidence, link_state,
		       quantity_clamped, cost_excluded
		FROM purchase_lines
		WHERE purchase_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get purchase lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line models.PurchaseLine
		err := rows.Scan(
			&line.ID, &line.SupplierSKU, &line.ProductID, &line.Title,
			&line.Quantity, &line.UnitCost, &line.DiscountPct,
			&line.Source, &line.SourceConfidence, &line.LinkState,
			&line.QuantityClamped, &line.CostExcluded,
		)
		if err != nil {
			return nil, fmt.Errorf("scan purchase line: %w", err)
		}
		draft.Lines = append(draft.Lines, line)
	}
	return draft, rows.Err()
}

// ListPurchases returns recent draft summaries (no lines), newest first.
func ListPurchases(ctx context.Context, supplierID *uuid.UUID, limit int) ([]models.PurchaseDraft, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := Pool.Query(ctx, `
		SELECT id, supplier_id, COALESCE(filename, ''), status,
		       COALESCE(invoice_number, ''), COALESCE(declared_total, 0),
		       COALESCE(confidence, 0), created_at
		FROM purchases
		WHERE ($1::uuid IS NULL OR supplier_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, supplierID, limit)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	var drafts []models.PurchaseDraft
	for rows.Next() {
		var d models.PurchaseDraft
		err := rows.Scan(
			&d.ID, &d.SupplierID, &d.Filename, &d.Status,
			&d.Header.InvoiceNumber, &d.Header.DeclaredTotal,
			&d.Confidence.ClassicConfidence, &d.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}

// SetStatus performs a guarded status transition. Returns false when the
// row was not in any of the from states, which callers treat as a
// conflicting concurrent transition.
func SetStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	tag, err := Pool.Exec(ctx, `
		UPDATE purchases
		SET status = $2,
		    confirmed_at = CASE WHEN $2 = 'CONFIRMED' THEN NOW() ELSE confirmed_at END
		WHERE id = $1 AND status = ANY($3)
	`, id, to, from)
	if err != nil {
		return false, fmt.Errorf("set status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// LinkLines sets product links for the given lines, marking them matched.
// Only mutates linkage; quantities and totals stay untouched.
func LinkLines(ctx context.Context, purchaseID uuid.UUID, links map[uuid.UUID]uuid.UUID) error {
	if len(links) == 0 {
		return nil
	}
	tx, err := Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for lineID, productID := range links {
		_, err := tx.Exec(ctx, `
			UPDATE purchase_lines
			SET product_id = $3, link_state = 'matched'
			WHERE id = $1 AND purchase_id = $2 AND link_state <> 'deleted'
		`, lineID, purchaseID, productID)
		if err != nil {
			return fmt.Errorf("link line %s: %w", lineID, err)
		}
	}
	return tx.Commit(ctx)
}

// lineColumns are the columns manual edits may touch. Confidence and
// source provenance are extraction facts and stay immutable.
var lineColumns = map[string]bool{
	"supplier_sku": true,
	"product_id":   true,
	"link_state":   true,
	"title":        true,
	"quantity":     true,
	"unit_cost":    true,
	"discount_pct": true,
}

// UpdateLine edits a line on an unconfirmed draft. Only whitelisted
// columns are applied; the guard on the parent status keeps confirmed
// drafts frozen.
func UpdateLine(ctx context.Context, purchaseID, lineID uuid.UUID, updates map[string]interface{}) error {
	setClauses := []string{}
	args := []interface{}{purchaseID, lineID}
	for col, val := range updates {
		if !lineColumns[col] {
			continue
		}
		args = append(args, val)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if len(setClauses) == 0 {
		return fmt.Errorf("no editable fields: %w", ErrNotFound)
	}

	query := fmt.Sprintf(`
		UPDATE purchase_lines pl
		SET %s
		FROM purchases p
		WHERE pl.id = $2 AND pl.purchase_id = $1
		  AND p.id = pl.purchase_id
		  AND p.status IN ('DRAFT', 'VALIDATED')
	`, strings.Join(setClauses, ", "))

	tag, err := Pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update line: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("line %s not editable: %w", lineID, ErrNotFound)
	}
	return nil
}

// SupplierExists checks the supplier id against the catalog.
func SupplierExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM suppliers WHERE id = $1)", id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check supplier: %w", err)
	}
	return exists, nil
}
