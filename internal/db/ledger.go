package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/remitoIA/purchase-ingest-service/internal/models"
)

// ErrStatusConflict is returned when a guarded transition loses the race:
// the purchase row was not in any of the expected states.
var ErrStatusConflict = errors.New("purchase status conflict")

// ApplyDeltas applies stock deltas and the matching ledger entries in one
// transaction, gated on a guarded status transition of the source
// purchase. The purchase row lock serializes concurrent confirm attempts;
// partial application is impossible because any failure rolls the whole
// transaction back.
func ApplyDeltas(ctx context.Context, sourceID uuid.UUID, from []string, to string, deltas []models.StockDelta) ([]models.StockLedgerEntry, error) {
	return applyLocked(ctx, sourceID, from, to, func(pgx.Tx) ([]models.StockDelta, error) {
		return deltas, nil
	})
}

// ApplyFromLedger is ApplyDeltas for operations whose deltas derive from
// the existing ledger (rollback, resend recovery). compute runs inside the
// transaction, after the purchase row lock is held, so the entries it sees
// cannot be changed by a concurrent confirm, rollback or resend.
func ApplyFromLedger(ctx context.Context, sourceID uuid.UUID, from []string, to string, compute func([]models.StockLedgerEntry) []models.StockDelta) ([]models.StockLedgerEntry, error) {
	return applyLocked(ctx, sourceID, from, to, func(tx pgx.Tx) ([]models.StockDelta, error) {
		entries, err := ledgerEntries(ctx, tx, sourceID)
		if err != nil {
			return nil, err
		}
		return compute(entries), nil
	})
}

func applyLocked(ctx context.Context, sourceID uuid.UUID, from []string, to string, deltasFn func(pgx.Tx) ([]models.StockDelta, error)) ([]models.StockLedgerEntry, error) {
	tx, err := Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx,
		"SELECT status FROM purchases WHERE id = $1 FOR UPDATE", sourceID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock purchase: %w", err)
	}

	allowed := false
	for _, s := range from {
		if s == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: purchase %s is %s", ErrStatusConflict, sourceID, status)
	}

	deltas, err := deltasFn(tx)
	if err != nil {
		return nil, err
	}

	if status != to {
		if _, err := tx.Exec(ctx, `
			UPDATE purchases
			SET status = $2,
			    confirmed_at = CASE WHEN $2 = 'CONFIRMED' THEN NOW() ELSE confirmed_at END
			WHERE id = $1
		`, sourceID, to); err != nil {
			return nil, fmt.Errorf("transition purchase: %w", err)
		}
	}

	entries := make([]models.StockLedgerEntry, 0, len(deltas))
	for _, d := range deltas {
		entry, err := applyDelta(ctx, tx, sourceID, d)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit stock application: %w", err)
	}
	return entries, nil
}

// applyDelta updates the denormalized product balance and journals the
// change. balance_after comes straight from the updated row, so strictly
// sequential application inside the transaction keeps the ledger chain
// consistent.
func applyDelta(ctx context.Context, tx pgx.Tx, sourceID uuid.UUID, d models.StockDelta) (models.StockLedgerEntry, error) {
	var entry models.StockLedgerEntry
	err := tx.QueryRow(ctx, `
		UPDATE products
		SET stock = stock + $2
		WHERE id = $1
		RETURNING stock
	`, d.ProductID, d.Delta).Scan(&entry.BalanceAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		return entry, fmt.Errorf("product %s not found", d.ProductID)
	}
	if err != nil {
		return entry, fmt.Errorf("update stock for product %s: %w", d.ProductID, err)
	}

	entry.ProductID = d.ProductID
	entry.SourceType = "purchase"
	entry.SourceID = sourceID
	entry.Delta = d.Delta

	err = tx.QueryRow(ctx, `
		INSERT INTO stock_ledger (product_id, source_type, source_id, delta, balance_after)
		VALUES ($1, 'purchase', $2, $3, $4)
		RETURNING id, created_at
	`, d.ProductID, sourceID, d.Delta, entry.BalanceAfter).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return entry, fmt.Errorf("insert ledger entry: %w", err)
	}
	return entry, nil
}

type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// LedgerForSource returns every ledger entry originated by a purchase,
// oldest first.
func LedgerForSource(ctx context.Context, sourceID uuid.UUID) ([]models.StockLedgerEntry, error) {
	return ledgerEntries(ctx, Pool, sourceID)
}

func ledgerEntries(ctx context.Context, q rowQuerier, sourceID uuid.UUID) ([]models.StockLedgerEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT id, product_id, source_type, source_id, delta, balance_after, created_at
		FROM stock_ledger
		WHERE source_type = 'purchase' AND source_id = $1
		ORDER BY id
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("ledger for source: %w", err)
	}
	defer rows.Close()

	var entries []models.StockLedgerEntry
	for rows.Next() {
		var e models.StockLedgerEntry
		err := rows.Scan(&e.ID, &e.ProductID, &e.SourceType, &e.SourceID, &e.Delta, &e.BalanceAfter, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
