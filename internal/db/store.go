package db

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/remitoIA/purchase-ingest-service/internal/models"
	"github.com/remitoIA/purchase-ingest-service/internal/services"
)

// PurchaseStore adapts the package-level queries to the engine's Store
// interface, translating storage sentinels on the way out.
type PurchaseStore struct{}

func (PurchaseStore) GetPurchase(ctx context.Context, id uuid.UUID) (*models.PurchaseDraft, error) {
	draft, err := GetPurchase(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, services.ErrNotFound
	}
	return draft, err
}

func (PurchaseStore) SetStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	return SetStatus(ctx, id, from, to)
}

func (PurchaseStore) LinkLines(ctx context.Context, purchaseID uuid.UUID, links map[uuid.UUID]uuid.UUID) error {
	return LinkLines(ctx, purchaseID, links)
}

func (PurchaseStore) ApplyDeltas(ctx context.Context, sourceID uuid.UUID, from []string, to string, deltas []models.StockDelta) ([]models.StockLedgerEntry, error) {
	entries, err := ApplyDeltas(ctx, sourceID, from, to, deltas)
	if errors.Is(err, ErrStatusConflict) {
		return nil, services.ErrConfirmConflict
	}
	return entries, err
}

func (PurchaseStore) ApplyFromLedger(ctx context.Context, sourceID uuid.UUID, from []string, to string, compute func([]models.StockLedgerEntry) []models.StockDelta) ([]models.StockLedgerEntry, error) {
	entries, err := ApplyFromLedger(ctx, sourceID, from, to, compute)
	if errors.Is(err, ErrStatusConflict) {
		return nil, services.ErrConfirmConflict
	}
	return entries, err
}

func (PurchaseStore) LedgerForSource(ctx context.Context, sourceID uuid.UUID) ([]models.StockLedgerEntry, error) {
	return LedgerForSource(ctx, sourceID)
}
