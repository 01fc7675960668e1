package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remitoIA/purchase-ingest-service/internal/models"
)

// fakeStore keeps one draft, a product stock map and an append-only
// ledger in memory, honoring the same guarded-transition semantics as the
// real store.
type fakeStore struct {
	draft      *models.PurchaseDraft
	stock      map[uuid.UUID]decimal.Decimal
	ledger     []models.StockLedgerEntry
	applyCalls int

	// beforeLocked runs once at the start of ApplyFromLedger, standing in
	// for a concurrent writer that wins the row lock first.
	beforeLocked func()
}

func newFakeStore(draft *models.PurchaseDraft) *fakeStore {
	return &fakeStore{draft: draft, stock: map[uuid.UUID]decimal.Decimal{}}
}

func (s *fakeStore) GetPurchase(ctx context.Context, id uuid.UUID) (*models.PurchaseDraft, error) {
	if s.draft == nil || s.draft.ID != id {
		return nil, ErrNotFound
	}
	return s.draft, nil
}

func (s *fakeStore) SetStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	if s.draft == nil || s.draft.ID != id || !contains(from, s.draft.Status) {
		return false, nil
	}
	s.draft.Status = to
	return true, nil
}

func (s *fakeStore) LinkLines(ctx context.Context, purchaseID uuid.UUID, links map[uuid.UUID]uuid.UUID) error {
	for i := range s.draft.Lines {
		line := &s.draft.Lines[i]
		if productID, ok := links[line.ID]; ok && line.LinkState != models.LinkDeleted {
			pid := productID
			line.ProductID = &pid
			line.LinkState = models.LinkMatched
		}
	}
	return nil
}

func (s *fakeStore) ApplyDeltas(ctx context.Context, sourceID uuid.UUID, from []string, to string, deltas []models.StockDelta) ([]models.StockLedgerEntry, error) {
	s.applyCalls++
	if s.draft == nil || s.draft.ID != sourceID || !contains(from, s.draft.Status) {
		return nil, ErrConfirmConflict
	}
	var entries []models.StockLedgerEntry
	for _, d := range deltas {
		s.stock[d.ProductID] = s.stock[d.ProductID].Add(d.Delta)
		entry := models.StockLedgerEntry{
			ID:           int64(len(s.ledger) + 1),
			ProductID:    d.ProductID,
			SourceType:   "purchase",
			SourceID:     sourceID,
			Delta:        d.Delta,
			BalanceAfter: s.stock[d.ProductID],
		}
		s.ledger = append(s.ledger, entry)
		entries = append(entries, entry)
	}
	s.draft.Status = to
	return entries, nil
}

func (s *fakeStore) ApplyFromLedger(ctx context.Context, sourceID uuid.UUID, from []string, to string, compute func([]models.StockLedgerEntry) []models.StockDelta) ([]models.StockLedgerEntry, error) {
	if s.beforeLocked != nil {
		hook := s.beforeLocked
		s.beforeLocked = nil
		hook()
	}
	if s.draft == nil || s.draft.ID != sourceID || !contains(from, s.draft.Status) {
		return nil, ErrConfirmConflict
	}
	entries, _ := s.LedgerForSource(ctx, sourceID)
	return s.ApplyDeltas(ctx, sourceID, from, to, compute(entries))
}

func (s *fakeStore) LedgerForSource(ctx context.Context, sourceID uuid.UUID) ([]models.StockLedgerEntry, error) {
	var out []models.StockLedgerEntry
	for _, e := range s.ledger {
		if e.SourceID == sourceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// writeEntry commits a ledger entry directly, as a concurrent transaction
// would.
func (s *fakeStore) writeEntry(sourceID, productID uuid.UUID, delta decimal.Decimal) {
	s.stock[productID] = s.stock[productID].Add(delta)
	s.ledger = append(s.ledger, models.StockLedgerEntry{
		ID:           int64(len(s.ledger) + 1),
		ProductID:    productID,
		SourceType:   "purchase",
		SourceID:     sourceID,
		Delta:        delta,
		BalanceAfter: s.stock[productID],
	})
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type fakeSKUCatalog struct {
	skus map[string]uuid.UUID
}

func (c *fakeSKUCatalog) FindSupplierSKU(ctx context.Context, supplierID uuid.UUID, code string) (*uuid.UUID, error) {
	if id, ok := c.skus[code]; ok {
		out := id
		return &out, nil
	}
	return nil, nil
}

func defaultConfig() models.ConfirmConfig {
	return models.ConfirmConfig{TolerancePct: 0.005, ToleranceAbs: 1}
}

func matchedLine(productID uuid.UUID, qty, unitCost float64) models.PurchaseLine {
	pid := productID
	return models.PurchaseLine{
		ID:        uuid.New(),
		ProductID: &pid,
		Title:     "Linea",
		Quantity:  decimal.NewFromFloat(qty),
		UnitCost:  decimal.NewFromFloat(unitCost),
		Source:    models.SourceClassic,
		LinkState: models.LinkMatched,
	}
}

func unmatchedLine(sku string, qty, unitCost float64) models.PurchaseLine {
	return models.PurchaseLine{
		ID:          uuid.New(),
		SupplierSKU: sku,
		Title:       "Linea sin producto",
		Quantity:    decimal.NewFromFloat(qty),
		UnitCost:    decimal.NewFromFloat(unitCost),
		Source:      models.SourceClassic,
		LinkState:   models.LinkUnmatched,
	}
}

func buildDraft(status string, declaredTotal float64, lines ...models.PurchaseLine) *models.PurchaseDraft {
	return &models.PurchaseDraft{
		ID:         uuid.New(),
		SupplierID: uuid.New(),
		Status:     status,
		Header: models.PurchaseHeader{
			InvoiceNumber: "0001-00012345",
			DeclaredTotal: decimal.NewFromFloat(declaredTotal),
		},
		Lines: lines,
	}
}

func TestConfirmAppliesAggregatedDeltas(t *testing.T) {
	productA := uuid.New()
	productB := uuid.New()
	draft := buildDraft(models.StatusValidated, 4501,
		matchedLine(productA, 2, 1250.50),
		matchedLine(productA, 1, 1250.50),
		matchedLine(productB, 5, 149.90),
	)
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	result, err := svc.Confirm(context.Background(), draft.ID, ConfirmOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.StatusConfirmed, result.Status)
	assert.True(t, result.CanRollback)
	assert.False(t, result.Totals.Mismatch)

	require.Len(t, result.AppliedDeltas, 2, "deltas aggregate per product")
	assert.True(t, store.stock[productA].Equal(decimal.NewFromInt(3)))
	assert.True(t, store.stock[productB].Equal(decimal.NewFromInt(5)))
	require.Len(t, store.ledger, 2)
	assert.True(t, store.ledger[0].BalanceAfter.Equal(store.ledger[0].Delta),
		"first entry balance equals its delta on empty stock")
}

func TestConfirmIsIdempotent(t *testing.T) {
	product := uuid.New()
	draft := buildDraft(models.StatusValidated, 2501,
		matchedLine(product, 2, 1250.50),
	)
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	_, err := svc.Confirm(context.Background(), draft.ID, ConfirmOptions{})
	require.NoError(t, err)

	second, err := svc.Confirm(context.Background(), draft.ID, ConfirmOptions{})
	require.NoError(t, err)
	assert.True(t, second.AlreadyConfirmed)
	assert.Empty(t, second.AppliedDeltas)
	assert.True(t, second.CanRollback)

	assert.True(t, store.stock[product].Equal(decimal.NewFromInt(2)), "stock never doubles")
	assert.Len(t, store.ledger, 1)
}

func TestConfirmMismatchBlocksStock(t *testing.T) {
	product := uuid.New()
	draft := buildDraft(models.StatusDraft, 9000,
		matchedLine(product, 2, 1250.50), // applied 2501, declared 9000
	)
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	result, err := svc.Confirm(context.Background(), draft.ID, ConfirmOptions{})
	require.NoError(t, err, "a mismatch is a guarded state, not an error")

	assert.True(t, result.Totals.Mismatch)
	assert.False(t, result.CanRollback)
	assert.Equal(t, models.StatusDraft, result.Status, "status must not advance")
	assert.Empty(t, store.ledger, "no stock moves on mismatch")

	t.Run("force applies anyway", func(t *testing.T) {
		forced, err := svc.Confirm(context.Background(), draft.ID, ConfirmOptions{Force: true})
		require.NoError(t, err)
		assert.Equal(t, models.StatusConfirmed, forced.Status)
		assert.True(t, forced.Totals.Mismatch, "the mismatch is still reported")
		assert.Len(t, store.ledger, 1)
	})
}

func TestConfirmMismatchNeedsBothTolerancesExceeded(t *testing.T) {
	product := uuid.New()
	// applied 996, declared 1000: diff 4 exceeds the absolute tolerance
	// but not the 0.5% relative one.
	draft := buildDraft(models.StatusValidated, 1000,
		matchedLine(product, 1, 996),
	)
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	result, err := svc.Confirm(context.Background(), draft.ID, ConfirmOptions{})
	require.NoError(t, err)
	assert.False(t, result.Totals.Mismatch)
	assert.Equal(t, models.StatusConfirmed, result.Status)
}

func TestConfirmExplicitZeroToleranceDemandsExactTotal(t *testing.T) {
	product := uuid.New()
	// diff 0.4 passes the default tolerances but not an exact-total demand
	draft := buildDraft(models.StatusValidated, 1000,
		matchedLine(product, 1, 999.60),
	)
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	zero := decimal.Zero
	result, err := svc.Confirm(context.Background(), draft.ID, ConfirmOptions{
		TolerancePct: &zero,
		ToleranceAbs: &zero,
	})
	require.NoError(t, err)

	assert.True(t, result.Totals.Mismatch, "a requested zero tolerance must not fall back to defaults")
	assert.Equal(t, models.StatusValidated, result.Status)
	assert.Empty(t, store.ledger)

	t.Run("nil tolerances use defaults", func(t *testing.T) {
		result, err := svc.Confirm(context.Background(), draft.ID, ConfirmOptions{})
		require.NoError(t, err)
		assert.False(t, result.Totals.Mismatch)
		assert.Equal(t, models.StatusConfirmed, result.Status)
	})
}

func TestConfirmExcludesUnresolvedFromTotalsAndStock(t *testing.T) {
	product := uuid.New()
	draft := buildDraft(models.StatusDraft, 100,
		matchedLine(product, 1, 100),
		unmatchedLine("XX-99", 3, 50),
	)
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	result, err := svc.Confirm(context.Background(), draft.ID, ConfirmOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.StatusConfirmed, result.Status)
	assert.True(t, result.Totals.AppliedTotal.Equal(decimal.NewFromInt(100)),
		"unresolved lines stay out of the applied total")
	require.Len(t, result.UnresolvedLines, 1)
	assert.Equal(t, "XX-99", result.UnresolvedLines[0].SupplierSKU)
	require.Len(t, result.AppliedDeltas, 1)
	assert.Equal(t, product, result.AppliedDeltas[0].ProductID)
}

func TestConfirmStrictRefusesUnmatched(t *testing.T) {
	product := uuid.New()
	draft := buildDraft(models.StatusDraft, 100,
		matchedLine(product, 1, 100),
		unmatchedLine("XX-99", 3, 50),
	)
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	_, err := svc.Confirm(context.Background(), draft.ID, ConfirmOptions{Strict: true})
	require.ErrorIs(t, err, ErrStrictUnmatched)
	assert.Empty(t, store.ledger)
}

func TestConfirmCostExcludedLineStillMovesStock(t *testing.T) {
	product := uuid.New()
	outlier := matchedLine(product, 2, 12500000)
	outlier.CostExcluded = true
	draft := buildDraft(models.StatusDraft, 100,
		matchedLine(uuid.New(), 1, 100),
		outlier,
	)
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	result, err := svc.Confirm(context.Background(), draft.ID, ConfirmOptions{})
	require.NoError(t, err)

	assert.True(t, result.Totals.AppliedTotal.Equal(decimal.NewFromInt(100)),
		"outlier cost stays out of the money total")
	assert.True(t, store.stock[product].Equal(decimal.NewFromInt(2)),
		"the goods still arrived; stock moves")
}

func TestConfirmAppliesGlobalDiscount(t *testing.T) {
	product := uuid.New()
	draft := buildDraft(models.StatusDraft, 900,
		matchedLine(product, 1, 1000),
	)
	draft.Header.GlobalDiscount = decimal.NewFromInt(10)
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	result, err := svc.Confirm(context.Background(), draft.ID, ConfirmOptions{})
	require.NoError(t, err)
	assert.True(t, result.Totals.AppliedTotal.Equal(decimal.NewFromInt(900)),
		"applied = %s", result.Totals.AppliedTotal)
	assert.False(t, result.Totals.Mismatch)
}

func TestConfirmVoidedDraftRefused(t *testing.T) {
	draft := buildDraft(models.StatusVoided, 100)
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	_, err := svc.Confirm(context.Background(), draft.ID, ConfirmOptions{})
	require.ErrorIs(t, err, ErrNotEditable)
}

func TestRollbackRestoresStockExactly(t *testing.T) {
	productA := uuid.New()
	productB := uuid.New()
	draft := buildDraft(models.StatusValidated, 3250.40,
		matchedLine(productA, 2, 1250.50),
		matchedLine(productB, 5, 149.88),
	)
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	_, err := svc.Confirm(context.Background(), draft.ID, ConfirmOptions{})
	require.NoError(t, err)

	result, err := svc.Rollback(context.Background(), draft.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusVoided, result.Status)
	require.Len(t, result.Reverted, 2)
	assert.True(t, store.stock[productA].IsZero(), "stock A = %s", store.stock[productA])
	assert.True(t, store.stock[productB].IsZero(), "stock B = %s", store.stock[productB])
	assert.Len(t, store.ledger, 4, "rollback appends inverse entries, never deletes")

	t.Run("second rollback is a no-op", func(t *testing.T) {
		again, err := svc.Rollback(context.Background(), draft.ID)
		require.NoError(t, err)
		assert.True(t, again.AlreadyVoided)
		assert.Empty(t, again.Reverted)
		assert.Len(t, store.ledger, 4, "no double reversal")
	})
}

func TestRollbackRequiresConfirmed(t *testing.T) {
	draft := buildDraft(models.StatusDraft, 100, matchedLine(uuid.New(), 1, 100))
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	_, err := svc.Rollback(context.Background(), draft.ID)
	require.ErrorIs(t, err, ErrNotConfirmed)
}

func TestResendStockReappliesOnlyShortfall(t *testing.T) {
	productA := uuid.New()
	productB := uuid.New()
	draft := buildDraft(models.StatusValidated, 3250.40,
		matchedLine(productA, 2, 1250.50),
		matchedLine(productB, 5, 149.88),
	)
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	_, err := svc.Confirm(context.Background(), draft.ID, ConfirmOptions{})
	require.NoError(t, err)

	// Simulate a partially lost application: product B's entry vanished.
	var kept []models.StockLedgerEntry
	for _, e := range store.ledger {
		if e.ProductID == productA {
			kept = append(kept, e)
		}
	}
	store.ledger = kept
	store.stock[productB] = decimal.Zero

	preview, err := svc.ResendStock(context.Background(), draft.ID, false)
	require.NoError(t, err)
	assert.False(t, preview.Applied)
	require.Len(t, preview.Deltas, 1, "only the missing product is re-sent")
	assert.Equal(t, productB, preview.Deltas[0].ProductID)
	assert.True(t, store.stock[productB].IsZero(), "preview never writes")

	applied, err := svc.ResendStock(context.Background(), draft.ID, true)
	require.NoError(t, err)
	assert.True(t, applied.Applied)
	assert.True(t, store.stock[productB].Equal(decimal.NewFromInt(5)))
	assert.True(t, store.stock[productA].Equal(decimal.NewFromInt(2)), "intact product untouched")

	t.Run("retry finds nothing missing", func(t *testing.T) {
		again, err := svc.ResendStock(context.Background(), draft.ID, true)
		require.NoError(t, err)
		assert.False(t, again.Applied)
		assert.Empty(t, again.Deltas)
	})
}

func TestResendStockRecomputesShortfallUnderLock(t *testing.T) {
	product := uuid.New()
	draft := buildDraft(models.StatusValidated, 2501,
		matchedLine(product, 2, 1250.50),
	)
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	_, err := svc.Confirm(context.Background(), draft.ID, ConfirmOptions{})
	require.NoError(t, err)

	// Lose the application, then let a racing resend repair it just
	// before this call acquires the lock.
	store.ledger = nil
	store.stock[product] = decimal.Zero
	store.beforeLocked = func() {
		store.writeEntry(draft.ID, product, decimal.NewFromInt(2))
	}

	result, err := svc.ResendStock(context.Background(), draft.ID, true)
	require.NoError(t, err)

	assert.False(t, result.Applied, "the lock loser must find nothing left to re-apply")
	assert.Empty(t, result.Deltas)
	assert.True(t, store.stock[product].Equal(decimal.NewFromInt(2)),
		"stock must not double under racing resends, got %s", store.stock[product])
	assert.Len(t, store.ledger, 1)
}

func TestRollbackInvertsLedgerReadUnderLock(t *testing.T) {
	product := uuid.New()
	draft := buildDraft(models.StatusValidated, 2501,
		matchedLine(product, 2, 1250.50),
	)
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	_, err := svc.Confirm(context.Background(), draft.ID, ConfirmOptions{})
	require.NoError(t, err)

	// A resend commits more deltas after the rollback was requested but
	// before it takes the lock; the reversal must cover them too.
	store.beforeLocked = func() {
		store.writeEntry(draft.ID, product, decimal.NewFromInt(2))
	}

	result, err := svc.Rollback(context.Background(), draft.ID)
	require.NoError(t, err)

	require.Len(t, result.Reverted, 1)
	assert.True(t, result.Reverted[0].Delta.Equal(decimal.NewFromInt(-4)))
	assert.True(t, store.stock[product].IsZero(),
		"rollback must revert every committed entry, got %s", store.stock[product])
}

func TestResendStockRequiresConfirmed(t *testing.T) {
	draft := buildDraft(models.StatusDraft, 100, matchedLine(uuid.New(), 1, 100))
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	_, err := svc.ResendStock(context.Background(), draft.ID, true)
	require.ErrorIs(t, err, ErrNotConfirmed)
}

func TestValidateLinksAndAdvances(t *testing.T) {
	product := uuid.New()
	draft := buildDraft(models.StatusDraft, 100,
		unmatchedLine("KER-500", 2, 1250.50),
	)
	store := newFakeStore(draft)
	catalog := &fakeSKUCatalog{skus: map[string]uuid.UUID{"KER-500": product}}
	svc := NewPurchaseService(store, catalog, defaultConfig())

	result, err := svc.Validate(context.Background(), draft.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusValidated, result.Status)
	assert.Equal(t, 1, result.Linked)
	assert.Zero(t, result.UnmatchedCount)
	assert.Empty(t, result.MissingIDs)

	require.NotNil(t, store.draft.Lines[0].ProductID)
	assert.Equal(t, product, *store.draft.Lines[0].ProductID)
	assert.True(t, store.draft.Lines[0].Quantity.Equal(decimal.NewFromInt(2)),
		"validate never mutates quantities")
}

func TestValidateReportsMissing(t *testing.T) {
	draft := buildDraft(models.StatusDraft, 100,
		unmatchedLine("NO-EXISTE", 1, 50),
		unmatchedLine("", 2, 25),
	)
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	result, err := svc.Validate(context.Background(), draft.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusDraft, result.Status, "unmatched lines hold the draft back")
	assert.Equal(t, 2, result.UnmatchedCount)
	assert.Equal(t, []string{"NO-EXISTE"}, result.MissingIDs)
}

func TestValidateRefusesFrozenDrafts(t *testing.T) {
	draft := buildDraft(models.StatusConfirmed, 100, matchedLine(uuid.New(), 1, 100))
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	_, err := svc.Validate(context.Background(), draft.ID)
	require.ErrorIs(t, err, ErrNotEditable)
}

func TestCancelVoidsUnconfirmedOnly(t *testing.T) {
	draft := buildDraft(models.StatusDraft, 100)
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	require.NoError(t, svc.Cancel(context.Background(), draft.ID))
	assert.Equal(t, models.StatusVoided, store.draft.Status)

	t.Run("confirmed drafts must go through rollback", func(t *testing.T) {
		confirmed := buildDraft(models.StatusConfirmed, 100)
		store := newFakeStore(confirmed)
		svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())
		err := svc.Cancel(context.Background(), confirmed.ID)
		require.ErrorIs(t, err, ErrNotEditable)
	})
}

func TestDeletedLinesAreIgnoredEverywhere(t *testing.T) {
	product := uuid.New()
	deleted := matchedLine(uuid.New(), 9, 999)
	deleted.LinkState = models.LinkDeleted
	draft := buildDraft(models.StatusDraft, 100,
		matchedLine(product, 1, 100),
		deleted,
	)
	store := newFakeStore(draft)
	svc := NewPurchaseService(store, &fakeSKUCatalog{}, defaultConfig())

	result, err := svc.Confirm(context.Background(), draft.ID, ConfirmOptions{})
	require.NoError(t, err)

	assert.True(t, result.Totals.AppliedTotal.Equal(decimal.NewFromInt(100)))
	require.Len(t, result.AppliedDeltas, 1)
	assert.Equal(t, product, result.AppliedDeltas[0].ProductID)
	assert.Empty(t, result.UnresolvedLines, "deleted lines are not unresolved, they are gone")
}
