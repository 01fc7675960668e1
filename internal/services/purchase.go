package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/remitoIA/purchase-ingest-service/internal/models"
)

// State-machine violations surfaced to callers. All are terminal for the
// attempted operation; none leave the draft half-transitioned.
var (
	ErrNotFound        = errors.New("purchase not found")
	ErrNotConfirmed    = errors.New("purchase is not confirmed")
	ErrNotEditable     = errors.New("purchase is no longer editable")
	ErrConfirmConflict = errors.New("concurrent confirmation conflict")
	ErrStrictUnmatched = errors.New("unmatched lines block strict confirmation")
)

// Store is the persistence surface the engine needs. ApplyDeltas and
// ApplyFromLedger must be atomic: the guarded status transition, the stock
// updates and the ledger inserts all commit or none do. ApplyFromLedger
// must run compute under the same lock that serializes delta application,
// so ledger-derived deltas can never act on a stale read.
type Store interface {
	GetPurchase(ctx context.Context, id uuid.UUID) (*models.PurchaseDraft, error)
	SetStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error)
	LinkLines(ctx context.Context, purchaseID uuid.UUID, links map[uuid.UUID]uuid.UUID) error
	ApplyDeltas(ctx context.Context, sourceID uuid.UUID, from []string, to string, deltas []models.StockDelta) ([]models.StockLedgerEntry, error)
	ApplyFromLedger(ctx context.Context, sourceID uuid.UUID, from []string, to string, compute func([]models.StockLedgerEntry) []models.StockDelta) ([]models.StockLedgerEntry, error)
	LedgerForSource(ctx context.Context, sourceID uuid.UUID) ([]models.StockLedgerEntry, error)
}

// Catalog resolves supplier item codes to products. Read-only.
type Catalog interface {
	FindSupplierSKU(ctx context.Context, supplierID uuid.UUID, code string) (*uuid.UUID, error)
}

// PurchaseService is the confirmation state machine:
// DRAFT → VALIDATED → CONFIRMED → VOIDED, with VOIDED also reachable from
// DRAFT/VALIDATED via cancel.
type PurchaseService struct {
	store    Store
	catalog  Catalog
	defaults models.ConfirmConfig
}

func NewPurchaseService(store Store, catalog Catalog, defaults models.ConfirmConfig) *PurchaseService {
	return &PurchaseService{store: store, catalog: catalog, defaults: defaults}
}

// ValidateResult reports linkage after automatic resolution.
type ValidateResult struct {
	Status         string   `json:"status"`
	TotalLines     int      `json:"total_lines"`
	Linked         int      `json:"linked"`
	UnmatchedCount int      `json:"unmatched_count"`
	MissingIDs     []string `json:"missing_ids"`
}

// Validate links every unlinked line it can resolve through the catalog.
// Quantities, costs and header fields are never touched, only linkage
// state. The draft advances to VALIDATED once nothing remains unmatched.
func (s *PurchaseService) Validate(ctx context.Context, id uuid.UUID) (*ValidateResult, error) {
	draft, err := s.store.GetPurchase(ctx, id)
	if err != nil {
		return nil, err
	}
	if draft.Status != models.StatusDraft && draft.Status != models.StatusValidated {
		return nil, fmt.Errorf("%w: status is %s", ErrNotEditable, draft.Status)
	}

	links := make(map[uuid.UUID]uuid.UUID)
	for _, line := range draft.ActiveLines() {
		if line.LinkState != models.LinkUnmatched || line.SupplierSKU == "" {
			continue
		}
		productID, err := s.catalog.FindSupplierSKU(ctx, draft.SupplierID, line.SupplierSKU)
		if err != nil {
			return nil, fmt.Errorf("resolve sku %q: %w", line.SupplierSKU, err)
		}
		if productID != nil {
			links[line.ID] = *productID
		}
	}
	if len(links) > 0 {
		if err := s.store.LinkLines(ctx, id, links); err != nil {
			return nil, err
		}
	}

	result := &ValidateResult{Status: draft.Status, MissingIDs: []string{}}
	for _, line := range draft.ActiveLines() {
		result.TotalLines++
		_, linkedNow := links[line.ID]
		if line.LinkState == models.LinkMatched || linkedNow {
			result.Linked++
			continue
		}
		result.UnmatchedCount++
		if line.SupplierSKU != "" {
			result.MissingIDs = append(result.MissingIDs, line.SupplierSKU)
		}
	}

	if result.UnmatchedCount == 0 && draft.Status == models.StatusDraft {
		if ok, err := s.store.SetStatus(ctx, id, []string{models.StatusDraft}, models.StatusValidated); err != nil {
			return nil, err
		} else if ok {
			result.Status = models.StatusValidated
		}
	}
	return result, nil
}

// ConfirmOptions tune one confirmation attempt. Nil tolerances fall back
// to the configured defaults; an explicit zero demands an exact total.
type ConfirmOptions struct {
	TolerancePct *decimal.Decimal
	ToleranceAbs *decimal.Decimal
	// Force confirms despite a total mismatch.
	Force bool
	// Strict refuses to confirm while any line is unmatched.
	Strict bool
	// Debug includes per-line subtotals in the result.
	Debug bool
}

// ConfirmTotals compares the recomputed applied total with the declared
// header total.
type ConfirmTotals struct {
	DeclaredTotal decimal.Decimal `json:"declared_total"`
	AppliedTotal  decimal.Decimal `json:"applied_total"`
	Diff          decimal.Decimal `json:"diff"`
	ToleranceAbs  decimal.Decimal `json:"tolerance_abs"`
	TolerancePct  decimal.Decimal `json:"tolerance_pct"`
	Mismatch      bool            `json:"mismatch"`
}

// LineSubtotal is debug output for one applied line.
type LineSubtotal struct {
	LineID   uuid.UUID       `json:"line_id"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

// ConfirmResult is the caller-facing outcome of a confirm call.
type ConfirmResult struct {
	Status           string                `json:"status"`
	AlreadyConfirmed bool                  `json:"already_confirmed,omitempty"`
	AppliedDeltas    []models.StockDelta   `json:"applied_deltas"`
	Totals           ConfirmTotals         `json:"totals"`
	CanRollback      bool                  `json:"can_rollback"`
	UnresolvedLines  []models.PurchaseLine `json:"unresolved_lines"`
	LineSubtotals    []LineSubtotal        `json:"line_subtotals,omitempty"`
}

// Confirm recomputes totals and, when they agree with the declared total
// within tolerance, atomically applies +quantity per resolved line and
// journals one ledger entry per delta. Idempotent: confirming an already
// CONFIRMED draft is a no-op that never doubles stock.
func (s *PurchaseService) Confirm(ctx context.Context, id uuid.UUID, opts ConfirmOptions) (*ConfirmResult, error) {
	draft, err := s.store.GetPurchase(ctx, id)
	if err != nil {
		return nil, err
	}

	switch draft.Status {
	case models.StatusConfirmed:
		return &ConfirmResult{
			Status:           draft.Status,
			AlreadyConfirmed: true,
			AppliedDeltas:    []models.StockDelta{},
			CanRollback:      true,
			UnresolvedLines:  unresolvedOf(draft),
		}, nil
	case models.StatusVoided:
		return nil, fmt.Errorf("%w: purchase is voided", ErrNotEditable)
	}

	tolAbs := decimal.NewFromFloat(s.defaults.ToleranceAbs)
	if opts.ToleranceAbs != nil {
		tolAbs = *opts.ToleranceAbs
	}
	tolPct := decimal.NewFromFloat(s.defaults.TolerancePct)
	if opts.TolerancePct != nil {
		tolPct = *opts.TolerancePct
	}
	if s.defaults.Strict {
		opts.Strict = true
	}

	unresolved := unresolvedOf(draft)
	if opts.Strict && len(unresolved) > 0 {
		return nil, fmt.Errorf("%w: %d lines", ErrStrictUnmatched, len(unresolved))
	}

	result := &ConfirmResult{
		Status:          draft.Status,
		AppliedDeltas:   []models.StockDelta{},
		UnresolvedLines: unresolved,
	}

	// Applied total: resolved lines only, cost outliers excluded, global
	// discount applied last.
	applied := decimal.Zero
	for _, line := range resolvedOf(draft) {
		if line.CostExcluded {
			continue
		}
		sub := line.Subtotal()
		applied = applied.Add(sub)
		if opts.Debug {
			result.LineSubtotals = append(result.LineSubtotals, LineSubtotal{LineID: line.ID, Subtotal: sub})
		}
	}
	if draft.Header.GlobalDiscount.IsPositive() {
		factor := decimal.NewFromInt(100).Sub(draft.Header.GlobalDiscount).Div(decimal.NewFromInt(100))
		applied = applied.Mul(factor)
	}

	declared := draft.Header.DeclaredTotal
	diff := declared.Sub(applied).Abs()
	mismatch := declared.IsPositive() &&
		diff.GreaterThan(tolAbs) &&
		diff.GreaterThan(declared.Mul(tolPct))

	result.Totals = ConfirmTotals{
		DeclaredTotal: declared,
		AppliedTotal:  applied,
		Diff:          diff,
		ToleranceAbs:  tolAbs,
		TolerancePct:  tolPct,
		Mismatch:      mismatch,
	}

	// A mismatch is a guarded state, not an error: no stock moves until
	// the caller decides to force or review.
	if mismatch && !opts.Force {
		return result, nil
	}

	deltas := expectedDeltas(draft)
	if _, err := s.store.ApplyDeltas(ctx, id,
		[]string{models.StatusDraft, models.StatusValidated},
		models.StatusConfirmed, deltas); err != nil {
		return nil, err
	}

	result.Status = models.StatusConfirmed
	result.AppliedDeltas = deltas
	result.CanRollback = true
	return result, nil
}

// RollbackResult lists the reversed deltas.
type RollbackResult struct {
	Status        string              `json:"status"`
	AlreadyVoided bool                `json:"already_voided,omitempty"`
	Reverted      []models.StockDelta `json:"reverted"`
}

// Rollback exactly reverses the deltas journaled for this draft and
// transitions it to VOIDED. A rollback on an already-VOIDED draft is an
// explicit no-op, never a double reversal.
func (s *PurchaseService) Rollback(ctx context.Context, id uuid.UUID) (*RollbackResult, error) {
	draft, err := s.store.GetPurchase(ctx, id)
	if err != nil {
		return nil, err
	}
	if draft.Status == models.StatusVoided {
		return &RollbackResult{Status: models.StatusVoided, AlreadyVoided: true, Reverted: []models.StockDelta{}}, nil
	}
	if draft.Status != models.StatusConfirmed {
		return nil, fmt.Errorf("%w: status is %s", ErrNotConfirmed, draft.Status)
	}

	// The inverse is computed under the purchase row lock so a concurrent
	// resend cannot slip deltas in between the read and the reversal.
	var inverse []models.StockDelta
	if _, err := s.store.ApplyFromLedger(ctx, id,
		[]string{models.StatusConfirmed}, models.StatusVoided,
		func(entries []models.StockLedgerEntry) []models.StockDelta {
			inverse = invertNet(entries)
			return inverse
		}); err != nil {
		return nil, err
	}
	return &RollbackResult{Status: models.StatusVoided, Reverted: inverse}, nil
}

// ResendResult reports the recovery deltas, previewed or applied.
type ResendResult struct {
	Status  string              `json:"status"`
	Applied bool                `json:"applied"`
	Deltas  []models.StockDelta `json:"deltas"`
}

// ResendStock recovers a CONFIRMED draft whose stock effect is suspected
// lost. Preview computes the shortfall without writing; apply re-applies
// only what the ledger does not yet reflect, making retries idempotent.
func (s *PurchaseService) ResendStock(ctx context.Context, id uuid.UUID, apply bool) (*ResendResult, error) {
	draft, err := s.store.GetPurchase(ctx, id)
	if err != nil {
		return nil, err
	}
	if draft.Status != models.StatusConfirmed {
		return nil, fmt.Errorf("%w: status is %s", ErrNotConfirmed, draft.Status)
	}

	if !apply {
		entries, err := s.store.LedgerForSource(ctx, id)
		if err != nil {
			return nil, err
		}
		return &ResendResult{Status: draft.Status, Deltas: shortfallOf(draft, entries)}, nil
	}

	// The shortfall is recomputed under the purchase row lock: two racing
	// apply calls serialize, and the loser sees the winner's entries and
	// finds nothing left to re-apply.
	var shortfall []models.StockDelta
	if _, err := s.store.ApplyFromLedger(ctx, id,
		[]string{models.StatusConfirmed}, models.StatusConfirmed,
		func(entries []models.StockLedgerEntry) []models.StockDelta {
			shortfall = shortfallOf(draft, entries)
			return shortfall
		}); err != nil {
		return nil, err
	}
	return &ResendResult{Status: draft.Status, Applied: len(shortfall) > 0, Deltas: shortfall}, nil
}

// shortfallOf returns the expected deltas not yet reflected by the ledger.
func shortfallOf(draft *models.PurchaseDraft, entries []models.StockLedgerEntry) []models.StockDelta {
	reflected := netByProduct(entries)
	shortfall := []models.StockDelta{}
	for _, expected := range expectedDeltas(draft) {
		missing := expected.Delta.Sub(reflected[expected.ProductID])
		if missing.IsPositive() {
			shortfall = append(shortfall, models.StockDelta{ProductID: expected.ProductID, Delta: missing})
		}
	}
	sortDeltas(shortfall)
	return shortfall
}

// Cancel voids an unconfirmed draft. Confirmed drafts must go through
// Rollback so their stock effect is reversed.
func (s *PurchaseService) Cancel(ctx context.Context, id uuid.UUID) error {
	ok, err := s.store.SetStatus(ctx, id,
		[]string{models.StatusDraft, models.StatusValidated}, models.StatusVoided)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: cancel requires DRAFT or VALIDATED", ErrNotEditable)
	}
	return nil
}

// resolvedOf returns active lines linked to a product.
func resolvedOf(draft *models.PurchaseDraft) []models.PurchaseLine {
	var out []models.PurchaseLine
	for _, l := range draft.ActiveLines() {
		if l.LinkState == models.LinkMatched && l.ProductID != nil {
			out = append(out, l)
		}
	}
	return out
}

// unresolvedOf returns active lines excluded from stock application.
func unresolvedOf(draft *models.PurchaseDraft) []models.PurchaseLine {
	out := []models.PurchaseLine{}
	for _, l := range draft.ActiveLines() {
		if l.LinkState != models.LinkMatched || l.ProductID == nil {
			out = append(out, l)
		}
	}
	return out
}

// expectedDeltas aggregates +quantity per linked product. Cost-excluded
// lines still move stock; the outlier only leaves the money total.
func expectedDeltas(draft *models.PurchaseDraft) []models.StockDelta {
	byProduct := make(map[uuid.UUID]decimal.Decimal)
	for _, line := range resolvedOf(draft) {
		byProduct[*line.ProductID] = byProduct[*line.ProductID].Add(line.Quantity)
	}
	deltas := make([]models.StockDelta, 0, len(byProduct))
	for productID, qty := range byProduct {
		deltas = append(deltas, models.StockDelta{ProductID: productID, Delta: qty})
	}
	sortDeltas(deltas)
	return deltas
}

func netByProduct(entries []models.StockLedgerEntry) map[uuid.UUID]decimal.Decimal {
	net := make(map[uuid.UUID]decimal.Decimal)
	for _, e := range entries {
		net[e.ProductID] = net[e.ProductID].Add(e.Delta)
	}
	return net
}

// invertNet builds the deltas that bring every product touched by the
// entries back to its pre-confirmation balance.
func invertNet(entries []models.StockLedgerEntry) []models.StockDelta {
	var inverse []models.StockDelta
	for productID, net := range netByProduct(entries) {
		if !net.IsZero() {
			inverse = append(inverse, models.StockDelta{ProductID: productID, Delta: net.Neg()})
		}
	}
	sortDeltas(inverse)
	return inverse
}

// sortDeltas keeps delta application order deterministic across runs.
func sortDeltas(deltas []models.StockDelta) {
	sort.Slice(deltas, func(i, j int) bool {
		return deltas[i].ProductID.String() < deltas[j].ProductID.String()
	})
}
