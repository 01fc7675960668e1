package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Draft lifecycle states. Transitions are forward-only except VOIDED,
// reachable from CONFIRMED via rollback or from DRAFT/VALIDATED via cancel.
const (
	StatusDraft     = "DRAFT"
	StatusValidated = "VALIDATED"
	StatusConfirmed = "CONFIRMED"
	StatusVoided    = "VOIDED"
)

// Line linkage states.
const (
	LinkMatched   = "matched"
	LinkUnmatched = "unmatched"
	LinkDeleted   = "deleted"
)

// Line provenance.
const (
	SourceClassic = "classic"
	SourceAI      = "ai"
)

// Invoice number trust levels set by the header resolver.
const (
	NumberTrustParsed   = "parsed"
	NumberTrustFilename = "filename"
)

// PurchaseLine is one candidate purchase row extracted from a document.
// Mutable until the owning draft is confirmed.
type PurchaseLine struct {
	ID               uuid.UUID       `json:"id"`
	SupplierSKU      string          `json:"supplier_sku,omitempty"`
	ProductID        *uuid.UUID      `json:"product_id,omitempty"`
	Title            string          `json:"title"`
	Quantity         decimal.Decimal `json:"quantity"`
	UnitCost         decimal.Decimal `json:"unit_cost"`
	DiscountPct      decimal.Decimal `json:"discount_pct,omitempty"`
	SourceConfidence float64         `json:"source_confidence"`
	Source           string          `json:"source"`
	LinkState        string          `json:"link_state"`

	// QuantityClamped marks quantities that exceeded the clamp threshold
	// and were reduced to it. CostExcluded marks unit-cost outliers that
	// are kept on the draft but left out of applied totals.
	QuantityClamped bool `json:"quantity_clamped,omitempty"`
	CostExcluded    bool `json:"cost_excluded,omitempty"`
}

// Subtotal returns quantity * unit cost after the line discount.
func (l *PurchaseLine) Subtotal() decimal.Decimal {
	sub := l.Quantity.Mul(l.UnitCost)
	if l.DiscountPct.IsPositive() {
		factor := decimal.NewFromInt(100).Sub(l.DiscountPct).Div(decimal.NewFromInt(100))
		sub = sub.Mul(factor)
	}
	return sub
}

// PurchaseHeader carries the resolved invoice identity and declared totals.
type PurchaseHeader struct {
	SupplierID     uuid.UUID       `json:"supplier_id"`
	InvoiceNumber  string          `json:"invoice_number"`
	NumberTrust    string          `json:"number_trust"`
	InvoiceDate    time.Time       `json:"invoice_date"`
	GlobalDiscount decimal.Decimal `json:"global_discount"`
	VATRate        decimal.Decimal `json:"vat_rate"`
	DeclaredTotal  decimal.Decimal `json:"declared_total"`
}

// ConfidenceReport summarizes how trustworthy the classic extraction is.
type ConfidenceReport struct {
	ClassicConfidence   float64 `json:"classic_confidence"`
	StrategyUsed        string  `json:"strategy_used"`
	NumericDensity      float64 `json:"numeric_density"`
	OutlierClampedCount int     `json:"outlier_clamped_count"`
}

// PurchaseDraft is the aggregate root produced by the extraction pipeline.
// A zero-line draft is a valid terminal state requiring human review.
type PurchaseDraft struct {
	ID          uuid.UUID        `json:"id"`
	SupplierID  uuid.UUID        `json:"supplier_id"`
	Filename    string           `json:"filename"`
	DocumentURL string           `json:"document_url,omitempty"`
	Status      string           `json:"status"`
	Header      PurchaseHeader   `json:"header"`
	Lines       []PurchaseLine   `json:"lines"`
	Confidence  ConfidenceReport `json:"confidence"`
	CreatedAt   time.Time        `json:"created_at"`
	ConfirmedAt *time.Time       `json:"confirmed_at,omitempty"`
}

// ActiveLines returns lines that are not deleted.
func (d *PurchaseDraft) ActiveLines() []PurchaseLine {
	out := make([]PurchaseLine, 0, len(d.Lines))
	for _, l := range d.Lines {
		if l.LinkState != LinkDeleted {
			out = append(out, l)
		}
	}
	return out
}

// StockLedgerEntry is one append-only inventory delta. balance_after always
// equals the previous balance_after for the product plus delta.
type StockLedgerEntry struct {
	ID           int64           `json:"id"`
	ProductID    uuid.UUID       `json:"product_id"`
	SourceType   string          `json:"source_type"`
	SourceID     uuid.UUID       `json:"source_id"`
	Delta        decimal.Decimal `json:"delta"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

// StockDelta is a pending per-product stock change computed by the
// confirmation engine before it is applied and journaled.
type StockDelta struct {
	ProductID uuid.UUID       `json:"product_id"`
	Delta     decimal.Decimal `json:"delta"`
}

// ExtractionEvent is one append-only diagnostic record emitted while a
// document moves through the pipeline.
type ExtractionEvent struct {
	ID         int64          `json:"id"`
	DocumentID uuid.UUID      `json:"document_id"`
	Stage      string         `json:"stage"`
	Name       string         `json:"name"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// PipelineMetrics are rolling-window counters over the event log.
type PipelineMetrics struct {
	WindowHours       int            `json:"window_hours"`
	DocumentsSeen     int            `json:"documents_seen"`
	AverageConfidence float64        `json:"average_confidence"`
	OracleInvocations int            `json:"oracle_invocations"`
	OracleSuccessRate float64        `json:"oracle_success_rate"`
	LinesAddedByAI    int            `json:"lines_added_by_oracle"`
	ErrorBreakdown    map[string]int `json:"error_breakdown"`
}
