package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remitoIA/purchase-ingest-service/internal/ai"
	"github.com/remitoIA/purchase-ingest-service/internal/models"
)

type fakeOptical struct {
	text  string
	err   error
	calls int
}

func (f *fakeOptical) RasterizeAndExtract(ctx context.Context, pdfData []byte) (string, error) {
	f.calls++
	return f.text, f.err
}

type fakeOracle struct {
	result   *ai.Result
	err      error
	calls    int
	gotHints ai.Hints
}

func (f *fakeOracle) ProviderName() string { return "fake" }

func (f *fakeOracle) Extract(ctx context.Context, rawText string, hints ai.Hints) (*ai.Result, error) {
	f.calls++
	f.gotHints = hints
	return f.result, f.err
}

type fakeCatalog struct {
	memory map[string]string
}

func (f *fakeCatalog) TitleSKUMap(ctx context.Context, supplierID uuid.UUID) (map[string]string, error) {
	return f.memory, nil
}

func eventNames(events []models.ExtractionEvent) []string {
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Name)
	}
	return names
}

// tableReader simulates a digitally-born PDF carrying a column-aligned
// item table under a header row.
func tableReader(items [][4]string) RowReader {
	return func(data []byte) ([]Row, error) {
		rows := []Row{
			{Words: []Word{{Text: "Remito N° 0001-00012345", X: 0}}},
		}
		for _, it := range items {
			rows = append(rows, Row{Words: []Word{
				{Text: it[0], X: 0},
				{Text: it[1], X: 200},
				{Text: it[2], X: 400},
				{Text: it[3], X: 500},
			}})
		}
		return rows, nil
	}
}

func testDocument() Document {
	return Document{
		ID:         uuid.New(),
		SupplierID: uuid.New(),
		Filename:   "remito_scan.pdf",
		Data:       []byte("%PDF-fake"),
	}
}

func TestPipelineCleanTableNeedsNoFallbacks(t *testing.T) {
	optical := &fakeOptical{}
	oracle := &fakeOracle{}
	p := NewPipeline(testPipelineConfig(), optical, oracle, nil, nil).
		WithRowReader(tableReader([][4]string{
			{"KER-500", "Shampoo Kerastase", "2", "1250,50"},
			{"PAN-200", "Acondicionador Pantene", "5", "2100,00"},
			{"JAB-01", "Jabon liquido", "12", "890,50"},
			{"DET-10", "Detergente concentrado", "6", "450,00"},
			{"ESP-33", "Esponja vegetal", "24", "120,00"},
		}))

	out, err := p.Run(context.Background(), testDocument())
	require.NoError(t, err)

	require.Len(t, out.Draft.Lines, 5)
	for _, line := range out.Draft.Lines {
		assert.Equal(t, models.SourceClassic, line.Source)
	}
	assert.GreaterOrEqual(t, out.Draft.Confidence.ClassicConfidence, 0.8)
	assert.Equal(t, "structured", out.Draft.Confidence.StrategyUsed)

	assert.Zero(t, optical.calls, "clean tables must not trigger the optical fallback")
	assert.Zero(t, oracle.calls, "confident extractions must not consult the oracle")
	assert.False(t, out.OpticalUsed)
	assert.False(t, out.OracleUsed)

	assert.Equal(t, models.StatusDraft, out.Draft.Status)
	assert.Equal(t, "0001-00012345", out.Draft.Header.InvoiceNumber)
	assert.Equal(t, models.NumberTrustParsed, out.Draft.Header.NumberTrust)
}

func TestPipelineScannedDocumentFallsBackToOracle(t *testing.T) {
	optical := &fakeOptical{text: "pagina ilegible\nmanchas"}
	oracle := &fakeOracle{result: &ai.Result{
		Lines: []models.PurchaseLine{
			aiLine("Shampoo Kerastase", 2, 1250.50),
			aiLine("Acondicionador Pantene", 5, 2100),
			aiLine("Jabon liquido", 12, 890.50),
		},
		Header: models.PurchaseHeader{
			InvoiceNumber: "0001-00000123",
			DeclaredTotal: decimal.NewFromInt(24000),
		},
		Attempts: 1,
	}}
	p := NewPipeline(testPipelineConfig(), optical, oracle, nil, nil).
		WithRowReader(func(data []byte) ([]Row, error) {
			return nil, errors.New("no text layer")
		})

	out, err := p.Run(context.Background(), testDocument())
	require.NoError(t, err)

	assert.Equal(t, 1, optical.calls)
	assert.Equal(t, 1, oracle.calls)
	assert.True(t, out.OpticalUsed)
	assert.True(t, out.OracleUsed)

	require.Len(t, out.Draft.Lines, 3)
	for _, line := range out.Draft.Lines {
		assert.Equal(t, models.SourceAI, line.Source)
	}

	// The oracle-read number beats the filename fallback.
	assert.Equal(t, "0001-00000123", out.Draft.Header.InvoiceNumber)
	assert.Equal(t, models.NumberTrustParsed, out.Draft.Header.NumberTrust)
	assert.True(t, out.Draft.Header.DeclaredTotal.Equal(decimal.NewFromInt(24000)))

	names := eventNames(out.Events)
	assert.Contains(t, names, EventStructuredFailed)
	assert.Contains(t, names, EventOpticalInvoked)
	assert.Contains(t, names, EventStrategiesExhausted)
	assert.Contains(t, names, EventOracleLinesMerged)
}

func TestPipelineNeverMergesOracleOntoClassicLines(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.ConfidenceThreshold = 0.95
	oracle := &fakeOracle{result: &ai.Result{
		Lines: []models.PurchaseLine{
			aiLine("Manguera riego", 2, 1250.50),
			aiLine("Renglon inventado", 1, 99),
		},
		Attempts: 1,
	}}
	p := NewPipeline(cfg, nil, oracle, nil, nil).
		WithRowReader(func(data []byte) ([]Row, error) {
			return []Row{{Words: []Word{{Text: "2 Manguera riego 1.250,50", X: 0}}}}, nil
		})

	out, err := p.Run(context.Background(), testDocument())
	require.NoError(t, err)

	assert.Equal(t, 1, oracle.calls, "low confidence must consult the oracle")
	require.Len(t, out.Draft.Lines, 1, "classic lines must never be replaced or duplicated")
	assert.Equal(t, models.SourceClassic, out.Draft.Lines[0].Source)

	names := eventNames(out.Events)
	assert.Contains(t, names, EventOracleSkippedClassic)
	assert.NotContains(t, names, EventOracleLinesMerged)
}

func TestPipelineOracleAbandonedDegradesToClassic(t *testing.T) {
	oracle := &fakeOracle{err: errors.New("oracle abandoned after 3 attempts")}
	p := NewPipeline(testPipelineConfig(), nil, oracle, nil, nil).
		WithRowReader(func(data []byte) ([]Row, error) {
			return nil, nil
		})

	out, err := p.Run(context.Background(), testDocument())
	require.NoError(t, err, "an exhausted cascade is a reviewable draft, not an error")

	assert.Empty(t, out.Draft.Lines)
	assert.Equal(t, models.StatusDraft, out.Draft.Status)

	names := eventNames(out.Events)
	assert.Contains(t, names, EventStrategiesExhausted)
	assert.Contains(t, names, EventOracleAbandoned)
}

func TestPipelineClampsOracleLines(t *testing.T) {
	oracle := &fakeOracle{result: &ai.Result{
		Lines: []models.PurchaseLine{
			aiLine("Tornillo galvanizado", 999999, 10.50),
			aiLine("Compresor industrial", 1, 99000000),
			aiLine("Jabon liquido", 12, 890.50),
		},
		Attempts: 1,
	}}
	p := NewPipeline(testPipelineConfig(), nil, oracle, nil, nil).
		WithRowReader(func(data []byte) ([]Row, error) {
			return nil, nil
		})

	out, err := p.Run(context.Background(), testDocument())
	require.NoError(t, err)
	require.Len(t, out.Draft.Lines, 3)

	over := out.Draft.Lines[0]
	assert.True(t, over.Quantity.Equal(decimal.NewFromInt(10000)),
		"oracle quantities above the threshold must be clamped, got %s", over.Quantity)
	assert.True(t, over.QuantityClamped)

	outlier := out.Draft.Lines[1]
	assert.True(t, outlier.CostExcluded, "oracle cost outliers must leave the money total")
	assert.True(t, outlier.UnitCost.Equal(decimal.NewFromInt(99000000)), "the outlier value stays on the line")

	clean := out.Draft.Lines[2]
	assert.False(t, clean.QuantityClamped)
	assert.False(t, clean.CostExcluded)

	names := eventNames(out.Events)
	assert.Contains(t, names, EventQuantityClamped)
	assert.Contains(t, names, EventCostOutlierExcluded)
}

func TestPipelineForcesKnownSKUFromTitleMemory(t *testing.T) {
	catalog := &fakeCatalog{memory: map[string]string{
		"Manguera riego": "MAN-01",
	}}
	p := NewPipeline(testPipelineConfig(), nil, nil, catalog, nil).
		WithRowReader(func(data []byte) ([]Row, error) {
			return []Row{{Words: []Word{{Text: "2 Manguera riego 1.250,50", X: 0}}}}, nil
		})

	out, err := p.Run(context.Background(), testDocument())
	require.NoError(t, err)

	require.Len(t, out.Draft.Lines, 1)
	assert.Equal(t, "MAN-01", out.Draft.Lines[0].SupplierSKU)
	assert.Contains(t, eventNames(out.Events), EventSKUForced)
}

func aiLine(title string, qty, unitCost float64) models.PurchaseLine {
	return models.PurchaseLine{
		ID:               uuid.New(),
		Title:            title,
		Quantity:         decimal.NewFromFloat(qty),
		UnitCost:         decimal.NewFromFloat(unitCost),
		Source:           models.SourceAI,
		SourceConfidence: 0.6,
		LinkState:        models.LinkUnmatched,
	}
}
