package extract

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/remitoIA/purchase-ingest-service/internal/ai"
	"github.com/remitoIA/purchase-ingest-service/internal/models"
)

// Pipeline stages for the event trail.
const (
	StagePipeline   = "pipeline"
	StageStructured = "structured"
	StageHeuristic  = "heuristic"
	StageHeader     = "header"
	StageSKU        = "sku"
	StageConfidence = "confidence"
	StageOptical    = "optical"
	StageRelaxed    = "relaxed"
	StageOracle     = "oracle"
	StageMerge      = "merge"
)

// Event names. Every decision the cascade takes shows up as one of these.
const (
	EventStarted              = "started"
	EventStructuredFailed     = "structured_failed"
	EventStructuredRows       = "structured_rows_found"
	EventStructuredShort      = "structured_insufficient"
	EventHeuristicLines       = "heuristic_lines"
	EventHeaderResolved       = "header_resolved"
	EventHeaderFromFilename   = "header_filename_fallback"
	EventCUITRejected         = "tax_id_rejected"
	EventSKUForced            = "sku_forced"
	EventQuantityClamped      = "quantity_clamped"
	EventCostOutlierExcluded  = "cost_outlier_excluded"
	EventConfidenceScored     = "confidence_scored"
	EventOpticalInvoked       = "optical_invoked"
	EventOpticalFailed        = "optical_failed"
	EventRelaxedPass          = "relaxed_pass"
	EventStrategiesExhausted  = "strategies_exhausted"
	EventOracleInvoked        = "oracle_invoked"
	EventOracleSucceeded      = "oracle_succeeded"
	EventOracleAbandoned      = "oracle_abandoned"
	EventOracleLinesMerged    = "oracle_lines_merged"
	EventOracleSkippedClassic = "oracle_skipped_classic_present"
)

// Optical recovers raw text from page images, possibly slowly or not at all.
type Optical interface {
	RasterizeAndExtract(ctx context.Context, pdfData []byte) (string, error)
}

// Oracle is the AI fallback, consulted only under low confidence or empty
// classic results.
type Oracle interface {
	ProviderName() string
	Extract(ctx context.Context, rawText string, hints ai.Hints) (*ai.Result, error)
}

// Catalog is the read-only lookup used during SKU recovery.
type Catalog interface {
	TitleSKUMap(ctx context.Context, supplierID uuid.UUID) (map[string]string, error)
}

// EventSink receives the append-only diagnostic trail. Sink failures are
// logged and ignored; diagnostics never break extraction.
type EventSink interface {
	Emit(ctx context.Context, documentID uuid.UUID, stage, name string, payload map[string]any) error
}

// Document is one processing unit: a single upload in, a single draft out.
type Document struct {
	ID         uuid.UUID
	SupplierID uuid.UUID
	Filename   string
	Data       []byte
}

// Outcome is the pipeline result: a draft (possibly zero-line), the event
// trail of the run and timing for the upload response.
type Outcome struct {
	Draft         *models.PurchaseDraft
	Events        []models.ExtractionEvent
	OpticalUsed   bool
	OracleUsed    bool
	OCRSeconds    float64
	OracleSeconds float64
}

// RowReader turns document bytes into positioned text rows. Replaceable
// in tests; defaults to ReadRows.
type RowReader func(data []byte) ([]Row, error)

// Pipeline coordinates the ordered extraction cascade. Each stage runs
// only when the prior stage's output is insufficient; a stage failure
// continues the cascade instead of aborting it.
type Pipeline struct {
	cfg        models.PipelineConfig
	reader     RowReader
	structured *StructuredParser
	heuristic  *HeuristicParser
	optical    Optical
	oracle     Oracle
	catalog    Catalog
	sink       EventSink
}

// NewPipeline wires the cascade. optical, oracle, catalog and sink may be
// nil; the corresponding stages are skipped or muted.
func NewPipeline(cfg models.PipelineConfig, optical Optical, oracle Oracle, catalog Catalog, sink EventSink) *Pipeline {
	if cfg.MinClassicLines <= 0 {
		cfg.MinClassicLines = 1
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.5
	}
	return &Pipeline{
		cfg:        cfg,
		reader:     ReadRows,
		structured: NewStructuredParser(cfg),
		heuristic:  NewHeuristicParser(cfg),
		optical:    optical,
		oracle:     oracle,
		catalog:    catalog,
		sink:       sink,
	}
}

// WithRowReader replaces the PDF row reader.
func (p *Pipeline) WithRowReader(r RowReader) *Pipeline {
	p.reader = r
	return p
}

// Run executes the cascade for one document. It always returns a draft:
// zero lines with a full event trail is the valid terminal state when
// every strategy is exhausted.
func (p *Pipeline) Run(ctx context.Context, doc Document) (*Outcome, error) {
	out := &Outcome{}
	emit := func(stage, name string, payload map[string]any) {
		ev := models.ExtractionEvent{
			DocumentID: doc.ID,
			Stage:      stage,
			Name:       name,
			Payload:    payload,
			CreatedAt:  time.Now(),
		}
		out.Events = append(out.Events, ev)
		if p.sink != nil {
			if err := p.sink.Emit(ctx, doc.ID, stage, name, payload); err != nil {
				log.Printf("[Pipeline] event sink failed for %s/%s: %v", stage, name, err)
			}
		}
	}

	emit(StagePipeline, EventStarted, map[string]any{"filename": doc.Filename, "bytes": len(doc.Data)})

	// Stage 1: structured extraction on digitally-born documents.
	rows, err := p.reader(doc.Data)
	if err != nil {
		emit(StageStructured, EventStructuredFailed, map[string]any{"error": err.Error()})
	}
	rawText := RowsText(rows)

	strategy := "structured"
	parse := p.structured.Parse(rows)
	if len(parse.Lines) > 0 {
		emit(StageStructured, EventStructuredRows, map[string]any{"lines": len(parse.Lines)})
	} else {
		// Stage 2: text heuristics over the same rows.
		emit(StageStructured, EventStructuredShort, nil)
		strategy = "heuristic"
		parse = p.heuristic.Parse(splitRows(rawText))
		emit(StageHeuristic, EventHeuristicLines, map[string]any{"lines": len(parse.Lines), "candidate_rows": parse.CandidateRows})
	}

	// Stage 3: header resolution, independent of line extraction.
	header := p.resolveHeader(rawText, doc.Filename, emit)

	// Stage 6: optical fallback when classic output is too thin.
	if len(parse.Lines) < p.cfg.MinClassicLines && p.optical != nil {
		emit(StageOptical, EventOpticalInvoked, map[string]any{"classic_lines": len(parse.Lines)})
		ocrStart := time.Now()
		ocrText, err := p.optical.RasterizeAndExtract(ctx, doc.Data)
		out.OCRSeconds = time.Since(ocrStart).Seconds()
		out.OpticalUsed = true
		if err != nil {
			emit(StageOptical, EventOpticalFailed, map[string]any{"error": err.Error()})
		} else {
			reparse := p.heuristic.Parse(splitRows(ocrText))
			if len(reparse.Lines) > len(parse.Lines) {
				parse = reparse
				strategy = "optical"
				rawText = ocrText
			}
			// A document-resolved header beats a filename fallback.
			if header.Header.NumberTrust == models.NumberTrustFilename {
				if redo := ResolveHeader(ocrText, doc.Filename); redo.Header.NumberTrust == models.NumberTrustParsed {
					header = redo
					emit(StageHeader, EventHeaderResolved, map[string]any{"number": redo.Header.InvoiceNumber, "source": "optical"})
				}
			}
		}
	}

	// Stage 7: hybrid fallback with the relaxed grammar.
	if len(parse.Lines) < p.cfg.MinClassicLines {
		relaxed := p.heuristic.Relaxed().Parse(splitRows(rawText))
		emit(StageRelaxed, EventRelaxedPass, map[string]any{"lines": len(relaxed.Lines)})
		if len(relaxed.Lines) > len(parse.Lines) {
			parse = relaxed
			strategy = "relaxed"
		}
	}
	if len(parse.Lines) == 0 {
		emit(StagePipeline, EventStrategiesExhausted, nil)
	}

	// Stage 4: per-line SKU recovery against the catalog.
	p.recoverSKUs(ctx, doc.SupplierID, parse.Lines, emit)
	if parse.ClampedCount > 0 {
		emit(StageHeuristic, EventQuantityClamped, map[string]any{"count": parse.ClampedCount})
	}
	if parse.ExcludedCount > 0 {
		emit(StageHeuristic, EventCostOutlierExcluded, map[string]any{"count": parse.ExcludedCount})
	}

	// Stage 5: confidence scoring.
	confidence := ScoreConfidence(strategy, parse, rawText, header)
	emit(StageConfidence, EventConfidenceScored, map[string]any{
		"confidence": confidence.ClassicConfidence,
		"strategy":   strategy,
		"density":    confidence.NumericDensity,
	})

	lines := parse.Lines

	// Stage 8: AI fallback under low confidence or empty results. Safe
	// merge: oracle lines are appended only onto an empty classic set.
	if p.oracle != nil && (len(lines) == 0 || confidence.ClassicConfidence < p.cfg.ConfidenceThreshold) {
		lines, header = p.runOracle(ctx, rawText, lines, header, confidence, out, emit)
	}

	now := time.Now()
	hdr := header.Header
	hdr.SupplierID = doc.SupplierID
	out.Draft = &models.PurchaseDraft{
		ID:         doc.ID,
		SupplierID: doc.SupplierID,
		Filename:   doc.Filename,
		Status:     models.StatusDraft,
		Header:     hdr,
		Lines:      lines,
		Confidence: confidence,
		CreatedAt:  now,
	}
	return out, nil
}

func (p *Pipeline) resolveHeader(rawText, filename string, emit func(string, string, map[string]any)) HeaderResult {
	header := ResolveHeader(rawText, filename)
	if header.RejectedCUITs > 0 {
		emit(StageHeader, EventCUITRejected, map[string]any{"count": header.RejectedCUITs})
	}
	if header.Header.NumberTrust == models.NumberTrustFilename {
		emit(StageHeader, EventHeaderFromFilename, map[string]any{"number": header.Header.InvoiceNumber})
	} else {
		emit(StageHeader, EventHeaderResolved, map[string]any{"number": header.Header.InvoiceNumber, "source": header.NumberSource})
	}
	return header
}

// recoverSKUs cleans extracted identifiers and forces known ones from the
// supplier's title history.
func (p *Pipeline) recoverSKUs(ctx context.Context, supplierID uuid.UUID, lines []models.PurchaseLine, emit func(string, string, map[string]any)) {
	var memory map[string]string
	if p.catalog != nil {
		m, err := p.catalog.TitleSKUMap(ctx, supplierID)
		if err != nil {
			log.Printf("[Pipeline] title memory unavailable: %v", err)
		} else {
			memory = m
		}
	}
	recovery := NewSKURecovery(memory)

	for i := range lines {
		line := &lines[i]
		line.SupplierSKU = recovery.CleanToken(line.SupplierSKU, firstToken(line.Title))
		if line.SupplierSKU == "" {
			if sku, ok := recovery.FromTitle(line.Title); ok {
				line.SupplierSKU = sku
				emit(StageSKU, EventSKUForced, map[string]any{"title": line.Title, "sku": sku})
			}
		}
	}
}

func (p *Pipeline) runOracle(
	ctx context.Context,
	rawText string,
	classic []models.PurchaseLine,
	header HeaderResult,
	confidence models.ConfidenceReport,
	out *Outcome,
	emit func(string, string, map[string]any),
) ([]models.PurchaseLine, HeaderResult) {
	hints := ai.Hints{Confidence: confidence.ClassicConfidence}
	for _, l := range classic {
		hints.Lines = append(hints.Lines, l.Title)
	}

	emit(StageOracle, EventOracleInvoked, map[string]any{
		"provider":   p.oracle.ProviderName(),
		"confidence": confidence.ClassicConfidence,
		"classic":    len(classic),
	})

	start := time.Now()
	result, err := p.oracle.Extract(ctx, rawText, hints)
	out.OracleSeconds = time.Since(start).Seconds()
	out.OracleUsed = true

	if err != nil {
		// Degrade to the best classic result, even if empty.
		emit(StageOracle, EventOracleAbandoned, map[string]any{"error": err.Error()})
		return classic, header
	}
	emit(StageOracle, EventOracleSucceeded, map[string]any{"lines": len(result.Lines), "attempts": result.Attempts})

	if len(classic) > 0 {
		emit(StageMerge, EventOracleSkippedClassic, map[string]any{"classic": len(classic), "oracle": len(result.Lines)})
		return classic, header
	}

	emit(StageMerge, EventOracleLinesMerged, map[string]any{"lines": len(result.Lines)})

	// Oracle output obeys the same quantity clamp and unit-cost ceiling
	// as classic lines.
	parser := NewHeuristicParser(p.cfg)
	var clamped, excluded int
	for i := range result.Lines {
		line := &result.Lines[i]
		parser.normalize(line)
		if line.QuantityClamped {
			clamped++
		}
		if line.CostExcluded {
			excluded++
		}
	}
	if clamped > 0 {
		emit(StageMerge, EventQuantityClamped, map[string]any{"count": clamped})
	}
	if excluded > 0 {
		emit(StageMerge, EventCostOutlierExcluded, map[string]any{"count": excluded})
	}

	// A low-trust header yields to what the oracle read off the page.
	if header.Header.NumberTrust == models.NumberTrustFilename && result.Header.InvoiceNumber != "" {
		header.Header.InvoiceNumber = result.Header.InvoiceNumber
		header.Header.NumberTrust = models.NumberTrustParsed
		header.NumberSource = "oracle"
	}
	if header.Header.DeclaredTotal.IsZero() {
		header.Header.DeclaredTotal = result.Header.DeclaredTotal
	}
	if header.Header.InvoiceDate.IsZero() {
		header.Header.InvoiceDate = result.Header.InvoiceDate
	}
	return result.Lines, header
}

func splitRows(text string) []string {
	return strings.Split(text, "\n")
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
