package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"github.com/shopspring/decimal"

	"github.com/remitoIA/purchase-ingest-service/internal/models"
)

// Word is a positioned text fragment from a digitally-born PDF.
type Word struct {
	Text string
	X    float64
}

// Row is one visual text row across a page.
type Row struct {
	Words []Word
}

// Text joins the row's words with single spaces.
func (r Row) Text() string {
	parts := make([]string, 0, len(r.Words))
	for _, w := range r.Words {
		if s := strings.TrimSpace(w.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// ReadRows extracts positioned text rows from every page of a PDF.
// Scanned documents typically return few or no rows here; that is the
// signal that pushes the cascade toward the optical fallback.
func ReadRows(data []byte) ([]Row, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	var rows []Row
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		pageRows, err := page.GetTextByRow()
		if err != nil {
			return nil, fmt.Errorf("page %d text: %w", pageNum, err)
		}
		for _, pr := range pageRows {
			var row Row
			for _, word := range pr.Content {
				row.Words = append(row.Words, Word{Text: word.S, X: word.X})
			}
			if len(row.Words) > 0 {
				rows = append(rows, row)
			}
		}
	}
	return rows, nil
}

// RowsText flattens rows into the raw text used by the header resolver,
// the confidence scorer and the oracle prompt.
func RowsText(rows []Row) string {
	var b strings.Builder
	for _, r := range rows {
		b.WriteString(r.Text())
		b.WriteByte('\n')
	}
	return b.String()
}

// columnGap is the horizontal distance (points) that separates two cells
// of a table; smaller gaps are intra-cell word spacing.
const columnGap = 14.0

// StructuredParser detects column-aligned tables in digitally-born PDFs
// and turns them into candidate purchase lines.
type StructuredParser struct {
	norm *HeuristicParser
}

// NewStructuredParser shares the heuristic parser's clamp thresholds.
func NewStructuredParser(cfg models.PipelineConfig) *StructuredParser {
	return &StructuredParser{norm: NewHeuristicParser(cfg)}
}

type structuredRow struct {
	cells []string
}

// Parse groups row words into cells by X gaps, then accepts the largest
// set of rows sharing a cell-count signature. A set needs at least two
// consistent rows; anything less falls through to the heuristic parser.
func (p *StructuredParser) Parse(rows []Row) ParseResult {
	var res ParseResult

	bySignature := make(map[int][]structuredRow)
	for _, row := range rows {
		if noiseLineRe.MatchString(row.Text()) {
			continue
		}
		cells := splitCells(row)
		if len(cells) < 3 {
			continue
		}
		res.CandidateRows++
		if countNumericCells(cells) < 2 {
			continue
		}
		bySignature[len(cells)] = append(bySignature[len(cells)], structuredRow{cells: cells})
	}

	var best []structuredRow
	for _, group := range bySignature {
		if len(group) > len(best) {
			best = group
		}
	}
	if len(best) < 2 {
		return res
	}

	for _, row := range best {
		line, ok := p.lineFromCells(row.cells)
		if !ok {
			continue
		}
		res.MatchedRows++
		if line.QuantityClamped {
			res.ClampedCount++
		}
		if line.CostExcluded {
			res.ExcludedCount++
		}
		res.Lines = append(res.Lines, line)
	}
	return res
}

// lineFromCells maps a table row onto a purchase line: first numeric cell
// is the quantity, the next the unit cost, a trailing percentage the
// discount, and the text cells concatenate into the title. The leading
// cell becomes the SKU when it has identifier shape.
func (p *StructuredParser) lineFromCells(cells []string) (models.PurchaseLine, bool) {
	line := models.PurchaseLine{
		ID:               uuid.New(),
		Source:           models.SourceClassic,
		SourceConfidence: confidenceFullGrammar,
		LinkState:        models.LinkUnmatched,
	}

	var titleParts []string
	var numbers []decimal.Decimal
	for i, cell := range cells {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		if strings.HasSuffix(cell, "%") {
			line.DiscountPct = parseAmount(strings.TrimSuffix(cell, "%"))
			continue
		}
		if numericTokenRe.MatchString(cell) {
			numbers = append(numbers, parseAmount(cell))
			continue
		}
		if i == 0 && skuShapeRe.MatchString(strings.ToUpper(cell)) {
			line.SupplierSKU = strings.ToUpper(cell)
			continue
		}
		titleParts = append(titleParts, cell)
	}

	if len(titleParts) == 0 || len(numbers) < 2 {
		return models.PurchaseLine{}, false
	}
	line.Title = strings.Join(titleParts, " ")
	line.Quantity = numbers[0]
	line.UnitCost = numbers[1]
	if !line.Quantity.IsPositive() || !line.UnitCost.IsPositive() {
		return models.PurchaseLine{}, false
	}
	p.norm.normalize(&line)
	return line, true
}

func splitCells(row Row) []string {
	var cells []string
	var current strings.Builder
	lastEnd := -1.0
	for _, w := range row.Words {
		if lastEnd >= 0 && w.X-lastEnd > columnGap {
			cells = append(cells, strings.TrimSpace(current.String()))
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(w.Text)
		// Approximate glyph advance; exact widths are not needed to find
		// column gaps an order of magnitude larger.
		lastEnd = w.X + float64(len(w.Text))*5
	}
	if current.Len() > 0 {
		cells = append(cells, strings.TrimSpace(current.String()))
	}
	return cells
}

func countNumericCells(cells []string) int {
	n := 0
	for _, c := range cells {
		if numericTokenRe.MatchString(strings.TrimSpace(c)) {
			n++
		}
	}
	return n
}
