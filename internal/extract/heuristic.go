package extract

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/remitoIA/purchase-ingest-service/internal/models"
)

// Per-line confidence assigned by grammar strictness.
const (
	confidenceFullGrammar    = 0.9
	confidenceRelaxedGrammar = 0.5
)

// amountPat matches money/quantity figures in both es-AR ("1.250,50")
// and en-US ("1,250.50") notations.
const amountPat = `\d{1,3}(?:[.,]\d{3})+(?:[.,]\d{1,4})?|\d+(?:[.,]\d{1,4})?`

var (
	// Full line grammar: optional SKU, quantity, wrapped title, unit cost,
	// optional discount marker, optional line subtotal.
	fullLineRe = regexp.MustCompile(
		`^\s*(?:(?P<sku>[A-Z][A-Z0-9][A-Z0-9\-./]{1,13})\s+)?` +
			`(?P<qty>\d{1,5}(?:[.,]\d{1,3})?)\s+` +
			`(?P<title>\S.*?\S)\s+` +
			`\$?\s*(?P<unit>` + amountPat + `)` +
			`(?:\s+(?P<disc>\d{1,2}(?:[.,]\d{1,2})?)\s*%)?` +
			`(?:\s+\$?\s*(?P<sub>` + amountPat + `))?\s*$`)

	// Relaxed grammar for the hybrid fallback pass: a title followed by a
	// single price, quantity defaulting to one.
	relaxedLineRe = regexp.MustCompile(
		`^\s*(?P<title>[^\d\s]\S*(?:\s+\S+)*?)\s+\$?\s*(?P<unit>` + amountPat + `)\s*$`)

	// Inline discount markers folded into the discount field.
	discountMarkerRe = regexp.MustCompile(`(?i)(?:dto\.?|desc(?:uento)?\.?|bonif(?:icaci[oó]n)?\.?)\s*:?\s*(\d{1,2}(?:[.,]\d{1,2})?)\s*%`)

	// Continuation lines carry no digits and rejoin a wrapped title.
	continuationRe = regexp.MustCompile(`^[\p{L} .,'()/-]+$`)

	// Lines that are never purchase rows regardless of shape.
	noiseLineRe = regexp.MustCompile(`(?i)\b(sub\s*-?\s*total|total|iva|i\.v\.a|cuit|ingresos brutos|p[aá]gina|hoja|fecha|vencimiento|remito|factura|original|duplicado|gracias)\b`)
)

// HeuristicParser converts raw text lines into candidate purchase lines
// using pattern rules. It backs both the text-heuristic stage and the
// reparse after optical fallback.
type HeuristicParser struct {
	maxQuantity decimal.Decimal
	maxUnitCost decimal.Decimal
	relaxed     bool
}

// NewHeuristicParser builds a parser with the configured clamp thresholds.
func NewHeuristicParser(cfg models.PipelineConfig) *HeuristicParser {
	maxQty := decimal.NewFromFloat(cfg.MaxQuantity)
	if !maxQty.IsPositive() {
		maxQty = decimal.NewFromInt(10000)
	}
	maxCost := decimal.NewFromFloat(cfg.MaxUnitCost)
	if !maxCost.IsPositive() {
		maxCost = decimal.NewFromInt(10000000)
	}
	return &HeuristicParser{maxQuantity: maxQty, maxUnitCost: maxCost}
}

// Relaxed returns a copy of the parser using the relaxed line grammar.
func (p *HeuristicParser) Relaxed() *HeuristicParser {
	cp := *p
	cp.relaxed = true
	return &cp
}

// ParseResult carries parsed lines plus the counters the confidence
// scorer and the event trail need.
type ParseResult struct {
	Lines         []models.PurchaseLine
	CandidateRows int
	MatchedRows   int
	ClampedCount  int
	ExcludedCount int
}

// Parse scans text lines top to bottom. Wrapped titles are rejoined by
// appending digit-free continuation lines to the previous parsed row.
func (p *HeuristicParser) Parse(rows []string) ParseResult {
	var res ParseResult
	for _, raw := range rows {
		row := strings.TrimSpace(raw)
		if row == "" {
			continue
		}
		if noiseLineRe.MatchString(row) {
			continue
		}
		res.CandidateRows++

		line, ok := p.parseRow(row)
		if !ok {
			// Continuation heuristic: a short alphabetic tail rejoins
			// the previous title.
			if n := len(res.Lines); n > 0 && len(row) < 40 && continuationRe.MatchString(row) {
				res.Lines[n-1].Title = res.Lines[n-1].Title + " " + row
			}
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

func (p *HeuristicParser) parseRow(row string) (models.PurchaseLine, bool) {
	// Pull inline discount markers out before grammar matching so the
	// title capture stays clean.
	disc := decimal.Zero
	if m := discountMarkerRe.FindStringSubmatch(row); m != nil {
		disc = parseAmount(m[1])
		row = strings.TrimSpace(discountMarkerRe.ReplaceAllString(row, ""))
	}

	if m := matchNamed(fullLineRe, row); m != nil {
		qty := parseAmount(m["qty"])
		if !qty.IsPositive() {
			return models.PurchaseLine{}, false
		}
		unit := parseAmount(m["unit"])
		if !unit.IsPositive() {
			return models.PurchaseLine{}, false
		}
		if disc.IsZero() && m["disc"] != "" {
			disc = parseAmount(m["disc"])
		}
		line := models.PurchaseLine{
			ID:               uuid.New(),
			SupplierSKU:      m["sku"],
			Title:            strings.TrimSpace(m["title"]),
			Quantity:         qty,
			UnitCost:         unit,
			DiscountPct:      disc,
			Source:           models.SourceClassic,
			SourceConfidence: confidenceFullGrammar,
			LinkState:        models.LinkUnmatched,
		}
		p.normalize(&line)
		return line, true
	}

	if p.relaxed {
		if m := matchNamed(relaxedLineRe, row); m != nil {
			unit := parseAmount(m["unit"])
			if !unit.IsPositive() {
				return models.PurchaseLine{}, false
			}
			line := models.PurchaseLine{
				ID:               uuid.New(),
				Title:            strings.TrimSpace(m["title"]),
				Quantity:         decimal.NewFromInt(1),
				UnitCost:         unit,
				DiscountPct:      disc,
				Source:           models.SourceClassic,
				SourceConfidence: confidenceRelaxedGrammar,
				LinkState:        models.LinkUnmatched,
			}
			p.normalize(&line)
			return line, true
		}
	}

	return models.PurchaseLine{}, false
}

// normalize enforces the quantity clamp and the unit-cost ceiling.
// Over-threshold quantities are clamped and flagged, never dropped or
// silently kept; cost outliers stay on the line but out of totals.
func (p *HeuristicParser) normalize(line *models.PurchaseLine) {
	if line.Quantity.GreaterThan(p.maxQuantity) {
		line.Quantity = p.maxQuantity
		line.QuantityClamped = true
	}
	if line.UnitCost.GreaterThan(p.maxUnitCost) {
		line.CostExcluded = true
	}
}

// matchNamed returns the named capture groups of re against s, or nil.
func matchNamed(re *regexp.Regexp, s string) map[string]string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	out := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(m) {
			out[name] = m[i]
		}
	}
	return out
}

// parseAmount handles both "1.250,50" and "1,250.50" notations plus plain
// integers. Unparseable input yields zero.
func parseAmount(s string) decimal.Decimal {
	s = strings.TrimSpace(strings.Trim(s, "$ "))
	if s == "" {
		return decimal.Zero
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		// The rightmost separator is the decimal mark.
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 <= 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 || len(s)-lastDot-1 == 3 {
			// "1.250" or "1.250.300" are thousands-grouped integers.
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
