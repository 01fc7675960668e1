package extract

import (
	"regexp"
	"strings"
)

// Unit-of-measure tokens that disqualify a preceding numeric token from
// being an identifier ("500 ML" is a presentation, not a SKU).
var unitTokens = map[string]bool{
	"ML": true, "CC": true, "LT": true, "L": true, "LTS": true,
	"GR": true, "G": true, "GRS": true, "KG": true, "MG": true,
	"UN": true, "U": true, "UNID": true, "X": true, "CM": true, "MM": true,
}

var (
	skuBoundaryNoise = " \t*·.,:;#-"
	// OCR splits identifiers around dashes and dots; compact those runs.
	skuTruncationRe = regexp.MustCompile(`([A-Z0-9])\s*([-./])\s*([A-Z0-9])`)
	skuShapeRe      = regexp.MustCompile(`^[A-Z0-9][A-Z0-9\-./]{1,14}$`)
	allDigitsRe     = regexp.MustCompile(`^\d+$`)
)

// SKURecovery cleans candidate supplier identifiers and maps previously
// seen titles to known identifiers.
type SKURecovery struct {
	// titleMemory maps a normalized title to the supplier SKU it was last
	// seen with in the catalog.
	titleMemory map[string]string
}

// NewSKURecovery builds a recovery step over the supplier's known-title map.
func NewSKURecovery(titleMemory map[string]string) *SKURecovery {
	normalized := make(map[string]string, len(titleMemory))
	for title, sku := range titleMemory {
		normalized[normalizeTitle(title)] = sku
	}
	return &SKURecovery{titleMemory: normalized}
}

// CleanToken strips boundary noise and compacts truncation gaps. Returns
// the empty string when the token cannot be a supplier identifier.
func (r *SKURecovery) CleanToken(token, nextToken string) string {
	token = strings.ToUpper(strings.Trim(token, skuBoundaryNoise))
	for {
		compacted := skuTruncationRe.ReplaceAllString(token, "$1$2$3")
		if compacted == token {
			break
		}
		token = compacted
	}

	if token == "" || !skuShapeRe.MatchString(token) {
		return ""
	}
	// A bare number followed by a unit of measure is a quantity
	// presentation, never an identifier.
	if allDigitsRe.MatchString(token) && unitTokens[strings.ToUpper(strings.Trim(nextToken, skuBoundaryNoise))] {
		return ""
	}
	return token
}

// FromTitle returns the SKU previously associated with the title, if any.
func (r *SKURecovery) FromTitle(title string) (string, bool) {
	sku, ok := r.titleMemory[normalizeTitle(title)]
	return sku, ok
}

var titleSpaceRe = regexp.MustCompile(`\s+`)

func normalizeTitle(title string) string {
	return titleSpaceRe.ReplaceAllString(strings.ToUpper(strings.TrimSpace(title)), " ")
}
