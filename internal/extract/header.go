package extract

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/remitoIA/purchase-ingest-service/internal/models"
)

var (
	// Canonical comprobante number: four-digit branch, dash, eight-digit
	// sequence, optionally behind a letter class ("A 0001-00012345"),
	// anchored at a known document prefix.
	prefixedNumberRe = regexp.MustCompile(`(?i)(?:factura|fact?\.?|remito|comprobante|comp\.?|n[ºo°]\.?)\s*[:#]?\s*(?:[A-C]\s*)?(\d{4})\s*-\s*(\d{8})`)
	bareNumberRe     = regexp.MustCompile(`(?:^|\s)(\d{4})\s*-\s*(\d{8})(?:\s|$)`)

	// CUIT shapes. An 11-digit numeric token is a tax identifier, never an
	// invoice number candidate.
	cuitDashedRe = regexp.MustCompile(`\b\d{2}-\d{8}-\d\b`)
	cuitPlainRe  = regexp.MustCompile(`\b\d{11}\b`)

	dateRe = regexp.MustCompile(`\b(\d{1,2})[/\-.](\d{1,2})[/\-.](\d{2,4})\b`)

	declaredTotalRe = regexp.MustCompile(`(?i)\btotal\b[^\d]{0,20}\$?\s*(` + amountPat + `)`)
	globalDiscRe    = regexp.MustCompile(`(?i)\b(?:descuento|bonificaci[oó]n)\s+general\b[^\d]{0,20}(\d{1,2}(?:[.,]\d{1,2})?)\s*%`)
	vatRateRe       = regexp.MustCompile(`(?i)\bi\.?v\.?a\.?\s*:?\s*(\d{1,2}(?:[.,]\d{1,2})?)\s*%`)

	filenameNoiseRe = regexp.MustCompile(`[^A-Za-z0-9-]+`)
)

// HeaderResult is the resolved header plus what the event trail needs to
// explain how the number was chosen.
type HeaderResult struct {
	Header        models.PurchaseHeader
	NumberSource  string
	RejectedCUITs int
}

// ResolveHeader extracts the invoice number and date from raw text,
// independent of line extraction. Disambiguation order: canonical
// prefixed pattern, bare pattern, filename-derived number tagged
// low-trust. Tokens of tax-identifier length are rejected outright.
func ResolveHeader(text, filename string) HeaderResult {
	res := HeaderResult{}
	res.Header.NumberTrust = models.NumberTrustParsed

	// Strip CUIT tokens first so their digit runs can never be mistaken
	// for comprobante sequences.
	res.RejectedCUITs = len(cuitDashedRe.FindAllString(text, -1)) + len(cuitPlainRe.FindAllString(cuitDashedRe.ReplaceAllString(text, " "), -1))
	scrubbed := cuitPlainRe.ReplaceAllString(cuitDashedRe.ReplaceAllString(text, " "), " ")

	if m := prefixedNumberRe.FindStringSubmatch(scrubbed); m != nil {
		res.Header.InvoiceNumber = m[1] + "-" + m[2]
		res.NumberSource = "prefixed"
	} else if m := bareNumberRe.FindStringSubmatch(scrubbed); m != nil {
		res.Header.InvoiceNumber = m[1] + "-" + m[2]
		res.NumberSource = "bare"
	} else {
		res.Header.InvoiceNumber = numberFromFilename(filename)
		res.Header.NumberTrust = models.NumberTrustFilename
		res.NumberSource = "filename"
	}

	res.Header.InvoiceDate = resolveDate(text)
	res.Header.DeclaredTotal = resolveDeclaredTotal(text)

	if m := globalDiscRe.FindStringSubmatch(text); m != nil {
		res.Header.GlobalDiscount = parseAmount(m[1])
	}
	if m := vatRateRe.FindStringSubmatch(text); m != nil {
		res.Header.VATRate = parseAmount(m[1])
	}

	return res
}

// resolveDate picks the first parseable dd/mm/yyyy-style token.
func resolveDate(text string) time.Time {
	for _, m := range dateRe.FindAllStringSubmatch(text, -1) {
		for _, layout := range []string{"2/1/2006", "2/1/06"} {
			candidate := m[1] + "/" + m[2] + "/" + m[3]
			if t, err := time.Parse(layout, candidate); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// resolveDeclaredTotal takes the largest amount labeled TOTAL; subtotal
// and per-line totals are smaller by construction.
func resolveDeclaredTotal(text string) decimal.Decimal {
	best := decimal.Zero
	for _, m := range declaredTotalRe.FindAllStringSubmatch(text, -1) {
		if v := parseAmount(m[1]); v.GreaterThan(best) {
			best = v
		}
	}
	return best
}

// numberFromFilename derives a low-trust invoice number from the upload
// filename when the document itself yields none.
func numberFromFilename(filename string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	cleaned := strings.Trim(filenameNoiseRe.ReplaceAllString(base, "-"), "-")
	if cleaned == "" {
		return "SIN-NUMERO"
	}
	return strings.ToUpper(cleaned)
}
