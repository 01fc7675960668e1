package extract

import (
	"regexp"
	"strings"

	"github.com/remitoIA/purchase-ingest-service/internal/models"
)

var numericTokenRe = regexp.MustCompile(`^\$?\d[\d.,]*%?$`)

// ScoreConfidence computes the classic-extraction confidence.
//
// Score breakdown (max 1.0):
//
//	0.45  fraction of candidate rows matching the full line grammar
//	0.35  numeric-token density of the raw text, scaled so that the
//	      ~0.25 density of a clean line-item table saturates the term
//	0.20  a header number resolved from the document itself
//
// The clamp count is carried through for the event trail; it does not
// lower the score because clamped lines are flagged, not guessed.
func ScoreConfidence(strategy string, parse ParseResult, rawText string, header HeaderResult) models.ConfidenceReport {
	report := models.ConfidenceReport{
		StrategyUsed:        strategy,
		NumericDensity:      numericDensity(rawText),
		OutlierClampedCount: parse.ClampedCount + parse.ExcludedCount,
	}

	var score float64
	if parse.CandidateRows > 0 {
		score += 0.45 * float64(parse.MatchedRows) / float64(parse.CandidateRows)
	}

	densityTerm := report.NumericDensity * 4
	if densityTerm > 1 {
		densityTerm = 1
	}
	score += 0.35 * densityTerm

	if header.Header.NumberTrust == models.NumberTrustParsed && header.Header.InvoiceNumber != "" {
		score += 0.20
	}

	if score > 1.0 {
		score = 1.0
	}
	report.ClassicConfidence = score
	return report
}

// numericDensity is the share of whitespace-separated tokens that read as
// quantities, prices or percentages.
func numericDensity(text string) float64 {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return 0
	}
	numeric := 0
	for _, tok := range tokens {
		if numericTokenRe.MatchString(tok) {
			numeric++
		}
	}
	return float64(numeric) / float64(len(tokens))
}
