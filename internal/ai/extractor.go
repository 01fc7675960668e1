package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/remitoIA/purchase-ingest-service/internal/models"
)

// responseSchema is the fixed contract the oracle must honor. Anything
// outside it is treated as a failed attempt and retried.
const responseSchema = `{
	"type": "object",
	"required": ["header", "lines"],
	"additionalProperties": false,
	"properties": {
		"header": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"invoice_number": {"type": ["string", "null"]},
				"invoice_date": {"type": ["string", "null"]},
				"declared_total": {"type": ["number", "null"]},
				"global_discount": {"type": ["number", "null"]},
				"vat_rate": {"type": ["number", "null"]}
			}
		},
		"lines": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["title", "qty", "unit_cost"],
				"additionalProperties": false,
				"properties": {
					"sku": {"type": ["string", "null"]},
					"title": {"type": "string", "minLength": 1},
					"qty": {"type": "number", "exclusiveMinimum": 0},
					"unit_cost": {"type": "number", "minimum": 0},
					"discount_pct": {"type": ["number", "null"], "minimum": 0, "maximum": 100}
				}
			}
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("oracle.json", responseSchema)

// Hints are passed to the oracle alongside the raw text so it can favor
// what the classic pipeline almost parsed.
type Hints struct {
	Lines      []string
	Confidence float64
}

// Result is a schema-conforming oracle answer converted to domain types.
type Result struct {
	Lines    []models.PurchaseLine
	Header   models.PurchaseHeader
	Attempts int
}

// Extractor adapts a Provider into the pipeline's fallback oracle with
// schema validation and bounded retries.
type Extractor struct {
	provider   Provider
	maxRetries int
	timeout    time.Duration
}

// NewExtractor builds the oracle adapter. maxRetries bounds the number of
// attempts after the first; timeout applies per attempt.
func NewExtractor(provider Provider, maxRetries int, timeout time.Duration) *Extractor {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Extractor{provider: provider, maxRetries: maxRetries, timeout: timeout}
}

// ProviderName reports which backend answers the prompts.
func (e *Extractor) ProviderName() string { return e.provider.Name() }

// Extract asks the oracle for purchase lines. Malformed or non-conforming
// responses are retried up to the bound, then abandoned with an error; the
// caller degrades to the classic result.
func (e *Extractor) Extract(ctx context.Context, rawText string, hints Hints) (*Result, error) {
	prompt := e.buildPrompt(rawText, hints)

	var lastErr error
	for attempt := 1; attempt <= e.maxRetries+1; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
		response, err := e.provider.ExtractData(attemptCtx, prompt)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		result, err := e.parseResponse(response)
		if err != nil {
			lastErr = err
			continue
		}
		result.Attempts = attempt
		return result, nil
	}
	return nil, fmt.Errorf("oracle abandoned after %d attempts: %w", e.maxRetries+1, lastErr)
}

func (e *Extractor) buildPrompt(rawText string, hints Hints) string {
	var b strings.Builder
	b.WriteString(`Sos un experto en remitos y facturas de proveedores argentinos.
Extrae los renglones de compra del texto OCR de abajo.

Devuelve SOLO JSON valido (sin markdown, sin comentarios) con este formato exacto:
{
  "header": {
    "invoice_number": "0001-00012345 o null",
    "invoice_date": "YYYY-MM-DD o null",
    "declared_total": numero o null,
    "global_discount": numero (porcentaje) o null,
    "vat_rate": numero (porcentaje) o null
  },
  "lines": [
    {"sku": "codigo del proveedor o null", "title": "descripcion", "qty": numero > 0, "unit_cost": numero, "discount_pct": numero o null}
  ]
}

REGLAS:
1. NUNCA inventes renglones: si no hay items legibles devuelve "lines": []
2. qty siempre mayor a cero; presentaciones como "500 ML" NO son codigos ni cantidades de compra
3. Un CUIT (11 digitos) NUNCA es numero de comprobante
4. Montos como numeros decimales con punto, sin separador de miles
5. No agregues campos que no esten en el formato
`)

	if len(hints.Lines) > 0 {
		fmt.Fprintf(&b, "\nRenglones que el parser clasico detecto parcialmente (confianza %.2f):\n", hints.Confidence)
		for _, h := range hints.Lines {
			b.WriteString("- " + h + "\n")
		}
	}

	b.WriteString("\nTexto del documento:\n")
	b.WriteString(rawText)
	return b.String()
}

// parseResponse strips markdown fences, validates the JSON against the
// schema and converts it to domain types.
func (e *Extractor) parseResponse(response string) (*Result, error) {
	cleaned := strings.TrimSpace(response)
	cleaned = strings.ReplaceAll(cleaned, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)

	var generic any
	if err := json.Unmarshal([]byte(cleaned), &generic); err != nil {
		return nil, fmt.Errorf("oracle response is not JSON: %w", err)
	}
	if err := compiledSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("oracle response does not match schema: %w", err)
	}

	var raw struct {
		Header struct {
			InvoiceNumber  *string  `json:"invoice_number"`
			InvoiceDate    *string  `json:"invoice_date"`
			DeclaredTotal  *float64 `json:"declared_total"`
			GlobalDiscount *float64 `json:"global_discount"`
			VATRate        *float64 `json:"vat_rate"`
		} `json:"header"`
		Lines []struct {
			SKU         *string  `json:"sku"`
			Title       string   `json:"title"`
			Qty         float64  `json:"qty"`
			UnitCost    float64  `json:"unit_cost"`
			DiscountPct *float64 `json:"discount_pct"`
		} `json:"lines"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, fmt.Errorf("oracle response decode: %w", err)
	}

	result := &Result{}
	if raw.Header.InvoiceNumber != nil {
		result.Header.InvoiceNumber = *raw.Header.InvoiceNumber
	}
	if raw.Header.InvoiceDate != nil {
		if t, err := time.Parse("2006-01-02", *raw.Header.InvoiceDate); err == nil {
			result.Header.InvoiceDate = t
		}
	}
	if raw.Header.DeclaredTotal != nil {
		result.Header.DeclaredTotal = decimal.NewFromFloat(*raw.Header.DeclaredTotal)
	}
	if raw.Header.GlobalDiscount != nil {
		result.Header.GlobalDiscount = decimal.NewFromFloat(*raw.Header.GlobalDiscount)
	}
	if raw.Header.VATRate != nil {
		result.Header.VATRate = decimal.NewFromFloat(*raw.Header.VATRate)
	}

	for _, l := range raw.Lines {
		line := models.PurchaseLine{
			ID:               uuid.New(),
			Title:            strings.TrimSpace(l.Title),
			Quantity:         decimal.NewFromFloat(l.Qty),
			UnitCost:         decimal.NewFromFloat(l.UnitCost),
			Source:           models.SourceAI,
			SourceConfidence: 0.6,
			LinkState:        models.LinkUnmatched,
		}
		if l.SKU != nil {
			line.SupplierSKU = strings.ToUpper(strings.TrimSpace(*l.SKU))
		}
		if l.DiscountPct != nil {
			line.DiscountPct = decimal.NewFromFloat(*l.DiscountPct)
		}
		result.Lines = append(result.Lines, line)
	}
	return result, nil
}
