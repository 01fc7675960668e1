package ocr

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// Optical is the pipeline-facing fallback extractor: rasterize pages,
// OCR each one, join the recovered text.
type Optical struct {
	rasterizer *Rasterizer
	engine     *TesseractOCR
	timeout    time.Duration
}

// NewOptical builds the fallback with a whole-document timeout.
func NewOptical(language string, dpi, timeoutSeconds int) *Optical {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 120
	}
	return &Optical{
		rasterizer: NewRasterizer(dpi),
		engine:     NewTesseractOCR(language),
		timeout:    time.Duration(timeoutSeconds) * time.Second,
	}
}

// RasterizeAndExtract converts the document to page images and runs OCR
// over each. A page that fails OCR is skipped, not fatal; the caller
// decides whether the recovered text is sufficient.
func (o *Optical) RasterizeAndExtract(ctx context.Context, pdfData []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	pages, err := o.rasterizer.Rasterize(ctx, pdfData)
	if err != nil {
		return "", fmt.Errorf("rasterize: %w", err)
	}

	var b strings.Builder
	recognized := 0
	for i, page := range pages {
		text, seconds, err := o.engine.ExtractText(ctx, page)
		if err != nil {
			log.Printf("[OCR] page %d failed after %.1fs: %v", i+1, seconds, err)
			continue
		}
		log.Printf("[OCR] page %d recognized in %.1fs (%d chars)", i+1, seconds, len(text))
		b.WriteString(text)
		b.WriteByte('\n')
		recognized++
	}

	if recognized == 0 {
		return "", fmt.Errorf("ocr recognized no pages out of %d", len(pages))
	}
	return b.String(), nil
}
