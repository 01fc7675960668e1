package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
)

// Rasterizer renders PDF pages to grayscale PNGs for OCR.
// Uses pdftoppm (poppler) when present, ImageMagick otherwise.
type Rasterizer struct {
	dpi int
}

// NewRasterizer creates a rasterizer; dpi defaults to 300.
func NewRasterizer(dpi int) *Rasterizer {
	if dpi <= 0 {
		dpi = 300
	}
	return &Rasterizer{dpi: dpi}
}

// Rasterize writes the document to a temp file and renders every page.
// Returns one PNG per page in page order.
func (r *Rasterizer) Rasterize(ctx context.Context, pdfData []byte) ([][]byte, error) {
	tmpDir, err := os.MkdirTemp("", "rasterize")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	inputFile := filepath.Join(tmpDir, "input.pdf")
	if err := os.WriteFile(inputFile, pdfData, 0644); err != nil {
		return nil, fmt.Errorf("write temp pdf: %w", err)
	}

	outPrefix := filepath.Join(tmpDir, "page")

	var cmd *exec.Cmd
	if _, err := exec.LookPath("pdftoppm"); err == nil {
		cmd = exec.CommandContext(ctx, "pdftoppm",
			"-r", strconv.Itoa(r.dpi),
			"-gray",
			"-png",
			inputFile, outPrefix,
		)
	} else if _, err := exec.LookPath("magick"); err == nil {
		cmd = exec.CommandContext(ctx, "magick",
			"-density", strconv.Itoa(r.dpi),
			inputFile,
			"-colorspace", "Gray",
			"-normalize",
			"-sharpen", "0x1",
			outPrefix+"-%02d.png",
		)
	} else {
		cmd = exec.CommandContext(ctx, "convert",
			"-density", strconv.Itoa(r.dpi),
			inputFile,
			"-colorspace", "Gray",
			"-normalize",
			"-sharpen", "0x1",
			outPrefix+"-%02d.png",
		)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("rasterize failed: %w (%s)", err, stderr.String())
	}

	matches, err := filepath.Glob(outPrefix + "*.png")
	if err != nil || len(matches) == 0 {
		return nil, fmt.Errorf("rasterize produced no pages")
	}
	sort.Strings(matches)

	pages := make([][]byte, 0, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, fmt.Errorf("read page %s: %w", m, err)
		}
		pages = append(pages, data)
	}
	return pages, nil
}
