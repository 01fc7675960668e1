package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// TesseractOCR shells out to the tesseract binary. CGO bindings are
// intentionally avoided so the service builds everywhere tesseract runs.
type TesseractOCR struct {
	language string
}

// NewTesseractOCR creates an OCR engine for the given language pack.
func NewTesseractOCR(language string) *TesseractOCR {
	if language == "" {
		language = "spa"
	}
	return &TesseractOCR{language: language}
}

// ExtractText runs OCR over one page image via stdin/stdout and returns
// the recognized text plus the elapsed seconds.
func (t *TesseractOCR) ExtractText(ctx context.Context, imageData []byte) (string, float64, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, "tesseract",
		"stdin", "stdout",
		"-l", t.language,
		"--psm", "6", // assume a uniform block of text
	)
	cmd.Stdin = bytes.NewReader(imageData)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", time.Since(start).Seconds(), fmt.Errorf("tesseract failed: %w (%s)", err, stderr.String())
	}

	return stdout.String(), time.Since(start).Seconds(), nil
}

// Available reports whether the tesseract binary can be executed.
func Available() bool {
	_, err := exec.LookPath("tesseract")
	return err == nil
}
