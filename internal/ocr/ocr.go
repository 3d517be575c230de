// Package ocr extracts text from screenshots with the tesseract CLI.
package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// DefaultBinary is looked up on PATH when no binary is configured.
const DefaultBinary = "tesseract"

// ErrUnavailable means the tesseract executable could not be found.
var ErrUnavailable = errors.New("tesseract is not installed (apt install tesseract-ocr)")

// Tesseract runs the tesseract CLI, reading the image from stdin and the
// recognized text from stdout.
type Tesseract struct {
	binary   string
	language string
	logger   *zap.Logger
}

// New returns a recognizer. An empty binary means DefaultBinary; an empty
// language leaves tesseract's default in place.
func New(binary, language string, logger *zap.Logger) *Tesseract {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Tesseract{binary: binary, language: language, logger: logger.Named("ocr")}
}

// Available checks that the executable exists. Run it once before any
// capture so a missing install fails fast.
func (t *Tesseract) Available() error {
	if _, err := exec.LookPath(t.binary); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Recognize returns the text found in img with surrounding whitespace trimmed.
func (t *Tesseract) Recognize(ctx context.Context, img []byte) (string, error) {
	if len(img) == 0 {
		return "", errors.New("ocr: empty image")
	}
	args := []string{"stdin", "stdout"}
	if t.language != "" {
		args = append(args, "-l", t.language)
	}

	cmd := exec.CommandContext(ctx, t.binary, args...)
	cmd.Stdin = bytes.NewReader(img)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("ocr: %w", ctx.Err())
		}
		return "", fmt.Errorf("ocr: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	text := strings.TrimSpace(stdout.String())
	t.logger.Debug("OCR complete.", zap.Int("image_bytes", len(img)), zap.Int("text_len", len(text)))
	return text, nil
}
