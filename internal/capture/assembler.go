package capture

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagecap/api/schemas"
)

// Hasher computes a perceptual hash of an encoded screenshot.
type Hasher interface {
	Hash(img []byte) (string, error)
}

// TextRecognizer extracts text from an encoded screenshot.
type TextRecognizer interface {
	Recognize(ctx context.Context, img []byte) (string, error)
}

// Assembler turns a raw bundle into a CaptureResult, keeping only the
// artifacts the task asked for and running the optional image analyses.
type Assembler struct {
	hasher     Hasher
	recognizer TextRecognizer
	logger     *zap.Logger
}

// NewAssembler creates an assembler. Nil analyzers disable the matching step.
func NewAssembler(hasher Hasher, recognizer TextRecognizer, logger *zap.Logger) *Assembler {
	return &Assembler{
		hasher:     hasher,
		recognizer: recognizer,
		logger:     logger.Named("assembler"),
	}
}

// Assemble builds the result for task from bundle (which may be nil) and the
// error accumulated while capturing. Analysis failures are appended to the
// error note; nothing already collected is dropped.
func (a *Assembler) Assemble(ctx context.Context, task schemas.CaptureTask, bundle *schemas.Bundle, captureErr error) *schemas.CaptureResult {
	opts := task.Options
	res := &schemas.CaptureResult{
		TaskID:  task.ID,
		URL:     task.URL,
		Format:  opts.Format,
		History: []schemas.NavigationStep{},
	}
	errs := []error{captureErr}

	if bundle != nil {
		res.Title = bundle.Title
		if bundle.History != nil {
			res.History = bundle.History
		}
		if n := len(res.History); n > 0 {
			res.Status = res.History[n-1].Status
		}
		res.Requests = bundle.Requests
		res.Responses = bundle.Responses
		if opts.Screenshots {
			res.Screenshot = bundle.Screenshot
		}
		if opts.DOM && bundle.DOM != "" {
			dom := bundle.DOM
			res.DOM = &dom
		}
		if opts.JavaScript {
			res.Scripts = bundle.Scripts
		}
	}

	if len(res.Screenshot) > 0 {
		if opts.PerceptualHash && a.hasher != nil {
			h, err := a.hasher.Hash(res.Screenshot)
			if err != nil {
				errs = append(errs, fmt.Errorf("perceptual hash: %w", err))
			} else {
				res.PerceptualHash = h
			}
		}
		if opts.OCR && a.recognizer != nil {
			text, err := a.recognizer.Recognize(ctx, res.Screenshot)
			if err != nil {
				errs = append(errs, fmt.Errorf("ocr: %w", err))
			} else {
				res.OCRText = &text
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		res.Error = err.Error()
		a.logger.Debug("Capture assembled with errors.", zap.String("url", task.URL), zap.Error(err))
	}
	return res
}
