// Package recognition locates licence plates in a frame and reads their
// characters. Backends are black boxes behind Recognizer.
package recognition

import (
	"context"
	"image"

	"github.com/pkg/errors"

	"github.com/pyropy/carlens/core/model"
)

var (
	ErrRecognition = errors.New("recognition failed")
)

type Result struct {
	// Annotated is the frame with detected plates marked, or the unmodified
	// frame when nothing was found.
	Annotated image.Image
	// Candidates are the raw plate strings read from the frame, unfiltered.
	Candidates []string
}

// Recognizer must be safe for concurrent use.
type Recognizer interface {
	Recognize(ctx context.Context, frame *model.Frame) (Result, error)
}

// Passthrough recognizes nothing and returns frames unchanged.
type Passthrough struct{}

func (Passthrough) Recognize(ctx context.Context, frame *model.Frame) (Result, error) {
	if frame == nil || frame.Image == nil {
		return Result{}, errors.Wrap(ErrRecognition, "empty frame")
	}

	return Result{Annotated: frame.Image}, nil
}
