package ml

import (
	"errors"
	"fmt"
)

var (
	ErrNotFitted     = errors.New("model not trained")
	ErrEmptyDataset  = errors.New("features or labels empty")
	ErrShapeMismatch = errors.New("shape mismatch")
)

// ShapeError reports a feature vector whose length differs from the one the
// model was trained on.
type ShapeError struct {
	Want int
	Got  int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("expected %d features, got %d", e.Want, e.Got)
}

func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}

func checkLabels(labels []float64, nClasses int) error {
	for i, label := range labels {
		c := classOf(label)
		if float64(c) != label || c < 0 || c >= nClasses {
			return fmt.Errorf("label %v at row %d is not a class index in [0,%d)", label, i, nClasses)
		}
	}
	return nil
}
