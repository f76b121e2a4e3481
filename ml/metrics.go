package ml

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func Accuracy(yTrue, yPred []float64) (float64, error) {
	if err := checkPair(yTrue, yPred); err != nil {
		return 0, err
	}
	correct := 0
	for i := range yTrue {
		if classOf(yTrue[i]) == classOf(yPred[i]) {
			correct++
		}
	}
	return float64(correct) / float64(len(yTrue)), nil
}

func MeanSquaredError(yTrue, yPred []float64) (float64, error) {
	if err := checkPair(yTrue, yPred); err != nil {
		return 0, err
	}
	residuals := make([]float64, len(yTrue))
	floats.SubTo(residuals, yTrue, yPred)
	return floats.Dot(residuals, residuals) / float64(len(yTrue)), nil
}

// R2Score is the coefficient of determination. A constant yTrue scores 1 on a
// perfect fit and 0 otherwise.
func R2Score(yTrue, yPred []float64) (float64, error) {
	if err := checkPair(yTrue, yPred); err != nil {
		return 0, err
	}
	mean := stat.Mean(yTrue, nil)
	ssRes, ssTot := 0.0, 0.0
	for i := range yTrue {
		ssRes += (yTrue[i] - yPred[i]) * (yTrue[i] - yPred[i])
		ssTot += (yTrue[i] - mean) * (yTrue[i] - mean)
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1, nil
		}
		return 0, nil
	}
	return 1 - ssRes/ssTot, nil
}

func checkPair(yTrue, yPred []float64) error {
	if len(yTrue) == 0 {
		return ErrEmptyDataset
	}
	if len(yTrue) != len(yPred) {
		return fmt.Errorf("%w: %d true values, %d predictions", ErrShapeMismatch, len(yTrue), len(yPred))
	}
	return nil
}

func sqrt(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}
