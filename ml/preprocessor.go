package ml

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// StandardScaler standardises each column to zero mean and unit variance
// using the population standard deviation. Constant columns keep a scale of 1.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

func (s *StandardScaler) Fit(features [][]float64) error {
	if len(features) == 0 {
		return ErrEmptyDataset
	}
	nFeatures := len(features[0])
	s.Mean = make([]float64, nFeatures)
	s.Scale = make([]float64, nFeatures)

	column := make([]float64, len(features))
	n := float64(len(features))
	for j := 0; j < nFeatures; j++ {
		for i, row := range features {
			if len(row) != nFeatures {
				return fmt.Errorf("%w: row %d has %d features, want %d", ErrShapeMismatch, i, len(row), nFeatures)
			}
			column[i] = row[j]
		}
		mean, variance := stat.MeanVariance(column, nil)
		s.Mean[j] = mean
		s.Scale[j] = 1
		if len(column) > 1 {
			// MeanVariance is unbiased; rescale to the population variance.
			popStd := sqrt(variance * (n - 1) / n)
			if popStd > 0 {
				s.Scale[j] = popStd
			}
		}
	}
	return nil
}

func (s *StandardScaler) Transform(features [][]float64) ([][]float64, error) {
	out := make([][]float64, len(features))
	for i, row := range features {
		scaled, err := s.TransformRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = scaled
	}
	return out, nil
}

func (s *StandardScaler) FitTransform(features [][]float64) ([][]float64, error) {
	if err := s.Fit(features); err != nil {
		return nil, err
	}
	return s.Transform(features)
}

// TransformRow returns a standardised copy of row.
func (s *StandardScaler) TransformRow(row []float64) ([]float64, error) {
	if s.Mean == nil {
		return nil, ErrNotFitted
	}
	if len(row) != len(s.Mean) {
		return nil, &ShapeError{Want: len(s.Mean), Got: len(row)}
	}
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out, nil
}

func (s *StandardScaler) validate(nFeatures int) error {
	if len(s.Mean) != nFeatures || len(s.Scale) != nFeatures {
		return fmt.Errorf("scaler has %d/%d columns, model expects %d", len(s.Mean), len(s.Scale), nFeatures)
	}
	for j, scale := range s.Scale {
		if scale == 0 {
			return fmt.Errorf("scaler column %d has zero scale", j)
		}
	}
	return nil
}
