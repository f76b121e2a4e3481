// Package dataset loads the tabular datasets the trainers fit on.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

type Dataset struct {
	Features     [][]float64
	Target       []float64
	FeatureNames []string
	// TargetNames is set for classification datasets; Target holds indexes into it.
	TargetNames []string
}

func (d *Dataset) Len() int {
	return len(d.Features)
}

func (d *Dataset) Validate() error {
	if len(d.Features) == 0 {
		return errors.New("dataset is empty")
	}
	if len(d.Features) != len(d.Target) {
		return fmt.Errorf("dataset has %d rows and %d targets", len(d.Features), len(d.Target))
	}
	width := len(d.Features[0])
	if len(d.FeatureNames) != 0 && len(d.FeatureNames) != width {
		return fmt.Errorf("dataset has %d feature names for %d columns", len(d.FeatureNames), width)
	}
	for i, row := range d.Features {
		if len(row) != width {
			return fmt.Errorf("row %d has %d columns, want %d", i, len(row), width)
		}
	}
	return nil
}

type Split struct {
	TrainX [][]float64
	TrainY []float64
	TestX  [][]float64
	TestY  []float64
}

// TrainTestSplit shuffles rows with seed and holds out ceil(n*testSize) of
// them. The same seed always yields the same split.
func TrainTestSplit(d *Dataset, testSize float64, seed int64) (*Split, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if testSize <= 0 || testSize >= 1 {
		return nil, fmt.Errorf("test size %v must be in (0, 1)", testSize)
	}
	n := d.Len()
	nTest := int(math.Ceil(float64(n) * testSize))
	if nTest >= n {
		return nil, fmt.Errorf("test size %v leaves no training rows out of %d", testSize, n)
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	s := &Split{
		TrainX: make([][]float64, 0, n-nTest),
		TrainY: make([]float64, 0, n-nTest),
		TestX:  make([][]float64, 0, nTest),
		TestY:  make([]float64, 0, nTest),
	}
	for i, idx := range perm {
		if i < nTest {
			s.TestX = append(s.TestX, d.Features[idx])
			s.TestY = append(s.TestY, d.Target[idx])
		} else {
			s.TrainX = append(s.TrainX, d.Features[idx])
			s.TrainY = append(s.TrainY, d.Target[idx])
		}
	}
	return s, nil
}
