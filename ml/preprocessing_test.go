package ml

import (
	"errors"
	"math"
	"testing"
)

func TestStandardScalerFitTransform(t *testing.T) {
	features := [][]float64{
		{1, 10, 5},
		{2, 20, 5},
		{3, 30, 5},
		{4, 40, 5},
	}

	scaler := &StandardScaler{}
	scaled, err := scaler.FitTransform(features)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scaled) != len(features) {
		t.Fatalf("expected %d rows, got %d", len(features), len(scaled))
	}

	if scaler.Mean[0] != 2.5 || scaler.Mean[1] != 25 {
		t.Fatalf("unexpected means: %v", scaler.Mean)
	}
	// population std of 1..4 is sqrt(1.25)
	if math.Abs(scaler.Scale[0]-math.Sqrt(1.25)) > 1e-12 {
		t.Fatalf("unexpected scale: %v", scaler.Scale[0])
	}
	if scaler.Scale[2] != 1 {
		t.Fatalf("constant column should keep scale 1, got %v", scaler.Scale[2])
	}

	for j := 0; j < 2; j++ {
		mean, sq := 0.0, 0.0
		for _, row := range scaled {
			mean += row[j]
			sq += row[j] * row[j]
		}
		mean /= float64(len(scaled))
		if math.Abs(mean) > 1e-12 {
			t.Fatalf("column %d mean %v, want 0", j, mean)
		}
		if math.Abs(sq/float64(len(scaled))-1) > 1e-12 {
			t.Fatalf("column %d variance %v, want 1", j, sq/float64(len(scaled)))
		}
	}
	for _, row := range scaled {
		if row[2] != 0 {
			t.Fatalf("constant column should scale to 0, got %v", row[2])
		}
	}
}

func TestStandardScalerErrors(t *testing.T) {
	scaler := &StandardScaler{}
	if _, err := scaler.TransformRow([]float64{1}); !errors.Is(err, ErrNotFitted) {
		t.Fatalf("expected ErrNotFitted, got %v", err)
	}
	if err := scaler.Fit(nil); !errors.Is(err, ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset, got %v", err)
	}
	if err := scaler.Fit([][]float64{{1, 2}, {1}}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	if err := scaler.Fit([][]float64{{1, 2}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scaler.Scale[0] != 1 || scaler.Scale[1] != 1 {
		t.Fatalf("single row should keep unit scale, got %v", scaler.Scale)
	}
	var shapeErr *ShapeError
	if _, err := scaler.TransformRow([]float64{1, 2, 3}); !errors.As(err, &shapeErr) {
		t.Fatalf("expected ShapeError, got %v", err)
	}
}

func TestMetrics(t *testing.T) {
	acc, err := Accuracy([]float64{0, 1, 2, 1}, []float64{0, 1, 1, 1})
	if err != nil || acc != 0.75 {
		t.Fatalf("accuracy = %v, %v; want 0.75", acc, err)
	}
	mse, err := MeanSquaredError([]float64{1, 2, 3}, []float64{1, 2, 6})
	if err != nil || mse != 3 {
		t.Fatalf("mse = %v, %v; want 3", mse, err)
	}
	r2, err := R2Score([]float64{1, 2, 3}, []float64{1, 2, 3})
	if err != nil || r2 != 1 {
		t.Fatalf("r2 = %v, %v; want 1", r2, err)
	}
	r2, err = R2Score([]float64{1, 2, 3}, []float64{2, 2, 2})
	if err != nil || r2 != 0 {
		t.Fatalf("r2 = %v, %v; want 0", r2, err)
	}
	if _, err := Accuracy([]float64{1}, []float64{1, 2}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := R2Score(nil, nil); !errors.Is(err, ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset, got %v", err)
	}
}
