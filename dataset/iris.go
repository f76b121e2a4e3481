package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	IrisURL  = "https://archive.ics.uci.edu/ml/machine-learning-databases/iris/iris.data"
	irisFile = "iris.data"
)

var (
	IrisFeatures = []string{"sepal length (cm)", "sepal width (cm)", "petal length (cm)", "petal width (cm)"}
	IrisClasses  = []string{"setosa", "versicolor", "virginica"}
)

func FetchIris(ctx context.Context, f *Fetcher) (*Dataset, error) {
	file, err := f.Open(ctx, irisFile, IrisURL)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ParseIris(file)
}

// ParseIris reads the UCI iris.data format: four measurements followed by an
// "Iris-<species>" label. Blank lines are skipped.
func ParseIris(r io.Reader) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	ds := &Dataset{
		FeatureNames: append([]string(nil), IrisFeatures...),
		TargetNames:  append([]string(nil), IrisClasses...),
	}
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iris line %d: %w", line, err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		if len(record) != 5 {
			return nil, fmt.Errorf("iris line %d: expected 5 fields, got %d", line, len(record))
		}
		row := make([]float64, 4)
		for i := range row {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
			if err != nil {
				return nil, fmt.Errorf("iris line %d column %d: %w", line, i, err)
			}
			row[i] = v
		}
		class, err := irisClass(record[4])
		if err != nil {
			return nil, fmt.Errorf("iris line %d: %w", line, err)
		}
		ds.Features = append(ds.Features, row)
		ds.Target = append(ds.Target, float64(class))
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

func irisClass(label string) (int, error) {
	name := strings.TrimPrefix(strings.TrimSpace(label), "Iris-")
	for i, class := range IrisClasses {
		if name == class {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown iris class %q", label)
}
