package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// LoadCSV reads a headered numeric CSV. The target column is removed from the
// features; every other column becomes a feature in file order. A leading
// UTF-8 or UTF-16 byte order mark is honoured.
func LoadCSV(r io.Reader, target string) (*Dataset, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	reader := csv.NewReader(decoded)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	targetIdx := -1
	names := make([]string, 0, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == target {
			targetIdx = i
			continue
		}
		names = append(names, name)
	}
	if targetIdx < 0 {
		return nil, fmt.Errorf("target column %q not in header", target)
	}

	ds := &Dataset{FeatureNames: names}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		row := make([]float64, 0, len(names))
		for i, field := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("csv line %d column %q: %w", line, header[i], err)
			}
			if i == targetIdx {
				ds.Target = append(ds.Target, v)
				continue
			}
			row = append(row, v)
		}
		ds.Features = append(ds.Features, row)
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}
