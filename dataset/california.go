package dataset

import (
	"archive/tar"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	CaliforniaHousingURL     = "https://ndownloader.figshare.com/files/5976036"
	californiaHousingArchive = "cal_housing.tgz"
	californiaHousingMember  = "cal_housing.data"
)

// CaliforniaHousingFeatures is the column order of the derived dataset and
// therefore the order the regression server expects in "features".
var CaliforniaHousingFeatures = []string{
	"MedInc", "HouseAge", "AveRooms", "AveBedrms", "Population", "AveOccup", "Latitude", "Longitude",
}

func FetchCaliforniaHousing(ctx context.Context, f *Fetcher) (*Dataset, error) {
	file, err := f.Open(ctx, californiaHousingArchive, CaliforniaHousingURL)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ParseCaliforniaHousing(file)
}

// ParseCaliforniaHousing reads the StatLib cal_housing.tgz archive. Raw
// block-group totals are turned into per-household averages and the target
// is the median house value in units of 100,000.
func ParseCaliforniaHousing(r io.Reader) (*Dataset, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open california housing archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s not found in archive", californiaHousingMember)
		}
		if err != nil {
			return nil, fmt.Errorf("read california housing archive: %w", err)
		}
		if strings.HasSuffix(hdr.Name, californiaHousingMember) {
			return parseCalHousingData(tr)
		}
	}
}

func parseCalHousingData(r io.Reader) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 9
	reader.TrimLeadingSpace = true

	ds := &Dataset{FeatureNames: append([]string(nil), CaliforniaHousingFeatures...)}
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("cal_housing.data line %d: %w", line, err)
		}
		var raw [9]float64
		for i, field := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("cal_housing.data line %d column %d: %w", line, i, err)
			}
			raw[i] = v
		}
		longitude, latitude, age := raw[0], raw[1], raw[2]
		rooms, bedrooms, population, households := raw[3], raw[4], raw[5], raw[6]
		income, value := raw[7], raw[8]
		if households == 0 {
			return nil, fmt.Errorf("cal_housing.data line %d: zero households", line)
		}
		ds.Features = append(ds.Features, []float64{
			income,
			age,
			rooms / households,
			bedrooms / households,
			population,
			population / households,
			latitude,
			longitude,
		})
		ds.Target = append(ds.Target, value/100000)
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}
