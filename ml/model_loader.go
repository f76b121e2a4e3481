package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// artifact is the on-disk envelope: zstd-compressed JSON, no version tag.
type artifact struct {
	Kind         Kind            `json:"kind"`
	NFeatures    int             `json:"n_features"`
	FeatureNames []string        `json:"feature_names,omitempty"`
	Scaler       *StandardScaler `json:"scaler"`
	Forest       *RandomForest   `json:"forest"`
}

// SaveModel writes m to path, replacing any previous artifact. The payload
// goes to a temporary file in the same directory first and is renamed into
// place, so readers never observe a partial artifact.
func SaveModel(path string, m *Model) error {
	if m == nil || m.Forest == nil {
		return ErrNotFitted
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := EncodeModel(tmp, m); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install artifact: %w", err)
	}
	return nil
}

func EncodeModel(w io.Writer, m *Model) error {
	payload, err := json.Marshal(artifact{
		Kind:         m.Kind,
		NFeatures:    m.NumFeatures(),
		FeatureNames: m.FeatureNames,
		Scaler:       m.Scaler,
		Forest:       m.Forest,
	})
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := enc.Write(payload); err != nil {
		enc.Close()
		return fmt.Errorf("compress artifact: %w", err)
	}
	return enc.Close()
}

// LoadModel reads and validates an artifact written by SaveModel.
func LoadModel(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	return DecodeModel(f)
}

func DecodeModel(r io.Reader) (*Model, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	var a artifact
	if err := json.NewDecoder(dec).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if a.Forest == nil {
		return nil, errors.New("artifact has no forest")
	}
	if a.NFeatures != a.Forest.NFeatures {
		return nil, fmt.Errorf("artifact declares %d features, forest has %d", a.NFeatures, a.Forest.NFeatures)
	}
	m := &Model{
		Kind:         a.Kind,
		FeatureNames: a.FeatureNames,
		Scaler:       a.Scaler,
		Forest:       a.Forest,
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid artifact: %w", err)
	}
	return m, nil
}
