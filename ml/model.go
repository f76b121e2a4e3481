package ml

import "fmt"

// Predictor is what the HTTP layer needs from a loaded model.
type Predictor interface {
	NumFeatures() int
	Predict(features []float64) (float64, error)
}

type Kind string

const (
	KindForestRegressor  Kind = "forest_regressor"
	KindForestClassifier Kind = "forest_classifier"
)

// Model bundles a fitted forest with the scaler it was trained behind. It is
// immutable once built or loaded and safe for concurrent Predict calls.
type Model struct {
	Kind         Kind
	FeatureNames []string
	Scaler       *StandardScaler
	Forest       *RandomForest
}

var _ Predictor = (*Model)(nil)

// NewModel wraps a fitted forest. scaler may be nil when the forest was
// trained on raw features.
func NewModel(forest *RandomForest, scaler *StandardScaler, featureNames []string) (*Model, error) {
	if forest == nil || len(forest.Trees) == 0 {
		return nil, ErrNotFitted
	}
	kind := KindForestRegressor
	if forest.IsClassifier() {
		kind = KindForestClassifier
	}
	m := &Model{
		Kind:         kind,
		FeatureNames: append([]string(nil), featureNames...),
		Scaler:       scaler,
		Forest:       forest,
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Name reports the model kind, e.g. for health checks.
func (m *Model) Name() string {
	return string(m.Kind)
}

func (m *Model) NumFeatures() int {
	return m.Forest.NFeatures
}

func (m *Model) Predict(features []float64) (float64, error) {
	if len(features) != m.NumFeatures() {
		return 0, &ShapeError{Want: m.NumFeatures(), Got: len(features)}
	}
	row := features
	if m.Scaler != nil {
		scaled, err := m.Scaler.TransformRow(features)
		if err != nil {
			return 0, err
		}
		row = scaled
	}
	return m.Forest.PredictRow(row)
}

func (m *Model) validate() error {
	switch m.Kind {
	case KindForestRegressor:
		if m.Forest.IsClassifier() {
			return fmt.Errorf("kind %s holds a classification forest", m.Kind)
		}
	case KindForestClassifier:
		if !m.Forest.IsClassifier() {
			return fmt.Errorf("kind %s holds a regression forest", m.Kind)
		}
	default:
		return fmt.Errorf("unsupported model kind %q", m.Kind)
	}
	if err := m.Forest.validate(); err != nil {
		return err
	}
	if len(m.FeatureNames) != 0 && len(m.FeatureNames) != m.Forest.NFeatures {
		return fmt.Errorf("%d feature names for %d features", len(m.FeatureNames), m.Forest.NFeatures)
	}
	if m.Scaler != nil {
		return m.Scaler.validate(m.Forest.NFeatures)
	}
	return nil
}
