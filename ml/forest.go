package ml

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ForestConfig mirrors the hyperparameters exposed by the trainers.
type ForestConfig struct {
	NEstimators int        `json:"n_estimators"`
	RandomState int64      `json:"random_state"`
	Bootstrap   bool       `json:"bootstrap"`
	Tree        TreeConfig `json:"tree"`
	// Workers bounds concurrent tree fitting; it never changes the result.
	Workers int `json:"-"`
}

func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		NEstimators: 100,
		RandomState: 42,
		Bootstrap:   true,
	}
}

// RandomForest is a bagged ensemble of CART trees. Regression forests average
// the tree outputs; classification forests average class probabilities and
// return the most probable class.
type RandomForest struct {
	Config    ForestConfig    `json:"config"`
	Criterion Criterion       `json:"criterion"`
	NFeatures int             `json:"n_features"`
	NClasses  int             `json:"n_classes,omitempty"`
	Trees     []*DecisionTree `json:"trees"`
}

func NewForestRegressor(cfg ForestConfig) *RandomForest {
	return &RandomForest{Config: cfg, Criterion: CriterionSquaredError}
}

func NewForestClassifier(cfg ForestConfig) *RandomForest {
	return &RandomForest{Config: cfg, Criterion: CriterionGini}
}

func (f *RandomForest) IsClassifier() bool {
	return f.Criterion == CriterionGini
}

// Fit trains every tree. Per-tree seeds are drawn from RandomState before
// any goroutine starts, so the fitted forest does not depend on scheduling.
func (f *RandomForest) Fit(ctx context.Context, features [][]float64, targets []float64) error {
	if len(features) == 0 || len(targets) == 0 {
		return ErrEmptyDataset
	}
	if len(features) != len(targets) {
		return fmt.Errorf("%w: %d rows, %d targets", ErrShapeMismatch, len(features), len(targets))
	}
	nFeatures := len(features[0])
	for i, row := range features {
		if len(row) != nFeatures {
			return fmt.Errorf("%w: row %d has %d features, want %d", ErrShapeMismatch, i, len(row), nFeatures)
		}
	}
	if f.Config.NEstimators <= 0 {
		f.Config.NEstimators = 100
	}

	nClasses := 0
	if f.IsClassifier() {
		for _, y := range targets {
			if c := classOf(y) + 1; c > nClasses {
				nClasses = c
			}
		}
		if err := checkLabels(targets, nClasses); err != nil {
			return err
		}
	}

	treeCfg := f.Config.Tree
	if treeCfg.MaxFeatures <= 0 && f.IsClassifier() {
		treeCfg.MaxFeatures = int(math.Max(1, math.Floor(math.Sqrt(float64(nFeatures)))))
	}

	master := rand.New(rand.NewSource(f.Config.RandomState))
	seeds := make([]int64, f.Config.NEstimators)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	workers := f.Config.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	trees := make([]*DecisionTree, f.Config.NEstimators)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range trees {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(seeds[i]))
			var samples []int
			if f.Config.Bootstrap {
				samples = make([]int, len(features))
				for j := range samples {
					samples[j] = rng.Intn(len(features))
				}
			}
			tree := NewDecisionTree(f.Criterion, nClasses)
			if err := tree.Fit(features, targets, samples, treeCfg, rng); err != nil {
				return fmt.Errorf("tree %d: %w", i, err)
			}
			trees[i] = tree
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	f.NFeatures = nFeatures
	f.NClasses = nClasses
	f.Trees = trees
	return nil
}

// PredictRow returns the regression estimate, or the predicted class index
// for classifiers.
func (f *RandomForest) PredictRow(features []float64) (float64, error) {
	if f.IsClassifier() {
		probs, err := f.PredictProba(features)
		if err != nil {
			return 0, err
		}
		return float64(argmax(probs)), nil
	}
	if err := f.checkRow(features); err != nil {
		return 0, err
	}
	sum := 0.0
	for _, tree := range f.Trees {
		value, err := tree.Predict(features)
		if err != nil {
			return 0, err
		}
		sum += value[0]
	}
	return sum / float64(len(f.Trees)), nil
}

func (f *RandomForest) PredictProba(features []float64) ([]float64, error) {
	if !f.IsClassifier() {
		return nil, fmt.Errorf("predict_proba on a %s forest", f.Criterion)
	}
	if err := f.checkRow(features); err != nil {
		return nil, err
	}
	probs := make([]float64, f.NClasses)
	for _, tree := range f.Trees {
		value, err := tree.Predict(features)
		if err != nil {
			return nil, err
		}
		for c, p := range value {
			probs[c] += p
		}
	}
	for c := range probs {
		probs[c] /= float64(len(f.Trees))
	}
	return probs, nil
}

func (f *RandomForest) Predict(features [][]float64) ([]float64, error) {
	out := make([]float64, len(features))
	for i, row := range features {
		value, err := f.PredictRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = value
	}
	return out, nil
}

func (f *RandomForest) checkRow(features []float64) error {
	if len(f.Trees) == 0 {
		return ErrNotFitted
	}
	if len(features) != f.NFeatures {
		return &ShapeError{Want: f.NFeatures, Got: len(features)}
	}
	return nil
}

func (f *RandomForest) validate() error {
	if len(f.Trees) == 0 {
		return ErrNotFitted
	}
	if f.NFeatures <= 0 {
		return fmt.Errorf("forest has n_features=%d", f.NFeatures)
	}
	for i, tree := range f.Trees {
		if tree == nil {
			return fmt.Errorf("tree %d missing", i)
		}
		if tree.Criterion != f.Criterion || tree.NClasses != f.NClasses {
			return fmt.Errorf("tree %d does not match forest criterion", i)
		}
		if err := tree.validate(f.NFeatures); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
