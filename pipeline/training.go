// Package pipeline turns a dataset into a fitted, evaluated model.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mldeploy/dataset"
	"mldeploy/ml"
)

type TrainingConfig struct {
	Forest   ml.ForestConfig
	TestSize float64
	// SplitSeed seeds the train/test shuffle.
	SplitSeed int64
	// Scale fits a StandardScaler on the training rows and bundles it
	// with the model.
	Scale bool
}

type Result struct {
	Model *ml.Model
	Split *dataset.Split
	// Score is R² for regressors and accuracy for classifiers, on the test rows.
	Score    float64
	Metric   string
	Rejected int
	Duration time.Duration
}

// Train cleans ds, splits it, fits a forest and scores it on the held out rows.
func Train(ctx context.Context, ds *dataset.Dataset, cfg TrainingConfig, logger *zap.Logger) (*Result, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, ml.ErrEmptyDataset
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()
	classifier := len(ds.TargetNames) > 0

	cleaner := NewDataCleaner()
	cleaner.AddRule(NewWidthRule(len(ds.Features[0])))
	if classifier {
		cleaner.AddRule(NewClassLabelRule(len(ds.TargetNames)))
	}
	cleaned, issues := cleaner.Clean(ds)
	for _, issue := range issues {
		logger.Debug("row rejected", zap.String("rule", issue.Rule), zap.Int("row", issue.Row), zap.String("reason", issue.Message))
	}
	if len(issues) > 0 {
		logger.Warn("rows rejected during cleaning", zap.Int64("rejected", cleaner.GetStats().Rejected))
	}
	if cleaned.Len() == 0 {
		return nil, errors.New("no rows left after cleaning")
	}

	split, err := dataset.TrainTestSplit(cleaned, cfg.TestSize, cfg.SplitSeed)
	if err != nil {
		return nil, fmt.Errorf("split dataset: %w", err)
	}
	logger.Info("dataset loaded and split",
		zap.Int("train_rows", len(split.TrainX)),
		zap.Int("test_rows", len(split.TestX)),
	)

	trainX := split.TrainX
	var scaler *ml.StandardScaler
	if cfg.Scale {
		scaler = &ml.StandardScaler{}
		if trainX, err = scaler.FitTransform(split.TrainX); err != nil {
			return nil, fmt.Errorf("fit scaler: %w", err)
		}
	}

	var forest *ml.RandomForest
	if classifier {
		forest = ml.NewForestClassifier(cfg.Forest)
	} else {
		forest = ml.NewForestRegressor(cfg.Forest)
	}
	if err := forest.Fit(ctx, trainX, split.TrainY); err != nil {
		return nil, fmt.Errorf("fit forest: %w", err)
	}
	logger.Info("model training completed", zap.Int("n_estimators", len(forest.Trees)))

	model, err := ml.NewModel(forest, scaler, cleaned.FeatureNames)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Model:    model,
		Split:    split,
		Rejected: ds.Len() - cleaned.Len(),
	}
	if res.Score, res.Metric, err = Evaluate(model, split.TestX, split.TestY); err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

// Evaluate scores model on raw (unscaled) rows.
func Evaluate(model *ml.Model, X [][]float64, y []float64) (float64, string, error) {
	preds := make([]float64, len(X))
	for i, row := range X {
		p, err := model.Predict(row)
		if err != nil {
			return 0, "", fmt.Errorf("predict row %d: %w", i, err)
		}
		preds[i] = p
	}
	if model.Forest.IsClassifier() {
		acc, err := ml.Accuracy(y, preds)
		return acc, "accuracy", err
	}
	r2, err := ml.R2Score(y, preds)
	return r2, "r2", err
}
