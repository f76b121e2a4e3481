// Command train_model fits a random forest regressor on the California
// housing data (or a local CSV) and writes the serving artifact.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"mldeploy/config"
	"mldeploy/dataset"
	"mldeploy/logger"
	"mldeploy/ml"
	"mldeploy/pipeline"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file")
	modelPath := flag.String("model_path", "model.json.zst", "model output path")
	nEstimators := flag.Int("n_estimators", 100, "number of trees")
	randomState := flag.Int64("random_state", 42, "seed for the split and the forest")
	testSize := flag.Float64("test_size", 0.2, "held out fraction")
	maxDepth := flag.Int("max_depth", 0, "max tree depth, 0 for unlimited")
	dataHome := flag.String("data_home", "", "dataset cache directory")
	csvPath := flag.String("csv", "", "train on this CSV instead of California housing")
	target := flag.String("target", "target", "target column of -csv")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	// Flags given on the command line win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "model_path":
			cfg.Model.Path = *modelPath
		case "n_estimators":
			cfg.Training.NEstimators = *nEstimators
		case "random_state":
			cfg.Training.RandomState = *randomState
		case "test_size":
			cfg.Training.TestSize = *testSize
		case "max_depth":
			cfg.Training.MaxDepth = *maxDepth
		case "data_home":
			cfg.Dataset.DataHome = *dataHome
		}
	})

	log := logger.New(cfg.Log)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *csvPath, *target, log); err != nil {
		log.Fatal("training failed", zap.Error(err))
	}
	fmt.Printf("Model saved successfully in %s\n", cfg.Model.Path)
}

func run(ctx context.Context, cfg *config.Config, csvPath, target string, log *zap.Logger) error {
	// 1. Load data
	ds, err := loadDataset(ctx, cfg, csvPath, target, log)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}
	log.Info("dataset loaded", zap.Int("rows", ds.Len()), zap.Strings("features", ds.FeatureNames))

	// 2. Split, scale, fit
	forest := ml.DefaultForestConfig()
	forest.NEstimators = cfg.Training.NEstimators
	forest.RandomState = cfg.Training.RandomState
	forest.Tree.MaxDepth = cfg.Training.MaxDepth
	forest.Workers = cfg.Training.Workers
	res, err := pipeline.Train(ctx, ds, pipeline.TrainingConfig{
		Forest:    forest,
		TestSize:  cfg.Training.TestSize,
		SplitSeed: cfg.Training.RandomState,
		Scale:     true,
	}, log)
	if err != nil {
		return err
	}
	log.Info("model evaluated",
		zap.String("metric", res.Metric),
		zap.Float64("score", res.Score),
		zap.Duration("duration", res.Duration),
	)

	// 3. Persist
	if err := ml.SaveModel(cfg.Model.Path, res.Model); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	return nil
}

func loadDataset(ctx context.Context, cfg *config.Config, csvPath, target string, log *zap.Logger) (*dataset.Dataset, error) {
	if csvPath != "" {
		f, err := os.Open(csvPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return dataset.LoadCSV(f, target)
	}
	return dataset.FetchCaliforniaHousing(ctx, dataset.NewFetcher(cfg.Dataset.DataHome, log))
}
