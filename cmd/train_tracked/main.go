// Command train_tracked fits a random forest classifier on Iris and records
// the run (params, accuracy and model) with the configured tracking backend.
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
	"mldeploy/tracking"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file")
	backend := flag.String("backend", "", "tracking backend: sqlite or mlflow")
	trackingURI := flag.String("tracking_uri", "", "MLflow tracking server URI")
	experiment := flag.String("experiment", "", "experiment name")
	runName := flag.String("run_name", "", "run name")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *backend != "" {
		cfg.Tracking.Backend = *backend
	}
	if *trackingURI != "" {
		cfg.Tracking.URI = *trackingURI
	}
	if *experiment != "" {
		cfg.Tracking.Experiment = *experiment
	}
	if cfg.Log.File == "" {
		cfg.Log.File = "mlops.log"
	}

	log := logger.New(cfg.Log)
	defer log.Sync()
	log.Info("starting training script")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	accuracy, err := run(ctx, cfg, *runName, log)
	if err != nil {
		log.Fatal("training failed", zap.Error(err))
	}
	fmt.Printf("Model accuracy: %v\n", accuracy)
	log.Info("training script completed")
}

func run(ctx context.Context, cfg *config.Config, runName string, log *zap.Logger) (float64, error) {
	// 1. Open tracking backend
	store, err := tracking.Open(cfg.Tracking, log)
	if err != nil {
		return 0, fmt.Errorf("open tracking store: %w", err)
	}
	defer store.Close()
	client := tracking.NewClient(store, cfg.Tracking.Experiment, log)

	// 2. Load data
	log.Info("loading dataset")
	ds, err := dataset.FetchIris(ctx, dataset.NewFetcher(cfg.Dataset.DataHome, log))
	if err != nil {
		return 0, fmt.Errorf("load iris: %w", err)
	}

	// 3. Train and record inside one run
	var accuracy float64
	err = client.WithRun(ctx, runName, func(ctx context.Context, r *tracking.ActiveRun) error {
		forest := ml.DefaultForestConfig()
		forest.NEstimators = cfg.Training.NEstimators
		forest.RandomState = cfg.Training.RandomState
		forest.Tree.MaxDepth = cfg.Training.MaxDepth
		forest.Workers = cfg.Training.Workers

		res, err := pipeline.Train(ctx, ds, pipeline.TrainingConfig{
			Forest:    forest,
			TestSize:  cfg.Training.TestSize,
			SplitSeed: cfg.Training.RandomState,
		}, log)
		if err != nil {
			return err
		}
		accuracy = res.Score
		log.Info("model accuracy", zap.Float64("accuracy", accuracy))

		if err := r.LogParams(ctx, map[string]interface{}{
			"n_estimators": forest.NEstimators,
			"random_state": forest.RandomState,
		}); err != nil {
			return err
		}
		if err := r.LogMetric(ctx, "accuracy", accuracy); err != nil {
			return err
		}
		if err := r.LogModel(ctx, "model", res.Model); err != nil {
			return err
		}
		log.Info("model logged", zap.String("run_id", r.ID()), zap.String("artifact_uri", r.ArtifactURI()))
		return nil
	})
	return accuracy, err
}
