// Command mldeploy serves predictions from a trained model artifact.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"mldeploy/config"
	qhttp "mldeploy/http"
	"mldeploy/logger"
	"mldeploy/ml"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file")
	modelPath := flag.String("model_path", "", "model artifact, overrides model.path")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}

	log := logger.New(cfg.Log)
	defer log.Sync()

	// 2. Load the model; the listener is never opened without one
	model, err := ml.LoadModel(cfg.Model.Path)
	if err != nil {
		log.Fatal("failed to load model", zap.String("path", cfg.Model.Path), zap.Error(err))
	}
	log.Info("model loaded",
		zap.String("path", cfg.Model.Path),
		zap.String("kind", model.Name()),
		zap.Int("n_features", model.NumFeatures()),
		zap.Int("n_trees", len(model.Forest.Trees)),
	)

	// 3. Start HTTP server
	server := qhttp.NewServer(cfg.Server, model, log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// 4. Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
		if err := server.Stop(); err != nil {
			log.Error("server forced to shutdown", zap.Error(err))
		}
	}

	log.Info("exiting")
}
