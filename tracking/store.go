// Package tracking records training runs: their parameters, metrics and
// artifacts. Runs live either in a local SQLite database or on an MLflow
// tracking server.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

type RunStatus string

const (
	StatusRunning  RunStatus = "RUNNING"
	StatusFinished RunStatus = "FINISHED"
	StatusFailed   RunStatus = "FAILED"
	StatusKilled   RunStatus = "KILLED"
)

func (s RunStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusKilled
}

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrRunNotActive = errors.New("run is not active")
)

type Run struct {
	ID          string
	Experiment  string
	Name        string
	Status      RunStatus
	StartTime   time.Time
	EndTime     time.Time
	ArtifactURI string
	Params      map[string]string
	// Metrics holds the latest value logged for each key.
	Metrics map[string]float64
}

// Store is a tracking backend.
type Store interface {
	CreateRun(ctx context.Context, experiment, name string) (*Run, error)
	LogParam(ctx context.Context, runID, key, value string) error
	LogMetric(ctx context.Context, runID, key string, value float64, step int64) error
	// LogArtifact copies the local file at localPath into the run's artifact
	// store under artifactPath.
	LogArtifact(ctx context.Context, runID, localPath, artifactPath string) error
	UpdateRun(ctx context.Context, runID string, status RunStatus, end time.Time) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	Close() error
}

// cleanArtifactPath returns a slash separated relative path that cannot
// escape the run's artifact directory.
func cleanArtifactPath(p string) (string, error) {
	cleaned := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if cleaned == "." || cleaned == "/" || path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid artifact path %q", p)
	}
	return cleaned, nil
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("key must not be empty")
	}
	return nil
}
