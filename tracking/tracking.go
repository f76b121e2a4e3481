package tracking

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"mldeploy/config"
	"mldeploy/ml"
)

// ModelFile is the name LogModel stores the artifact under.
const ModelFile = "model.json.zst"

// Client opens runs against one experiment of a Store.
type Client struct {
	store      Store
	experiment string
	logger     *zap.Logger
}

func NewClient(store Store, experiment string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{store: store, experiment: experiment, logger: logger}
}

// Open builds the store selected by cfg.Backend.
func Open(cfg config.TrackingConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return NewSQLiteStore(cfg.DSN, cfg.ArtifactRoot, logger)
	case "mlflow":
		return NewMLflowStore(cfg.URI, logger)
	default:
		return nil, fmt.Errorf("unknown tracking backend %q", cfg.Backend)
	}
}

// WithRun starts a run, hands it to fn and always ends it: FINISHED when fn
// returns nil, FAILED when it returns an error or panics. A panic is re-raised
// once the run is closed.
func (c *Client) WithRun(ctx context.Context, name string, fn func(ctx context.Context, run *ActiveRun) error) (err error) {
	run, err := c.store.CreateRun(ctx, c.experiment, name)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	log := c.logger.With(zap.String("run_id", run.ID))
	log.Info("run started", zap.String("experiment", c.experiment), zap.String("name", name))

	active := &ActiveRun{run: run, store: c.store, logger: log}

	defer func() {
		p := recover()
		status := StatusFinished
		if p != nil || err != nil {
			status = StatusFailed
		}
		endErr := c.store.UpdateRun(context.WithoutCancel(ctx), run.ID, status, time.Now())
		if endErr != nil {
			log.Error("failed to end run", zap.String("status", string(status)), zap.Error(endErr))
			if p == nil && err == nil {
				err = fmt.Errorf("end run: %w", endErr)
			}
		} else {
			log.Info("run ended", zap.String("status", string(status)))
		}
		if p != nil {
			panic(p)
		}
	}()

	return fn(ctx, active)
}

// ActiveRun is the handle passed to a WithRun callback.
type ActiveRun struct {
	run    *Run
	store  Store
	logger *zap.Logger
}

func (r *ActiveRun) ID() string {
	return r.run.ID
}

func (r *ActiveRun) ArtifactURI() string {
	return r.run.ArtifactURI
}

func (r *ActiveRun) LogParam(ctx context.Context, key string, value interface{}) error {
	return r.store.LogParam(ctx, r.run.ID, key, fmt.Sprint(value))
}

// LogParams logs params in key order.
func (r *ActiveRun) LogParams(ctx context.Context, params map[string]interface{}) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := r.LogParam(ctx, k, params[k]); err != nil {
			return err
		}
	}
	return nil
}

func (r *ActiveRun) LogMetric(ctx context.Context, key string, value float64) error {
	return r.LogMetricStep(ctx, key, value, 0)
}

func (r *ActiveRun) LogMetricStep(ctx context.Context, key string, value float64, step int64) error {
	return r.store.LogMetric(ctx, r.run.ID, key, value, step)
}

func (r *ActiveRun) LogArtifact(ctx context.Context, localPath, artifactPath string) error {
	return r.store.LogArtifact(ctx, r.run.ID, localPath, artifactPath)
}

// LogModel saves m and stores it as <artifactPath>/model.json.zst.
func (r *ActiveRun) LogModel(ctx context.Context, artifactPath string, m *ml.Model) error {
	dir, err := os.MkdirTemp("", "mldeploy-model-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	local := filepath.Join(dir, ModelFile)
	if err := ml.SaveModel(local, m); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	if err := r.LogArtifact(ctx, local, path.Join(artifactPath, ModelFile)); err != nil {
		return err
	}
	r.logger.Info("model logged", zap.String("artifact_path", artifactPath), zap.String("kind", string(m.Kind)))
	return nil
}
