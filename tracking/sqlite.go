package tracking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteStore keeps runs in a SQLite database and artifacts on the local
// filesystem under <artifactRoot>/<run_id>/artifacts.
type SQLiteStore struct {
	db           *sql.DB
	artifactRoot string
	logger       *zap.Logger
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dsn, artifactRoot string, logger *zap.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dsn+sep+"_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := newSQLiteStore(db, artifactRoot, logger)
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables failed: %w", err)
	}
	return s, nil
}

func newSQLiteStore(db *sql.DB, artifactRoot string, logger *zap.Logger) *SQLiteStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteStore{db: db, artifactRoot: artifactRoot, logger: logger}
}

func (s *SQLiteStore) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            run_id TEXT PRIMARY KEY,
            experiment TEXT NOT NULL,
            name TEXT,
            status TEXT NOT NULL,
            start_time INTEGER NOT NULL,
            end_time INTEGER,
            artifact_uri TEXT NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS params (
            run_id TEXT NOT NULL REFERENCES runs(run_id),
            key TEXT NOT NULL,
            value TEXT NOT NULL,
            PRIMARY KEY (run_id, key)
        )`,
		`CREATE TABLE IF NOT EXISTS metrics (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL REFERENCES runs(run_id),
            key TEXT NOT NULL,
            value REAL NOT NULL,
            step INTEGER NOT NULL DEFAULT 0,
            timestamp INTEGER NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_run_key ON metrics(run_id, key)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("exec query failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, experiment, name string) (*Run, error) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	artifactDir, err := filepath.Abs(filepath.Join(s.artifactRoot, id, "artifacts"))
	if err != nil {
		return nil, err
	}
	run := &Run{
		ID:          id,
		Experiment:  experiment,
		Name:        name,
		Status:      StatusRunning,
		StartTime:   time.Now().Truncate(time.Millisecond),
		ArtifactURI: artifactDir,
		Params:      map[string]string{},
		Metrics:     map[string]float64{},
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, experiment, name, status, start_time, artifact_uri) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Experiment, run.Name, string(run.Status), run.StartTime.UnixMilli(), run.ArtifactURI,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	s.logger.Debug("run created", zap.String("run_id", id), zap.String("experiment", experiment))
	return run, nil
}

// LogParam records key once per run. Logging the same value again is a
// no-op; a different value is an error.
func (s *SQLiteStore) LogParam(ctx context.Context, runID, key, value string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := s.requireActive(ctx, runID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO params (run_id, key, value) VALUES (?, ?, ?)`, runID, key, value)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		var existing string
		if qerr := s.db.QueryRowContext(ctx, `SELECT value FROM params WHERE run_id = ? AND key = ?`, runID, key).Scan(&existing); qerr != nil {
			return fmt.Errorf("log param %s: %w", key, err)
		}
		if existing == value {
			return nil
		}
		return fmt.Errorf("param %s already logged as %q, cannot change to %q", key, existing, value)
	}
	if err != nil {
		return fmt.Errorf("log param %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) LogMetric(ctx context.Context, runID, key string, value float64, step int64) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := s.requireActive(ctx, runID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics (run_id, key, value, step, timestamp) VALUES (?, ?, ?, ?, ?)`,
		runID, key, value, step, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log metric %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) LogArtifact(ctx context.Context, runID, localPath, artifactPath string) error {
	rel, err := cleanArtifactPath(artifactPath)
	if err != nil {
		return err
	}
	if err := s.requireActive(ctx, runID); err != nil {
		return err
	}
	dst := filepath.Join(s.artifactRoot, runID, "artifacts", filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := copyFile(localPath, dst); err != nil {
		return fmt.Errorf("log artifact %s: %w", rel, err)
	}
	s.logger.Debug("artifact stored", zap.String("run_id", runID), zap.String("path", dst))
	return nil
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, runID string, status RunStatus, end time.Time) error {
	var endMillis interface{}
	if !end.IsZero() {
		endMillis = end.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, end_time = ? WHERE run_id = ?`,
		string(status), endMillis, runID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	run := &Run{Params: map[string]string{}, Metrics: map[string]float64{}}
	var (
		status  string
		name    sql.NullString
		start   int64
		endTime sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, experiment, name, status, start_time, end_time, artifact_uri FROM runs WHERE run_id = ?`, runID,
	).Scan(&run.ID, &run.Experiment, &name, &status, &start, &endTime, &run.ArtifactURI)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.Name = name.String
	run.Status = RunStatus(status)
	run.StartTime = time.UnixMilli(start)
	if endTime.Valid {
		run.EndTime = time.UnixMilli(endTime.Int64)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM params WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("get params: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		run.Params[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Ascending order lets the latest step overwrite earlier ones.
	metricRows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM metrics WHERE run_id = ? ORDER BY step, timestamp, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("get metrics: %w", err)
	}
	defer metricRows.Close()
	for metricRows.Next() {
		var k string
		var v float64
		if err := metricRows.Scan(&k, &v); err != nil {
			return nil, err
		}
		run.Metrics[k] = v
	}
	return run, metricRows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) requireActive(ctx context.Context, runID string) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup run: %w", err)
	}
	if RunStatus(status) != StatusRunning {
		return fmt.Errorf("%w: %s", ErrRunNotActive, status)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".artifact-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
