package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const mlflowArtifactScheme = "mlflow-artifacts:"

// MLflowStore talks to an MLflow tracking server over its REST API.
// Artifacts are uploaded through the server's artifact proxy.
type MLflowStore struct {
	baseURL  string
	client   *http.Client
	logger   *zap.Logger
	Attempts uint
	Delay    time.Duration

	experiments  *lru.Cache[string, string]
	artifactURIs *lru.Cache[string, string]
}

var _ Store = (*MLflowStore)(nil)

// APIError is a non-2xx answer from the tracking server.
type APIError struct {
	StatusCode int
	Code       string `json:"error_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("mlflow: status %d", e.StatusCode)
	}
	return fmt.Sprintf("mlflow: %s: %s", e.Code, e.Message)
}

func NewMLflowStore(trackingURI string, logger *zap.Logger) (*MLflowStore, error) {
	u, err := url.Parse(trackingURI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid tracking uri %q", trackingURI)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	experiments, err := lru.New[string, string](64)
	if err != nil {
		return nil, err
	}
	artifactURIs, err := lru.New[string, string](256)
	if err != nil {
		return nil, err
	}
	return &MLflowStore{
		baseURL:      strings.TrimRight(trackingURI, "/"),
		client:       &http.Client{Timeout: 60 * time.Second},
		logger:       logger,
		Attempts:     4,
		Delay:        500 * time.Millisecond,
		experiments:  experiments,
		artifactURIs: artifactURIs,
	}, nil
}

type mlflowRunInfo struct {
	RunID        string `json:"run_id"`
	ExperimentID string `json:"experiment_id"`
	RunName      string `json:"run_name"`
	Status       string `json:"status"`
	StartTime    millis `json:"start_time"`
	EndTime      millis `json:"end_time"`
	ArtifactURI  string `json:"artifact_uri"`
}

// millis accepts int64 fields encoded either as JSON numbers or as strings.
type millis int64

func (m *millis) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	v, err := strconv.ParseInt(strings.Trim(string(data), `"`), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid int64 %s: %w", data, err)
	}
	*m = millis(v)
	return nil
}

type mlflowRun struct {
	Info mlflowRunInfo `json:"info"`
	Data struct {
		Metrics []struct {
			Key       string  `json:"key"`
			Value     float64 `json:"value"`
			Timestamp millis  `json:"timestamp"`
			Step      millis  `json:"step"`
		} `json:"metrics"`
		Params []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"params"`
	} `json:"data"`
}

// experimentID resolves an experiment name, creating it when it does not
// exist yet.
func (s *MLflowStore) experimentID(ctx context.Context, name string) (string, error) {
	if id, ok := s.experiments.Get(name); ok {
		return id, nil
	}

	var found struct {
		Experiment struct {
			ID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	q := url.Values{"experiment_name": {name}}
	err := s.call(ctx, http.MethodGet, "experiments/get-by-name?"+q.Encode(), nil, &found)
	var apiErr *APIError
	switch {
	case err == nil:
		s.experiments.Add(name, found.Experiment.ID)
		return found.Experiment.ID, nil
	case errors.As(err, &apiErr) && apiErr.Code == "RESOURCE_DOES_NOT_EXIST":
	default:
		return "", err
	}

	var created struct {
		ID string `json:"experiment_id"`
	}
	if err := s.call(ctx, http.MethodPost, "experiments/create", map[string]string{"name": name}, &created); err != nil {
		return "", fmt.Errorf("create experiment %q: %w", name, err)
	}
	s.logger.Info("created experiment", zap.String("experiment", name), zap.String("experiment_id", created.ID))
	s.experiments.Add(name, created.ID)
	return created.ID, nil
}

func (s *MLflowStore) CreateRun(ctx context.Context, experiment, name string) (*Run, error) {
	expID, err := s.experimentID(ctx, experiment)
	if err != nil {
		return nil, err
	}
	start := time.Now().Truncate(time.Millisecond)
	req := map[string]interface{}{
		"experiment_id": expID,
		"start_time":    start.UnixMilli(),
		"run_name":      name,
	}
	var resp struct {
		Run mlflowRun `json:"run"`
	}
	if err := s.call(ctx, http.MethodPost, "runs/create", req, &resp); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	info := resp.Run.Info
	if info.RunID == "" {
		return nil, errors.New("create run: empty run id in response")
	}
	s.artifactURIs.Add(info.RunID, info.ArtifactURI)
	return &Run{
		ID:          info.RunID,
		Experiment:  experiment,
		Name:        name,
		Status:      StatusRunning,
		StartTime:   start,
		ArtifactURI: info.ArtifactURI,
		Params:      map[string]string{},
		Metrics:     map[string]float64{},
	}, nil
}

func (s *MLflowStore) LogParam(ctx context.Context, runID, key, value string) error {
	if err := validKey(key); err != nil {
		return err
	}
	return s.call(ctx, http.MethodPost, "runs/log-parameter", map[string]string{
		"run_id": runID,
		"key":    key,
		"value":  value,
	}, nil)
}

func (s *MLflowStore) LogMetric(ctx context.Context, runID, key string, value float64, step int64) error {
	if err := validKey(key); err != nil {
		return err
	}
	return s.call(ctx, http.MethodPost, "runs/log-metric", map[string]interface{}{
		"run_id":    runID,
		"key":       key,
		"value":     value,
		"timestamp": time.Now().UnixMilli(),
		"step":      step,
	}, nil)
}

func (s *MLflowStore) UpdateRun(ctx context.Context, runID string, status RunStatus, end time.Time) error {
	req := map[string]interface{}{
		"run_id": runID,
		"status": string(status),
	}
	if !end.IsZero() {
		req["end_time"] = end.UnixMilli()
	}
	return s.call(ctx, http.MethodPost, "runs/update", req, nil)
}

func (s *MLflowStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var resp struct {
		Run mlflowRun `json:"run"`
	}
	q := url.Values{"run_id": {runID}}
	err := s.call(ctx, http.MethodGet, "runs/get?"+q.Encode(), nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "RESOURCE_DOES_NOT_EXIST" {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	info := resp.Run.Info
	run := &Run{
		ID:          info.RunID,
		Experiment:  info.ExperimentID,
		Name:        info.RunName,
		Status:      RunStatus(info.Status),
		StartTime:   time.UnixMilli(int64(info.StartTime)),
		ArtifactURI: info.ArtifactURI,
		Params:      make(map[string]string, len(resp.Run.Data.Params)),
		Metrics:     make(map[string]float64, len(resp.Run.Data.Metrics)),
	}
	if info.EndTime != 0 {
		run.EndTime = time.UnixMilli(int64(info.EndTime))
	}
	for _, p := range resp.Run.Data.Params {
		run.Params[p.Key] = p.Value
	}
	for _, m := range resp.Run.Data.Metrics {
		run.Metrics[m.Key] = m.Value
	}
	s.artifactURIs.Add(info.RunID, info.ArtifactURI)
	return run, nil
}

// LogArtifact uploads through the tracking server's mlflow-artifacts proxy.
func (s *MLflowStore) LogArtifact(ctx context.Context, runID, localPath, artifactPath string) error {
	rel, err := cleanArtifactPath(artifactPath)
	if err != nil {
		return err
	}
	artifactURI, ok := s.artifactURIs.Get(runID)
	if !ok {
		run, err := s.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		artifactURI = run.ArtifactURI
	}
	if !strings.HasPrefix(artifactURI, mlflowArtifactScheme) {
		return fmt.Errorf("artifact uri %q is not served by the tracking server", artifactURI)
	}
	root := strings.TrimLeft(strings.TrimPrefix(artifactURI, mlflowArtifactScheme), "/")
	target := s.baseURL + "/api/2.0/mlflow-artifacts/artifacts/" + path.Join(root, rel)

	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	return s.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return req, nil
	}, nil)
}

func (s *MLflowStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *MLflowStore) call(ctx context.Context, method, endpoint string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	target := s.baseURL + "/api/2.0/mlflow/" + endpoint
	return s.do(ctx, func() (*http.Request, error) {
		var r io.Reader
		if payload != nil {
			r = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, r)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}, out)
}

// do sends the request built by newReq, retrying transport failures and
// 5xx/429 answers.
func (s *MLflowStore) do(ctx context.Context, newReq func() (*http.Request, error), out interface{}) error {
	return retry.Do(
		func() error {
			req, err := newReq()
			if err != nil {
				return err
			}
			resp, err := s.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				apiErr := &APIError{StatusCode: resp.StatusCode}
				_ = json.Unmarshal(data, apiErr)
				return apiErr
			}
			if out == nil || len(data) == 0 {
				return nil
			}
			return json.Unmarshal(data, out)
		},
		retry.Context(ctx),
		retry.Attempts(s.Attempts),
		retry.Delay(s.Delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("retrying mlflow request", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	return !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr)
}
