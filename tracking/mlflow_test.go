package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeMLflow is an in-memory tracking server covering the endpoints the
// store uses.
type fakeMLflow struct {
	mu          sync.Mutex
	experiments map[string]string
	runs        map[string]*fakeRun
	artifacts   map[string][]byte
	calls       map[string]int
	failNext    int
}

type fakeRun struct {
	info    map[string]interface{}
	params  map[string]string
	metrics map[string]float64
}

func newFakeMLflow() *fakeMLflow {
	return &fakeMLflow{
		experiments: map[string]string{"Default": "0"},
		runs:        map[string]*fakeRun{},
		artifacts:   map[string][]byte{},
		calls:       map[string]int{},
	}
}

func (f *fakeMLflow) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[r.URL.Path]++
	if f.failNext > 0 {
		f.failNext--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/2.0/mlflow-artifacts/artifacts/") {
		data, _ := io.ReadAll(r.Body)
		f.artifacts[strings.TrimPrefix(r.URL.Path, "/api/2.0/mlflow-artifacts/artifacts/")] = data
		w.Write([]byte("{}"))
		return
	}

	var body map[string]interface{}
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, `{"error_code":"INVALID_PARAMETER_VALUE","message":"bad json"}`, http.StatusBadRequest)
			return
		}
	}
	notFound := func() {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error_code":"RESOURCE_DOES_NOT_EXIST","message":"not found"}`))
	}
	reply := func(v interface{}) { json.NewEncoder(w).Encode(v) }

	switch strings.TrimPrefix(r.URL.Path, "/api/2.0/mlflow/") {
	case "experiments/get-by-name":
		id, ok := f.experiments[r.URL.Query().Get("experiment_name")]
		if !ok {
			notFound()
			return
		}
		reply(map[string]interface{}{"experiment": map[string]string{"experiment_id": id}})
	case "experiments/create":
		id := fmt.Sprint(len(f.experiments))
		f.experiments[body["name"].(string)] = id
		reply(map[string]string{"experiment_id": id})
	case "runs/create":
		id := fmt.Sprintf("run%d", len(f.runs)+1)
		expID := body["experiment_id"].(string)
		info := map[string]interface{}{
			"run_id":        id,
			"experiment_id": expID,
			"run_name":      body["run_name"],
			"status":        "RUNNING",
			"start_time":    fmt.Sprint(int64(body["start_time"].(float64))),
			"artifact_uri":  fmt.Sprintf("mlflow-artifacts:/%s/%s/artifacts", expID, id),
		}
		f.runs[id] = &fakeRun{info: info, params: map[string]string{}, metrics: map[string]float64{}}
		reply(map[string]interface{}{"run": map[string]interface{}{"info": info}})
	case "runs/log-parameter":
		run, ok := f.runs[body["run_id"].(string)]
		if !ok {
			notFound()
			return
		}
		run.params[body["key"].(string)] = body["value"].(string)
		reply(map[string]string{})
	case "runs/log-metric":
		run, ok := f.runs[body["run_id"].(string)]
		if !ok {
			notFound()
			return
		}
		run.metrics[body["key"].(string)] = body["value"].(float64)
		reply(map[string]string{})
	case "runs/update":
		run, ok := f.runs[body["run_id"].(string)]
		if !ok {
			notFound()
			return
		}
		run.info["status"] = body["status"]
		run.info["end_time"] = body["end_time"]
		reply(map[string]interface{}{"run_info": run.info})
	case "runs/get":
		run, ok := f.runs[r.URL.Query().Get("run_id")]
		if !ok {
			notFound()
			return
		}
		var params, metrics []map[string]interface{}
		for k, v := range run.params {
			params = append(params, map[string]interface{}{"key": k, "value": v})
		}
		for k, v := range run.metrics {
			metrics = append(metrics, map[string]interface{}{"key": k, "value": v, "timestamp": 1, "step": 0})
		}
		reply(map[string]interface{}{"run": map[string]interface{}{
			"info": run.info,
			"data": map[string]interface{}{"params": params, "metrics": metrics},
		}})
	default:
		http.NotFound(w, r)
	}
}

func newTestMLflowStore(t *testing.T, fake *fakeMLflow) *MLflowStore {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	store, err := NewMLflowStore(srv.URL+"/", zaptest.NewLogger(t))
	require.NoError(t, err)
	store.Delay = time.Millisecond
	return store
}

func TestMLflowStoreRunLifecycle(t *testing.T) {
	ctx := context.Background()
	fake := newFakeMLflow()
	store := newTestMLflowStore(t, fake)

	run, err := store.CreateRun(ctx, "iris-experiment", "train")
	require.NoError(t, err)
	assert.Equal(t, "run1", run.ID)
	assert.Equal(t, "mlflow-artifacts:/1/run1/artifacts", run.ArtifactURI)

	require.NoError(t, store.LogParam(ctx, run.ID, "n_estimators", "100"))
	require.NoError(t, store.LogMetric(ctx, run.ID, "accuracy", 0.97, 0))

	local := filepath.Join(t.TempDir(), "model.json.zst")
	require.NoError(t, os.WriteFile(local, []byte("zstd bytes"), 0o644))
	require.NoError(t, store.LogArtifact(ctx, run.ID, local, "model/model.json.zst"))
	assert.Equal(t, []byte("zstd bytes"), fake.artifacts["1/run1/artifacts/model/model.json.zst"])

	end := time.Now()
	require.NoError(t, store.UpdateRun(ctx, run.ID, StatusFinished, end))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, got.Status)
	assert.Equal(t, "train", got.Name)
	assert.Equal(t, end.UnixMilli(), got.EndTime.UnixMilli())
	assert.Equal(t, run.StartTime.UnixMilli(), got.StartTime.UnixMilli())
	assert.Equal(t, map[string]string{"n_estimators": "100"}, got.Params)
	assert.Equal(t, map[string]float64{"accuracy": 0.97}, got.Metrics)
}

func TestMLflowStoreCachesExperimentIDs(t *testing.T) {
	ctx := context.Background()
	fake := newFakeMLflow()
	store := newTestMLflowStore(t, fake)

	for i := 0; i < 3; i++ {
		_, err := store.CreateRun(ctx, "Default", "")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, fake.calls["/api/2.0/mlflow/experiments/get-by-name"])
	assert.Equal(t, 0, fake.calls["/api/2.0/mlflow/experiments/create"])
	assert.Equal(t, 3, fake.calls["/api/2.0/mlflow/runs/create"])
}

func TestMLflowStoreRetriesUnavailableServer(t *testing.T) {
	ctx := context.Background()
	fake := newFakeMLflow()
	store := newTestMLflowStore(t, fake)
	run, err := store.CreateRun(ctx, "Default", "")
	require.NoError(t, err)

	fake.failNext = 2
	require.NoError(t, store.LogMetric(ctx, run.ID, "accuracy", 1, 0))
	assert.Equal(t, 3, fake.calls["/api/2.0/mlflow/runs/log-metric"])

	fake.failNext = 10
	err = store.LogParam(ctx, run.ID, "k", "v")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, int(store.Attempts), fake.calls["/api/2.0/mlflow/runs/log-parameter"])
}

func TestMLflowStoreClientErrorsAreNotRetried(t *testing.T) {
	ctx := context.Background()
	fake := newFakeMLflow()
	store := newTestMLflowStore(t, fake)

	err := store.LogParam(ctx, "nope", "k", "v")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "RESOURCE_DOES_NOT_EXIST", apiErr.Code)
	assert.Equal(t, 1, fake.calls["/api/2.0/mlflow/runs/log-parameter"])

	_, err = store.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestNewMLflowStoreRejectsBadURI(t *testing.T) {
	for _, uri := range []string{"", "localhost:5000", "file:///tmp/mlruns"} {
		_, err := NewMLflowStore(uri, nil)
		assert.Error(t, err, uri)
	}
}
