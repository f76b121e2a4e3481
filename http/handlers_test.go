package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mldeploy/config"
	"mldeploy/dataset"
	"mldeploy/ml"
	"mldeploy/pipeline"
)

type fakeModel struct {
	nFeatures int
	value     float64
	err       error
	panics    bool
	calls     int
}

func (f *fakeModel) NumFeatures() int { return f.nFeatures }

func (f *fakeModel) Predict(features []float64) (float64, error) {
	f.calls++
	if f.panics {
		panic("tree index out of range")
	}
	if len(features) != f.nFeatures {
		return 0, &ml.ShapeError{Want: f.nFeatures, Got: len(features)}
	}
	return f.value, f.err
}

func (f *fakeModel) Name() string { return "fake" }

func newTestHandler(t *testing.T, model ml.Predictor) http.Handler {
	t.Helper()
	cfg := config.ServerConfig{
		Host:         "127.0.0.1",
		Port:         5000,
		Timeout:      5 * time.Second,
		MaxBodyBytes: 256,
	}
	return NewServer(cfg, model, zaptest.NewLogger(t)).Handler()
}

func doRequest(h http.Handler, method, path, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload), "body: %s", w.Body.String())
	return payload
}

func TestHandlePredict(t *testing.T) {
	model := &fakeModel{nFeatures: 3, value: 2.5}
	h := newTestHandler(t, model)

	for i := 0; i < 2; i++ {
		w := doRequest(h, http.MethodPost, "/predict", "application/json", `{"features":[1,2.5,-3]}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

		payload := decodeBody(t, w)
		assert.Len(t, payload, 1)
		assert.Equal(t, 2.5, payload["prediction"])
	}
	assert.Equal(t, 2, model.calls)
}

func TestHandlePredictClientErrors(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		body        string
		status      int
		contains    string
	}{
		{"wrong length", "application/json", `{"features":[1,2]}`, http.StatusBadRequest, "expected 3 features"},
		{"missing features", "application/json", `{"inputs":[1,2,3]}`, http.StatusBadRequest, "features"},
		{"empty features", "application/json", `{"features":[]}`, http.StatusBadRequest, "features"},
		{"non numeric", "application/json", `{"features":[1,"two",3]}`, http.StatusBadRequest, "features"},
		{"not an object", "application/json", `[1,2,3]`, http.StatusBadRequest, ""},
		{"malformed", "application/json", `{"features":[1,2,`, http.StatusBadRequest, "malformed"},
		{"syntax", "application/json", `{features}`, http.StatusBadRequest, "malformed json at position"},
		{"empty body", "application/json", ``, http.StatusBadRequest, "empty"},
		{"not json", "text/plain", `{"features":[1,2,3]}`, http.StatusUnsupportedMediaType, ""},
		{"no content type", "", `{"features":[1,2,3]}`, http.StatusUnsupportedMediaType, ""},
		{"too large", "application/json", `{"features":[` + strings.Repeat("1,", 200) + `1]}`, http.StatusRequestEntityTooLarge, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			model := &fakeModel{nFeatures: 3, value: 1}
			h := newTestHandler(t, model)
			w := doRequest(h, http.MethodPost, "/predict", tc.contentType, tc.body)

			assert.Equal(t, tc.status, w.Code, w.Body.String())
			payload := decodeBody(t, w)
			assert.Contains(t, payload["error"], tc.contains)
		})
	}
}

func TestHandlePredictCharsetContentType(t *testing.T) {
	h := newTestHandler(t, &fakeModel{nFeatures: 1, value: 4})
	w := doRequest(h, http.MethodPost, "/predict", "application/json; charset=utf-8", `{"features":[0]}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlePredictModelFailure(t *testing.T) {
	cases := map[string]*fakeModel{
		"error": {nFeatures: 2, err: errors.New("leaf missing")},
		"panic": {nFeatures: 2, panics: true},
		"nan":   {nFeatures: 2, value: math.NaN()},
	}
	for name, model := range cases {
		t.Run(name, func(t *testing.T) {
			h := newTestHandler(t, model)
			w := doRequest(h, http.MethodPost, "/predict", "application/json", `{"features":[1,2]}`)
			assert.Equal(t, http.StatusInternalServerError, w.Code)
			assert.Equal(t, "inference failed", decodeBody(t, w)["error"])

			// the server keeps serving after a failure
			health := doRequest(h, http.MethodGet, "/health", "", "")
			assert.Equal(t, http.StatusOK, health.Code)
		})
	}
}

func TestPredictMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, &fakeModel{nFeatures: 1})
	w := doRequest(h, http.MethodGet, "/predict", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Contains(t, w.Header().Get("Allow"), http.MethodPost)
}

func TestHealthHandler(t *testing.T) {
	h := newTestHandler(t, &fakeModel{nFeatures: 8})
	w := doRequest(h, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, HealthResponse{Status: "serving", Model: "fake", NFeatures: 8}, health)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHandler(t, &fakeModel{nFeatures: 1, value: 1})
	doRequest(h, http.MethodPost, "/predict", "application/json", `{"features":[1]}`)

	w := doRequest(h, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "mldeploy_predictions_total")
	assert.Contains(t, body, `mldeploy_http_requests_total{method="POST",route="/predict",status="200"}`)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := Chain(RecoveryMiddleware(zaptest.NewLogger(t)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := doRequest(h, http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal server error", decodeBody(t, w)["error"])
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(mark("a"), mark("b"), mark("c"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	doRequest(h, http.MethodGet, "/", "", "")
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

// TestServeTrainedModel trains on a seeded split, round trips the artifact
// through disk and checks that HTTP predictions match in-memory ones exactly.
func TestServeTrainedModel(t *testing.T) {
	ds := &dataset.Dataset{FeatureNames: []string{"a", "b", "c"}}
	for i := 0; i < 200; i++ {
		x := []float64{float64(i%17) * 0.7, float64(i%5) - 2, float64((i*31)%23) / 3}
		ds.Features = append(ds.Features, x)
		ds.Target = append(ds.Target, 2*x[0]-x[1]*x[1]+0.5*x[2])
	}
	forest := ml.DefaultForestConfig()
	forest.NEstimators = 10
	res, err := pipeline.Train(context.Background(), ds, pipeline.TrainingConfig{
		Forest:    forest,
		TestSize:  0.2,
		SplitSeed: 42,
		Scale:     true,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.json.zst")
	require.NoError(t, ml.SaveModel(path, res.Model))
	loaded, err := ml.LoadModel(path)
	require.NoError(t, err)

	srv := httptest.NewServer(newTestHandler(t, loaded))
	defer srv.Close()

	for _, row := range res.Split.TestX[:5] {
		want, err := res.Model.Predict(row)
		require.NoError(t, err)

		body, err := json.Marshal(PredictRequest{Features: row})
		require.NoError(t, err)
		resp, err := http.Post(srv.URL+"/predict", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

		var got PredictResponse
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, want, got.Prediction)
	}
}
