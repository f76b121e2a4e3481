package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"mldeploy/ml"
)

const predictRequestSchema = `{
	"type": "object",
	"required": ["features"],
	"properties": {
		"features": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "number"}
		}
	}
}`

var predictSchema = func() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(predictRequestSchema))
	if err != nil {
		panic(err)
	}
	return schema
}()

type PredictRequest struct {
	Features []float64 `json:"features"`
}

type PredictResponse struct {
	Prediction float64 `json:"prediction"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Model     string `json:"model"`
	NFeatures int    `json:"n_features"`
}

// RegisterHandlers mounts the serving routes for model on mux.
func RegisterHandlers(mux *http.ServeMux, model ml.Predictor) {
	mux.Handle("POST /predict", NewPredictHandler(model))
	mux.Handle("GET /health", NewHealthHandler(model))
}

// NewPredictHandler answers POST /predict with a single forward pass of model.
func NewPredictHandler(model ml.Predictor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := loggerFromContext(r.Context())

		if !isJSON(r.Header.Get("Content-Type")) {
			predictionsTotal.WithLabelValues(outcomeInvalid).Inc()
			respondError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
			return
		}

		req, ok := decodePredictRequest(w, r)
		if !ok {
			predictionsTotal.WithLabelValues(outcomeInvalid).Inc()
			return
		}

		prediction, err := safePredict(model, req.Features)
		if err == nil && (math.IsNaN(prediction) || math.IsInf(prediction, 0)) {
			err = fmt.Errorf("non-finite prediction %v", prediction)
		}
		var shapeErr *ml.ShapeError
		switch {
		case errors.As(err, &shapeErr):
			predictionsTotal.WithLabelValues(outcomeInvalid).Inc()
			respondError(w, http.StatusBadRequest, "features: %v", shapeErr)
			return
		case err != nil:
			predictionsTotal.WithLabelValues(outcomeError).Inc()
			log.Error("inference failed", zap.Error(err), zap.Int("n_features", len(req.Features)))
			respondError(w, http.StatusInternalServerError, "inference failed")
			return
		}

		predictionsTotal.WithLabelValues(outcomeOK).Inc()
		respondJSON(w, http.StatusOK, PredictResponse{Prediction: prediction})
	})
}

// decodePredictRequest writes the client error itself and reports false when
// the body is unusable.
func decodePredictRequest(w http.ResponseWriter, r *http.Request) (*PredictRequest, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		decodeErr(w, err)
		return nil, false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		decodeErr(w, io.EOF)
		return nil, false
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		decodeErr(w, err)
		return nil, false
	}
	result, err := predictSchema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		decodeErr(w, err)
		return nil, false
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		respondError(w, http.StatusBadRequest, "%s", strings.Join(errs, "; "))
		return nil, false
	}

	var req PredictRequest
	if err := json.Unmarshal(body, &req); err != nil {
		decodeErr(w, err)
		return nil, false
	}
	return &req, true
}

// safePredict turns a panicking model into an inference error.
func safePredict(model ml.Predictor, features []float64) (prediction float64, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("model panicked: %v", p)
		}
	}()
	return model.Predict(features)
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// NewHealthHandler reports that the process is serving and which model it holds.
func NewHealthHandler(model ml.Predictor) http.Handler {
	name := "unknown"
	if named, ok := model.(interface{ Name() string }); ok {
		name = named.Name()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, HealthResponse{
			Status:    "serving",
			Model:     name,
			NFeatures: model.NumFeatures(),
		})
	})
}
