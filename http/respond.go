package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	respondJSON(w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}

// decodeErr maps a body read or JSON decode failure to a client response.
func decodeErr(w http.ResponseWriter, err error) {
	var (
		syntaxErr   *json.SyntaxError
		typeErr     *json.UnmarshalTypeError
		maxBytesErr *http.MaxBytesError
	)
	switch {
	case errors.As(err, &maxBytesErr):
		respondError(w, http.StatusRequestEntityTooLarge, "body exceeds %d bytes", maxBytesErr.Limit)
	case errors.As(err, &syntaxErr):
		respondError(w, http.StatusBadRequest, "malformed json at position %d", syntaxErr.Offset)
	case errors.Is(err, io.ErrUnexpectedEOF):
		respondError(w, http.StatusBadRequest, "malformed json")
	case errors.As(err, &typeErr):
		respondError(w, http.StatusBadRequest, "invalid value for %s at position %d", typeErr.Field, typeErr.Offset)
	case errors.Is(err, io.EOF):
		respondError(w, http.StatusBadRequest, "body must not be empty")
	default:
		respondError(w, http.StatusBadRequest, "failed to read request body")
	}
}
