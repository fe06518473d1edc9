package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultBodyLimit caps request bodies decoded by DecodeJSON.
const DefaultBodyLimit int64 = 1 << 20

// WriteJSON encodes payload with the given status code.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// DecodeJSON strictly decodes a single JSON object from the request body into dst.
// The returned error is an invalid_request envelope ready for WriteError.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any, limit int64) error {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		return NewError("invalid_request", "content type must be application/json", http.StatusUnsupportedMediaType)
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return NewError("invalid_request", "request body is required", http.StatusBadRequest)
		case errors.As(err, &maxErr):
			return NewError("invalid_request", fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit), http.StatusRequestEntityTooLarge)
		default:
			return NewError("invalid_request", "malformed JSON: "+err.Error(), http.StatusBadRequest)
		}
	}
	if dec.More() {
		return NewError("invalid_request", "request body must contain a single JSON object", http.StatusBadRequest)
	}
	return nil
}
