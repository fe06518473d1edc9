package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type payload struct {
	Name string `json:"name"`
}

func TestDecodeJSON(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		ctype  string
		status int
	}{
		{"valid", `{"name":"a"}`, "application/json", 0},
		{"empty", ``, "application/json", http.StatusBadRequest},
		{"unknown field", `{"nope":1}`, "application/json", http.StatusBadRequest},
		{"trailing object", `{"name":"a"}{"name":"b"}`, "application/json", http.StatusBadRequest},
		{"wrong content type", `{"name":"a"}`, "text/plain", http.StatusUnsupportedMediaType},
		{"too large", `{"name":"` + strings.Repeat("x", 64) + `"}`, "", http.StatusRequestEntityTooLarge},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			if tc.ctype != "" {
				req.Header.Set("Content-Type", tc.ctype)
			}
			var dst payload
			err := DecodeJSON(httptest.NewRecorder(), req, &dst, 32)
			if tc.status == 0 {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				if dst.Name != "a" {
					t.Fatalf("expected name a, got %q", dst.Name)
				}
				return
			}
			var envelope Error
			if !errors.As(err, &envelope) {
				t.Fatalf("expected envelope error, got %v", err)
			}
			if envelope.Status != tc.status || envelope.Code != "invalid_request" {
				t.Fatalf("expected %d invalid_request, got %+v", tc.status, envelope)
			}
		})
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	err := NewError("order_not_found", "order\nmissing", http.StatusNotFound).
		WithRequestID("req-1").
		WithDetails(map[string]any{"order_id": "ord_1", "status": "ignored"})

	WriteError(context.Background(), rec, err)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body map[string]any
	if decodeErr := json.Unmarshal(rec.Body.Bytes(), &body); decodeErr != nil {
		t.Fatalf("decode: %v", decodeErr)
	}
	if body["error"] != "order_not_found" || body["message"] != "order missing" || body["request_id"] != "req-1" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["status"] != float64(http.StatusNotFound) || body["order_id"] != "ord_1" {
		t.Fatalf("unexpected body %v", body)
	}
	if _, ok := body["trace_id"]; ok {
		t.Fatalf("trace id should be omitted when absent")
	}
}
