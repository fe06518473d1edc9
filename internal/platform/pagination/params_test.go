package pagination

import (
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d got %d", DefaultPageSize, params.PageSize)
	}
	if params.PageToken != "" || !params.Cursor.IsZero() {
		t.Fatalf("expected empty cursor, got %#v", params)
	}
}

func TestParsePageSize(t *testing.T) {
	opts := Options{DefaultPageSize: 25, MaxPageSize: 40}
	values := url.Values{}
	values.Set("page_size", "30")

	params, err := Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != 30 {
		t.Fatalf("expected page size 30 got %d", params.PageSize)
	}

	values.Set("page_size", "400")
	params, err = Parse(values, opts)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if params.PageSize != opts.MaxPageSize {
		t.Fatalf("expected page size clamped to %d got %d", opts.MaxPageSize, params.PageSize)
	}
}

func TestParseInvalidPageSize(t *testing.T) {
	for _, raw := range []string{"abc", "0", "-3"} {
		values := url.Values{}
		values.Set("page_size", raw)
		if _, err := Parse(values, Options{}); !errors.Is(err, ErrInvalidPageSize) {
			t.Fatalf("page_size=%q: expected ErrInvalidPageSize, got %v", raw, err)
		}
	}
}

func TestTokenRoundTrip(t *testing.T) {
	cursor := Cursor{After: time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC), ID: "ord_01"}
	token := EncodeToken(cursor)
	if token == "" {
		t.Fatalf("expected token")
	}

	req := httptest.NewRequest("GET", "/orders?page_token="+url.QueryEscape(token), nil)
	params, err := FromRequest(req, Options{})
	if err != nil {
		t.Fatalf("FromRequest: %v", err)
	}
	if !params.Cursor.After.Equal(cursor.After) || params.Cursor.ID != cursor.ID {
		t.Fatalf("cursor mismatch: %#v", params.Cursor)
	}
	if params.PageToken != token {
		t.Fatalf("expected raw token preserved")
	}
}

func TestEncodeZeroCursor(t *testing.T) {
	if token := EncodeToken(Cursor{}); token != "" {
		t.Fatalf("expected empty token for zero cursor, got %q", token)
	}
}

func TestDecodeInvalidToken(t *testing.T) {
	for _, token := range []string{"***", "bm90LWpzb24", base64.RawURLEncoding.EncodeToString([]byte(`{"id":"ord_1"}`))} {
		if _, err := DecodeToken(token); !errors.Is(err, ErrInvalidPageToken) {
			t.Fatalf("token %q: expected ErrInvalidPageToken, got %v", token, err)
		}
	}
}
