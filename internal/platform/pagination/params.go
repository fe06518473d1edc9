package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize defines the fallback number of items returned when the client omits page_size.
	DefaultPageSize = 50
	// DefaultMaxPageSize caps the supported page_size to prevent unbounded queries.
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid page_size")
	ErrInvalidPageToken = errors.New("pagination: invalid page_token")
)

// Params bundles the paging values extracted from a request.
type Params struct {
	PageSize  int
	PageToken string
	Cursor    Cursor
}

// Options control the page size bounds for a handler.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

// FromRequest parses the paging query parameters from the supplied request.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse consumes page_size and page_token. Oversized pages are clamped rather than rejected.
func Parse(values url.Values, opts Options) (Params, error) {
	pageSize, err := parsePageSize(strings.TrimSpace(values.Get("page_size")), opts)
	if err != nil {
		return Params{}, err
	}

	params := Params{PageSize: pageSize}
	if raw := strings.TrimSpace(values.Get("page_token")); raw != "" {
		cursor, err := DecodeToken(raw)
		if err != nil {
			return Params{}, err
		}
		params.PageToken = raw
		params.Cursor = cursor
	}
	return params, nil
}

func parsePageSize(raw string, opts Options) (int, error) {
	def := opts.DefaultPageSize
	if def <= 0 {
		def = DefaultPageSize
	}
	maxSize := opts.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}
	if def > maxSize {
		def = maxSize
	}
	if raw == "" {
		return def, nil
	}

	size, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	if size <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	if size > maxSize {
		size = maxSize
	}
	return size, nil
}
