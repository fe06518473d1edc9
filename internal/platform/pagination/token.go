package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Cursor is a keyset position: the sort timestamp and id of the last item returned.
type Cursor struct {
	After time.Time `json:"t"`
	ID    string    `json:"id"`
}

// IsZero reports whether the cursor points at the start of the list.
func (c Cursor) IsZero() bool {
	return c.After.IsZero() && c.ID == ""
}

// EncodeToken serialises the provided cursor into a base64 URL-safe page token.
func EncodeToken(cursor Cursor) string {
	if cursor.IsZero() {
		return ""
	}
	cursor.After = cursor.After.UTC()
	data, _ := json.Marshal(cursor)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeToken parses the page token produced by EncodeToken back into a cursor.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(decoded, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	if cursor.After.IsZero() || strings.TrimSpace(cursor.ID) == "" {
		return Cursor{}, fmt.Errorf("%w: incomplete cursor", ErrInvalidPageToken)
	}
	return cursor, nil
}
