// Package pagination provides opaque cursors for newest-first listings
// keyed by a monotonic sequence number.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last item of a page. The next page starts strictly
// below Seq.
type Cursor struct {
	Seq int64
	ID  string
}

// Encode returns an opaque cursor string from a sequence number and ID.
func Encode(seq int64, id string) string {
	raw := strconv.FormatInt(seq, 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	seqPart, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil || seq <= 0 {
		return nil, ErrInvalidCursor
	}
	return &Cursor{Seq: seq, ID: id}, nil
}

// ComputePage takes items fetched with limit+1, the requested limit, and a
// function extracting (seq, id) from an item. It returns the trimmed
// items, the next cursor and whether more items follow.
func ComputePage[T any](items []T, limit int, key func(T) (int64, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	seq, id := key(items[len(items)-1])
	return items, Encode(seq, id), true
}
