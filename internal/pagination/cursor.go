// Package pagination provides keyset cursors for newest-first listings.
//
// A cursor is an opaque token wrapping the sequence number of the last item
// a client has seen; the next page holds items strictly older than it.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

const cursorVersion = "v1"

// ErrInvalidCursor is returned for tokens this package did not produce.
var ErrInvalidCursor = errors.New("invalid cursor")

// Encode returns an opaque cursor for seq.
func Encode(seq int64) string {
	raw := cursorVersion + ":" + strconv.FormatInt(seq, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor. The empty string decodes to 0, meaning "from the
// newest item".
func Decode(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	version, num, ok := strings.Cut(string(raw), ":")
	if !ok || version != cursorVersion {
		return 0, ErrInvalidCursor
	}
	seq, err := strconv.ParseInt(num, 10, 64)
	if err != nil || seq <= 0 {
		return 0, ErrInvalidCursor
	}
	return seq, nil
}

// ComputePage takes items fetched with limit+1, trims them to limit and
// returns the cursor for the next page. seqOf extracts an item's sequence.
func ComputePage[T any](items []T, limit int, seqOf func(T) int64) ([]T, string, bool) {
	if limit <= 0 || len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, Encode(seqOf(items[len(items)-1])), true
}
