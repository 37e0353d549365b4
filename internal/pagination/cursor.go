// Package pagination implements opaque keyset cursors for list endpoints.
//
// A cursor wraps the sort key of the last item on a page. Stores list rows
// strictly after that key, so pages stay stable while rows are inserted.
package pagination

import (
	"encoding/base64"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeflow/internal/apperr"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = apperr.New(apperr.KindValidation, "invalid_cursor", "invalid pagination cursor")

const cursorPrefix = "k1:"

// Encode returns an opaque cursor for key.
func Encode(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + key))
}

// Decode returns the key inside a cursor. An empty cursor yields "".
func Decode(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil || len(raw) <= len(cursorPrefix) || string(raw[:len(cursorPrefix)]) != cursorPrefix {
		return "", ErrInvalidCursor
	}
	return string(raw[len(cursorPrefix):]), nil
}

// Page is one page of a listing.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// ComputePage trims items fetched with limit+1 to limit and derives the
// next cursor from the last kept item.
func ComputePage[T any](items []T, limit int, key func(T) string) Page[T] {
	if items == nil {
		items = []T{}
	}
	if len(items) <= limit {
		return Page[T]{Items: items}
	}
	items = items[:limit]
	return Page[T]{Items: items, NextCursor: Encode(key(items[len(items)-1])), HasMore: true}
}

// Params reads ?cursor= and ?limit= from the request.
func Params(c *gin.Context) (after string, limit int, err error) {
	limit = DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n <= 0 {
			return "", 0, apperr.New(apperr.KindValidation, "invalid_limit", "limit must be a positive integer")
		}
		limit = min(n, MaxLimit)
	}
	after, err = Decode(c.Query("cursor"))
	return after, limit, err
}
