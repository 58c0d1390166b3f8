package feed

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ErrInvalidCursor means a cursor could not be decoded or does not belong
// to the request it was sent with.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is the decoded form of a page token. It names the pagination
// session and where the next page starts. Served holds every id already
// returned in the walk so an expired session can be rebuilt without them;
// Filters is the canonical form of the filters the walk was started with.
type Cursor struct {
	SessionID string  `json:"sid"`
	Sort      SortKey `json:"sort"`
	Offset    int     `json:"off"`
	Filters   string  `json:"f,omitempty"`
	Served    []int   `json:"seen"`
}

// Encode returns the opaque token form.
func (c Cursor) Encode() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeCursor parses a token produced by Encode.
func DecodeCursor(token string) (Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if c.SessionID == "" || c.Offset <= 0 || len(c.Served) == 0 {
		return Cursor{}, fmt.Errorf("%w: incomplete", ErrInvalidCursor)
	}
	if c.Sort == "" {
		return Cursor{}, fmt.Errorf("%w: missing sort", ErrInvalidCursor)
	}
	if _, err := ParseSortKey(string(c.Sort)); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return c, nil
}
