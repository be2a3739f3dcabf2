// Package pagination implements opaque keyset page tokens for list endpoints.
// A token encodes the (id, created_at) position of the last row on the page;
// listings page newest-first, so the next page is everything strictly before
// that position.
package pagination

import (
	"encoding/base64"
	"encoding/json"
)

// Pagination is embedded in list request structs and bound from query params.
type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size,default=10" validate:"gte=1,lte=250"`
}

// Cursor is the decoded keyset position. Fields are strings so the token
// format stays stable however callers store ids and timestamps.
type Cursor struct {
	ID        string `json:"id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// PageInfo is embedded in list responses.
type PageInfo struct {
	NextPageToken     string `json:"next_page_token"`
	PreviousPageToken string `json:"previous_page_token"`
	HasMore           bool   `json:"has_more"`
}

// EncodeCursor serializes a cursor into an opaque base64 token.
func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// DecodeCursor parses a token produced by EncodeCursor. Garbage tokens fail
// here; callers map the error to their invalid-page-token sentinel.
func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, err
	}
	return &cursor, nil
}

// BuildCursorPageInfo derives page info from a result fetched with limit+1
// rows. The extra row only signals that more data exists; the next token
// points at the last row of the returned page, not the probe row.
func BuildCursorPageInfo[T any](data []*T, limit int32, extractCursor func(*T) string) *PageInfo {
	if len(data) == 0 {
		return &PageInfo{HasMore: false}
	}

	hasMore := false
	if len(data) > int(limit) {
		hasMore = true
		data = data[:limit]
	}

	return &PageInfo{
		HasMore:       hasMore,
		NextPageToken: extractCursor(data[len(data)-1]),
	}
}
