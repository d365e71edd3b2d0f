package schema

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/steveyegge/ghostsync/internal/jsondiff"
)

// DefaultPageSize is the number of index entries requested per page.
const DefaultPageSize = 50

// IndexEntry is one (key, version) pair of the authoritative index. Data is
// present when the request asked for entity data.
type IndexEntry struct {
	Key     string          `json:"id"`
	Version int             `json:"v"`
	Data    json.RawMessage `json:"d,omitempty"`
}

// HasData reports whether the entry carries its entity value.
func (e IndexEntry) HasData() bool {
	return len(e.Data) > 0 && string(e.Data) != "null"
}

// Value decodes the entity value carried by the entry.
func (e IndexEntry) Value() (jsondiff.Value, error) {
	v, err := jsondiff.Parse(e.Data)
	if err != nil {
		return jsondiff.Value{}, fmt.Errorf("failed to parse index data for %s: %w", e.Key, err)
	}
	if v.Kind() != jsondiff.KindObject {
		return jsondiff.Value{}, fmt.Errorf("index data for %s must be an object (got %s)", e.Key, v.Kind())
	}
	return v, nil
}

// IndexPage is one page of the index. A non-empty Mark means more pages follow.
type IndexPage struct {
	Index   []IndexEntry    `json:"index"`
	Current string          `json:"current"`
	Mark    string          `json:"mark,omitempty"`
	Pending json.RawMessage `json:"pending,omitempty"`
	Extra   json.RawMessage `json:"extra,omitempty"`
}

// HasMore reports whether another page must be requested.
func (p *IndexPage) HasMore() bool {
	return p.Mark != ""
}

// ParseIndexPage decodes the payload of an inbound index message.
func ParseIndexPage(payload string) (*IndexPage, error) {
	var page IndexPage
	if err := json.Unmarshal([]byte(payload), &page); err != nil {
		return nil, fmt.Errorf("failed to parse index page: %w", err)
	}
	for i, e := range page.Index {
		if e.Key == "" {
			return nil, fmt.Errorf("index entry %d: id is required", i)
		}
	}
	return &page, nil
}

// IndexRequest asks for one page of the index starting at Mark.
type IndexRequest struct {
	IncludeData bool
	Mark        string
	Limit       int
}

// String renders the request payload: "<data>:<mark>:<since>:<limit>".
func (r IndexRequest) String() string {
	data := ""
	if r.IncludeData {
		data = "1"
	}
	limit := r.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	return data + ":" + r.Mark + "::" + strconv.Itoa(limit)
}
