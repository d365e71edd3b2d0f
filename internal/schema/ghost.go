package schema

import (
	"encoding/json"
	"fmt"

	"github.com/steveyegge/ghostsync/internal/jsondiff"
)

// Ghost is the last value and version of an entity agreed with the remote.
// Version 0 means the entity was never synced.
type Ghost struct {
	Key     string         `json:"key"`
	Version int            `json:"version"`
	Value   jsondiff.Value `json:"data"`
}

// NewGhost returns the unsynced ghost for key: version 0, empty object.
func NewGhost(key string) Ghost {
	return Ghost{Key: key, Value: jsondiff.Object(nil)}
}

// Validate checks if the Ghost has valid field values.
func (g Ghost) Validate() error {
	if g.Key == "" {
		return fmt.Errorf("key is required")
	}
	if g.Version < 0 {
		return fmt.Errorf("version must be >= 0 (got %d)", g.Version)
	}
	if g.Value.Kind() != jsondiff.KindObject {
		return fmt.Errorf("data must be an object (got %s)", g.Value.Kind())
	}
	return nil
}

// Synced reports whether the remote has ever acknowledged this entity.
func (g Ghost) Synced() bool {
	return g.Version > 0
}

// EncodeGhost serializes a ghost for storage.
func EncodeGhost(g Ghost) ([]byte, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ghost %s: %w", g.Key, err)
	}
	return data, nil
}

// DecodeGhost parses a stored ghost.
func DecodeGhost(data []byte) (Ghost, error) {
	var g Ghost
	if err := json.Unmarshal(data, &g); err != nil {
		return Ghost{}, fmt.Errorf("failed to parse ghost: %w", err)
	}
	if g.Value.IsNull() {
		g.Value = jsondiff.Object(nil)
	}
	if err := g.Validate(); err != nil {
		return Ghost{}, fmt.Errorf("invalid ghost: %w", err)
	}
	return g, nil
}
