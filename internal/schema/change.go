package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/steveyegge/ghostsync/internal/jsondiff"
)

// ChangeOp is the kind of mutation a change carries.
type ChangeOp string

const (
	// OpModify creates or edits an entity.
	OpModify ChangeOp = "M"
	// OpRemove deletes an entity.
	OpRemove ChangeOp = "-"
)

// Change is a local mutation that has not been acknowledged yet.
//
// Target holds the value the entity should reach. Diff is computed against
// the ghost at SourceVersion and is refreshed whenever the ghost moves
// before the change is sent.
type Change struct {
	ID             string             `json:"ccid"`
	Op             ChangeOp           `json:"o"`
	Key            string             `json:"id"`
	SourceVersion  int                `json:"sv,omitempty"`
	Diff           jsondiff.Operation `json:"diff"`
	Target         jsondiff.Value     `json:"target"`
	SendFullObject bool               `json:"full,omitempty"`
	Retries        int                `json:"retries,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// NewChangeID returns a fresh client change id.
func NewChangeID() string {
	return uuid.NewString()
}

// NewModify builds a modify change for key.
func NewModify(key string, sourceVersion int, diff jsondiff.Operation, target jsondiff.Value) *Change {
	return &Change{
		ID:            NewChangeID(),
		Op:            OpModify,
		Key:           key,
		SourceVersion: sourceVersion,
		Diff:          diff,
		Target:        target,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewRemove builds a remove change for key.
func NewRemove(key string, sourceVersion int) *Change {
	return &Change{
		ID:            NewChangeID(),
		Op:            OpRemove,
		Key:           key,
		SourceVersion: sourceVersion,
		CreatedAt:     time.Now().UTC(),
	}
}

// IsModify reports whether c creates or edits its entity.
func (c *Change) IsModify() bool { return c.Op == OpModify }

// IsRemove reports whether c deletes its entity.
func (c *Change) IsRemove() bool { return c.Op == OpRemove }

// Validate checks if the Change has valid field values.
func (c *Change) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("ccid is required")
	}
	if c.Key == "" {
		return fmt.Errorf("id is required")
	}
	if c.SourceVersion < 0 {
		return fmt.Errorf("sv must be >= 0 (got %d)", c.SourceVersion)
	}
	switch c.Op {
	case OpModify:
		if !c.Diff.IsEmpty() && c.Diff.Kind != jsondiff.OpObject {
			return fmt.Errorf("modify diff must be an object patch (got %q)", c.Diff.Kind)
		}
	case OpRemove:
	default:
		return fmt.Errorf("unknown operation %q", c.Op)
	}
	return nil
}

// wireChange is the outbound c:{...} payload.
type wireChange struct {
	CCID string                        `json:"ccid"`
	O    ChangeOp                      `json:"o"`
	ID   string                        `json:"id"`
	SV   int                           `json:"sv,omitempty"`
	V    map[string]jsondiff.Operation `json:"v,omitempty"`
	D    *jsondiff.Value               `json:"d,omitempty"`
}

// EncodeWire renders c as the payload of an outbound change message.
// The full target object is attached when SendFullObject is set.
func (c *Change) EncodeWire() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("cannot encode invalid change: %w", err)
	}

	w := wireChange{CCID: c.ID, O: c.Op, ID: c.Key, SV: c.SourceVersion}
	if c.IsModify() {
		w.V = c.Diff.Fields
		if w.V == nil {
			w.V = map[string]jsondiff.Operation{}
		}
		if c.SendFullObject {
			target := c.Target
			w.D = &target
		}
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change %s: %w", c.ID, err)
	}
	return data, nil
}

// DecodeWireChange parses an outbound change payload. Servers and tests use
// it to read what a client sent.
func DecodeWireChange(data []byte) (*Change, error) {
	var raw struct {
		CCID string          `json:"ccid"`
		O    ChangeOp        `json:"o"`
		ID   string          `json:"id"`
		SV   int             `json:"sv"`
		V    json.RawMessage `json:"v"`
		D    json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse change: %w", err)
	}

	c := &Change{ID: raw.CCID, Op: raw.O, Key: raw.ID, SourceVersion: raw.SV}
	if c.IsModify() {
		fields, err := jsondiff.DecodeFields(raw.V)
		if err != nil {
			return nil, fmt.Errorf("failed to parse change %s: %w", raw.CCID, err)
		}
		c.Diff = jsondiff.ObjectPatch(fields)
		if len(raw.D) > 0 {
			if err := json.Unmarshal(raw.D, &c.Target); err != nil {
				return nil, fmt.Errorf("failed to parse change %s object: %w", raw.CCID, err)
			}
			c.SendFullObject = true
		}
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid change: %w", err)
	}
	return c, nil
}
