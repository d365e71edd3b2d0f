package schema

import (
	"encoding/json"
	"fmt"

	"github.com/steveyegge/ghostsync/internal/jsondiff"
)

// RemoteChange is an update issued by the authority. It either acknowledges
// one of our changes (ChangeIDs contains its id) or describes an edit made
// by another client. A non-zero ErrorCode means the change was rejected.
type RemoteChange struct {
	ClientID      string
	Key           string
	ChangeIDs     []string
	ChangeVersion string
	SourceVersion int
	EndVersion    int
	Op            ChangeOp
	Diff          jsondiff.Operation
	ErrorCode     int
}

type wireRemoteChange struct {
	ClientID string          `json:"clientid"`
	ID       string          `json:"id"`
	CCIDs    []string        `json:"ccids"`
	CV       string          `json:"cv,omitempty"`
	SV       int             `json:"sv,omitempty"`
	EV       int             `json:"ev,omitempty"`
	O        ChangeOp        `json:"o,omitempty"`
	V        json.RawMessage `json:"v,omitempty"`
	Error    int             `json:"error,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *RemoteChange) UnmarshalJSON(data []byte) error {
	var w wireRemoteChange
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = RemoteChange{
		ClientID:      w.ClientID,
		Key:           w.ID,
		ChangeIDs:     w.CCIDs,
		ChangeVersion: w.CV,
		SourceVersion: w.SV,
		EndVersion:    w.EV,
		Op:            w.O,
		ErrorCode:     w.Error,
	}
	if w.Error == 0 && w.O == OpModify {
		fields, err := jsondiff.DecodeFields(w.V)
		if err != nil {
			return fmt.Errorf("change to %s: %w", w.ID, err)
		}
		r.Diff = jsondiff.ObjectPatch(fields)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r RemoteChange) MarshalJSON() ([]byte, error) {
	w := wireRemoteChange{
		ClientID: r.ClientID,
		ID:       r.Key,
		CCIDs:    r.ChangeIDs,
		CV:       r.ChangeVersion,
		SV:       r.SourceVersion,
		EV:       r.EndVersion,
		O:        r.Op,
		Error:    r.ErrorCode,
	}
	if r.Op == OpModify && r.ErrorCode == 0 {
		fields := r.Diff.Fields
		if fields == nil {
			fields = map[string]jsondiff.Operation{}
		}
		v, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		w.V = v
	}
	return json.Marshal(w)
}

// BadRemoteChange is an element of a change batch that could not be decoded.
// Key and EndVersion are filled in when the element carried them.
type BadRemoteChange struct {
	Key        string
	EndVersion int
	Err        error
}

// ParseRemoteChanges decodes the payload of an inbound change message. Each
// element is decoded on its own: elements that fail are returned as bad
// changes and do not affect the others. The error is non-nil only when the
// payload is not a JSON array.
func ParseRemoteChanges(payload string) ([]RemoteChange, []BadRemoteChange, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &elems); err != nil {
		return nil, nil, fmt.Errorf("failed to parse remote changes: %w", err)
	}

	changes := make([]RemoteChange, 0, len(elems))
	var bad []BadRemoteChange
	for i, raw := range elems {
		var rc RemoteChange
		err := json.Unmarshal(raw, &rc)
		if err == nil && rc.Key == "" {
			err = fmt.Errorf("id is required")
		}
		if err != nil {
			var head struct {
				ID string `json:"id"`
				EV int    `json:"ev"`
			}
			_ = json.Unmarshal(raw, &head)
			bad = append(bad, BadRemoteChange{
				Key:        head.ID,
				EndVersion: head.EV,
				Err:        fmt.Errorf("remote change %d: %w", i, err),
			})
			continue
		}
		changes = append(changes, rc)
	}
	return changes, bad, nil
}

// IsError reports whether the authority rejected the change.
func (r *RemoteChange) IsError() bool { return r.ErrorCode != 0 }

// IsRemove reports whether the change deletes its entity.
func (r *RemoteChange) IsRemove() bool { return r.Op == OpRemove }

// Acknowledges reports whether r answers the local change with id ccid.
func (r *RemoteChange) Acknowledges(ccid string) bool {
	for _, id := range r.ChangeIDs {
		if id == ccid {
			return true
		}
	}
	return false
}

// Err returns the rejection as a *ChangeError, or nil if r is not an error.
func (r *RemoteChange) Err() error {
	if !r.IsError() {
		return nil
	}
	ce := &ChangeError{Code: r.ErrorCode, Key: r.Key}
	if len(r.ChangeIDs) > 0 {
		ce.ChangeID = r.ChangeIDs[0]
	}
	return ce
}
