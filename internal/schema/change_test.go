package schema

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/steveyegge/ghostsync/internal/jsondiff"
)

func TestChange_Validate(t *testing.T) {
	tests := []struct {
		name    string
		change  Change
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid modify",
			change: Change{ID: "c1", Op: OpModify, Key: "note", Diff: jsondiff.ObjectPatch(map[string]jsondiff.Operation{"a": jsondiff.Remove()})},
		},
		{
			name:   "valid remove",
			change: Change{ID: "c1", Op: OpRemove, Key: "note", SourceVersion: 2},
		},
		{
			name:    "missing ccid",
			change:  Change{Op: OpRemove, Key: "note"},
			wantErr: true,
			errMsg:  "ccid is required",
		},
		{
			name:    "missing key",
			change:  Change{ID: "c1", Op: OpRemove},
			wantErr: true,
			errMsg:  "id is required",
		},
		{
			name:    "unknown op",
			change:  Change{ID: "c1", Op: "x", Key: "note"},
			wantErr: true,
			errMsg:  "unknown operation",
		},
		{
			name:    "non-object diff",
			change:  Change{ID: "c1", Op: OpModify, Key: "note", Diff: jsondiff.Replace(jsondiff.Number(1))},
			wantErr: true,
			errMsg:  "object patch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.change.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.errMsg)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error = %q, want substring %q", err, tt.errMsg)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestChange_EncodeWire(t *testing.T) {
	ghost := jsondiff.MustParse(`{"title": "a"}`)
	target := jsondiff.MustParse(`{"title": "a", "done": true}`)
	diff := jsondiff.Diff(ghost, target)

	tests := []struct {
		name   string
		change *Change
		want   string
	}{
		{
			name:   "modify",
			change: &Change{ID: "c1", Op: OpModify, Key: "note", SourceVersion: 3, Diff: diff, Target: target},
			want:   `{"ccid":"c1","o":"M","id":"note","sv":3,"v":{"done":{"o":"+","v":true}}}`,
		},
		{
			name:   "new object has no sv",
			change: &Change{ID: "c1", Op: OpModify, Key: "note", Diff: diff, Target: target},
			want:   `{"ccid":"c1","o":"M","id":"note","v":{"done":{"o":"+","v":true}}}`,
		},
		{
			name:   "full object",
			change: &Change{ID: "c1", Op: OpModify, Key: "note", SourceVersion: 3, Diff: diff, Target: target, SendFullObject: true},
			want:   `{"ccid":"c1","o":"M","id":"note","sv":3,"v":{"done":{"o":"+","v":true}},"d":{"done":true,"title":"a"}}`,
		},
		{
			name:   "remove",
			change: &Change{ID: "c1", Op: OpRemove, Key: "note", SourceVersion: 4},
			want:   `{"ccid":"c1","o":"-","id":"note","sv":4}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.change.EncodeWire()
			if err != nil {
				t.Fatalf("EncodeWire failed: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("EncodeWire = %s\nwant %s", data, tt.want)
			}

			decoded, err := DecodeWireChange(data)
			if err != nil {
				t.Fatalf("DecodeWireChange failed: %v", err)
			}
			if decoded.ID != tt.change.ID || decoded.Op != tt.change.Op || decoded.SourceVersion != tt.change.SourceVersion {
				t.Errorf("decoded header = %+v", decoded)
			}
			if !decoded.Diff.Equal(tt.change.Diff) {
				t.Errorf("decoded diff = %s, want %s", decoded.Diff, tt.change.Diff)
			}
			if decoded.SendFullObject != tt.change.SendFullObject {
				t.Errorf("decoded SendFullObject = %v", decoded.SendFullObject)
			}
		})
	}
}

func TestChange_StoredRoundTrip(t *testing.T) {
	target := jsondiff.MustParse(`{"title": "b"}`)
	c := NewModify("note", 2, jsondiff.Diff(jsondiff.MustParse(`{"title": "a"}`), target), target)
	c.Retries = 1

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Change
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if diff := cmp.Diff(*c, got, cmp.Comparer(func(a, b jsondiff.Operation) bool { return a.Equal(b) })); diff != "" {
		t.Errorf("stored change mismatch (-want +got):\n%s", diff)
	}
}

func TestNewChangeIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewChangeID()
		if seen[id] {
			t.Fatalf("duplicate change id %s", id)
		}
		seen[id] = true
	}
}
