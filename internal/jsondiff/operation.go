package jsondiff

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// OpKind is the wire tag of a diff operation ("o" in the JSON encoding).
type OpKind string

const (
	// OpInsert adds a key or array element that did not exist.
	OpInsert OpKind = "+"
	// OpRemove deletes a key or array element.
	OpRemove OpKind = "-"
	// OpReplace overwrites a value outright (type change or scalar change).
	OpReplace OpKind = "r"
	// OpText patches a string with a compact edit script.
	OpText OpKind = "d"
	// OpObject patches an object key by key.
	OpObject OpKind = "O"
	// OpList patches an array index by index.
	OpList OpKind = "L"
)

// Operation is one node of a structural diff.
//
// The zero Operation is the empty diff: applying it returns the source unchanged.
// Which fields are meaningful depends on Kind:
//
//	OpInsert, OpReplace  Value
//	OpText               Delta
//	OpObject             Fields
//	OpList               Items
type Operation struct {
	Kind   OpKind
	Value  Value
	Delta  string
	Fields map[string]Operation
	Items  map[int]Operation
}

// Insert returns an insert operation carrying v.
func Insert(v Value) Operation { return Operation{Kind: OpInsert, Value: v} }

// Remove returns a remove operation.
func Remove() Operation { return Operation{Kind: OpRemove} }

// Replace returns a replace operation carrying v.
func Replace(v Value) Operation { return Operation{Kind: OpReplace, Value: v} }

// TextDelta returns a string patch operation.
func TextDelta(delta string) Operation { return Operation{Kind: OpText, Delta: delta} }

// ObjectPatch returns an object patch; an empty map yields the empty Operation.
func ObjectPatch(fields map[string]Operation) Operation {
	if len(fields) == 0 {
		return Operation{}
	}
	return Operation{Kind: OpObject, Fields: fields}
}

// ArrayPatch returns an array patch; an empty map yields the empty Operation.
func ArrayPatch(items map[int]Operation) Operation {
	if len(items) == 0 {
		return Operation{}
	}
	return Operation{Kind: OpList, Items: items}
}

// IsEmpty reports whether applying op would leave any value unchanged.
func (op Operation) IsEmpty() bool {
	switch op.Kind {
	case "":
		return true
	case OpObject:
		return len(op.Fields) == 0
	case OpList:
		return len(op.Items) == 0
	default:
		return false
	}
}

// IsRecursive reports whether op patches into an existing value rather than setting one.
func (op Operation) IsRecursive() bool {
	return op.Kind == OpObject || op.Kind == OpList || op.Kind == OpText
}

// sortedItems returns the indices of a list patch in ascending order.
func (op Operation) sortedItems() []int {
	idx := make([]int, 0, len(op.Items))
	for i := range op.Items {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// Clone returns a deep copy of op.
func (op Operation) Clone() Operation {
	out := Operation{Kind: op.Kind, Value: op.Value.Clone(), Delta: op.Delta}
	if op.Fields != nil {
		out.Fields = make(map[string]Operation, len(op.Fields))
		for k, f := range op.Fields {
			out.Fields[k] = f.Clone()
		}
	}
	if op.Items != nil {
		out.Items = make(map[int]Operation, len(op.Items))
		for i, it := range op.Items {
			out.Items[i] = it.Clone()
		}
	}
	return out
}

// Equal reports whether two operations are structurally identical.
func (op Operation) Equal(other Operation) bool {
	if op.IsEmpty() || other.IsEmpty() {
		return op.IsEmpty() == other.IsEmpty()
	}
	if op.Kind != other.Kind {
		return false
	}
	switch op.Kind {
	case OpInsert, OpReplace:
		return op.Value.Equal(other.Value)
	case OpText:
		return op.Delta == other.Delta
	case OpObject:
		if len(op.Fields) != len(other.Fields) {
			return false
		}
		for k, f := range op.Fields {
			g, ok := other.Fields[k]
			if !ok || !f.Equal(g) {
				return false
			}
		}
		return true
	case OpList:
		if len(op.Items) != len(other.Items) {
			return false
		}
		for i, f := range op.Items {
			g, ok := other.Items[i]
			if !ok || !f.Equal(g) {
				return false
			}
		}
		return true
	}
	return true
}

type wireOp struct {
	O OpKind          `json:"o"`
	V json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON encodes op as {"o": kind, "v": payload}.
// The empty operation encodes as an empty object patch.
func (op Operation) MarshalJSON() ([]byte, error) {
	if op.IsEmpty() {
		return []byte(`{"o":"O","v":{}}`), nil
	}
	var payload any
	switch op.Kind {
	case OpInsert, OpReplace:
		payload = op.Value
	case OpRemove:
		return json.Marshal(wireOp{O: OpRemove})
	case OpText:
		payload = op.Delta
	case OpObject:
		payload = op.Fields
	case OpList:
		items := make(map[string]Operation, len(op.Items))
		for i, it := range op.Items {
			items[strconv.Itoa(i)] = it
		}
		payload = items
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrPatchInvalid, op.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireOp{O: op.Kind, V: raw})
}

// UnmarshalJSON decodes the {"o","v"} wire form.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var w wireOp
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrPatchInvalid, err)
	}
	out := Operation{Kind: w.O}
	switch w.O {
	case OpInsert, OpReplace:
		if err := json.Unmarshal(w.V, &out.Value); err != nil {
			return fmt.Errorf("%w: bad value for %q: %v", ErrPatchInvalid, w.O, err)
		}
	case OpRemove:
	case OpText:
		if err := json.Unmarshal(w.V, &out.Delta); err != nil {
			return fmt.Errorf("%w: bad delta: %v", ErrPatchInvalid, err)
		}
	case OpObject:
		fields, err := DecodeFields(w.V)
		if err != nil {
			return err
		}
		out.Fields = fields
	case OpList:
		var raw map[string]Operation
		if err := json.Unmarshal(w.V, &raw); err != nil {
			return fmt.Errorf("%w: bad list patch: %v", ErrPatchInvalid, err)
		}
		out.Items = make(map[int]Operation, len(raw))
		for k, it := range raw {
			i, err := strconv.Atoi(k)
			if err != nil || i < 0 {
				return fmt.Errorf("%w: bad list index %q", ErrPatchInvalid, k)
			}
			out.Items[i] = it
		}
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrPatchInvalid, w.O)
	}
	if out.IsEmpty() {
		out = Operation{}
	}
	*op = out
	return nil
}

// DecodeFields decodes a bare field-operation map, the form used for the
// "v" member of change messages.
func DecodeFields(data []byte) (map[string]Operation, error) {
	fields := map[string]Operation{}
	if len(data) == 0 || string(data) == "null" {
		return fields, nil
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: bad object patch: %v", ErrPatchInvalid, err)
	}
	return fields, nil
}

// String renders op in its wire form.
func (op Operation) String() string {
	b, err := op.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid op %q>", op.Kind)
	}
	return string(b)
}
