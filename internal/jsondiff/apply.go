package jsondiff

import (
	"fmt"
)

// Apply returns a copy of a with op applied. The input is never modified.
// An empty operation, in any encoding, leaves every kind of value unchanged.
//
// Array patches are applied in ascending index order. Every Remove shifts the
// elements after it, so later indices are adjusted by the number of removals
// already performed.
func (d *Differ) Apply(a Value, op Operation) (Value, error) {
	if op.IsEmpty() {
		return a.Clone(), nil
	}
	switch op.Kind {
	case OpInsert, OpReplace:
		return op.Value.Clone(), nil
	case OpRemove:
		return Null(), nil
	case OpText:
		if a.kind != KindString {
			return Value{}, fmt.Errorf("%w: text delta applied to %s", ErrPatchInvalid, a.kind)
		}
		s, err := d.applyText(a.s, op.Delta)
		if err != nil {
			return Value{}, err
		}
		return String(s), nil
	case OpObject:
		if a.kind != KindObject {
			return Value{}, fmt.Errorf("%w: object patch applied to %s", ErrPatchInvalid, a.kind)
		}
		return d.applyObject(a, op.Fields)
	case OpList:
		if a.kind != KindArray {
			return Value{}, fmt.Errorf("%w: list patch applied to %s", ErrPatchInvalid, a.kind)
		}
		return d.applyList(a, op)
	default:
		return Value{}, fmt.Errorf("%w: unknown operation %q", ErrPatchInvalid, op.Kind)
	}
}

func (d *Differ) applyObject(a Value, fields map[string]Operation) (Value, error) {
	out := a.Clone()
	for key, op := range fields {
		switch op.Kind {
		case "":
		case OpRemove:
			delete(out.obj, key)
		case OpInsert, OpReplace:
			out.obj[key] = op.Value.Clone()
		default:
			child, ok := out.obj[key]
			if !ok {
				return Value{}, fmt.Errorf("%w: key %q missing for %q", ErrPatchInvalid, key, op.Kind)
			}
			patched, err := d.Apply(child, op)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", key, err)
			}
			out.obj[key] = patched
		}
	}
	return out, nil
}

func (d *Differ) applyList(a Value, op Operation) (Value, error) {
	out := a.Clone().arr
	removed := 0
	for _, idx := range op.sortedItems() {
		item := op.Items[idx]
		i := idx - removed
		switch item.Kind {
		case "":
		case OpInsert:
			if i < 0 || i > len(out) {
				return Value{}, fmt.Errorf("%w: insert index %d out of range (len %d)", ErrPatchInvalid, idx, len(out))
			}
			out = append(out, Value{})
			copy(out[i+1:], out[i:])
			out[i] = item.Value.Clone()
		case OpRemove:
			if i < 0 || i >= len(out) {
				return Value{}, fmt.Errorf("%w: remove index %d out of range (len %d)", ErrPatchInvalid, idx, len(out))
			}
			out = append(out[:i], out[i+1:]...)
			removed++
		case OpReplace:
			if i < 0 || i >= len(out) {
				return Value{}, fmt.Errorf("%w: replace index %d out of range (len %d)", ErrPatchInvalid, idx, len(out))
			}
			out[i] = item.Value.Clone()
		default:
			if i < 0 || i >= len(out) {
				return Value{}, fmt.Errorf("%w: patch index %d out of range (len %d)", ErrPatchInvalid, idx, len(out))
			}
			patched, err := d.Apply(out[i], item)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", idx, err)
			}
			out[i] = patched
		}
	}
	return Array(out...), nil
}

// applyText decodes a delta against s and returns the target text.
func (d *Differ) applyText(s, delta string) (string, error) {
	diffs, err := d.diffsFromDelta(s, delta)
	if err != nil {
		return "", err
	}
	return d.dmp.DiffText2(diffs), nil
}
