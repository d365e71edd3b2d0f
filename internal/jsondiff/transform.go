package jsondiff

import (
	"fmt"
	"sort"
)

// Transform rebases the local diff onto the remote diff.
//
// Both diffs must have been computed against source. The result is the
// operation to apply after remote so that both edits survive:
//
//	merged := Apply(Apply(source, remote), Transform(local, remote, source))
//
// Only positions touched by both diffs are resolved; everything else in
// local passes through unchanged.
func (d *Differ) Transform(local, remote Operation, source Value) (Operation, error) {
	if local.IsEmpty() {
		return Operation{}, nil
	}
	if remote.IsEmpty() {
		return local.Clone(), nil
	}
	return d.resolve(local, remote, source)
}

// resolve merges two operations that target the same position.
func (d *Differ) resolve(local, remote Operation, source Value) (Operation, error) {
	if local.Equal(remote) {
		return Operation{}, nil
	}
	switch {
	case local.Kind == OpInsert && remote.Kind == OpInsert:
		return d.Diff(remote.Value, local.Value), nil

	case local.Kind == OpRemove && remote.Kind == OpRemove:
		return Operation{}, nil

	case remote.Kind == OpRemove:
		if !local.IsRecursive() {
			return local.Clone(), nil
		}
		// The remote deleted what we edited; keep our edit as a fresh insert.
		target, err := d.Apply(source, local)
		if err != nil {
			return Operation{}, err
		}
		return Insert(target), nil

	case local.Kind == OpObject && remote.Kind == OpObject:
		if source.kind != KindObject {
			return Operation{}, fmt.Errorf("%w: object transform over %s", ErrPatchInvalid, source.kind)
		}
		fields, err := d.transformObject(local.Fields, remote.Fields, source)
		if err != nil {
			return Operation{}, err
		}
		return ObjectPatch(fields), nil

	case local.Kind == OpList && remote.Kind == OpList:
		if source.kind != KindArray {
			return Operation{}, fmt.Errorf("%w: list transform over %s", ErrPatchInvalid, source.kind)
		}
		return d.transformList(local, remote, source)

	case local.Kind == OpText && remote.Kind == OpText:
		if source.kind != KindString {
			return Operation{}, fmt.Errorf("%w: text transform over %s", ErrPatchInvalid, source.kind)
		}
		return d.transformText(local.Delta, remote.Delta, source.s)

	case local.Kind == OpReplace && remote.Kind == OpReplace:
		return d.Diff(remote.Value, local.Value), nil

	case local.IsRecursive() && (remote.Kind == OpReplace || remote.Kind == OpInsert):
		target, err := d.Apply(source, local)
		if err != nil {
			return Operation{}, err
		}
		return d.Diff(remote.Value, target), nil

	default:
		return local.Clone(), nil
	}
}

func (d *Differ) transformObject(local, remote map[string]Operation, source Value) (map[string]Operation, error) {
	out := make(map[string]Operation, len(local))
	for key, lop := range local {
		rop, ok := remote[key]
		if !ok || rop.IsEmpty() {
			out[key] = lop.Clone()
			continue
		}
		src, _ := source.Get(key)
		op, err := d.resolve(lop, rop, src)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		if !op.IsEmpty() {
			out[key] = op
		}
	}
	return out, nil
}

// listEdit is a local list operation placed in the coordinates of the
// remote-applied array. slot is the index the edit lands on in that array;
// insert edits sort before an existing element in the same slot.
type listEdit struct {
	slot   int
	insert bool
	seq    int
	op     Operation
}

// transformList rebases local array edits over remote ones.
//
// Indices in a list patch count removed elements as if they were still
// present and count earlier inserts, so both patches are first mapped back
// to source positions, merged, and re-keyed against the remote result.
func (d *Differ) transformList(local, remote Operation, source Value) (Operation, error) {
	remoteOps := make(map[int]Operation)
	remoteInserts := make(map[int][]Value)
	inserted := 0
	for _, k := range remote.sortedItems() {
		op := remote.Items[k]
		if op.Kind == OpInsert {
			remoteInserts[k-inserted] = append(remoteInserts[k-inserted], op.Value)
			inserted++
			continue
		}
		remoteOps[k-inserted] = op
	}

	slot := func(pos int) int {
		s := pos
		for p, op := range remoteOps {
			if op.Kind == OpRemove && p < pos {
				s--
			}
		}
		for p, vals := range remoteInserts {
			if p <= pos {
				s += len(vals)
			}
		}
		return s
	}

	var edits []listEdit
	localInserted := 0
	seenAt := make(map[int]int)
	for seq, k := range local.sortedItems() {
		lop := local.Items[k]
		if lop.Kind == OpInsert {
			pos := k - localInserted
			localInserted++
			n := seenAt[pos]
			seenAt[pos]++
			if peers := remoteInserts[pos]; n < len(peers) && peers[n].Equal(lop.Value) {
				continue
			}
			edits = append(edits, listEdit{slot: slot(pos), insert: true, seq: seq, op: lop.Clone()})
			continue
		}

		pos := k - localInserted
		rop, conflict := remoteOps[pos]
		if !conflict {
			edits = append(edits, listEdit{slot: slot(pos), seq: seq, op: lop.Clone()})
			continue
		}

		src, _ := source.Index(pos)
		op, err := d.resolve(lop, rop, src)
		if err != nil {
			return Operation{}, fmt.Errorf("index %d: %w", k, err)
		}
		if op.IsEmpty() {
			continue
		}
		if rop.Kind == OpRemove {
			// The element is gone remotely; whatever survives becomes an insert.
			if op.Kind == OpReplace {
				op = Insert(op.Value)
			}
			if op.Kind == OpInsert {
				edits = append(edits, listEdit{slot: slot(pos), insert: true, seq: seq, op: op})
			}
			continue
		}
		edits = append(edits, listEdit{slot: slot(pos), seq: seq, op: op})
	}

	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].slot != edits[j].slot {
			return edits[i].slot < edits[j].slot
		}
		if edits[i].insert != edits[j].insert {
			return edits[i].insert
		}
		return edits[i].seq < edits[j].seq
	})

	items := make(map[int]Operation, len(edits))
	inserts := 0
	for _, e := range edits {
		items[e.slot+inserts] = e.op
		if e.insert {
			inserts++
		}
	}
	return ArrayPatch(items), nil
}

// transformText merges two text deltas over the same source string by
// replaying the local edit as a fuzzy patch on top of the remote text, then
// encoding the difference between the remote text and the merged text.
func (d *Differ) transformText(localDelta, remoteDelta, source string) (Operation, error) {
	localDiffs, err := d.diffsFromDelta(source, localDelta)
	if err != nil {
		return Operation{}, fmt.Errorf("local delta: %w", err)
	}
	remoteDiffs, err := d.diffsFromDelta(source, remoteDelta)
	if err != nil {
		return Operation{}, fmt.Errorf("remote delta: %w", err)
	}

	localText := d.dmp.DiffText2(localDiffs)
	remoteText := d.dmp.DiffText2(remoteDiffs)
	if localText == remoteText {
		return Operation{}, nil
	}

	patches := d.dmp.PatchMake(source, localDiffs)
	merged, _ := d.dmp.PatchApply(patches, remoteText)
	if merged == remoteText {
		return Operation{}, nil
	}
	return TextDelta(d.textDelta(remoteText, merged)), nil
}
