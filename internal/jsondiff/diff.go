package jsondiff

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Options controls how a Differ compares values.
type Options struct {
	// DisableListDiff makes arrays diff as a whole-value Replace instead of
	// an index-by-index ArrayPatch.
	DisableListDiff bool
}

// Differ computes, applies and transforms structural diffs.
//
// A Differ holds no per-call state and is safe for concurrent use.
type Differ struct {
	opts Options
	dmp  *diffmatchpatch.DiffMatchPatch
}

// New creates a Differ with the given options.
func New(opts Options) *Differ {
	return &Differ{
		opts: opts,
		dmp:  diffmatchpatch.New(),
	}
}

var defaultDiffer = New(Options{})

// Diff computes the operation turning a into b using the default Differ.
func Diff(a, b Value) Operation { return defaultDiffer.Diff(a, b) }

// Apply applies op to a using the default Differ.
func Apply(a Value, op Operation) (Value, error) { return defaultDiffer.Apply(a, op) }

// Transform rebases local on top of remote using the default Differ.
func Transform(local, remote Operation, source Value) (Operation, error) {
	return defaultDiffer.Transform(local, remote, source)
}

// Diff returns the operation transforming a into b.
//
// Equal values yield the empty Operation. Values of different kinds yield
// Replace(b). Strings yield a TextDelta, objects an ObjectPatch and arrays an
// ArrayPatch over the window left after trimming the common prefix and suffix.
func (d *Differ) Diff(a, b Value) Operation {
	if a.Equal(b) {
		return Operation{}
	}
	if a.kind != b.kind {
		return Replace(b.Clone())
	}
	switch a.kind {
	case KindString:
		return TextDelta(d.textDelta(a.s, b.s))
	case KindObject:
		return ObjectPatch(d.diffObject(a.obj, b.obj))
	case KindArray:
		if d.opts.DisableListDiff {
			return Replace(b.Clone())
		}
		return ArrayPatch(d.diffList(a.arr, b.arr))
	default:
		return Replace(b.Clone())
	}
}

// diffObject walks the keys of a, then the keys only present in b.
func (d *Differ) diffObject(a, b map[string]Value) map[string]Operation {
	ops := make(map[string]Operation)
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			ops[k] = Remove()
			continue
		}
		if op := d.Diff(av, bv); !op.IsEmpty() {
			ops[k] = op
		}
	}
	for k, bv := range b {
		if _, ok := a[k]; !ok {
			ops[k] = Insert(bv.Clone())
		}
	}
	return ops
}

// diffList trims the shared prefix and suffix and diffs the remaining
// window position by position. Keys are indices into a.
func (d *Differ) diffList(a, b []Value) map[int]Operation {
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix].Equal(b[prefix]) {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-1-suffix].Equal(b[len(b)-1-suffix]) {
		suffix++
	}

	aw := a[prefix : len(a)-suffix]
	bw := b[prefix : len(b)-suffix]

	ops := make(map[int]Operation)
	for i := 0; i < len(aw) || i < len(bw); i++ {
		switch {
		case i < len(aw) && i < len(bw):
			if op := d.Diff(aw[i], bw[i]); !op.IsEmpty() {
				ops[prefix+i] = op
			}
		case i < len(aw):
			ops[prefix+i] = Remove()
		default:
			ops[prefix+i] = Insert(bw[i].Clone())
		}
	}
	return ops
}

// textDelta encodes the edit script from a to b in diff-match-patch delta
// form, counting UTF-16 code units.
func (d *Differ) textDelta(a, b string) string {
	diffs := d.dmp.DiffMain(a, b, false)
	return deltaToUTF16(d.dmp.DiffToDelta(diffs), diffs)
}
