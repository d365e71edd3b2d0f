// Package jsondiff computes, applies and transforms structural diffs between
// JSON values.
//
// # Overview
//
// A diff is an Operation tree. Leaves replace, insert or remove a whole
// value. Strings are diffed as text and carry a diff-match-patch delta.
// Objects and arrays carry a map of child operations keyed by field name or
// by list index.
//
// # Wire Format
//
// Operations encode as {"o": <kind>, "v": <payload>}:
//
//	{"o":"+","v":<value>}    insert
//	{"o":"-"}                remove
//	{"o":"r","v":<value>}    replace
//	{"o":"d","v":"=5\t+ x"}  text delta
//	{"o":"O","v":{...}}      object patch, keyed by field
//	{"o":"L","v":{...}}      list patch, keyed by decimal index
//
// # List Indices
//
// Keys in a list patch are applied in ascending order. A remove shifts later
// elements down, so index k refers to the element at k minus the number of
// removals already applied. Inserts place the value at that adjusted index.
//
// # Usage
//
//	a := jsondiff.MustParse(`{"title": "Groceries", "items": ["milk"]}`)
//	b := jsondiff.MustParse(`{"title": "Groceries!", "items": ["milk", "eggs"]}`)
//
//	op := jsondiff.Diff(a, b)
//	got, err := jsondiff.Apply(a, op) // got equals b
//
// # Transform
//
// Transform rebases a local diff over a concurrent remote diff computed
// against the same source, so that applying remote and then the transformed
// local keeps both edits:
//
//	merged := Apply(Apply(source, remote), Transform(local, remote, source))
//
// Text is merged with fuzzy patching. Concurrent inserts of different values
// at the same list position keep both, remote first. When the remote removed
// something the local side edited, the edit is kept as an insert.
package jsondiff
