package jsondiff

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Delta counts on the wire are UTF-16 code units, the unit other clients of
// the protocol measure strings in. go-diff counts runes, so deltas are
// rewritten on the way out and on the way in. The two differ only for
// characters outside the Basic Multilingual Plane.

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += runeUnits(r)
	}
	return n
}

func runeUnits(r rune) int {
	if r >= 0x10000 && r <= utf8.MaxRune {
		return 2
	}
	return 1
}

// deltaToUTF16 rewrites the counts of delta, built by DiffToDelta from
// diffs, in UTF-16 code units. DiffToDelta writes one token per diff.
func deltaToUTF16(delta string, diffs []diffmatchpatch.Diff) string {
	if delta == "" {
		return delta
	}
	tokens := strings.Split(delta, "\t")
	if len(tokens) != len(diffs) {
		return delta
	}
	for i, df := range diffs {
		if df.Type == diffmatchpatch.DiffInsert {
			continue
		}
		tokens[i] = tokens[i][:1] + strconv.Itoa(utf16Len(df.Text))
	}
	return strings.Join(tokens, "\t")
}

// deltaFromUTF16 rewrites the UTF-16 counts of delta against source as rune
// counts.
func deltaFromUTF16(source, delta string) (string, error) {
	tokens := strings.Split(delta, "\t")
	rest := source
	for i, tok := range tokens {
		if tok == "" || (tok[0] != '=' && tok[0] != '-') {
			continue
		}
		n, err := strconv.Atoi(tok[1:])
		if err != nil || n < 0 {
			return "", fmt.Errorf("%w: bad delta count %q", ErrPatchInvalid, tok)
		}
		runes, units := 0, 0
		for units < n {
			if rest == "" {
				return "", fmt.Errorf("%w: delta is longer than the source text", ErrPatchInvalid)
			}
			r, size := utf8.DecodeRuneInString(rest)
			rest = rest[size:]
			runes++
			units += runeUnits(r)
		}
		if units != n {
			return "", fmt.Errorf("%w: delta splits a surrogate pair", ErrPatchInvalid)
		}
		tokens[i] = tok[:1] + strconv.Itoa(runes)
	}
	return strings.Join(tokens, "\t"), nil
}

// diffsFromDelta decodes a wire delta against source.
func (d *Differ) diffsFromDelta(source, delta string) ([]diffmatchpatch.Diff, error) {
	runeDelta, err := deltaFromUTF16(source, delta)
	if err != nil {
		return nil, err
	}
	diffs, err := d.dmp.DiffFromDelta(source, runeDelta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPatchInvalid, err)
	}
	return diffs, nil
}
