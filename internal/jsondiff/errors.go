package jsondiff

import "errors"

// ErrPatchInvalid is returned when a diff cannot be decoded or cannot be
// applied to the value it is given: a malformed text delta, an index out of
// range, or an operation whose kind does not match the target value.
//
//	if errors.Is(err, jsondiff.ErrPatchInvalid) {
//	    // re-fetch the full entity instead of guessing
//	}
var ErrPatchInvalid = errors.New("patch invalid")
