package queue

import "errors"

// ErrRemoteChangeInvalid is returned when a remote change cannot be applied
// to the local ghost: its source version does not match, or its diff does
// not apply. The caller should request the full entity.
var ErrRemoteChangeInvalid = errors.New("remote change invalid")

// ErrUnrecognizedChange is returned when an acknowledgment or error names a
// change id this client has no pending change for.
var ErrUnrecognizedChange = errors.New("unrecognized change")
