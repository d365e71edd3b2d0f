package channel

import "errors"

// ErrVersionConflict is reported when the authority keeps rejecting a
// change as stale after every resend the retry policy allows.
var ErrVersionConflict = errors.New("version conflict")

// ErrAuthExpired is reported when the authority says the token expired.
var ErrAuthExpired = errors.New("auth expired")

// ErrAuthInvalid is reported when the authority rejects the token.
var ErrAuthInvalid = errors.New("auth invalid")

// ErrMalformedMessage wraps any inbound message that cannot be parsed. The
// message is logged and skipped; the channel keeps running.
var ErrMalformedMessage = errors.New("malformed message")

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("channel closed")
