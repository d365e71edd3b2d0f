package schema

import "fmt"

// Error codes returned by the authority in rejected changes.
const (
	CodeBadRequest      = 400
	CodeUnauthorized    = 401
	CodeNotFound        = 404
	CodeBadVersion      = 405
	CodeDuplicateChange = 409
	CodeEmptyChange     = 412
	CodeTooLarge        = 413
	CodeInvalidDiff     = 440
	CodeServerError     = 500
)

// ErrorClass groups error codes by how the sender should react.
type ErrorClass int

const (
	// ClassFatal changes cannot be fixed by resending; drop and report.
	ClassFatal ErrorClass = iota
	// ClassConflict changes were computed against a stale ghost; recompute and resend.
	ClassConflict
	// ClassDuplicate changes were already applied.
	ClassDuplicate
	// ClassEmpty changes carried no edit.
	ClassEmpty
)

// String returns a human-readable representation of the class.
func (c ErrorClass) String() string {
	switch c {
	case ClassConflict:
		return "conflict"
	case ClassDuplicate:
		return "duplicate"
	case ClassEmpty:
		return "empty"
	default:
		return "fatal"
	}
}

// CodeText returns a short description of an error code.
func CodeText(code int) string {
	switch code {
	case CodeBadRequest:
		return "bad request"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeNotFound:
		return "not found"
	case CodeBadVersion:
		return "bad version"
	case CodeDuplicateChange:
		return "duplicate change"
	case CodeEmptyChange:
		return "empty change"
	case CodeTooLarge:
		return "change too large"
	case CodeInvalidDiff:
		return "invalid diff"
	case CodeServerError:
		return "server error"
	default:
		return "unknown error"
	}
}

// ChangeError is a change rejected by the authority.
type ChangeError struct {
	Code     int
	Key      string
	ChangeID string
}

// Error implements the error interface.
func (e *ChangeError) Error() string {
	return fmt.Sprintf("change %s to %s rejected: %d %s", e.ChangeID, e.Key, e.Code, CodeText(e.Code))
}

// Class reports how the sender should react to the rejection.
func (e *ChangeError) Class() ErrorClass {
	switch e.Code {
	case CodeBadVersion, CodeInvalidDiff:
		return ClassConflict
	case CodeDuplicateChange:
		return ClassDuplicate
	case CodeEmptyChange:
		return ClassEmpty
	default:
		return ClassFatal
	}
}
