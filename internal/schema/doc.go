// Package schema defines the versioned object model exchanged between a sync
// client and the remote authority, and its wire encoding.
//
// # Overview
//
// Every entity in a bucket is tracked by a Ghost: the last value and version
// both sides agree on. Local edits become Changes that carry a diff against
// the ghost. The authority answers with RemoteChanges, which either
// acknowledge a Change (matched by change id) or describe an edit made
// elsewhere.
//
//	Ghost{Key: "note-1", Version: 3, Value: {...}}
//	     │
//	     ├── local save ──→ Change{ID, Op: "M", SourceVersion: 3, Diff}
//	     │                        │ sent as c:{...}
//	     │                        ↓
//	     └── authority ──→ RemoteChange{ChangeIDs, SourceVersion: 3, EndVersion: 4}
//
// # Messages
//
// Channel messages are "<command>:<payload>". The commands are:
//
//	init   out  JSON handshake (InitMessage)
//	auth   in   email on success, or JSON {msg, code}
//	i      out  index request "1:<mark>::<limit>"
//	i      in   JSON IndexPage
//	c      out  JSON Change
//	c      in   JSON array of RemoteChange
//	e      out  "<key>.<version>"
//	e      in   "<key>.<version>\n{"data": {...}}"
//	cv     out  change version to resume from
//	cv     in   "?" when the change version is unknown
//	log    in   "<level>"
//	log    out  JSON {log, bucket}
//
// # Errors
//
// A RemoteChange with an error code carries no edit. ChangeError turns the
// code into an error whose Class tells the caller whether to resend, drop or
// report the change.
package schema
