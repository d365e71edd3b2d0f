// Package channel runs the sync protocol for one bucket over a message
// transport.
//
// # Overview
//
// A Channel turns "<command>:<payload>" messages into queue operations and
// sends local changes as they become eligible:
//
//	transport ─→ ReceiveMessage ─┐
//	                             ├─→ run goroutine ─→ queue / store ─→ listeners
//	Save / Delete ───────────────┘          │
//	                                        └─→ transport.Send
//
// Every inbound message and every local save runs on the channel's own
// goroutine, so a remote change and a local edit to the same key never
// interleave.
//
// # States
//
// Connection: closed, connected, started. Start can be called before the
// transport connects; the init message goes out on the next OnConnect.
// Disconnecting keeps queued and pending changes. Nothing is sent until the
// channel is started again and the authority accepts the token.
//
// Index: none, pending, complete. A bucket without a change version asks for
// the full index in its init message. While the index is incomplete, changes
// are only sent for keys the index has already listed.
//
// Auth: unknown, authorized, not authorized. The legacy "expired" notice is
// ignored; only a JSON error body marks the channel not authorized.
//
// # Rejected Changes
//
// Rejections are handled by RetryPolicy:
//
//   - 405 and 440 resend the change against the current ghost, with the
//     full object from FullObjectAfter retries on; after MaxRetries the
//     change is dropped and ChangeErrorListeners get ErrVersionConflict
//   - 409 and 412 drop the change silently
//   - anything else drops the change and is reported
//
// Errors and acknowledgments for change ids this client does not have
// pending are ignored.
//
// # Listeners
//
// AddListener accepts any value; it receives the events of each *Listener
// interface it implements.
package channel
