// Package queue holds the local changes of one bucket and reconciles them
// with remote changes.
//
// # Overview
//
// A Queue keeps two collections:
//
//   - queued: changes not yet sent, in the order they were made
//   - pending: changes sent and awaiting acknowledgment, at most one per key
//
// A local save becomes a Change that records the target value. Its diff is
// recomputed against the current ghost when it is sent, so a change that
// waited behind another one for the same key still describes the right edit.
//
//	Save ─→ QueueLocalChange ─→ queued ─→ Next ─→ pending ─→ Acknowledge ─→ ghost
//	                               ↑                  │
//	                               └──── Requeue ─────┘  (conflict)
//
// # Remote Changes
//
// ApplyRemoteChange moves the ghost forward. When the key has local changes,
// the local edit is rebased over the remote one with jsondiff.Transform so
// both survive, and every queued or pending change for the key is rebased
// too.
//
// # Persistence
//
// The queue is written to the store after every mutation and read back by
// New, so changes made offline survive a restart.
//
// # Concurrency
//
// A Queue is safe for concurrent use, but callers that need "read ghost,
// then queue" to be atomic must serialize their own calls. The channel does
// this by running everything for a bucket on one goroutine.
package queue
