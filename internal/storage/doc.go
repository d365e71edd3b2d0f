// Package storage persists the local state of sync buckets.
//
// # Overview
//
// A bucket's local state has four parts:
//
//   - ghosts: the last value and version agreed with the remote, per key
//   - objects: the live local value, per key
//   - change version: the cursor into the remote change stream
//   - queue: a snapshot of changes not yet acknowledged
//
// Store covers all four. The engine only needs key-value semantics and never
// issues queries of its own.
//
// # Backends
//
//	Memory  in-process maps, for tests and ephemeral clients
//	SQLite  embedded SQLite (ncruces/go-sqlite3) with WAL
//	Bolt    bbolt single-file B+tree
//
// Open picks a backend by name:
//
//	store, err := storage.Open("sqlite", ".ghostsync/ghostsync.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
// # Missing Data
//
// GetGhost and GetObject return ErrNotFound for unknown keys. Deletes of
// unknown keys succeed. GetChangeVersion and LoadQueue return zero values
// when nothing was stored.
//
// # Concurrency
//
// All backends are safe for concurrent use. Channels for different buckets
// share one Store.
package storage
