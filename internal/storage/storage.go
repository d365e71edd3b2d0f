package storage

import (
	"errors"
	"fmt"
	"sort"

	"github.com/steveyegge/ghostsync/internal/jsondiff"
	"github.com/steveyegge/ghostsync/internal/schema"
)

// ErrNotFound is returned when a ghost or object does not exist.
var ErrNotFound = errors.New("not found")

// GhostStore holds ghosts and the change version cursor of each bucket.
type GhostStore interface {
	GetGhost(bucket, key string) (schema.Ghost, error)
	SaveGhost(bucket string, ghost schema.Ghost) error
	DeleteGhost(bucket, key string) error
	GhostKeys(bucket string) ([]string, error)

	GetChangeVersion(bucket string) (string, error)
	SetChangeVersion(bucket, cv string) error
}

// ObjectStore holds the live local value of each entity.
type ObjectStore interface {
	GetObject(bucket, key string) (jsondiff.Value, error)
	PutObject(bucket, key string, value jsondiff.Value) error
	DeleteObject(bucket, key string) error
	ObjectKeys(bucket string) ([]string, error)
}

// QueueStore holds an opaque snapshot of a bucket's change queue.
type QueueStore interface {
	SaveQueue(bucket string, data []byte) error
	LoadQueue(bucket string) ([]byte, error)
}

// Store is the full local state of all buckets.
type Store interface {
	GhostStore
	ObjectStore
	QueueStore

	// ResetBucket drops every ghost, object, cursor and queue of bucket.
	ResetBucket(bucket string) error
	Stats(bucket string) (Stats, error)
	Close() error
}

// Stats summarizes one bucket.
type Stats struct {
	Objects       int    `json:"objects"`
	Ghosts        int    `json:"ghosts"`
	ChangeVersion string `json:"change_version"`
	QueueBytes    int    `json:"queue_bytes"`
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Open opens the named backend at path. The memory backend ignores path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendMemory:
		return NewMemory(), nil
	case BackendSQLite, "":
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		if err := s.InitSchema(); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case BackendBolt:
		return OpenBolt(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// validate rejects ghosts a backend must not persist.
func validate(bucket string, g schema.Ghost) error {
	if bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if err := g.Validate(); err != nil {
		return fmt.Errorf("invalid ghost: %w", err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
