package storage

import (
	"fmt"
	"sync"

	"github.com/steveyegge/ghostsync/internal/jsondiff"
	"github.com/steveyegge/ghostsync/internal/schema"
)

type memoryBucket struct {
	ghosts  map[string]schema.Ghost
	objects map[string]jsondiff.Value
	cv      string
	queue   []byte
}

// Memory is an in-process Store. Values are cloned on the way in and out.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]*memoryBucket
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]*memoryBucket)}
}

// bucket returns the named bucket, creating it when create is set.
// Callers hold m.mu.
func (m *Memory) bucket(name string, create bool) *memoryBucket {
	b, ok := m.buckets[name]
	if !ok && create {
		b = &memoryBucket{
			ghosts:  make(map[string]schema.Ghost),
			objects: make(map[string]jsondiff.Value),
		}
		m.buckets[name] = b
	}
	return b
}

func (m *Memory) GetGhost(bucket, key string) (schema.Ghost, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.bucket(bucket, false)
	if b == nil {
		return schema.Ghost{}, ErrNotFound
	}
	g, ok := b.ghosts[key]
	if !ok {
		return schema.Ghost{}, ErrNotFound
	}
	g.Value = g.Value.Clone()
	return g, nil
}

func (m *Memory) SaveGhost(bucket string, ghost schema.Ghost) error {
	if err := validate(bucket, ghost); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ghost.Value = ghost.Value.Clone()
	m.bucket(bucket, true).ghosts[ghost.Key] = ghost
	return nil
}

func (m *Memory) DeleteGhost(bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b := m.bucket(bucket, false); b != nil {
		delete(b.ghosts, key)
	}
	return nil
}

func (m *Memory) GhostKeys(bucket string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.bucket(bucket, false)
	if b == nil {
		return []string{}, nil
	}
	return sortedKeys(b.ghosts), nil
}

func (m *Memory) GetChangeVersion(bucket string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b := m.bucket(bucket, false); b != nil {
		return b.cv, nil
	}
	return "", nil
}

func (m *Memory) SetChangeVersion(bucket, cv string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(bucket, true).cv = cv
	return nil
}

func (m *Memory) GetObject(bucket, key string) (jsondiff.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.bucket(bucket, false)
	if b == nil {
		return jsondiff.Value{}, ErrNotFound
	}
	v, ok := b.objects[key]
	if !ok {
		return jsondiff.Value{}, ErrNotFound
	}
	return v.Clone(), nil
}

func (m *Memory) PutObject(bucket, key string, value jsondiff.Value) error {
	if bucket == "" || key == "" {
		return fmt.Errorf("bucket and key are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(bucket, true).objects[key] = value.Clone()
	return nil
}

func (m *Memory) DeleteObject(bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b := m.bucket(bucket, false); b != nil {
		delete(b.objects, key)
	}
	return nil
}

func (m *Memory) ObjectKeys(bucket string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.bucket(bucket, false)
	if b == nil {
		return []string{}, nil
	}
	return sortedKeys(b.objects), nil
}

func (m *Memory) SaveQueue(bucket string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(bucket, true).queue = append([]byte(nil), data...)
	return nil
}

func (m *Memory) LoadQueue(bucket string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.bucket(bucket, false)
	if b == nil || len(b.queue) == 0 {
		return nil, nil
	}
	return append([]byte(nil), b.queue...), nil
}

func (m *Memory) ResetBucket(bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, bucket)
	return nil
}

func (m *Memory) Stats(bucket string) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.bucket(bucket, false)
	if b == nil {
		return Stats{}, nil
	}
	return Stats{
		Objects:       len(b.objects),
		Ghosts:        len(b.ghosts),
		ChangeVersion: b.cv,
		QueueBytes:    len(b.queue),
	}, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
