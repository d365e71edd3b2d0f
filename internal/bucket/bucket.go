// Package bucket is the object store applications use: named objects that
// are saved locally and synchronized by a channel.
package bucket

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/steveyegge/ghostsync/internal/channel"
	"github.com/steveyegge/ghostsync/internal/jsondiff"
	"github.com/steveyegge/ghostsync/internal/storage"
)

// ErrNotFound is returned by Get when the object does not exist.
var ErrNotFound = storage.ErrNotFound

// SaveListener is told about every local save.
type SaveListener interface {
	OnSaveObject(bucket, key string, value jsondiff.Value)
}

// DeleteListener is told about every local delete.
type DeleteListener interface {
	OnDeleteObject(bucket, key string)
}

// Bucket is a set of JSON objects kept in sync with the authority.
//
// Listeners are registered with AddListener and receive the events of every
// listener interface they implement, here and in package channel.
type Bucket struct {
	name      string
	store     storage.Store
	channel   *channel.Channel
	observers *channel.Observers
}

// New creates a bucket named name over store, synchronized through transport.
func New(name string, store storage.Store, transport channel.Transport, config *channel.Config) (*Bucket, error) {
	ch, err := channel.NewWithConfig(name, store, transport, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel for %s: %w", name, err)
	}
	return &Bucket{
		name:      name,
		store:     store,
		channel:   ch,
		observers: &channel.Observers{},
	}, nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string { return b.name }

// Channel returns the channel that syncs the bucket. Transports deliver
// their connect, disconnect and message events to it.
func (b *Bucket) Channel() *channel.Channel { return b.channel }

// Start starts syncing.
func (b *Bucket) Start() { b.channel.Start() }

// Stop stops syncing. Local saves are still queued.
func (b *Bucket) Stop() { b.channel.Stop() }

// Close stops the bucket's channel.
func (b *Bucket) Close() error { return b.channel.Close() }

// AddListener registers l with the bucket and its channel.
func (b *Bucket) AddListener(l any) {
	b.observers.Add(l)
	b.channel.AddListener(l)
}

// RemoveListener unregisters l.
func (b *Bucket) RemoveListener(l any) {
	b.observers.Remove(l)
	b.channel.RemoveListener(l)
}

// Get returns the local value of key.
func (b *Bucket) Get(key string) (jsondiff.Value, error) {
	return b.store.GetObject(b.name, key)
}

// Keys returns the keys of every local object, sorted.
func (b *Bucket) Keys() ([]string, error) {
	return b.store.ObjectKeys(b.name)
}

// Save stores value under key and queues the change for sync. value must
// be a JSON object.
func (b *Bucket) Save(key string, value jsondiff.Value) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if value.Kind() != jsondiff.KindObject {
		return fmt.Errorf("object %s must be a JSON object (got %s)", key, value.Kind())
	}
	if _, err := b.channel.Save(key, value); err != nil {
		return err
	}
	b.observers.Each(func(l any) {
		if sl, ok := l.(SaveListener); ok {
			sl.OnSaveObject(b.name, key, value)
		}
	})
	return nil
}

// SaveJSON parses data and saves it under key.
func (b *Bucket) SaveJSON(key string, data []byte) error {
	v, err := jsondiff.Parse(data)
	if err != nil {
		return fmt.Errorf("failed to parse object %s: %w", key, err)
	}
	return b.Save(key, v)
}

// Put saves any JSON-marshalable value under key.
func (b *Bucket) Put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal object %s: %w", key, err)
	}
	return b.SaveJSON(key, data)
}

// Delete removes key and queues the deletion. Deleting a missing key is a no-op.
func (b *Bucket) Delete(key string) error {
	if _, err := b.store.GetObject(b.name, key); errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to load object %s: %w", key, err)
	}
	if _, err := b.channel.Delete(key); err != nil {
		return err
	}
	b.observers.Each(func(l any) {
		if dl, ok := l.(DeleteListener); ok {
			dl.OnDeleteObject(b.name, key)
		}
	})
	return nil
}

// Reset drops every local object, ghost and queued change.
func (b *Bucket) Reset() error {
	return b.channel.Reset()
}

// Status returns the channel status of the bucket.
func (b *Bucket) Status() channel.Status {
	return b.channel.Status()
}

// Stats returns storage counters for the bucket.
func (b *Bucket) Stats() (storage.Stats, error) {
	return b.store.Stats(b.name)
}
