package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/ghostsync/internal/channel"
	"github.com/steveyegge/ghostsync/internal/jsondiff"
	"github.com/steveyegge/ghostsync/internal/storage"
)

// Store is the bucket a daemon mirrors. *bucket.Bucket implements it.
type Store interface {
	Name() string
	Get(key string) (jsondiff.Value, error)
	Keys() ([]string, error)
	Save(key string, value jsondiff.Value) error
	Delete(key string) error
}

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long a file must be quiet before it is read.
	// This batches rapid updates together
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[mirror] ", log.LstdFlags),
	}
}

// Daemon keeps a directory of <key>.json files and a bucket in step.
type Daemon struct {
	store  Store
	dir    string
	config *Config

	watcher       *FileWatcher
	changeQueue   map[string]time.Time // filepath -> timestamp
	changeQueueMu sync.Mutex

	// writeMu serializes file writes from network events and local saves
	writeMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon mirroring store into dir.
//
// Register the daemon as a listener of the bucket so remote edits reach
// the directory. Use Start() to begin watching.
func New(store Store, dir string) (*Daemon, error) {
	return NewWithConfig(store, dir, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(store Store, dir string, config *Config) (*Daemon, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", abs, err)
	}

	watcher, err := NewFileWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		store:       store,
		dir:         abs,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Dir returns the mirrored directory.
func (d *Daemon) Dir() string { return d.dir }

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Perform a full sync between the directory and the bucket
// 2. Start watching for file changes
// 3. Save changed files into the bucket with debouncing
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting mirror of %s in %s", d.store.Name(), d.dir)

	if err := d.PerformFullSync(); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}

	if err := d.watcher.Start(d.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", d.dir, err)
	}

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChangeQueue()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping mirror")
		d.cancel()
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
		d.wg.Wait()
		d.config.Logger.Println("Mirror stopped")
	})
	return nil
}

// PerformFullSync saves every file into the bucket, then writes a file for
// every bucket object that has none.
func (d *Daemon) PerformFullSync() error {
	paths, err := filepath.Glob(filepath.Join(d.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", d.dir, err)
	}
	sort.Strings(paths)

	onDisk := make(map[string]bool, len(paths))
	for _, path := range paths {
		key, err := KeyFromPath(path)
		if err != nil {
			continue
		}
		onDisk[key] = true
		if err := d.syncFile(path, key); err != nil {
			d.config.Logger.Printf("WARNING: failed to sync %s: %v", path, err)
		}
	}

	keys, err := d.store.Keys()
	if err != nil {
		return fmt.Errorf("failed to list objects: %w", err)
	}
	exported := 0
	for _, key := range keys {
		if onDisk[key] {
			continue
		}
		value, err := d.store.Get(key)
		if err != nil {
			d.config.Logger.Printf("WARNING: failed to load %s: %v", key, err)
			continue
		}
		if err := d.writeFile(key, value); err != nil {
			d.config.Logger.Printf("WARNING: failed to write %s: %v", key, err)
			continue
		}
		exported++
	}

	d.config.Logger.Printf("Full sync complete: %d files read, %d objects written", len(paths), exported)
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.queueChange(event.Path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges syncs files that have been quiet for long enough.
// Bucket calls are made outside the queue lock.
func (d *Daemon) processPendingChanges() {
	now := time.Now()
	var due []string

	d.changeQueueMu.Lock()
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		due = append(due, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	sort.Strings(due)
	for _, path := range due {
		key, err := KeyFromPath(path)
		if err != nil {
			continue
		}
		if err := d.syncFile(path, key); err != nil {
			d.config.Logger.Printf("Error syncing %s: %v", path, err)
		}
	}
}

// syncFile saves the file at path into the bucket, or deletes key when the
// file is gone. Files equal to the stored object are skipped.
func (d *Daemon) syncFile(path, key string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		d.config.Logger.Printf("Deleting object: %s", key)
		return d.store.Delete(key)
	}
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	value, err := jsondiff.Parse(data)
	if err != nil {
		return fmt.Errorf("failed to parse file: %w", err)
	}
	current, err := d.store.Get(key)
	if err == nil && current.Equal(value) {
		return nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load object: %w", err)
	}

	d.config.Logger.Printf("Saving object: %s", key)
	return d.store.Save(key, value)
}

// OnNetworkChange writes remote edits to the directory.
//
// It runs on the bucket's channel and must not call back into the bucket.
func (d *Daemon) OnNetworkChange(bucket string, kind channel.ChangeType, key string, value jsondiff.Value) {
	var err error
	switch kind {
	case channel.ChangeInsert, channel.ChangeModify:
		err = d.writeFile(key, value)
	case channel.ChangeRemove:
		err = d.removeFile(key)
	default:
		return
	}
	if err != nil {
		d.config.Logger.Printf("WARNING: failed to mirror %s %s: %v", kind, key, err)
	}
}

// OnSaveObject writes local saves made outside the directory.
func (d *Daemon) OnSaveObject(bucket, key string, value jsondiff.Value) {
	if err := d.writeFile(key, value); err != nil {
		d.config.Logger.Printf("WARNING: failed to mirror save of %s: %v", key, err)
	}
}

// OnDeleteObject removes the file of a local delete.
func (d *Daemon) OnDeleteObject(bucket, key string) {
	if err := d.removeFile(key); err != nil {
		d.config.Logger.Printf("WARNING: failed to mirror delete of %s: %v", key, err)
	}
}

// writeFile replaces the file of key with value through a hidden temp file.
// A file that already holds value is left alone.
func (d *Daemon) writeFile(key string, value jsondiff.Value) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	path := filepath.Join(d.dir, FileName(key))
	if data, err := os.ReadFile(path); err == nil {
		if existing, err := jsondiff.Parse(data); err == nil && existing.Equal(value) {
			return nil
		}
	}

	compact, err := value.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, compact, "", "  "); err != nil {
		return fmt.Errorf("failed to indent %s: %w", key, err)
	}
	buf.WriteByte('\n')
	data := buf.Bytes()

	tmp, err := os.CreateTemp(d.dir, "."+FileName(key)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (d *Daemon) removeFile(key string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	err := os.Remove(filepath.Join(d.dir, FileName(key)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
