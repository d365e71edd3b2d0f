package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/steveyegge/ghostsync/internal/jsondiff"
	"github.com/steveyegge/ghostsync/internal/schema"
)

// Each sync bucket is a top-level bolt bucket holding two nested buckets
// and a meta bucket:
//
//	<name>/ghosts/<key>   encoded schema.Ghost
//	<name>/objects/<key>  JSON value
//	<name>/meta/cv        change version
//	<name>/meta/queue     queue snapshot
var (
	ghostsBucket  = []byte("ghosts")
	objectsBucket = []byte("objects")
	metaBucket    = []byte("meta")
	cvKey         = []byte("cv")
	queueKey      = []byte("queue")
)

// Bolt is a Store backed by a single bbolt file.
type Bolt struct {
	db   *bolt.DB
	path string
}

// OpenBolt opens (creating if needed) the bbolt file at path.
func OpenBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	return &Bolt{db: db, path: path}, nil
}

// Close closes the database file.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close bolt database: %w", err)
	}
	b.db = nil
	return nil
}

// sub returns the nested bucket of a sync bucket, or nil when either is missing.
func sub(tx *bolt.Tx, bucket string, name []byte) *bolt.Bucket {
	top := tx.Bucket([]byte(bucket))
	if top == nil {
		return nil
	}
	return top.Bucket(name)
}

// subRW is sub for write transactions, creating buckets as needed.
func subRW(tx *bolt.Tx, bucket string, name []byte) (*bolt.Bucket, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	top, err := tx.CreateBucketIfNotExists([]byte(bucket))
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	nested, err := top.CreateBucketIfNotExists(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s/%s: %w", bucket, name, err)
	}
	return nested, nil
}

func (b *Bolt) get(bucket string, name, key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		nb := sub(tx, bucket, name)
		if nb == nil {
			return nil
		}
		if v := nb.Get(key); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (b *Bolt) put(bucket string, name, key, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		nb, err := subRW(tx, bucket, name)
		if err != nil {
			return err
		}
		return nb.Put(key, value)
	})
}

func (b *Bolt) delete(bucket string, name, key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		nb := sub(tx, bucket, name)
		if nb == nil {
			return nil
		}
		return nb.Delete(key)
	})
}

func (b *Bolt) keys(bucket string, name []byte) ([]string, error) {
	keys := []string{}
	err := b.db.View(func(tx *bolt.Tx) error {
		nb := sub(tx, bucket, name)
		if nb == nil {
			return nil
		}
		return nb.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s/%s: %w", bucket, name, err)
	}
	return keys, nil
}

func (b *Bolt) GetGhost(bucket, key string) (schema.Ghost, error) {
	data, err := b.get(bucket, ghostsBucket, []byte(key))
	if err != nil {
		return schema.Ghost{}, fmt.Errorf("failed to get ghost %s/%s: %w", bucket, key, err)
	}
	if data == nil {
		return schema.Ghost{}, ErrNotFound
	}
	return schema.DecodeGhost(data)
}

func (b *Bolt) SaveGhost(bucket string, ghost schema.Ghost) error {
	if err := validate(bucket, ghost); err != nil {
		return err
	}
	data, err := schema.EncodeGhost(ghost)
	if err != nil {
		return err
	}
	if err := b.put(bucket, ghostsBucket, []byte(ghost.Key), data); err != nil {
		return fmt.Errorf("failed to save ghost %s/%s: %w", bucket, ghost.Key, err)
	}
	return nil
}

func (b *Bolt) DeleteGhost(bucket, key string) error {
	if err := b.delete(bucket, ghostsBucket, []byte(key)); err != nil {
		return fmt.Errorf("failed to delete ghost %s/%s: %w", bucket, key, err)
	}
	return nil
}

// GhostKeys returns keys in byte order, which bbolt keeps sorted.
func (b *Bolt) GhostKeys(bucket string) ([]string, error) {
	return b.keys(bucket, ghostsBucket)
}

func (b *Bolt) GetChangeVersion(bucket string) (string, error) {
	data, err := b.get(bucket, metaBucket, cvKey)
	if err != nil {
		return "", fmt.Errorf("failed to get change version for %s: %w", bucket, err)
	}
	return string(data), nil
}

func (b *Bolt) SetChangeVersion(bucket, cv string) error {
	if err := b.put(bucket, metaBucket, cvKey, []byte(cv)); err != nil {
		return fmt.Errorf("failed to set change version for %s: %w", bucket, err)
	}
	return nil
}

func (b *Bolt) GetObject(bucket, key string) (jsondiff.Value, error) {
	data, err := b.get(bucket, objectsBucket, []byte(key))
	if err != nil {
		return jsondiff.Value{}, fmt.Errorf("failed to get object %s/%s: %w", bucket, key, err)
	}
	if data == nil {
		return jsondiff.Value{}, ErrNotFound
	}
	value, err := jsondiff.Parse(data)
	if err != nil {
		return jsondiff.Value{}, fmt.Errorf("failed to parse object %s/%s: %w", bucket, key, err)
	}
	return value, nil
}

func (b *Bolt) PutObject(bucket, key string, value jsondiff.Value) error {
	if key == "" {
		return fmt.Errorf("bucket and key are required")
	}
	if err := b.put(bucket, objectsBucket, []byte(key), []byte(value.String())); err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (b *Bolt) DeleteObject(bucket, key string) error {
	if err := b.delete(bucket, objectsBucket, []byte(key)); err != nil {
		return fmt.Errorf("failed to delete object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (b *Bolt) ObjectKeys(bucket string) ([]string, error) {
	return b.keys(bucket, objectsBucket)
}

func (b *Bolt) SaveQueue(bucket string, data []byte) error {
	if err := b.put(bucket, metaBucket, queueKey, data); err != nil {
		return fmt.Errorf("failed to save queue for %s: %w", bucket, err)
	}
	return nil
}

func (b *Bolt) LoadQueue(bucket string) ([]byte, error) {
	data, err := b.get(bucket, metaBucket, queueKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue for %s: %w", bucket, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

func (b *Bolt) ResetBucket(bucket string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucket)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(bucket))
	})
	if err != nil {
		return fmt.Errorf("failed to reset %s: %w", bucket, err)
	}
	return nil
}

func (b *Bolt) Stats(bucket string) (Stats, error) {
	var st Stats
	err := b.db.View(func(tx *bolt.Tx) error {
		if nb := sub(tx, bucket, objectsBucket); nb != nil {
			st.Objects = nb.Stats().KeyN
		}
		if nb := sub(tx, bucket, ghostsBucket); nb != nil {
			st.Ghosts = nb.Stats().KeyN
		}
		if nb := sub(tx, bucket, metaBucket); nb != nil {
			st.ChangeVersion = string(nb.Get(cvKey))
			st.QueueBytes = len(nb.Get(queueKey))
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get stats for %s: %w", bucket, err)
	}
	return st, nil
}
