// Package devicecache keeps the client's last plan, classification and
// daily motivational message on the local device.
package devicecache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Backend is a flat string-keyed byte store.
type Backend interface {
	// Get returns the value at key; ok is false when the key is absent.
	Get(key string) (value []byte, ok bool, err error)
	Set(key string, value []byte) error
	// Delete removes keys. Missing keys are not an error.
	Delete(keys ...string) error
}

// MemoryBackend is a Backend that lives as long as the process.
type MemoryBackend struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{m: make(map[string][]byte)}
}

func (b *MemoryBackend) Get(key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.m[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (b *MemoryBackend) Set(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[key] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) Delete(keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.m, k)
	}
	return nil
}

var bucket = []byte("fitplan")

// BoltBackend persists values in a single bbolt bucket.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string) (*BoltBackend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open device cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Get(key string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucket).Get([]byte(key)); v != nil {
			// v is only valid inside the transaction
			out = append([]byte{}, v...)
		}
		return nil
	})
	return out, out != nil, err
}

func (b *BoltBackend) Set(key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), value)
	})
}

func (b *BoltBackend) Delete(keys ...string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		for _, k := range keys {
			if err := bk.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltBackend) Close() error { return b.db.Close() }
