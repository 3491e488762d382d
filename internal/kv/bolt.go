package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// boltDirPerm is the permission mode for the database directory.
	boltDirPerm = fs.FileMode(0o700)

	// boltFilePerm is the permission mode for the database file.
	boltFilePerm = fs.FileMode(0o600)

	// boltOpenTimeout is the maximum time to wait for the bolt database lock.
	boltOpenTimeout = 5 * time.Second
)

var entriesBucket = []byte("entries")

// boltEntry is the on-disk form of a value. ExpiresAt is unix nanoseconds.
type boltEntry struct {
	Value     string `json:"v"`
	ExpiresAt int64  `json:"exp"`
}

// Bolt is a Store persisted in a single bbolt file. It survives restarts
// but, like Memory, is private to one process.
type Bolt struct {
	db     *bolt.DB
	logger *slog.Logger
	now    func() time.Time
	stopGC chan struct{}
	once   sync.Once
}

// OpenBolt opens the database at path, creating it and its parent
// directory if needed. Background cleanup failures go to logger.
func OpenBolt(path string, logger *slog.Logger) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), boltDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, boltFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(entriesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	b := &Bolt{db: db, logger: logger, now: time.Now, stopGC: make(chan struct{})}
	go b.gcLoop()

	return b, nil
}

// Close stops the cleanup goroutine and closes the database.
func (b *Bolt) Close() error {
	b.once.Do(func() { close(b.stopGC) })
	return b.db.Close()
}

func (b *Bolt) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.reap()
		case <-b.stopGC:
			return
		}
	}
}

func (b *Bolt) reap() {
	if err := b.cleanup(); err != nil {
		b.logger.Warn("store cleanup failed", slog.String("error", err.Error()))
	}
}

// cleanup deletes expired entries. Keys are collected first because bbolt
// cursors must not be mutated while iterating.
func (b *Bolt) cleanup() error {
	now := b.now().UnixNano()

	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(entriesBucket)

		var expired [][]byte
		err := bkt.ForEach(func(k, v []byte) error {
			var e boltEntry
			if json.Unmarshal(v, &e) != nil || e.ExpiresAt < now {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) read(bkt *bolt.Bucket, key string, now int64) (string, bool, error) {
	v := bkt.Get([]byte(key))
	if v == nil {
		return "", false, nil
	}

	var e boltEntry
	if err := json.Unmarshal(v, &e); err != nil {
		return "", false, fmt.Errorf("decoding %q: %w", key, err)
	}
	if e.ExpiresAt < now {
		return "", false, nil
	}
	return e.Value, true, nil
}

// Get returns the value for key if present and unexpired.
func (b *Bolt) Get(_ context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)

	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		value, found, err = b.read(tx.Bucket(entriesBucket), key, b.now().UnixNano())
		return err
	})

	return value, found, err
}

// MGet reads all keys inside one read transaction.
func (b *Bolt) MGet(_ context.Context, keys ...string) ([]string, error) {
	out := make([]string, len(keys))

	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(entriesBucket)
		now := b.now().UnixNano()

		for i, k := range keys {
			v, _, err := b.read(bkt, k, now)
			if err != nil {
				return err
			}
			out[i] = v
		}
		return nil
	})

	return out, err
}

// SetMany writes all values inside one update transaction.
func (b *Bolt) SetMany(_ context.Context, values map[string]string, ttl time.Duration) error {
	expiresAt := b.now().Add(ttl).UnixNano()

	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(entriesBucket)

		for k, v := range values {
			data, err := json.Marshal(boltEntry{Value: v, ExpiresAt: expiresAt})
			if err != nil {
				return err
			}
			if err := bkt.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
}
