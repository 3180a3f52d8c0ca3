// Package cache provides a small TTL cache persisted in a goleveldb database.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

type entry struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TTLCache stores byte values that expire after a per-entry TTL.
type TTLCache struct {
	db     *leveldb.DB
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// Open opens or creates the cache database at path.
func Open(path string, logger *slog.Logger) (*TTLCache, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		CompactionTableSize: 2 * 1024 * 1024,
		WriteBuffer:         1024 * 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache at %s: %w", path, err)
	}
	return newCache(db, logger), nil
}

// OpenMemory creates a cache backed by memory only.
func OpenMemory(logger *slog.Logger) (*TTLCache, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory cache: %w", err)
	}
	return newCache(db, logger), nil
}

func newCache(db *leveldb.DB, logger *slog.Logger) *TTLCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &TTLCache{
		db:     db,
		logger: logger.With("component", "ttl_cache"),
		now:    time.Now,
	}
}

// Get returns the value for key. Expired entries are deleted and reported as missing.
func (c *TTLCache) Get(key string) ([]byte, bool, error) {
	data, err := c.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false, fmt.Errorf("cache entry %s is corrupt: %w", key, err)
	}
	if !c.now().Before(e.ExpiresAt) {
		if err := c.db.Delete([]byte(key), nil); err != nil {
			c.logger.Warn("failed to delete expired cache entry", "key", key, "error", err)
		}
		return nil, false, nil
	}
	return e.Value, true, nil
}

// Set stores value under key for ttl.
func (c *TTLCache) Set(key string, value []byte, ttl time.Duration) error {
	data, err := json.Marshal(entry{Value: value, ExpiresAt: c.now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := c.db.Put([]byte(key), data, nil); err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (c *TTLCache) Delete(key string) error {
	return c.db.Delete([]byte(key), nil)
}

// Purge deletes every expired entry and returns how many were removed.
func (c *TTLCache) Purge() (int, error) {
	iter := c.db.NewIterator(util.BytesPrefix(nil), nil)
	defer iter.Release()

	now := c.now()
	batch := new(leveldb.Batch)
	for iter.Next() {
		var e entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil || !now.Before(e.ExpiresAt) {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("cache scan: %w", err)
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := c.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return batch.Len(), nil
}

// StartJanitor purges expired entries every interval until Close.
func (c *TTLCache) StartJanitor(interval time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil || interval <= 0 {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if n, err := c.Purge(); err != nil {
					c.logger.Error("cache purge failed", "error", err)
				} else if n > 0 {
					c.logger.Debug("purged expired cache entries", "count", n)
				}
			}
		}
	}(c.stop, c.done)
}

// Close stops the janitor and closes the database.
func (c *TTLCache) Close() error {
	c.mu.Lock()
	if c.stop != nil {
		close(c.stop)
		<-c.done
		c.stop = nil
	}
	c.mu.Unlock()
	return c.db.Close()
}
