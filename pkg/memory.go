package pkg

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryConfig holds configuration for in-memory storage.
type MemoryConfig struct {
	// CleanupInterval determines how often expired entries are removed.
	// Default is 1 minute if not specified.
	CleanupInterval time.Duration

	// DefaultTTL is applied by Set when the caller passes a zero TTL.
	// Zero means entries never expire.
	DefaultTTL time.Duration
}

// MemoryStorage is a thread-safe string map with optional per-entry expiry.
// A DHT node uses one instance as its authoritative store and, when caching
// is enabled, a second one as its result cache.
type MemoryStorage struct {
	mu            sync.RWMutex
	data          map[string]*entry
	defaultTTL    time.Duration
	cleanupTicker *time.Ticker
	done          chan struct{}
	closed        atomic.Bool

	// Metrics for monitoring
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
}

// entry represents a stored value with expiration.
type entry struct {
	value     string
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStorage creates a new in-memory storage instance.
// If config is nil, default values are used.
func NewMemoryStorage(config *MemoryConfig) *MemoryStorage {
	cleanupInterval := time.Minute
	var defaultTTL time.Duration
	if config != nil {
		if config.CleanupInterval > 0 {
			cleanupInterval = config.CleanupInterval
		}
		defaultTTL = config.DefaultTTL
	}

	ms := &MemoryStorage{
		data:          make(map[string]*entry),
		defaultTTL:    defaultTTL,
		cleanupTicker: time.NewTicker(cleanupInterval),
		done:          make(chan struct{}),
	}

	go ms.cleanupExpired()

	return ms
}

// check fails fast on a canceled context or a closed store.
func (ms *MemoryStorage) check(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrContextCanceled
	default:
	}

	if ms.closed.Load() {
		return ErrStorageUnavailable
	}
	return nil
}

// Get retrieves the value associated with the given key.
// Returns ErrKeyNotFound if the key doesn't exist or has expired.
func (ms *MemoryStorage) Get(ctx context.Context, key string) (string, error) {
	if err := ms.check(ctx); err != nil {
		return "", err
	}

	ms.mu.RLock()
	e, exists := ms.data[key]
	ms.mu.RUnlock()

	if !exists {
		ms.misses.Add(1)
		return "", ErrKeyNotFound
	}

	if e.expired(time.Now()) {
		ms.mu.Lock()
		delete(ms.data, key)
		ms.mu.Unlock()

		ms.misses.Add(1)
		ms.evictions.Add(1)
		return "", ErrKeyNotFound
	}

	ms.hits.Add(1)
	return e.value, nil
}

// Set stores a value with the given key and TTL.
// A zero TTL falls back to the configured default; if that is zero too the
// value does not expire.
func (ms *MemoryStorage) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ms.check(ctx); err != nil {
		return err
	}

	if ttl == 0 {
		ttl = ms.defaultTTL
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	ms.mu.Lock()
	ms.data[key] = &entry{value: value, expiresAt: expiresAt}
	ms.mu.Unlock()

	ms.sets.Add(1)
	return nil
}

// Delete removes the key and its associated value from storage.
// It reports whether the key was present; a missing key is not an error.
func (ms *MemoryStorage) Delete(ctx context.Context, key string) (bool, error) {
	if err := ms.check(ctx); err != nil {
		return false, err
	}

	ms.mu.Lock()
	_, existed := ms.data[key]
	delete(ms.data, key)
	ms.mu.Unlock()

	if existed {
		ms.deletes.Add(1)
	}
	return existed, nil
}

// Extract removes and returns every live entry whose key satisfies match.
// A nil match extracts everything. Used to hand keys off to another node.
func (ms *MemoryStorage) Extract(ctx context.Context, match func(key string) bool) (map[string]string, error) {
	if err := ms.check(ctx); err != nil {
		return nil, err
	}

	now := time.Now()
	result := make(map[string]string)

	ms.mu.Lock()
	defer ms.mu.Unlock()

	for key, e := range ms.data {
		if e.expired(now) {
			delete(ms.data, key)
			ms.evictions.Add(1)
			continue
		}
		if match != nil && !match(key) {
			continue
		}
		result[key] = e.value
		delete(ms.data, key)
		ms.deletes.Add(1)
	}

	return result, nil
}

// GetAll returns all key-value pairs in storage (excluding expired entries).
func (ms *MemoryStorage) GetAll(ctx context.Context) (map[string]string, error) {
	if err := ms.check(ctx); err != nil {
		return nil, err
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	result := make(map[string]string, len(ms.data))
	now := time.Now()
	for key, e := range ms.data {
		if e.expired(now) {
			continue
		}
		result[key] = e.value
	}

	return result, nil
}

// Len returns the number of stored entries, including expired entries not yet swept.
func (ms *MemoryStorage) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.data)
}

// Clear removes all entries from storage but keeps it operational.
func (ms *MemoryStorage) Clear() error {
	if ms.closed.Load() {
		return ErrStorageUnavailable
	}

	ms.mu.Lock()
	ms.data = make(map[string]*entry)
	ms.mu.Unlock()

	return nil
}

// Close gracefully shuts down the storage and releases resources.
func (ms *MemoryStorage) Close() error {
	if !ms.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	ms.cleanupTicker.Stop()
	close(ms.done)

	ms.mu.Lock()
	ms.data = make(map[string]*entry)
	ms.mu.Unlock()

	return nil
}

// cleanupExpired runs periodically to remove expired entries.
func (ms *MemoryStorage) cleanupExpired() {
	for {
		select {
		case <-ms.cleanupTicker.C:
			ms.removeExpiredEntries()
		case <-ms.done:
			return
		}
	}
}

// removeExpiredEntries removes all expired entries from the storage.
func (ms *MemoryStorage) removeExpiredEntries() {
	now := time.Now()

	ms.mu.Lock()
	defer ms.mu.Unlock()

	for key, e := range ms.data {
		if e.expired(now) {
			delete(ms.data, key)
			ms.evictions.Add(1)
		}
	}
}

// Stats returns current storage statistics.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Sets      int64
	Deletes   int64
	Evictions int64
}

// GetStats returns current storage statistics.
func (ms *MemoryStorage) GetStats() Stats {
	return Stats{
		Entries:   ms.Len(),
		Hits:      ms.hits.Load(),
		Misses:    ms.misses.Load(),
		Sets:      ms.sets.Load(),
		Deletes:   ms.deletes.Load(),
		Evictions: ms.evictions.Load(),
	}
}
