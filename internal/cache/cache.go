package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when a key is absent and the caller did not wait,
// or the wait timed out.
var ErrNotFound = errors.New("cache: key not found")

// Cache is the per-worker in-memory KV. It backs the passive-pull transport:
// a stage buffers its outputs here and downstream stages block on Wait until
// the value shows up or the timeout elapses.
type Cache struct {
	mu      sync.Mutex
	entries map[string][]byte
	// arrival is closed and replaced on every Put, waking all waiters.
	arrival chan struct{}
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string][]byte),
		arrival: make(chan struct{}),
	}
}

// Put inserts value under key and wakes all blocked waiters.
func (c *Cache) Put(key string, value []byte) {
	c.mu.Lock()
	c.entries[key] = value
	close(c.arrival)
	c.arrival = make(chan struct{})
	c.mu.Unlock()
}

// Get returns the value under key without blocking.
func (c *Cache) Get(key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// Wait blocks until key appears or the timeout elapses. A timeout <= 0
// degenerates to a plain Get.
func (c *Cache) Wait(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		return c.Get(key)
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		if value, ok := c.entries[key]; ok {
			c.mu.Unlock()
			return value, nil
		}
		arrival := c.arrival
		c.mu.Unlock()

		select {
		case <-arrival:
		case <-deadline.C:
			return nil, ErrNotFound
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Remove deletes key. Deleting a missing key is not an error.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// ClearPrefix evicts every entry whose key starts with prefix and reports
// how many were removed.
func (c *Cache) ClearPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Keys returns all keys with the given prefix.
func (c *Cache) Keys(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
