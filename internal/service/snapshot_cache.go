package service

import (
	"sort"
	"sync"

	"live_quotes/internal/domain"
)

// SnapshotCache is the shared latest-snapshot store. The ingestion loop writes,
// any number of resolvers read. Entries are replaced wholesale and never expire;
// freshness is judged by the reader.
type SnapshotCache struct {
	mu        sync.RWMutex
	snapshots map[string]domain.Snapshot
}

// NewSnapshotCache creates an empty cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{
		snapshots: make(map[string]domain.Snapshot),
	}
}

// Get returns the cached snapshot for symbol, if any.
func (c *SnapshotCache) Get(symbol string) (domain.Snapshot, bool) {
	key := domain.NormalizeSymbol(symbol)

	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.snapshots[key]
	return s, ok
}

// Put replaces the entry for s.Symbol(). Last writer wins.
func (c *SnapshotCache) Put(s domain.Snapshot) {
	if s.Symbol() == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshots[s.Symbol()] = s
}

// PutIfNewer stores s unless both s and the cached entry carry feed sequence
// numbers from the same session and s is older. A new session always wins,
// since feeds may restart numbering on reconnect. Returns false when the write
// was rejected.
func (c *SnapshotCache) PutIfNewer(s domain.Snapshot) bool {
	if s.Symbol() == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.snapshots[s.Symbol()]; ok {
		if s.Session() == prev.Session() && s.Seq() != 0 && prev.Seq() != 0 && s.Seq() < prev.Seq() {
			return false
		}
	}
	c.snapshots[s.Symbol()] = s
	return true
}

// Clear drops every entry.
func (c *SnapshotCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshots = make(map[string]domain.Snapshot)
}

// Len returns the number of cached symbols.
func (c *SnapshotCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.snapshots)
}

// Symbols returns the cached symbols sorted for consistent ordering.
func (c *SnapshotCache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]string, 0, len(c.snapshots))
	for sym := range c.snapshots {
		result = append(result, sym)
	}
	sort.Strings(result)
	return result
}
