// Package routing implements the longest-prefix-match table that maps ILP
// destination addresses to next-hop peers.
package routing

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const lookupCacheSize = 4096

// Entry is one route. Higher priority wins among routes with the same
// prefix length.
type Entry struct {
	Prefix   string
	NextHop  string
	Priority int

	seq int
}

// Table is a concurrent routing table. Inserts are rare; lookups are on
// the packet hot path and served from an LRU cache.
type Table struct {
	mu      sync.RWMutex
	entries []Entry
	nextSeq int
	cache   *lru.Cache[string, *Entry]
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	// Cache construction only fails for non-positive sizes.
	cache, _ := lru.New[string, *Entry](lookupCacheSize)
	return &Table{cache: cache}
}

// Insert adds a route. A route with the same prefix and next hop replaces
// the existing entry's priority; the lookup cache is purged either way.
func (t *Table) Insert(prefix, nextHop string, priority int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if t.entries[i].Prefix == prefix && t.entries[i].NextHop == nextHop {
			t.entries[i].Priority = priority
			t.cache.Purge()
			return
		}
	}
	t.entries = append(t.entries, Entry{
		Prefix:   prefix,
		NextHop:  nextHop,
		Priority: priority,
		seq:      t.nextSeq,
	})
	t.nextSeq++
	t.cache.Purge()
}

// Remove deletes a route by prefix and next hop. It reports whether a
// route was removed.
func (t *Table) Remove(prefix, nextHop string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if t.entries[i].Prefix == prefix && t.entries[i].NextHop == nextHop {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			t.cache.Purge()
			return true
		}
	}
	return false
}

// LongestPrefixMatch returns the best route for a destination, or nil if
// no prefix matches. Longer prefixes win; among equal lengths the higher
// priority wins, and remaining ties go to the earlier-inserted route.
func (t *Table) LongestPrefixMatch(destination string) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if e, ok := t.cache.Get(destination); ok {
		return e
	}

	var best *Entry
	for i := range t.entries {
		e := &t.entries[i]
		if !strings.HasPrefix(destination, e.Prefix) {
			continue
		}
		if best == nil || betterRoute(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil
	}

	// Cache a copy so later inserts cannot mutate a cached hit. Filling
	// under the read lock keeps the fill ordered against Insert's purge.
	cached := *best
	t.cache.Add(destination, &cached)
	return &cached
}

func betterRoute(a, b *Entry) bool {
	if len(a.Prefix) != len(b.Prefix) {
		return len(a.Prefix) > len(b.Prefix)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

// Entries returns a snapshot of the table.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}
