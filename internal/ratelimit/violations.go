package ratelimit

import (
	"sync"
	"time"
)

// ViolationCounter tracks policy violations per peer within a sliding
// window. A window starts at the first violation and counts until the
// window duration elapses; the next violation then starts a fresh window
// of count 1.
type ViolationCounter struct {
	mu      sync.Mutex
	window  time.Duration
	records map[string]*violationWindow
	now     func() time.Time
}

type violationWindow struct {
	start time.Time
	count int
}

// NewViolationCounter creates a counter with the given window size.
func NewViolationCounter(window time.Duration) *ViolationCounter {
	return &ViolationCounter{
		window:  window,
		records: make(map[string]*violationWindow),
		now:     time.Now,
	}
}

// Increment records a violation for the peer and returns the count in the
// current window.
func (c *ViolationCounter) Increment(peerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	rec, ok := c.records[peerID]
	if !ok || now.Sub(rec.start) >= c.window {
		c.records[peerID] = &violationWindow{start: now, count: 1}
		return 1
	}
	rec.count++
	return rec.count
}

// Count returns the peer's violation count, lazily expiring stale windows.
func (c *ViolationCounter) Count(peerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[peerID]
	if !ok {
		return 0
	}
	if c.now().Sub(rec.start) >= c.window {
		delete(c.records, peerID)
		return 0
	}
	return rec.count
}

// Reset clears the peer's window entirely.
func (c *ViolationCounter) Reset(peerID string) {
	c.mu.Lock()
	delete(c.records, peerID)
	c.mu.Unlock()
}

// Cleanup removes all expired windows.
func (c *ViolationCounter) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for peer, rec := range c.records {
		if now.Sub(rec.start) >= c.window {
			delete(c.records, peer)
		}
	}
}

// ActivePeers returns peers with a non-expired window.
func (c *ViolationCounter) ActivePeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	peers := make([]string, 0, len(c.records))
	for peer, rec := range c.records {
		if now.Sub(rec.start) < c.window {
			peers = append(peers, peer)
		}
	}
	return peers
}
