package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ilpnet/connector/internal/metrics"
)

// Adaptive multiplier bounds. A misbehaving peer's effective bucket shrinks
// by x0.9 per throttle down to the floor; admin unblock clears it.
const (
	multiplierFloor   = 0.1
	multiplierCeiling = 5.0
	multiplierDecay   = 0.9
)

// RequestType classifies what a peer is asking admission for.
type RequestType string

const (
	RequestPacket     RequestType = "ILP_PACKET"
	RequestSettlement RequestType = "SETTLEMENT"
	RequestAdmin      RequestType = "ADMIN"
)

// Override customizes bucket parameters for a single peer.
type Override struct {
	Capacity   float64
	RefillRate float64
}

// Config configures the limiter.
type Config struct {
	// Capacity is the default bucket capacity per peer.
	Capacity float64
	// RefillRate is the default refill rate in tokens per second.
	RefillRate float64
	// ViolationThreshold is the sliding-window violation count at which a
	// non-trusted peer gets blocked.
	ViolationThreshold int
	// ViolationWindow is the sliding window size.
	ViolationWindow time.Duration
	// BlockDuration is how long a tripped peer stays blocked.
	BlockDuration time.Duration
	// Adaptive enables the per-peer multiplier that shrinks the bucket of
	// peers that keep getting throttled.
	Adaptive bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:           100,
		RefillRate:         100,
		ViolationThreshold: 5,
		ViolationWindow:    time.Minute,
		BlockDuration:      30 * time.Second,
		Adaptive:           true,
	}
}

// Validate checks the configuration. Invalid config is fatal at construction.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("ratelimit: capacity must be positive, got %v", c.Capacity)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("ratelimit: refill rate must be positive, got %v", c.RefillRate)
	}
	if c.ViolationThreshold <= 0 {
		return fmt.Errorf("ratelimit: violation threshold must be positive, got %d", c.ViolationThreshold)
	}
	if c.ViolationWindow <= 0 {
		return fmt.Errorf("ratelimit: violation window must be positive, got %v", c.ViolationWindow)
	}
	if c.BlockDuration <= 0 {
		return fmt.Errorf("ratelimit: block duration must be positive, got %v", c.BlockDuration)
	}
	return nil
}

type blockRecord struct {
	unblockAt time.Time
	timer     *time.Timer
}

// Limiter makes per-peer admission decisions and drives the circuit
// breaker: sustained violations within the window block the peer entirely
// for BlockDuration.
type Limiter struct {
	cfg        Config
	logger     *slog.Logger
	violations *ViolationCounter

	mu          sync.Mutex
	buckets     map[string]*TokenBucket
	overrides   map[string]Override
	trusted     map[string]bool
	multipliers map[string]float64
	blocked     map[string]*blockRecord

	now func() time.Time
}

// New creates a limiter, validating the configuration.
func New(cfg Config, logger *slog.Logger) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Limiter{
		cfg:         cfg,
		logger:      logger,
		violations:  NewViolationCounter(cfg.ViolationWindow),
		buckets:     make(map[string]*TokenBucket),
		overrides:   make(map[string]Override),
		trusted:     make(map[string]bool),
		multipliers: make(map[string]float64),
		blocked:     make(map[string]*blockRecord),
		now:         time.Now,
	}, nil
}

// SetOverride installs per-peer bucket parameters.
func (l *Limiter) SetOverride(peerID string, o Override) {
	l.mu.Lock()
	l.overrides[peerID] = o
	delete(l.buckets, peerID) // rebuild lazily with new parameters
	l.mu.Unlock()
}

// SetTrusted marks a peer as trusted. Trusted peers are throttled but
// never blocked and never adapted.
func (l *Limiter) SetTrusted(peerID string, trusted bool) {
	l.mu.Lock()
	l.trusted[peerID] = trusted
	l.mu.Unlock()
}

// CheckLimit decides whether a request from the peer is admitted.
func (l *Limiter) CheckLimit(peerID string, reqType RequestType) bool {
	l.mu.Lock()

	// 1. Circuit breaker: blocked peers are rejected outright.
	if rec, ok := l.blocked[peerID]; ok {
		if l.now().Before(rec.unblockAt) {
			l.mu.Unlock()
			metrics.RateLimitDecisions.WithLabelValues("blocked").Inc()
			return false
		}
		// Timed unblock raced with the lazy check; clear now.
		l.unblockLocked(peerID)
	}

	bucket := l.bucketLocked(peerID)
	isTrusted := l.trusted[peerID]
	l.mu.Unlock()

	// 2-3. Consume outside the limiter lock; the bucket serializes itself.
	if bucket.TryConsume(1) {
		metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
		return true
	}

	// 4. Throttled: adapt, count the violation, maybe trip the breaker.
	metrics.RateLimitDecisions.WithLabelValues("throttled").Inc()

	l.mu.Lock()
	if l.cfg.Adaptive && !isTrusted {
		if _, hasOverride := l.overrides[peerID]; !hasOverride {
			m, ok := l.multipliers[peerID]
			if !ok {
				m = 1.0
			}
			m *= multiplierDecay
			if m < multiplierFloor {
				m = multiplierFloor
			}
			l.multipliers[peerID] = m
			bucket.Resize(l.cfg.Capacity*m, l.cfg.RefillRate*m)
		}
	}
	l.mu.Unlock()

	count := l.violations.Increment(peerID)
	if count >= l.cfg.ViolationThreshold && !isTrusted {
		l.block(peerID, reqType)
	}
	return false
}

// block trips the circuit breaker for the peer.
func (l *Limiter) block(peerID string, reqType RequestType) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.blocked[peerID]; ok {
		return
	}
	unblockAt := l.now().Add(l.cfg.BlockDuration)
	rec := &blockRecord{unblockAt: unblockAt}
	rec.timer = time.AfterFunc(l.cfg.BlockDuration, func() {
		l.Unblock(peerID)
	})
	l.blocked[peerID] = rec
	metrics.BlockedPeers.Set(float64(len(l.blocked)))

	l.logger.Warn("peer blocked by circuit breaker",
		"peer", peerID,
		"request_type", string(reqType),
		"unblock_at", unblockAt,
	)
}

// Unblock clears a peer's block, resets its violation window, and clears
// its adaptive multiplier. Used both by the timed unblock and the admin API.
func (l *Limiter) Unblock(peerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unblockLocked(peerID)
}

func (l *Limiter) unblockLocked(peerID string) {
	rec, ok := l.blocked[peerID]
	if !ok {
		return
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
	delete(l.blocked, peerID)
	delete(l.multipliers, peerID)
	delete(l.buckets, peerID)
	l.violations.Reset(peerID)
	metrics.BlockedPeers.Set(float64(len(l.blocked)))

	l.logger.Info("peer unblocked", "peer", peerID)
}

// IsBlocked reports whether the peer is currently blocked.
func (l *Limiter) IsBlocked(peerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.blocked[peerID]
	return ok && l.now().Before(rec.unblockAt)
}

// BlockedPeers returns the currently blocked peers and their unblock times.
func (l *Limiter) BlockedPeers() map[string]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]time.Time, len(l.blocked))
	for peer, rec := range l.blocked {
		out[peer] = rec.unblockAt
	}
	return out
}

// Stop cancels pending unblock timers.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.blocked {
		if rec.timer != nil {
			rec.timer.Stop()
		}
	}
}

// bucketLocked returns or lazily creates the peer's bucket. Caller holds l.mu.
func (l *Limiter) bucketLocked(peerID string) *TokenBucket {
	if b, ok := l.buckets[peerID]; ok {
		return b
	}

	capacity := l.cfg.Capacity
	rate := l.cfg.RefillRate
	if o, ok := l.overrides[peerID]; ok {
		capacity = o.Capacity
		rate = o.RefillRate
	} else if m, ok := l.multipliers[peerID]; ok && l.cfg.Adaptive {
		capacity *= m
		rate *= m
	}

	b := NewTokenBucket(capacity, rate)
	l.buckets[peerID] = b
	return b
}
