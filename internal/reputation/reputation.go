// Package reputation tracks per-peer trust scores.
//
// Every fraud-rule violation subtracts a severity-weighted penalty from
// the peer's score; good behavior earns the score back through time-based
// decay. A peer whose score falls under the auto-pause threshold is taken
// out of the packet flow until an operator intervenes.
package reputation

import (
	"log/slog"
	"sync"
	"time"
)

// Severity classifies how bad a violation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Penalty returns the score penalty for a severity.
func (s Severity) Penalty() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 5
	case SeverityHigh:
		return 10
	case SeverityCritical:
		return 25
	default:
		return 5
	}
}

// ViolationRecord is one applied penalty.
type ViolationRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	RuleName       string    `json:"ruleName"`
	Severity       Severity  `json:"severity"`
	PenaltyApplied int       `json:"penaltyApplied"`
}

// Score is a peer's reputation state.
type Score struct {
	PeerID      string            `json:"peerId"`
	Score       int               `json:"score"`
	LastUpdated time.Time         `json:"lastUpdated"`
	Violations  []ViolationRecord `json:"violations"`
}

// Config configures the tracker.
type Config struct {
	MaxScore           int // default 100
	DecayRate          int // points recovered per whole day, default 1
	AutoPauseThreshold int // default 50
}

// DefaultConfig returns the standard scoring parameters.
func DefaultConfig() Config {
	return Config{
		MaxScore:           100,
		DecayRate:          1,
		AutoPauseThreshold: 50,
	}
}

// Tracker holds reputation scores for all peers. Scores live with the
// process; there is no persistence requirement.
type Tracker struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	scores map[string]*Score
}

// NewTracker creates a tracker with the given config, filling zero fields
// from the defaults.
func NewTracker(cfg Config, logger *slog.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.MaxScore <= 0 {
		cfg.MaxScore = def.MaxScore
	}
	if cfg.DecayRate <= 0 {
		cfg.DecayRate = def.DecayRate
	}
	if cfg.AutoPauseThreshold <= 0 {
		cfg.AutoPauseThreshold = def.AutoPauseThreshold
	}
	return &Tracker{
		cfg:    cfg,
		logger: logger,
		scores: make(map[string]*Score),
	}
}

// RecordViolation applies a severity penalty to the peer's score.
// Scoring must never interrupt monitoring, so there is no error return;
// anything unexpected is logged and swallowed.
func (t *Tracker) RecordViolation(peerID, ruleName string, severity Severity, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.scores[peerID]
	if !ok {
		s = &Score{PeerID: peerID, Score: t.cfg.MaxScore}
		t.scores[peerID] = s
	}

	penalty := severity.Penalty()
	s.Score -= penalty
	if s.Score < 0 {
		s.Score = 0
	}
	s.Violations = append(s.Violations, ViolationRecord{
		Timestamp:      ts,
		RuleName:       ruleName,
		Severity:       severity,
		PenaltyApplied: penalty,
	})
	s.LastUpdated = ts

	t.logger.Info("reputation penalty applied",
		"peer", peerID,
		"rule", ruleName,
		"severity", string(severity),
		"penalty", penalty,
		"score", s.Score,
	)
}

// ApplyDecay recovers DecayRate points per whole day elapsed since the
// peer's last update, clamped at MaxScore. LastUpdated only moves when
// decay actually applied.
func (t *Tracker) ApplyDecay(peerID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.scores[peerID]
	if !ok {
		return
	}

	days := int(now.Sub(s.LastUpdated).Hours() / 24)
	if days <= 0 {
		return
	}

	s.Score += days * t.cfg.DecayRate
	if s.Score > t.cfg.MaxScore {
		s.Score = t.cfg.MaxScore
	}
	s.LastUpdated = now
}

// ShouldAutoPause reports whether the peer's score has fallen under the
// auto-pause floor. Unknown peers never auto-pause.
func (t *Tracker) ShouldAutoPause(peerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.scores[peerID]
	if !ok {
		return false
	}
	return s.Score < t.cfg.AutoPauseThreshold
}

// Get returns a copy of the peer's score, or nil if never scored.
func (t *Tracker) Get(peerID string) *Score {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.scores[peerID]
	if !ok {
		return nil
	}
	cp := *s
	cp.Violations = append([]ViolationRecord(nil), s.Violations...)
	return &cp
}

// All returns copies of every tracked score.
func (t *Tracker) All() []*Score {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Score, 0, len(t.scores))
	for _, s := range t.scores {
		cp := *s
		cp.Violations = append([]ViolationRecord(nil), s.Violations...)
		out = append(out, &cp)
	}
	return out
}
