package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RotationConfig controls scheduled key rotation.
type RotationConfig struct {
	Enabled          bool
	IntervalDays     int
	OverlapDays      int
	NotifyBeforeDays int
}

// DefaultRotationConfig returns the standard rotation schedule.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		Enabled:          false,
		IntervalDays:     90,
		OverlapDays:      7,
		NotifyBeforeDays: 14,
	}
}

// Validate checks the configuration for internal consistency.
func (c RotationConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.IntervalDays <= 0 {
		return errors.New("keys: rotation interval must be positive")
	}
	if c.OverlapDays <= 0 {
		return errors.New("keys: rotation overlap must be positive")
	}
	if c.NotifyBeforeDays <= 0 {
		return errors.New("keys: rotation notify lead must be positive")
	}
	if c.OverlapDays >= c.IntervalDays {
		return fmt.Errorf("keys: overlap (%dd) must be shorter than the interval (%dd)",
			c.OverlapDays, c.IntervalDays)
	}
	return nil
}

// RotationMetadata records one completed rotation.
type RotationMetadata struct {
	OldKeyID      string    `json:"oldKeyId"`
	NewKeyID      string    `json:"newKeyId"`
	RotationDate  time.Time `json:"rotationDate"`
	OverlapEndsAt time.Time `json:"overlapEndsAt"`
}

// Rotator schedules key rotations and tracks which keys are still valid.
// An old key stays valid through its overlap window so in-flight
// signatures can still be verified while peers pick up the new key.
type Rotator struct {
	cfg     RotationConfig
	manager *Manager
	keyIDs  []string
	logger  *slog.Logger

	mu       sync.RWMutex
	byOld    map[string]RotationMetadata
	byNew    map[string]RotationMetadata
	lastSpin time.Time

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRotator creates a rotator over the given keys. The configuration
// must already be validated.
func NewRotator(cfg RotationConfig, manager *Manager, keyIDs []string, logger *slog.Logger) *Rotator {
	return &Rotator{
		cfg:     cfg,
		manager: manager,
		keyIDs:  keyIDs,
		logger:  logger,
		byOld:   make(map[string]RotationMetadata),
		byNew:   make(map[string]RotationMetadata),
		now:     time.Now,
	}
}

// Start arms the rotation ticker and a daily notification check. It is a
// no-op when rotation is disabled.
func (r *Rotator) Start() {
	if !r.cfg.Enabled {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Lock()
	r.lastSpin = r.now()
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop disarms the tickers. Keys already in their overlap window remain
// valid until the window closes.
func (r *Rotator) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Rotator) run(ctx context.Context) {
	defer close(r.done)

	interval := time.Duration(r.cfg.IntervalDays) * 24 * time.Hour
	rotate := time.NewTicker(interval)
	notify := time.NewTicker(24 * time.Hour)
	defer rotate.Stop()
	defer notify.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rotate.C:
			for _, id := range r.currentKeyIDs() {
				if _, err := r.RotateKey(ctx, id); err != nil {
					r.logger.Error("scheduled rotation failed", "key", id, "error", err)
				}
			}
			r.mu.Lock()
			r.lastSpin = r.now()
			r.mu.Unlock()
		case <-notify.C:
			r.checkUpcoming()
		}
	}
}

// currentKeyIDs returns the active key set: configured keys, replaced by
// their rotation successors where a rotation has happened.
func (r *Rotator) currentKeyIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.keyIDs))
	for _, id := range r.keyIDs {
		for {
			meta, ok := r.byOld[id]
			if !ok {
				break
			}
			id = meta.NewKeyID
		}
		out = append(out, id)
	}
	return out
}

func (r *Rotator) checkUpcoming() {
	r.mu.RLock()
	last := r.lastSpin
	r.mu.RUnlock()

	next := last.Add(time.Duration(r.cfg.IntervalDays) * 24 * time.Hour)
	lead := time.Duration(r.cfg.NotifyBeforeDays) * 24 * time.Hour
	if until := next.Sub(r.now()); until > 0 && until <= lead {
		r.logger.Warn("key rotation approaching",
			"nextRotation", next.Format(time.RFC3339),
			"daysRemaining", int(until.Hours()/24),
		)
	}
}

// RotateKey rotates one key now and records the overlap window.
func (r *Rotator) RotateKey(ctx context.Context, oldID string) (string, error) {
	newID, err := r.manager.RotateKey(ctx, oldID)
	if err != nil {
		return "", err
	}

	now := r.now()
	meta := RotationMetadata{
		OldKeyID:      oldID,
		NewKeyID:      newID,
		RotationDate:  now,
		OverlapEndsAt: now.Add(time.Duration(r.cfg.OverlapDays) * 24 * time.Hour),
	}

	r.mu.Lock()
	r.byOld[oldID] = meta
	r.byNew[newID] = meta
	r.mu.Unlock()

	time.AfterFunc(meta.OverlapEndsAt.Sub(now), func() {
		r.closeOverlap(oldID, newID)
	})

	return newID, nil
}

// closeOverlap marks the end of an old key's overlap window. The
// rotation record stays: IsKeyValid needs the window end to keep
// rejecting the old id, and currentKeyIDs needs the chain to resolve
// configured ids to their successors.
func (r *Rotator) closeOverlap(oldID, newID string) {
	r.logger.Info("key overlap window closed", "old", oldID, "new", newID)
}

// IsKeyValid reports whether signatures from the key should still be
// accepted. New keys are valid; old keys are valid inside their overlap
// window; keys with no rotation record are assumed active.
func (r *Rotator) IsKeyValid(keyID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.byNew[keyID]; ok {
		return true
	}
	if meta, ok := r.byOld[keyID]; ok {
		return r.now().Before(meta.OverlapEndsAt)
	}
	return true
}

// Metadata returns the rotation record for a key id, old or new.
func (r *Rotator) Metadata(keyID string) (RotationMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if meta, ok := r.byNew[keyID]; ok {
		return meta, true
	}
	meta, ok := r.byOld[keyID]
	return meta, ok
}
