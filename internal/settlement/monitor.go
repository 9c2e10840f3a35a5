// Package settlement watches per-peer credit balances and drives the
// settlement lifecycle when a peer's obligation crosses its configured
// threshold. The monitor owns the per-pair state machine; actually moving
// value is the executor's job.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ilpnet/connector/internal/accounts"
)

// State tracks where a (peer, token) pair is in the settlement lifecycle.
type State string

const (
	StateIdle       State = "IDLE"
	StatePending    State = "SETTLEMENT_PENDING"
	StateInProgress State = "SETTLEMENT_IN_PROGRESS"
)

var (
	ErrUnknownPair     = errors.New("settlement: unknown peer/token pair")
	ErrBadTransition   = errors.New("settlement: invalid state transition")
	ErrNothingToSettle = errors.New("settlement: credit balance is zero")
)

// Trigger describes a threshold crossing that requires settlement.
type Trigger struct {
	PeerID         string
	TokenID        string
	CurrentBalance *big.Int
	Threshold      *big.Int
	ExceedsBy      *big.Int
	Timestamp      time.Time
}

// TriggerHandler receives SETTLEMENT_REQUIRED notifications. Handlers must
// not block: the monitor calls them from its polling goroutine.
type TriggerHandler func(Trigger)

// BalanceReader is the slice of the account manager the monitor needs.
type BalanceReader interface {
	Balance(ctx context.Context, peerID, tokenID string) (accounts.Balances, error)
}

// EventEmitter mirrors the telemetry emitter's settlement hooks. A nil
// emitter is allowed.
type EventEmitter interface {
	EmitSettlementTriggered(peerID, tokenID string, balance, threshold *big.Int)
}

// Pair names one monitored peer/token combination.
type Pair struct {
	PeerID  string
	TokenID string
}

// Config holds monitor settings.
type Config struct {
	PollingInterval time.Duration
	Thresholds      accounts.Hierarchy
}

// DefaultConfig returns the default monitor settings.
func DefaultConfig() Config {
	return Config{
		PollingInterval: 30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.PollingInterval <= 0 {
		return fmt.Errorf("settlement: polling interval must be positive, got %s", c.PollingInterval)
	}
	return nil
}

// Monitor polls credit balances for a fixed set of pairs and fires the
// trigger handler when a pair first crosses its threshold.
type Monitor struct {
	cfg      Config
	balances BalanceReader
	handler  TriggerHandler
	emitter  EventEmitter
	logger   *slog.Logger

	mu     sync.Mutex
	states map[Pair]State

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor over the given pairs, all starting IDLE.
func NewMonitor(cfg Config, pairs []Pair, balances BalanceReader, handler TriggerHandler, emitter EventEmitter, logger *slog.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	states := make(map[Pair]State, len(pairs))
	for _, p := range pairs {
		states[p] = StateIdle
	}
	return &Monitor{
		cfg:      cfg,
		balances: balances,
		handler:  handler,
		emitter:  emitter,
		logger:   logger,
		states:   states,
		now:      time.Now,
		done:     make(chan struct{}),
	}, nil
}

// AddPair registers a pair discovered after construction. Existing state
// is preserved.
func (m *Monitor) AddPair(p Pair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[p]; !ok {
		m.states[p] = StateIdle
	}
}

// Start runs an immediate check and then polls until the context is
// cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
}

// Stop halts polling and waits for the polling goroutine to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	m.CheckAll(ctx)

	ticker := time.NewTicker(m.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}

// CheckAll evaluates every monitored pair once. Balance read errors are
// logged and the pair is skipped until the next cycle.
func (m *Monitor) CheckAll(ctx context.Context) {
	for _, p := range m.pairs() {
		if err := m.checkPair(ctx, p); err != nil {
			m.logger.Error("settlement check failed",
				"peerId", p.PeerID,
				"tokenId", p.TokenID,
				"error", err)
		}
	}
}

func (m *Monitor) pairs() []Pair {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Pair, 0, len(m.states))
	for p := range m.states {
		out = append(out, p)
	}
	return out
}

func (m *Monitor) checkPair(ctx context.Context, p Pair) error {
	threshold := m.cfg.Thresholds.Lookup(p.PeerID, p.TokenID)
	if threshold == nil {
		return nil
	}

	bal, err := m.balances.Balance(ctx, p.PeerID, p.TokenID)
	if err != nil {
		return err
	}
	balance := bal.CreditBalance

	m.mu.Lock()
	state := m.states[p]

	switch {
	case state == StateIdle && balance.Cmp(threshold) > 0:
		m.states[p] = StatePending
		m.mu.Unlock()

		exceedsBy := new(big.Int).Sub(balance, threshold)
		m.logger.Info("settlement required",
			"peerId", p.PeerID,
			"tokenId", p.TokenID,
			"balance", balance.String(),
			"threshold", threshold.String(),
			"exceedsBy", exceedsBy.String())
		if m.emitter != nil {
			m.emitter.EmitSettlementTriggered(p.PeerID, p.TokenID, balance, threshold)
		}
		if m.handler != nil {
			m.handler(Trigger{
				PeerID:         p.PeerID,
				TokenID:        p.TokenID,
				CurrentBalance: new(big.Int).Set(balance),
				Threshold:      new(big.Int).Set(threshold),
				ExceedsBy:      exceedsBy,
				Timestamp:      m.now().UTC(),
			})
		}
		return nil

	case state == StatePending && balance.Cmp(threshold) <= 0:
		// Balance recovered on its own, no settlement needed.
		m.states[p] = StateIdle
		m.mu.Unlock()
		m.logger.Info("settlement no longer required",
			"peerId", p.PeerID,
			"tokenId", p.TokenID,
			"balance", balance.String())
		return nil

	default:
		m.mu.Unlock()
		return nil
	}
}

// ForceTrigger builds a trigger for an operator-requested settlement of
// the pair's full credit balance, ignoring the threshold. The pair must
// be IDLE or already PENDING; it is left in PENDING for the executor.
func (m *Monitor) ForceTrigger(ctx context.Context, p Pair) (Trigger, error) {
	bal, err := m.balances.Balance(ctx, p.PeerID, p.TokenID)
	if err != nil {
		return Trigger{}, err
	}
	if bal.CreditBalance.Sign() <= 0 {
		return Trigger{}, ErrNothingToSettle
	}

	m.mu.Lock()
	state, ok := m.states[p]
	if !ok {
		m.states[p] = StatePending
	} else if state == StateIdle {
		m.states[p] = StatePending
	} else if state != StatePending {
		m.mu.Unlock()
		return Trigger{}, fmt.Errorf("%w: %s -> %s (current %s)", ErrBadTransition, StateIdle, StatePending, state)
	}
	m.mu.Unlock()

	threshold := m.cfg.Thresholds.Lookup(p.PeerID, p.TokenID)
	if threshold == nil {
		threshold = big.NewInt(0)
	}
	return Trigger{
		PeerID:         p.PeerID,
		TokenID:        p.TokenID,
		CurrentBalance: new(big.Int).Set(bal.CreditBalance),
		Threshold:      new(big.Int).Set(threshold),
		ExceedsBy:      new(big.Int).Sub(bal.CreditBalance, threshold),
		Timestamp:      m.now().UTC(),
	}, nil
}

// StateOf reports the current state for a pair.
func (m *Monitor) StateOf(p Pair) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[p]
	return s, ok
}

// States returns a snapshot of all pair states.
func (m *Monitor) States() map[Pair]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Pair]State, len(m.states))
	for p, s := range m.states {
		out[p] = s
	}
	return out
}

// MarkSettlementInProgress transitions a pair from PENDING to IN_PROGRESS.
// The orchestrator calls this immediately before executing a settlement.
func (m *Monitor) MarkSettlementInProgress(p Pair) error {
	return m.transition(p, StatePending, StateInProgress)
}

// MarkSettlementCompleted transitions a pair from IN_PROGRESS back to IDLE
// after a successful settlement.
func (m *Monitor) MarkSettlementCompleted(p Pair) error {
	return m.transition(p, StateInProgress, StateIdle)
}

// MarkSettlementFailed returns a pair to IDLE after a failed execution so
// the next poll can re-trigger while the balance remains above threshold.
func (m *Monitor) MarkSettlementFailed(p Pair) error {
	return m.transition(p, StateInProgress, StateIdle)
}

func (m *Monitor) transition(p Pair, from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.states[p]
	if !ok {
		return ErrUnknownPair
	}
	if cur != from {
		return fmt.Errorf("%w: %s -> %s (current %s)", ErrBadTransition, from, to, cur)
	}
	m.states[p] = to
	return nil
}
