package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ilpnet/connector/internal/accounts"
	"github.com/ilpnet/connector/internal/circuitbreaker"
	"github.com/ilpnet/connector/internal/fraud"
	"github.com/ilpnet/connector/internal/metrics"
)

// ErrCircuitOpen is returned when a peer's settlement rail has failed
// repeatedly and the breaker is rejecting attempts until it cools down.
var ErrCircuitOpen = errors.New("settlement: circuit open")

// Method selects the on-chain rail used to settle with a peer.
type Method string

const (
	MethodEVM Method = "evm"
	MethodXRP Method = "xrp"
)

// PeerConfig describes how to settle with one peer on-chain. Address is
// the EVM recipient address or the XRP payment channel id depending
// on the method.
type PeerConfig struct {
	Method  Method
	Address string
}

// Payer moves value on a specific rail and returns an opaque transaction
// reference.
type Payer interface {
	Pay(ctx context.Context, address string, amount *big.Int) (string, error)
}

// CompletionEmitter mirrors the telemetry emitter's settlement-completed
// hook. A nil emitter is allowed.
type CompletionEmitter interface {
	EmitSettlementCompleted(peerID, tokenID string, amount *big.Int, txRef string)
}

// Observer receives fraud observations from the settlement path. A nil
// observer is allowed.
type Observer interface {
	AnalyzeEvent(ev fraud.Event)
}

// Executor performs settlements triggered by the monitor. The on-chain leg
// runs first; the ledger transfer is only recorded once value has actually
// moved, so a failed payment leaves the balance above threshold and the
// monitor re-triggers on its next cycle.
type Executor struct {
	accounts *accounts.Manager
	monitor  *Monitor
	payers   map[Method]Payer
	peers    map[string]PeerConfig
	breaker  *circuitbreaker.Breaker
	emitter  CompletionEmitter
	observer Observer
	logger   *slog.Logger
}

// NewExecutor wires an executor. Peers absent from the config settle on
// the ledger only.
func NewExecutor(mgr *accounts.Manager, monitor *Monitor, payers map[Method]Payer, peers map[string]PeerConfig, emitter CompletionEmitter, observer Observer, logger *slog.Logger) *Executor {
	if payers == nil {
		payers = map[Method]Payer{}
	}
	if peers == nil {
		peers = map[string]PeerConfig{}
	}
	return &Executor{
		accounts: mgr,
		monitor:  monitor,
		payers:   payers,
		peers:    peers,
		breaker:  circuitbreaker.New(5, 30*time.Second),
		emitter:  emitter,
		observer: observer,
		logger:   logger,
	}
}

// Settle executes the settlement described by a trigger: marks the pair
// in progress, pays on-chain where configured, records the ledger
// settlement, and completes the state transition. On any failure the pair
// returns to IDLE so the next poll can retry.
func (e *Executor) Settle(ctx context.Context, t Trigger) error {
	pair := Pair{PeerID: t.PeerID, TokenID: t.TokenID}
	if err := e.monitor.MarkSettlementInProgress(pair); err != nil {
		return err
	}

	amount := new(big.Int).Set(t.CurrentBalance)

	// The about-to-settle amount is a fraud observation in its own
	// right: an out-of-band threshold or a poisoned balance shows up
	// here before any value moves.
	if e.observer != nil {
		e.observer.AnalyzeEvent(fraud.Event{
			Type:      fraud.EventSettlement,
			PeerID:    t.PeerID,
			Timestamp: t.Timestamp,
			Amount:    new(big.Int).Set(amount),
		})
	}

	txRef, err := e.payOnChain(ctx, t.PeerID, amount)
	if err != nil {
		e.fail(pair, err)
		return fmt.Errorf("settlement: on-chain payment for peer %s: %w", t.PeerID, err)
	}

	id, err := e.accounts.RecordSettlement(ctx, t.PeerID, t.TokenID, amount)
	if err != nil {
		e.fail(pair, err)
		return fmt.Errorf("settlement: ledger record for peer %s: %w", t.PeerID, err)
	}

	if err := e.monitor.MarkSettlementCompleted(pair); err != nil {
		return err
	}

	if e.observer != nil {
		if post, berr := e.accounts.Balance(ctx, t.PeerID, t.TokenID); berr == nil {
			e.observer.AnalyzeEvent(fraud.Event{
				Type:            fraud.EventBalanceUpdate,
				PeerID:          t.PeerID,
				Timestamp:       e.monitor.now(),
				PreviousBalance: new(big.Int).Set(t.CurrentBalance),
				NewBalance:      post.CreditBalance,
				ExpectedAmount:  new(big.Int).Set(amount),
			})
		}
	}

	metrics.SettlementsTotal.WithLabelValues("ok").Inc()
	e.logger.Info("settlement completed",
		"peerId", t.PeerID,
		"tokenId", t.TokenID,
		"amount", amount.String(),
		"transferId", id.String(),
		"txRef", txRef)
	if e.emitter != nil {
		e.emitter.EmitSettlementCompleted(t.PeerID, t.TokenID, amount, txRef)
	}
	return nil
}

// SettleNow runs an operator-requested settlement of the pair's full
// credit balance regardless of threshold.
func (e *Executor) SettleNow(ctx context.Context, peerID, tokenID string) error {
	t, err := e.monitor.ForceTrigger(ctx, Pair{PeerID: peerID, TokenID: tokenID})
	if err != nil {
		return err
	}
	return e.Settle(ctx, t)
}

func (e *Executor) payOnChain(ctx context.Context, peerID string, amount *big.Int) (string, error) {
	cfg, ok := e.peers[peerID]
	if !ok {
		// Ledger-only peer.
		return "", nil
	}
	payer, ok := e.payers[cfg.Method]
	if !ok {
		return "", fmt.Errorf("no payer configured for method %q", cfg.Method)
	}
	if !e.breaker.Allow(peerID) {
		return "", fmt.Errorf("%w: peer %s", ErrCircuitOpen, peerID)
	}
	txRef, err := payer.Pay(ctx, cfg.Address, amount)
	if err != nil {
		e.breaker.RecordFailure(peerID)
		return "", err
	}
	e.breaker.RecordSuccess(peerID)
	return txRef, nil
}

func (e *Executor) fail(pair Pair, err error) {
	metrics.SettlementsTotal.WithLabelValues("error").Inc()
	e.logger.Error("settlement failed",
		"peerId", pair.PeerID,
		"tokenId", pair.TokenID,
		"error", err)
	if terr := e.monitor.MarkSettlementFailed(pair); terr != nil {
		e.logger.Error("settlement state reset failed",
			"peerId", pair.PeerID,
			"error", terr)
	}
}
