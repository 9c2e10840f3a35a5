// Package accounts manages the per-peer double-entry account pairs and
// the credit-limit checks in front of them.
//
// Every (peer, token) owns a debit account (what the peer owes this node)
// and a credit account (what this node owes the peer). Ids are derived
// deterministically, so the pair can always be recomputed without a
// storage round trip, and creation is idempotent.
package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ilpnet/connector/internal/batch"
	"github.com/ilpnet/connector/internal/idgen"
	"github.com/ilpnet/connector/internal/ledger"
	"github.com/ilpnet/connector/internal/metrics"
)

// Config controls the account manager.
type Config struct {
	NodeID       string
	Ledger       uint32
	CreditLimits Hierarchy

	// UseBatchWriter routes settlement transfers through the batch
	// writer instead of posting directly. Packet transfers always go
	// through the writer when one is attached.
	UseBatchWriter bool
}

// Balances is the read model for one (peer, token).
type Balances struct {
	DebitBalance  *big.Int `json:"debitBalance"`
	CreditBalance *big.Int `json:"creditBalance"`
	NetBalance    *big.Int `json:"netBalance"` // credit minus debit
}

// LimitViolation describes a rejected credit-limit check.
type LimitViolation struct {
	PeerID  string   `json:"peerId"`
	TokenID string   `json:"tokenId"`
	Limit   *big.Int `json:"limit"`
	Balance *big.Int `json:"balance"`
	Amount  *big.Int `json:"amount"`
}

func (v *LimitViolation) String() string {
	return fmt.Sprintf("credit limit %s exceeded for %s/%s: balance %s + amount %s",
		v.Limit, v.PeerID, v.TokenID, v.Balance, v.Amount)
}

// BalanceEmitter receives balance telemetry after successful postings.
// Implementations must not block.
type BalanceEmitter interface {
	EmitAccountBalance(peerID, tokenID string, balances Balances)
}

// Manager owns account creation, balance reads, and transfer recording.
type Manager struct {
	cfg    Config
	store  ledger.Store
	writer *batch.Writer[ledger.Transfer]
	logger *slog.Logger

	emitter BalanceEmitter

	// created caches (peer,token) pairs whose accounts are known to
	// exist; group deduplicates concurrent creation of the same pair.
	created sync.Map
	group   singleflight.Group

	clearingMu sync.Mutex
	clearing   map[string]bool // token -> clearing account exists
}

// NewManager creates an account manager. writer and emitter may be nil.
func NewManager(cfg Config, store ledger.Store, writer *batch.Writer[ledger.Transfer], emitter BalanceEmitter, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		writer:   writer,
		logger:   logger,
		emitter:  emitter,
		clearing: make(map[string]bool),
	}
}

// PairFor returns the deterministic account pair for (peer, token). It
// never touches the ledger.
func (m *Manager) PairFor(peerID, tokenID string) Pair {
	return derivePair(m.cfg.NodeID, peerID, tokenID)
}

// CreatePeerAccounts ensures both accounts of the pair exist. Concurrent
// callers for the same pair collapse into a single ledger batch, and an
// already-existing pair is success.
func (m *Manager) CreatePeerAccounts(ctx context.Context, peerID, tokenID string) (Pair, error) {
	pair := m.PairFor(peerID, tokenID)
	key := PairKey(peerID, tokenID)
	if _, ok := m.created.Load(key); ok {
		return pair, nil
	}

	_, err, _ := m.group.Do(key, func() (interface{}, error) {
		if _, ok := m.created.Load(key); ok {
			return nil, nil
		}
		errs := m.store.CreateAccounts(ctx, []ledger.Account{
			{
				ID:       pair.DebitAccountID,
				Ledger:   m.cfg.Ledger,
				Code:     ledger.AccountKindDebit,
				UserData: accountUserData(m.cfg.NodeID, peerID, tokenID, kindDebit),
			},
			{
				ID:       pair.CreditAccountID,
				Ledger:   m.cfg.Ledger,
				Code:     ledger.AccountKindCredit,
				UserData: accountUserData(m.cfg.NodeID, peerID, tokenID, kindCredit),
			},
		})
		if err := ledger.FirstError(errs); err != nil {
			return nil, fmt.Errorf("accounts: create pair %s/%s: %w", peerID, tokenID, err)
		}
		m.created.Store(key, pair)
		return nil, nil
	})
	if err != nil {
		return Pair{}, err
	}
	return pair, nil
}

// clearingAccountID ensures the node's per-token clearing account exists
// and returns its id. Packet transfer pairs pivot through it so the
// incoming and outgoing legs can carry different amounts.
func (m *Manager) clearingAccountID(ctx context.Context, tokenID string) (ledger.ID, error) {
	id := DeriveAccountID(m.cfg.NodeID, m.cfg.NodeID, tokenID, kindClearing)

	m.clearingMu.Lock()
	exists := m.clearing[tokenID]
	m.clearingMu.Unlock()
	if exists {
		return id, nil
	}

	errs := m.store.CreateAccounts(ctx, []ledger.Account{{
		ID:       id,
		Ledger:   m.cfg.Ledger,
		Code:     ledger.AccountKindDebit,
		UserData: accountUserData(m.cfg.NodeID, m.cfg.NodeID, tokenID, kindClearing),
	}})
	if err := ledger.FirstError(errs); err != nil {
		return ledger.ID{}, fmt.Errorf("accounts: create clearing account for %s: %w", tokenID, err)
	}

	m.clearingMu.Lock()
	m.clearing[tokenID] = true
	m.clearingMu.Unlock()
	return id, nil
}

// Balance reads both accounts of the pair. Accounts that do not exist yet
// read as zero.
func (m *Manager) Balance(ctx context.Context, peerID, tokenID string) (Balances, error) {
	pair := m.PairFor(peerID, tokenID)
	accts, err := m.store.LookupAccounts(ctx, []ledger.ID{pair.DebitAccountID, pair.CreditAccountID})
	if err != nil {
		return Balances{}, fmt.Errorf("accounts: lookup %s/%s: %w", peerID, tokenID, err)
	}

	b := Balances{
		DebitBalance:  new(big.Int),
		CreditBalance: new(big.Int),
	}
	for _, a := range accts {
		switch a.ID {
		case pair.DebitAccountID:
			b.DebitBalance = a.DebitBalance()
		case pair.CreditAccountID:
			b.CreditBalance = a.CreditBalance()
		}
	}
	b.NetBalance = new(big.Int).Sub(b.CreditBalance, b.DebitBalance)
	return b, nil
}

// RecordPacketTransfers posts the two legs of a forwarded packet: the
// incoming leg debits the from-peer's debit account, the outgoing leg
// credits the to-peer's credit account. Both legs land atomically; the
// spread between the amounts accumulates on the clearing account.
func (m *Manager) RecordPacketTransfers(ctx context.Context, fromPeer, toPeer, tokenID string, inAmount, outAmount *big.Int, id1, id2 ledger.ID) error {
	fromPair, err := m.CreatePeerAccounts(ctx, fromPeer, tokenID)
	if err != nil {
		return err
	}
	toPair, err := m.CreatePeerAccounts(ctx, toPeer, tokenID)
	if err != nil {
		return err
	}
	clearingID, err := m.clearingAccountID(ctx, tokenID)
	if err != nil {
		return err
	}

	transfers := []ledger.Transfer{
		{
			ID:              id1,
			DebitAccountID:  fromPair.DebitAccountID,
			CreditAccountID: clearingID,
			Amount:          inAmount,
			Ledger:          m.cfg.Ledger,
			Code:            ledger.CodePacket,
		},
		{
			ID:              id2,
			DebitAccountID:  clearingID,
			CreditAccountID: toPair.CreditAccountID,
			Amount:          outAmount,
			Ledger:          m.cfg.Ledger,
			Code:            ledger.CodePacket,
		},
	}

	if err := m.post(ctx, transfers); err != nil {
		return fmt.Errorf("accounts: record packet transfers: %w", err)
	}
	metrics.TransfersPosted.WithLabelValues("packet").Add(2)

	m.emitBalance(ctx, fromPeer, tokenID)
	m.emitBalance(ctx, toPeer, tokenID)
	return nil
}

// CheckCreditLimit returns a violation descriptor when posting amount for
// the peer would push its debit balance over the effective limit, nil
// otherwise. A balance exactly at the limit passes.
func (m *Manager) CheckCreditLimit(ctx context.Context, peerID, tokenID string, amount *big.Int) (*LimitViolation, error) {
	limit := m.cfg.CreditLimits.Lookup(peerID, tokenID)
	if limit == nil {
		return nil, nil
	}

	if _, err := m.CreatePeerAccounts(ctx, peerID, tokenID); err != nil {
		return nil, err
	}
	b, err := m.Balance(ctx, peerID, tokenID)
	if err != nil {
		return nil, err
	}

	projected := new(big.Int).Add(b.DebitBalance, amount)
	if projected.Cmp(limit) > 0 {
		return &LimitViolation{
			PeerID:  peerID,
			TokenID: tokenID,
			Limit:   limit,
			Balance: b.DebitBalance,
			Amount:  new(big.Int).Set(amount),
		}, nil
	}
	return nil, nil
}

// RecordSettlement posts the settlement transfer for (peer, token): it
// debits the peer's credit account and credits its debit account, pulling
// both outstanding directions toward zero.
func (m *Manager) RecordSettlement(ctx context.Context, peerID, tokenID string, amount *big.Int) (ledger.ID, error) {
	pair, err := m.CreatePeerAccounts(ctx, peerID, tokenID)
	if err != nil {
		return ledger.ID{}, err
	}

	id := ledger.IDFromBytes(idgen.Bytes(16))
	transfer := ledger.Transfer{
		ID:              id,
		DebitAccountID:  pair.CreditAccountID,
		CreditAccountID: pair.DebitAccountID,
		Amount:          amount,
		Ledger:          m.cfg.Ledger,
		Code:            ledger.CodeSettlement,
	}

	var postErr error
	if m.cfg.UseBatchWriter && m.writer != nil {
		postErr = <-m.writer.Add(transfer)
	} else {
		postErr = ledger.FirstError(m.store.CreateTransfers(ctx, []ledger.Transfer{transfer}))
	}
	if postErr != nil {
		return ledger.ID{}, fmt.Errorf("accounts: record settlement for %s/%s: %w", peerID, tokenID, postErr)
	}
	metrics.TransfersPosted.WithLabelValues("settlement").Inc()

	m.logger.Info("settlement recorded",
		"peer", peerID,
		"token", tokenID,
		"amount", amount.String(),
		"transfer", id.String(),
	)
	m.emitBalance(ctx, peerID, tokenID)
	return id, nil
}

// post routes a transfer unit through the batch writer when one is
// attached, otherwise straight to the store.
func (m *Manager) post(ctx context.Context, transfers []ledger.Transfer) error {
	if m.writer != nil {
		return <-m.writer.Add(transfers...)
	}
	return ledger.FirstError(m.store.CreateTransfers(ctx, transfers))
}

func (m *Manager) emitBalance(ctx context.Context, peerID, tokenID string) {
	if m.emitter == nil {
		return
	}
	b, err := m.Balance(ctx, peerID, tokenID)
	if err != nil {
		m.logger.Warn("balance telemetry read failed", "peer", peerID, "token", tokenID, "error", err)
		return
	}
	m.emitter.EmitAccountBalance(peerID, tokenID, b)
}

func accountUserData(nodeID, peerID, tokenID, kind string) []byte {
	return []byte(nodeID + "|" + peerID + "|" + tokenID + "|" + kind)
}
