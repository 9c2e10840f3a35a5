package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// MemoryStore is the in-process Store, used in development and tests.
// Batches are validated in full before anything is applied, so a failing
// batch leaves the store untouched.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[ID]*Account
	transfers map[ID]*Transfer
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[ID]*Account),
		transfers: make(map[ID]*Transfer),
	}
}

func (m *MemoryStore) CreateAccounts(ctx context.Context, accounts []Account) []error {
	errs := make([]error, len(accounts))

	m.mu.Lock()
	defer m.mu.Unlock()

	hardFailure := false
	for i, a := range accounts {
		if a.ID.IsZero() {
			errs[i] = ErrZeroID
			hardFailure = true
			continue
		}
		if _, ok := m.accounts[a.ID]; ok {
			errs[i] = ErrExists
		}
	}
	if hardFailure {
		return errs
	}

	for i, a := range accounts {
		if errs[i] != nil {
			continue
		}
		stored := a
		if stored.DebitsPosted == nil {
			stored.DebitsPosted = new(big.Int)
		}
		if stored.CreditsPosted == nil {
			stored.CreditsPosted = new(big.Int)
		}
		if stored.Timestamp.IsZero() {
			stored.Timestamp = time.Now()
		}
		m.accounts[a.ID] = &stored
	}
	return errs
}

func (m *MemoryStore) LookupAccounts(ctx context.Context, ids []ID) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Account, 0, len(ids))
	for _, id := range ids {
		a, ok := m.accounts[id]
		if !ok {
			continue
		}
		cp := *a
		cp.DebitsPosted = new(big.Int).Set(a.DebitsPosted)
		cp.CreditsPosted = new(big.Int).Set(a.CreditsPosted)
		out = append(out, cp)
	}
	return out, nil
}

func (m *MemoryStore) CreateTransfers(ctx context.Context, transfers []Transfer) []error {
	errs := make([]error, len(transfers))

	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate the whole batch before touching balances.
	hardFailure := false
	for i, t := range transfers {
		if err := validTransfer(t); err != nil {
			errs[i] = err
			hardFailure = true
			continue
		}
		if _, ok := m.transfers[t.ID]; ok {
			errs[i] = ErrExists
			continue
		}
		if _, ok := m.accounts[t.DebitAccountID]; !ok {
			errs[i] = ErrAccountNotFound
			hardFailure = true
			continue
		}
		if _, ok := m.accounts[t.CreditAccountID]; !ok {
			errs[i] = ErrAccountNotFound
			hardFailure = true
		}
	}
	if hardFailure {
		for i, err := range errs {
			if err == nil {
				errs[i] = ErrBatchFailed
			}
		}
		return errs
	}

	for i, t := range transfers {
		if errs[i] != nil {
			continue
		}
		stored := t
		stored.Amount = new(big.Int).Set(t.Amount)
		if stored.Timestamp.IsZero() {
			stored.Timestamp = time.Now()
		}
		m.transfers[t.ID] = &stored

		debit := m.accounts[t.DebitAccountID]
		credit := m.accounts[t.CreditAccountID]
		debit.DebitsPosted.Add(debit.DebitsPosted, t.Amount)
		credit.CreditsPosted.Add(credit.CreditsPosted, t.Amount)
	}
	return errs
}

// LookupTransfer returns a stored transfer, mainly for tests.
func (m *MemoryStore) LookupTransfer(id ID) (Transfer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[id]
	if !ok {
		return Transfer{}, false
	}
	cp := *t
	cp.Amount = new(big.Int).Set(t.Amount)
	return cp, true
}

func (m *MemoryStore) Close() error { return nil }
