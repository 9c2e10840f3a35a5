// Package ledger is the double-entry bookkeeping layer.
//
// Accounts and transfers carry 128-bit identifiers and arbitrary-precision
// amounts. All writes are batch operations with per-entry results, and a
// duplicate id is reported as ErrExists so callers can treat resubmission
// as success.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"time"
)

var (
	ErrExists          = errors.New("ledger: entry already exists")
	ErrAccountNotFound = errors.New("ledger: account not found")
	ErrInvalidAmount   = errors.New("ledger: invalid amount")
	ErrZeroID          = errors.New("ledger: zero id")
	ErrBatchFailed     = errors.New("ledger: batch failed")
)

// ID is a 128-bit account or transfer identifier.
type ID [16]byte

// IDFromBytes copies up to 16 bytes into an ID.
func IDFromBytes(b []byte) ID {
	var id ID
	copy(id[:], b)
	return id
}

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether the id is all zeroes.
func (id ID) IsZero() bool { return id == ID{} }

// Transfer codes distinguish why value moved.
const (
	CodePacket     uint16 = 1
	CodeSettlement uint16 = 2
)

// Account kinds, stored in the account code column.
const (
	AccountKindDebit  uint16 = 1 // what the peer owes this node
	AccountKindCredit uint16 = 2 // what this node owes the peer
)

// Account is one side of the double-entry model. Balances are kept as the
// running sums of posted debits and credits; the signed balance is derived
// from the account kind.
type Account struct {
	ID            ID
	Ledger        uint32
	Code          uint16
	UserData      []byte
	DebitsPosted  *big.Int
	CreditsPosted *big.Int
	Timestamp     time.Time
}

// DebitBalance returns debits minus credits, the natural balance of a
// debit-kind account.
func (a *Account) DebitBalance() *big.Int {
	return new(big.Int).Sub(a.DebitsPosted, a.CreditsPosted)
}

// CreditBalance returns credits minus debits, the natural balance of a
// credit-kind account.
func (a *Account) CreditBalance() *big.Int {
	return new(big.Int).Sub(a.CreditsPosted, a.DebitsPosted)
}

// Transfer moves amount from the debit account to the credit account.
type Transfer struct {
	ID              ID
	DebitAccountID  ID
	CreditAccountID ID
	Amount          *big.Int
	Ledger          uint32
	Code            uint16
	Flags           uint16
	UserData        []byte
	Timeout         time.Duration
	Timestamp       time.Time
}

// Store is the persistence contract. Batch methods return one error slot
// per input entry, nil meaning success. A batch containing any error other
// than ErrExists is applied atomically: either every clean entry lands or
// none do.
type Store interface {
	CreateAccounts(ctx context.Context, accounts []Account) []error
	LookupAccounts(ctx context.Context, ids []ID) ([]Account, error)
	CreateTransfers(ctx context.Context, transfers []Transfer) []error
	Close() error
}

// BatchOK reports whether every slot is nil or ErrExists.
func BatchOK(errs []error) bool {
	for _, err := range errs {
		if err != nil && !errors.Is(err, ErrExists) {
			return false
		}
	}
	return true
}

// FirstError returns the first error that is not nil and not ErrExists.
func FirstError(errs []error) error {
	for _, err := range errs {
		if err != nil && !errors.Is(err, ErrExists) {
			return err
		}
	}
	return nil
}

func validTransfer(t Transfer) error {
	if t.ID.IsZero() {
		return ErrZeroID
	}
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
