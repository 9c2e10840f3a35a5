package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/lib/pq"
)

// PostgresStore implements Store on PostgreSQL. Amounts are stored as
// NUMERIC(39,0), wide enough for any 128-bit quantity, and ids as 16-byte
// BYTEA primary keys. Duplicate ids are detected with ON CONFLICT DO
// NOTHING and reported as ErrExists without aborting the transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store. The schema is
// managed by the migrations under migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateAccounts(ctx context.Context, accounts []Account) []error {
	errs := make([]error, len(accounts))

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fillErrs(errs, fmt.Errorf("ledger: begin tx: %w", err))
	}
	defer tx.Rollback()

	for i, a := range accounts {
		if a.ID.IsZero() {
			errs[i] = ErrZeroID
			return fillRemaining(errs, ErrBatchFailed)
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, ledger, code, user_data, debits_posted, credits_posted, created_at)
			VALUES ($1, $2, $3, $4, 0, 0, NOW())
			ON CONFLICT (id) DO NOTHING
		`, a.ID[:], a.Ledger, a.Code, a.UserData)
		if err != nil {
			errs[i] = fmt.Errorf("ledger: create account: %w", err)
			return fillRemaining(errs, ErrBatchFailed)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			errs[i] = ErrExists
		}
	}

	if err := tx.Commit(); err != nil {
		return fillErrs(errs, fmt.Errorf("ledger: commit: %w", err))
	}
	return errs
}

func (p *PostgresStore) LookupAccounts(ctx context.Context, ids []ID) ([]Account, error) {
	raw := make([][]byte, len(ids))
	for i, id := range ids {
		cp := id
		raw[i] = cp[:]
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, ledger, code, user_data, debits_posted::TEXT, credits_posted::TEXT, created_at
		FROM accounts WHERE id = ANY($1)
	`, pq.Array(raw))
	if err != nil {
		return nil, fmt.Errorf("ledger: lookup accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		var idBytes []byte
		var debits, credits string
		if err := rows.Scan(&idBytes, &a.Ledger, &a.Code, &a.UserData, &debits, &credits, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("ledger: scan account: %w", err)
		}
		a.ID = IDFromBytes(idBytes)
		a.DebitsPosted = mustBig(debits)
		a.CreditsPosted = mustBig(credits)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateTransfers(ctx context.Context, transfers []Transfer) []error {
	errs := make([]error, len(transfers))

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fillErrs(errs, fmt.Errorf("ledger: begin tx: %w", err))
	}
	defer tx.Rollback()

	for i, t := range transfers {
		if err := validTransfer(t); err != nil {
			errs[i] = err
			return fillRemaining(errs, ErrBatchFailed)
		}

		var timeout *int64
		if t.Timeout > 0 {
			ms := t.Timeout.Milliseconds()
			timeout = &ms
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO transfers (id, debit_account_id, credit_account_id, amount, ledger, code, flags, user_data, timeout_ms, created_at)
			VALUES ($1, $2, $3, $4::NUMERIC(39,0), $5, $6, $7, $8, $9, NOW())
			ON CONFLICT (id) DO NOTHING
		`, t.ID[:], t.DebitAccountID[:], t.CreditAccountID[:], t.Amount.String(),
			t.Ledger, t.Code, t.Flags, t.UserData, timeout)
		if err != nil {
			errs[i] = fmt.Errorf("ledger: create transfer: %w", err)
			return fillRemaining(errs, ErrBatchFailed)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			errs[i] = ErrExists
			continue
		}

		if err := postBalances(ctx, tx, t); err != nil {
			errs[i] = err
			return fillRemaining(errs, ErrBatchFailed)
		}
	}

	if err := tx.Commit(); err != nil {
		return fillErrs(errs, fmt.Errorf("ledger: commit: %w", err))
	}
	return errs
}

func postBalances(ctx context.Context, tx *sql.Tx, t Transfer) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET debits_posted = debits_posted + $2::NUMERIC(39,0)
		WHERE id = $1
	`, t.DebitAccountID[:], t.Amount.String())
	if err != nil {
		return fmt.Errorf("ledger: post debit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE accounts SET credits_posted = credits_posted + $2::NUMERIC(39,0)
		WHERE id = $1
	`, t.CreditAccountID[:], t.Amount.String())
	if err != nil {
		return fmt.Errorf("ledger: post credit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func mustBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func fillErrs(errs []error, err error) []error {
	for i := range errs {
		errs[i] = err
	}
	return errs
}

// fillRemaining marks every slot that has no specific error yet as part of
// a failed batch.
func fillRemaining(errs []error, err error) []error {
	for i := range errs {
		if errs[i] == nil {
			errs[i] = err
		}
	}
	return errs
}
