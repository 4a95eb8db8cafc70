// Package ledger implements persistent credit accounts with atomic
// debit/credit operations and an append-only entry log. Balances are
// held as integer micro-credits so mutations are plain SQL arithmetic;
// the decimal boundary lives at the package API.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rezkam/gridx/internal/domain"
	"github.com/rezkam/gridx/internal/storage"
)

// Entry kinds recorded in the ledger log.
const (
	EntryInitial = "initial"
	EntryDebit   = "debit"
	EntryCredit  = "credit"
	EntryRefund  = "refund"
)

// microDigits is the fixed precision of stored balances.
const microDigits = 6

// Entry is one committed balance mutation.
type Entry struct {
	ID        string
	AccountID domain.AccountID
	JobID     string
	Kind      string
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// Ledger manages credit accounts over the shared store.
type Ledger struct {
	db           *storage.DB
	initialMicro int64
	now          func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger. initialCredits is the balance granted on first
// contact with an unknown account.
func New(db *storage.DB, initialCredits decimal.Decimal, opts ...Option) *Ledger {
	l := &Ledger{
		db:           db,
		initialMicro: toMicro(initialCredits),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func toMicro(d decimal.Decimal) int64 {
	return d.Shift(microDigits).IntPart()
}

func fromMicro(m int64) decimal.Decimal {
	return decimal.New(m, -microDigits)
}

// EnsureAccount creates the account with the initial balance if it does
// not exist. Existing accounts are untouched.
func (l *Ledger) EnsureAccount(ctx context.Context, id domain.AccountID) error {
	return l.WithUnitOfWork(ctx, func(uow *UnitOfWork) error {
		return uow.EnsureAccount(ctx, id)
	})
}

// Balance returns the committed balance for the account.
func (l *Ledger) Balance(ctx context.Context, id domain.AccountID) (decimal.Decimal, error) {
	var micro int64
	query := l.db.Rebind("SELECT balance_micro FROM accounts WHERE id = ?")
	err := l.db.QueryRowContext(ctx, query, id.String()).Scan(&micro)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
	}
	return fromMicro(micro), nil
}

// Debit atomically subtracts amount from the account. It returns
// domain.ErrInsufficientCredits and leaves the balance unchanged if the
// account cannot cover it.
func (l *Ledger) Debit(ctx context.Context, id domain.AccountID, amount decimal.Decimal, jobID string) error {
	return l.WithUnitOfWork(ctx, func(uow *UnitOfWork) error {
		return uow.Debit(ctx, id, amount, jobID)
	})
}

// Credit atomically adds amount to the account.
func (l *Ledger) Credit(ctx context.Context, id domain.AccountID, amount decimal.Decimal, jobID string) error {
	return l.WithUnitOfWork(ctx, func(uow *UnitOfWork) error {
		return uow.Credit(ctx, id, amount, jobID)
	})
}

// Refund atomically returns amount to the account, logged as a refund.
func (l *Ledger) Refund(ctx context.Context, id domain.AccountID, amount decimal.Decimal, jobID string) error {
	return l.WithUnitOfWork(ctx, func(uow *UnitOfWork) error {
		return uow.Refund(ctx, id, amount, jobID)
	})
}

// Transfer atomically moves amount between two accounts. Both mutations
// commit together or not at all.
func (l *Ledger) Transfer(ctx context.Context, from, to domain.AccountID, amount decimal.Decimal) error {
	return l.WithUnitOfWork(ctx, func(uow *UnitOfWork) error {
		if err := uow.Debit(ctx, from, amount, ""); err != nil {
			return err
		}
		return uow.Credit(ctx, to, amount, "")
	})
}

// Entries returns the committed ledger entries for a job, oldest first.
func (l *Ledger) Entries(ctx context.Context, jobID string) ([]Entry, error) {
	query := l.db.Rebind(`
		SELECT id, account_id, job_id, kind, amount_micro, created_at
		FROM ledger_entries WHERE job_id = ? ORDER BY created_at, id`)
	rows, err := l.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			account  string
			job      sql.NullString
			micro    int64
			createdA int64
		)
		if err := rows.Scan(&e.ID, &account, &job, &e.Kind, &micro, &createdA); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.AccountID = domain.AccountID(account)
		e.JobID = job.String
		e.Amount = fromMicro(micro)
		e.CreatedAt = time.UnixMilli(createdA).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// WithUnitOfWork runs fn inside a single storage transaction. This is the
// only scope in which balance mutations and a job-record mutation may
// commit together; fn returning an error rolls everything back.
func (l *Ledger) WithUnitOfWork(ctx context.Context, fn func(uow *UnitOfWork) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	uow := &UnitOfWork{tx: tx, ledger: l}
	if err := fn(uow); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UnitOfWork is a transactional scope over the ledger and, via Tx, the
// job store. All mutations commit or roll back together.
type UnitOfWork struct {
	tx     *sql.Tx
	ledger *Ledger
}

// Tx exposes the underlying transaction so a job-record mutation can
// join the same commit.
func (u *UnitOfWork) Tx() *sql.Tx {
	return u.tx
}

// EnsureAccount creates the account with the initial balance if absent.
func (u *UnitOfWork) EnsureAccount(ctx context.Context, id domain.AccountID) error {
	query := u.ledger.db.Rebind(
		"INSERT INTO accounts (id, balance_micro) VALUES (?, ?) ON CONFLICT (id) DO NOTHING")
	res, err := u.tx.ExecContext(ctx, query, id.String(), u.ledger.initialMicro)
	if err != nil {
		return fmt.Errorf("failed to ensure account %s: %w", id, err)
	}

	created, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read ensure result: %w", err)
	}
	if created > 0 && u.ledger.initialMicro > 0 {
		return u.insertEntry(ctx, id, "", EntryInitial, u.ledger.initialMicro)
	}
	return nil
}

// Debit subtracts amount from the account inside the transaction. The
// conditional update guarantees the balance never goes negative; zero
// rows affected means insufficient credits and no change.
func (u *UnitOfWork) Debit(ctx context.Context, id domain.AccountID, amount decimal.Decimal, jobID string) error {
	micro, err := positiveMicro(amount)
	if err != nil {
		return err
	}

	query := u.ledger.db.Rebind(
		"UPDATE accounts SET balance_micro = balance_micro - ? WHERE id = ? AND balance_micro >= ?")
	res, err := u.tx.ExecContext(ctx, query, micro, id.String(), micro)
	if err != nil {
		return fmt.Errorf("failed to debit account %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read debit result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("account %s: %w", id, domain.ErrInsufficientCredits)
	}

	return u.insertEntry(ctx, id, jobID, EntryDebit, -micro)
}

// Credit adds amount to the account inside the transaction.
func (u *UnitOfWork) Credit(ctx context.Context, id domain.AccountID, amount decimal.Decimal, jobID string) error {
	return u.credit(ctx, id, amount, jobID, EntryCredit)
}

func (u *UnitOfWork) Refund(ctx context.Context, id domain.AccountID, amount decimal.Decimal, jobID string) error {
	return u.credit(ctx, id, amount, jobID, EntryRefund)
}

func (u *UnitOfWork) credit(ctx context.Context, id domain.AccountID, amount decimal.Decimal, jobID, kind string) error {
	micro, err := positiveMicro(amount)
	if err != nil {
		return err
	}

	query := u.ledger.db.Rebind(
		"UPDATE accounts SET balance_micro = balance_micro + ? WHERE id = ?")
	res, err := u.tx.ExecContext(ctx, query, micro, id.String())
	if err != nil {
		return fmt.Errorf("failed to credit account %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read credit result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}

	return u.insertEntry(ctx, id, jobID, kind, micro)
}

func (u *UnitOfWork) insertEntry(ctx context.Context, id domain.AccountID, jobID, kind string, micro int64) error {
	var job any
	if jobID != "" {
		job = jobID
	}

	query := u.ledger.db.Rebind(`
		INSERT INTO ledger_entries (id, account_id, job_id, kind, amount_micro, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := u.tx.ExecContext(ctx, query,
		uuid.NewString(), id.String(), job, kind, micro, u.ledger.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return nil
}

func positiveMicro(amount decimal.Decimal) (int64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("%w: amount must not be negative", domain.ErrInvalidInput)
	}
	return toMicro(amount), nil
}
