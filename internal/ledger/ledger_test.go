package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/gridx/internal/domain"
	"github.com/rezkam/gridx/internal/storage"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	db, err := storage.Open(context.Background(), storage.DBConfig{
		DSN: filepath.Join(t.TempDir(), "gridx.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(db, decimal.RequireFromString("100.0"))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestEnsureAccount(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.EnsureAccount(ctx, "alice"))

	balance, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("100.0")), balance.String())

	// Re-ensuring must not grant credits again.
	require.NoError(t, l.EnsureAccount(ctx, "alice"))
	balance, err = l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("100.0")), balance.String())
}

func TestBalance_UnknownAccount(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Balance(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDebitCredit(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.EnsureAccount(ctx, "alice"))
	require.NoError(t, l.Debit(ctx, "alice", dec("1.0"), "job-1"))
	require.NoError(t, l.Credit(ctx, "alice", dec("0.8"), "job-1"))

	balance, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("99.8")), balance.String())
}

func TestDebit_Insufficient(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.EnsureAccount(ctx, "alice"))

	err := l.Debit(ctx, "alice", dec("100.5"), "job-1")
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	// Balance unchanged, and the rejected debit left no entry.
	balance, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("100.0")), balance.String())

	entries, err := l.Entries(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTransfer(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.EnsureAccount(ctx, "alice"))
	require.NoError(t, l.EnsureAccount(ctx, "bob"))

	require.NoError(t, l.Transfer(ctx, "alice", "bob", dec("25.5")))

	aliceBalance, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, aliceBalance.Equal(dec("74.5")), aliceBalance.String())

	bobBalance, err := l.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, bobBalance.Equal(dec("125.5")), bobBalance.String())
}

func TestTransfer_InsufficientRollsBack(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.EnsureAccount(ctx, "alice"))
	require.NoError(t, l.EnsureAccount(ctx, "bob"))

	err := l.Transfer(ctx, "alice", "bob", dec("1000"))
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	bobBalance, err := l.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, bobBalance.Equal(dec("100.0")), bobBalance.String())
}

func TestUnitOfWork_RollsBackAllMutations(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.EnsureAccount(ctx, "alice"))

	err := l.WithUnitOfWork(ctx, func(uow *UnitOfWork) error {
		if err := uow.Debit(ctx, "alice", dec("10"), "job-1"); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	balance, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("100.0")), balance.String())

	entries, err := l.Entries(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEntries_OneDebitOneCreditPerJob(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.EnsureAccount(ctx, "alice"))
	require.NoError(t, l.EnsureAccount(ctx, "bob"))

	require.NoError(t, l.WithUnitOfWork(ctx, func(uow *UnitOfWork) error {
		return uow.Debit(ctx, "alice", dec("1.0"), "job-1")
	}))
	require.NoError(t, l.WithUnitOfWork(ctx, func(uow *UnitOfWork) error {
		return uow.Credit(ctx, "bob", dec("0.8"), "job-1")
	}))

	entries, err := l.Entries(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, EntryDebit, entries[0].Kind)
	assert.Equal(t, domain.AccountID("alice"), entries[0].AccountID)
	assert.True(t, entries[0].Amount.Equal(dec("-1.0")), entries[0].Amount.String())

	assert.Equal(t, EntryCredit, entries[1].Kind)
	assert.Equal(t, domain.AccountID("bob"), entries[1].AccountID)
	assert.True(t, entries[1].Amount.Equal(dec("0.8")), entries[1].Amount.String())
}

func TestDebit_NegativeAmountRejected(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.EnsureAccount(ctx, "alice"))
	err := l.Debit(ctx, "alice", dec("-1"), "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestVerifyAuth(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	// First contact installs the secret and creates the account.
	require.NoError(t, l.VerifyAuth(ctx, "bob", "hunter2"))

	balance, err := l.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("100.0")), balance.String())

	// Matching secret is accepted, mismatch is a hard reject.
	require.NoError(t, l.VerifyAuth(ctx, "bob", "hunter2"))
	assert.ErrorIs(t, l.VerifyAuth(ctx, "bob", "wrong"), domain.ErrUnauthenticated)

	// Empty secrets never authenticate.
	assert.ErrorIs(t, l.VerifyAuth(ctx, "bob", ""), domain.ErrUnauthenticated)
}

func TestVerifyAuth_SaltedHashesDiffer(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.VerifyAuth(ctx, "a1", "same-secret"))
	require.NoError(t, l.VerifyAuth(ctx, "a2", "same-secret"))

	var h1, h2 string
	require.NoError(t, l.db.QueryRowContext(ctx,
		"SELECT auth_hash FROM accounts WHERE id = 'a1'").Scan(&h1))
	require.NoError(t, l.db.QueryRowContext(ctx,
		"SELECT auth_hash FROM accounts WHERE id = 'a2'").Scan(&h2))

	assert.NotEqual(t, h1, h2)
}
