package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
)

var ledgerEntryRowColumns = []string{"id", "account_id", "type", "amount", "fee_category_id", "description", "reference_id", "posted_by", "posted_at",
	"running_balance", "is_reversal", "reverses_transaction_id", "reversed_by_transaction_id", "reversed_at"}

func TestLedgerRepositoryEnsureAccountDerivesID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewLedgerRepository(db)

	mock.ExpectExec("(?s)"+regexp.QuoteMeta("INSERT INTO fee_ledger_accounts")+".*ON CONFLICT \\(id\\) DO NOTHING").
		WithArgs("STU00001_2024-25", "STU00001", "2024-25", "0", "ACTIVE", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	account := &models.LedgerAccount{StudentID: "STU00001", AcademicYear: "2024-25", Balance: decimal.Zero}
	require.NoError(t, repo.EnsureAccount(context.Background(), nil, account))
	assert.Equal(t, "STU00001_2024-25", account.ID)
	assert.Equal(t, models.LedgerAccountStatusActive, account.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryLockAccount(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewLedgerRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM fee_ledger_accounts WHERE id = $1 FOR UPDATE")).
		WithArgs("STU00001_2024-25").
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_id", "academic_year", "balance", "status", "created_at", "updated_at"}).
			AddRow("STU00001_2024-25", "STU00001", "2024-25", "3800.00", "ACTIVE", now, now))

	account, err := repo.LockAccount(context.Background(), nil, "STU00001_2024-25")
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(3800)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryLockAccountNotFound(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewLedgerRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM fee_ledger_accounts WHERE id = $1 FOR UPDATE")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.LockAccount(context.Background(), nil, "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestLedgerRepositoryUpdateBalance(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewLedgerRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE fee_ledger_accounts SET balance = $1, updated_at = $2 WHERE id = $3")).
		WithArgs("5000", sqlmock.AnyArg(), "STU00001_2024-25").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateBalance(context.Background(), nil, "STU00001_2024-25", decimal.NewFromInt(5000), time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryInsertEntry(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewLedgerRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fee_ledger_entries")).
		WithArgs("txn-1", "STU00001_2024-25", "DEBIT", "1200", "late-fee", "Late fee", "", "user-1", sqlmock.AnyArg(),
			"3800", false, nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.InsertEntry(context.Background(), nil, &models.LedgerEntry{
		ID:             "txn-1",
		AccountID:      "STU00001_2024-25",
		Type:           models.EntryTypeDebit,
		Amount:         decimal.NewFromInt(1200),
		FeeCategoryID:  "late-fee",
		Description:    "Late fee",
		PostedBy:       "user-1",
		PostedAt:       time.Now(),
		RunningBalance: decimal.NewFromInt(3800),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryLockEntry(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewLedgerRepository(db)

	reversal := "txn-9"
	mock.ExpectQuery(regexp.QuoteMeta("FROM fee_ledger_entries WHERE id = $1 AND account_id = $2 FOR UPDATE")).
		WithArgs("txn-1", "STU00001_2024-25").
		WillReturnRows(sqlmock.NewRows(ledgerEntryRowColumns).
			AddRow("txn-1", "STU00001_2024-25", "DEBIT", "1200", "", "", "", "user-1", time.Now(), "3800", false, nil, reversal, time.Now()))

	entry, err := repo.LockEntry(context.Background(), nil, "STU00001_2024-25", "txn-1")
	require.NoError(t, err)
	assert.True(t, entry.Reversed())
	assert.Equal(t, models.EntryTypeDebit, entry.Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryMarkReversedOnlyOnce(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewLedgerRepository(db)

	query := "(?s)" + regexp.QuoteMeta("UPDATE fee_ledger_entries SET reversed_by_transaction_id = $1, reversed_at = $2") +
		".*" + regexp.QuoteMeta("reversed_by_transaction_id IS NULL")
	mock.ExpectExec(query).
		WithArgs("txn-2", sqlmock.AnyArg(), "txn-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).
		WithArgs("txn-3", sqlmock.AnyArg(), "txn-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.MarkReversed(context.Background(), nil, "txn-1", "txn-2", time.Now()))
	err := repo.MarkReversed(context.Background(), nil, "txn-1", "txn-3", time.Now())
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryListEntries(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewLedgerRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM fee_ledger_entries WHERE account_id = $1 ORDER BY seq ASC")).
		WithArgs("STU00001_2024-25").
		WillReturnRows(sqlmock.NewRows(ledgerEntryRowColumns).
			AddRow("txn-1", "STU00001_2024-25", "CREDIT", "5000", "", "", "", "user-1", time.Now(), "5000", false, nil, nil, nil).
			AddRow("txn-2", "STU00001_2024-25", "DEBIT", "1200", "", "", "", "user-1", time.Now(), "3800", false, nil, nil, nil))

	entries, err := repo.ListEntries(context.Background(), "STU00001_2024-25")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[1].RunningBalance.Equal(decimal.NewFromInt(3800)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryListAccounts(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewLedgerRepository(db)

	columns := []string{"id", "student_id", "academic_year", "balance", "status", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM fee_ledger_accounts WHERE academic_year = $1 ORDER BY student_id ASC")).
		WithArgs("2024-25").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("STU00001_2024-25", "STU00001", "2024-25", "3800", "ACTIVE", time.Now(), time.Now()).
			AddRow("STU00002_2024-25", "STU00002", "2024-25", "0", "ACTIVE", time.Now(), time.Now()))

	accounts, err := repo.ListAccounts(context.Background(), "2024-25")
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "STU00002", accounts[1].StudentID)
	assert.True(t, accounts[0].Balance.Equal(decimal.NewFromInt(3800)))
	assert.NoError(t, mock.ExpectationsWereMet())
}
