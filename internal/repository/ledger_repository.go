package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
)

const (
	ledgerAccountColumns = `id, student_id, academic_year, balance, status, created_at, updated_at`
	ledgerEntryColumns   = `id, account_id, type, amount, fee_category_id, description, reference_id, posted_by, posted_at,
running_balance, is_reversal, reverses_transaction_id, reversed_by_transaction_id, reversed_at`
)

// LedgerRepository persists fee ledger accounts and their append-only entries.
type LedgerRepository struct {
	db *sqlx.DB
}

// NewLedgerRepository constructs a LedgerRepository.
func NewLedgerRepository(db *sqlx.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) exec(exec sqlx.ExtContext) sqlx.ExtContext {
	if exec != nil {
		return exec
	}
	return r.db
}

// EnsureAccount creates the account with a zero balance unless it already exists.
func (r *LedgerRepository) EnsureAccount(ctx context.Context, exec sqlx.ExtContext, account *models.LedgerAccount) error {
	if account == nil {
		return fmt.Errorf("ledger account payload is nil")
	}
	if account.ID == "" {
		account.ID = models.LedgerAccountID(account.StudentID, account.AcademicYear)
	}
	if account.Status == "" {
		account.Status = models.LedgerAccountStatusActive
	}
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = account.CreatedAt
	}
	const query = `INSERT INTO fee_ledger_accounts (` + ledgerAccountColumns + `)
VALUES (:id, :student_id, :academic_year, :balance, :status, :created_at, :updated_at)
ON CONFLICT (id) DO NOTHING`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, account); err != nil {
		return fmt.Errorf("ensure ledger account: %w", err)
	}
	return nil
}

// LockAccount loads the account holding a row lock until the surrounding transaction ends.
func (r *LedgerRepository) LockAccount(ctx context.Context, exec sqlx.ExtContext, id string) (*models.LedgerAccount, error) {
	const query = `SELECT ` + ledgerAccountColumns + ` FROM fee_ledger_accounts WHERE id = $1 FOR UPDATE`
	var account models.LedgerAccount
	if err := sqlx.GetContext(ctx, r.exec(exec), &account, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("lock ledger account: %w", err)
	}
	return &account, nil
}

// FindAccount loads an account without locking.
func (r *LedgerRepository) FindAccount(ctx context.Context, id string) (*models.LedgerAccount, error) {
	const query = `SELECT ` + ledgerAccountColumns + ` FROM fee_ledger_accounts WHERE id = $1`
	var account models.LedgerAccount
	if err := r.db.GetContext(ctx, &account, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find ledger account: %w", err)
	}
	return &account, nil
}

// UpdateBalance writes the new running balance of an account.
func (r *LedgerRepository) UpdateBalance(ctx context.Context, exec sqlx.ExtContext, id string, balance decimal.Decimal, updatedAt time.Time) error {
	const query = `UPDATE fee_ledger_accounts SET balance = $1, updated_at = $2 WHERE id = $3`
	result, err := r.exec(exec).ExecContext(ctx, query, balance, updatedAt, id)
	if err != nil {
		return fmt.Errorf("update ledger balance: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger balance rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// InsertEntry appends an entry to an account.
func (r *LedgerRepository) InsertEntry(ctx context.Context, exec sqlx.ExtContext, entry *models.LedgerEntry) error {
	if entry == nil {
		return fmt.Errorf("ledger entry payload is nil")
	}
	const query = `INSERT INTO fee_ledger_entries (` + ledgerEntryColumns + `)
VALUES (:id, :account_id, :type, :amount, :fee_category_id, :description, :reference_id, :posted_by, :posted_at,
:running_balance, :is_reversal, :reverses_transaction_id, :reversed_by_transaction_id, :reversed_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.exec(exec), query, entry); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// LockEntry loads an entry of the given account holding a row lock.
func (r *LedgerRepository) LockEntry(ctx context.Context, exec sqlx.ExtContext, accountID, entryID string) (*models.LedgerEntry, error) {
	const query = `SELECT ` + ledgerEntryColumns + ` FROM fee_ledger_entries WHERE id = $1 AND account_id = $2 FOR UPDATE`
	var entry models.LedgerEntry
	if err := sqlx.GetContext(ctx, r.exec(exec), &entry, query, entryID, accountID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("lock ledger entry: %w", err)
	}
	return &entry, nil
}

// MarkReversed stamps the original entry with its reversal. It only succeeds once per entry;
// a second attempt affects no rows and returns sql.ErrNoRows.
func (r *LedgerRepository) MarkReversed(ctx context.Context, exec sqlx.ExtContext, entryID, reversalID string, reversedAt time.Time) error {
	const query = `UPDATE fee_ledger_entries SET reversed_by_transaction_id = $1, reversed_at = $2
WHERE id = $3 AND reversed_by_transaction_id IS NULL AND is_reversal = FALSE`
	result, err := r.exec(exec).ExecContext(ctx, query, reversalID, reversedAt, entryID)
	if err != nil {
		return fmt.Errorf("mark ledger entry reversed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger reversal rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListEntries returns the entries of an account in commit order.
func (r *LedgerRepository) ListEntries(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	const query = `SELECT ` + ledgerEntryColumns + ` FROM fee_ledger_entries WHERE account_id = $1 ORDER BY seq ASC`
	var entries []models.LedgerEntry
	if err := r.db.SelectContext(ctx, &entries, query, accountID); err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, nil
}

// ListAccounts returns the accounts of an academic year ordered by student.
func (r *LedgerRepository) ListAccounts(ctx context.Context, academicYear string) ([]models.LedgerAccount, error) {
	const query = `SELECT ` + ledgerAccountColumns + ` FROM fee_ledger_accounts WHERE academic_year = $1 ORDER BY student_id ASC`
	var accounts []models.LedgerAccount
	if err := r.db.SelectContext(ctx, &accounts, query, academicYear); err != nil {
		return nil, fmt.Errorf("list ledger accounts: %w", err)
	}
	return accounts, nil
}
