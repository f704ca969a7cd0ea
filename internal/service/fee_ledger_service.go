package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-enterprise-core/internal/models"
	appErrors "github.com/noah-isme/sma-enterprise-core/pkg/errors"
)

var academicYearPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)

type ledgerRepository interface {
	EnsureAccount(ctx context.Context, exec sqlx.ExtContext, account *models.LedgerAccount) error
	LockAccount(ctx context.Context, exec sqlx.ExtContext, id string) (*models.LedgerAccount, error)
	FindAccount(ctx context.Context, id string) (*models.LedgerAccount, error)
	UpdateBalance(ctx context.Context, exec sqlx.ExtContext, id string, balance decimal.Decimal, updatedAt time.Time) error
	InsertEntry(ctx context.Context, exec sqlx.ExtContext, entry *models.LedgerEntry) error
	LockEntry(ctx context.Context, exec sqlx.ExtContext, accountID, entryID string) (*models.LedgerEntry, error)
	MarkReversed(ctx context.Context, exec sqlx.ExtContext, entryID, reversalID string, reversedAt time.Time) error
	ListEntries(ctx context.Context, accountID string) ([]models.LedgerEntry, error)
}

type balancePublisher interface {
	Publish(ctx context.Context, balance models.LedgerBalance)
	Lookup(ctx context.Context, accountID string) (*models.LedgerBalance, bool)
}

type ledgerRecorder interface {
	RecordLedgerEntry(entryType models.EntryType, reversal bool)
}

// PostTransactionRequest is the payload for posting a fee ledger entry.
type PostTransactionRequest struct {
	Type          models.EntryType `json:"type" validate:"required,oneof=CREDIT DEBIT"`
	Amount        decimal.Decimal  `json:"amount"`
	StudentID     string           `json:"student_id" validate:"required"`
	AcademicYear  string           `json:"academic_year"`
	FeeCategoryID string           `json:"fee_category_id" validate:"max=64"`
	Description   string           `json:"description" validate:"max=500"`
	ReferenceID   string           `json:"reference_id" validate:"max=128"`
}

// PostTransactionResult is returned after a successful posting.
type PostTransactionResult struct {
	Success       bool            `json:"success"`
	TransactionID string          `json:"transaction_id"`
	NewBalance    decimal.Decimal `json:"new_balance"`
}

// ReverseTransactionRequest is the payload for reversing a posted entry.
type ReverseTransactionRequest struct {
	TransactionID string `json:"transaction_id" validate:"required"`
	StudentID     string `json:"student_id" validate:"required"`
	AcademicYear  string `json:"academic_year"`
	Reason        string `json:"reason" validate:"required,max=500"`
}

// ReverseTransactionResult is returned after a successful reversal.
type ReverseTransactionResult struct {
	Success    bool            `json:"success"`
	ReversalID string          `json:"reversal_id"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// FeeLedgerService posts and reverses fee ledger entries. Every balance change happens in one
// database transaction together with its entry and audit record.
type FeeLedgerService struct {
	repo       ledgerRepository
	tx         txRunner
	audit      auditLogger
	mirror     balancePublisher
	metrics    ledgerRecorder
	startMonth int
	validator  *validator.Validate
	logger     *zap.Logger
	now        func() time.Time
}

// NewFeeLedgerService constructs the ledger service.
func NewFeeLedgerService(
	repo ledgerRepository,
	tx txRunner,
	audit auditLogger,
	mirror balancePublisher,
	metrics ledgerRecorder,
	academicYearStartMonth int,
	validate *validator.Validate,
	logger *zap.Logger,
) *FeeLedgerService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeeLedgerService{
		repo:       repo,
		tx:         tx,
		audit:      audit,
		mirror:     mirror,
		metrics:    metrics,
		startMonth: academicYearStartMonth,
		validator:  validate,
		logger:     logger,
		now:        time.Now,
	}
}

// PostTransaction appends a CREDIT or DEBIT entry and moves the account balance by its signed amount.
func (s *FeeLedgerService) PostTransaction(ctx context.Context, req PostTransactionRequest, actor models.Actor) (*PostTransactionResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid ledger transaction payload")
	}
	if !req.Amount.IsPositive() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "amount must be greater than zero")
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "amount supports at most two decimal places")
	}
	year, err := s.resolveYear(req.AcademicYear)
	if err != nil {
		return nil, err
	}
	accountID := models.LedgerAccountID(req.StudentID, year)

	var (
		result  PostTransactionResult
		balance models.LedgerBalance
	)
	err = s.tx.RunInTx(ctx, func(exec sqlx.ExtContext) error {
		now := s.now().UTC()
		account, err := s.lockOrCreateAccount(ctx, exec, req.StudentID, year, now)
		if err != nil {
			return err
		}

		newBalance := account.Balance.Add(req.Type.Delta(req.Amount))
		entry := &models.LedgerEntry{
			ID:             uuid.NewString(),
			AccountID:      account.ID,
			Type:           req.Type,
			Amount:         req.Amount,
			FeeCategoryID:  req.FeeCategoryID,
			Description:    req.Description,
			ReferenceID:    req.ReferenceID,
			PostedBy:       actor.UserID,
			PostedAt:       now,
			RunningBalance: newBalance,
		}
		if err := s.repo.InsertEntry(ctx, exec, entry); err != nil {
			return err
		}
		if err := s.repo.UpdateBalance(ctx, exec, account.ID, newBalance, now); err != nil {
			return err
		}
		if err := s.audit.Log(ctx, AuditEntry{
			UserID:     actor.UserID,
			UserRole:   actor.Role,
			Action:     models.AuditActionLedgerPost,
			EntityID:   account.ID,
			EntityType: models.EntityTypeLedgerAccount,
			OldValue:   map[string]interface{}{"balance": account.Balance},
			NewValue:   map[string]interface{}{"balance": newBalance, "entry": entry},
		}, exec); err != nil {
			return err
		}

		result = PostTransactionResult{Success: true, TransactionID: entry.ID, NewBalance: newBalance}
		balance = models.LedgerBalance{AccountID: account.ID, StudentID: account.StudentID, AcademicYear: account.AcademicYear, Balance: newBalance, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return nil, normalizeError(err, "failed to post ledger transaction")
	}

	if s.metrics != nil {
		s.metrics.RecordLedgerEntry(req.Type, false)
	}
	s.publish(ctx, balance)
	s.logger.Info("ledger transaction posted",
		zap.String("account_id", accountID),
		zap.String("transaction_id", result.TransactionID),
		zap.String("type", string(req.Type)),
		zap.String("amount", req.Amount.String()),
		zap.String("posted_by", actor.UserID))
	return &result, nil
}

// ReverseTransaction posts the inverse of an earlier entry with the same magnitude and links the two.
// An entry can be reversed once; reversals themselves cannot be reversed.
func (s *FeeLedgerService) ReverseTransaction(ctx context.Context, req ReverseTransactionRequest, actor models.Actor) (*ReverseTransactionResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid ledger reversal payload")
	}
	year, err := s.resolveYear(req.AcademicYear)
	if err != nil {
		return nil, err
	}
	accountID := models.LedgerAccountID(req.StudentID, year)

	var (
		result       ReverseTransactionResult
		balance      models.LedgerBalance
		reversalType models.EntryType
	)
	err = s.tx.RunInTx(ctx, func(exec sqlx.ExtContext) error {
		now := s.now().UTC()
		account, err := s.repo.LockAccount(ctx, exec, accountID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, "ledger account not found")
			}
			return err
		}
		original, err := s.repo.LockEntry(ctx, exec, accountID, req.TransactionID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrNotFound, "ledger transaction not found")
			}
			return err
		}
		if original.IsReversal {
			return appErrors.Clone(appErrors.ErrBusinessRule, fmt.Sprintf("transaction %s is a reversal and cannot be reversed", original.ID))
		}
		if original.Reversed() {
			return appErrors.Clone(appErrors.ErrBusinessRule, fmt.Sprintf("transaction %s was already reversed by %s", original.ID, *original.ReversedByTransactionID))
		}
		previous := *original

		reversalType = original.Type.Inverse()
		newBalance := account.Balance.Add(reversalType.Delta(original.Amount))
		reversesID := original.ID
		reversal := &models.LedgerEntry{
			ID:                    uuid.NewString(),
			AccountID:             account.ID,
			Type:                  reversalType,
			Amount:                original.Amount,
			FeeCategoryID:         original.FeeCategoryID,
			Description:           fmt.Sprintf("Reversal of %s: %s", original.ID, req.Reason),
			ReferenceID:           original.ReferenceID,
			PostedBy:              actor.UserID,
			PostedAt:              now,
			RunningBalance:        newBalance,
			IsReversal:            true,
			ReversesTransactionID: &reversesID,
		}
		if err := s.repo.InsertEntry(ctx, exec, reversal); err != nil {
			return err
		}
		if err := s.repo.MarkReversed(ctx, exec, original.ID, reversal.ID, now); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.Clone(appErrors.ErrBusinessRule, fmt.Sprintf("transaction %s was already reversed", original.ID))
			}
			return err
		}
		reversedBy := reversal.ID
		reversedAt := now
		original.ReversedByTransactionID = &reversedBy
		original.ReversedAt = &reversedAt

		if err := s.repo.UpdateBalance(ctx, exec, account.ID, newBalance, now); err != nil {
			return err
		}
		if err := s.audit.Log(ctx, AuditEntry{
			UserID:     actor.UserID,
			UserRole:   actor.Role,
			Action:     models.AuditActionLedgerReverse,
			EntityID:   account.ID,
			EntityType: models.EntityTypeLedgerAccount,
			OldValue:   map[string]interface{}{"balance": account.Balance, "original": previous},
			NewValue:   map[string]interface{}{"balance": newBalance, "original": original, "reversal": reversal, "reason": req.Reason},
		}, exec); err != nil {
			return err
		}

		result = ReverseTransactionResult{Success: true, ReversalID: reversal.ID, NewBalance: newBalance}
		balance = models.LedgerBalance{AccountID: account.ID, StudentID: account.StudentID, AcademicYear: account.AcademicYear, Balance: newBalance, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return nil, normalizeError(err, "failed to reverse ledger transaction")
	}

	if s.metrics != nil {
		s.metrics.RecordLedgerEntry(reversalType, true)
	}
	s.publish(ctx, balance)
	s.logger.Info("ledger transaction reversed",
		zap.String("account_id", accountID),
		zap.String("transaction_id", req.TransactionID),
		zap.String("reversal_id", result.ReversalID),
		zap.String("reversed_by", actor.UserID))
	return &result, nil
}

// GetAccount returns the current balance, served from the read model when available.
func (s *FeeLedgerService) GetAccount(ctx context.Context, studentID, academicYear string) (*models.LedgerBalance, error) {
	year, err := s.resolveYear(academicYear)
	if err != nil {
		return nil, err
	}
	accountID := models.LedgerAccountID(studentID, year)
	if s.mirror != nil {
		if cached, ok := s.mirror.Lookup(ctx, accountID); ok {
			return cached, nil
		}
	}

	account, err := s.findAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	balance := models.LedgerBalance{
		AccountID:    account.ID,
		StudentID:    account.StudentID,
		AcademicYear: account.AcademicYear,
		Balance:      account.Balance,
		UpdatedAt:    account.UpdatedAt,
	}
	s.publish(ctx, balance)
	balance.Source = "database"
	return &balance, nil
}

// ListEntries returns the entries of an account in the order they were committed.
func (s *FeeLedgerService) ListEntries(ctx context.Context, studentID, academicYear string) ([]models.LedgerEntry, error) {
	year, err := s.resolveYear(academicYear)
	if err != nil {
		return nil, err
	}
	accountID := models.LedgerAccountID(studentID, year)
	if _, err := s.findAccount(ctx, accountID); err != nil {
		return nil, err
	}
	entries, err := s.repo.ListEntries(ctx, accountID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list ledger entries")
	}
	return entries, nil
}

// VerifyBalance recomputes the balance from the entries and compares it with the stored value.
// A reversed entry and its reversal cancel out, so summing every entry's signed amount yields the
// balance of the entries that still stand.
func (s *FeeLedgerService) VerifyBalance(ctx context.Context, studentID, academicYear string) (*models.LedgerReconciliation, error) {
	year, err := s.resolveYear(academicYear)
	if err != nil {
		return nil, err
	}
	accountID := models.LedgerAccountID(studentID, year)
	account, err := s.findAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListEntries(ctx, accountID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list ledger entries")
	}

	computed := SumEntries(entries)
	recon := &models.LedgerReconciliation{
		AccountID:       accountID,
		StoredBalance:   account.Balance,
		ComputedBalance: computed,
		EntryCount:      len(entries),
		Balanced:        computed.Equal(account.Balance),
	}
	if !recon.Balanced {
		s.logger.Error("ledger balance mismatch",
			zap.String("account_id", accountID),
			zap.String("stored", account.Balance.String()),
			zap.String("computed", computed.String()))
	}
	return recon, nil
}

// SumEntries returns the signed sum of the given entries.
func SumEntries(entries []models.LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, entry := range entries {
		total = total.Add(entry.Type.Delta(entry.Amount))
	}
	return total
}

func (s *FeeLedgerService) lockOrCreateAccount(ctx context.Context, exec sqlx.ExtContext, studentID, year string, now time.Time) (*models.LedgerAccount, error) {
	if err := s.repo.EnsureAccount(ctx, exec, &models.LedgerAccount{
		ID:           models.LedgerAccountID(studentID, year),
		StudentID:    studentID,
		AcademicYear: year,
		Balance:      decimal.Zero,
		Status:       models.LedgerAccountStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return nil, err
	}
	account, err := s.repo.LockAccount(ctx, exec, models.LedgerAccountID(studentID, year))
	if err != nil {
		return nil, err
	}
	if account.Status != models.LedgerAccountStatusActive {
		return nil, appErrors.Clone(appErrors.ErrBusinessRule, fmt.Sprintf("ledger account %s is %s", account.ID, account.Status))
	}
	return account, nil
}

func (s *FeeLedgerService) findAccount(ctx context.Context, accountID string) (*models.LedgerAccount, error) {
	account, err := s.repo.FindAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "ledger account not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ledger account")
	}
	return account, nil
}

func (s *FeeLedgerService) resolveYear(year string) (string, error) {
	if year == "" {
		return AcademicYear(s.now(), s.startMonth), nil
	}
	if !academicYearPattern.MatchString(year) {
		return "", appErrors.Clone(appErrors.ErrValidation, "academic_year must look like 2024-25")
	}
	return year, nil
}

func (s *FeeLedgerService) publish(ctx context.Context, balance models.LedgerBalance) {
	if s.mirror == nil || balance.AccountID == "" {
		return
	}
	s.mirror.Publish(ctx, balance)
}

// normalizeError keeps typed errors raised inside a transaction and wraps anything else as internal.
func normalizeError(err error, message string) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}
