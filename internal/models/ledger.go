package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryType is the direction of a ledger entry.
type EntryType string

const (
	EntryTypeCredit EntryType = "CREDIT"
	EntryTypeDebit  EntryType = "DEBIT"
)

// Valid returns true when the type is a supported value.
func (t EntryType) Valid() bool {
	return t == EntryTypeCredit || t == EntryTypeDebit
}

// Inverse returns the compensating direction.
func (t EntryType) Inverse() EntryType {
	if t == EntryTypeCredit {
		return EntryTypeDebit
	}
	return EntryTypeCredit
}

// Delta converts a positive magnitude into the signed balance change for this type.
func (t EntryType) Delta(amount decimal.Decimal) decimal.Decimal {
	if t == EntryTypeDebit {
		return amount.Neg()
	}
	return amount
}

// LedgerAccountStatus describes whether an account accepts postings.
type LedgerAccountStatus string

const (
	LedgerAccountStatusActive LedgerAccountStatus = "ACTIVE"
	LedgerAccountStatusClosed LedgerAccountStatus = "CLOSED"
)

// LedgerAccountID derives the account key for a student and academic year.
func LedgerAccountID(studentID, academicYear string) string {
	return studentID + "_" + academicYear
}

// LedgerAccount holds the running fee balance of one student for one academic year.
type LedgerAccount struct {
	ID           string              `db:"id" json:"id"`
	StudentID    string              `db:"student_id" json:"student_id"`
	AcademicYear string              `db:"academic_year" json:"academic_year"`
	Balance      decimal.Decimal     `db:"balance" json:"balance"`
	Status       LedgerAccountStatus `db:"status" json:"status"`
	CreatedAt    time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time           `db:"updated_at" json:"updated_at"`
}

// LedgerEntry is an append-only posting against a ledger account.
type LedgerEntry struct {
	ID                      string          `db:"id" json:"id"`
	AccountID               string          `db:"account_id" json:"account_id"`
	Type                    EntryType       `db:"type" json:"type"`
	Amount                  decimal.Decimal `db:"amount" json:"amount"`
	FeeCategoryID           string          `db:"fee_category_id" json:"fee_category_id"`
	Description             string          `db:"description" json:"description"`
	ReferenceID             string          `db:"reference_id" json:"reference_id"`
	PostedBy                string          `db:"posted_by" json:"posted_by"`
	PostedAt                time.Time       `db:"posted_at" json:"timestamp"`
	RunningBalance          decimal.Decimal `db:"running_balance" json:"running_balance"`
	IsReversal              bool            `db:"is_reversal" json:"is_reversal"`
	ReversesTransactionID   *string         `db:"reverses_transaction_id" json:"reverses_transaction_id,omitempty"`
	ReversedByTransactionID *string         `db:"reversed_by_transaction_id" json:"reversed_by_transaction_id,omitempty"`
	ReversedAt              *time.Time      `db:"reversed_at" json:"reversed_at,omitempty"`
}

// Reversed reports whether a later reversal already references this entry.
func (e LedgerEntry) Reversed() bool {
	return e.ReversedByTransactionID != nil && *e.ReversedByTransactionID != ""
}

// LedgerBalance is the read-model view of an account balance.
type LedgerBalance struct {
	AccountID    string          `json:"account_id"`
	StudentID    string          `json:"student_id"`
	AcademicYear string          `json:"academic_year"`
	Balance      decimal.Decimal `json:"balance"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Source       string          `json:"source,omitempty"`
}

// LedgerReconciliation compares the stored balance with the sum of its entries.
type LedgerReconciliation struct {
	AccountID       string          `json:"account_id"`
	StoredBalance   decimal.Decimal `json:"stored_balance"`
	ComputedBalance decimal.Decimal `json:"computed_balance"`
	EntryCount      int             `json:"entry_count"`
	Balanced        bool            `json:"balanced"`
}
