package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-enterprise-core/internal/middleware"
	"github.com/noah-isme/sma-enterprise-core/internal/models"
	"github.com/noah-isme/sma-enterprise-core/internal/service"
	"github.com/noah-isme/sma-enterprise-core/pkg/export"
	"github.com/noah-isme/sma-enterprise-core/pkg/response"
)

type ledgerService interface {
	PostTransaction(ctx context.Context, req service.PostTransactionRequest, actor models.Actor) (*service.PostTransactionResult, error)
	ReverseTransaction(ctx context.Context, req service.ReverseTransactionRequest, actor models.Actor) (*service.ReverseTransactionResult, error)
	GetAccount(ctx context.Context, studentID, academicYear string) (*models.LedgerBalance, error)
	ListEntries(ctx context.Context, studentID, academicYear string) ([]models.LedgerEntry, error)
	VerifyBalance(ctx context.Context, studentID, academicYear string) (*models.LedgerReconciliation, error)
}

// LedgerHandler exposes fee ledger endpoints.
type LedgerHandler struct {
	ledger   ledgerService
	exporter *export.CSVExporter
}

// NewLedgerHandler constructs LedgerHandler.
func NewLedgerHandler(ledger ledgerService) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, exporter: export.NewCSVExporter()}
}

var statementColumns = []string{
	"transaction_id", "timestamp", "type", "amount", "running_balance",
	"fee_category_id", "description", "reference_id", "posted_by", "reverses_transaction_id", "reversed_by_transaction_id",
}

// reverseTransactionPayload is the body of a reversal; the transaction id comes from the path.
type reverseTransactionPayload struct {
	StudentID    string `json:"student_id"`
	AcademicYear string `json:"academic_year"`
	Reason       string `json:"reason"`
}

// Post godoc
// @Summary Post a fee ledger transaction
// @Tags Ledger
// @Accept json
// @Produce json
// @Param payload body service.PostTransactionRequest true "Transaction payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /ledger/transactions [post]
func (h *LedgerHandler) Post(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req service.PostTransactionRequest
	if !bindJSON(c, &req) {
		return
	}
	result, err := h.ledger.PostTransaction(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// Reverse godoc
// @Summary Reverse a fee ledger transaction
// @Tags Ledger
// @Accept json
// @Produce json
// @Param id path string true "Transaction ID"
// @Param payload body reverseTransactionPayload true "Reversal payload"
// @Success 201 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /ledger/transactions/{id}/reverse [post]
func (h *LedgerHandler) Reverse(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var payload reverseTransactionPayload
	if !bindJSON(c, &payload) {
		return
	}
	result, err := h.ledger.ReverseTransaction(c.Request.Context(), service.ReverseTransactionRequest{
		TransactionID: c.Param("id"),
		StudentID:     payload.StudentID,
		AcademicYear:  payload.AcademicYear,
		Reason:        payload.Reason,
	}, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// Account godoc
// @Summary Get a student's fee balance
// @Tags Ledger
// @Produce json
// @Param studentId path string true "Student ID"
// @Param academicYear query string false "Academic year (YYYY-YY), defaults to the current one"
// @Success 200 {object} response.Envelope
// @Router /ledger/accounts/{studentId} [get]
func (h *LedgerHandler) Account(c *gin.Context) {
	balance, err := h.ledger.GetAccount(c.Request.Context(), c.Param("studentId"), c.Query("academicYear"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetReadSource(c, balance.Source)
	response.JSON(c, http.StatusOK, balance, nil, middleware.ExtractMeta(c))
}

// Entries godoc
// @Summary List ledger entries of an account
// @Tags Ledger
// @Produce json
// @Param studentId path string true "Student ID"
// @Param academicYear query string false "Academic year (YYYY-YY)"
// @Param format query string false "json (default) or csv"
// @Success 200 {object} response.Envelope
// @Router /ledger/accounts/{studentId}/entries [get]
func (h *LedgerHandler) Entries(c *gin.Context) {
	studentID := c.Param("studentId")
	entries, err := h.ledger.ListEntries(c.Request.Context(), studentID, c.Query("academicYear"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if c.Query("format") == "csv" {
		h.writeStatement(c, studentID, entries)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil, map[string]interface{}{"count": len(entries)})
}

func (h *LedgerHandler) writeStatement(c *gin.Context, studentID string, entries []models.LedgerEntry) {
	table := export.Table{Columns: statementColumns}
	for _, entry := range entries {
		if err := table.Append(
			entry.ID,
			entry.PostedAt.UTC().Format(time.RFC3339),
			string(entry.Type),
			entry.Amount.StringFixed(2),
			entry.RunningBalance.StringFixed(2),
			entry.FeeCategoryID,
			entry.Description,
			entry.ReferenceID,
			entry.PostedBy,
			derefString(entry.ReversesTransactionID),
			derefString(entry.ReversedByTransactionID),
		); err != nil {
			response.Error(c, err)
			return
		}
	}
	body, err := h.exporter.Render(table)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("X-Entry-Count", strconv.Itoa(len(entries)))
	response.Attachment(c, "text/csv; charset=utf-8", "statement_"+studentID+".csv", body)
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// Verify godoc
// @Summary Recompute a balance from its entries
// @Tags Ledger
// @Produce json
// @Param studentId path string true "Student ID"
// @Param academicYear query string false "Academic year (YYYY-YY)"
// @Success 200 {object} response.Envelope
// @Router /ledger/accounts/{studentId}/verify [get]
func (h *LedgerHandler) Verify(c *gin.Context) {
	report, err := h.ledger.VerifyBalance(c.Request.Context(), c.Param("studentId"), c.Query("academicYear"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}
