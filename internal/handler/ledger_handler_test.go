package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-enterprise-core/internal/middleware"
	"github.com/noah-isme/sma-enterprise-core/internal/models"
	"github.com/noah-isme/sma-enterprise-core/internal/service"
	appErrors "github.com/noah-isme/sma-enterprise-core/pkg/errors"
)

func newTestContext(method, target, body string, claims *models.JWTClaims) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req, _ := http.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	if claims != nil {
		c.Set(middleware.ContextUserKey, claims)
	}
	return c, w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

var accountantClaims = &models.JWTClaims{UserID: "acct-1", Role: models.RoleAccountant}

type ledgerServiceMock struct {
	postReq    service.PostTransactionRequest
	postActor  models.Actor
	postErr    error
	reverseReq service.ReverseTransactionRequest
	reverseErr error
	balance    *models.LedgerBalance
	entries    []models.LedgerEntry
	year       string
}

func (m *ledgerServiceMock) PostTransaction(ctx context.Context, req service.PostTransactionRequest, actor models.Actor) (*service.PostTransactionResult, error) {
	m.postReq, m.postActor = req, actor
	if m.postErr != nil {
		return nil, m.postErr
	}
	return &service.PostTransactionResult{Success: true, TransactionID: "txn-1", NewBalance: req.Amount}, nil
}

func (m *ledgerServiceMock) ReverseTransaction(ctx context.Context, req service.ReverseTransactionRequest, actor models.Actor) (*service.ReverseTransactionResult, error) {
	m.reverseReq = req
	if m.reverseErr != nil {
		return nil, m.reverseErr
	}
	return &service.ReverseTransactionResult{Success: true, ReversalID: "txn-2", NewBalance: decimal.Zero}, nil
}

func (m *ledgerServiceMock) GetAccount(ctx context.Context, studentID, academicYear string) (*models.LedgerBalance, error) {
	m.year = academicYear
	if m.balance == nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "ledger account not found")
	}
	return m.balance, nil
}

func (m *ledgerServiceMock) ListEntries(ctx context.Context, studentID, academicYear string) ([]models.LedgerEntry, error) {
	return m.entries, nil
}

func (m *ledgerServiceMock) VerifyBalance(ctx context.Context, studentID, academicYear string) (*models.LedgerReconciliation, error) {
	return &models.LedgerReconciliation{AccountID: models.LedgerAccountID(studentID, academicYear), Balanced: true}, nil
}

func TestLedgerHandlerPost(t *testing.T) {
	mock := &ledgerServiceMock{}
	h := NewLedgerHandler(mock)

	c, w := newTestContext(http.MethodPost, "/ledger/transactions", `{"type":"CREDIT","amount":"5000.00","student_id":"STU00001","fee_category_id":"tuition"}`, accountantClaims)
	h.Post(c)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, models.EntryTypeCredit, mock.postReq.Type)
	assert.True(t, decimal.NewFromInt(5000).Equal(mock.postReq.Amount))
	assert.Equal(t, models.Actor{UserID: "acct-1", Role: models.RoleAccountant}, mock.postActor)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "txn-1", data["transaction_id"])
}

func TestLedgerHandlerPostRequiresClaims(t *testing.T) {
	h := NewLedgerHandler(&ledgerServiceMock{})
	c, w := newTestContext(http.MethodPost, "/ledger/transactions", `{}`, nil)
	h.Post(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLedgerHandlerPostMapsBusinessErrors(t *testing.T) {
	mock := &ledgerServiceMock{postErr: appErrors.Clone(appErrors.ErrBusinessRule, "ledger account is closed")}
	h := NewLedgerHandler(mock)

	c, w := newTestContext(http.MethodPost, "/ledger/transactions", `{"type":"DEBIT","amount":10,"student_id":"STU00001"}`, accountantClaims)
	h.Post(c)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	errBody := decodeEnvelope(t, w)["error"].(map[string]interface{})
	assert.Equal(t, "BUSINESS_RULE_VIOLATION", errBody["code"])
}

func TestLedgerHandlerPostInvalidBody(t *testing.T) {
	h := NewLedgerHandler(&ledgerServiceMock{})
	c, w := newTestContext(http.MethodPost, "/ledger/transactions", `{"type":`, accountantClaims)
	h.Post(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLedgerHandlerReverseUsesPathID(t *testing.T) {
	mock := &ledgerServiceMock{}
	h := NewLedgerHandler(mock)

	c, w := newTestContext(http.MethodPost, "/ledger/transactions/txn-1/reverse", `{"student_id":"STU00001","academic_year":"2024-25","reason":"duplicate"}`, accountantClaims)
	c.Params = gin.Params{{Key: "id", Value: "txn-1"}}
	h.Reverse(c)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, service.ReverseTransactionRequest{TransactionID: "txn-1", StudentID: "STU00001", AcademicYear: "2024-25", Reason: "duplicate"}, mock.reverseReq)
}

func TestLedgerHandlerAccountReportsCacheHit(t *testing.T) {
	mock := &ledgerServiceMock{balance: &models.LedgerBalance{AccountID: "STU00001_2024-25", Balance: decimal.NewFromInt(3800), Source: "cache"}}
	h := NewLedgerHandler(mock)

	c, w := newTestContext(http.MethodGet, "/ledger/accounts/STU00001?academicYear=2024-25", "", accountantClaims)
	c.Params = gin.Params{{Key: "studentId", Value: "STU00001"}}
	h.Account(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2024-25", mock.year)
	meta := decodeEnvelope(t, w)["meta"].(map[string]interface{})
	assert.Equal(t, true, meta["cache_hit"])
}

func TestLedgerHandlerAccountNotFound(t *testing.T) {
	h := NewLedgerHandler(&ledgerServiceMock{})
	c, w := newTestContext(http.MethodGet, "/ledger/accounts/STU00009", "", accountantClaims)
	c.Params = gin.Params{{Key: "studentId", Value: "STU00009"}}
	h.Account(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLedgerHandlerEntriesAndVerify(t *testing.T) {
	mock := &ledgerServiceMock{entries: []models.LedgerEntry{{ID: "a"}, {ID: "b"}}}
	h := NewLedgerHandler(mock)

	c, w := newTestContext(http.MethodGet, "/ledger/accounts/STU00001/entries", "", accountantClaims)
	c.Params = gin.Params{{Key: "studentId", Value: "STU00001"}}
	h.Entries(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decodeEnvelope(t, w)["meta"].(map[string]interface{})["count"])

	c, w = newTestContext(http.MethodGet, "/ledger/accounts/STU00001/verify?academicYear=2024-25", "", accountantClaims)
	c.Params = gin.Params{{Key: "studentId", Value: "STU00001"}}
	h.Verify(c)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, true, data["balanced"])
}

func TestLedgerHandlerEntriesAsCSV(t *testing.T) {
	reverses := "tx-1"
	mock := &ledgerServiceMock{entries: []models.LedgerEntry{
		{ID: "tx-1", Type: models.EntryTypeDebit, Amount: decimal.RequireFromString("1200"), RunningBalance: decimal.RequireFromString("1200"), Description: "Tuition, term 1", PostedBy: "acct-1", PostedAt: time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)},
		{ID: "tx-2", Type: models.EntryTypeCredit, Amount: decimal.RequireFromString("1200"), RunningBalance: decimal.Zero, PostedBy: "acct-1", PostedAt: time.Date(2024, 6, 4, 9, 30, 0, 0, time.UTC), IsReversal: true, ReversesTransactionID: &reverses},
	}}
	h := NewLedgerHandler(mock)

	c, w := newTestContext(http.MethodGet, "/ledger/accounts/STU00001/entries?format=csv", "", accountantClaims)
	c.Params = gin.Params{{Key: "studentId", Value: "STU00001"}}
	h.Entries(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "statement_STU00001.csv")
	assert.Equal(t, "2", w.Header().Get("X-Entry-Count"))

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "transaction_id,timestamp,type,amount"))
	assert.Equal(t, `tx-1,2024-06-03T10:00:00Z,DEBIT,1200.00,1200.00,,"Tuition, term 1",,acct-1,,`, lines[1])
	assert.Equal(t, "tx-2,2024-06-04T09:30:00Z,CREDIT,1200.00,0.00,,,,acct-1,tx-1,", lines[2])
}
