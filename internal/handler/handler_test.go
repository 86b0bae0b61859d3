package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/ledger"
	"github.com/mmeshcher/loyalty-system/internal/middleware"
	"github.com/mmeshcher/loyalty-system/internal/model"
	"github.com/mmeshcher/loyalty-system/internal/repository"
	"github.com/mmeshcher/loyalty-system/internal/service"
)

type stubService struct {
	grantResp *service.GrantResult
	grantErr  error

	bulkResp *service.BulkGrantResult
	bulkErr  error

	reduceResp *service.ReduceResult
	reduceErr  error

	processingResp *service.ProcessingReport
	processingErr  error
	processingNow  time.Time

	balanceResp *model.Balance
	balanceErr  error

	transactionsResp []model.Transaction
	transactionsErr  error

	setPriorityErr    error
	removePriorityErr error
}

func (s *stubService) AddIndividualPoints(ctx context.Context, req service.IndividualGrantRequest) (*service.GrantResult, error) {
	return s.grantResp, s.grantErr
}

func (s *stubService) AddBulkPoints(ctx context.Context, rows []service.BulkGrantRow, originApp string) (*service.BulkGrantResult, error) {
	return s.bulkResp, s.bulkErr
}

func (s *stubService) ReducePoints(ctx context.Context, req service.ReduceRequest) (*service.ReduceResult, error) {
	return s.reduceResp, s.reduceErr
}

func (s *stubService) RunProcessing(ctx context.Context, now time.Time) (*service.ProcessingReport, error) {
	s.processingNow = now
	return s.processingResp, s.processingErr
}

func (s *stubService) CustomerBalance(ctx context.Context, customerID int64, asOf time.Time) (*model.Balance, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) CustomerTransactions(ctx context.Context, customerID int64) ([]model.Transaction, error) {
	return s.transactionsResp, s.transactionsErr
}

func (s *stubService) SetPriorityProtection(ctx context.Context, customerID, tierID int64, reason, createdBy string) error {
	return s.setPriorityErr
}

func (s *stubService) RemovePriorityProtection(ctx context.Context, customerID int64) error {
	return s.removePriorityErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth, "test-secret")
}

func TestCreateSession_Success(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(sessionRequest{
		Operator: "ops",
		Secret:   "test-secret",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/session", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateSession(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	cookies := res.Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected auth cookie to be set")
	}
}

func TestCreateSession_WrongSecret(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(sessionRequest{
		Operator: "ops",
		Secret:   "wrong",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/session", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateSession(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestAddIndividualPoints_Success(t *testing.T) {
	svc := &stubService{
		grantResp: &service.GrantResult{
			CustomerID:    5,
			TransactionID: 101,
			Points:        50,
			NewBalance:    150,
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(individualGrantRequest{
		CustomerID:   5,
		CriteriaCode: "WELCOME",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/points/individual", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.AddIndividualPoints(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got service.GrantResult
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.NewBalance != 150 {
		t.Errorf("new balance = %d, want 150", got.NewBalance)
	}
}

func TestAddIndividualPoints_ValidationError(t *testing.T) {
	svc := &stubService{
		grantErr: &service.ValidationError{Field: "criteria_code", Message: "criteria code is required"},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(individualGrantRequest{CustomerID: 5})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/points/individual", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.AddIndividualPoints(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestAddIndividualPoints_CustomerNotFound(t *testing.T) {
	svc := &stubService{
		grantErr: repository.ErrCustomerNotFound,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(individualGrantRequest{
		CustomerID:   404,
		CriteriaCode: "WELCOME",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/points/individual", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.AddIndividualPoints(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestAddBulkPoints_RowErrors(t *testing.T) {
	svc := &stubService{
		bulkErr: &service.BulkValidationError{
			Rows: []service.RowError{
				{Row: 2, Field: "card_number", Message: "invalid card number"},
			},
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(bulkGrantRequest{
		Rows: []service.BulkGrantRow{
			{CardNumber: "79927398713", CriteriaCode: "WELCOME"},
			{CardNumber: "123", CriteriaCode: "WELCOME"},
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/points/bulk", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.AddBulkPoints(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	var got errorResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got.Rows) != 1 {
		t.Fatalf("row errors = %d, want 1", len(got.Rows))
	}
	if got.Rows[0].Row != 2 {
		t.Errorf("row = %d, want 2", got.Rows[0].Row)
	}
}

func TestReducePoints_InsufficientPoints(t *testing.T) {
	svc := &stubService{
		reduceErr: &ledger.InsufficientPointsError{Available: 30, Requested: 60},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(reduceRequest{
		CustomerID: 5,
		Amount:     60,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/points/reduce", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ReducePoints(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusPaymentRequired)
	}

	var got insufficientResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Available != 30 || got.Requested != 60 {
		t.Errorf("available/requested = %d/%d, want 30/60", got.Available, got.Requested)
	}
}

func TestRunProcessing_InjectedNow(t *testing.T) {
	svc := &stubService{
		processingResp: &service.ProcessingReport{RunID: "run-1"},
	}
	h := newTestHandler(t, svc)

	now := time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)
	body, _ := json.Marshal(runProcessingRequest{Now: &now})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/processing/run", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.RunProcessing(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if !svc.processingNow.Equal(now) {
		t.Errorf("processing now = %v, want %v", svc.processingNow, now)
	}
}

func TestRunProcessing_EmptyBodyUsesCurrentTime(t *testing.T) {
	svc := &stubService{
		processingResp: &service.ProcessingReport{RunID: "run-2"},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/processing/run", nil)
	rec := httptest.NewRecorder()

	h.RunProcessing(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.processingNow.IsZero() {
		t.Error("expected processing time to default to current time")
	}
}

func TestGetBalance_Success(t *testing.T) {
	svc := &stubService{
		balanceResp: &model.Balance{
			CustomerID: 7,
			Total:      120,
			Aggregated: 120,
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/customers/7/balance", nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, withAuth(t, h, req))

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got model.Balance
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Total != 120 {
		t.Errorf("total = %d, want 120", got.Total)
	}
}

func TestGetBalance_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/admin/customers/7/balance", nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestGetTransactions_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/admin/customers/7/transactions", nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, withAuth(t, h, req))

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestGetTransactions_DecodesMetadata(t *testing.T) {
	meta, err := model.EncodeMetadata(&model.EarnMetadata{OriginApp: "pos-terminal", CriteriaCode: "WELCOME"})
	if err != nil {
		t.Fatalf("encode metadata: %v", err)
	}
	svc := &stubService{
		transactionsResp: []model.Transaction{
			{
				ID:              42,
				Type:            model.TransactionEarn,
				Points:          50,
				Status:          model.TransactionCompleted,
				Metadata:        meta,
				TransactionDate: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			},
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/customers/7/transactions", nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, withAuth(t, h, req))

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var got []struct {
		ID       int64              `json:"id"`
		Type     string             `json:"type"`
		Metadata model.EarnMetadata `json:"metadata"`
	}
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(transactions) = %d, want 1", len(got))
	}
	if got[0].Metadata.CriteriaCode != "WELCOME" {
		t.Errorf("criteria_code = %q, want %q", got[0].Metadata.CriteriaCode, "WELCOME")
	}
	if got[0].Metadata.OriginApp != "pos-terminal" {
		t.Errorf("origin_app = %q, want %q", got[0].Metadata.OriginApp, "pos-terminal")
	}
}

func TestSetPriority_MissingFields(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(priorityRequest{CustomerID: 5})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/priority", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.SetPriority(rec, req)

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestRemovePriority_NotFound(t *testing.T) {
	svc := &stubService{
		removePriorityErr: repository.ErrPriorityNotFound,
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodDelete, "/api/admin/priority/5", nil)
	rec := httptest.NewRecorder()

	h.SetupRouter().ServeHTTP(rec, withAuth(t, h, req))

	res := rec.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

// withAuth выпускает cookie оператора и прикрепляет его к запросу.
func withAuth(t *testing.T, h *Handler, req *http.Request) *http.Request {
	t.Helper()

	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, "ops")

	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}

	return req
}
