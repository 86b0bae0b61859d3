// Package handler содержит HTTP-обработчики административного API
// системы лояльности.
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/ledger"
	"github.com/mmeshcher/loyalty-system/internal/middleware"
	"github.com/mmeshcher/loyalty-system/internal/model"
	"github.com/mmeshcher/loyalty-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	AddIndividualPoints(ctx context.Context, req service.IndividualGrantRequest) (*service.GrantResult, error)
	AddBulkPoints(ctx context.Context, rows []service.BulkGrantRow, originApp string) (*service.BulkGrantResult, error)
	ReducePoints(ctx context.Context, req service.ReduceRequest) (*service.ReduceResult, error)
	RunProcessing(ctx context.Context, now time.Time) (*service.ProcessingReport, error)
	CustomerBalance(ctx context.Context, customerID int64, asOf time.Time) (*model.Balance, error)
	CustomerTransactions(ctx context.Context, customerID int64) ([]model.Transaction, error)
	SetPriorityProtection(ctx context.Context, customerID, tierID int64, reason, createdBy string) error
	RemovePriorityProtection(ctx context.Context, customerID int64) error
}

// Handler реализует HTTP-обработчики административного API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	adminSecret    string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, adminSecret string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		adminSecret:    adminSecret,
	}
}

type sessionRequest struct {
	Operator string `json:"operator"`
	Secret   string `json:"secret"`
}

// CreateSession выдаёт оператору подписанный cookie по общему секрету.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Operator == "" || req.Secret == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.adminSecret)) != 1 {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	h.authMiddleware.SetAuthCookie(w, req.Operator)
	w.WriteHeader(http.StatusOK)
}

type individualGrantRequest struct {
	CustomerID   int64  `json:"customer_id,omitempty"`
	CardNumber   string `json:"card_number,omitempty"`
	CriteriaCode string `json:"criteria_code"`
	OriginApp    string `json:"origin_app,omitempty"`
	Note         string `json:"note,omitempty"`
}

// AddIndividualPoints начисляет баллы одному клиенту.
func (h *Handler) AddIndividualPoints(w http.ResponseWriter, r *http.Request) {
	var req individualGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.AddIndividualPoints(r.Context(), service.IndividualGrantRequest{
		CustomerID:   req.CustomerID,
		CardNumber:   req.CardNumber,
		CriteriaCode: req.CriteriaCode,
		OriginApp:    req.OriginApp,
		Note:         req.Note,
	})
	if err != nil {
		h.writeError(w, err, "add individual points")
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

type bulkGrantRequest struct {
	OriginApp string                 `json:"origin_app,omitempty"`
	Rows      []service.BulkGrantRow `json:"rows"`
}

// AddBulkPoints выполняет пакетное начисление баллов.
func (h *Handler) AddBulkPoints(w http.ResponseWriter, r *http.Request) {
	var req bulkGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.AddBulkPoints(r.Context(), req.Rows, req.OriginApp)
	if err != nil {
		h.writeError(w, err, "add bulk points")
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

type reduceRequest struct {
	CustomerID int64  `json:"customer_id"`
	Amount     int64  `json:"amount"`
	OriginApp  string `json:"origin_app,omitempty"`
	Note       string `json:"note,omitempty"`
}

// ReducePoints списывает баллы клиента.
func (h *Handler) ReducePoints(w http.ResponseWriter, r *http.Request) {
	var req reduceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.ReducePoints(r.Context(), service.ReduceRequest{
		CustomerID: req.CustomerID,
		Amount:     req.Amount,
		OriginApp:  req.OriginApp,
		Note:       req.Note,
	})
	if err != nil {
		h.writeError(w, err, "reduce points")
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

type runProcessingRequest struct {
	Now *time.Time `json:"now,omitempty"`
}

// RunProcessing запускает плановую обработку. Момент времени можно
// передать в теле запроса, по умолчанию используется текущий.
func (h *Handler) RunProcessing(w http.ResponseWriter, r *http.Request) {
	var req runProcessingRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	now := time.Now()
	if req.Now != nil {
		now = *req.Now
	}

	report, err := h.service.RunProcessing(r.Context(), now)
	if err != nil {
		h.writeError(w, err, "run processing")
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

// GetBalance возвращает баланс клиента на указанную дату.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	customerID, err := strconv.ParseInt(chi.URLParam(r, "customerID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	asOf := time.Now()
	if v := r.URL.Query().Get("as_of"); v != "" {
		asOf, err = time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	balance, err := h.service.CustomerBalance(r.Context(), customerID, asOf)
	if err != nil {
		h.writeError(w, err, "get balance")
		return
	}

	h.writeJSON(w, http.StatusOK, balance)
}

type transactionResponse struct {
	ID              int64  `json:"id"`
	Type            string `json:"type"`
	Points          int64  `json:"points"`
	Status          string `json:"status"`
	Note            string `json:"note,omitempty"`
	Metadata        any    `json:"metadata,omitempty"`
	TransactionDate string `json:"transaction_date"`
}

// GetTransactions возвращает историю транзакций клиента.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	customerID, err := strconv.ParseInt(chi.URLParam(r, "customerID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	transactions, err := h.service.CustomerTransactions(r.Context(), customerID)
	if err != nil {
		h.writeError(w, err, "get transactions")
		return
	}

	if len(transactions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(transactions))
	for _, t := range transactions {
		item := transactionResponse{
			ID:              t.ID,
			Type:            string(t.Type),
			Points:          t.Points,
			Status:          string(t.Status),
			Note:            t.Note,
			TransactionDate: t.TransactionDate.Format(time.RFC3339),
		}
		if len(t.Metadata) > 0 {
			meta, err := model.DecodeMetadata(t.Type, t.Metadata)
			if err != nil {
				h.logger.Warn("decode transaction metadata", zap.Int64("transaction_id", t.ID), zap.Error(err))
				item.Metadata = t.Metadata
			} else {
				item.Metadata = meta
			}
		}
		resp = append(resp, item)
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type priorityRequest struct {
	CustomerID int64  `json:"customer_id"`
	TierID     int64  `json:"tier_id"`
	Reason     string `json:"reason,omitempty"`
}

// SetPriority создаёт или реактивирует защиту уровня клиента.
func (h *Handler) SetPriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.CustomerID <= 0 || req.TierID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	operator, _ := middleware.GetOperatorFromContext(r.Context())

	err := h.service.SetPriorityProtection(r.Context(), req.CustomerID, req.TierID, req.Reason, operator)
	if err != nil {
		h.writeError(w, err, "set priority")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// RemovePriority деактивирует защиту уровня клиента.
func (h *Handler) RemovePriority(w http.ResponseWriter, r *http.Request) {
	customerID, err := strconv.ParseInt(chi.URLParam(r, "customerID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RemovePriorityProtection(r.Context(), customerID); err != nil {
		h.writeError(w, err, "remove priority")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type errorResponse struct {
	Error string             `json:"error"`
	Rows  []service.RowError `json:"rows,omitempty"`
}

type insufficientResponse struct {
	Error     string `json:"error"`
	Available int64  `json:"available"`
	Requested int64  `json:"requested"`
}

// writeError отображает доменные ошибки в HTTP-статусы: отклонения
// валидации — 400, отсутствующие сущности — 404, нехватка баллов — 402,
// прочее — 500.
func (h *Handler) writeError(w http.ResponseWriter, err error, op string) {
	var validationErr *service.ValidationError
	if errors.As(err, &validationErr) {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: validationErr.Error()})
		return
	}

	var bulkErr *service.BulkValidationError
	if errors.As(err, &bulkErr) {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: bulkErr.Error(), Rows: bulkErr.Rows})
		return
	}

	var insufficientErr *ledger.InsufficientPointsError
	if errors.As(err, &insufficientErr) {
		h.writeJSON(w, http.StatusPaymentRequired, insufficientResponse{
			Error:     "insufficient points",
			Available: insufficientErr.Available,
			Requested: insufficientErr.Requested,
		})
		return
	}

	if service.IsNotFound(err) {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}

	h.logger.Error(op+" error", zap.Error(err))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}
