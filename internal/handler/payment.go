package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/EduOpsSolutions/payrecon/internal/auth"
	"github.com/EduOpsSolutions/payrecon/internal/domain"
	"github.com/EduOpsSolutions/payrecon/internal/engine"
	"github.com/EduOpsSolutions/payrecon/internal/logging"
)

type reconEngine interface {
	Create(ctx context.Context, req engine.CreateRequest) (*domain.Payment, error)
	RecordManual(ctx context.Context, req engine.CreateRequest) (*domain.Payment, error)
	Cancel(ctx context.Context, id uuid.UUID, source domain.TransitionSource) (*domain.Payment, error)
	SyncOne(ctx context.Context, id uuid.UUID) (*domain.Payment, bool, error)
}

type paymentReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Payment, error)
	ListOrphaned(ctx context.Context, limit, offset int) ([]domain.Payment, error)
	GetHistory(ctx context.Context, paymentID uuid.UUID) ([]domain.Transition, error)
}

type syncTrigger interface {
	Trigger()
}

type methodLister interface {
	ListMethods(ctx context.Context) ([]domain.PaymentMethod, error)
}

type PaymentHandler struct {
	engine   reconEngine
	payments paymentReader
	sync     syncTrigger
	methods  methodLister
}

func NewPaymentHandler(eng reconEngine, payments paymentReader, sync syncTrigger, methods methodLister) *PaymentHandler {
	return &PaymentHandler{engine: eng, payments: payments, sync: sync, methods: methods}
}

type createPaymentRequest struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

func (r createPaymentRequest) Validate(allowManual bool) []FieldError {
	var errs []FieldError

	if r.Amount <= 0 {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}

	if r.Currency == "" {
		errs = append(errs, FieldError{Field: "currency", Message: "required"})
	} else if !domain.Currency(r.Currency).IsValid() {
		errs = append(errs, FieldError{Field: "currency", Message: "must be PHP or USD"})
	}

	if !allowManual {
		if r.Method == "" {
			errs = append(errs, FieldError{Field: "method", Message: "required"})
		} else if m := domain.PaymentMethod(r.Method); !m.IsValid() || m == domain.MethodManual {
			errs = append(errs, FieldError{Field: "method", Message: "must be card, gcash, maya, or bank"})
		}
	}

	return errs
}

type transitionDTO struct {
	PreviousStatus string    `json:"previous_status,omitempty"`
	NewStatus      string    `json:"new_status"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"created_at"`
}

type paymentDTO struct {
	ID           uuid.UUID       `json:"id"`
	ExternalRef  *string         `json:"external_ref,omitempty"`
	UserID       uuid.UUID       `json:"user_id"`
	Amount       int64           `json:"amount"`
	Currency     string          `json:"currency"`
	Method       string          `json:"method"`
	Status       string          `json:"status"`
	Description  *string         `json:"description,omitempty"`
	FeeAmount    int64           `json:"fee_amount"`
	IsManual     bool            `json:"is_manual"`
	NeedsReview  bool            `json:"needs_review"`
	LastSyncedAt *time.Time      `json:"last_synced_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	History      []transitionDTO `json:"history,omitempty"`
}

func toPaymentDTO(p *domain.Payment, history []domain.Transition) paymentDTO {
	dto := paymentDTO{
		ID:           p.ID,
		ExternalRef:  p.ExternalRef,
		UserID:       p.UserID,
		Amount:       p.Amount,
		Currency:     string(p.Currency),
		Method:       string(p.Method),
		Status:       string(p.Status),
		Description:  p.Description,
		FeeAmount:    p.FeeAmount,
		IsManual:     p.IsManual,
		NeedsReview:  p.IsOrphaned(),
		LastSyncedAt: p.LastSyncedAt,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
	for _, tr := range history {
		dto.History = append(dto.History, transitionDTO{
			PreviousStatus: string(tr.PreviousStatus),
			NewStatus:      string(tr.NewStatus),
			Source:         string(tr.Source),
			CreatedAt:      tr.CreatedAt,
		})
	}
	return dto
}

func (h *PaymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if fields := req.Validate(false); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	p, err := h.engine.Create(r.Context(), engine.CreateRequest{
		UserID:      userID,
		Amount:      req.Amount,
		Currency:    domain.Currency(req.Currency),
		Method:      domain.PaymentMethod(req.Method),
		Description: req.Description,
	})
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusCreated, toPaymentDTO(p, nil))
}

// RecordManual registers a transaction settled outside the gateway.
// Operator-only; the owning user comes from the request body.
func (h *PaymentHandler) RecordManual(w http.ResponseWriter, r *http.Request) {
	var req struct {
		createPaymentRequest
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	fields := req.Validate(true)
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		fields = append(fields, FieldError{Field: "user_id", Message: "must be a valid UUID"})
	}
	if len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	p, err := h.engine.RecordManual(r.Context(), engine.CreateRequest{
		UserID:      userID,
		Amount:      req.Amount,
		Currency:    domain.Currency(req.Currency),
		Description: req.Description,
	})
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusCreated, toPaymentDTO(p, nil))
}

func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, appErr := h.paymentForCaller(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	history, err := h.payments.GetHistory(r.Context(), p.ID)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to load payment history", "payment_id", p.ID, "error", err)
		RespondAppError(w, ErrInternalError, nil)
		return
	}

	RespondSuccess(w, http.StatusOK, toPaymentDTO(p, history))
}

func (h *PaymentHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	limit, offset := pagination(r)
	payments, err := h.payments.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	dtos := make([]paymentDTO, 0, len(payments))
	for i := range payments {
		dtos = append(dtos, toPaymentDTO(&payments[i], nil))
	}
	RespondSuccess(w, http.StatusOK, dtos)
}

func (h *PaymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	p, appErr := h.paymentForCaller(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	source := domain.SourceLocalAction
	if auth.IsOperator(r.Context()) {
		source = domain.SourceManualOverride
	}

	cancelled, err := h.engine.Cancel(r.Context(), p.ID, source)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toPaymentDTO(cancelled, nil))
}

// ForceSync refreshes one payment from the gateway on operator demand.
func (h *PaymentHandler) ForceSync(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	p, applied, err := h.engine.SyncOne(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, map[string]any{
		"applied": applied,
		"payment": toPaymentDTO(p, nil),
	})
}

// TriggerSync queues a bulk sync run; the scheduler picks it up immediately.
func (h *PaymentHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.sync.Trigger()
	RespondSuccess(w, http.StatusAccepted, map[string]string{"status": "sync_queued"})
}

func (h *PaymentHandler) ListOrphaned(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	payments, err := h.payments.ListOrphaned(r.Context(), limit, offset)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	dtos := make([]paymentDTO, 0, len(payments))
	for i := range payments {
		dtos = append(dtos, toPaymentDTO(&payments[i], nil))
	}
	RespondSuccess(w, http.StatusOK, dtos)
}

func (h *PaymentHandler) ListMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := h.methods.ListMethods(r.Context())
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, methods)
}

// paymentForCaller loads the payment in the path and enforces ownership:
// regular users only see their own payments, operators see everything.
func (h *PaymentHandler) paymentForCaller(r *http.Request) (*domain.Payment, *AppError) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return nil, ErrMissingToken
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return nil, ErrResourceNotFound
	}

	p, err := h.payments.GetByID(r.Context(), id)
	if err != nil {
		return nil, ErrResourceNotFound
	}

	if p.UserID != userID && !auth.IsOperator(r.Context()) {
		return nil, ErrResourceNotFound
	}
	return p, nil
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}
