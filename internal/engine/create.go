package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/EduOpsSolutions/payrecon/internal/domain"
	"github.com/EduOpsSolutions/payrecon/internal/logging"
)

type CreateRequest struct {
	UserID      uuid.UUID
	Amount      int64
	Currency    domain.Currency
	Method      domain.PaymentMethod
	Description string
}

func (r CreateRequest) validate() error {
	if r.Amount <= 0 {
		return fmt.Errorf("validate: %w", domain.ErrInvalidAmount)
	}
	if !r.Currency.IsValid() {
		return fmt.Errorf("validate: %w", domain.ErrInvalidCurrency)
	}
	if !r.Method.IsValid() || r.Method == domain.MethodManual {
		return fmt.Errorf("validate: %w", domain.ErrInvalidMethod)
	}
	return nil
}

// Create persists a pending payment, registers it with the gateway and pins
// the returned reference. The local record is written first so a gateway
// failure leaves an auditable failed attempt; the error is surfaced
// synchronously and a retry is a new payment.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*domain.Payment, error) {
	log := logging.FromContext(ctx)

	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}

	now := time.Now().UTC()
	p := &domain.Payment{
		ID:        uuid.New(),
		UserID:    req.UserID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Method:    req.Method,
		Status:    domain.PaymentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Description != "" {
		p.Description = &req.Description
	}

	if err := e.payments.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}

	externalRef, err := e.gateway.CreateIntent(ctx, req.Amount, req.Currency, req.Method)
	if err != nil {
		e.failCreation(ctx, p, err)
		return nil, fmt.Errorf("Create: intent: %w", err)
	}

	if err := e.payments.SetExternalRef(ctx, p.ID, externalRef); err != nil {
		// The remote intent exists but we could not pin it locally; the
		// reference in this log line is the only link an operator has to it.
		log.Error("failed to pin gateway reference",
			"payment_id", p.ID, "external_ref", externalRef, "error", err)
		e.failCreation(ctx, p, err)
		return nil, fmt.Errorf("Create: %w", err)
	}
	p.ExternalRef = &externalRef

	log.Info("payment created",
		"payment_id", p.ID,
		"external_ref", externalRef,
		"user_id", req.UserID,
		"amount", req.Amount,
		"currency", req.Currency,
		"method", req.Method,
	)
	return p, nil
}

func (e *Engine) failCreation(ctx context.Context, p *domain.Payment, cause error) {
	log := logging.FromContext(ctx)
	reason := cause.Error()

	_, _, err := e.Apply(ctx, p, Event{
		Source: domain.SourceLocalAction,
		Status: domain.PaymentStatusFailed,
		Reason: reason,
	})
	if err != nil {
		log.Error("failed to mark payment failed after gateway error",
			"payment_id", p.ID, "error", err, "gateway_error", cause)
	}
}

// RecordManual stores a transaction settled outside the gateway (cash at
// the cashier, bank deposit slips). It never receives an external reference
// and lands paid immediately via manual-override.
func (e *Engine) RecordManual(ctx context.Context, req CreateRequest) (*domain.Payment, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("RecordManual: %w", domain.ErrInvalidAmount)
	}
	if !req.Currency.IsValid() {
		return nil, fmt.Errorf("RecordManual: %w", domain.ErrInvalidCurrency)
	}

	now := time.Now().UTC()
	p := &domain.Payment{
		ID:        uuid.New(),
		UserID:    req.UserID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Method:    domain.MethodManual,
		Status:    domain.PaymentStatusPending,
		IsManual:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Description != "" {
		p.Description = &req.Description
	}

	if err := e.payments.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("RecordManual: %w", err)
	}

	settled, _, err := e.Apply(ctx, p, Event{
		Source: domain.SourceManualOverride,
		Status: domain.PaymentStatusPaid,
	})
	if err != nil {
		return nil, fmt.Errorf("RecordManual: %w", err)
	}

	logging.FromContext(ctx).Info("manual payment recorded",
		"payment_id", p.ID, "user_id", req.UserID, "amount", req.Amount)
	return settled, nil
}

// Cancel voids a payment that has not settled. Only pending or processing
// records admit the edge; anything else is rejected by the graph.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID, source domain.TransitionSource) (*domain.Payment, error) {
	p, err := e.payments.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}

	cancelled, _, err := e.Apply(ctx, p, Event{
		Source: source,
		Status: domain.PaymentStatusCancelled,
	})
	if err != nil {
		return nil, fmt.Errorf("Cancel: %w", err)
	}
	return cancelled, nil
}
