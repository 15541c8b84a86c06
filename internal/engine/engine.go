// Package engine owns the payment state machine. Local actions, webhook
// deliveries and poll-based sync all converge on Apply, so a payment's
// status is governed by a single transition function regardless of which
// path a signal arrived on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/EduOpsSolutions/payrecon/internal/domain"
	"github.com/EduOpsSolutions/payrecon/internal/gateway"
	"github.com/EduOpsSolutions/payrecon/internal/logging"
	"github.com/EduOpsSolutions/payrecon/internal/repository"
)

type paymentStore interface {
	Create(ctx context.Context, p *domain.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetByExternalRef(ctx context.Context, externalRef string) (*domain.Payment, error)
	SetExternalRef(ctx context.Context, id uuid.UUID, externalRef string) error
	AppendTransition(ctx context.Context, params repository.TransitionParams) (*domain.Payment, error)
	TouchSynced(ctx context.Context, id uuid.UUID, at time.Time) error
}

type gatewayClient interface {
	CreateIntent(ctx context.Context, amount int64, currency domain.Currency, method domain.PaymentMethod) (string, error)
	FetchStatus(ctx context.Context, externalRef string) (domain.PaymentStatus, error)
}

// Engine holds no state of its own; every durable effect goes through the
// payment store's atomic AppendTransition.
type Engine struct {
	payments paymentStore
	gateway  gatewayClient
}

func New(payments paymentStore, gw gatewayClient) *Engine {
	return &Engine{payments: payments, gateway: gw}
}

// Event is one status signal about a payment, from any delivery path.
type Event struct {
	Source      domain.TransitionSource
	Status      domain.PaymentStatus
	ExternalRef string
	EventID     string
	Reason      string
}

// Apply evaluates an event against the current record and, when it legally
// moves the record further along the graph, commits the transition
// atomically. It returns the resulting record and whether a transition was
// committed. A version conflict is retried once against a fresh read before
// being surfaced.
func (e *Engine) Apply(ctx context.Context, p *domain.Payment, ev Event) (*domain.Payment, bool, error) {
	updated, applied, err := e.applyOnce(ctx, p, ev)
	if err == nil || !errors.Is(err, domain.ErrConcurrentModification) {
		return updated, applied, err
	}

	fresh, readErr := e.payments.GetByID(ctx, p.ID)
	if readErr != nil {
		return nil, false, fmt.Errorf("Apply: reread after conflict: %w", readErr)
	}
	return e.applyOnce(ctx, fresh, ev)
}

func (e *Engine) applyOnce(ctx context.Context, p *domain.Payment, ev Event) (*domain.Payment, bool, error) {
	log := logging.FromContext(ctx)

	if p.IsManual && ev.Source != domain.SourceLocalAction && ev.Source != domain.SourceManualOverride {
		log.Warn("rejected gateway-sourced event for manual payment",
			"payment_id", p.ID, "source", ev.Source)
		return nil, false, fmt.Errorf("applyOnce: source %s: %w", ev.Source, domain.ErrManualPayment)
	}

	if ev.Source == domain.SourceWebhook {
		if p.ExternalRef == nil || *p.ExternalRef != ev.ExternalRef {
			// Cross-wired delivery or an attack; never mutate the record.
			log.Error("webhook external reference does not match payment",
				"payment_id", p.ID,
				"event_external_ref", ev.ExternalRef,
				"event_id", ev.EventID,
			)
			return nil, false, fmt.Errorf("applyOnce: %w", domain.ErrReferenceMismatch)
		}
	}

	// Gateway-driven events the record has already moved past are no-ops:
	// when poll and webhook race, whichever signal got there first won. A
	// confirming no-op still counts as a sync. Local actions get no such
	// leniency; an operator cancelling a settled payment must hear about it.
	fromGateway := ev.Source == domain.SourceWebhook || ev.Source == domain.SourcePollSync
	if fromGateway && domain.StatusRank(ev.Status) <= domain.StatusRank(p.Status) {
		if err := e.payments.TouchSynced(ctx, p.ID, time.Now().UTC()); err != nil {
			log.Warn("failed to record sync time on no-op event", "payment_id", p.ID, "error", err)
		}
		return p, false, nil
	}

	if !domain.CanTransition(p.Status, ev.Status) {
		log.Error("illegal status transition rejected",
			"payment_id", p.ID,
			"current_status", p.Status,
			"attempted_status", ev.Status,
			"source", ev.Source,
		)
		return nil, false, fmt.Errorf("applyOnce: %s -> %s: %w", p.Status, ev.Status, domain.ErrInvalidTransition)
	}

	params := repository.TransitionParams{
		PaymentID:       p.ID,
		NewStatus:       ev.Status,
		Source:          ev.Source,
		ExpectedVersion: p.Version,
	}
	if ev.Status == domain.PaymentStatusPaid && !p.IsManual {
		fee := gateway.Fee(p.Amount, p.Method)
		params.FeeAmount = &fee
	}
	if ev.Status == domain.PaymentStatusFailed && ev.Reason != "" {
		params.FailureReason = &ev.Reason
	}

	updated, err := e.payments.AppendTransition(ctx, params)
	if err != nil {
		return nil, false, fmt.Errorf("applyOnce: %w", err)
	}

	log.Info("payment transitioned",
		"payment_id", p.ID,
		"from", p.Status,
		"to", ev.Status,
		"source", ev.Source,
	)
	return updated, true, nil
}

// ApplyByExternalRef resolves the record a webhook event targets and applies
// it. Callers must have verified the event's signature already.
func (e *Engine) ApplyByExternalRef(ctx context.Context, ev Event) (*domain.Payment, bool, error) {
	p, err := e.payments.GetByExternalRef(ctx, ev.ExternalRef)
	if err != nil {
		return nil, false, fmt.Errorf("ApplyByExternalRef: %w", err)
	}
	return e.Apply(ctx, p, ev)
}
