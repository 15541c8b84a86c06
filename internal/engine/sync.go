package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/EduOpsSolutions/payrecon/internal/domain"
)

// SyncOne refreshes a single payment's status from the gateway and feeds the
// result through Apply as a poll-sync event. A confirming no-op still
// advances the record's last-synced time.
func (e *Engine) SyncOne(ctx context.Context, id uuid.UUID) (*domain.Payment, bool, error) {
	p, err := e.payments.GetByID(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("SyncOne: %w", err)
	}
	return e.syncPayment(ctx, p)
}

func (e *Engine) syncPayment(ctx context.Context, p *domain.Payment) (*domain.Payment, bool, error) {
	if p.IsManual {
		return nil, false, fmt.Errorf("syncPayment: %w", domain.ErrManualPayment)
	}
	if p.ExternalRef == nil {
		return nil, false, fmt.Errorf("syncPayment: payment has no external reference: %w", domain.ErrInvalidRequest)
	}

	remote, err := e.gateway.FetchStatus(ctx, *p.ExternalRef)
	if err != nil {
		return nil, false, fmt.Errorf("syncPayment: %w", err)
	}

	return e.Apply(ctx, p, Event{
		Source:      domain.SourcePollSync,
		Status:      remote,
		ExternalRef: *p.ExternalRef,
	})
}
