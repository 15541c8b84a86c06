package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/EduOpsSolutions/payrecon/internal/domain"
)

// GatewayEventStatus records what happened to an inbound webhook event.
type GatewayEventStatus string

const (
	// GatewayEventApplied: the event produced a status transition.
	GatewayEventApplied GatewayEventStatus = "applied"
	// GatewayEventSkipped: valid event, no state change (idempotent replay,
	// already-further-along record, or terminal no-op).
	GatewayEventSkipped GatewayEventStatus = "skipped"
	// GatewayEventUnmatched: no payment exists for the external reference;
	// kept as an orphan notification for operator review.
	GatewayEventUnmatched GatewayEventStatus = "unmatched"
)

type GatewayEvent struct {
	ID              uuid.UUID
	ProviderEventID string
	ExternalRef     string
	EventType       string
	Payload         json.RawMessage
	Status          GatewayEventStatus
	PaymentID       *uuid.UUID
	CreatedAt       sql.NullTime
}

type GatewayEventRepository struct {
	db *sql.DB
}

func NewGatewayEventRepository(db *sql.DB) *GatewayEventRepository {
	return &GatewayEventRepository{db: db}
}

// Record inserts the event, relying on the (provider_event_id, external_ref)
// unique constraint for at-least-once dedup. A replay reports
// ErrDuplicateEvent without touching the original row.
func (r *GatewayEventRepository) Record(ctx context.Context, event *GatewayEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO gateway_events (id, provider_event_id, external_ref, event_type, payload, status, payment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		event.ID, event.ProviderEventID, event.ExternalRef, event.EventType,
		event.Payload, event.Status, event.PaymentID,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("Record: %w", domain.ErrDuplicateEvent)
		}
		return fmt.Errorf("Record: %w", err)
	}
	return nil
}

// UpdateStatus finalizes the event's disposition after the engine has run,
// linking the matched payment when there is one.
func (r *GatewayEventRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status GatewayEventStatus, paymentID *uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE gateway_events SET status = $1, payment_id = $2 WHERE id = $3`, status, paymentID, id,
	)
	if err != nil {
		return fmt.Errorf("UpdateStatus: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateStatus: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("UpdateStatus: %w", domain.ErrNotFound)
	}
	return nil
}

func (r *GatewayEventRepository) ListUnmatched(ctx context.Context, limit int) ([]GatewayEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, provider_event_id, external_ref, event_type, payload, status, payment_id, created_at
		FROM gateway_events WHERE status = $1 ORDER BY created_at LIMIT $2`,
		GatewayEventUnmatched, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListUnmatched: %w", err)
	}
	defer rows.Close()

	var events []GatewayEvent
	for rows.Next() {
		var e GatewayEvent
		if err := rows.Scan(&e.ID, &e.ProviderEventID, &e.ExternalRef, &e.EventType, &e.Payload, &e.Status, &e.PaymentID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListUnmatched: scan: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListUnmatched: rows: %w", err)
	}
	return events, nil
}
