package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/EduOpsSolutions/payrecon/internal/domain"
)

const paymentColumns = `id, external_ref, user_id, amount, currency, method, status,
	description, fee_amount, is_manual, failure_reason, version,
	orphaned_at, last_synced_at, created_at, updated_at`

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Create persists a new payment together with its creation history entry in
// one transaction, so history length is at least one from the first commit.
func (r *PaymentRepository) Create(ctx context.Context, p *domain.Payment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Create: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payments (
			id, external_ref, user_id, amount, currency, method, status,
			description, fee_amount, is_manual, failure_reason, version,
			orphaned_at, last_synced_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		p.ID, p.ExternalRef, p.UserID, p.Amount, p.Currency, p.Method, p.Status,
		p.Description, p.FeeAmount, p.IsManual, p.FailureReason, p.Version,
		p.OrphanedAt, p.LastSyncedAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payment_transitions (id, payment_id, previous_status, new_status, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), p.ID, "", p.Status, domain.SourceLocalAction, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Create: commit: %w", err)
	}
	return nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id,
	)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return p, nil
}

func (r *PaymentRepository) GetByExternalRef(ctx context.Context, externalRef string) (*domain.Payment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE external_ref = $1`, externalRef,
	)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByExternalRef: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByExternalRef: %w", err)
	}
	return p, nil
}

func (r *PaymentRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByUser: %w", err)
	}
	return collectPayments(rows, "ListByUser")
}

// ListPending selects gateway-backed payments still awaiting confirmation
// whose last confirmed signal is older than the cutoff. Manual payments are
// settled locally and never sync.
func (r *PaymentRepository) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		WHERE status IN ($1, $2)
		  AND is_manual = FALSE
		  AND external_ref IS NOT NULL
		  AND COALESCE(last_synced_at, created_at) < $3
		ORDER BY created_at
		LIMIT $4`,
		domain.PaymentStatusPending, domain.PaymentStatusProcessing, olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListPending: %w", err)
	}
	return collectPayments(rows, "ListPending")
}

func (r *PaymentRepository) ListOrphaned(ctx context.Context, limit, offset int) ([]domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		WHERE orphaned_at IS NOT NULL ORDER BY orphaned_at LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("ListOrphaned: %w", err)
	}
	return collectPayments(rows, "ListOrphaned")
}

// SetExternalRef pins the gateway reference. It succeeds at most once per
// payment; a second call reports ErrExternalRefAssigned.
func (r *PaymentRepository) SetExternalRef(ctx context.Context, id uuid.UUID, externalRef string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payments SET external_ref = $1, updated_at = now()
		WHERE id = $2 AND external_ref IS NULL AND is_manual = FALSE`,
		externalRef, id,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("SetExternalRef: %w", domain.ErrExternalRefAssigned)
		}
		return fmt.Errorf("SetExternalRef: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("SetExternalRef: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("SetExternalRef: %w", domain.ErrExternalRefAssigned)
	}
	return nil
}

// MarkOrphanedBefore flags every unresolved payment created before the
// cutoff, without touching status or the version token; a later webhook or
// poll can still resolve a flagged payment. The selection is deliberately
// wider than ListPending's: a record that never received an external
// reference, or a manual record whose settle step errored, must still
// surface for review.
func (r *PaymentRepository) MarkOrphanedBefore(ctx context.Context, cutoff, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payments SET orphaned_at = $1
		WHERE orphaned_at IS NULL AND status IN ($2, $3) AND created_at < $4`,
		at, domain.PaymentStatusPending, domain.PaymentStatusProcessing, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("MarkOrphanedBefore: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("MarkOrphanedBefore: rows affected: %w", err)
	}
	return rows, nil
}

// TouchSynced records a confirming no-op signal from the gateway.
func (r *PaymentRepository) TouchSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE payments SET last_synced_at = $1 WHERE id = $2`, at, id,
	)
	if err != nil {
		return fmt.Errorf("TouchSynced: %w", err)
	}
	return nil
}

type TransitionParams struct {
	PaymentID       uuid.UUID
	NewStatus       domain.PaymentStatus
	Source          domain.TransitionSource
	ExpectedVersion int64
	FeeAmount       *int64
	FailureReason   *string
}

// AppendTransition atomically moves a payment to a new status and appends
// the history entry. The row is locked for the duration, the edge is checked
// against the transition graph, and the caller's version token must match
// the committed one; a mismatch means another writer got there first.
func (r *PaymentRepository) AppendTransition(ctx context.Context, params TransitionParams) (*domain.Payment, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("AppendTransition: begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`,
		params.PaymentID,
	)
	current, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("AppendTransition: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("AppendTransition: %w", err)
	}

	if current.Version != params.ExpectedVersion {
		return nil, fmt.Errorf("AppendTransition: version %d != expected %d: %w",
			current.Version, params.ExpectedVersion, domain.ErrConcurrentModification)
	}

	if !domain.CanTransition(current.Status, params.NewStatus) {
		return nil, fmt.Errorf("AppendTransition: %s -> %s: %w",
			current.Status, params.NewStatus, domain.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	syncedAt := current.LastSyncedAt
	if params.Source == domain.SourceWebhook || params.Source == domain.SourcePollSync {
		syncedAt = &now
	}

	feeAmount := current.FeeAmount
	if params.FeeAmount != nil {
		feeAmount = *params.FeeAmount
	}

	failureReason := current.FailureReason
	if params.FailureReason != nil {
		failureReason = params.FailureReason
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE payments SET status = $1, fee_amount = $2, failure_reason = $3,
			orphaned_at = NULL, last_synced_at = $4, version = version + 1, updated_at = $5
		WHERE id = $6`,
		params.NewStatus, feeAmount, failureReason, syncedAt, now, params.PaymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("AppendTransition: update: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payment_transitions (id, payment_id, previous_status, new_status, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), params.PaymentID, current.Status, params.NewStatus, params.Source, now,
	)
	if err != nil {
		return nil, fmt.Errorf("AppendTransition: history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("AppendTransition: commit: %w", err)
	}

	updated := *current
	updated.Status = params.NewStatus
	updated.FeeAmount = feeAmount
	updated.FailureReason = failureReason
	updated.OrphanedAt = nil
	updated.LastSyncedAt = syncedAt
	updated.Version = current.Version + 1
	updated.UpdatedAt = now
	return &updated, nil
}

func (r *PaymentRepository) GetHistory(ctx context.Context, paymentID uuid.UUID) ([]domain.Transition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, payment_id, previous_status, new_status, source, created_at
		FROM payment_transitions WHERE payment_id = $1 ORDER BY created_at, id`,
		paymentID,
	)
	if err != nil {
		return nil, fmt.Errorf("GetHistory: %w", err)
	}
	defer rows.Close()

	var history []domain.Transition
	for rows.Next() {
		var tr domain.Transition
		if err := rows.Scan(&tr.ID, &tr.PaymentID, &tr.PreviousStatus, &tr.NewStatus, &tr.Source, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("GetHistory: scan: %w", err)
		}
		history = append(history, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetHistory: rows: %w", err)
	}
	return history, nil
}

func collectPayments(rows *sql.Rows, op string) ([]domain.Payment, error) {
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return payments, nil
}

func scanPayment(s scanner) (*domain.Payment, error) {
	var p domain.Payment
	err := s.Scan(
		&p.ID, &p.ExternalRef, &p.UserID, &p.Amount, &p.Currency, &p.Method, &p.Status,
		&p.Description, &p.FeeAmount, &p.IsManual, &p.FailureReason, &p.Version,
		&p.OrphanedAt, &p.LastSyncedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
