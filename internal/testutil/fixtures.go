package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/EduOpsSolutions/payrecon/internal/domain"
)

// PaymentFixture lets callers override the defaults SeedPayment writes.
type PaymentFixture struct {
	UserID       uuid.UUID
	ExternalRef  *string
	Amount       int64
	Currency     domain.Currency
	Method       domain.PaymentMethod
	Status       domain.PaymentStatus
	IsManual     bool
	Version      int64
	OrphanedAt   *time.Time
	LastSyncedAt *time.Time
	CreatedAt    time.Time
}

// SeedPayment inserts a payment row plus its creation history entry directly,
// bypassing the engine, so tests can fabricate arbitrary starting states.
func SeedPayment(t *testing.T, db *sql.DB, fx PaymentFixture) *domain.Payment {
	t.Helper()

	now := time.Now().UTC()
	p := &domain.Payment{
		ID:           uuid.New(),
		ExternalRef:  fx.ExternalRef,
		UserID:       fx.UserID,
		Amount:       fx.Amount,
		Currency:     fx.Currency,
		Method:       fx.Method,
		Status:       fx.Status,
		IsManual:     fx.IsManual,
		Version:      fx.Version,
		OrphanedAt:   fx.OrphanedAt,
		LastSyncedAt: fx.LastSyncedAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if p.UserID == uuid.Nil {
		p.UserID = uuid.New()
	}
	if p.Amount == 0 {
		p.Amount = 10_000
	}
	if p.Currency == "" {
		p.Currency = domain.CurrencyPHP
	}
	if p.Method == "" {
		p.Method = domain.MethodGCash
	}
	if p.Status == "" {
		p.Status = domain.PaymentStatusPending
	}
	if !fx.CreatedAt.IsZero() {
		p.CreatedAt = fx.CreatedAt
		p.UpdatedAt = fx.CreatedAt
	}

	_, err := db.Exec(
		`INSERT INTO payments (
			id, external_ref, user_id, amount, currency, method, status,
			description, fee_amount, is_manual, failure_reason, version,
			orphaned_at, last_synced_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, 0, $8, NULL, $9, $10, $11, $12, $13)`,
		p.ID, p.ExternalRef, p.UserID, p.Amount, p.Currency, p.Method, p.Status,
		p.IsManual, p.Version, p.OrphanedAt, p.LastSyncedAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	_, err = db.Exec(
		`INSERT INTO payment_transitions (id, payment_id, previous_status, new_status, source, created_at)
		VALUES ($1, $2, '', $3, $4, $5)`,
		uuid.New(), p.ID, p.Status, domain.SourceLocalAction, p.CreatedAt,
	)
	if err != nil {
		t.Fatalf("seed payment history: %v", err)
	}
	return p
}

func GetPaymentStatus(t *testing.T, db *sql.DB, id uuid.UUID) domain.PaymentStatus {
	t.Helper()

	var status domain.PaymentStatus
	if err := db.QueryRow(`SELECT status FROM payments WHERE id = $1`, id).Scan(&status); err != nil {
		t.Fatalf("get payment status %s: %v", id, err)
	}
	return status
}

func CountTransitions(t *testing.T, db *sql.DB, paymentID uuid.UUID) int {
	t.Helper()

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM payment_transitions WHERE payment_id = $1`, paymentID).Scan(&count); err != nil {
		t.Fatalf("count transitions for payment %s: %v", paymentID, err)
	}
	return count
}

func StrPtr(s string) *string { return &s }
