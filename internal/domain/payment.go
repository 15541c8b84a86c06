package domain

import (
	"time"

	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusPaid       PaymentStatus = "paid"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

type PaymentMethod string

const (
	MethodCard   PaymentMethod = "card"
	MethodGCash  PaymentMethod = "gcash"
	MethodMaya   PaymentMethod = "maya"
	MethodBank   PaymentMethod = "bank"
	MethodManual PaymentMethod = "manual"
)

func (m PaymentMethod) IsValid() bool {
	switch m {
	case MethodCard, MethodGCash, MethodMaya, MethodBank, MethodManual:
		return true
	}
	return false
}

type Currency string

const (
	CurrencyPHP Currency = "PHP"
	CurrencyUSD Currency = "USD"
)

func (c Currency) IsValid() bool {
	return c == CurrencyPHP || c == CurrencyUSD
}

// TransitionSource identifies which delivery path produced a status change.
type TransitionSource string

const (
	SourceLocalAction    TransitionSource = "local-action"
	SourceWebhook        TransitionSource = "webhook"
	SourcePollSync       TransitionSource = "poll-sync"
	SourceManualOverride TransitionSource = "manual-override"
)

type Payment struct {
	ID            uuid.UUID
	ExternalRef   *string
	UserID        uuid.UUID
	Amount        int64
	Currency      Currency
	Method        PaymentMethod
	Status        PaymentStatus
	Description   *string
	FeeAmount     int64
	IsManual      bool
	FailureReason *string
	// Version is the optimistic concurrency token; every committed
	// transition increments it.
	Version      int64
	OrphanedAt   *time.Time
	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (p *Payment) IsOrphaned() bool {
	return p.OrphanedAt != nil
}

// Transition is one entry in a payment's append-only status history.
type Transition struct {
	ID             uuid.UUID
	PaymentID      uuid.UUID
	PreviousStatus PaymentStatus
	NewStatus      PaymentStatus
	Source         TransitionSource
	CreatedAt      time.Time
}
