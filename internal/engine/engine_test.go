package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EduOpsSolutions/payrecon/internal/domain"
	"github.com/EduOpsSolutions/payrecon/internal/repository"
)

// memStore implements the engine's store interface with the same transition
// semantics as the postgres repository: legality check, version token check,
// atomic history append, orphan label cleared on transition.
type memStore struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*domain.Payment
	history  map[uuid.UUID][]domain.Transition

	// conflictsLeft injects ErrConcurrentModification into the next N
	// AppendTransition calls without changing state.
	conflictsLeft int

	// setRefErr makes SetExternalRef fail without recording the reference.
	setRefErr error
}

func newMemStore() *memStore {
	return &memStore{
		payments: make(map[uuid.UUID]*domain.Payment),
		history:  make(map[uuid.UUID][]domain.Transition),
	}
}

func (m *memStore) Create(_ context.Context, p *domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
	m.history[p.ID] = append(m.history[p.ID], domain.Transition{
		ID:        uuid.New(),
		PaymentID: p.ID,
		NewStatus: p.Status,
		Source:    domain.SourceLocalAction,
		CreatedAt: p.CreatedAt,
	})
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) GetByExternalRef(_ context.Context, ref string) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.ExternalRef != nil && *p.ExternalRef == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) SetExternalRef(_ context.Context, id uuid.UUID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setRefErr != nil {
		return m.setRefErr
	}
	p, ok := m.payments[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.ExternalRef != nil || p.IsManual {
		return domain.ErrExternalRefAssigned
	}
	p.ExternalRef = &ref
	return nil
}

func (m *memStore) AppendTransition(_ context.Context, params repository.TransitionParams) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conflictsLeft > 0 {
		m.conflictsLeft--
		return nil, domain.ErrConcurrentModification
	}

	p, ok := m.payments[params.PaymentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if p.Version != params.ExpectedVersion {
		return nil, fmt.Errorf("version %d != expected %d: %w", p.Version, params.ExpectedVersion, domain.ErrConcurrentModification)
	}
	if !domain.CanTransition(p.Status, params.NewStatus) {
		return nil, fmt.Errorf("%s -> %s: %w", p.Status, params.NewStatus, domain.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	m.history[p.ID] = append(m.history[p.ID], domain.Transition{
		ID:             uuid.New(),
		PaymentID:      p.ID,
		PreviousStatus: p.Status,
		NewStatus:      params.NewStatus,
		Source:         params.Source,
		CreatedAt:      now,
	})

	p.Status = params.NewStatus
	p.Version++
	p.OrphanedAt = nil
	p.UpdatedAt = now
	if params.Source == domain.SourceWebhook || params.Source == domain.SourcePollSync {
		p.LastSyncedAt = &now
	}
	if params.FeeAmount != nil {
		p.FeeAmount = *params.FeeAmount
	}
	if params.FailureReason != nil {
		p.FailureReason = params.FailureReason
	}

	cp := *p
	return &cp, nil
}

func (m *memStore) TouchSynced(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[id]; ok {
		p.LastSyncedAt = &at
	}
	return nil
}

func (m *memStore) ListPending(_ context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Payment
	for _, p := range m.payments {
		if len(out) >= limit {
			break
		}
		if p.IsManual || p.ExternalRef == nil {
			continue
		}
		if p.Status != domain.PaymentStatusPending && p.Status != domain.PaymentStatusProcessing {
			continue
		}
		last := p.CreatedAt
		if p.LastSyncedAt != nil {
			last = *p.LastSyncedAt
		}
		if last.Before(olderThan) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) MarkOrphanedBefore(_ context.Context, cutoff, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var flagged int64
	for _, p := range m.payments {
		if p.OrphanedAt != nil || !p.CreatedAt.Before(cutoff) {
			continue
		}
		if p.Status == domain.PaymentStatusPending || p.Status == domain.PaymentStatusProcessing {
			p.OrphanedAt = &at
			flagged++
		}
	}
	return flagged, nil
}

func (m *memStore) historyLen(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history[id])
}

// stubGateway satisfies the engine's gateway interface.
type stubGateway struct {
	mu        sync.Mutex
	createErr error
	fetchErrs []error
	statuses  map[string]domain.PaymentStatus
	nextRef   int
}

func newStubGateway() *stubGateway {
	return &stubGateway{statuses: make(map[string]domain.PaymentStatus)}
}

func (g *stubGateway) CreateIntent(_ context.Context, _ int64, _ domain.Currency, _ domain.PaymentMethod) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return "", g.createErr
	}
	g.nextRef++
	ref := fmt.Sprintf("pi_%03d", g.nextRef)
	g.statuses[ref] = domain.PaymentStatusPending
	return ref, nil
}

func (g *stubGateway) FetchStatus(_ context.Context, ref string) (domain.PaymentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.fetchErrs) > 0 {
		err := g.fetchErrs[0]
		g.fetchErrs = g.fetchErrs[1:]
		if err != nil {
			return "", err
		}
	}
	s, ok := g.statuses[ref]
	if !ok {
		return "", domain.ErrGatewayRejected
	}
	return s, nil
}

func (g *stubGateway) setStatus(ref string, s domain.PaymentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[ref] = s
}

func setupEngine(t *testing.T) (*Engine, *memStore, *stubGateway) {
	t.Helper()
	store := newMemStore()
	gw := newStubGateway()
	return New(store, gw), store, gw
}

func createTestPayment(t *testing.T, eng *Engine) *domain.Payment {
	t.Helper()
	p, err := eng.Create(context.Background(), CreateRequest{
		UserID:   uuid.New(),
		Amount:   150000,
		Currency: domain.CurrencyPHP,
		Method:   domain.MethodGCash,
	})
	require.NoError(t, err)
	return p
}

func TestCreate(t *testing.T) {
	eng, store, _ := setupEngine(t)

	p := createTestPayment(t, eng)

	assert.Equal(t, domain.PaymentStatusPending, p.Status)
	require.NotNil(t, p.ExternalRef)
	assert.Equal(t, 1, store.historyLen(p.ID))
}

func TestCreate_Validation(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     CreateRequest
		wantErr error
	}{
		{
			name:    "zero amount",
			req:     CreateRequest{UserID: uuid.New(), Amount: 0, Currency: domain.CurrencyPHP, Method: domain.MethodCard},
			wantErr: domain.ErrInvalidAmount,
		},
		{
			name:    "negative amount",
			req:     CreateRequest{UserID: uuid.New(), Amount: -1, Currency: domain.CurrencyPHP, Method: domain.MethodCard},
			wantErr: domain.ErrInvalidAmount,
		},
		{
			name:    "bad currency",
			req:     CreateRequest{UserID: uuid.New(), Amount: 100, Currency: "GBP", Method: domain.MethodCard},
			wantErr: domain.ErrInvalidCurrency,
		},
		{
			name:    "bad method",
			req:     CreateRequest{UserID: uuid.New(), Amount: 100, Currency: domain.CurrencyPHP, Method: "crypto"},
			wantErr: domain.ErrInvalidMethod,
		},
		{
			name:    "manual method not allowed on gateway path",
			req:     CreateRequest{UserID: uuid.New(), Amount: 100, Currency: domain.CurrencyPHP, Method: domain.MethodManual},
			wantErr: domain.ErrInvalidMethod,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Create(ctx, tc.req)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestCreate_GatewayFailureSurfacedAndRecordFailed(t *testing.T) {
	eng, store, gw := setupEngine(t)
	gw.createErr = domain.ErrGatewayUnavailable

	_, err := eng.Create(context.Background(), CreateRequest{
		UserID:   uuid.New(),
		Amount:   5000,
		Currency: domain.CurrencyPHP,
		Method:   domain.MethodCard,
	})
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	// the failed attempt stays auditable
	require.Len(t, store.payments, 1)
	for id := range store.payments {
		p, err := store.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusFailed, p.Status)
		assert.Nil(t, p.ExternalRef)
		require.NotNil(t, p.FailureReason)
	}
}

func TestCreate_ReferencePinFailureRecordFailed(t *testing.T) {
	eng, store, _ := setupEngine(t)
	store.setRefErr = errors.New("connection reset by peer")

	_, err := eng.Create(context.Background(), CreateRequest{
		UserID:   uuid.New(),
		Amount:   5000,
		Currency: domain.CurrencyPHP,
		Method:   domain.MethodCard,
	})
	require.Error(t, err)

	// the intent exists remotely but was never pinned; the record must not
	// linger pending with no reference
	require.Len(t, store.payments, 1)
	for id := range store.payments {
		p, err := store.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusFailed, p.Status)
		assert.Nil(t, p.ExternalRef)
		require.NotNil(t, p.FailureReason)
		assert.Equal(t, 2, store.historyLen(id))
	}
}

func TestApply_WebhookPaid(t *testing.T) {
	eng, store, _ := setupEngine(t)
	ctx := context.Background()

	p := createTestPayment(t, eng)

	updated, applied, err := eng.Apply(ctx, p, Event{
		Source:      domain.SourceWebhook,
		Status:      domain.PaymentStatusPaid,
		ExternalRef: *p.ExternalRef,
		EventID:     "evt_1",
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.PaymentStatusPaid, updated.Status)
	assert.Equal(t, 2, store.historyLen(p.ID))
	// gcash fee: 2.5% of 150000
	assert.Equal(t, int64(3750), updated.FeeAmount)
	assert.NotNil(t, updated.LastSyncedAt)
}

func TestApply_DuplicateEventIsIdempotent(t *testing.T) {
	eng, store, _ := setupEngine(t)
	ctx := context.Background()

	p := createTestPayment(t, eng)
	ev := Event{
		Source:      domain.SourceWebhook,
		Status:      domain.PaymentStatusPaid,
		ExternalRef: *p.ExternalRef,
		EventID:     "evt_dup",
	}

	first, applied, err := eng.Apply(ctx, p, ev)
	require.NoError(t, err)
	require.True(t, applied)

	second, applied, err := eng.Apply(ctx, first, ev)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, 2, store.historyLen(p.ID), "replay must not grow history")
}

func TestApply_ReferenceMismatch(t *testing.T) {
	eng, store, _ := setupEngine(t)
	ctx := context.Background()

	p := createTestPayment(t, eng)

	_, _, err := eng.Apply(ctx, p, Event{
		Source:      domain.SourceWebhook,
		Status:      domain.PaymentStatusPaid,
		ExternalRef: "pi_someone_elses",
		EventID:     "evt_x",
	})
	require.ErrorIs(t, err, domain.ErrReferenceMismatch)

	fresh, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, fresh.Status)
	assert.Equal(t, 1, store.historyLen(p.ID))
}

func TestApply_IllegalTransitionRejected(t *testing.T) {
	eng, store, _ := setupEngine(t)
	ctx := context.Background()

	p := createTestPayment(t, eng)
	cancelled, _, err := eng.Apply(ctx, p, Event{Source: domain.SourceLocalAction, Status: domain.PaymentStatusCancelled})
	require.NoError(t, err)

	// cancelled -> refunded ranks forward but is not an edge
	_, _, err = eng.Apply(ctx, cancelled, Event{
		Source:      domain.SourceWebhook,
		Status:      domain.PaymentStatusRefunded,
		ExternalRef: *p.ExternalRef,
	})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	fresh, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCancelled, fresh.Status)
	assert.Equal(t, 2, store.historyLen(p.ID))
}

func TestApply_TerminalFinality(t *testing.T) {
	eng, store, _ := setupEngine(t)
	ctx := context.Background()

	terminalVia := map[domain.PaymentStatus]Event{
		domain.PaymentStatusFailed:    {Source: domain.SourcePollSync, Status: domain.PaymentStatusFailed},
		domain.PaymentStatusCancelled: {Source: domain.SourceLocalAction, Status: domain.PaymentStatusCancelled},
	}

	for terminal, via := range terminalVia {
		t.Run(string(terminal), func(t *testing.T) {
			p := createTestPayment(t, eng)
			via.ExternalRef = *p.ExternalRef
			settled, _, err := eng.Apply(ctx, p, via)
			require.NoError(t, err)
			lenBefore := store.historyLen(p.ID)

			for _, attempt := range []domain.PaymentStatus{
				domain.PaymentStatusPending,
				domain.PaymentStatusProcessing,
				domain.PaymentStatusPaid,
			} {
				_, applied, _ := eng.Apply(ctx, settled, Event{
					Source:      domain.SourcePollSync,
					Status:      attempt,
					ExternalRef: *p.ExternalRef,
				})
				assert.False(t, applied)
			}

			fresh, err := store.GetByID(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, terminal, fresh.Status)
			assert.Equal(t, lenBefore, store.historyLen(p.ID))
		})
	}
}

func TestApply_PaidAdmitsRefundOnly(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()

	p := createTestPayment(t, eng)
	paid, _, err := eng.Apply(ctx, p, Event{
		Source: domain.SourceWebhook, Status: domain.PaymentStatusPaid, ExternalRef: *p.ExternalRef,
	})
	require.NoError(t, err)

	refunded, applied, err := eng.Apply(ctx, paid, Event{
		Source: domain.SourceWebhook, Status: domain.PaymentStatusRefunded, ExternalRef: *p.ExternalRef,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.PaymentStatusRefunded, refunded.Status)
}

func TestApply_ManualPaymentRejectsGatewaySources(t *testing.T) {
	eng, store, _ := setupEngine(t)
	ctx := context.Background()

	p, err := eng.RecordManual(ctx, CreateRequest{
		UserID:   uuid.New(),
		Amount:   20000,
		Currency: domain.CurrencyPHP,
	})
	require.NoError(t, err)

	for _, source := range []domain.TransitionSource{domain.SourceWebhook, domain.SourcePollSync} {
		_, _, err := eng.Apply(ctx, p, Event{Source: source, Status: domain.PaymentStatusRefunded})
		assert.ErrorIs(t, err, domain.ErrManualPayment, "source %s", source)
	}

	fresh, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, fresh.Status)
}

func TestApply_RaceConvergence(t *testing.T) {
	eng, store, _ := setupEngine(t)
	ctx := context.Background()

	p := createTestPayment(t, eng)

	var wg sync.WaitGroup
	events := []Event{
		{Source: domain.SourceWebhook, Status: domain.PaymentStatusPaid, ExternalRef: *p.ExternalRef, EventID: "evt_w"},
		{Source: domain.SourcePollSync, Status: domain.PaymentStatusPaid, ExternalRef: *p.ExternalRef},
	}
	for _, ev := range events {
		wg.Add(1)
		go func(ev Event) {
			defer wg.Done()
			_, _, err := eng.Apply(ctx, p, ev)
			assert.NoError(t, err)
		}(ev)
	}
	wg.Wait()

	fresh, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, fresh.Status)
	assert.Equal(t, 2, store.historyLen(p.ID), "exactly one paid entry in history")
}

func TestApply_RetriesOnceOnVersionConflict(t *testing.T) {
	eng, store, _ := setupEngine(t)
	ctx := context.Background()

	p := createTestPayment(t, eng)
	store.conflictsLeft = 1

	updated, applied, err := eng.Apply(ctx, p, Event{
		Source:      domain.SourceWebhook,
		Status:      domain.PaymentStatusPaid,
		ExternalRef: *p.ExternalRef,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.PaymentStatusPaid, updated.Status)
}

func TestApply_SurfacesConflictAfterSecondFailure(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()

	p := createTestPayment(t, eng)
	store := eng.payments.(*memStore)
	store.conflictsLeft = 2

	_, _, err := eng.Apply(ctx, p, Event{
		Source:      domain.SourceWebhook,
		Status:      domain.PaymentStatusPaid,
		ExternalRef: *p.ExternalRef,
	})
	require.ErrorIs(t, err, domain.ErrConcurrentModification)
}

func TestRecordManual(t *testing.T) {
	eng, store, _ := setupEngine(t)

	p, err := eng.RecordManual(context.Background(), CreateRequest{
		UserID:      uuid.New(),
		Amount:      50000,
		Currency:    domain.CurrencyPHP,
		Description: "cashier OR #0231",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.PaymentStatusPaid, p.Status)
	assert.True(t, p.IsManual)
	assert.Nil(t, p.ExternalRef)
	assert.Equal(t, int64(0), p.FeeAmount)
	assert.Equal(t, 2, store.historyLen(p.ID))
}

func TestCancel(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()

	p := createTestPayment(t, eng)

	cancelled, err := eng.Cancel(ctx, p.ID, domain.SourceLocalAction)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCancelled, cancelled.Status)
}

func TestCancel_PaidPaymentRejected(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()

	p := createTestPayment(t, eng)
	_, _, err := eng.Apply(ctx, p, Event{
		Source: domain.SourceWebhook, Status: domain.PaymentStatusPaid, ExternalRef: *p.ExternalRef,
	})
	require.NoError(t, err)

	_, err = eng.Cancel(ctx, p.ID, domain.SourceLocalAction)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSyncOne(t *testing.T) {
	eng, store, gw := setupEngine(t)
	ctx := context.Background()

	p := createTestPayment(t, eng)
	gw.setStatus(*p.ExternalRef, domain.PaymentStatusPaid)

	updated, applied, err := eng.SyncOne(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.PaymentStatusPaid, updated.Status)
	assert.Equal(t, 2, store.historyLen(p.ID))
}

func TestSyncOne_NoChangeStillTouchesSyncTime(t *testing.T) {
	eng, store, _ := setupEngine(t)
	ctx := context.Background()

	p := createTestPayment(t, eng)

	_, applied, err := eng.SyncOne(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, applied)

	fresh, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.NotNil(t, fresh.LastSyncedAt)
}

func TestSyncOne_ManualPaymentRejected(t *testing.T) {
	eng, _, _ := setupEngine(t)
	ctx := context.Background()

	p, err := eng.RecordManual(ctx, CreateRequest{
		UserID: uuid.New(), Amount: 1000, Currency: domain.CurrencyPHP,
	})
	require.NoError(t, err)

	_, _, err = eng.SyncOne(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrManualPayment)
}

func TestOrphanResolvedByLaterWebhook(t *testing.T) {
	eng, store, _ := setupEngine(t)
	ctx := context.Background()

	p := createTestPayment(t, eng)
	backdate(store, p.ID, 2*time.Hour)
	_, err := store.MarkOrphanedBefore(ctx, time.Now().UTC().Add(-time.Hour), time.Now().UTC())
	require.NoError(t, err)

	flagged, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.True(t, flagged.IsOrphaned())
	assert.Equal(t, domain.PaymentStatusPending, flagged.Status, "orphan is a label, not a status")

	updated, applied, err := eng.Apply(ctx, flagged, Event{
		Source:      domain.SourceWebhook,
		Status:      domain.PaymentStatusPaid,
		ExternalRef: *p.ExternalRef,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.PaymentStatusPaid, updated.Status)
	assert.False(t, updated.IsOrphaned(), "label cleared by the applied transition")
}
