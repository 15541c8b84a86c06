package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/EduOpsSolutions/payrecon/internal/domain"
)

type schedulerStore interface {
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error)
	MarkOrphanedBefore(ctx context.Context, cutoff, at time.Time) (int64, error)
}

type SchedulerConfig struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	OrphanAfter time.Duration
	Workers     int
	MaxAttempts int
	BatchSize   int
}

// Scheduler periodically selects stale pending/processing payments and asks
// the engine to refresh them from the gateway. Concurrency against the
// gateway is bounded by a fixed worker pool; a run can be cancelled between
// payments, and whatever it didn't visit is re-selected next time.
type Scheduler struct {
	engine   *Engine
	payments schedulerStore
	cfg      SchedulerConfig
	logger   *slog.Logger
	trigger  chan struct{}
}

func NewScheduler(eng *Engine, payments schedulerStore, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Scheduler{
		engine:   eng,
		payments: payments,
		cfg:      cfg,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests an immediate sync run. It never blocks; if a run is
// already queued the request is folded into it.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("sync scheduler started",
		"interval", s.cfg.Interval,
		"stale_after", s.cfg.StaleAfter,
		"orphan_after", s.cfg.OrphanAfter,
		"workers", s.cfg.Workers,
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.trigger:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sync pass. Gateway failures are logged and deferred
// to the next run, never fatal to the scheduler.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := time.Now().UTC()

	stale, err := s.payments.ListPending(ctx, now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to select stale payments", "error", err)
		return
	}

	if len(stale) > 0 {
		s.logger.Info("sync run started", "count", len(stale))

		jobs := make(chan domain.Payment)
		var wg sync.WaitGroup
		for range s.cfg.Workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for p := range jobs {
					s.syncWithRetry(ctx, p)
				}
			}()
		}

	dispatch:
		for _, p := range stale {
			select {
			case <-ctx.Done():
				// In-flight payments finish; the rest wait for the next run.
				break dispatch
			case jobs <- p:
			}
		}
		close(jobs)
		wg.Wait()
	}

	s.flagOrphans(ctx, now)
}

func (s *Scheduler) syncWithRetry(ctx context.Context, p domain.Payment) {
	attempts := 0
	op := func() error {
		attempts++
		_, _, err := s.engine.syncPayment(ctx, &p)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrGatewayUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxAttempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		s.logger.Warn("payment sync deferred to next run",
			"payment_id", p.ID,
			"attempts", attempts,
			"error", err,
		)
	}
}

// flagOrphans labels payments that have gone unconfirmed past the orphan
// threshold. The label surfaces them for operator review; they are never
// auto-cancelled, since the gateway may still complete the transaction.
// It queries the store directly rather than reusing the sync batch, so a
// record the sync selection can't reach (no external reference yet, or a
// manual record stuck pending) is still flagged.
func (s *Scheduler) flagOrphans(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.cfg.OrphanAfter)
	flagged, err := s.payments.MarkOrphanedBefore(ctx, cutoff, now)
	if err != nil {
		s.logger.Error("failed to flag orphaned payments", "error", err)
		return
	}
	if flagged > 0 {
		s.logger.Warn("payments flagged for review", "count", flagged, "cutoff", cutoff)
	}
}
