package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/wrylyt/wrylyt/internal/metrics"
)

// Sweeper periodically rolls back reservations whose lifetime has elapsed.
// A crashed or hung request must never leave credits locked forever.
type Sweeper struct {
	ledger   *Ledger
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a reservation rollback sweeper.
func NewSweeper(ledger *Ledger, store Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		ledger:   ledger,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in reservation sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep rolls back all expired reservations once. Exported so tests and
// operational tooling can trigger a pass directly.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.store.ListExpiredReservations(ctx, time.Now(), 100)
	if err != nil {
		s.logger.Warn("failed to list expired reservations", "error", err)
		metrics.SweepErrors.Inc()
		return
	}

	for _, res := range expired {
		if err := s.ledger.Rollback(ctx, res.ID); err != nil {
			s.logger.Warn("failed to roll back expired reservation",
				"reservationId", res.ID,
				"error", err,
			)
			continue
		}
		metrics.ReservationsSweptTotal.Inc()
		s.logger.Info("rolled back expired reservation",
			"reservationId", res.ID,
			"accountId", res.AccountID,
			"amount", res.Amount,
			"tool", res.Tool,
		)
	}
}
