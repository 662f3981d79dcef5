package escrow

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/franklinbaldo/egregora-sub010/pkg/audit"
)

// Sweeper physically deletes expired entries on an interval.
type Sweeper struct {
	store    Store
	interval time.Duration
	audit    audit.Logger
	now      func() time.Time
	logger   *slog.Logger
}

// NewSweeper returns a Sweeper. auditLog may be nil.
func NewSweeper(store Store, interval time.Duration, auditLog audit.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		audit:    auditLog,
		now:      time.Now,
		logger:   slog.Default().With("component", "escrow-sweeper"),
	}
}

// SweepOnce deletes everything expired as of now.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if s.audit != nil && n > 0 {
		if err := s.audit.Record(ctx, audit.Event{
			Kind:     audit.KindSweep,
			Actor:    "sweeper",
			Outcome:  audit.OutcomeGranted,
			Metadata: map[string]string{"deleted": strconv.FormatInt(n, 10)},
		}); err != nil {
			return n, err
		}
	}
	s.logger.InfoContext(ctx, "escrow sweep", "deleted", n)
	return n, nil
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.ErrorContext(ctx, "escrow sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
