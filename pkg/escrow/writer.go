package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Pair is one observed (author_uuid, author_raw) association.
type Pair struct {
	AuthorUUID string
	AuthorRaw  string
}

// Writer turns observed pairs into escrow entries.
type Writer struct {
	store     Store
	hasher    *Hasher
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
	locks     sync.Map // tenant -> *sync.Mutex
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

func WithWriterClock(now func() time.Time) WriterOption {
	return func(w *Writer) { w.now = now }
}

func WithWriterLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

// NewWriter returns a Writer. A zero retention writes entries that never
// expire.
func NewWriter(store Store, hasher *Hasher, retention time.Duration, opts ...WriterOption) *Writer {
	w := &Writer{
		store:     store,
		hasher:    hasher,
		retention: retention,
		now:       time.Now,
		logger:    slog.Default().With("component", "escrow"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Retention returns the configured retention window.
func (w *Writer) Retention() time.Duration { return w.retention }

// Store returns the backing store.
func (w *Writer) Store() Store { return w.store }

// Escrow writes one entry per distinct author_uuid using the writer's
// retention. Re-running with the same pairs creates nothing new. It returns
// the number of entries created.
func (w *Writer) Escrow(ctx context.Context, tenantID, runID string, pairs []Pair) (int, error) {
	if w == nil {
		return 0, fmt.Errorf("escrow: writer not configured")
	}
	return w.EscrowFor(ctx, tenantID, runID, w.retention, pairs)
}

// EscrowFor is Escrow with an explicit retention window.
func (w *Writer) EscrowFor(ctx context.Context, tenantID, runID string, retention time.Duration, pairs []Pair) (int, error) {
	if w == nil || w.store == nil || w.hasher == nil {
		return 0, fmt.Errorf("escrow: writer not configured")
	}
	if !w.store.Atomic() {
		mu, _ := w.locks.LoadOrStore(tenantID, &sync.Mutex{})
		mu.(*sync.Mutex).Lock()
		defer mu.(*sync.Mutex).Unlock()
	}

	distinct := make(map[string]string, len(pairs))
	for _, p := range pairs {
		if _, ok := distinct[p.AuthorUUID]; !ok {
			distinct[p.AuthorUUID] = p.AuthorRaw
		}
	}
	ids := make([]string, 0, len(distinct))
	for id := range distinct {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := w.now().UTC()
	var expires time.Time
	if retention > 0 {
		expires = now.Add(retention)
	}

	created := 0
	for _, id := range ids {
		hash, err := w.hasher.Hash(tenantID, distinct[id])
		if err != nil {
			return created, err
		}
		ok, err := w.store.Upsert(ctx, Entry{
			TenantID:   tenantID,
			AuthorUUID: id,
			RawHash:    hash,
			CreatedAt:  now,
			ExpiresAt:  expires,
			RunID:      runID,
		})
		if err != nil {
			return created, fmt.Errorf("escrow: tenant %s: %w", tenantID, err)
		}
		if ok {
			created++
		}
	}

	w.logger.DebugContext(ctx, "escrow entries written",
		"tenant_id", tenantID, "run_id", runID, "distinct", len(ids), "created", created)
	return created, nil
}
