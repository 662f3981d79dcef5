package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome of an audited action.
type Outcome string

const (
	OutcomeGranted  Outcome = "granted"
	OutcomeNotFound Outcome = "not_found"
	OutcomeDenied   Outcome = "denied"
	OutcomeExpired  Outcome = "expired"
	OutcomeLimited  Outcome = "rate_limited"
	OutcomeError    Outcome = "error"
)

// Event is one audited access. Identifier is always an opaque id, never a
// raw author string.
type Event struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	TenantID   string            `json:"tenant_id"`
	Actor      string            `json:"actor"`
	Identifier string            `json:"identifier,omitempty"`
	Outcome    Outcome           `json:"outcome"`
	Reason     string            `json:"reason,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Logger records audit events. Implementations fail closed: a returned error
// means the event was not durably recorded.
type Logger interface {
	Record(ctx context.Context, evt Event) error
}

var ErrNotConfigured = errors.New("audit: logger not configured (fail-closed)")

func stamp(evt Event) Event {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	evt.Timestamp = evt.Timestamp.UTC()
	if evt.TenantID == "" {
		evt.TenantID = "system"
	}
	if evt.Actor == "" {
		evt.Actor = "anonymous"
	}
	return evt
}

// WriterLogger writes events as JSON prefixed with "AUDIT: ".
type WriterLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterLogger writes to w, or os.Stdout when w is nil.
func NewWriterLogger(w io.Writer) *WriterLogger {
	if w == nil {
		w = os.Stdout
	}
	return &WriterLogger{w: w}
}

func (l *WriterLogger) Record(_ context.Context, evt Event) error {
	b, err := json.Marshal(stamp(evt))
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(append([]byte("AUDIT: "), b...), '\n'))
	return err
}

// ChainLogger appends events to a hash chain under subject "tenant:<id>".
type ChainLogger struct {
	chain *Chain
}

func NewChainLogger(c *Chain) *ChainLogger {
	return &ChainLogger{chain: c}
}

func (l *ChainLogger) Record(_ context.Context, evt Event) error {
	if l == nil || l.chain == nil {
		return ErrNotConfigured
	}
	evt = stamp(evt)
	kind := evt.Kind
	if kind == "" {
		kind = KindLookup
	}
	_, err := l.chain.Append(kind, subjectFor(evt.TenantID), string(evt.Outcome), evt)
	return err
}

func subjectFor(tenantID string) string {
	return "tenant:" + tenantID
}

// Multi records to every logger and fails if any of them fails.
func Multi(loggers ...Logger) Logger {
	return multi(loggers)
}

type multi []Logger

func (m multi) Record(ctx context.Context, evt Event) error {
	evt = stamp(evt)
	var errs []error
	for _, l := range m {
		errs = append(errs, l.Record(ctx, evt))
	}
	return errors.Join(errs...)
}
