package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/franklinbaldo/egregora-sub010/pkg/audit"
	"golang.org/x/time/rate"
)

// Service is the restricted read path of the escrow.
type Service struct {
	store  Store
	auth   *Authority
	audit  audit.Logger
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRateLimit sets the per-subject lookup budget.
func WithRateLimit(perSecond float64, burst int) ServiceOption {
	return func(s *Service) {
		s.limit = rate.Limit(perSecond)
		s.burst = burst
	}
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService wires a lookup service. The audit logger is mandatory: lookups
// fail closed when it cannot record.
func NewService(store Store, auth *Authority, auditLog audit.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		auth:     auth,
		audit:    auditLog,
		now:      time.Now,
		logger:   slog.Default().With("component", "escrow"),
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(1),
		burst:    5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) allow(subject string) bool {
	s.mu.Lock()
	l, ok := s.limiters[subject]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[subject] = l
	}
	s.mu.Unlock()
	return l.AllowN(s.now(), 1)
}

// Lookup returns the raw identifier hash for (tenantID, authorUUID), or
// (nil, nil) when no entry exists. Every attempt is audited before Lookup
// returns; if the audit record cannot be written, no result is returned.
func (s *Service) Lookup(ctx context.Context, adminToken, tenantID, authorUUID string) (*RawIdentifierHash, error) {
	evt := audit.Event{
		Kind:       audit.KindLookup,
		TenantID:   tenantID,
		Identifier: authorUUID,
		Timestamp:  s.now(),
	}

	res, outcome, err := s.lookup(ctx, adminToken, tenantID, authorUUID, &evt)
	evt.Outcome = outcome
	if err != nil {
		evt.Reason = err.Error()
	}

	if s.audit == nil {
		return nil, fmt.Errorf("escrow: lookup refused: %w", audit.ErrNotConfigured)
	}
	if aerr := s.audit.Record(ctx, evt); aerr != nil {
		s.logger.ErrorContext(ctx, "escrow lookup audit failed", "tenant_id", tenantID, "error", aerr)
		return nil, fmt.Errorf("escrow: lookup refused, audit unavailable: %w", aerr)
	}

	s.logger.InfoContext(ctx, "escrow lookup",
		"tenant_id", tenantID, "actor", evt.Actor, "outcome", string(outcome))
	return res, err
}

func (s *Service) lookup(ctx context.Context, token, tenantID, authorUUID string, evt *audit.Event) (*RawIdentifierHash, audit.Outcome, error) {
	if s.auth == nil {
		return nil, audit.OutcomeDenied, fmt.Errorf("%w: no admin authority configured", ErrAccessDenied)
	}
	claims, err := s.auth.Verify(token)
	if err != nil {
		return nil, audit.OutcomeDenied, err
	}
	evt.Actor = claims.Subject

	if !claims.Allows(ScopeLookup, tenantID) {
		return nil, audit.OutcomeDenied, fmt.Errorf("%w: token does not grant %s on tenant %s", ErrAccessDenied, ScopeLookup, tenantID)
	}
	if !s.allow(claims.Subject) {
		return nil, audit.OutcomeLimited, ErrRateLimited
	}

	e, err := s.store.Get(ctx, tenantID, authorUUID)
	if err != nil {
		return nil, audit.OutcomeError, err
	}
	if e == nil {
		return nil, audit.OutcomeNotFound, nil
	}
	if e.Expired(s.now()) {
		return nil, audit.OutcomeExpired, ErrExpired
	}
	return e.result(), audit.OutcomeGranted, nil
}

// IsDenied reports whether err is an access-control refusal (denied,
// expired or rate limited) rather than an infrastructure failure.
func IsDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrExpired) || errors.Is(err, ErrRateLimited)
}
