// Package gate is the privacy boundary between raw chat records and
// everything downstream.
//
// Gate.Run validates a pre-Gate table, replaces identifiers with opaque ids,
// removes author_raw, annotates PII, applies media and drop policies,
// optionally escrows author hashes, validates the result, and only then
// issues a PrivacyPass. It is the only code that can issue one. Any failure
// returns no table and an invalid pass.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/franklinbaldo/egregora-sub010/pkg/escrow"
	"github.com/franklinbaldo/egregora-sub010/pkg/ir"
	"github.com/franklinbaldo/egregora-sub010/pkg/observability"
	"github.com/franklinbaldo/egregora-sub010/pkg/pii"
	"github.com/franklinbaldo/egregora-sub010/pkg/pseudonym"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MediaPolicyFlag is the pii_flags key set on rows whose media_url fails the
// media lists under MediaFlag.
const MediaPolicyFlag = "media_policy"

var (
	// ErrEscrowUnavailable is returned when a policy enables escrow on a
	// Gate built without a writer.
	ErrEscrowUnavailable = errors.New("gate: escrow enabled by policy but no escrow writer configured")
	// ErrEmptyRunID is returned when Run is called without a run id.
	ErrEmptyRunID = errors.New("gate: run_id is required")
)

// Gate runs the anonymization pipeline. It holds no per-run state and is
// safe for concurrent use across tenants.
type Gate struct {
	detector *pii.Detector
	escrow   *escrow.Writer
	logger   *slog.Logger
	metrics  *observability.GateMetrics
	tracer   trace.Tracer
	now      func() time.Time
	filters  *filterCache
}

// Option configures a Gate.
type Option func(*Gate)

func WithEscrow(w *escrow.Writer) Option {
	return func(g *Gate) { g.escrow = w }
}

func WithDetector(d *pii.Detector) Option {
	return func(g *Gate) { g.detector = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

func WithMetrics(m *observability.GateMetrics) Option {
	return func(g *Gate) { g.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(g *Gate) { g.tracer = t }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func New(opts ...Option) (*Gate, error) {
	filters, err := newFilterCache()
	if err != nil {
		return nil, err
	}
	g := &Gate{
		detector: pii.New(),
		logger:   slog.Default().With("component", "gate"),
		tracer:   otel.Tracer("irgate/gate"),
		now:      time.Now,
		filters:  filters,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// stepError tags a failure with the pipeline step it happened in.
type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string { return e.step + ": " + e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func fail(step string, err error) error {
	return &stepError{step: step, err: err}
}

// Run anonymizes raw under policy. On success the returned table satisfies
// the post-Gate schema and the pass is scoped to policy.TenantID. raw is
// never modified.
func (g *Gate) Run(ctx context.Context, raw *ir.Table, policy Policy, runID string) (*ir.Table, PrivacyPass, error) {
	start := g.now()
	ctx, span := g.tracer.Start(ctx, "gate.Run", trace.WithAttributes(
		attribute.String("tenant_id", policy.TenantID),
		attribute.String("run_id", runID),
		attribute.Int("rows_in", raw.Len()),
	))
	defer span.End()

	out, stats, err := g.run(ctx, raw, policy, runID)
	if err != nil {
		step := "run"
		var se *stepError
		if errors.As(err, &se) {
			step = se.step
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, step)
		g.metrics.RunFailed(ctx, policy.TenantID, step)
		g.logger.WarnContext(ctx, "privacy gate aborted",
			"tenant_id", policy.TenantID, "run_id", runID, "step", step, "error", err)
		return nil, PrivacyPass{}, err
	}

	pass := mint(policy.TenantID, runID, g.now())
	g.metrics.RunCompleted(ctx, policy.TenantID, stats.in, out.Len(), stats.dropped, g.now().Sub(start).Seconds())
	span.SetAttributes(attribute.Int("rows_out", out.Len()), attribute.Int("rows_dropped", stats.dropped))
	g.logger.InfoContext(ctx, "privacy gate run",
		"tenant_id", policy.TenantID,
		"run_id", runID,
		"rows_in", stats.in,
		"rows_out", out.Len(),
		"rows_dropped", stats.dropped,
		"pii_rows", stats.piiRows,
		"escrow_created", stats.escrowed,
	)
	return out, pass, nil
}

type runStats struct {
	in       int
	dropped  int
	piiRows  int
	escrowed int
}

func (g *Gate) run(ctx context.Context, raw *ir.Table, policy Policy, runID string) (*ir.Table, runStats, error) {
	stats := runStats{in: raw.Len()}

	if err := policy.Validate(); err != nil {
		return nil, stats, fail("policy", err)
	}
	if runID == "" {
		return nil, stats, fail("policy", ErrEmptyRunID)
	}
	if policy.EnableReidentificationEscrow && g.escrow == nil {
		return nil, stats, fail("policy", ErrEscrowUnavailable)
	}
	media, err := compileMediaRules(policy.MediaAllowlist, policy.MediaDenylist)
	if err != nil {
		return nil, stats, fail("policy", err)
	}
	drop, err := g.filters.compile(policy.DropWhen)
	if err != nil {
		return nil, stats, fail("policy", err)
	}

	// 1. boundary validation
	if err := ir.Validate(raw, ir.StagePreGate); err != nil {
		return nil, stats, fail("validate_input", err)
	}
	if err := checkTenant(raw, policy.TenantID); err != nil {
		return nil, stats, fail("validate_input", err)
	}

	n := raw.Len()
	t := raw.Clone()

	// 2. opaque ids
	threadIDs, err := pseudonym.ThreadIDs(t.TenantID, t.Source, t.ThreadID)
	if err != nil {
		return nil, stats, fail("pseudonymize", err)
	}
	authorIDs, err := pseudonym.AuthorIDs(t.TenantID, t.Source, t.AuthorRaw)
	if err != nil {
		return nil, stats, fail("pseudonymize", err)
	}
	eventIDs, err := pseudonym.EventIDs(t.Source, threadIDs, t.MsgID)
	if err != nil {
		return nil, stats, fail("pseudonymize", err)
	}
	if err := checkCanonicalKeys(eventIDs); err != nil {
		return nil, stats, fail("validate_input", err)
	}

	var pairs []escrow.Pair
	if policy.EnableReidentificationEscrow {
		pairs = make([]escrow.Pair, n)
		for i := range n {
			pairs[i] = escrow.Pair{AuthorUUID: authorIDs[i], AuthorRaw: t.AuthorRaw[i]}
		}
	}

	// 3. author_raw never leaves, not even copied into attrs
	scrubAttrs(t, authorIDs)
	t.DropColumn(ir.ColAuthorRaw)
	t.ThreadID = threadIDs
	t.AuthorUUID = authorIDs
	t.EventID = eventIDs
	t.AddColumn(ir.ColAuthorUUID)
	t.AddColumn(ir.ColEventID)

	// 4. PII annotation
	keep := make([]bool, n)
	for i := range keep {
		keep[i] = true
	}
	flags := make([]pii.Flags, n)
	if policy.DetectPII {
		flags = g.detectorFor(policy).ScanColumn(t.Text)
		counts := make(map[string]int)
		for i, f := range flags {
			if !f.Any() {
				continue
			}
			stats.piiRows++
			for _, name := range f.Matched() {
				counts[name]++
			}
			if policy.piiAction() == PIIDrop {
				keep[i] = false
			}
		}
		for name, c := range counts {
			g.metrics.PIIFindings(ctx, policy.TenantID, name, c)
		}
	}

	// 5. media lists and drop filter, both evaluated on the original text
	for i := range n {
		row := flags[i].Map()
		if media.active() && !media.allowed(t.MediaURL[i]) {
			if policy.mediaAction() == MediaDrop {
				keep[i] = false
			} else {
				row[MediaPolicyFlag] = "denied"
			}
		}
		t.PIIFlags[i] = row
	}
	if drop != nil {
		for i := range n {
			if !keep[i] {
				continue
			}
			hit, err := drop.eval(flags[i], t.Text[i], t.MediaType[i], t.Source[i])
			if err != nil {
				return nil, stats, fail("drop_when", fmt.Errorf("row %d: %w", i, err))
			}
			if hit {
				keep[i] = false
			}
		}
	}
	if policy.DetectPII && policy.piiAction() == PIIRedact {
		t.Text = g.detectorFor(policy).RedactColumn(t.Text)
	}

	// lineage
	now := g.now().UTC()
	for i := range n {
		if t.CreatedAt[i].IsZero() {
			t.CreatedAt[i] = now
		}
		t.CreatedByRun[i] = runID
	}
	t.AddColumn(ir.ColPIIFlags)
	t.AddColumn(ir.ColCreatedAt)
	t.AddColumn(ir.ColCreatedByRun)

	out := t.Filter(keep)
	stats.dropped = n - out.Len()

	// 7. defensive output validation, before any side effect
	if err := ir.Validate(out, ir.StagePostGate); err != nil {
		return nil, stats, fail("validate_output", err)
	}

	// 6. escrow
	if policy.EnableReidentificationEscrow {
		retention := time.Duration(policy.RetentionDays) * 24 * time.Hour
		created, err := g.escrow.EscrowFor(ctx, policy.TenantID, runID, retention, pairs)
		if err != nil {
			return nil, stats, fail("escrow", err)
		}
		stats.escrowed = created
		g.metrics.EscrowWrites(ctx, policy.TenantID, created)
	}

	return out, stats, nil
}

// detectorFor narrows the configured detector to the policy's detectors
// and span setting.
func (g *Gate) detectorFor(policy Policy) *pii.Detector {
	if len(policy.PIIDetectors) == 0 && policy.RecordSpans == g.detector.Spans() {
		return g.detector
	}
	opts := []pii.Option{pii.WithMatchers(g.detector.Matchers()...), pii.WithSpans(policy.RecordSpans)}
	if len(policy.PIIDetectors) > 0 {
		opts = append(opts, pii.Only(policy.PIIDetectors...))
	}
	return pii.New(opts...)
}

// checkTenant requires every row to belong to the policy tenant.
func checkTenant(t *ir.Table, tenantID string) error {
	var bad []int
	for i, id := range t.TenantID {
		if id != tenantID {
			bad = append(bad, i)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	return &ir.SchemaError{
		Stage:  ir.StagePreGate,
		Column: ir.ColTenantID,
		Rows:   bad,
		Reason: fmt.Sprintf("does not match policy tenant %q", tenantID),
	}
}
