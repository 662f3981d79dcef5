package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// GateMetrics are the Privacy Gate counters. A nil *GateMetrics records
// nothing.
type GateMetrics struct {
	runs         metric.Int64Counter
	failures     metric.Int64Counter
	rowsIn       metric.Int64Counter
	rowsOut      metric.Int64Counter
	rowsDropped  metric.Int64Counter
	piiFindings  metric.Int64Counter
	escrowWrites metric.Int64Counter
	duration     metric.Float64Histogram
}

func NewGateMetrics(meter metric.Meter) (*GateMetrics, error) {
	m := &GateMetrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.runs, "irgate.gate.runs", "Completed gate runs", "{run}"},
		{&m.failures, "irgate.gate.failures", "Aborted gate runs", "{run}"},
		{&m.rowsIn, "irgate.gate.rows.in", "Rows received", "{row}"},
		{&m.rowsOut, "irgate.gate.rows.out", "Rows emitted", "{row}"},
		{&m.rowsDropped, "irgate.gate.rows.dropped", "Rows removed by policy", "{row}"},
		{&m.piiFindings, "irgate.gate.pii.findings", "Rows flagged per detector", "{row}"},
		{&m.escrowWrites, "irgate.gate.escrow.writes", "Escrow entries created", "{entry}"},
	}
	for _, c := range counters {
		var err error
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}
	var err error
	m.duration, err = meter.Float64Histogram("irgate.gate.duration",
		metric.WithDescription("Gate run duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func tenantAttr(tenantID string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("tenant_id", tenantID))
}

// RunCompleted records one successful run.
func (m *GateMetrics) RunCompleted(ctx context.Context, tenantID string, in, out, dropped int, seconds float64) {
	if m == nil {
		return
	}
	attrs := tenantAttr(tenantID)
	m.runs.Add(ctx, 1, attrs)
	m.rowsIn.Add(ctx, int64(in), attrs)
	m.rowsOut.Add(ctx, int64(out), attrs)
	m.rowsDropped.Add(ctx, int64(dropped), attrs)
	m.duration.Record(ctx, seconds, attrs)
}

// RunFailed records an aborted run at the given step.
func (m *GateMetrics) RunFailed(ctx context.Context, tenantID, step string) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("step", step),
	))
}

// PIIFindings records rows flagged by one detector.
func (m *GateMetrics) PIIFindings(ctx context.Context, tenantID, detector string, rows int) {
	if m == nil || rows == 0 {
		return
	}
	m.piiFindings.Add(ctx, int64(rows), metric.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("detector", detector),
	))
}

// EscrowWrites records entries created in one run.
func (m *GateMetrics) EscrowWrites(ctx context.Context, tenantID string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.escrowWrites.Add(ctx, int64(n), tenantAttr(tenantID))
}
