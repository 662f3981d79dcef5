// Package capability guards privacy-sensitive operations behind a
// PrivacyPass issued by the Gate.
//
// Checks are pure and synchronous. A rejected call never reaches the
// wrapped function.
package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/franklinbaldo/egregora-sub010/pkg/gate"
	"github.com/franklinbaldo/egregora-sub010/pkg/ir"
	"github.com/franklinbaldo/egregora-sub010/pkg/namespace"
)

// ErrPrivacyViolation is wrapped by every Violation.
var ErrPrivacyViolation = errors.New("privacy violation")

// Violation describes a rejected call. It is never retryable: the same call
// with the same pass fails the same way.
type Violation struct {
	Op         string
	Reason     string
	PassTenant string
	DataTenant string
	err        error
}

func (v *Violation) Error() string {
	msg := fmt.Sprintf("privacy violation in %s: %s", v.Op, v.Reason)
	if v.PassTenant != "" || v.DataTenant != "" {
		msg += fmt.Sprintf(" (pass tenant %q, data tenant %q)", v.PassTenant, v.DataTenant)
	}
	return msg
}

// Unwrap exposes ErrPrivacyViolation and, for version failures,
// namespace.ErrVersionMismatch.
func (v *Violation) Unwrap() []error {
	if v.err != nil {
		return []error{ErrPrivacyViolation, v.err}
	}
	return []error{ErrPrivacyViolation}
}

func (v *Violation) Retryable() bool { return false }

// Check admits op on data owned by dataTenant only if pass was issued by a
// Gate run for that tenant under a compatible namespace registry.
func Check(op string, pass gate.PrivacyPass, dataTenant string) error {
	if !pass.Valid() {
		return &Violation{Op: op, Reason: "missing or invalid PrivacyPass", DataTenant: dataTenant}
	}
	if pass.TenantID() != dataTenant {
		return &Violation{
			Op:         op,
			Reason:     "PrivacyPass tenant does not match data tenant",
			PassTenant: pass.TenantID(),
			DataTenant: dataTenant,
		}
	}
	return checkVersion(op, pass.TenantID(), pass.NamespaceVersion())
}

func checkVersion(op, tenant, version string) error {
	if err := namespace.Compatible(version); err != nil {
		return &Violation{
			Op:         op,
			Reason:     "PrivacyPass namespace version is not compatible with this registry",
			PassTenant: tenant,
			DataTenant: tenant,
			err:        err,
		}
	}
	return nil
}

// CheckAny is Check for untyped call sites. Anything whose dynamic type is
// not exactly gate.PrivacyPass is rejected.
func CheckAny(op string, v any, dataTenant string) error {
	pass, ok := v.(gate.PrivacyPass)
	if !ok {
		return &Violation{
			Op:         op,
			Reason:     fmt.Sprintf("expected gate.PrivacyPass, got %T", v),
			DataTenant: dataTenant,
		}
	}
	return Check(op, pass, dataTenant)
}

// Guarded is an operation that cannot be called without a pass.
type Guarded[In, Out any] func(ctx context.Context, pass gate.PrivacyPass, in In) (Out, error)

// Guard wraps fn so every call is checked against the tenant tenantOf
// extracts from the input. tenantOf may itself return a Violation.
func Guard[In, Out any](op string, tenantOf func(In) (string, error), fn func(context.Context, In) (Out, error)) Guarded[In, Out] {
	return func(ctx context.Context, pass gate.PrivacyPass, in In) (Out, error) {
		var zero Out
		tenant, err := tenantOf(in)
		if err != nil {
			var v *Violation
			if errors.As(err, &v) && v.Op == "" {
				v.Op = op
			}
			return zero, err
		}
		if err := Check(op, pass, tenant); err != nil {
			return zero, err
		}
		return fn(ctx, in)
	}
}

// TableTenant returns the single tenant of t. Empty, nil and mixed-tenant
// tables are violations.
func TableTenant(t *ir.Table) (string, error) {
	if t == nil {
		return "", &Violation{Reason: "nil table"}
	}
	tenants := t.Tenants()
	switch len(tenants) {
	case 1:
		return tenants[0], nil
	case 0:
		return "", &Violation{Reason: "table has no rows to attribute to a tenant"}
	default:
		return "", &Violation{Reason: fmt.Sprintf("table mixes %d tenants", len(tenants))}
	}
}
