package gate

import (
	"errors"
	"fmt"
	"slices"

	"github.com/franklinbaldo/egregora-sub010/pkg/pii"
)

// PIIAction is what the Gate does with rows the detector flags.
type PIIAction string

const (
	// PIIFlag only records pii_flags.
	PIIFlag PIIAction = "flag"
	// PIIRedact replaces matches in text with placeholders.
	PIIRedact PIIAction = "redact"
	// PIIDrop removes flagged rows from the output.
	PIIDrop PIIAction = "drop"
)

// MediaAction is what the Gate does with rows whose media_url fails the
// allow/deny lists.
type MediaAction string

const (
	MediaFlag MediaAction = "flag"
	MediaDrop MediaAction = "drop"
)

// ErrInvalidPolicy is returned by Policy.Validate.
var ErrInvalidPolicy = errors.New("gate: invalid policy")

// Policy configures one Gate run.
type Policy struct {
	TenantID string `yaml:"tenant_id" json:"tenant_id"`

	DetectPII    bool      `yaml:"detect_pii" json:"detect_pii"`
	PIIAction    PIIAction `yaml:"pii_action" json:"pii_action"`
	PIIDetectors []string  `yaml:"pii_detectors,omitempty" json:"pii_detectors,omitempty"`
	RecordSpans  bool      `yaml:"record_spans" json:"record_spans"`

	// DropWhen is an optional CEL boolean expression over pii (map of
	// detector name to bool), text, media_type and source. Rows for which
	// it evaluates true are removed.
	DropWhen string `yaml:"drop_when,omitempty" json:"drop_when,omitempty"`

	MediaAllowlist []string    `yaml:"media_allowlist,omitempty" json:"media_allowlist,omitempty"`
	MediaDenylist  []string    `yaml:"media_denylist,omitempty" json:"media_denylist,omitempty"`
	MediaAction    MediaAction `yaml:"media_action" json:"media_action"`

	EnableReidentificationEscrow bool `yaml:"enable_reidentification_escrow" json:"enable_reidentification_escrow"`
	RetentionDays                int  `yaml:"retention_days" json:"retention_days"`
}

// DefaultPolicy flags PII, flags disallowed media and keeps no escrow.
func DefaultPolicy(tenantID string) Policy {
	return Policy{
		TenantID:      tenantID,
		DetectPII:     true,
		PIIAction:     PIIFlag,
		MediaAction:   MediaFlag,
		RetentionDays: 90,
	}
}

// Validate checks enum values and ranges. Empty actions are accepted and
// treated as flag.
func (p Policy) Validate() error {
	if p.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidPolicy)
	}
	switch p.PIIAction {
	case "", PIIFlag, PIIRedact, PIIDrop:
	default:
		return fmt.Errorf("%w: pii_action %q (want flag, redact or drop)", ErrInvalidPolicy, p.PIIAction)
	}
	switch p.MediaAction {
	case "", MediaFlag, MediaDrop:
	default:
		return fmt.Errorf("%w: media_action %q (want flag or drop)", ErrInvalidPolicy, p.MediaAction)
	}
	if p.RetentionDays < 0 {
		return fmt.Errorf("%w: retention_days must not be negative", ErrInvalidPolicy)
	}
	known := pii.New().Names()
	for _, name := range p.PIIDetectors {
		if !slices.Contains(known, name) {
			return fmt.Errorf("%w: unknown pii detector %q", ErrInvalidPolicy, name)
		}
	}
	return nil
}

func (p Policy) piiAction() PIIAction {
	if p.PIIAction == "" {
		return PIIFlag
	}
	return p.PIIAction
}

func (p Policy) mediaAction() MediaAction {
	if p.MediaAction == "" {
		return MediaFlag
	}
	return p.MediaAction
}
