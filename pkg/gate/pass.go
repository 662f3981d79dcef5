package gate

import (
	"errors"
	"fmt"
	"time"

	"github.com/franklinbaldo/egregora-sub010/pkg/ir"
	"github.com/franklinbaldo/egregora-sub010/pkg/namespace"
)

// ErrPassNotSerializable is returned by PrivacyPass.MarshalJSON.
var ErrPassNotSerializable = errors.New("gate: PrivacyPass cannot be serialized")

// PrivacyPass proves that a table went through Gate.Run for one tenant.
//
// Its fields are unexported and only this package constructs one, so code
// elsewhere can copy and compare a pass but cannot forge or alter it. The
// zero value is not valid. A pass is a process-local capability and refuses
// to be serialized.
type PrivacyPass struct {
	irVersion        string
	namespaceVersion string
	runID            string
	tenantID         string
	issuedAt         time.Time
	minted           bool
}

func mint(tenantID, runID string, issuedAt time.Time) PrivacyPass {
	return PrivacyPass{
		irVersion:        ir.Version,
		namespaceVersion: namespace.Version,
		runID:            runID,
		tenantID:         tenantID,
		issuedAt:         issuedAt.UTC(),
		minted:           true,
	}
}

func (p PrivacyPass) IRVersion() string        { return p.irVersion }
func (p PrivacyPass) NamespaceVersion() string { return p.namespaceVersion }
func (p PrivacyPass) RunID() string            { return p.runID }
func (p PrivacyPass) TenantID() string         { return p.tenantID }
func (p PrivacyPass) IssuedAt() time.Time      { return p.issuedAt }

// Valid reports whether the pass was issued by a Gate run.
func (p PrivacyPass) Valid() bool {
	return p.minted && p.tenantID != "" && p.runID != ""
}

func (p PrivacyPass) String() string {
	if !p.Valid() {
		return "PrivacyPass{invalid}"
	}
	return fmt.Sprintf("PrivacyPass{tenant=%s run=%s ir=%s ns=%s issued=%s}",
		p.tenantID, p.runID, p.irVersion, p.namespaceVersion, p.issuedAt.Format(time.RFC3339))
}

func (p PrivacyPass) MarshalJSON() ([]byte, error) {
	return nil, ErrPassNotSerializable
}
