package ir

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Version is the IR schema version stamped into every PrivacyPass.
const Version = "1.0.0"

// Stage selects which side of the privacy boundary a table belongs to.
type Stage int

const (
	StagePreGate Stage = iota
	StagePostGate
)

func (s Stage) String() string {
	switch s {
	case StagePreGate:
		return "pre-gate"
	case StagePostGate:
		return "post-gate"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Type is the logical type of a column.
type Type string

const (
	TypeString    Type = "string"
	TypeUUID      Type = "uuid"
	TypeTimestamp Type = "timestamp"
	TypeJSON      Type = "json"
)

// Presence says whether a column must, may, or must not appear.
type Presence int

const (
	Optional Presence = iota
	Required
	Forbidden
	// Ignored columns may appear in input but are recomputed downstream.
	Ignored
)

// ColumnSpec describes one column of a stage schema.
type ColumnSpec struct {
	Name     string
	Type     Type
	Presence Presence
}

// Schema is the column contract of one stage.
type Schema struct {
	Stage   Stage
	Columns []ColumnSpec
}

var preGate = Schema{
	Stage: StagePreGate,
	Columns: []ColumnSpec{
		{ColTenantID, TypeString, Required},
		{ColSource, TypeString, Required},
		{ColThreadID, TypeString, Required}, // source-native thread key
		{ColMsgID, TypeString, Required},
		{ColTS, TypeTimestamp, Required},
		{ColAuthorRaw, TypeString, Required},
		{ColText, TypeString, Required},
		{ColMediaURL, TypeString, Optional},
		{ColMediaType, TypeString, Optional},
		{ColAttrs, TypeJSON, Optional},
		{ColCreatedAt, TypeTimestamp, Optional},
		{ColEventID, TypeString, Ignored},
		{ColAuthorUUID, TypeUUID, Ignored},
		{ColPIIFlags, TypeJSON, Ignored},
		{ColCreatedByRun, TypeString, Ignored},
	},
}

var postGate = Schema{
	Stage: StagePostGate,
	Columns: []ColumnSpec{
		{ColEventID, TypeUUID, Required},
		{ColTenantID, TypeString, Required},
		{ColSource, TypeString, Required},
		{ColThreadID, TypeUUID, Required},
		{ColMsgID, TypeString, Required},
		{ColTS, TypeTimestamp, Required},
		{ColAuthorUUID, TypeUUID, Required},
		{ColText, TypeString, Required},
		{ColPIIFlags, TypeJSON, Required},
		{ColCreatedAt, TypeTimestamp, Required},
		{ColCreatedByRun, TypeString, Required},
		{ColMediaURL, TypeString, Optional},
		{ColMediaType, TypeString, Optional},
		{ColAttrs, TypeJSON, Optional},
		{ColAuthorRaw, TypeString, Forbidden},
	},
}

// SchemaFor returns the schema of a stage.
func SchemaFor(stage Stage) Schema {
	if stage == StagePostGate {
		return postGate
	}
	return preGate
}

// Spec returns the column spec by name.
func (s Schema) Spec(name string) (ColumnSpec, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}

// Names returns the names of columns with the given presence.
func (s Schema) Names(p Presence) []string {
	var out []string
	for _, c := range s.Columns {
		if c.Presence == p {
			out = append(out, c.Name)
		}
	}
	return out
}

// ErrSchema is wrapped by every SchemaError.
var ErrSchema = errors.New("ir schema violation")

// SchemaError reports a table that does not match its stage schema.
// The whole batch is rejected; rows are never dropped silently.
type SchemaError struct {
	Stage     Stage
	Missing   []string
	Forbidden []string
	Unknown   []string
	Column    string
	Rows      []int
	Line      int
	Reason    string
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ir %s schema violation", e.Stage)
	if e.Line > 0 {
		fmt.Fprintf(&b, " at line %d", e.Line)
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, "; missing columns: %s", strings.Join(e.Missing, ", "))
	}
	if len(e.Forbidden) > 0 {
		fmt.Fprintf(&b, "; forbidden columns: %s", strings.Join(e.Forbidden, ", "))
	}
	if len(e.Unknown) > 0 {
		fmt.Fprintf(&b, "; unknown columns: %s", strings.Join(e.Unknown, ", "))
	}
	if e.Column != "" {
		fmt.Fprintf(&b, "; column %s", e.Column)
	}
	if len(e.Rows) > 0 {
		fmt.Fprintf(&b, " rows %s", rowRange(e.Rows))
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

func (e *SchemaError) Unwrap() error { return ErrSchema }

// rowRange renders at most five row indices plus the overall span.
func rowRange(rows []int) string {
	const show = 5
	parts := make([]string, 0, show)
	for i, r := range rows {
		if i == show {
			break
		}
		parts = append(parts, fmt.Sprint(r))
	}
	s := "[" + strings.Join(parts, ",")
	if len(rows) > show {
		s += fmt.Sprintf(",... %d total, %d..%d", len(rows), slices.Min(rows), slices.Max(rows))
	}
	return s + "]"
}

// Diff renders a human-readable comparison of a column set against a stage schema.
func Diff(stage Stage, cols []string) string {
	schema := SchemaFor(stage)
	have := map[string]bool{}
	for _, c := range cols {
		have[c] = true
	}
	var lines []string
	var missing, forbidden, unknown []string
	for _, c := range schema.Columns {
		switch {
		case c.Presence == Required && !have[c.Name]:
			missing = append(missing, fmt.Sprintf("  - %s: %s", c.Name, c.Type))
		case c.Presence == Forbidden && have[c.Name]:
			forbidden = append(forbidden, fmt.Sprintf("  + %s: %s", c.Name, c.Type))
		}
	}
	for _, c := range cols {
		if _, ok := schema.Spec(c); !ok {
			unknown = append(unknown, "  ? "+c)
		}
	}
	if len(missing) > 0 {
		lines = append(lines, "Missing columns:")
		lines = append(lines, missing...)
	}
	if len(forbidden) > 0 {
		lines = append(lines, "Forbidden columns:")
		lines = append(lines, forbidden...)
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		lines = append(lines, "Unknown columns:")
		lines = append(lines, unknown...)
	}
	if len(lines) == 0 {
		return "No differences"
	}
	return strings.Join(lines, "\n")
}
