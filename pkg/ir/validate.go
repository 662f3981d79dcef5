package ir

import (
	"regexp"
	"slices"

	"github.com/google/uuid"
)

var sourcePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Validate checks a table against the schema of a stage: column presence,
// column lengths, per-value constraints, and uniqueness of
// (tenant_id, source, thread_id, msg_id). It never modifies the table.
func Validate(t *Table, stage Stage) error {
	if t == nil {
		return &SchemaError{Stage: stage, Reason: "nil table"}
	}
	schema := SchemaFor(stage)

	var missing, forbidden, unknown []string
	for _, c := range schema.Columns {
		switch {
		case c.Presence == Required && !t.Has(c.Name):
			missing = append(missing, c.Name)
		case c.Presence == Forbidden && t.Has(c.Name):
			forbidden = append(forbidden, c.Name)
		}
	}
	for _, c := range t.Columns() {
		if _, ok := schema.Spec(c); !ok {
			unknown = append(unknown, c)
		}
	}
	if len(missing) > 0 || len(forbidden) > 0 || len(unknown) > 0 {
		return &SchemaError{Stage: stage, Missing: missing, Forbidden: forbidden, Unknown: unknown}
	}

	if err := checkLengths(t, stage); err != nil {
		return err
	}

	checks := []valueCheck{
		{ColTenantID, func(i int) bool { return t.TenantID[i] != "" }, "must not be empty"},
		{ColSource, func(i int) bool { return sourcePattern.MatchString(t.Source[i]) }, "must match " + sourcePattern.String()},
		{ColThreadID, func(i int) bool { return t.ThreadID[i] != "" }, "must not be empty"},
		{ColMsgID, func(i int) bool { return t.MsgID[i] != "" }, "must not be empty"},
		{ColTS, func(i int) bool { return !t.TS[i].IsZero() }, "must be a non-zero UTC timestamp"},
	}
	if stage == StagePostGate {
		checks = append(checks,
			valueCheck{ColEventID, func(i int) bool { return isUUID(t.EventID[i]) }, "must be an opaque uuid"},
			valueCheck{ColThreadID, func(i int) bool { return isUUID(t.ThreadID[i]) }, "must be an opaque uuid"},
			valueCheck{ColAuthorUUID, func(i int) bool { return isUUID(t.AuthorUUID[i]) }, "must be an opaque uuid"},
			valueCheck{ColPIIFlags, func(i int) bool { return t.PIIFlags[i] != nil }, "must be populated"},
			valueCheck{ColCreatedByRun, func(i int) bool { return t.CreatedByRun[i] != "" }, "must not be empty"},
		)
	}
	for _, c := range checks {
		var bad []int
		for i := range t.Len() {
			if !c.ok(i) {
				bad = append(bad, i)
			}
		}
		if len(bad) > 0 {
			return &SchemaError{Stage: stage, Column: c.col, Rows: bad, Reason: c.why}
		}
	}

	if err := checkUnique(t, stage); err != nil {
		return err
	}
	return nil
}

type valueCheck struct {
	col string
	ok  func(i int) bool
	why string
}

func checkLengths(t *Table, stage Stage) error {
	n := t.Len()
	lengths := map[string]int{
		ColEventID:      len(t.EventID),
		ColTenantID:     len(t.TenantID),
		ColSource:       len(t.Source),
		ColThreadID:     len(t.ThreadID),
		ColMsgID:        len(t.MsgID),
		ColTS:           len(t.TS),
		ColAuthorRaw:    len(t.AuthorRaw),
		ColAuthorUUID:   len(t.AuthorUUID),
		ColText:         len(t.Text),
		ColMediaURL:     len(t.MediaURL),
		ColMediaType:    len(t.MediaType),
		ColAttrs:        len(t.Attrs),
		ColPIIFlags:     len(t.PIIFlags),
		ColCreatedAt:    len(t.CreatedAt),
		ColCreatedByRun: len(t.CreatedByRun),
	}
	for _, c := range t.Columns() {
		if lengths[c] != n {
			return &SchemaError{Stage: stage, Column: c, Reason: "column length differs from row count"}
		}
	}
	return nil
}

type rowKey struct {
	tenant, source, thread, msg string
}

func checkUnique(t *Table, stage Stage) error {
	seen := make(map[rowKey]int, t.Len())
	for i := range t.Len() {
		k := rowKey{t.TenantID[i], t.Source[i], t.ThreadID[i], t.MsgID[i]}
		if first, ok := seen[k]; ok {
			return &SchemaError{
				Stage:  stage,
				Column: "(tenant_id, source, thread_id, msg_id)",
				Rows:   []int{first, i},
				Reason: "duplicate candidate key",
			}
		}
		seen[k] = i
	}
	if stage != StagePostGate {
		return nil
	}
	ids := make(map[string]int, t.Len())
	for i, id := range t.EventID {
		if first, ok := ids[id]; ok {
			return &SchemaError{Stage: stage, Column: ColEventID, Rows: []int{first, i}, Reason: "duplicate event_id"}
		}
		ids[id] = i
	}
	return nil
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}

// ContainsValue reports whether any string cell or JSON value of t equals v
// verbatim, including map keys.
func ContainsValue(t *Table, v string) bool {
	cols := [][]string{t.EventID, t.TenantID, t.Source, t.ThreadID, t.MsgID,
		t.AuthorUUID, t.Text, t.MediaURL, t.MediaType, t.CreatedByRun}
	if t.Has(ColAuthorRaw) {
		cols = append(cols, t.AuthorRaw)
	}
	for _, col := range cols {
		if slices.Contains(col, v) {
			return true
		}
	}
	for i := range t.Len() {
		if mapContains(t.Attrs[i], v) || mapContains(t.PIIFlags[i], v) {
			return true
		}
	}
	return false
}

func mapContains(m map[string]any, v string) bool {
	for k, x := range m {
		if k == v {
			return true
		}
		switch x := x.(type) {
		case string:
			if x == v {
				return true
			}
		case map[string]any:
			if mapContains(x, v) {
				return true
			}
		case []any:
			for _, e := range x {
				if s, ok := e.(string); ok && s == v {
					return true
				}
				if m, ok := e.(map[string]any); ok && mapContains(m, v) {
					return true
				}
			}
		}
	}
	return false
}
