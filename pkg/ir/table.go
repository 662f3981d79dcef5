package ir

import (
	"maps"
	"slices"
	"time"
)

// Table is a column-oriented batch of records.
//
// Every column slice has Len() entries whether or not the column is present;
// presence is tracked separately so the validator can tell "column missing"
// from "column present with empty values". Transforms work on whole columns.
type Table struct {
	cols map[string]bool
	n    int

	EventID      []string
	TenantID     []string
	Source       []string
	ThreadID     []string
	MsgID        []string
	TS           []time.Time
	AuthorRaw    []string
	AuthorUUID   []string
	Text         []string
	MediaURL     []string
	MediaType    []string
	Attrs        []map[string]any
	PIIFlags     []map[string]any
	CreatedAt    []time.Time
	CreatedByRun []string
}

// NewTable returns an empty table declaring the given columns.
func NewTable(cols ...string) *Table {
	t := &Table{cols: make(map[string]bool, len(cols))}
	for _, c := range cols {
		t.cols[c] = true
	}
	return t
}

// FromRecords builds a table with the given declared columns.
func FromRecords(cols []string, recs []Record) *Table {
	t := NewTable(cols...)
	t.grow(len(recs))
	for _, r := range recs {
		t.Append(r)
	}
	return t
}

func (t *Table) grow(n int) {
	t.EventID = slices.Grow(t.EventID, n)
	t.TenantID = slices.Grow(t.TenantID, n)
	t.Source = slices.Grow(t.Source, n)
	t.ThreadID = slices.Grow(t.ThreadID, n)
	t.MsgID = slices.Grow(t.MsgID, n)
	t.TS = slices.Grow(t.TS, n)
	t.AuthorRaw = slices.Grow(t.AuthorRaw, n)
	t.AuthorUUID = slices.Grow(t.AuthorUUID, n)
	t.Text = slices.Grow(t.Text, n)
	t.MediaURL = slices.Grow(t.MediaURL, n)
	t.MediaType = slices.Grow(t.MediaType, n)
	t.Attrs = slices.Grow(t.Attrs, n)
	t.PIIFlags = slices.Grow(t.PIIFlags, n)
	t.CreatedAt = slices.Grow(t.CreatedAt, n)
	t.CreatedByRun = slices.Grow(t.CreatedByRun, n)
}

// Append adds one row. Values for undeclared columns are kept but invisible
// to Row until the column is declared.
func (t *Table) Append(r Record) {
	t.EventID = append(t.EventID, r.EventID)
	t.TenantID = append(t.TenantID, r.TenantID)
	t.Source = append(t.Source, r.Source)
	t.ThreadID = append(t.ThreadID, r.ThreadID)
	t.MsgID = append(t.MsgID, r.MsgID)
	t.TS = append(t.TS, r.TS.UTC())
	t.AuthorRaw = append(t.AuthorRaw, r.AuthorRaw)
	t.AuthorUUID = append(t.AuthorUUID, r.AuthorUUID)
	t.Text = append(t.Text, r.Text)
	t.MediaURL = append(t.MediaURL, r.MediaURL)
	t.MediaType = append(t.MediaType, r.MediaType)
	t.Attrs = append(t.Attrs, r.Attrs)
	t.PIIFlags = append(t.PIIFlags, r.PIIFlags)
	t.CreatedAt = append(t.CreatedAt, r.CreatedAt.UTC())
	t.CreatedByRun = append(t.CreatedByRun, r.CreatedByRun)
	t.n++
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return t.n
}

// Has reports whether the column is declared.
func (t *Table) Has(col string) bool {
	return t != nil && t.cols[col]
}

// Columns returns the declared columns, sorted.
func (t *Table) Columns() []string {
	if t == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(t.cols))
}

// AddColumn declares a column. The caller is responsible for filling it.
func (t *Table) AddColumn(col string) {
	t.cols[col] = true
}

// DropColumn removes a column and releases its values.
func (t *Table) DropColumn(col string) {
	delete(t.cols, col)
	switch col {
	case ColAuthorRaw:
		clear(t.AuthorRaw)
		t.AuthorRaw = make([]string, t.n)
	case ColAuthorUUID:
		t.AuthorUUID = make([]string, t.n)
	case ColPIIFlags:
		t.PIIFlags = make([]map[string]any, t.n)
	case ColEventID:
		t.EventID = make([]string, t.n)
	}
}

// Row returns row i with undeclared columns zeroed.
func (t *Table) Row(i int) Record {
	r := t.rawRow(i)
	if !t.cols[ColAuthorRaw] {
		r.AuthorRaw = ""
	}
	if !t.cols[ColAuthorUUID] {
		r.AuthorUUID = ""
	}
	if !t.cols[ColEventID] {
		r.EventID = ""
	}
	if !t.cols[ColPIIFlags] {
		r.PIIFlags = nil
	}
	return r
}

// Records returns all rows.
func (t *Table) Records() []Record {
	out := make([]Record, t.Len())
	for i := range out {
		out[i] = t.Row(i)
	}
	return out
}

// Clone returns a copy whose column slices and maps can be mutated
// without affecting t.
func (t *Table) Clone() *Table {
	c := &Table{
		cols:         maps.Clone(t.cols),
		n:            t.n,
		EventID:      slices.Clone(t.EventID),
		TenantID:     slices.Clone(t.TenantID),
		Source:       slices.Clone(t.Source),
		ThreadID:     slices.Clone(t.ThreadID),
		MsgID:        slices.Clone(t.MsgID),
		TS:           slices.Clone(t.TS),
		AuthorRaw:    slices.Clone(t.AuthorRaw),
		AuthorUUID:   slices.Clone(t.AuthorUUID),
		Text:         slices.Clone(t.Text),
		MediaURL:     slices.Clone(t.MediaURL),
		MediaType:    slices.Clone(t.MediaType),
		Attrs:        make([]map[string]any, t.n),
		PIIFlags:     make([]map[string]any, t.n),
		CreatedAt:    slices.Clone(t.CreatedAt),
		CreatedByRun: slices.Clone(t.CreatedByRun),
	}
	for i := range t.n {
		c.Attrs[i] = maps.Clone(t.Attrs[i])
		c.PIIFlags[i] = maps.Clone(t.PIIFlags[i])
	}
	return c
}

// Filter returns a new table with the rows where keep[i] is true.
func (t *Table) Filter(keep []bool) *Table {
	out := NewTable(t.Columns()...)
	for i := range t.n {
		if keep[i] {
			out.Append(t.rawRow(i))
		}
	}
	return out
}

// rawRow returns row i including values of undeclared columns.
func (t *Table) rawRow(i int) Record {
	return Record{
		EventID:      t.EventID[i],
		TenantID:     t.TenantID[i],
		Source:       t.Source[i],
		ThreadID:     t.ThreadID[i],
		MsgID:        t.MsgID[i],
		TS:           t.TS[i],
		AuthorRaw:    t.AuthorRaw[i],
		AuthorUUID:   t.AuthorUUID[i],
		Text:         t.Text[i],
		MediaURL:     t.MediaURL[i],
		MediaType:    t.MediaType[i],
		Attrs:        t.Attrs[i],
		PIIFlags:     t.PIIFlags[i],
		CreatedAt:    t.CreatedAt[i],
		CreatedByRun: t.CreatedByRun[i],
	}
}

// Tenants returns the distinct tenant ids in first-seen order.
func (t *Table) Tenants() []string {
	var out []string
	seen := map[string]bool{}
	for _, id := range t.TenantID {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
