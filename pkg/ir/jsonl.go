package ir

import (
	"bufio"
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://irgate.schemas.local/ir/"

var (
	compileOnce sync.Once
	compiled    map[Stage]*jsonschema.Schema
	compileErr  error
)

func rowSchema(stage Stage) (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		files := map[Stage]string{
			StagePreGate:  "pre_gate.schema.json",
			StagePostGate: "post_gate.schema.json",
		}
		for _, name := range files {
			data, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				compileErr = fmt.Errorf("ir schema load failed: %w", err)
				return
			}
			if err := c.AddResource(schemaBase+name, bytes.NewReader(data)); err != nil {
				compileErr = fmt.Errorf("ir schema load failed: %w", err)
				return
			}
		}
		compiled = make(map[Stage]*jsonschema.Schema, len(files))
		for stage, name := range files {
			s, err := c.Compile(schemaBase + name)
			if err != nil {
				compileErr = fmt.Errorf("ir schema compile failed: %w", err)
				return
			}
			compiled[stage] = s
		}
	})
	if compileErr != nil {
		return nil, compileErr
	}
	return compiled[stage], nil
}

// maxLine bounds a single JSONL record.
const maxLine = 16 << 20

// DecodeJSONL reads one JSON object per line and returns a table for stage.
// Each line is checked against the stage's JSON Schema before decoding; the
// first failing line rejects the whole input. The returned table declares the
// required columns plus every optional column seen on any line, and is not
// yet passed through Validate.
func DecodeJSONL(r io.Reader, stage Stage) (*Table, error) {
	schema, err := rowSchema(stage)
	if err != nil {
		return nil, err
	}
	spec := SchemaFor(stage)
	required := spec.Names(Required)

	seen := map[string]bool{}
	var recs []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, &SchemaError{Stage: stage, Line: line, Reason: "invalid JSON: " + err.Error()}
		}
		var missing []string
		for _, c := range required {
			if _, ok := doc[c]; !ok {
				missing = append(missing, c)
			}
		}
		if len(missing) > 0 {
			return nil, &SchemaError{Stage: stage, Line: line, Missing: missing}
		}
		if err := schema.Validate(doc); err != nil {
			return nil, schemaViolation(stage, line, err)
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, &SchemaError{Stage: stage, Line: line, Reason: err.Error()}
		}
		for k, v := range doc {
			if v != nil {
				seen[k] = true
			}
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl: %w", err)
	}

	cols := slices.Clone(required)
	for _, c := range spec.Columns {
		if c.Presence != Required && seen[c.Name] {
			cols = append(cols, c.Name)
		}
	}
	return FromRecords(cols, recs), nil
}

func schemaViolation(stage Stage, line int, err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &SchemaError{Stage: stage, Line: line, Reason: err.Error()}
	}
	var cols, msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := strings.TrimPrefix(e.InstanceLocation, "/")
			if loc != "" {
				col, _, _ := strings.Cut(loc, "/")
				if !slices.Contains(cols, col) {
					cols = append(cols, col)
				}
			}
			msgs = append(msgs, strings.TrimSpace(e.InstanceLocation+" "+e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	se := &SchemaError{Stage: stage, Line: line, Reason: strings.Join(msgs, "; ")}
	if len(cols) == 1 {
		se.Column = cols[0]
	}
	for _, c := range cols {
		if spec, ok := SchemaFor(stage).Spec(c); ok && spec.Presence == Forbidden {
			se.Forbidden = append(se.Forbidden, c)
		} else if !ok {
			se.Unknown = append(se.Unknown, c)
		}
	}
	return se
}

// EncodeJSONL writes a post-Gate table, one record per line. A table that
// still declares author_raw is refused before anything is written.
func EncodeJSONL(w io.Writer, t *Table) error {
	if t.Has(ColAuthorRaw) {
		return &SchemaError{Stage: StagePostGate, Forbidden: []string{ColAuthorRaw}, Reason: "refusing to serialize raw author identifiers"}
	}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for i := range t.Len() {
		if err := enc.Encode(anonymized(t.Row(i))); err != nil {
			return fmt.Errorf("encode row %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// EncodeRawJSONL writes a pre-Gate table. It exists for adapters and fixtures;
// nothing downstream of the Gate should call it.
func EncodeRawJSONL(w io.Writer, t *Table) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for i := range t.Len() {
		if err := enc.Encode(t.Row(i)); err != nil {
			return fmt.Errorf("encode row %d: %w", i, err)
		}
	}
	return bw.Flush()
}
