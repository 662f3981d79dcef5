package gate_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"unicode"

	"github.com/franklinbaldo/egregora-sub010/pkg/gate"
	"github.com/franklinbaldo/egregora-sub010/pkg/ir"
	"github.com/franklinbaldo/egregora-sub010/pkg/pii"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// printable keeps only printable runes.
func printable(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, s)
}

var msgIDPattern = regexp.MustCompile(`^m\d+$`)

// fixedValue reports whether s is a value the gate emits regardless of the
// author, so it cannot count as a leak.
func fixedValue(s string) bool {
	switch strings.TrimSpace(s) {
	case "acme", "whatsapp", "prop", "original_line", "sender", gate.MediaPolicyFlag,
		pii.Phone, pii.Email, pii.Address:
		return true
	}
	return msgIDPattern.MatchString(s) || strings.HasPrefix(s, "[REDACTED_")
}

func jsonHasString(v any, s string) bool {
	switch v := v.(type) {
	case string:
		return v == s
	case map[string]any:
		for k, x := range v {
			if k == s || jsonHasString(x, s) {
				return true
			}
		}
	case []any:
		for _, x := range v {
			if jsonHasString(x, s) {
				return true
			}
		}
	}
	return false
}

func TestProperty_NoRawAuthorSurvives(t *testing.T) {
	g := newGate(t)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	author := gen.AnyString().Map(printable).SuchThat(func(s string) bool {
		return strings.TrimSpace(s) != "" && !fixedValue(s)
	})
	text := gen.AnyString().Map(printable)

	properties.Property("author_raw never appears in gate output", prop.ForAll(
		func(author, text string, n int) bool {
			if text == author {
				return true
			}
			recs := make([]ir.Record, n)
			for i := range recs {
				recs[i] = rec("acme", author, text, i)
				recs[i].Attrs = map[string]any{
					"original_line": "10:00 - " + author + ": " + text,
					"sender":        author,
				}
			}
			raw := ir.FromRecords(preCols(ir.ColAttrs), recs)
			out, pass, err := g.Run(context.Background(), raw, gate.DefaultPolicy("acme"), "prop")
			if err != nil || !pass.Valid() {
				return false
			}
			if out.Has(ir.ColAuthorRaw) || ir.ContainsValue(out, author) {
				return false
			}
			var buf bytes.Buffer
			if err := ir.EncodeJSONL(&buf, out); err != nil {
				return false
			}
			sc := bufio.NewScanner(&buf)
			sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
			for sc.Scan() {
				var row map[string]any
				if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
					return false
				}
				if _, ok := row[ir.ColAuthorRaw]; ok || jsonHasString(row, author) {
					return false
				}
			}
			return sc.Err() == nil
		},
		author,
		text,
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
