// Package pii flags personally identifying substrings in message text.
//
// Detection is advisory: a Detector never blocks anything by itself, it only
// reports which matchers fired (and optionally where). Callers decide whether
// to keep, redact, or drop. False positives are acceptable; the patterns lean
// towards over-reporting.
package pii

import (
	"regexp"
	"runtime"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Matcher names of the default set.
const (
	Phone   = "phone"
	Email   = "email"
	Address = "address"
)

// Matcher is one named pattern.
type Matcher struct {
	Name        string
	Pattern     *regexp.Regexp
	Placeholder string
}

var (
	phonePattern = regexp.MustCompile(
		`(?:\+\d{1,3}[\s.-]?)?(?:\(\d{1,4}\)[\s.-]?)?\b\d{2,5}(?:[\s.-]\d{2,5})*[\s.-]\d{4}\b|\+?\b\d{10,15}\b`)
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	// street number + up to four words + street type, or a Portuguese/Spanish
	// street prefix followed by a name and a number.
	addressPattern = regexp.MustCompile(
		`(?i)\b\d{1,5}\s+(?:[\p{L}0-9.'-]+\s+){0,4}(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way|place|pl|terrace|highway|hwy)\b\.?` +
			`|(?i)\b(?:rua|avenida|av\.|alameda|travessa|calle|carrera|paseo)\s+[^\d,\n]{2,40},?\s*(?:n[ºo°.]?\s*)?\d{1,5}\b`)
)

// DefaultMatchers returns the phone, email and address matchers.
func DefaultMatchers() []Matcher {
	return []Matcher{
		{Name: Phone, Pattern: phonePattern, Placeholder: "[REDACTED_PHONE]"},
		{Name: Email, Pattern: emailPattern, Placeholder: "[REDACTED_EMAIL]"},
		{Name: Address, Pattern: addressPattern, Placeholder: "[REDACTED_ADDRESS]"},
	}
}

// Span is a byte range [Start, End) of a match.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Finding is the result of one matcher on one text.
type Finding struct {
	Matched bool   `json:"matched"`
	Spans   []Span `json:"spans,omitempty"`
}

// Flags maps matcher name to finding. Every configured matcher has an entry.
type Flags map[string]Finding

// Any reports whether any matcher fired.
func (f Flags) Any() bool {
	for _, v := range f {
		if v.Matched {
			return true
		}
	}
	return false
}

// Matched returns the names of matchers that fired, sorted.
func (f Flags) Matched() []string {
	var out []string
	for k, v := range f {
		if v.Matched {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// Map renders the flags as a pii_flags column value: name -> bool, or
// name -> {"matched": bool, "spans": [...]} when spans were recorded.
func (f Flags) Map() map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		if v.Spans == nil {
			out[k] = v.Matched
			continue
		}
		spans := make([]any, len(v.Spans))
		for i, s := range v.Spans {
			spans[i] = map[string]any{"start": s.Start, "end": s.End}
		}
		out[k] = map[string]any{"matched": v.Matched, "spans": spans}
	}
	return out
}

// Detector applies a fixed set of matchers. It holds no mutable state after
// construction and is safe for concurrent use.
type Detector struct {
	matchers []Matcher
	spans    bool
}

// Option configures a Detector.
type Option func(*Detector)

// WithMatchers replaces the matcher set.
func WithMatchers(ms ...Matcher) Option {
	return func(d *Detector) {
		d.matchers = slices.Clone(ms)
	}
}

// WithSpans records match offsets for audit.
func WithSpans(enabled bool) Option {
	return func(d *Detector) {
		d.spans = enabled
	}
}

// Only keeps the named matchers of the current set.
func Only(names ...string) Option {
	return func(d *Detector) {
		d.matchers = slices.DeleteFunc(d.matchers, func(m Matcher) bool {
			return !slices.Contains(names, m.Name)
		})
	}
}

// New returns a Detector with the default matchers.
func New(opts ...Option) *Detector {
	d := &Detector{matchers: DefaultMatchers()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Names returns the configured matcher names in order.
func (d *Detector) Names() []string {
	out := make([]string, len(d.matchers))
	for i, m := range d.matchers {
		out[i] = m.Name
	}
	return out
}

// Matchers returns a copy of the configured matchers.
func (d *Detector) Matchers() []Matcher {
	return slices.Clone(d.matchers)
}

// Spans reports whether match offsets are recorded.
func (d *Detector) Spans() bool { return d.spans }

// Scan runs every matcher over text.
func (d *Detector) Scan(text string) Flags {
	flags := make(Flags, len(d.matchers))
	for _, m := range d.matchers {
		if !d.spans {
			flags[m.Name] = Finding{Matched: m.Pattern.MatchString(text)}
			continue
		}
		locs := m.Pattern.FindAllStringIndex(text, -1)
		f := Finding{Matched: len(locs) > 0, Spans: make([]Span, 0, len(locs))}
		for _, l := range locs {
			f.Spans = append(f.Spans, Span{Start: l[0], End: l[1]})
		}
		flags[m.Name] = f
	}
	return flags
}

// Redact replaces every match with the matcher's placeholder.
func (d *Detector) Redact(text string) string {
	for _, m := range d.matchers {
		ph := m.Placeholder
		if ph == "" {
			ph = "[REDACTED_" + strings.ToUpper(m.Name) + "]"
		}
		text = m.Pattern.ReplaceAllLiteralString(text, ph)
	}
	return text
}

const chunkSize = 1024

// ScanColumn scans each text independently, in parallel chunks.
func (d *Detector) ScanColumn(texts []string) []Flags {
	out := make([]Flags, len(texts))
	d.eachChunk(len(texts), func(i int) { out[i] = d.Scan(texts[i]) })
	return out
}

// RedactColumn redacts each text independently.
func (d *Detector) RedactColumn(texts []string) []string {
	out := make([]string, len(texts))
	d.eachChunk(len(texts), func(i int) { out[i] = d.Redact(texts[i]) })
	return out
}

func (d *Detector) eachChunk(n int, fn func(i int)) {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for lo := 0; lo < n; lo += chunkSize {
		hi := min(lo+chunkSize, n)
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				fn(i)
			}
			return nil
		})
	}
	_ = g.Wait()
}
