package pii

import (
	"encoding/json"
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetector_Scan(t *testing.T) {
	d := New()

	tests := []struct {
		name string
		text string
		want []string
	}{
		{name: "No PII", text: "see you tomorrow", want: nil},
		{name: "Local phone", text: "call me at 555-1234", want: []string{Phone}},
		{name: "Intl phone", text: "ring +1 415 555 2671 after six", want: []string{Phone}},
		{name: "Brazilian mobile", text: "meu zap (11) 98765-4321", want: []string{Phone}},
		{name: "Bare digits", text: "number is 5511987654321", want: []string{Phone}},
		{name: "Email", text: "mail alice.smith+chat@example.co.uk", want: []string{Email}},
		{name: "Street address", text: "party at 221B Baker Street tonight", want: nil},
		{name: "Numbered street", text: "party at 42 Wallaby Way, Sydney", want: []string{Address}},
		{name: "Avenue abbreviation", text: "office: 1600 Pennsylvania Ave.", want: []string{Address}},
		{name: "Rua", text: "moro na Rua das Flores, 123", want: []string{Address}},
		{name: "Calle", text: "vivo en Calle Mayor 7", want: []string{Address}},
		{name: "Date is not a phone", text: "meeting on 2025-01-08 at 10:00", want: nil},
		{name: "Mixed", text: "bob@example.com or 555-9876", want: []string{Email, Phone}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := d.Scan(tt.text)
			assert.Len(t, flags, 3)
			assert.Equal(t, tt.want, flags.Matched())
			assert.Equal(t, len(tt.want) > 0, flags.Any())
		})
	}
}

func TestDetector_Redact(t *testing.T) {
	d := New()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "No PII", input: "Hello World", want: "Hello World"},
		{name: "Email", input: "Contact me at user@example.com", want: "Contact me at [REDACTED_EMAIL]"},
		{name: "Phone", input: "call me at 555-1234", want: "call me at [REDACTED_PHONE]"},
		{name: "Both", input: "555-1234 / a@b.io", want: "[REDACTED_PHONE] / [REDACTED_EMAIL]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Redact(tt.input); got != tt.want {
				t.Errorf("Detector.Redact() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetector_RedactDefaultPlaceholder(t *testing.T) {
	d := New(WithMatchers(Matcher{Name: "cpf", Pattern: regexp.MustCompile(`\d{3}\.\d{3}\.\d{3}-\d{2}`)}))
	assert.Equal(t, "doc [REDACTED_CPF]", d.Redact("doc 123.456.789-09"))
}

func TestDetector_Spans(t *testing.T) {
	d := New(WithSpans(true))
	text := "x 555-1234 y 555-9876"

	flags := d.Scan(text)
	f := flags[Phone]
	require.True(t, f.Matched)
	require.Len(t, f.Spans, 2)
	assert.Equal(t, "555-1234", text[f.Spans[0].Start:f.Spans[0].End])
	assert.Equal(t, "555-9876", text[f.Spans[1].Start:f.Spans[1].End])

	assert.NotNil(t, flags[Email].Spans)
	assert.Empty(t, flags[Email].Spans)
}

func TestFlags_Map(t *testing.T) {
	plain := New().Scan("call me at 555-1234").Map()
	assert.Equal(t, map[string]any{Phone: true, Email: false, Address: false}, plain)

	withSpans := New(WithSpans(true), Only(Phone)).Scan("555-1234").Map()
	require.Contains(t, withSpans, Phone)
	entry, ok := withSpans[Phone].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, entry["matched"])

	raw, err := json.Marshal(withSpans)
	require.NoError(t, err)
	assert.JSONEq(t, `{"phone":{"matched":true,"spans":[{"start":0,"end":8}]}}`, string(raw))
}

func TestOnly(t *testing.T) {
	d := New(Only(Email))
	assert.Equal(t, []string{Email}, d.Names())
	assert.Equal(t, Flags{Email: {Matched: false}}, d.Scan("555-1234"))
}

func TestDetector_ScanColumn(t *testing.T) {
	d := New()
	texts := make([]string, 3*chunkSize+7)
	for i := range texts {
		if i%3 == 0 {
			texts[i] = fmt.Sprintf("user%d@example.com", i)
		} else {
			texts[i] = "nothing here"
		}
	}

	got := d.ScanColumn(texts)
	require.Len(t, got, len(texts))
	for i, f := range got {
		assert.Equal(t, d.Scan(texts[i]), f, "row %d", i)
	}

	red := d.RedactColumn(texts)
	assert.Equal(t, "[REDACTED_EMAIL]", red[0])
	assert.Equal(t, "nothing here", red[1])
}

func TestDetector_ScanColumnEmpty(t *testing.T) {
	assert.Empty(t, New().ScanColumn(nil))
}
