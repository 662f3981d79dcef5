package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franklinbaldo/egregora-sub010/pkg/ir"
	"github.com/franklinbaldo/egregora-sub010/pkg/pseudonym"
)

type env struct {
	dir      string
	auditLog string
}

func setupEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	e := env{dir: dir, auditLog: filepath.Join(dir, "audit.jsonl")}
	t.Setenv("IRGATE_TENANT_ID", "acme")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("ESCROW_DRIVER", "sqlite")
	t.Setenv("ESCROW_DSN", filepath.Join(dir, "escrow.db"))
	t.Setenv("ESCROW_SECRET", "cli-test-master-secret-0123456789")
	t.Setenv("ESCROW_RETENTION_DAYS", "30")
	t.Setenv("ADMIN_JWT_SECRET", "cli-test-admin-secret-0123456789")
	t.Setenv("AUDIT_LOG_PATH", e.auditLog)
	t.Setenv("OTEL_ENABLED", "")
	t.Setenv("IRGATE_ADMIN_TOKEN", "")
	return e
}

func (e env) write(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

const input = `{"tenant_id":"acme","source":"whatsapp","thread_id":"family","msg_id":"1","ts":"2025-01-08T10:00:00Z","author_raw":"Alice Doe","text":"call me at 555-1234"}
{"tenant_id":"acme","source":"whatsapp","thread_id":"family","msg_id":"2","ts":"2025-01-08T10:01:00Z","author_raw":"Bob Roe","text":"sure"}
`

const escrowPolicy = `tenant_id: acme
pii_action: redact
enable_reidentification_escrow: true
retention_days: 30
`

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"irgate"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Usage(t *testing.T) {
	code, _, stderr := run()
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "USAGE")

	code, _, stderr = run("bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: bogus")

	code, stdout, _ := run("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "irgate dev")
	assert.Contains(t, stdout, ir.Version)
}

func TestRunCmd_AnonymizesFile(t *testing.T) {
	e := setupEnv(t)
	in := e.write(t, "in.jsonl", input)
	out := filepath.Join(e.dir, "out.jsonl")

	code, _, stderr := run("run", "--in", in, "--out", out, "--run-id", "run-1")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stderr, "2 rows in, 2 rows out")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "author_raw")
	assert.NotContains(t, string(data), "Alice")
	assert.Contains(t, string(data), pseudonym.AuthorID("acme", "whatsapp", "Alice Doe").String())
	assert.NotContains(t, stderr, "Alice")
}

func TestRunCmd_ScrubsAuthorFromAttrs(t *testing.T) {
	e := setupEnv(t)
	cols := append(ir.SchemaFor(ir.StagePreGate).Names(ir.Required), ir.ColAttrs)
	raw := ir.FromRecords(cols, []ir.Record{{
		TenantID:  "acme",
		Source:    "whatsapp",
		ThreadID:  "family",
		MsgID:     "1",
		TS:        time.Date(2025, 1, 8, 10, 0, 0, 0, time.UTC),
		AuthorRaw: "Alice Doe",
		Text:      "hi",
		Attrs:     map[string]any{"original_line": "10:00 - Alice Doe: hi"},
	}})
	var in bytes.Buffer
	require.NoError(t, ir.EncodeRawJSONL(&in, raw))
	require.Contains(t, in.String(), `"author_raw":"Alice Doe"`)
	inPath := e.write(t, "in.jsonl", in.String())

	code, stdout, stderr := run("run", "--in", inPath)
	require.Equal(t, 0, code, stderr)
	alice := pseudonym.AuthorID("acme", "whatsapp", "Alice Doe").String()
	assert.Contains(t, stdout, `"original_line":"10:00 - `+alice+`: hi"`)
	assert.NotContains(t, stdout, "Alice")
}

func TestRunCmd_RefusesInvalidBatch(t *testing.T) {
	e := setupEnv(t)
	in := e.write(t, "in.jsonl", `{"tenant_id":"acme","source":"whatsapp","msg_id":"1","ts":"2025-01-08T10:00:00Z","author_raw":"Alice","text":"x"}`+"\n")
	out := filepath.Join(e.dir, "out.jsonl")

	code, _, stderr := run("run", "--in", in, "--out", out)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "thread_id")
	assert.NoFileExists(t, out)
}

func TestRunCmd_ForeignTenantRefused(t *testing.T) {
	e := setupEnv(t)
	in := e.write(t, "in.jsonl", input)

	code, stdout, stderr := run("run", "--in", in, "--tenant", "other")
	assert.Equal(t, 1, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "Privacy gate refused batch")
}

func TestRunCmd_EscrowRequiresSecret(t *testing.T) {
	e := setupEnv(t)
	t.Setenv("ESCROW_SECRET", "")
	in := e.write(t, "in.jsonl", input)
	policy := e.write(t, "policy.yaml", escrowPolicy)

	code, _, stderr := run("run", "--in", in, "--policy", policy)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "ESCROW_SECRET")
}

func TestEscrowLookupFlow(t *testing.T) {
	e := setupEnv(t)
	in := e.write(t, "in.jsonl", input)
	policy := e.write(t, "policy.yaml", escrowPolicy)
	out := filepath.Join(e.dir, "out.jsonl")

	code, _, stderr := run("run", "--in", in, "--out", out, "--policy", policy, "--run-id", "run-1")
	require.Equal(t, 0, code, stderr)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[REDACTED_PHONE]")

	code, token, stderr := run("admin-token", "--subject", "ops@example.com")
	require.Equal(t, 0, code, stderr)
	token = strings.TrimSpace(token)

	alice := pseudonym.AuthorID("acme", "whatsapp", "Alice Doe").String()
	code, stdout, stderr := run("lookup", "--token", token, "--author", alice, "--suspect", "alice doe")
	require.Equal(t, 0, code, stderr)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, true, res["found"])
	assert.Equal(t, true, res["matches"])
	assert.Equal(t, "run-1", res["run_id"])
	assert.NotContains(t, stdout, "Alice")

	code, stdout, _ = run("lookup", "--token", token, "--author", alice, "--suspect", "Bob Roe")
	require.Equal(t, 0, code)
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, false, res["matches"])

	code, _, stderr = run("lookup", "--token", "forged", "--author", alice)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Lookup refused")

	code, stdout, _ = run("verify-audit")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "OK")
	assert.Contains(t, stdout, "3 entries")

	zip := filepath.Join(e.dir, "pack.zip")
	code, stdout, stderr = run("export-audit", "--out", zip)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "3 entries")
	assert.FileExists(t, zip)

	code, stdout, _ = run("verify-audit", "--file", e.auditLog)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "4 entries")

	code, stdout, stderr = run("sweep")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "deleted 0")
}

func TestRunCmd_PolicyFileKeepsConfiguredRetention(t *testing.T) {
	tests := []struct {
		name     string
		policy   string
		wantDays int
	}{
		{"from environment", "enable_reidentification_escrow: true\n", 7},
		{"policy overrides", "enable_reidentification_escrow: true\nretention_days: 2\n", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := setupEnv(t)
			t.Setenv("ESCROW_RETENTION_DAYS", "7")
			in := e.write(t, "in.jsonl", input)
			policy := e.write(t, "policy.yaml", tt.policy)

			code, _, stderr := run("run", "--in", in, "--out", filepath.Join(e.dir, "out.jsonl"), "--policy", policy)
			require.Equal(t, 0, code, stderr)

			code, token, stderr := run("admin-token", "--subject", "ops")
			require.Equal(t, 0, code, stderr)
			alice := pseudonym.AuthorID("acme", "whatsapp", "Alice Doe").String()
			code, stdout, stderr := run("lookup", "--token", strings.TrimSpace(token), "--author", alice)
			require.Equal(t, 0, code, stderr)

			var res struct {
				Found     bool      `json:"found"`
				CreatedAt time.Time `json:"created_at"`
				ExpiresAt time.Time `json:"expires_at"`
			}
			require.NoError(t, json.Unmarshal([]byte(stdout), &res))
			require.True(t, res.Found)
			assert.Equal(t, time.Duration(tt.wantDays)*24*time.Hour, res.ExpiresAt.Sub(res.CreatedAt))
		})
	}
}

func TestLookup_RequiresAuthor(t *testing.T) {
	setupEnv(t)
	code, _, stderr := run("lookup", "--token", "x")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--author")
}

func TestVerifyAudit_DetectsTamper(t *testing.T) {
	e := setupEnv(t)
	code, token, _ := run("admin-token", "--subject", "ops")
	require.Equal(t, 0, code)
	for i := range 2 {
		code, _, _ = run("lookup", "--token", strings.TrimSpace(token), "--author", fmt.Sprintf("missing-%d", i))
		require.Equal(t, 0, code)
	}

	data, err := os.ReadFile(e.auditLog)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "missing-0", "missing-9", 1)
	require.NoError(t, os.WriteFile(e.auditLog, []byte(tampered), 0o600))

	code, stdout, _ := run("verify-audit")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "FAIL")
}

func TestConfigErrorsAreUsageErrors(t *testing.T) {
	setupEnv(t)
	t.Setenv("ESCROW_DRIVER", "mongo")
	code, _, stderr := run("sweep")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "ESCROW_DRIVER")
}
