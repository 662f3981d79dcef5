package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/franklinbaldo/egregora-sub010/pkg/config"
	"github.com/franklinbaldo/egregora-sub010/pkg/gate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"IRGATE_TENANT_ID", "LOG_LEVEL", "LOG_FORMAT", "ESCROW_DRIVER", "ESCROW_DSN",
	"ESCROW_SECRET", "ESCROW_RETENTION_DAYS", "ADMIN_JWT_SECRET", "ESCROW_LOOKUP_RATE",
	"ESCROW_LOOKUP_BURST", "LLM_SERVICE_URL", "LLM_API_KEY", "LLM_MODEL", "OTEL_ENABLED",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "AUDIT_LOG_PATH", "AUDIT_S3_BUCKET", "AUDIT_S3_REGION",
	"AUDIT_S3_ENDPOINT",
}

func cleanEnv(t *testing.T) {
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cleanEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.TenantID)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, config.DriverMemory, cfg.EscrowDriver)
	assert.Equal(t, 90, cfg.EscrowRetentionDays)
	assert.Equal(t, 1.0, cfg.LookupRatePerSecond)
	assert.Equal(t, 5, cfg.LookupBurst)
	assert.Contains(t, cfg.LLMServiceURL, "localhost")
	assert.False(t, cfg.OTelEnabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	cleanEnv(t)
	t.Setenv("IRGATE_TENANT_ID", "acme")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("ESCROW_DRIVER", "Postgres")
	t.Setenv("ESCROW_DSN", "postgres://irgate@db:5432/irgate")
	t.Setenv("ESCROW_RETENTION_DAYS", "30")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("AUDIT_S3_BUCKET", "evidence")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.TenantID)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, config.DriverPostgres, cfg.EscrowDriver)
	assert.Equal(t, 30, cfg.EscrowRetentionDays)
	assert.True(t, cfg.OTelEnabled)
	assert.Equal(t, "evidence", cfg.AuditS3Bucket)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MalformedNumbers(t *testing.T) {
	cleanEnv(t)
	t.Setenv("ESCROW_RETENTION_DAYS", "ninety")
	t.Setenv("ESCROW_LOOKUP_RATE", "fast")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ESCROW_RETENTION_DAYS")
	assert.Contains(t, err.Error(), "ESCROW_LOOKUP_RATE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"unknown driver", func(c *config.Config) { c.EscrowDriver = "mongo" }, "unknown ESCROW_DRIVER"},
		{"sqlite without dsn", func(c *config.Config) { c.EscrowDriver = config.DriverSQLite }, "ESCROW_DSN"},
		{"redis without dsn", func(c *config.Config) { c.EscrowDriver = config.DriverRedis }, "ESCROW_DSN"},
		{"negative retention", func(c *config.Config) { c.EscrowRetentionDays = -1 }, "RETENTION"},
		{"zero burst", func(c *config.Config) { c.LookupBurst = 0 }, "burst"},
		{"bad log format", func(c *config.Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanEnv(t)
			cfg, err := config.Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tenant_id: acme
pii_action: redact
pii_detectors: [phone, email]
drop_when: 'text.startsWith("#private")'
media_denylist:
  - "file://*"
media_action: drop
enable_reidentification_escrow: true
retention_days: 30
`), 0o600))

	p, err := config.LoadPolicy(path, gate.DefaultPolicy("default"))
	require.NoError(t, err)

	assert.Equal(t, "acme", p.TenantID)
	assert.True(t, p.DetectPII, "unset fields keep defaults")
	assert.Equal(t, gate.PIIRedact, p.PIIAction)
	assert.Equal(t, []string{"phone", "email"}, p.PIIDetectors)
	assert.Equal(t, `text.startsWith("#private")`, p.DropWhen)
	assert.Equal(t, []string{"file://*"}, p.MediaDenylist)
	assert.Equal(t, gate.MediaDrop, p.MediaAction)
	assert.True(t, p.EnableReidentificationEscrow)
	assert.Equal(t, 30, p.RetentionDays)
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{"empty uses defaults", "", false},
		{"unknown key", "pii_mode: strict\n", true},
		{"invalid action", "pii_action: shred\n", true},
		{"bad yaml", "pii_action: [\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := config.ParsePolicy([]byte(tt.doc), gate.DefaultPolicy("acme"))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, gate.DefaultPolicy("acme"), p)
		})
	}
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	_, err := config.LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"), gate.DefaultPolicy("acme"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParsePolicy_KeepsBaseForUnsetFields(t *testing.T) {
	base := gate.DefaultPolicy("acme")
	base.RetentionDays = 7
	base.MediaDenylist = []string{"file://*"}

	p, err := config.ParsePolicy([]byte("enable_reidentification_escrow: true\n"), base)
	require.NoError(t, err)
	assert.Equal(t, 7, p.RetentionDays)
	assert.True(t, p.EnableReidentificationEscrow)
	assert.Equal(t, []string{"file://*"}, p.MediaDenylist)

	p, err = config.ParsePolicy([]byte("retention_days: 30\nmedia_denylist: []\n"), base)
	require.NoError(t, err)
	assert.Equal(t, 30, p.RetentionDays, "document overrides base")
	assert.Empty(t, p.MediaDenylist)
	assert.Equal(t, []string{"file://*"}, base.MediaDenylist, "base is not modified")
}
