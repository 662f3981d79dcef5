package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Escrow store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config holds irgate configuration.
type Config struct {
	TenantID  string
	LogLevel  string
	LogFormat string

	EscrowDriver        string
	EscrowDSN           string
	EscrowSecret        string
	EscrowRetentionDays int
	AdminJWTSecret      string
	LookupRatePerSecond float64
	LookupBurst         int

	LLMServiceURL string
	LLMAPIKey     string
	LLMModel      string

	OTelEnabled  bool
	OTelEndpoint string

	AuditLogPath    string
	AuditS3Bucket   string
	AuditS3Region   string
	AuditS3Endpoint string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Load loads configuration from environment variables. Malformed numbers
// are reported together.
func Load() (*Config, error) {
	var errs []error
	atoi := func(key string, def int) int {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q is not an integer", key, v))
			return def
		}
		return n
	}
	atof := func(key string, def float64) float64 {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q is not a number", key, v))
			return def
		}
		return f
	}

	cfg := &Config{
		TenantID:  getenv("IRGATE_TENANT_ID", "default"),
		LogLevel:  getenv("LOG_LEVEL", "INFO"),
		LogFormat: getenv("LOG_FORMAT", "json"),

		EscrowDriver:        strings.ToLower(getenv("ESCROW_DRIVER", DriverMemory)),
		EscrowDSN:           os.Getenv("ESCROW_DSN"),
		EscrowSecret:        os.Getenv("ESCROW_SECRET"),
		EscrowRetentionDays: atoi("ESCROW_RETENTION_DAYS", 90),
		AdminJWTSecret:      os.Getenv("ADMIN_JWT_SECRET"),
		LookupRatePerSecond: atof("ESCROW_LOOKUP_RATE", 1),
		LookupBurst:         atoi("ESCROW_LOOKUP_BURST", 5),

		// Default to LM Studio Local
		LLMServiceURL: getenv("LLM_SERVICE_URL", "http://localhost:1234/v1/chat/completions"),
		LLMAPIKey:     os.Getenv("LLM_API_KEY"),
		LLMModel:      getenv("LLM_MODEL", "gpt-4o-mini"),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		AuditLogPath:    getenv("AUDIT_LOG_PATH", "irgate-audit.jsonl"),
		AuditS3Bucket:   os.Getenv("AUDIT_S3_BUCKET"),
		AuditS3Region:   getenv("AUDIT_S3_REGION", "us-east-1"),
		AuditS3Endpoint: os.Getenv("AUDIT_S3_ENDPOINT"),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	switch c.EscrowDriver {
	case DriverMemory, DriverRedis:
	case DriverSQLite, DriverPostgres:
		if c.EscrowDSN == "" {
			errs = append(errs, fmt.Errorf("config: ESCROW_DSN is required for driver %q", c.EscrowDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown ESCROW_DRIVER %q (want memory, sqlite, postgres or redis)", c.EscrowDriver))
	}
	if c.EscrowDriver == DriverRedis && c.EscrowDSN == "" {
		errs = append(errs, errors.New("config: ESCROW_DSN is required for driver \"redis\""))
	}
	if c.EscrowRetentionDays < 0 {
		errs = append(errs, errors.New("config: ESCROW_RETENTION_DAYS must not be negative"))
	}
	if c.LookupRatePerSecond <= 0 || c.LookupBurst <= 0 {
		errs = append(errs, errors.New("config: escrow lookup rate and burst must be positive"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("config: unknown LOG_FORMAT %q (want json or text)", c.LogFormat))
	}
	return errors.Join(errs...)
}
