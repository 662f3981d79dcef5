package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/franklinbaldo/egregora-sub010/pkg/audit"
	"github.com/franklinbaldo/egregora-sub010/pkg/config"
	"github.com/franklinbaldo/egregora-sub010/pkg/escrow"
	"github.com/franklinbaldo/egregora-sub010/pkg/observability"
)

// app holds the configuration and resources shared by subcommands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func() error
}

func newApp(stderr io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, err := observability.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:    cfg,
		logger: observability.NewLogger(stderr, level, cfg.LogFormat),
	}, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// openStore opens the configured escrow store.
func (a *app) openStore(ctx context.Context) (escrow.Store, error) {
	switch a.cfg.EscrowDriver {
	case config.DriverMemory:
		a.logger.Warn("escrow driver is memory; entries do not outlive this process")
		return escrow.NewMemoryStore(), nil
	case config.DriverSQLite, config.DriverPostgres:
		s, err := escrow.OpenSQL(ctx, escrow.Dialect(a.cfg.EscrowDriver), a.cfg.EscrowDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.DriverRedis:
		s, err := escrow.OpenRedis(ctx, a.cfg.EscrowDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown escrow driver %q", a.cfg.EscrowDriver)
	}
}

func (a *app) hasher() (*escrow.Hasher, error) {
	if a.cfg.EscrowSecret == "" {
		return nil, errors.New("ESCROW_SECRET is not set")
	}
	return escrow.NewHasher([]byte(a.cfg.EscrowSecret))
}

func (a *app) authority() (*escrow.Authority, error) {
	if a.cfg.AdminJWTSecret == "" {
		return nil, errors.New("ADMIN_JWT_SECRET is not set")
	}
	return escrow.NewAuthority([]byte(a.cfg.AdminJWTSecret))
}

// openChain loads and verifies the audit chain file and keeps it open for
// appends. A missing file starts an empty chain.
func (a *app) openChain() (*audit.Chain, error) {
	f, err := os.OpenFile(a.cfg.AuditLogPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	chain, err := audit.ReadChain(f, audit.WithSink(f))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("audit log %s: %w", a.cfg.AuditLogPath, err)
	}
	a.closers = append(a.closers, f.Close)
	return chain, nil
}

// auditLogger records to the chain and mirrors AUDIT lines to the log
// stream.
func (a *app) auditLogger(chain *audit.Chain, w io.Writer) audit.Logger {
	return audit.Multi(audit.NewChainLogger(chain), audit.NewWriterLogger(w))
}

func (a *app) telemetry(ctx context.Context) (*observability.Provider, error) {
	cfg := observability.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Enabled = a.cfg.OTelEnabled
	cfg.OTLPEndpoint = a.cfg.OTelEndpoint
	cfg.Insecure = true
	p, err := observability.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return p.Shutdown(context.Background()) })
	return p, nil
}
