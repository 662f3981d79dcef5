package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/franklinbaldo/egregora-sub010/pkg/escrow"
)

type lookupResult struct {
	*escrow.RawIdentifierHash
	Found   bool  `json:"found"`
	Matches *bool `json:"matches,omitempty"`
}

// runLookupCmd implements `irgate lookup`. Every attempt, refused or not,
// lands in the audit chain.
func runLookupCmd(args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("lookup", pflag.ContinueOnError)
	cmd.SetOutput(stderr)

	var token, tenant, author, suspect string
	cmd.StringVar(&token, "token", os.Getenv("IRGATE_ADMIN_TOKEN"), "admin token (default: IRGATE_ADMIN_TOKEN)")
	cmd.StringVar(&tenant, "tenant", "", "tenant id (default: IRGATE_TENANT_ID)")
	cmd.StringVar(&author, "author", "", "opaque author_uuid to look up (REQUIRED)")
	cmd.StringVar(&suspect, "suspect", "", "raw identifier to compare against the escrowed hash")
	if code, ok := parseFlags(cmd, args); !ok {
		return code
	}
	if author == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --author is required")
		return 2
	}

	a, err := newApp(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close()
	ctx := context.Background()
	if tenant == "" {
		tenant = a.cfg.TenantID
	}

	auth, err := a.authority()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	store, err := a.openStore(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	chain, err := a.openChain()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	svc := escrow.NewService(store, auth, a.auditLogger(chain, stderr),
		escrow.WithRateLimit(a.cfg.LookupRatePerSecond, a.cfg.LookupBurst),
		escrow.WithServiceLogger(a.logger.With("component", "escrow")),
	)

	res, err := svc.Lookup(ctx, token, tenant, author)
	if err != nil {
		if escrow.IsDenied(err) {
			_, _ = fmt.Fprintf(stderr, "Lookup refused: %v\n", err)
		} else {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		return 1
	}

	out := lookupResult{RawIdentifierHash: res, Found: res != nil}
	if res != nil && suspect != "" {
		hasher, err := a.hasher()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --suspect: %v\n", err)
			return 1
		}
		h, err := hasher.Hash(tenant, suspect)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		match := subtle.ConstantTimeCompare([]byte(h), []byte(res.Hash)) == 1
		out.Matches = &match
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return 1
	}
	return 0
}

// runSweepCmd implements `irgate sweep`.
func runSweepCmd(args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("sweep", pflag.ContinueOnError)
	cmd.SetOutput(stderr)

	var watch bool
	var interval time.Duration
	cmd.BoolVar(&watch, "watch", false, "keep sweeping every --interval until interrupted")
	cmd.DurationVar(&interval, "interval", time.Hour, "sweep interval with --watch")
	if code, ok := parseFlags(cmd, args); !ok {
		return code
	}

	a, err := newApp(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close()

	store, err := a.openStore(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	chain, err := a.openChain()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	sweeper := escrow.NewSweeper(store, interval, a.auditLogger(chain, stderr))

	if watch {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	n, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "deleted %d expired escrow entries\n", n)
	return 0
}

// runAdminTokenCmd implements `irgate admin-token`.
func runAdminTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("admin-token", pflag.ContinueOnError)
	cmd.SetOutput(stderr)

	var subject, tenant string
	var ttl time.Duration
	var scopes []string
	cmd.StringVar(&subject, "subject", "", "operator identity recorded in audit entries (REQUIRED)")
	cmd.StringVar(&tenant, "tenant", "", "tenant the token is scoped to, or * (default: IRGATE_TENANT_ID)")
	cmd.DurationVar(&ttl, "ttl", 15*time.Minute, "token lifetime")
	cmd.StringSliceVar(&scopes, "scope", []string{escrow.ScopeLookup}, "granted scopes")
	if code, ok := parseFlags(cmd, args); !ok {
		return code
	}
	if subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --subject is required")
		return 2
	}

	a, err := newApp(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close()
	if tenant == "" {
		tenant = a.cfg.TenantID
	}
	auth, err := a.authority()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	token, err := auth.Issue(subject, tenant, ttl, scopes...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
