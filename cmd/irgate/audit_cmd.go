package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/franklinbaldo/egregora-sub010/pkg/audit"
)

// runExportAuditCmd implements `irgate export-audit`.
func runExportAuditCmd(args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("export-audit", pflag.ContinueOnError)
	cmd.SetOutput(stderr)

	var tenant, since, until, outPath, actor string
	var upload bool
	cmd.StringVar(&tenant, "tenant", "", "tenant id (default: IRGATE_TENANT_ID)")
	cmd.StringVar(&since, "since", "", "RFC3339 start of the window")
	cmd.StringVar(&until, "until", "", "RFC3339 end of the window")
	cmd.StringVar(&outPath, "out", "", "zip output path (default: audit-<tenant>.zip)")
	cmd.StringVar(&actor, "actor", "cli", "identity recorded for the export")
	cmd.BoolVar(&upload, "s3", false, "also upload the pack to AUDIT_S3_BUCKET")
	if code, ok := parseFlags(cmd, args); !ok {
		return code
	}

	var req audit.ExportRequest
	for _, w := range []struct {
		raw string
		dst *time.Time
	}{{since, &req.StartTime}, {until, &req.EndTime}} {
		if w.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, w.raw)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: invalid time %q: %v\n", w.raw, err)
			return 2
		}
		*w.dst = t
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
	req.TenantID = tenant
	if outPath == "" {
		outPath = "audit-" + tenant + ".zip"
	}

	chain, err := a.openChain()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	pack, err := audit.NewExporter(chain).GeneratePack(ctx, req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := os.WriteFile(outPath, pack.Zip, 0o600); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: write pack: %v\n", err)
		return 1
	}

	meta := map[string]string{"checksum": pack.Checksum, "entries": fmt.Sprint(pack.EntryCount)}
	if upload {
		sink, err := audit.NewS3Sink(ctx, audit.S3Config{
			Bucket:   a.cfg.AuditS3Bucket,
			Region:   a.cfg.AuditS3Region,
			Endpoint: a.cfg.AuditS3Endpoint,
			Prefix:   "evidence/",
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		key, err := sink.Upload(ctx, pack)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		meta["s3_key"] = key
		_, _ = fmt.Fprintf(stdout, "uploaded s3://%s/%s\n", a.cfg.AuditS3Bucket, key)
	}

	if err := audit.NewChainLogger(chain).Record(ctx, audit.Event{
		Kind:     audit.KindExport,
		TenantID: tenant,
		Actor:    actor,
		Outcome:  audit.OutcomeGranted,
		Metadata: meta,
	}); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: record export: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "wrote %s: %d entries, sha256 %s\n", outPath, pack.EntryCount, pack.Checksum)
	return 0
}

// runVerifyAuditCmd implements `irgate verify-audit`.
func runVerifyAuditCmd(args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("verify-audit", pflag.ContinueOnError)
	cmd.SetOutput(stderr)
	var path string
	cmd.StringVar(&path, "file", "", "audit chain file (default: AUDIT_LOG_PATH)")
	if code, ok := parseFlags(cmd, args); !ok {
		return code
	}

	if path == "" {
		a, err := newApp(stderr)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		path = a.cfg.AuditLogPath
	}
	f, err := os.Open(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = f.Close() }()

	chain, err := audit.ReadChain(f)
	if err != nil {
		_, _ = fmt.Fprintf(stdout, "FAIL %s: %v\n", path, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "OK %s: %d entries, head %s\n", path, chain.Len(), chain.Head())
	return 0
}
