package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/franklinbaldo/egregora-sub010/pkg/config"
	"github.com/franklinbaldo/egregora-sub010/pkg/egress"
	"github.com/franklinbaldo/egregora-sub010/pkg/escrow"
	"github.com/franklinbaldo/egregora-sub010/pkg/gate"
	"github.com/franklinbaldo/egregora-sub010/pkg/ir"
	"github.com/franklinbaldo/egregora-sub010/pkg/observability"
)

// runGateCmd implements `irgate run`.
//
// The output file is written only after the Gate succeeds, so a failed run
// leaves nothing behind.
func runGateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := pflag.NewFlagSet("run", pflag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		inPath      string
		outPath     string
		policyPath  string
		runID       string
		tenant      string
		instruction string
	)
	cmd.StringVarP(&inPath, "in", "i", "-", "pre-Gate JSONL input (- for stdin)")
	cmd.StringVarP(&outPath, "out", "o", "-", "post-Gate JSONL output (- for stdout)")
	cmd.StringVar(&policyPath, "policy", "", "YAML gate policy (default: flag PII, no escrow)")
	cmd.StringVar(&runID, "run-id", "", "run identifier (default: random UUID)")
	cmd.StringVar(&tenant, "tenant", "", "tenant id (default: IRGATE_TENANT_ID)")
	cmd.StringVar(&instruction, "send", "", "send the anonymized rows to LLM_SERVICE_URL with this system instruction")
	if code, ok := parseFlags(cmd, args); !ok {
		return code
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
	if runID == "" {
		runID = uuid.NewString()
	}
	// ESCROW_RETENTION_DAYS applies unless the policy file sets retention_days.
	policy := gate.DefaultPolicy(tenant)
	policy.RetentionDays = a.cfg.EscrowRetentionDays
	if policyPath != "" {
		if policy, err = config.LoadPolicy(policyPath, policy); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	raw, err := readTable(inPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	g, err := a.buildGate(ctx, policy)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	out, pass, err := g.Run(ctx, raw, policy, runID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Privacy gate refused batch: %v\n", err)
		return 1
	}

	var buf bytes.Buffer
	if err := ir.EncodeJSONL(&buf, out); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if outPath == "-" {
		_, err = stdout.Write(buf.Bytes())
	} else {
		err = os.WriteFile(outPath, buf.Bytes(), 0o600)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: write output: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stderr, "run %s: %d rows in, %d rows out (%s)\n", runID, raw.Len(), out.Len(), pass)

	if instruction != "" {
		client, err := egress.New(a.cfg.LLMServiceURL,
			egress.WithAPIKey(a.cfg.LLMAPIKey),
			egress.WithModel(a.cfg.LLMModel),
			egress.WithLogger(a.logger.With("component", "egress")),
		)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		sendCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		resp, err := client.Send(sendCtx, pass, out, instruction)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "%s\n", resp.Content)
	}
	return 0
}

func (a *app) buildGate(ctx context.Context, policy gate.Policy) (*gate.Gate, error) {
	tel, err := a.telemetry(ctx)
	if err != nil {
		return nil, err
	}
	metrics, err := observability.NewGateMetrics(tel.Meter())
	if err != nil {
		return nil, err
	}
	opts := []gate.Option{
		gate.WithLogger(a.logger.With("component", "gate")),
		gate.WithMetrics(metrics),
		gate.WithTracer(tel.Tracer()),
	}
	if policy.EnableReidentificationEscrow {
		hasher, err := a.hasher()
		if err != nil {
			return nil, fmt.Errorf("escrow enabled by policy: %w", err)
		}
		store, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		retention := time.Duration(policy.RetentionDays) * 24 * time.Hour
		opts = append(opts, gate.WithEscrow(escrow.NewWriter(store, hasher, retention,
			escrow.WithWriterLogger(a.logger.With("component", "escrow")))))
	}
	return gate.New(opts...)
}

func readTable(path string) (*ir.Table, error) {
	if path == "-" {
		return ir.DecodeJSONL(os.Stdin, ir.StagePreGate)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ir.DecodeJSONL(f, ir.StagePreGate)
}
