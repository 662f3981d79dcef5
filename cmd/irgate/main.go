package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/franklinbaldo/egregora-sub010/pkg/ir"
	"github.com/franklinbaldo/egregora-sub010/pkg/namespace"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = runtime failure or refusal
//	2 = usage error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return runGateCmd(args[2:], stdout, stderr)
	case "lookup":
		return runLookupCmd(args[2:], stdout, stderr)
	case "sweep":
		return runSweepCmd(args[2:], stdout, stderr)
	case "admin-token":
		return runAdminTokenCmd(args[2:], stdout, stderr)
	case "export-audit":
		return runExportAuditCmd(args[2:], stdout, stderr)
	case "verify-audit":
		return runVerifyAuditCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "irgate %s (ir %s, namespace %s)\n", version, ir.Version, namespace.Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `irgate: privacy boundary for chat records

USAGE:
  irgate <command> [flags]

COMMANDS:
  run            Anonymize a pre-Gate JSONL batch (--in, --out, --policy, --run-id)
  lookup         Audited escrow lookup (--token, --tenant, --author)
  sweep          Delete expired escrow entries (--watch, --interval)
  admin-token    Issue an escrow admin token (--subject, --tenant, --ttl)
  export-audit   Export a tenant's audit evidence pack (--tenant, --out, --s3)
  verify-audit   Verify the audit chain file
  version        Print version information

Configuration is read from the environment (IRGATE_TENANT_ID, ESCROW_DRIVER,
ESCROW_DSN, ESCROW_SECRET, ADMIN_JWT_SECRET, AUDIT_LOG_PATH, ...).
`)
}

// parseFlags parses args and maps --help to exit code 0.
func parseFlags(fs *pflag.FlagSet, args []string) (code int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}
