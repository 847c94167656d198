// Command sonnun-verify checks exported sonnun artifacts.
//
// It needs nothing but the artifacts and, optionally, the author's public
// key, so it is suitable for offline and third-party verification.
//
// Usage:
//
//	sonnun-verify [flags] <artifact.html|manifest.json>...
//
// Examples:
//
//	# Check integrity only
//	sonnun-verify essay.html
//
//	# Check that the artifact was signed by a known author
//	sonnun-verify -key ~/.local/share/sonnun/signing_key.pub essay.html
//
//	# Machine-readable output for a batch
//	sonnun-verify -format json -parallel 8 exports/*.html
//
// The exit code is 0 when every artifact is valid, 3 for an invalid
// signature, 4 for a key mismatch, 5 for a malformed artifact, 6 for an
// inconsistent manifest, 1 for I/O errors and 2 for usage errors. With
// several artifacts the code of the first failure is used.
package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sonnun/internal/logging"
	"sonnun/internal/verify"
)

var (
	// Version information (set at build time)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sonnun-verify", flag.ContinueOnError)
	fs.SetOutput(stderr)

	keyArg := fs.String("key", "", "expected public key: base64, ssh-ed25519 line, or a file containing either")
	formatStr := fs.String("format", "text", "output format: text, json, markdown")
	parallel := fs.Int("parallel", 4, "number of artifacts verified concurrently")
	output := fs.String("output", "", "output file (default: stdout)")
	auditPath := fs.String("audit", "", "append verification outcomes to this JSON-lines audit log")
	timeout := fs.Duration("timeout", 5*time.Minute, "verification timeout")
	verbose := fs.Bool("verbose", false, "log each artifact as it is checked")
	versionFlag := fs.Bool("version", false, "print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "sonnun-verify - Verify sonnun provenance artifacts\n\n")
		fmt.Fprintf(stderr, "Usage: sonnun-verify [flags] <artifact>...\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExit codes:\n")
		fmt.Fprintf(stderr, "  0  valid\n")
		fmt.Fprintf(stderr, "  1  I/O error\n")
		fmt.Fprintf(stderr, "  2  usage error\n")
		fmt.Fprintf(stderr, "  3  invalid signature\n")
		fmt.Fprintf(stderr, "  4  key mismatch\n")
		fmt.Fprintf(stderr, "  5  malformed artifact\n")
		fmt.Fprintf(stderr, "  6  inconsistent manifest\n")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return verify.ExitUsage
	}

	if *versionFlag {
		fmt.Fprintf(stdout, "sonnun-verify %s (commit: %s, built: %s)\n", version, commit, buildTime)
		return 0
	}

	if fs.NArg() < 1 {
		fmt.Fprintf(stderr, "Error: at least one artifact is required\n\n")
		fs.Usage()
		return verify.ExitUsage
	}

	format, err := verify.ParseFormat(*formatStr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return verify.ExitUsage
	}
	if *parallel < 1 {
		fmt.Fprintf(stderr, "Error: -parallel must be at least 1\n")
		return verify.ExitUsage
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger, err := logging.New(&logging.Config{
		Level:     level,
		Format:    logging.FormatText,
		Writer:    stderr,
		Component: "sonnun-verify",
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return verify.ExitIOError
	}

	opts := []verify.Option{
		verify.WithParallelism(*parallel),
		verify.WithLogger(logger.Logger),
	}
	if *keyArg != "" {
		pub, err := loadExpectedKey(*keyArg)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return verify.ExitUsage
		}
		opts = append(opts, verify.WithExpectedKey(pub))
	}

	var audit *logging.AuditLogger
	if *auditPath != "" {
		audit, err = logging.NewAuditLogger(*auditPath, "sonnun-verify")
		if err != nil {
			fmt.Fprintf(stderr, "Error opening audit log: %v\n", err)
			return verify.ExitIOError
		}
		defer audit.Close()
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	results, err := verify.New(opts...).VerifyFiles(ctx, fs.Args())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		audit.LogError(ctx, "verify", err)
		return verify.ExitIOError
	}
	for _, r := range results {
		audit.LogVerification(ctx, r.Path, string(r.Status), r.Valid())
	}

	var w io.Writer = stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(stderr, "Error creating output file: %v\n", err)
			return verify.ExitIOError
		}
		defer f.Close()
		w = f
	}

	report := verify.NewReport(results)
	if err := report.Write(w, format); err != nil {
		fmt.Fprintf(stderr, "Error writing report: %v\n", err)
		return verify.ExitIOError
	}
	return report.ExitCode()
}

// loadExpectedKey accepts the key itself or a path to a file holding it.
func loadExpectedKey(arg string) (ed25519.PublicKey, error) {
	if data, err := os.ReadFile(arg); err == nil {
		return verify.ParsePublicKey(strings.TrimSpace(string(data)))
	}
	return verify.ParsePublicKey(arg)
}
