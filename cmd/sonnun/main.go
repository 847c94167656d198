// sonnun records where the text of a document came from and exports it as a
// signed, self-verifying HTML artifact.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"sonnun/internal/config"
	"sonnun/internal/logging"
	"sonnun/internal/provenance"
	"sonnun/internal/signer"
	"sonnun/internal/store"
)

// Version is the CLI version (set at build time).
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// env is what every subcommand works with.
type env struct {
	configPath string
	cfg        *config.Config
	logger     *logging.Logger
	audit      *logging.AuditLogger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sonnun", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config file (default: <data dir>/config.toml)")
	debug := fs.Bool("debug", false, "enable debug logging")
	fs.Usage = func() { usage(stderr) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() < 1 {
		usage(stderr)
		return 2
	}

	e := &env{configPath: *configPath, stdin: stdin, stdout: stdout, stderr: stderr}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	switch cmd {
	case "help":
		usage(stdout)
		return 0
	case "version":
		fmt.Fprintf(stdout, "sonnun %s\n", Version)
		return 0
	case "init":
		return e.cmdInit(rest)
	}

	if err := e.setup(*debug); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer e.close()

	var err error
	switch cmd {
	case "keygen":
		err = e.cmdKeygen(rest)
	case "pubkey":
		err = e.cmdPubkey(rest)
	case "session":
		err = e.cmdSession(ctx, rest)
	case "history":
		err = e.cmdHistory(ctx, rest)
	case "stats":
		err = e.cmdStats(ctx, rest)
	case "lookup":
		err = e.cmdLookup(ctx, rest)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		usage(stderr)
		return 2
	}

	if err != nil {
		if errors.Is(err, errUsage) {
			return 2
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		e.audit.LogError(ctx, cmd, err)
		return 1
	}
	return 0
}

var errUsage = errors.New("usage")

func usage(w io.Writer) {
	fmt.Fprintln(w, `sonnun - provenance accounting for written documents

Usage: sonnun [options] <command> [args]

Commands:
  init [-force]                       Write a default config file
  keygen [-force]                     Generate the signing key pair
  pubkey                              Print the public key for verifiers
  session <file>                      Track edits to a plain-text document
  history [-category c] [-limit n]    List logged provenance events
  stats                               Summarize the event store
  lookup <hash | artifact.html>       Show the recorded export of a document
  version                             Print the version

Session commands (one per line on stdin):
  :ai <prompt>                        Append an AI completion
  :cite <source> | <text>             Append a citation
  :export <out.html>                  Sign and export the document
  :status                             Show composition and counters
  :quit                               End the session

Options:
  -config <path>  Path to config file
  -debug          Enable debug logging`)
}

func (e *env) setup(debug bool) error {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, w := range config.ValidateConfig(cfg).Warnings() {
		fmt.Fprintf(e.stderr, "Warning: %s\n", w.Error())
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	lc, err := cfg.Logging.LoggerConfig("sonnun")
	if err != nil {
		return err
	}
	if lc.Output == "stderr" || lc.Output == "" {
		lc.Writer = e.stderr
	}
	logger, err := logging.New(lc)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	var audit *logging.AuditLogger
	if cfg.Logging.AuditPath != "" {
		audit, err = logging.NewAuditLogger(cfg.Logging.AuditPath, "sonnun")
		if err != nil {
			logger.Close()
			return err
		}
	}

	e.cfg, e.logger, e.audit = cfg, logger, audit
	return nil
}

func (e *env) close() {
	e.audit.Close()
	e.logger.Close()
}

func (e *env) keyStore() *signer.KeyStore {
	return signer.NewKeyStore(e.cfg.Signing.KeyPath, e.cfg.Signing.PublicKeyPath).
		WithLogger(e.logger.Logger).
		WithAudit(e.audit)
}

// openStore opens the configured event store. The SQLite handle is
// returned separately for the queries only it supports.
func (e *env) openStore() (provenance.Store, *store.Store, error) {
	switch e.cfg.Storage.Type {
	case "memory":
		return provenance.NewMemoryStore(), nil, nil
	default:
		db, err := store.OpenWithOptions(e.cfg.Storage.Path, store.Options{
			BusyTimeout: msDuration(e.cfg.Storage.BusyTimeoutMs),
		})
		if err != nil {
			return nil, nil, err
		}
		return db, db, nil
	}
}

func (e *env) openSQLite() (*store.Store, error) {
	if e.cfg.Storage.Type != "sqlite" {
		return nil, fmt.Errorf("this command requires sqlite storage (configured: %s)", e.cfg.Storage.Type)
	}
	if _, err := os.Stat(e.cfg.Storage.Path); os.IsNotExist(err) {
		return nil, fmt.Errorf("no event store at %s; run a session first", e.cfg.Storage.Path)
	}
	_, db, err := e.openStore()
	return db, err
}
