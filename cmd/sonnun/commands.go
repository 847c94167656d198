package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sonnun/internal/attribution"
	"sonnun/internal/config"
	"sonnun/internal/provenance"
	"sonnun/internal/signer"
	"sonnun/internal/store"
	"sonnun/internal/verify"
	"sonnun/pkg/artifact"
)

func (e *env) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	return nil
}

func (e *env) cmdInit(args []string) int {
	fs := e.newFlagSet("init")
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := parseFlags(fs, args); err != nil {
		return 2
	}

	path := e.configPath
	if path == "" {
		path = config.ConfigPath()
	}
	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Fprintf(e.stderr, "Config already exists at %s (use -force to overwrite)\n", path)
		return 1
	}

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(e.stderr, "Error: %v\n", err)
		return 1
	}
	if err := config.Save(cfg, path); err != nil {
		fmt.Fprintf(e.stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(e.stdout, "Wrote %s\n", path)
	fmt.Fprintf(e.stdout, "Data directory: %s\n", config.DataDir())
	fmt.Fprintln(e.stdout, "Next: run 'sonnun keygen' to create your signing key.")
	return 0
}

func (e *env) cmdKeygen(args []string) error {
	fs := e.newFlagSet("keygen")
	force := fs.Bool("force", false, "replace an existing key pair")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	ks := e.keyStore()
	if ks.Exists() && !*force {
		return fmt.Errorf("signing key already exists at %s (use -force to replace it; artifacts signed with the old key will no longer match your published key)", ks.PrivatePath())
	}

	kp, err := signer.GenerateKeyPair(rand.Reader)
	if err != nil {
		return err
	}
	defer kp.Wipe()

	if err := ks.Persist(kp); err != nil {
		return err
	}

	fmt.Fprintf(e.stdout, "Private key: %s\n", ks.PrivatePath())
	fmt.Fprintf(e.stdout, "Public key:  %s\n", ks.PublicPath())
	fmt.Fprintf(e.stdout, "Fingerprint: %s\n", kp.Fingerprint())
	return nil
}

func (e *env) cmdPubkey(args []string) error {
	fs := e.newFlagSet("pubkey")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	pub, err := e.keyStore().LoadPublic()
	if err != nil {
		if errors.Is(err, signer.ErrKeyNotFound) || errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no signing key; run 'sonnun keygen' first")
		}
		return err
	}

	fmt.Fprintf(e.stdout, "base64:      %s\n", signer.EncodePublicKey(pub))
	fmt.Fprintf(e.stdout, "openssh:     %s\n", signer.AuthorizedKey(pub))
	fmt.Fprintf(e.stdout, "fingerprint: %s\n", signer.Fingerprint(pub))
	return nil
}

func (e *env) cmdHistory(ctx context.Context, args []string) error {
	fs := e.newFlagSet("history")
	category := fs.String("category", "", "only show events of this category (human, ai, cited)")
	limit := fs.Int("limit", 50, "maximum number of events (0 for all)")
	document := fs.String("document", "", "only show events for this document id")
	asJSON := fs.Bool("json", false, "print events as JSON")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	f := provenance.Filter{DocumentID: *document, Limit: *limit}
	if *category != "" {
		c, err := attribution.ParseCategory(*category)
		if err != nil {
			return err
		}
		f.Category = c
	}

	db, err := e.openSQLite()
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := db.List(ctx, f)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(e.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}

	if len(events) == 0 {
		fmt.Fprintln(e.stdout, "No provenance events recorded.")
		return nil
	}

	fmt.Fprintln(e.stdout, "=== Provenance History ===")
	fmt.Fprintf(e.stdout, "%-6s %-20s %-6s %-24s %6s  %s\n", "Seq", "Time", "Cat", "Source", "Chars", "Content")
	fmt.Fprintln(e.stdout, strings.Repeat("-", 86))
	for _, ev := range events {
		fmt.Fprintf(e.stdout, "%-6d %-20s %-6s %-24s %6d  %s\n",
			ev.Sequence,
			ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
			ev.Category,
			truncate(ev.Source, 24),
			ev.SpanLength,
			truncate(ev.ContentReference, 23)+"...",
		)
	}
	return nil
}

func (e *env) cmdStats(ctx context.Context, args []string) error {
	fs := e.newFlagSet("stats")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	db, err := e.openSQLite()
	if err != nil {
		return err
	}
	defer db.Close()

	docs, err := db.Documents(ctx)
	if err != nil {
		return err
	}
	totals, err := db.CategoryTotals(ctx, "")
	if err != nil {
		return err
	}
	exports, err := db.ListExports(ctx, "", 5)
	if err != nil {
		return err
	}

	fmt.Fprintln(e.stdout, "=== sonnun Statistics ===")
	fmt.Fprintf(e.stdout, "Event store: %s\n", e.cfg.Storage.Path)
	fmt.Fprintf(e.stdout, "Documents:   %d\n", len(docs))
	fmt.Fprintln(e.stdout)

	fmt.Fprintf(e.stdout, "%-8s %8s %10s\n", "Category", "Events", "Chars")
	var counts attribution.Counts
	for _, c := range attribution.Categories {
		t := totals[c]
		counts.Add(c, t.Chars)
		fmt.Fprintf(e.stdout, "%-8s %8d %10d\n", c, t.Events, t.Chars)
	}
	fmt.Fprintf(e.stdout, "Logged composition: %s\n", counts.Percentages())
	fmt.Fprintln(e.stdout)

	n, err := db.VerifyChain(ctx)
	var chainErr *store.ChainError
	switch {
	case errors.As(err, &chainErr):
		fmt.Fprintf(e.stdout, "Integrity: BROKEN (%v)\n", chainErr)
	case err != nil:
		return err
	default:
		fmt.Fprintf(e.stdout, "Integrity: OK (%d events chained)\n", n)
	}

	if len(exports) > 0 {
		fmt.Fprintln(e.stdout)
		fmt.Fprintln(e.stdout, "Recent exports:")
		for _, x := range exports {
			fmt.Fprintf(e.stdout, "  %s  %-30s  human %.2f%%  ai %.2f%%  cited %.2f%%\n",
				x.SignedAt.Local().Format("2006-01-02 15:04"), truncate(filepath.Base(x.OutputPath), 30),
				x.HumanPct, x.AIPct, x.CitedPct)
		}
	}
	return nil
}

// cmdLookup finds the latest recorded export of a document hash. The
// argument is a hash or an artifact file whose manifest names one.
func (e *env) cmdLookup(ctx context.Context, args []string) error {
	fs := e.newFlagSet("lookup")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(e.stderr, "Usage: sonnun lookup <document_hash | artifact.html>")
		return errUsage
	}

	hash, err := documentHash(fs.Arg(0))
	if err != nil {
		return err
	}

	db, err := e.openSQLite()
	if err != nil {
		return err
	}
	defer db.Close()

	rec, err := db.GetExportByHash(ctx, hash)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no export recorded for %s", hash)
	}

	fingerprint := rec.PublicKey
	if pub, err := verify.ParsePublicKey(rec.PublicKey); err == nil {
		fingerprint = signer.Fingerprint(pub)
	}

	fmt.Fprintf(e.stdout, "Document:    %s\n", rec.DocumentHash)
	fmt.Fprintf(e.stdout, "Exported:    %s\n", rec.SignedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(e.stdout, "Path:        %s\n", rec.OutputPath)
	if rec.Title != "" {
		fmt.Fprintf(e.stdout, "Title:       %s\n", rec.Title)
	}
	if rec.Author != "" {
		fmt.Fprintf(e.stdout, "Author:      %s\n", rec.Author)
	}
	fmt.Fprintf(e.stdout, "Composition: human %.2f%%  ai %.2f%%  cited %.2f%%  (%d characters)\n",
		rec.HumanPct, rec.AIPct, rec.CitedPct, rec.TotalChars)
	fmt.Fprintf(e.stdout, "Signed by:   %s\n", fingerprint)
	return nil
}

func documentHash(arg string) (string, error) {
	if info, err := os.Stat(arg); err == nil && info.Mode().IsRegular() {
		data, err := os.ReadFile(arg)
		if err != nil {
			return "", err
		}
		signed, err := artifact.Load(data)
		if err != nil {
			return "", err
		}
		m, err := signed.Contents()
		if err != nil {
			return "", err
		}
		return m.DocumentHash, nil
	}

	hash := strings.ToLower(arg)
	if !strings.HasPrefix(hash, "sha256:") {
		hash = "sha256:" + hash
	}
	if len(hash) != len("sha256:")+64 {
		return "", fmt.Errorf("%s is neither an artifact file nor a sha256 document hash", arg)
	}
	if _, err := hex.DecodeString(strings.TrimPrefix(hash, "sha256:")); err != nil {
		return "", fmt.Errorf("%s is neither an artifact file nor a sha256 document hash", arg)
	}
	return hash, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
