package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"sonnun/internal/assist"
	"sonnun/internal/attribution"
	"sonnun/internal/config"
	"sonnun/internal/export"
	"sonnun/internal/provenance"
	"sonnun/internal/security"
	"sonnun/internal/signer"
	"sonnun/internal/store"
	"sonnun/internal/tracking"
	"sonnun/internal/watcher"
)

// baselineSource tags the text a file already held when a session began.
const baselineSource = "baseline"

// repl drives one tracking session from line commands.
type repl struct {
	env     *env
	logger  *slog.Logger
	surface *watcher.FileSurface
	session *tracking.Session
	log     *provenance.Log
	db      *store.Store

	title  string
	author string

	provider assist.Provider
	key      *signer.KeyPair
	exporter *export.Exporter
}

func (e *env) cmdSession(ctx context.Context, args []string) error {
	fs := e.newFlagSet("session")
	title := fs.String("title", e.cfg.Export.Title, "artifact title")
	author := fs.String("author", e.cfg.Export.Author, "artifact author")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(e.stderr, "Usage: sonnun session [-title t] [-author a] <file>")
		return errUsage
	}
	logger := e.logger.Logger

	unlock, err := lockDocument(fs.Arg(0))
	if err != nil {
		return err
	}
	defer unlock()

	st, db, err := e.openStore()
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	log, err := provenance.NewLog(ctx, st,
		provenance.WithLogger(logger),
		provenance.WithRetainRawText(e.cfg.Storage.RetainRawText),
		provenance.WithDocumentID(uuid.NewString()),
	)
	if err != nil {
		return err
	}
	defer log.Close()

	surface, err := watcher.Open(fs.Arg(0),
		watcher.WithDebounce(msDuration(e.cfg.Watch.DebounceMs)),
		watcher.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if baseline := surface.Text(); strings.TrimSpace(baseline) != "" {
		log.Append(provenance.Event{
			Category: attribution.Human,
			Source:   baselineSource,
			Text:     baseline,
		})
	}

	session := tracking.NewSession(surface, log,
		tracking.WithLogger(logger),
		tracking.WithAudit(e.audit),
		tracking.WithDocumentPath(surface.Path()),
	)
	defer session.Close()
	surface.SetObserver(session.OnUpdate)

	if err := surface.Start(); err != nil {
		return fmt.Errorf("watch %s: %w", surface.Path(), err)
	}
	defer surface.Stop()

	r := &repl{
		env:     e,
		logger:  logger,
		surface: surface,
		session: session,
		log:     log,
		db:      db,
		title:   *title,
		author:  *author,
	}
	defer r.wipeKey()

	fmt.Fprintf(e.stdout, "Tracking %s (document %s)\n", surface.Path(), log.DocumentID())
	fmt.Fprintln(e.stdout, "Edit the file in any editor. Type :help for commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(e.stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(e.stdout, "Interrupted; closing session.")
			return nil
		case err := <-surface.Errors():
			logger.Warn("watch error", "error", err)
		case err := <-log.Diagnostics():
			logger.Warn("event not persisted", "error", err)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if r.handle(ctx, line) {
				return nil
			}
		}
	}
}

// handle runs one command line and reports whether the session should end.
func (r *repl) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	out := r.env.stdout

	var err error
	switch cmd {
	case ":ai":
		err = r.insertAI(ctx, arg)
	case ":cite":
		err = r.cite(arg)
	case ":export":
		err = r.export(ctx, arg)
	case ":status":
		err = r.status()
	case ":help", ":h":
		fmt.Fprintln(out, "Commands: :ai <prompt>, :cite <source> | <text>, :export <out.html>, :status, :quit")
	case ":quit", ":q", ":exit":
		st := r.session.Status()
		fmt.Fprintf(out, "Session ended: %s\n", st.Percentages)
		return true
	default:
		fmt.Fprintf(out, "Unknown command %q (type :help)\n", cmd)
	}

	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
	}
	return false
}

func (r *repl) insertAI(ctx context.Context, prompt string) error {
	if prompt == "" {
		return errors.New("usage: :ai <prompt>")
	}
	p, err := r.assistProvider()
	if err != nil {
		return err
	}
	// Pick up saves the debounce has not applied yet.
	if err := r.surface.Reload(); err != nil {
		return err
	}

	fmt.Fprintln(r.env.stdout, "Requesting completion...")
	c, err := r.session.InsertAI(ctx, p, prompt, r.surface.Len())
	if err != nil {
		return err
	}
	fmt.Fprintf(r.env.stdout, "Inserted %d characters from %s\n", len([]rune(c.Text)), c.Model)
	return nil
}

func (r *repl) cite(arg string) error {
	source, text, ok := strings.Cut(arg, "|")
	if !ok {
		return errors.New("usage: :cite <source> | <text>")
	}
	if err := r.surface.Reload(); err != nil {
		return err
	}
	source, text = strings.TrimSpace(source), strings.TrimSpace(text)
	if err := r.session.InsertCitation(r.surface.Len(), source, text, nil); err != nil {
		return err
	}
	fmt.Fprintf(r.env.stdout, "Cited %s (%d characters)\n", source, len([]rune(text)))
	return nil
}

func (r *repl) export(ctx context.Context, out string) error {
	if out == "" {
		return errors.New("usage: :export <out.html>")
	}
	exp, err := r.exporterFor()
	if err != nil {
		return err
	}
	if err := r.surface.Reload(); err != nil {
		return err
	}

	res, err := exp.Export(ctx, export.Request{
		Spans:      r.surface.Spans(),
		Title:      r.title,
		Author:     r.author,
		OutputPath: out,
		DocumentID: r.log.DocumentID(),
	})
	if err != nil {
		return err
	}

	m := res.Manifest
	w := r.env.stdout
	fmt.Fprintf(w, "Exported %s\n", res.Path)
	fmt.Fprintf(w, "  human %.2f%%  ai %.2f%%  cited %.2f%%  (%d characters, %d events)\n",
		m.HumanPct, m.AIPct, m.CitedPct, m.TotalChars, len(m.Events))
	fmt.Fprintf(w, "  %s\n", m.DocumentHash)
	if !res.Check.Valid() {
		fmt.Fprintf(w, "  Warning: artifact verifies as %s: %s\n", res.Check.Status, res.Check.Reason)
	}
	return nil
}

func (r *repl) status() error {
	st := r.session.Status()
	w := r.env.stdout
	fmt.Fprintf(w, "Document:    %s\n", st.DocumentPath)
	fmt.Fprintf(w, "Session:     %s (running %s)\n", st.ID, st.Duration.Round(time.Second))
	fmt.Fprintf(w, "Composition: %s\n", st.Percentages)
	fmt.Fprintf(w, "Characters:  %d human, %d ai, %d cited\n", st.Counts.Human, st.Counts.AI, st.Counts.Cited)
	fmt.Fprintf(w, "Changes:     %d seen, %d typed, %d whitespace, %d programmatic\n",
		st.Notifications, st.HumanLogged, st.Ignored, st.Skipped)
	fmt.Fprintf(w, "Assist:      %d calls, %d errors; %d citations, %d cancelled\n",
		st.AICalls, st.AIErrors, st.Citations, st.Cancelled)
	return nil
}

func (r *repl) assistProvider() (assist.Provider, error) {
	if r.provider != nil {
		return r.provider, nil
	}
	cfg := r.env.cfg
	p, err := assist.NewOpenAIProvider(assist.Config{
		Endpoint:          cfg.Assist.Endpoint,
		Model:             cfg.Assist.Model,
		MaxTokens:         cfg.Assist.MaxTokens,
		Temperature:       cfg.Assist.Temperature,
		Timeout:           time.Duration(cfg.Assist.TimeoutSec) * time.Second,
		APIKey:            cfg.APIKey(),
		RequestsPerMinute: cfg.Assist.RequestsPerMinute,
	}, assist.WithLogger(r.logger))
	if err != nil {
		if errors.Is(err, assist.ErrMissingAPIKey) {
			return nil, fmt.Errorf("%w: set %s", err, cfg.Assist.APIKeyEnv)
		}
		return nil, err
	}
	r.provider = p
	return p, nil
}

func (r *repl) exporterFor() (*export.Exporter, error) {
	if r.exporter != nil {
		return r.exporter, nil
	}
	kp, err := r.env.keyStore().Load()
	if err != nil {
		if errors.Is(err, signer.ErrKeyNotFound) {
			return nil, errors.New("no signing key; run 'sonnun keygen' first")
		}
		return nil, err
	}
	r.key = kp

	opts := []export.Option{
		export.WithLogger(r.logger),
		export.WithAudit(r.env.audit),
	}
	if r.db != nil {
		opts = append(opts, export.WithRecorder(r.db))
	}
	r.exporter = export.New(r.log, signer.New(kp, r.logger), opts...)
	return r.exporter, nil
}

func (r *repl) wipeKey() {
	if r.key != nil {
		r.key.Wipe()
	}
}

// lockDocument keeps two sessions from tracking the same file. The lock
// lives in the data directory, keyed by the file's absolute path.
func lockDocument(path string) (func(), error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(abs))
	lockPath := filepath.Join(config.DataDir(), "locks", hex.EncodeToString(sum[:8])+".lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), security.PermSecretDir); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, security.PermSecretFile)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	ok, err := security.TryLockFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		f.Close()
		return nil, fmt.Errorf("%s is already tracked by another session", path)
	}
	return func() {
		security.UnlockFile(f)
		f.Close()
	}, nil
}
