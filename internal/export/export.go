// Package export turns a live document into a signed, self-contained HTML
// artifact.
//
// An export snapshots the surface spans, builds the manifest from the
// event log, signs it, renders the page and writes it atomically. The
// artifact is verified in memory before it is written so that a manifest
// which would not verify as consistent is reported at export time.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"sonnun/internal/attribution"
	"sonnun/internal/logging"
	"sonnun/internal/manifest"
	"sonnun/internal/security"
	"sonnun/internal/signer"
	"sonnun/internal/store"
	"sonnun/internal/verify"
	"sonnun/pkg/artifact"
)

var (
	ErrNoOutput = errors.New("export: output path is required")
	ErrNoSigner = errors.New("export: no signer configured")
)

// Recorder keeps a local record of every export.
type Recorder interface {
	InsertExport(ctx context.Context, r *store.ExportRecord) (int64, error)
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithRecorder records each export, typically in the SQLite store.
func WithRecorder(r Recorder) Option {
	return func(e *Exporter) { e.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithAudit records exports in the audit log.
func WithAudit(a *logging.AuditLogger) Option {
	return func(e *Exporter) { e.audit = a }
}

// WithClock overrides the manifest generation clock.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

// Exporter produces signed artifacts for one event log.
type Exporter struct {
	events   manifest.EventSource
	signer   *signer.Signer
	recorder Recorder
	logger   *slog.Logger
	audit    *logging.AuditLogger
	now      func() time.Time
}

// New creates an exporter over events, signing with s.
func New(events manifest.EventSource, s *signer.Signer, opts ...Option) *Exporter {
	e := &Exporter{
		events: events,
		signer: s,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "export")
	return e
}

// Request describes one export.
type Request struct {
	Spans      attribution.Spans
	Title      string
	Author     string
	OutputPath string
	DocumentID string
}

// Result describes a written artifact.
type Result struct {
	Path     string
	Size     int
	Manifest *artifact.Manifest
	Signed   *artifact.SignedManifest
	// Check is the in-memory verification of the rendered bytes.
	Check    *verify.Result
	RecordID int64
}

// Render builds, signs and renders the artifact without writing it.
func (e *Exporter) Render(ctx context.Context, req Request) ([]byte, *Result, error) {
	if e.signer == nil {
		return nil, nil, ErrNoSigner
	}

	m, err := manifest.NewBuilder(e.events).WithClock(e.now).Build(ctx, req.Spans)
	if err != nil {
		return nil, nil, fmt.Errorf("export: %w", err)
	}

	signed, err := e.signer.Sign(m)
	if err != nil {
		return nil, nil, fmt.Errorf("export: %w", err)
	}

	var buf bytes.Buffer
	page := artifact.Page{
		Title:    req.Title,
		Author:   req.Author,
		Segments: Segments(req.Spans),
		Manifest: m,
		Signed:   signed,
	}
	if err := artifact.Render(&buf, page); err != nil {
		return nil, nil, fmt.Errorf("export: %w", err)
	}

	data := buf.Bytes()
	check := verify.Verify(data, e.signer.PublicKey())
	if !check.Valid() {
		e.logger.Warn("exported artifact does not verify",
			"status", check.Status,
			"reason", check.Reason,
		)
	}

	return data, &Result{
		Size:     len(data),
		Manifest: m,
		Signed:   signed,
		Check:    check,
	}, nil
}

// Export renders the artifact and writes it to req.OutputPath. A relative
// path is taken from the working directory and recorded in absolute form.
func (e *Exporter) Export(ctx context.Context, req Request) (*Result, error) {
	if req.OutputPath == "" {
		return nil, ErrNoOutput
	}
	out, err := filepath.Abs(req.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("export: output path: %w", err)
	}
	req.OutputPath = out

	data, res, err := e.Render(ctx, req)
	if err != nil {
		e.audit.LogError(ctx, "export", err)
		return nil, err
	}

	if err := security.WriteSecureFile(req.OutputPath, data, security.PermPublicFile); err != nil {
		e.audit.LogError(ctx, "export", err)
		return nil, fmt.Errorf("export: write %s: %w", req.OutputPath, err)
	}
	res.Path = req.OutputPath

	if e.recorder != nil {
		rec := &store.ExportRecord{
			DocumentID:   req.DocumentID,
			DocumentHash: res.Manifest.DocumentHash,
			Title:        req.Title,
			Author:       req.Author,
			OutputPath:   req.OutputPath,
			Signature:    res.Signed.Signature,
			PublicKey:    res.Signed.PublicKey,
			HumanPct:     res.Manifest.HumanPct,
			AIPct:        res.Manifest.AIPct,
			CitedPct:     res.Manifest.CitedPct,
			TotalChars:   res.Manifest.TotalChars,
			SignedAt:     res.Signed.SignedAt,
		}
		// The artifact is already on disk; a failed record is not fatal.
		if id, err := e.recorder.InsertExport(ctx, rec); err != nil {
			e.logger.Warn("failed to record export", "error", err)
		} else {
			res.RecordID = id
		}
	}

	e.audit.LogExport(ctx, res.Manifest.DocumentHash, req.OutputPath)
	e.logger.Info("artifact exported",
		"path", req.OutputPath,
		"document_hash", res.Manifest.DocumentHash,
		"total_chars", res.Manifest.TotalChars,
		"events", len(res.Manifest.Events),
	)
	return res, nil
}

// Segments converts spans into rendered runs, merging neighbours with the
// same tag.
func Segments(spans attribution.Spans) []artifact.Segment {
	norm := spans.Normalize()
	out := make([]artifact.Segment, 0, len(norm))
	for _, s := range norm {
		out = append(out, artifact.Segment{
			Text:     s.Text,
			Category: string(s.Category),
			Source:   s.Source,
		})
	}
	return out
}
