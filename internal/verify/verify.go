// Package verify checks exported provenance artifacts without access to the
// authoring tool, its database or its keys.
//
// Verification is a fixed pipeline of stages, each of which can end it:
//
//	parse        locate and decode the signed manifest block
//	key          compare the embedded public key with an expected one
//	signature    check the Ed25519 signature over the canonical manifest
//	consistency  recompute shares and total from the embedded events
//
// Outcomes are values, not errors. Only failing to read an artifact is an
// error.
package verify

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"sonnun/pkg/artifact"
)

// Tolerance is the allowed difference between stated and recomputed
// percentages.
const Tolerance = 1e-6

// Status is the overall verification outcome.
type Status string

const (
	StatusValid            Status = "VALID"
	StatusInvalidSignature Status = "INVALID_SIGNATURE"
	StatusKeyMismatch      Status = "KEY_MISMATCH"
	StatusMalformed        Status = "MALFORMED_ARTIFACT"
	StatusInconsistent     Status = "INCONSISTENT_MANIFEST"
)

// Exit codes that are not tied to a Status.
const (
	ExitIOError = 1
	ExitUsage   = 2
)

// ExitCode maps the status to the verifier's process exit code.
func (s Status) ExitCode() int {
	switch s {
	case StatusValid:
		return 0
	case StatusInvalidSignature:
		return 3
	case StatusKeyMismatch:
		return 4
	case StatusMalformed:
		return 5
	case StatusInconsistent:
		return 6
	default:
		return ExitIOError
	}
}

// Stage names, in pipeline order.
const (
	StageParse       = "parse"
	StageKey         = "key"
	StageSignature   = "signature"
	StageConsistency = "consistency"
)

// StageStatus is the outcome of one stage.
type StageStatus string

const (
	StagePassed  StageStatus = "passed"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// StageResult records one stage.
type StageResult struct {
	Stage    string        `json:"stage"`
	Status   StageStatus   `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Result is the verdict for one artifact. Fields past Stages are filled in
// as far as the pipeline got.
type Result struct {
	Path     string        `json:"path,omitempty"`
	Status   Status        `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Stages   []StageResult `json:"stages"`
	Duration time.Duration `json:"duration_ns"`

	PublicKey    string    `json:"public_key,omitempty"`
	Fingerprint  string    `json:"fingerprint,omitempty"`
	DocumentHash string    `json:"document_hash,omitempty"`
	SignedAt     time.Time `json:"signed_at,omitempty"`
	GeneratedAt  time.Time `json:"generated_at,omitempty"`
	HumanPct     float64   `json:"human_pct"`
	AIPct        float64   `json:"ai_pct"`
	CitedPct     float64   `json:"cited_pct"`
	TotalChars   int       `json:"total_chars"`
	EventCount   int       `json:"event_count"`
}

// Valid reports whether the artifact verified.
func (r *Result) Valid() bool {
	return r.Status == StatusValid
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithExpectedKey requires the artifact to be signed by pub.
func WithExpectedKey(pub ed25519.PublicKey) Option {
	return func(v *Verifier) {
		v.expected = pub
	}
}

// WithParallelism bounds the number of artifacts verified at once by
// VerifyFiles.
func WithParallelism(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.parallelism = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

// Verifier is stateless apart from its options and safe for concurrent
// use.
type Verifier struct {
	expected    ed25519.PublicKey
	parallelism int
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a verifier.
func New(opts ...Option) *Verifier {
	v := &Verifier{
		parallelism: 4,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("component", "verify")
	return v
}

// Verify checks artifact bytes with an optional expected key.
func Verify(data []byte, expected ed25519.PublicKey) *Result {
	return New(WithExpectedKey(expected)).Verify(data)
}

// Verify runs the pipeline over artifact bytes: an HTML page carrying the
// manifest block, or a bare JSON signed manifest.
func (v *Verifier) Verify(data []byte) *Result {
	start := v.now()
	p := &pipeline{v: v, result: &Result{}}
	p.run(data)
	p.result.Duration = v.now().Sub(start)
	return p.result
}

// VerifyFile reads and verifies the artifact at path.
func (v *Verifier) VerifyFile(ctx context.Context, path string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("verify: read %s: %w", path, err)
	}
	r := v.Verify(data)
	r.Path = path
	v.logger.Debug("artifact verified", "path", path, "status", r.Status)
	return r, nil
}

// VerifyFiles verifies paths concurrently. Results are in input order. The
// first read error cancels the remaining work and is returned.
func (v *Verifier) VerifyFiles(ctx context.Context, paths []string) ([]*Result, error) {
	results := make([]*Result, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(v.parallelism)

	for i, path := range paths {
		g.Go(func() error {
			r, err := v.VerifyFile(ctx, path)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

type pipeline struct {
	v      *Verifier
	result *Result

	signed *artifact.SignedManifest
	body   *artifact.Manifest
	pub    ed25519.PublicKey
	sig    []byte
}

type stageFunc func() (Status, string)

func (p *pipeline) run(data []byte) {
	stages := []struct {
		name string
		fn   stageFunc
	}{
		{StageParse, func() (Status, string) { return p.parse(data) }},
		{StageKey, p.checkKey},
		{StageSignature, p.checkSignature},
		{StageConsistency, p.checkConsistency},
	}

	for i, st := range stages {
		begin := p.v.now()
		status, msg := st.fn()
		sr := StageResult{Stage: st.name, Status: StagePassed, Message: msg, Duration: p.v.now().Sub(begin)}
		if status != StatusValid {
			sr.Status = StageFailed
			p.result.Stages = append(p.result.Stages, sr)
			for _, rest := range stages[i+1:] {
				p.result.Stages = append(p.result.Stages, StageResult{Stage: rest.name, Status: StageSkipped})
			}
			p.result.Status = status
			p.result.Reason = msg
			return
		}
		p.result.Stages = append(p.result.Stages, sr)
	}
	p.result.Status = StatusValid
}

func (p *pipeline) parse(data []byte) (Status, string) {
	signed, err := artifact.Load(data)
	if err != nil {
		return StatusMalformed, trimPrefix(err)
	}
	body, err := signed.Contents()
	if err != nil {
		return StatusMalformed, trimPrefix(err)
	}
	pub, err := signed.PublicKeyBytes()
	if err != nil {
		return StatusMalformed, trimPrefix(err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return StatusMalformed, fmt.Sprintf("public key is %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	sig, err := signed.SignatureBytes()
	if err != nil {
		return StatusMalformed, trimPrefix(err)
	}
	if len(sig) != ed25519.SignatureSize {
		return StatusMalformed, fmt.Sprintf("signature is %d bytes, want %d", len(sig), ed25519.SignatureSize)
	}

	p.signed, p.body, p.pub, p.sig = signed, body, ed25519.PublicKey(pub), sig

	r := p.result
	r.PublicKey = signed.PublicKey
	r.Fingerprint = fingerprint(p.pub)
	r.DocumentHash = body.DocumentHash
	r.SignedAt = signed.SignedAt
	r.GeneratedAt = body.GeneratedAt
	r.HumanPct, r.AIPct, r.CitedPct = body.HumanPct, body.AIPct, body.CitedPct
	r.TotalChars = body.TotalChars
	r.EventCount = len(body.Events)
	return StatusValid, fmt.Sprintf("%d events", len(body.Events))
}

func (p *pipeline) checkKey() (Status, string) {
	if len(p.v.expected) == 0 {
		return StatusValid, "no expected key given"
	}
	if !bytes.Equal(p.v.expected, p.pub) {
		return StatusKeyMismatch, fmt.Sprintf("signed by %s, expected %s", fingerprint(p.pub), fingerprint(p.v.expected))
	}
	return StatusValid, "matches expected key"
}

func (p *pipeline) checkSignature() (Status, string) {
	msg, err := p.signed.SignedBytes()
	if err != nil {
		return StatusMalformed, trimPrefix(err)
	}
	if !ed25519.Verify(p.pub, msg, p.sig) {
		return StatusInvalidSignature, "signature does not match manifest"
	}
	return StatusValid, "ed25519 signature valid"
}

func (p *pipeline) checkConsistency() (Status, string) {
	var human, ai, cited int
	for _, e := range p.body.Events {
		switch e.Category {
		case "human":
			human += e.SpanLength
		case "ai":
			ai += e.SpanLength
		case "cited":
			cited += e.SpanLength
		default:
			return StatusMalformed, fmt.Sprintf("event %d: unknown category %q", e.SequenceID, e.Category)
		}
	}

	total := human + ai + cited
	if total != p.body.TotalChars {
		return StatusInconsistent, fmt.Sprintf("events cover %d characters, manifest states %d", total, p.body.TotalChars)
	}

	wantHuman, wantAI, wantCited := 100.0, 0.0, 0.0
	if total > 0 {
		wantHuman = 100 * float64(human) / float64(total)
		wantAI = 100 * float64(ai) / float64(total)
		wantCited = 100 * float64(cited) / float64(total)
	}

	checks := []struct {
		name          string
		stated, recal float64
	}{
		{"human", p.body.HumanPct, wantHuman},
		{"ai", p.body.AIPct, wantAI},
		{"cited", p.body.CitedPct, wantCited},
	}
	for _, c := range checks {
		if math.Abs(c.stated-c.recal) > Tolerance {
			return StatusInconsistent, fmt.Sprintf("%s share stated %.6f%%, events give %.6f%%", c.name, c.stated, c.recal)
		}
	}
	return StatusValid, fmt.Sprintf("%d characters across %d events", total, len(p.body.Events))
}

// ErrInvalidPublicKey is returned by ParsePublicKey.
var ErrInvalidPublicKey = errors.New("verify: invalid public key")

// ParsePublicKey accepts a standard base64 Ed25519 key or an ssh-ed25519
// authorized_keys line.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "ssh-ed25519 ") {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		cpk, ok := pub.(ssh.CryptoPublicKey)
		if !ok {
			return nil, ErrInvalidPublicKey
		}
		edPub, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
		if !ok {
			return nil, ErrInvalidPublicKey
		}
		return edPub, nil
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidPublicKey, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

func fingerprint(pub ed25519.PublicKey) string {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "invalid"
	}
	return ssh.FingerprintSHA256(sshPub)
}

func trimPrefix(err error) string {
	return strings.TrimPrefix(err.Error(), "artifact: ")
}
