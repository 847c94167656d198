// Package artifact defines the wire format of a signed provenance artifact:
// the manifest, its signature envelope, and the HTML page that carries
// them. It is shared by the exporter and the independent verifier and
// depends on nothing else in this module.
package artifact

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/gowebpki/jcs"
)

// ErrMalformed is wrapped by every parse failure.
var ErrMalformed = errors.New("artifact: malformed")

// Event is the shared form of a provenance event. Raw text never appears.
type Event struct {
	SequenceID       int64     `json:"sequence_id"`
	Timestamp        time.Time `json:"timestamp"`
	Category         string    `json:"category"`
	Source           string    `json:"source"`
	SpanLength       int       `json:"span_length"`
	ContentReference string    `json:"content_reference"`
}

// Manifest is the provenance claim over one document snapshot.
type Manifest struct {
	HumanPct     float64   `json:"human_pct"`
	AIPct        float64   `json:"ai_pct"`
	CitedPct     float64   `json:"cited_pct"`
	TotalChars   int       `json:"total_chars"`
	Events       []Event   `json:"events"`
	GeneratedAt  time.Time `json:"generated_at"`
	DocumentHash string    `json:"document_hash"`
}

// Canonical returns the RFC 8785 canonical bytes of m. These are the bytes
// that get signed.
func (m *Manifest) Canonical() ([]byte, error) {
	if m.Events == nil {
		cp := *m
		cp.Events = []Event{}
		m = &cp
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("artifact: marshal manifest: %w", err)
	}
	return Canonicalize(raw)
}

// Canonicalize transforms arbitrary JSON into its RFC 8785 form.
func Canonicalize(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("artifact: canonicalize: %w", err)
	}
	return out, nil
}

// SignedManifest is the envelope embedded in an exported artifact.
// Manifest holds the manifest JSON exactly as it was signed.
type SignedManifest struct {
	Manifest  json.RawMessage `json:"manifest"`
	Signature string          `json:"signature"`
	PublicKey string          `json:"public_key"`
	SignedAt  time.Time       `json:"signed_at"`
}

// Contents decodes the embedded manifest.
func (s *SignedManifest) Contents() (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(s.Manifest, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrMalformed, err)
	}
	return &m, nil
}

// SignedBytes re-derives the canonical bytes of the embedded manifest.
func (s *SignedManifest) SignedBytes() ([]byte, error) {
	b, err := Canonicalize(s.Manifest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !sameLiterals(s.Manifest, b) {
		return nil, fmt.Errorf("%w: manifest is not in canonical form", ErrMalformed)
	}
	return b, nil
}

// sameLiterals reports whether a and b hold the same JSON values with
// number literals spelled identically. Canonicalization rounds numbers,
// so two spellings of one float would otherwise share a signature.
func sameLiterals(a, b []byte) bool {
	va, err := decodeLiterals(a)
	if err != nil {
		return false
	}
	vb, err := decodeLiterals(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

func decodeLiterals(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// PublicKeyBytes decodes the standard base64 public key.
func (s *SignedManifest) PublicKeyBytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrMalformed, err)
	}
	return b, nil
}

// SignatureBytes decodes the standard base64 signature.
func (s *SignedManifest) SignatureBytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	return b, nil
}

// Marshal encodes the envelope as JSON.
func (s *SignedManifest) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// MarshalIndent encodes the envelope as indented JSON for bare JSON
// artifacts. The manifest bytes are re-indented but their canonical form is
// unchanged.
func (s *SignedManifest) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
