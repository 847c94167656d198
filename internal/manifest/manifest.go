// Package manifest snapshots the attribution state of a document into a
// deterministic, hashable manifest.
package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"sonnun/internal/attribution"
	"sonnun/internal/provenance"
	"sonnun/pkg/artifact"
)

// Manifest is the wire manifest shared with the verifier.
type Manifest = artifact.Manifest

// CanonicalText normalizes document text before hashing: NFC, LF line
// endings, no trailing blanks on any line and no trailing newlines.
func CanonicalText(text string) string {
	text = norm.NFC.String(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

// DocumentHash returns "sha256:<hex>" over the canonical text.
func DocumentHash(text string) string {
	sum := sha256.Sum256([]byte(CanonicalText(text)))
	return provenance.ContentRefPrefix + hex.EncodeToString(sum[:])
}

// Build assembles a manifest from a classifier snapshot, the logged events
// and the document text. Events are copied and sorted by (timestamp,
// sequence id); the input slice is not modified.
func Build(counts attribution.Counts, events []provenance.Event, documentText string, now time.Time) *Manifest {
	pct := counts.Percentages()

	sorted := make([]provenance.Event, len(events))
	copy(sorted, events)
	provenance.Sort(sorted)

	wire := make([]artifact.Event, 0, len(sorted))
	for _, e := range sorted {
		wire = append(wire, artifact.Event{
			SequenceID:       e.Sequence,
			Timestamp:        e.Timestamp.UTC(),
			Category:         string(e.Category.OrDefault()),
			Source:           e.Source,
			SpanLength:       e.SpanLength,
			ContentReference: e.ContentReference,
		})
	}

	return &Manifest{
		HumanPct:     pct.Human,
		AIPct:        pct.AI,
		CitedPct:     pct.Cited,
		TotalChars:   counts.Total(),
		Events:       wire,
		GeneratedAt:  now.UTC(),
		DocumentHash: DocumentHash(documentText),
	}
}

// EventSource lists logged events. *provenance.Log satisfies it.
type EventSource interface {
	List(ctx context.Context, f provenance.Filter) ([]provenance.Event, error)
}

// Builder builds manifests from a live event log.
type Builder struct {
	events EventSource
	now    func() time.Time
}

// NewBuilder returns a builder over events.
func NewBuilder(events EventSource) *Builder {
	return &Builder{events: events, now: time.Now}
}

// WithClock overrides the generation timestamp source.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build snapshots spans together with every logged event.
func (b *Builder) Build(ctx context.Context, spans attribution.Spans) (*Manifest, error) {
	events, err := b.events.List(ctx, provenance.Filter{})
	if err != nil {
		return nil, fmt.Errorf("manifest: list events: %w", err)
	}
	return Build(attribution.Tally(spans), events, spans.Text(), b.now()), nil
}
