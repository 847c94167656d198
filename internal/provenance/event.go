// Package provenance implements the append-only event log that records
// every attributed insertion made while authoring a document.
package provenance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"sonnun/internal/attribution"
)

// ContentRefPrefix prefixes every content reference and document hash.
const ContentRefPrefix = "sha256:"

// Event is one immutable record of an attributed insertion.
type Event struct {
	Sequence         int64                `json:"sequence_id"`
	Timestamp        time.Time            `json:"timestamp"`
	Category         attribution.Category `json:"category"`
	Source           string               `json:"source"`
	SpanLength       int                  `json:"span_length"`
	ContentReference string               `json:"content_reference"`

	// DocumentID scopes the event inside a shared local store.
	DocumentID string `json:"-"`
	// Text is the inserted text. It is hashed into ContentReference and
	// kept only when the log retains raw text.
	Text string `json:"-"`
}

// ContentReference returns the hash reference of inserted text.
func ContentReference(text string) string {
	sum := sha256.Sum256([]byte(text))
	return ContentRefPrefix + hex.EncodeToString(sum[:])
}

// Less orders events by (timestamp, sequence id).
func Less(a, b Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Sequence < b.Sequence
}

// Sort orders events in place by (timestamp, sequence id).
func Sort(events []Event) {
	sort.SliceStable(events, func(i, j int) bool { return Less(events[i], events[j]) })
}

// Validate checks the record invariants.
func (e Event) Validate() error {
	if !e.Category.Valid() {
		return fmt.Errorf("%w: %q", attribution.ErrInvalidCategory, e.Category)
	}
	if e.SpanLength < 0 {
		return fmt.Errorf("provenance: negative span length %d", e.SpanLength)
	}
	return nil
}

// complete fills the derived fields from Text.
func (e *Event) complete(now time.Time, retainRaw bool) {
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Category = e.Category.OrDefault()
	if e.ContentReference == "" {
		e.ContentReference = ContentReference(e.Text)
		e.SpanLength = utf8.RuneCountInString(e.Text)
	}
	if !retainRaw {
		e.Text = ""
	}
}

// Filter narrows a List query. Zero fields do not filter.
type Filter struct {
	Since      time.Time
	Category   attribution.Category
	DocumentID string
	Limit      int
}

// Match reports whether e passes every filter except Limit.
func (f Filter) Match(e Event) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.DocumentID != "" && e.DocumentID != f.DocumentID {
		return false
	}
	return true
}

// Store persists events. Implementations must keep appended events
// immutable and return List results ordered by (timestamp, sequence id).
// Sequence ids are unique per document, so several logs may share a store.
type Store interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, f Filter) ([]Event, error)
	LastSequence(ctx context.Context, documentID string) (int64, error)
}

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("provenance: log closed")

// PersistenceError reports an event that could not be stored.
type PersistenceError struct {
	Sequence int64
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("provenance: persist event %d: %v", e.Sequence, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
