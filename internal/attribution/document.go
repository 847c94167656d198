package attribution

import (
	"errors"
	"strings"
	"sync"
)

// ErrOutOfRange is wrapped by ClassificationError when a range does not fit
// the document.
var ErrOutOfRange = errors.New("range out of bounds")

// Spans is an ordered run of spans covering a document.
type Spans []Span

// Text concatenates the span texts.
func (ss Spans) Text() string {
	var b strings.Builder
	for _, s := range ss {
		b.WriteString(s.Text)
	}
	return b.String()
}

// Len returns the total rune length.
func (ss Spans) Len() int {
	n := 0
	for _, s := range ss {
		n += s.Len()
	}
	return n
}

// Normalize drops empty spans, defaults untagged spans to human and merges
// neighbours that carry the same tag.
func (ss Spans) Normalize() Spans {
	out := make(Spans, 0, len(ss))
	for _, s := range ss {
		if s.Text == "" {
			continue
		}
		s.Category = s.Category.OrDefault()
		if n := len(out); n > 0 && out[n-1].Category == s.Category && out[n-1].Source == s.Source {
			out[n-1].Text += s.Text
			continue
		}
		out = append(out, s)
	}
	return out
}

// Document is a span buffer that keeps its spans exhaustive and
// non-overlapping under edits. It is safe for concurrent use.
type Document struct {
	mu    sync.RWMutex
	spans Spans
}

// NewDocument returns a document seeded with the given spans.
func NewDocument(spans ...Span) *Document {
	return &Document{spans: Spans(spans).Normalize()}
}

// Spans returns a copy of the current spans in document order.
func (d *Document) Spans() Spans {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(Spans, len(d.spans))
	copy(out, d.spans)
	return out
}

// Text returns the full document text.
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.spans.Text()
}

// Len returns the document length in runes.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.spans.Len()
}

// Counts tallies the current spans.
func (d *Document) Counts() Counts {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Tally(d.spans)
}

// Replace deletes deleteCount runes at offset and inserts text tagged with
// category and source in their place.
func (d *Document) Replace(offset, deleteCount int, text string, category Category, source string) error {
	r := Range{Start: offset, End: offset + deleteCount}
	category = category.OrDefault()
	if !category.Valid() {
		return &ClassificationError{Op: "replace", Range: r, Err: ErrInvalidCategory}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if offset < 0 || deleteCount < 0 || r.End > d.spans.Len() {
		return &ClassificationError{Op: "replace", Range: r, Err: ErrOutOfRange}
	}

	head, rest := split(d.spans, offset)
	_, tail := split(rest, deleteCount)

	next := make(Spans, 0, len(head)+len(tail)+1)
	next = append(next, head...)
	next = append(next, Span{Text: text, Category: category, Source: source})
	next = append(next, tail...)
	d.spans = next.Normalize()
	return nil
}

// Mark retags the runes in r. The text is unchanged.
func (d *Document) Mark(r Range, category Category, source string) error {
	if !category.Valid() {
		return &ClassificationError{Op: "mark", Range: r, Err: ErrInvalidCategory}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if r.Start < 0 || r.End < r.Start || r.End > d.spans.Len() {
		return &ClassificationError{Op: "mark", Range: r, Err: ErrOutOfRange}
	}

	head, rest := split(d.spans, r.Start)
	mid, tail := split(rest, r.Len())

	next := make(Spans, 0, len(head)+len(tail)+1)
	next = append(next, head...)
	next = append(next, Span{Text: mid.Text(), Category: category, Source: source})
	next = append(next, tail...)
	d.spans = next.Normalize()
	return nil
}

// split cuts spans at rune offset n. The caller guarantees 0 <= n <= Len.
func split(spans Spans, n int) (Spans, Spans) {
	var head, tail Spans
	for i, s := range spans {
		l := s.Len()
		switch {
		case n >= l:
			head = append(head, s)
			n -= l
		case n == 0:
			tail = append(tail, spans[i:]...)
			return head, tail
		default:
			runes := []rune(s.Text)
			left, right := s, s
			left.Text = string(runes[:n])
			right.Text = string(runes[n:])
			head = append(head, left)
			tail = append(tail, right)
			tail = append(tail, spans[i+1:]...)
			return head, tail
		}
	}
	return head, tail
}
