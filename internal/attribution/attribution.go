// Package attribution partitions document text into provenance-tagged
// spans and aggregates character counts per category.
//
// Every run of document text belongs to exactly one category: human, ai
// or cited. Untagged runs count as human. Lengths are measured in runes.
package attribution

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Category is the attributed origin of a span.
type Category string

const (
	Human Category = "human"
	AI    Category = "ai"
	Cited Category = "cited"
)

// Categories lists every category in canonical order.
var Categories = []Category{Human, AI, Cited}

// ErrInvalidCategory is returned for a category outside the enumeration.
var ErrInvalidCategory = errors.New("attribution: invalid category")

// Valid reports whether c is one of the enumerated categories.
func (c Category) Valid() bool {
	switch c {
	case Human, AI, Cited:
		return true
	}
	return false
}

// OrDefault returns c, or Human when c is empty.
func (c Category) OrDefault() Category {
	if c == "" {
		return Human
	}
	return c
}

// ParseCategory parses a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
	}
	return c, nil
}

// DefaultHumanSource is the source recorded for natural typing.
const DefaultHumanSource = "user"

// Span is a contiguous run of document text with a single provenance tag.
type Span struct {
	Text     string   `json:"text"`
	Category Category `json:"category,omitempty"`
	Source   string   `json:"source,omitempty"`
}

// Len returns the span length in runes.
func (s Span) Len() int {
	return utf8.RuneCountInString(s.Text)
}

// Range is a half-open rune range [Start, End) in a document.
type Range struct {
	Start int
	End   int
}

// Len returns the number of runes covered by r.
func (r Range) Len() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// ClassificationError reports a classification pass that could not be
// applied. It is never fatal to the editing session.
type ClassificationError struct {
	Op    string
	Range Range
	Err   error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("attribution: %s [%d,%d): %v", e.Op, e.Range.Start, e.Range.End, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// Counts holds per-category character totals.
type Counts struct {
	Human int `json:"human_chars"`
	AI    int `json:"ai_chars"`
	Cited int `json:"cited_chars"`
}

// Total returns the sum of all categories.
func (c Counts) Total() int {
	return c.Human + c.AI + c.Cited
}

// Add adds n characters to category cat. Empty categories count as human.
func (c *Counts) Add(cat Category, n int) {
	switch cat.OrDefault() {
	case Human:
		c.Human += n
	case AI:
		c.AI += n
	case Cited:
		c.Cited += n
	}
}

// Of returns the count for a single category.
func (c Counts) Of(cat Category) int {
	switch cat.OrDefault() {
	case Human:
		return c.Human
	case AI:
		return c.AI
	case Cited:
		return c.Cited
	}
	return 0
}

// Percentages converts the counts into shares of the total.
// An empty document is 100% human.
func (c Counts) Percentages() Percentages {
	total := c.Total()
	if total == 0 {
		return Percentages{Human: 100}
	}
	t := float64(total)
	return Percentages{
		Human: 100 * float64(c.Human) / t,
		AI:    100 * float64(c.AI) / t,
		Cited: 100 * float64(c.Cited) / t,
	}
}

// Percentages holds per-category shares at full float precision.
type Percentages struct {
	Human float64
	AI    float64
	Cited float64
}

// Sum returns the sum of the three shares.
func (p Percentages) Sum() float64 {
	return p.Human + p.AI + p.Cited
}

// String renders the shares rounded to two decimals.
func (p Percentages) String() string {
	return fmt.Sprintf("human %.2f%%, ai %.2f%%, cited %.2f%%", p.Human, p.AI, p.Cited)
}

// Tally sums span lengths per category.
func Tally(spans []Span) Counts {
	var c Counts
	for _, s := range spans {
		c.Add(s.Category, s.Len())
	}
	return c
}
