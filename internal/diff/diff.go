// Package diff isolates the text inserted between two document snapshots.
//
// All offsets and lengths are in runes so that they line up with the span
// model in package attribution.
package diff

import (
	"strings"
	"unicode"
)

// Edit describes a single contiguous replacement that turns one snapshot
// into the next: Deleted runes starting at Offset were replaced by Inserted.
type Edit struct {
	Offset   int
	Deleted  int
	Inserted string
}

// IsZero reports whether the edit changes nothing.
func (e Edit) IsZero() bool {
	return e.Deleted == 0 && e.Inserted == ""
}

// InsertedLen returns the number of inserted runes.
func (e Edit) InsertedLen() int {
	return len([]rune(e.Inserted))
}

// Compute finds the minimal replacement between oldText and newText by
// stripping their common prefix and then their common suffix. The suffix
// never overlaps the prefix.
func Compute(oldText, newText string) Edit {
	if oldText == newText {
		return Edit{}
	}

	o := []rune(oldText)
	n := []rune(newText)

	prefix := 0
	for prefix < len(o) && prefix < len(n) && o[prefix] == n[prefix] {
		prefix++
	}

	suffix := 0
	for suffix < len(o)-prefix && suffix < len(n)-prefix &&
		o[len(o)-1-suffix] == n[len(n)-1-suffix] {
		suffix++
	}

	return Edit{
		Offset:   prefix,
		Deleted:  len(o) - prefix - suffix,
		Inserted: string(n[prefix : len(n)-suffix]),
	}
}

// InsertedText returns the content added between oldText and newText.
// Deletions and no-ops are not insertions: when newText is not longer than
// oldText the result is empty.
func InsertedText(oldText, newText string) string {
	if len([]rune(newText)) <= len([]rune(oldText)) {
		return ""
	}
	return Compute(oldText, newText).Inserted
}

// IsMeaningful reports whether an inserted run should be recorded.
// Whitespace-only runs are not.
func IsMeaningful(text string) bool {
	return strings.IndexFunc(text, func(r rune) bool { return !unicode.IsSpace(r) }) >= 0
}
