package attribution

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentReplaceAndMark(t *testing.T) {
	d := NewDocument()

	require.NoError(t, d.Replace(0, 0, "Hello world", Human, DefaultHumanSource))
	require.NoError(t, d.Replace(11, 0, " AI text", AI, "gpt-3.5-turbo"))
	assert.Equal(t, "Hello world AI text", d.Text())
	assert.Equal(t, Counts{Human: 11, AI: 8}, d.Counts())

	// Retag "world" as cited.
	require.NoError(t, d.Mark(Range{6, 11}, Cited, "https://example.org"))
	spans := d.Spans()
	require.Len(t, spans, 3)
	assert.Equal(t, Span{Text: "Hello ", Category: Human, Source: DefaultHumanSource}, spans[0])
	assert.Equal(t, Span{Text: "world", Category: Cited, Source: "https://example.org"}, spans[1])
	assert.Equal(t, "Hello world AI text", d.Text())
}

func TestDocumentDeleteAcrossSpans(t *testing.T) {
	d := NewDocument(
		Span{Text: "aaa", Category: Human},
		Span{Text: "bbb", Category: AI},
		Span{Text: "ccc", Category: Cited},
	)
	require.NoError(t, d.Replace(2, 5, "", Human, ""))
	assert.Equal(t, "aacc", d.Text())
	assert.Equal(t, Counts{Human: 2, Cited: 2}, d.Counts())
}

func TestDocumentRejectsBadInput(t *testing.T) {
	d := NewDocument(Span{Text: "abc"})

	var cerr *ClassificationError
	err := d.Mark(Range{2, 10}, AI, "x")
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, ErrOutOfRange)

	err = d.Mark(Range{0, 1}, Category("bogus"), "x")
	assert.ErrorIs(t, err, ErrInvalidCategory)

	err = d.Replace(4, 0, "x", Human, "")
	assert.ErrorIs(t, err, ErrOutOfRange)

	assert.Equal(t, "abc", d.Text())
}

func TestNormalizeMergesNeighbours(t *testing.T) {
	in := Spans{
		{Text: "a"},
		{Text: "b", Category: Human},
		{Text: ""},
		{Text: "c", Category: AI, Source: "m"},
		{Text: "d", Category: AI, Source: "m"},
		{Text: "e", Category: AI, Source: "other"},
	}
	out := in.Normalize()
	assert.Equal(t, Spans{
		{Text: "ab", Category: Human},
		{Text: "cd", Category: AI, Source: "m"},
		{Text: "e", Category: AI, Source: "other"},
	}, out)
}

func TestDocumentInvariantProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("spans stay exhaustive after edits", prop.ForAll(
		func(base, ins string, at, del, cat int) bool {
			d := NewDocument(Span{Text: base})
			n := d.Len()
			at = at % (n + 1)
			del = del % (n - at + 1)
			category := Categories[cat%len(Categories)]

			r := []rune(base)
			want := string(r[:at]) + ins + string(r[at+del:])
			if err := d.Replace(at, del, ins, category, "src"); err != nil {
				return false
			}
			spans := d.Spans()
			return spans.Text() == want && Tally(spans).Total() == len([]rune(want))
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.IntRange(0, 500),
		gen.IntRange(0, 500),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}
