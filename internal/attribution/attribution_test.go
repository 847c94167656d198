package attribution

import (
	"errors"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCategory(t *testing.T) {
	for _, in := range []string{"human", "AI", " cited "} {
		c, err := ParseCategory(in)
		require.NoError(t, err, in)
		assert.True(t, c.Valid())
	}

	_, err := ParseCategory("robot")
	assert.ErrorIs(t, err, ErrInvalidCategory)
}

func TestTallyDefaultsToHuman(t *testing.T) {
	spans := []Span{
		{Text: "abc"},
		{Text: "de", Category: AI, Source: "gpt"},
		{Text: "日本", Category: Cited, Source: "wiki"},
		{Text: "f", Category: Human},
	}
	c := Tally(spans)
	assert.Equal(t, Counts{Human: 4, AI: 2, Cited: 2}, c)
	assert.Equal(t, 8, c.Total())
}

func TestPercentagesEmptyDocument(t *testing.T) {
	p := Counts{}.Percentages()
	assert.Equal(t, Percentages{Human: 100}, p)
}

func TestPercentagesScenario(t *testing.T) {
	p := Counts{Human: 11, AI: 7, Cited: 11}.Percentages()
	assert.InDelta(t, 37.93, p.Human, 0.005)
	assert.InDelta(t, 24.14, p.AI, 0.005)
	assert.InDelta(t, 37.93, p.Cited, 0.005)
	assert.Equal(t, "human 37.93%, ai 24.14%, cited 37.93%", p.String())
}

func TestPercentagesSumProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("shares sum to 100", prop.ForAll(
		func(h, a, c int) bool {
			p := Counts{Human: h, AI: a, Cited: c}.Percentages()
			return math.Abs(p.Sum()-100) < 1e-6
		},
		gen.IntRange(0, 1_000_000),
		gen.IntRange(0, 1_000_000),
		gen.IntRange(0, 1_000_000),
	))

	properties.TestingRun(t)
}

func TestClassificationErrorUnwraps(t *testing.T) {
	var err error = &ClassificationError{Op: "mark", Range: Range{1, 4}, Err: ErrOutOfRange}
	assert.True(t, errors.Is(err, ErrOutOfRange))
	assert.Contains(t, err.Error(), "[1,4)")
}
