package manifest

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonnun/internal/attribution"
	"sonnun/internal/provenance"
)

func TestCanonicalText(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", "abc", "abc"},
		{"crlf", "a\r\nb\rc", "a\nb\nc"},
		{"trailing blanks", "a  \t\nb \n", "a\nb"},
		{"trailing newlines", "text\n\n\n", "text"},
		{"nfc", "e\u0301", "\u00e9"},
		{"leading kept", "  indented", "  indented"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalText(tt.in))
		})
	}
}

func TestDocumentHashIgnoresPresentationNoise(t *testing.T) {
	a := DocumentHash("caf\u00e9\nline two")
	b := DocumentHash("cafe\u0301  \r\nline two\n\n")
	assert.Equal(t, a, b)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, a)
	assert.NotEqual(t, a, DocumentHash("cafe"))
}

func TestBuildEmptyDocument(t *testing.T) {
	m := Build(attribution.Counts{}, nil, "", time.Unix(0, 0))
	assert.Equal(t, 100.0, m.HumanPct)
	assert.Equal(t, 0.0, m.AIPct)
	assert.Equal(t, 0.0, m.CitedPct)
	assert.Equal(t, 0, m.TotalChars)
	assert.NotNil(t, m.Events)
	assert.Empty(t, m.Events)
}

func TestBuildSortsEventsWithoutMutatingInput(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []provenance.Event{
		{Sequence: 3, Timestamp: t0.Add(time.Second), Category: attribution.Cited, SpanLength: 2},
		{Sequence: 2, Timestamp: t0.Add(time.Second), Category: attribution.AI, SpanLength: 2},
		{Sequence: 1, Timestamp: t0, Category: attribution.Human, SpanLength: 2},
	}
	m := Build(attribution.Counts{Human: 2, AI: 2, Cited: 2}, events, "aabbcc", t0)

	require.Len(t, m.Events, 3)
	assert.Equal(t, int64(1), m.Events[0].SequenceID)
	assert.Equal(t, int64(2), m.Events[1].SequenceID)
	assert.Equal(t, int64(3), m.Events[2].SequenceID)
	assert.Equal(t, int64(3), events[0].Sequence, "input order preserved")
	assert.Equal(t, "ai", m.Events[1].Category)
}

func TestBuildScenarioPercentages(t *testing.T) {
	m := Build(attribution.Counts{Human: 11, AI: 7, Cited: 11}, nil, "x", time.Now())
	assert.Equal(t, 29, m.TotalChars)
	assert.InDelta(t, 37.93, m.HumanPct, 0.005)
	assert.InDelta(t, 24.14, m.AIPct, 0.005)
	assert.InDelta(t, 37.93, m.CitedPct, 0.005)
}

func TestCanonicalBytesDeterministic(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []provenance.Event{
		{Sequence: 1, Timestamp: t0, Category: attribution.Human, Source: "user", SpanLength: 5,
			ContentReference: provenance.ContentReference("hello")},
	}
	a, err := Build(attribution.Counts{Human: 5}, events, "hello", t0).Canonical()
	require.NoError(t, err)
	b, err := Build(attribution.Counts{Human: 5}, events, "hello\n", t0).Canonical()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPercentagesSumProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("manifest shares sum to 100", prop.ForAll(
		func(h, a, c int) bool {
			m := Build(attribution.Counts{Human: h, AI: a, Cited: c}, nil, "", time.Now())
			return math.Abs(m.HumanPct+m.AIPct+m.CitedPct-100) < 1e-6 && m.TotalChars == h+a+c
		},
		gen.IntRange(0, 100000),
		gen.IntRange(0, 100000),
		gen.IntRange(0, 100000),
	))

	properties.TestingRun(t)
}

func TestBuilderUsesLog(t *testing.T) {
	ctx := context.Background()
	log, err := provenance.NewLog(ctx, provenance.NewMemoryStore())
	require.NoError(t, err)
	defer log.Close()

	log.Append(provenance.Event{Category: attribution.Human, Source: "user", Text: "Hello"})
	log.Append(provenance.Event{Category: attribution.AI, Source: "m", Text: " there"})

	spans := attribution.Spans{
		{Text: "Hello", Category: attribution.Human},
		{Text: " there", Category: attribution.AI, Source: "m"},
	}
	fixed := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	m, err := NewBuilder(log).WithClock(func() time.Time { return fixed }).Build(ctx, spans)
	require.NoError(t, err)

	assert.Len(t, m.Events, 2)
	assert.Equal(t, 11, m.TotalChars)
	assert.Equal(t, fixed, m.GeneratedAt)
	assert.Equal(t, DocumentHash("Hello there"), m.DocumentHash)
}
