package provenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonnun/internal/attribution"
)

type failingStore struct {
	MemoryStore
	mu   sync.Mutex
	fail bool
	gate chan struct{}
}

func (s *failingStore) Append(ctx context.Context, e Event) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.Append(ctx, e)
}

func fixedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	t := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func TestContentReference(t *testing.T) {
	// SHA-256 of the empty string.
	assert.Equal(t,
		"sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		ContentReference(""))
	assert.Equal(t, ContentReference("abc"), ContentReference("abc"))
	assert.NotEqual(t, ContentReference("abc"), ContentReference("abd"))
}

func TestLogAppendAndList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	log, err := NewLog(ctx, store, WithClock(fixedClock(start)), WithDocumentID("doc-1"))
	require.NoError(t, err)
	defer log.Close()

	s1 := log.Append(Event{Category: attribution.Human, Source: "user", Text: "Hello world"})
	s2 := log.Append(Event{Category: attribution.AI, Source: "gpt-3.5-turbo", Text: " AI 日本"})
	s3 := log.Append(Event{Category: attribution.Cited, Source: "https://example.org", Text: "quoted"})
	assert.Equal(t, []int64{1, 2, 3}, []int64{s1, s2, s3})

	events, err := log.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, 11, events[0].SpanLength)
	assert.Equal(t, 6, events[1].SpanLength)
	assert.Equal(t, ContentReference(" AI 日本"), events[1].ContentReference)
	assert.Empty(t, events[1].Text, "raw text must not be retained by default")
	assert.Equal(t, "doc-1", events[2].DocumentID)
	assert.True(t, events[0].Timestamp.Before(events[1].Timestamp))

	ai, err := log.List(ctx, Filter{Category: attribution.AI})
	require.NoError(t, err)
	require.Len(t, ai, 1)
	assert.Equal(t, "gpt-3.5-turbo", ai[0].Source)

	limited, err := log.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	since, err := log.List(ctx, Filter{Since: events[1].Timestamp})
	require.NoError(t, err)
	assert.Len(t, since, 2)
}

func TestLogRetainRawText(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	log, err := NewLog(ctx, store, WithRetainRawText(true))
	require.NoError(t, err)

	log.Append(Event{Category: attribution.Human, Source: "user", Text: "kept"})
	require.NoError(t, log.Close())

	events, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "kept", events[0].Text)
}

func TestLogSequenceContinues(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Append(ctx, Event{Sequence: 41, Category: attribution.Human, Timestamp: time.Now()}))

	log, err := NewLog(ctx, store)
	require.NoError(t, err)
	defer log.Close()

	assert.Equal(t, int64(42), log.Append(Event{Category: attribution.Human, Text: "x"}))
}

func TestLogOrderingTiesBrokenBySequence(t *testing.T) {
	ctx := context.Background()
	same := time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	log, err := NewLog(ctx, store, WithClock(func() time.Time { return same }))
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < 5; i++ {
		log.Append(Event{Category: attribution.Human, Text: "x"})
	}
	events, err := log.List(ctx, Filter{})
	require.NoError(t, err)
	for i := 1; i < len(events); i++ {
		assert.Less(t, events[i-1].Sequence, events[i].Sequence)
	}
}

func TestPersistenceFailureIsReported(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{fail: true}
	log, err := NewLog(ctx, store)
	require.NoError(t, err)
	defer log.Close()

	seq := log.Append(Event{Category: attribution.AI, Source: "m", Text: "lost"})
	assert.Equal(t, int64(1), seq)

	select {
	case err := <-log.Diagnostics():
		var perr *PersistenceError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, int64(1), perr.Sequence)
	case <-time.After(5 * time.Second):
		t.Fatal("no diagnostic delivered")
	}
}

func TestAppendDoesNotWaitForStore(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{gate: make(chan struct{})}
	log, err := NewLog(ctx, store, WithBacklogWarning(8))
	require.NoError(t, err)

	const appends = 100
	done := make(chan struct{})
	go func() {
		for i := 0; i < appends; i++ {
			log.Append(Event{Category: attribution.Human, Text: "typed"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("append blocked behind a stalled store (%d appends)", appends)
	}

	close(store.gate)
	require.NoError(t, log.Close())
	events, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, appends)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestLogsShareStoreAcrossDocuments(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a, err := NewLog(ctx, store, WithDocumentID("doc-a"))
	require.NoError(t, err)
	b, err := NewLog(ctx, store, WithDocumentID("doc-b"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Append(Event{Category: attribution.Human, Text: "from a"}))
	assert.Equal(t, int64(1), b.Append(Event{Category: attribution.AI, Text: "from b"}))
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	select {
	case err := <-a.Diagnostics():
		t.Fatalf("unexpected diagnostic: %v", err)
	case err := <-b.Diagnostics():
		t.Fatalf("unexpected diagnostic: %v", err)
	default:
	}

	for _, doc := range []string{"doc-a", "doc-b"} {
		events, err := store.List(ctx, Filter{DocumentID: doc})
		require.NoError(t, err)
		assert.Len(t, events, 1, doc)
	}

	dup := Event{Sequence: 1, DocumentID: "doc-a", Category: attribution.Human, Timestamp: time.Now()}
	assert.ErrorIs(t, store.Append(ctx, dup), ErrDuplicateSequence)
}

func TestFlushHonoursContext(t *testing.T) {
	store := &failingStore{gate: make(chan struct{})}
	log, err := NewLog(context.Background(), store)
	require.NoError(t, err)

	log.Append(Event{Category: attribution.Human, Text: "x"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, log.Flush(ctx), context.DeadlineExceeded)

	close(store.gate)
	require.NoError(t, log.Close())
}

func TestAppendAfterClose(t *testing.T) {
	log, err := NewLog(context.Background(), NewMemoryStore())
	require.NoError(t, err)
	require.NoError(t, log.Close())
	require.NoError(t, log.Close())

	assert.Equal(t, int64(0), log.Append(Event{Category: attribution.Human, Text: "late"}))
	err = <-log.Diagnostics()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStoreRejectsInvalidEvents(t *testing.T) {
	s := NewMemoryStore()
	err := s.Append(context.Background(), Event{Category: "robot"})
	assert.ErrorIs(t, err, attribution.ErrInvalidCategory)
	err = s.Append(context.Background(), Event{Category: attribution.Human, SpanLength: -1})
	assert.Error(t, err)
}
