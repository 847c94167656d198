package tracking

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonnun/internal/assist"
	"sonnun/internal/attribution"
	"sonnun/internal/logging"
	"sonnun/internal/provenance"
)

// =============================================================================
// Helpers
// =============================================================================

// fakeSurface is a minimal editing surface. With deferred set, change
// notifications queue until deliver is called, like editors that report
// changes on their next tick.
type fakeSurface struct {
	mu        sync.Mutex
	doc       *attribution.Document
	onUpdate  func(prev, curr string)
	deferred  bool
	queue     [][2]string
	insertErr error
}

func newFakeSurface(deferred bool) *fakeSurface {
	return &fakeSurface{doc: attribution.NewDocument(), deferred: deferred}
}

func (f *fakeSurface) Spans() attribution.Spans { return f.doc.Spans() }

func (f *fakeSurface) Insert(offset int, text string) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	return f.mutate(offset, 0, text)
}

func (f *fakeSurface) MarkSpan(r attribution.Range, c attribution.Category, source string) error {
	return f.doc.Mark(r, c, source)
}

// typeText simulates the author typing at the end of the document.
func (f *fakeSurface) typeText(text string) {
	f.mutate(f.doc.Len(), 0, text)
}

func (f *fakeSurface) deleteText(offset, n int) {
	f.mutate(offset, n, "")
}

func (f *fakeSurface) mutate(offset, deleteCount int, text string) error {
	prev := f.doc.Text()
	if err := f.doc.Replace(offset, deleteCount, text, attribution.Human, ""); err != nil {
		return err
	}
	curr := f.doc.Text()

	f.mu.Lock()
	if f.deferred {
		f.queue = append(f.queue, [2]string{prev, curr})
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	f.onUpdate(prev, curr)
	return nil
}

func (f *fakeSurface) deliver() {
	f.mu.Lock()
	q := f.queue
	f.queue = nil
	f.mu.Unlock()
	for _, n := range q {
		f.onUpdate(n[0], n[1])
	}
}

func newTestSession(t *testing.T, deferred bool, opts ...Option) (*Session, *fakeSurface) {
	t.Helper()
	log, err := provenance.NewLog(context.Background(), provenance.NewMemoryStore(),
		provenance.WithDocumentID("doc-1"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	surface := newFakeSurface(deferred)
	s := NewSession(surface, log, opts...)
	surface.onUpdate = s.OnUpdate
	return s, surface
}

func events(t *testing.T, s *Session) []provenance.Event {
	t.Helper()
	evs, err := s.Log().List(context.Background(), provenance.Filter{})
	require.NoError(t, err)
	return evs
}

func staticProvider(text, model string) assist.Provider {
	return assist.ProviderFunc(func(context.Context, string) (assist.Completion, error) {
		return assist.Completion{Text: text, Model: model}, nil
	})
}

// =============================================================================
// Skip counter
// =============================================================================

func TestSkipCounter(t *testing.T) {
	var c SkipCounter
	assert.False(t, c.Consume())

	c.Arm()
	c.Arm()
	assert.Equal(t, int64(2), c.Pending())
	assert.True(t, c.Consume())
	c.Disarm()
	assert.Equal(t, int64(0), c.Pending())
	assert.False(t, c.Consume())
}

func TestSkipCounterConcurrent(t *testing.T) {
	var c SkipCounter
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		c.Arm()
	}
	consumed := make(chan bool, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumed <- c.Consume()
		}()
	}
	wg.Wait()
	close(consumed)

	n := 0
	for ok := range consumed {
		if ok {
			n++
		}
	}
	assert.Equal(t, 100, n)
	assert.Equal(t, int64(0), c.Pending())
}

// =============================================================================
// Natural edits
// =============================================================================

func TestNaturalTypingIsLoggedAsHuman(t *testing.T) {
	s, surface := newTestSession(t, false)

	surface.typeText("Hello")
	surface.typeText(" world")

	evs := events(t, s)
	require.Len(t, evs, 2)
	assert.Equal(t, attribution.Human, evs[0].Category)
	assert.Equal(t, attribution.DefaultHumanSource, evs[0].Source)
	assert.Equal(t, 5, evs[0].SpanLength)
	assert.Equal(t, provenance.ContentReference(" world"), evs[1].ContentReference)
	assert.Equal(t, "doc-1", evs[1].DocumentID)
}

func TestWhitespaceAndDeletionsAreNotLogged(t *testing.T) {
	s, surface := newTestSession(t, false)

	surface.typeText("abc")
	surface.typeText("   ")
	surface.deleteText(0, 2)

	evs := events(t, s)
	require.Len(t, evs, 1)

	st := s.Status()
	assert.Equal(t, 3, st.Notifications)
	assert.Equal(t, 1, st.HumanLogged)
	assert.Equal(t, 1, st.Ignored)
	assert.Equal(t, 4, st.Counts.Human, "spans still hold the whitespace")
}

// =============================================================================
// Programmatic inserts
// =============================================================================

func TestInsertProgrammaticSkipsItsNotification(t *testing.T) {
	s, surface := newTestSession(t, false)
	surface.typeText("Intro ")

	require.NoError(t, s.InsertProgrammatic(6, "generated", attribution.AI, "gpt-test"))

	evs := events(t, s)
	require.Len(t, evs, 2)
	assert.Equal(t, attribution.AI, evs[1].Category)
	assert.Equal(t, "gpt-test", evs[1].Source)
	assert.Equal(t, 9, evs[1].SpanLength)

	spans := s.Spans()
	require.Len(t, spans, 2)
	assert.Equal(t, attribution.AI, spans[1].Category)
	assert.Equal(t, "generated", spans[1].Text)
	assert.Equal(t, int64(0), s.PendingSkips())
	assert.Equal(t, 1, s.Status().Skipped)
}

func TestDeferredNotificationsSkipExactlyN(t *testing.T) {
	s, surface := newTestSession(t, true)

	const n = 3
	for i := 0; i < n; i++ {
		require.NoError(t, s.InsertProgrammatic(surface.doc.Len(), "ai ", attribution.AI, "m"))
	}
	assert.Equal(t, int64(n), s.PendingSkips())

	surface.typeText("typed")
	surface.deliver()

	evs := events(t, s)
	require.Len(t, evs, n+1)
	for i := 0; i < n; i++ {
		assert.Equal(t, attribution.AI, evs[i].Category)
	}
	assert.Equal(t, attribution.Human, evs[n].Category)
	assert.Equal(t, "typed", s.Spans()[len(s.Spans())-1].Text)
	assert.Equal(t, int64(0), s.PendingSkips())
	assert.Equal(t, n, s.Status().Skipped)
}

func TestInsertFailureDisarms(t *testing.T) {
	s, surface := newTestSession(t, false)
	surface.insertErr = errors.New("read-only")

	err := s.InsertProgrammatic(0, "text", attribution.AI, "m")
	require.Error(t, err)
	assert.Equal(t, int64(0), s.PendingSkips())
	assert.Empty(t, events(t, s))
}

func TestInsertProgrammaticRejectsBadInput(t *testing.T) {
	s, _ := newTestSession(t, false)

	assert.ErrorIs(t, s.InsertProgrammatic(0, "", attribution.AI, "m"), ErrEmptyInsert)

	var cerr *attribution.ClassificationError
	assert.ErrorAs(t, s.InsertProgrammatic(0, "x", attribution.Category("robot"), "m"), &cerr)
	assert.Equal(t, int64(0), s.PendingSkips())
}

func TestInsertOutOfRangeLeavesNoSkip(t *testing.T) {
	s, _ := newTestSession(t, false)
	err := s.InsertProgrammatic(10, "x", attribution.AI, "m")
	require.Error(t, err)
	assert.Equal(t, int64(0), s.PendingSkips())
}

// =============================================================================
// AI and citations
// =============================================================================

func TestInsertAIProviderErrorChangesNothing(t *testing.T) {
	s, surface := newTestSession(t, false)
	surface.typeText("Draft")

	failing := assist.ProviderFunc(func(context.Context, string) (assist.Completion, error) {
		return assist.Completion{}, &assist.ProviderError{StatusCode: 500}
	})
	_, err := s.InsertAI(context.Background(), failing, "continue", 5)

	var perr *assist.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "Draft", s.Spans().Text())
	assert.Len(t, events(t, s), 1)
	assert.Equal(t, int64(0), s.PendingSkips())
	assert.Equal(t, 1, s.Status().AIErrors)
}

func TestInsertAIWhitespaceCompletion(t *testing.T) {
	s, _ := newTestSession(t, false)
	_, err := s.InsertAI(context.Background(), staticProvider("  \n", "m"), "p", 0)
	assert.ErrorIs(t, err, ErrEmptyInsert)
	assert.Empty(t, s.Spans().Text())
}

func TestInsertCitation(t *testing.T) {
	s, surface := newTestSession(t, false)
	surface.typeText("As noted: ")

	var asked string
	err := s.InsertCitation(10, "Smith 2020", "Quoted text", func(source, text string) bool {
		asked = source
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, "Smith 2020", asked)

	evs := events(t, s)
	require.Len(t, evs, 2)
	assert.Equal(t, attribution.Cited, evs[1].Category)
	assert.Equal(t, "Smith 2020", evs[1].Source)
	assert.Equal(t, 11, s.Status().Counts.Cited)
}

func TestInsertCitationDeclined(t *testing.T) {
	s, _ := newTestSession(t, false)

	err := s.InsertCitation(0, "Smith 2020", "Quoted text", func(string, string) bool { return false })
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, s.Spans())
	assert.Empty(t, events(t, s))
	assert.Equal(t, 1, s.Status().Cancelled)

	assert.ErrorIs(t, s.InsertCitation(0, "", "text", nil), ErrMissingSource)
}

func TestScenarioComposition(t *testing.T) {
	s, surface := newTestSession(t, false)

	surface.typeText("Hello world")
	_, err := s.InsertAI(context.Background(), staticProvider("AI text", "gpt-3.5-turbo"), "more", 11)
	require.NoError(t, err)
	require.NoError(t, s.InsertCitation(18, "Smith 2020", "Quoted text", nil))

	st := s.Status()
	assert.Equal(t, attribution.Counts{Human: 11, AI: 7, Cited: 11}, st.Counts)
	assert.InDelta(t, 37.93, st.Percentages.Human, 0.005)
	assert.InDelta(t, 24.14, st.Percentages.AI, 0.005)
	assert.InDelta(t, 37.93, st.Percentages.Cited, 0.005)
	assert.Len(t, events(t, s), 3)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestCloseStopsTracking(t *testing.T) {
	var audit bytes.Buffer
	s, surface := newTestSession(t, false, WithAudit(logging.NewAuditWriter(&audit, "test")), WithDocumentPath("/tmp/essay.txt"))

	surface.typeText("before")
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	surface.typeText(" after")

	assert.Len(t, events(t, s), 1)
	assert.False(t, s.Status().Running)
	assert.ErrorIs(t, s.InsertProgrammatic(0, "x", attribution.AI, "m"), ErrClosed)

	out := audit.String()
	assert.Contains(t, out, `"event_type":"session_start"`)
	assert.Contains(t, out, `"event_type":"session_end"`)
	assert.Contains(t, out, s.ID)
}
