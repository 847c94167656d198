package editor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sonnun/internal/attribution"
	"sonnun/internal/provenance"
	"sonnun/internal/tracking"
)

type recorder struct {
	mu    sync.Mutex
	calls [][2]string
}

func (r *recorder) observe(prev, curr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, [2]string{prev, curr})
}

func TestBufferNotifiesSynchronously(t *testing.T) {
	var rec recorder
	b := New(WithText("ab"))
	b.SetObserver(rec.observe)

	require.NoError(t, b.Type("c"))
	require.NoError(t, b.Delete(0, 1))
	require.NoError(t, b.Replace(0, 1, "XY"))
	require.NoError(t, b.MarkSpan(attribution.Range{Start: 0, End: 2}, attribution.AI, "m"))

	require.Len(t, rec.calls, 3)
	assert.Equal(t, [2]string{"ab", "abc"}, rec.calls[0])
	assert.Equal(t, [2]string{"abc", "bc"}, rec.calls[1])
	assert.Equal(t, [2]string{"bc", "XYc"}, rec.calls[2])
	assert.Equal(t, "XYc", b.Text())
	assert.Equal(t, attribution.AI, b.Spans()[0].Category)
}

func TestBufferDeferredPreservesOrder(t *testing.T) {
	var rec recorder
	b := New(WithDeferredNotifications())
	defer b.Close()
	b.SetObserver(rec.observe)

	for _, s := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Type(s))
	}
	b.Sync()

	require.Len(t, rec.calls, 4)
	assert.Equal(t, [2]string{"abc", "abcd"}, rec.calls[3])
}

func TestBufferRejectsOutOfRange(t *testing.T) {
	var rec recorder
	b := New()
	b.SetObserver(rec.observe)

	assert.Error(t, b.TypeAt(5, "x"))
	assert.Error(t, b.Delete(0, 1))
	assert.Empty(t, rec.calls)
}

func TestBufferDrivesSession(t *testing.T) {
	for _, deferred := range []bool{false, true} {
		name := "sync"
		var opts []Option
		if deferred {
			name = "deferred"
			opts = append(opts, WithDeferredNotifications())
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			log, err := provenance.NewLog(ctx, provenance.NewMemoryStore())
			require.NoError(t, err)
			defer log.Close()

			b := New(opts...)
			defer b.Close()
			s := tracking.NewSession(b, log)
			b.SetObserver(s.OnUpdate)

			require.NoError(t, b.Type("Hello world"))
			b.Sync()
			require.NoError(t, s.InsertProgrammatic(b.Len(), "AI text", attribution.AI, "model"))
			require.NoError(t, s.InsertCitation(b.Len(), "Smith 2020", "Quoted text", nil))
			b.Sync()

			evs, err := log.List(ctx, provenance.Filter{})
			require.NoError(t, err)
			require.Len(t, evs, 3)
			assert.Equal(t, attribution.Human, evs[0].Category)
			assert.Equal(t, attribution.AI, evs[1].Category)
			assert.Equal(t, attribution.Cited, evs[2].Category)

			assert.Equal(t, attribution.Counts{Human: 11, AI: 7, Cited: 11}, attribution.Tally(b.Spans()))
			assert.Equal(t, int64(0), s.PendingSkips())
		})
	}
}
