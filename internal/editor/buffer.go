// Package editor provides an in-memory editing surface for authoring
// sessions and tests.
package editor

import (
	"sync"

	"sonnun/internal/attribution"
)

// Observer receives the document text before and after each mutation.
type Observer func(prev, curr string)

// Option configures a Buffer.
type Option func(*Buffer)

// WithText seeds the buffer. Seed text is human and is not reported to
// the observer.
func WithText(text string) Option {
	return func(b *Buffer) {
		if text != "" {
			b.doc = attribution.NewDocument(attribution.Span{Text: text, Category: attribution.Human})
		}
	}
}

// WithDeferredNotifications delivers change notifications from a
// background goroutine, in order, after the mutating call returns.
func WithDeferredNotifications() Option {
	return func(b *Buffer) {
		b.deferred = true
	}
}

type notification struct {
	prev, curr string
}

// Buffer is a span-tracking text buffer. Natural edits (Type, TypeAt,
// Delete) and programmatic inserts both notify the observer; marking a
// span does not, since it leaves the text unchanged.
type Buffer struct {
	doc      *attribution.Document
	deferred bool

	mu sync.Mutex // serializes mutations so notifications keep their order

	obsMu    sync.RWMutex
	observer Observer

	queue   chan notification
	pending sync.WaitGroup
	done    chan struct{}
	once    sync.Once
}

// New creates an empty buffer.
func New(opts ...Option) *Buffer {
	b := &Buffer{doc: attribution.NewDocument()}
	for _, opt := range opts {
		opt(b)
	}
	if b.deferred {
		b.queue = make(chan notification, 64)
		b.done = make(chan struct{})
		go b.deliver()
	}
	return b
}

// SetObserver installs the change observer.
func (b *Buffer) SetObserver(fn Observer) {
	b.obsMu.Lock()
	defer b.obsMu.Unlock()
	b.observer = fn
}

func (b *Buffer) currentObserver() Observer {
	b.obsMu.RLock()
	defer b.obsMu.RUnlock()
	return b.observer
}

// Text returns the buffer contents.
func (b *Buffer) Text() string {
	return b.doc.Text()
}

// Len returns the buffer length in runes.
func (b *Buffer) Len() int {
	return b.doc.Len()
}

// Spans returns the attribution spans.
func (b *Buffer) Spans() attribution.Spans {
	return b.doc.Spans()
}

// Type appends text as if typed by the author.
func (b *Buffer) Type(text string) error {
	return b.mutate(func() error {
		return b.doc.Replace(b.doc.Len(), 0, text, attribution.Human, "")
	})
}

// TypeAt inserts typed text at offset.
func (b *Buffer) TypeAt(offset int, text string) error {
	return b.mutate(func() error {
		return b.doc.Replace(offset, 0, text, attribution.Human, "")
	})
}

// Delete removes n runes starting at offset.
func (b *Buffer) Delete(offset, n int) error {
	return b.mutate(func() error {
		return b.doc.Replace(offset, n, "", attribution.Human, "")
	})
}

// Replace swaps n runes at offset for typed text.
func (b *Buffer) Replace(offset, n int, text string) error {
	return b.mutate(func() error {
		return b.doc.Replace(offset, n, text, attribution.Human, "")
	})
}

// Insert inserts text programmatically. The text starts out human until
// the caller marks it.
func (b *Buffer) Insert(offset int, text string) error {
	return b.TypeAt(offset, text)
}

// MarkSpan tags the runes in r.
func (b *Buffer) MarkSpan(r attribution.Range, category attribution.Category, source string) error {
	return b.doc.Mark(r, category, source)
}

func (b *Buffer) mutate(apply func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.doc.Text()
	if err := apply(); err != nil {
		return err
	}
	n := notification{prev: prev, curr: b.doc.Text()}

	if b.deferred {
		b.pending.Add(1)
		b.queue <- n
		return nil
	}
	if observer := b.currentObserver(); observer != nil && n.prev != n.curr {
		observer(n.prev, n.curr)
	}
	return nil
}

func (b *Buffer) deliver() {
	for {
		select {
		case n := <-b.queue:
			if observer := b.currentObserver(); observer != nil && n.prev != n.curr {
				observer(n.prev, n.curr)
			}
			b.pending.Done()
		case <-b.done:
			return
		}
	}
}

// Sync waits until every deferred notification has been delivered.
func (b *Buffer) Sync() {
	b.pending.Wait()
}

// Close delivers outstanding notifications and stops the delivery
// goroutine.
func (b *Buffer) Close() {
	if !b.deferred {
		return
	}
	b.once.Do(func() {
		b.Sync()
		close(b.done)
	})
}
