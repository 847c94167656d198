package provenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBacklogWarning is the number of unwritten appends at which the
// log warns that storage is falling behind.
const DefaultBacklogWarning = 256

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger used for persistence failures.
func WithLogger(l *slog.Logger) Option {
	return func(g *Log) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithBacklogWarning sets the backlog size that triggers a warning.
// Appends are never refused or delayed because of it.
func WithBacklogWarning(n int) Option {
	return func(g *Log) {
		if n > 0 {
			g.backlogWarn = n
		}
	}
}

// WithRetainRawText keeps inserted text on stored events.
func WithRetainRawText(retain bool) Option {
	return func(g *Log) { g.retainRaw = retain }
}

// WithDocumentID stamps every appended event with a document id.
func WithDocumentID(id string) Option {
	return func(g *Log) { g.documentID = id }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Log) {
		if now != nil {
			g.now = now
		}
	}
}

type request struct {
	event Event
	// flushed is closed once every earlier request has been handled.
	flushed chan struct{}
}

// Log is the append-only event log. Appends are handed to a background
// writer so that editing never waits on storage: the backlog is unbounded
// and Append only takes a short in-memory lock.
type Log struct {
	store       Store
	logger      *slog.Logger
	backlogWarn int
	retainRaw   bool
	documentID  string
	now         func() time.Time

	seq  atomic.Int64
	wake chan struct{}
	diag chan error
	done chan struct{}

	mu      sync.Mutex
	pending []request
	closed  bool
	warned  bool
}

// NewLog opens a log over store and starts its writer. Sequence ids
// continue after the highest id already stored for the document.
func NewLog(ctx context.Context, store Store, opts ...Option) (*Log, error) {
	g := &Log{
		store:       store,
		logger:      slog.Default(),
		backlogWarn: DefaultBacklogWarning,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "event_log")

	last, err := store.LastSequence(ctx, g.documentID)
	if err != nil {
		return nil, fmt.Errorf("provenance: read last sequence: %w", err)
	}
	g.seq.Store(last)

	g.wake = make(chan struct{}, 1)
	g.diag = make(chan error, 16)
	g.done = make(chan struct{})
	go g.run()
	return g, nil
}

// Append records an insertion and returns its sequence id. It derives the
// content reference and span length from e.Text unless a reference is
// already set, and stamps the timestamp when zero. Storage happens later;
// failures surface on Diagnostics. Appending to a closed log returns 0.
func (g *Log) Append(e Event) int64 {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.report(&PersistenceError{Err: ErrClosed})
		return 0
	}

	e.Sequence = g.seq.Add(1)
	if e.DocumentID == "" {
		e.DocumentID = g.documentID
	}
	e.complete(g.now(), g.retainRaw)

	g.pending = append(g.pending, request{event: e})
	backlog := len(g.pending)
	warn := backlog >= g.backlogWarn && !g.warned
	if warn {
		g.warned = true
	}
	g.mu.Unlock()

	if warn {
		g.logger.Warn("event log is falling behind storage", "backlog", backlog)
	}
	g.signal()
	return e.Sequence
}

// Flush waits until every append issued before the call reached the store.
func (g *Log) Flush(ctx context.Context) error {
	ch := make(chan struct{})

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.pending = append(g.pending, request{flushed: ch})
	g.mu.Unlock()
	g.signal()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List flushes pending appends and queries the store.
func (g *Log) List(ctx context.Context, f Filter) ([]Event, error) {
	if err := g.Flush(ctx); err != nil {
		return nil, err
	}
	if f.DocumentID == "" {
		f.DocumentID = g.documentID
	}
	events, err := g.store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("provenance: list events: %w", err)
	}
	return events, nil
}

// Diagnostics delivers persistence failures. Errors are dropped when the
// channel is full.
func (g *Log) Diagnostics() <-chan error {
	return g.diag
}

// DocumentID returns the id stamped on appended events.
func (g *Log) DocumentID() string {
	return g.documentID
}

// Close drains pending appends and stops the writer.
func (g *Log) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()
	g.signal()

	<-g.done
	return nil
}

func (g *Log) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *Log) run() {
	defer close(g.done)
	for {
		g.mu.Lock()
		batch := g.pending
		g.pending = nil
		closed := g.closed
		if len(batch) > 0 {
			g.warned = false
		}
		g.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-g.wake
			continue
		}

		for _, req := range batch {
			if req.flushed != nil {
				close(req.flushed)
				continue
			}
			g.write(req.event)
		}
	}
}

func (g *Log) write(e Event) {
	if err := g.store.Append(context.Background(), e); err != nil {
		g.logger.Error("event not persisted",
			"sequence", e.Sequence,
			"category", e.Category,
			"error", err,
		)
		g.report(&PersistenceError{Sequence: e.Sequence, Err: err})
	}
}

func (g *Log) report(err error) {
	select {
	case g.diag <- err:
	default:
		if !errors.Is(err, ErrClosed) {
			g.logger.Warn("diagnostic dropped", "error", err)
		}
	}
}
