// Package tracking ties an editing surface to the provenance log.
//
// A Session receives every mutation of the surface through OnUpdate. Text
// the author types is classified as human and logged. Text the session
// inserts itself (AI completions, citations) is tagged and logged by the
// insert call, and the change notification it causes is skipped with a
// SkipCounter so it is not counted twice.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sonnun/internal/assist"
	"sonnun/internal/attribution"
	"sonnun/internal/diff"
	"sonnun/internal/logging"
	"sonnun/internal/provenance"
	"sonnun/internal/security"
)

// Errors
var (
	ErrCancelled     = errors.New("tracking: insertion cancelled")
	ErrEmptyInsert   = errors.New("tracking: nothing to insert")
	ErrMissingSource = errors.New("tracking: citation source required")
	ErrClosed        = errors.New("tracking: session closed")
)

// Surface is the editing surface a session drives. Insert is a
// programmatic mutation; the surface still reports it through the
// session's OnUpdate, either before Insert returns or later.
type Surface interface {
	Spans() attribution.Spans
	Insert(offset int, text string) error
	MarkSpan(r attribution.Range, category attribution.Category, source string) error
}

// Confirm asks the author to approve a citation before it is inserted.
type Confirm func(source, text string) bool

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAudit records session start and end in the audit log.
func WithAudit(a *logging.AuditLogger) Option {
	return func(s *Session) {
		s.audit = a
	}
}

// WithDocumentPath records the file the session edits.
func WithDocumentPath(path string) Option {
	return func(s *Session) {
		s.DocumentPath = path
	}
}

// Session tracks one document while it is edited.
type Session struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	DocumentPath string    `json:"document_path,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`

	surface Surface
	log     *provenance.Log
	skip    SkipCounter

	// mu serializes natural notifications; insertMu serializes
	// programmatic inserts. They are separate because a surface may
	// notify synchronously from inside Insert.
	mu       sync.Mutex
	insertMu sync.Mutex

	stats  stats
	closed bool

	validator *security.InputValidator
	logger    *slog.Logger
	audit     *logging.AuditLogger
}

type stats struct {
	natural   int
	skipped   int
	logged    int
	ignored   int
	aiCalls   int
	aiErrors  int
	citations int
	cancelled int
}

// NewSession starts tracking surface, logging to log.
func NewSession(surface Surface, log *provenance.Log, opts ...Option) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		DocumentID: log.DocumentID(),
		StartedAt:  time.Now(),
		surface:    surface,
		log:        log,
		validator:  security.DefaultInputValidator(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "tracking", "session_id", s.ID)
	s.audit.SetSessionID(s.ID)
	s.audit.LogSessionStart(context.Background(), s.ID, s.DocumentID, s.DocumentPath)
	return s
}

// OnUpdate is called by the surface after every mutation with the text
// before and after it. Notifications owed to programmatic inserts are
// skipped; anything else that adds non-whitespace text is logged as human.
func (s *Session) OnUpdate(prev, curr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.skip.Consume() {
		s.stats.skipped++
		return
	}
	s.stats.natural++

	inserted := diff.InsertedText(prev, curr)
	if inserted == "" {
		return
	}
	if !diff.IsMeaningful(inserted) {
		s.stats.ignored++
		return
	}

	seq := s.log.Append(provenance.Event{
		Category: attribution.Human,
		Source:   attribution.DefaultHumanSource,
		Text:     inserted,
	})
	if seq > 0 {
		s.stats.logged++
	}
}

// InsertProgrammatic inserts text at offset on the author's behalf, tags
// it with category and source and logs it. The surface's change
// notification for the insert is skipped.
func (s *Session) InsertProgrammatic(offset int, text string, category attribution.Category, source string) error {
	if text == "" {
		return ErrEmptyInsert
	}
	if !category.Valid() {
		return &attribution.ClassificationError{Op: "insert", Err: attribution.ErrInvalidCategory}
	}

	s.insertMu.Lock()
	defer s.insertMu.Unlock()

	if s.isClosed() {
		return ErrClosed
	}

	s.skip.Arm()
	if err := s.surface.Insert(offset, text); err != nil {
		s.skip.Disarm()
		return fmt.Errorf("tracking: insert: %w", err)
	}

	r := attribution.Range{Start: offset, End: offset + len([]rune(text))}
	if err := s.surface.MarkSpan(r, category, source); err != nil {
		// The text is in the document either way; it stays human.
		s.logger.Warn("mark failed", "range_start", r.Start, "range_end", r.End, "category", category, "error", err)
	}

	s.log.Append(provenance.Event{
		Category: category,
		Source:   source,
		Text:     text,
	})
	return nil
}

// InsertAI asks provider to complete prompt and inserts the result at
// offset. On any provider error the document and the log are untouched.
func (s *Session) InsertAI(ctx context.Context, provider assist.Provider, prompt string, offset int) (assist.Completion, error) {
	s.count(func(st *stats) { st.aiCalls++ })

	c, err := provider.Complete(ctx, prompt)
	if err != nil {
		s.count(func(st *stats) { st.aiErrors++ })
		s.logger.Warn("completion failed", "error", err)
		return assist.Completion{}, err
	}
	if !diff.IsMeaningful(c.Text) {
		return c, ErrEmptyInsert
	}
	if err := s.InsertProgrammatic(offset, c.Text, attribution.AI, c.Model); err != nil {
		return c, err
	}
	return c, nil
}

// InsertCitation inserts text quoted from source at offset once confirm
// approves it. A nil confirm approves. Declined citations change nothing.
func (s *Session) InsertCitation(offset int, source, text string, confirm Confirm) error {
	if source == "" {
		return ErrMissingSource
	}
	if !diff.IsMeaningful(text) {
		return ErrEmptyInsert
	}
	if err := s.validator.Validate(text); err != nil {
		return fmt.Errorf("tracking: citation rejected: %w", err)
	}
	if confirm != nil && !confirm(source, text) {
		s.count(func(st *stats) { st.cancelled++ })
		return ErrCancelled
	}
	if err := s.InsertProgrammatic(offset, text, attribution.Cited, source); err != nil {
		return err
	}
	s.count(func(st *stats) { st.citations++ })
	return nil
}

// Spans returns the surface's current spans.
func (s *Session) Spans() attribution.Spans {
	return s.surface.Spans()
}

// Log returns the session's event log.
func (s *Session) Log() *provenance.Log {
	return s.log
}

// PendingSkips returns the number of armed, unconsumed skips.
func (s *Session) PendingSkips() int64 {
	return s.skip.Pending()
}

// Status summarizes a session.
type Status struct {
	ID           string                  `json:"id"`
	DocumentID   string                  `json:"document_id"`
	DocumentPath string                  `json:"document_path,omitempty"`
	Running      bool                    `json:"running"`
	StartedAt    time.Time               `json:"started_at"`
	Duration     time.Duration           `json:"duration"`
	Counts       attribution.Counts      `json:"counts"`
	Percentages  attribution.Percentages `json:"percentages"`

	Notifications int   `json:"notifications"`
	Skipped       int   `json:"skipped"`
	HumanLogged   int   `json:"human_logged"`
	Ignored       int   `json:"whitespace_ignored"`
	AICalls       int   `json:"ai_calls"`
	AIErrors      int   `json:"ai_errors"`
	Citations     int   `json:"citations"`
	Cancelled     int   `json:"cancelled"`
	PendingSkips  int64 `json:"pending_skips"`
}

// Status returns the current session status.
func (s *Session) Status() Status {
	counts := attribution.Tally(s.surface.Spans())

	s.mu.Lock()
	defer s.mu.Unlock()

	end := s.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return Status{
		ID:            s.ID,
		DocumentID:    s.DocumentID,
		DocumentPath:  s.DocumentPath,
		Running:       !s.closed,
		StartedAt:     s.StartedAt,
		Duration:      end.Sub(s.StartedAt),
		Counts:        counts,
		Percentages:   counts.Percentages(),
		Notifications: s.stats.natural + s.stats.skipped,
		Skipped:       s.stats.skipped,
		HumanLogged:   s.stats.logged,
		Ignored:       s.stats.ignored,
		AICalls:       s.stats.aiCalls,
		AIErrors:      s.stats.aiErrors,
		Citations:     s.stats.citations,
		Cancelled:     s.stats.cancelled,
		PendingSkips:  s.skip.Pending(),
	}
}

// Close stops tracking. Later notifications are ignored. The log is left
// open for its owner to close.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.EndedAt = time.Now()
	s.mu.Unlock()

	st := s.Status()
	s.audit.LogSessionEnd(context.Background(), map[string]any{
		"duration_ms": st.Duration.Milliseconds(),
		"human_chars": st.Counts.Human,
		"ai_chars":    st.Counts.AI,
		"cited_chars": st.Counts.Cited,
	})
	s.logger.Info("session closed", "duration", st.Duration.Round(time.Millisecond), "composition", st.Percentages.String())
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) count(fn func(*stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}
