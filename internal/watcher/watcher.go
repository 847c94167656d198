// Package watcher turns a plain-text file into an editing surface. Each
// save, once the file has been quiet for the debounce interval, is applied
// to the span model as one mutation.
package watcher

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"sonnun/internal/attribution"
	"sonnun/internal/diff"
	"sonnun/internal/security"
)

// DefaultDebounce is how long a file must be unchanged before it is read.
const DefaultDebounce = 500 * time.Millisecond

// ErrNotText is returned when the file is not valid UTF-8.
var ErrNotText = errors.New("watcher: file is not UTF-8 text")

// Observer receives the document text before and after each mutation.
type Observer func(prev, curr string)

// Option configures a FileSurface.
type Option func(*FileSurface)

// WithDebounce sets the quiet interval before a change is applied.
func WithDebounce(d time.Duration) Option {
	return func(f *FileSurface) {
		if d > 0 {
			f.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *FileSurface) {
		if l != nil {
			f.logger = l
		}
	}
}

// FileSurface tracks one file.
type FileSurface struct {
	path     string
	perm     os.FileMode
	debounce time.Duration
	logger   *slog.Logger

	doc *attribution.Document
	mu  sync.Mutex // serializes mutations

	obsMu    sync.RWMutex
	observer Observer

	fsWatcher *fsnotify.Watcher

	// lastEvent is the time of the newest unapplied change; zero when
	// nothing is pending.
	stateMu   sync.Mutex
	lastEvent time.Time

	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup
}

// Open reads path as the baseline. The baseline is human text and is not
// reported to the observer.
func Open(path string, opts ...Option) (*FileSurface, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, ErrNotText
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, err
	}

	f := &FileSurface{
		path:     absPath,
		perm:     info.Mode().Perm(),
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		doc:      attribution.NewDocument(attribution.Span{Text: string(data), Category: attribution.Human}),
		errors:   make(chan error, 10),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "watcher", "path", absPath)
	return f, nil
}

// Path returns the absolute path of the file.
func (f *FileSurface) Path() string { return f.path }

// SetObserver installs the change observer.
func (f *FileSurface) SetObserver(fn Observer) {
	f.obsMu.Lock()
	defer f.obsMu.Unlock()
	f.observer = fn
}

// Errors returns read and watch errors. Errors are dropped when nobody
// drains the channel.
func (f *FileSurface) Errors() <-chan error {
	return f.errors
}

// Spans returns the attribution spans.
func (f *FileSurface) Spans() attribution.Spans {
	return f.doc.Spans()
}

// Text returns the tracked text.
func (f *FileSurface) Text() string {
	return f.doc.Text()
}

// Len returns the tracked length in runes.
func (f *FileSurface) Len() int {
	return f.doc.Len()
}

// MarkSpan tags the runes in r.
func (f *FileSurface) MarkSpan(r attribution.Range, category attribution.Category, source string) error {
	return f.doc.Mark(r, category, source)
}

// Insert writes text into the file at offset and reports the mutation.
// Saves not yet picked up by the watcher are applied first as a human
// edit, so the write never drops them. The write is atomic; the watch
// event it causes finds nothing new.
func (f *FileSurface) Insert(offset int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.reloadLocked(); err != nil {
		return err
	}

	prev := f.doc.Text()
	if err := f.doc.Replace(offset, 0, text, attribution.Human, ""); err != nil {
		return err
	}
	curr := f.doc.Text()

	if err := security.WriteSecureFile(f.path, []byte(curr), f.perm); err != nil {
		// Put the model back; the file never changed.
		f.doc.Replace(offset, utf8.RuneCountInString(text), "", attribution.Human, "")
		return fmt.Errorf("watcher: write %s: %w", filepath.Base(f.path), err)
	}
	f.notify(prev, curr)
	return nil
}

// Reload reads the file now and applies any difference as one mutation.
func (f *FileSurface) Reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloadLocked()
}

func (f *FileSurface) reloadLocked() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("watcher: read: %w", err)
	}
	if !utf8.Valid(data) {
		return ErrNotText
	}

	prev := f.doc.Text()
	curr := string(data)
	if prev == curr {
		return nil
	}

	e := diff.Compute(prev, curr)
	if err := f.doc.Replace(e.Offset, e.Deleted, e.Inserted, attribution.Human, ""); err != nil {
		return fmt.Errorf("watcher: apply edit: %w", err)
	}
	f.logger.Debug("file changed", "offset", e.Offset, "deleted", e.Deleted, "inserted", e.InsertedLen())
	f.notify(prev, curr)
	return nil
}

func (f *FileSurface) notify(prev, curr string) {
	f.obsMu.RLock()
	observer := f.observer
	f.obsMu.RUnlock()
	if observer != nil {
		observer(prev, curr)
	}
}

// Start begins watching. The file's directory is watched so that editors
// that save by renaming a temporary file are seen.
func (f *FileSurface) Start() error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsWatcher.Add(filepath.Dir(f.path)); err != nil {
		fsWatcher.Close()
		return err
	}
	f.fsWatcher = fsWatcher
	f.done = make(chan struct{})

	f.wg.Add(2)
	go f.eventLoop()
	go f.debounceLoop()
	return nil
}

// Stop shuts the watcher down and applies any pending change.
func (f *FileSurface) Stop() error {
	if f.fsWatcher == nil {
		return nil
	}
	close(f.done)
	f.wg.Wait()
	err := f.fsWatcher.Close()
	f.fsWatcher = nil

	if f.takePending(time.Time{}) {
		if rerr := f.Reload(); rerr != nil {
			return rerr
		}
	}
	return err
}

func (f *FileSurface) eventLoop() {
	defer f.wg.Done()

	for {
		select {
		case <-f.done:
			return

		case event, ok := <-f.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			f.stateMu.Lock()
			f.lastEvent = time.Now()
			f.stateMu.Unlock()

		case err, ok := <-f.fsWatcher.Errors:
			if !ok {
				return
			}
			f.report(err)
		}
	}
}

func (f *FileSurface) debounceLoop() {
	defer f.wg.Done()

	tick := f.debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case now := <-ticker.C:
			if !f.takePending(now.Add(-f.debounce)) {
				continue
			}
			if err := f.Reload(); err != nil {
				f.report(err)
			}
		}
	}
}

// takePending clears and reports a pending change older than threshold.
// A zero threshold takes any pending change.
func (f *FileSurface) takePending(threshold time.Time) bool {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if f.lastEvent.IsZero() {
		return false
	}
	if !threshold.IsZero() && f.lastEvent.After(threshold) {
		return false
	}
	f.lastEvent = time.Time{}
	return true
}

func (f *FileSurface) report(err error) {
	f.logger.Warn("watch error", "error", err)
	select {
	case f.errors <- err:
	default:
	}
}
