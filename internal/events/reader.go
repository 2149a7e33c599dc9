// Package events reads the append-only workflow event log, either in full or
// by tailing it for new lines.
package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPollInterval is how often a tailing reader checks the file for growth.
const DefaultPollInterval = 50 * time.Millisecond

// maxReadChunk bounds how much of the file one poll reads at a time.
const maxReadChunk = 1 << 20

// ErrAlreadyTailing is returned by StartTailing on a reader that is tailing.
var ErrAlreadyTailing = errors.New("reader is already tailing")

// Callback receives tailed entries in file order on the tailing goroutine.
type Callback func(ParsedLogEntry)

// LineCallback receives raw tailed lines, without the trailing newline, for
// logs that are not in the event format.
type LineCallback func(line string)

// lineFunc handles one non-blank line at a byte offset and line number.
type lineFunc func(line []byte, offset int64, lineNo int)

// Option configures a Reader
type Option func(*Reader)

// WithPollInterval sets the tail poll interval
func WithPollInterval(d time.Duration) Option {
	return func(r *Reader) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithFSNotify makes the tail loop also wake on filesystem notifications.
// Polling continues as a fallback, so delivery does not depend on them.
func WithFSNotify(enabled bool) Option {
	return func(r *Reader) { r.useFSNotify = enabled }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) {
		if l != nil {
			r.logger = l
		}
	}
}

// Reader reads one event log file.
type Reader struct {
	path        string
	interval    time.Duration
	useFSNotify bool
	logger      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the tail goroutine while tailing.
	offset int64
	lineNo int
}

// NewReader creates a reader for the log at path. The file does not need
// to exist yet.
func NewReader(path string, opts ...Option) *Reader {
	r := &Reader{
		path:     path,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "event-reader", "path", path)
	return r
}

// Path returns the log file path
func (r *Reader) Path() string { return r.path }

// ReadAll parses the whole log. Blank and malformed lines are skipped; a
// missing file is an empty log.
func (r *Reader) ReadAll() ([]ParsedLogEntry, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	var entries []ParsedLogEntry
	_, _ = r.scanLines(data, 0, 0, r.parsing(func(e ParsedLogEntry) {
		entries = append(entries, e)
	}), true)
	return entries, nil
}

// QueryLast returns the most recent entry that matches filter.
func (r *Reader) QueryLast(filter Filter) (*ParsedLogEntry, bool, error) {
	entries, err := r.ReadAll()
	if err != nil {
		return nil, false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if filter.Matches(entries[i]) {
			e := entries[i]
			return &e, true, nil
		}
	}
	return nil, false, nil
}

// parsing adapts an entry callback to raw lines, skipping malformed ones.
func (r *Reader) parsing(fn Callback) lineFunc {
	return func(line []byte, offset int64, lineNo int) {
		entry, err := ParseLine(line)
		if err != nil {
			r.logger.Debug("skipping malformed event log line", "line", lineNo, "error", err)
			return
		}
		entry.Offset = offset
		entry.Line = lineNo
		fn(entry)
	}
}

// scanLines passes the complete non-blank lines in data, which starts at
// byte offset base and follows line number lineNo, to fn. It returns how
// many bytes were consumed and the last line number. Without final, a
// trailing line with no newline is left unconsumed.
func (r *Reader) scanLines(data []byte, base int64, lineNo int, fn lineFunc, final bool) (int64, int) {
	var consumed int64
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		var line []byte
		var n int
		if idx < 0 {
			if !final {
				break
			}
			line, n = data, len(data)
		} else {
			line, n = data[:idx], idx+1
		}
		lineNo++
		start := base + consumed
		consumed += int64(n)
		data = data[n:]

		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		fn(line, start, lineNo)
	}
	return consumed, lineNo
}

// StartTailing delivers every complete line appended after this call, once,
// in file order. Callbacks run on a single goroutine and must not call
// StopTailing.
func (r *Reader) StartTailing(fn Callback) error {
	if fn == nil {
		return fmt.Errorf("callback cannot be nil")
	}
	return r.startTail(r.parsing(fn))
}

// StartTailingLines is StartTailing for plain-text logs: every complete
// non-blank line is delivered as is.
func (r *Reader) StartTailingLines(fn LineCallback) error {
	if fn == nil {
		return fmt.Errorf("callback cannot be nil")
	}
	return r.startTail(func(line []byte, _ int64, _ int) { fn(string(line)) })
}

func (r *Reader) startTail(fn lineFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return ErrAlreadyTailing
	}

	offset, lineNo, err := r.currentEnd()
	if err != nil {
		return err
	}
	r.offset, r.lineNo = offset, lineNo

	var watcher *fsnotify.Watcher
	if r.useFSNotify {
		watcher, err = r.newWatcher()
		if err != nil {
			r.logger.Warn("fsnotify unavailable, polling only", "error", err)
			watcher = nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.tailLoop(ctx, fn, watcher, r.done)
	return nil
}

// StopTailing stops the tail loop and waits for an in-flight poll to
// finish. Calling it more than once, or without StartTailing, is a no-op.
func (r *Reader) StopTailing() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsTailing reports whether the tail loop is running
func (r *Reader) IsTailing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// currentEnd returns the offset just past the last complete line and the
// number of lines before it.
func (r *Reader) currentEnd() (int64, int, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read event log: %w", err)
	}
	end := bytes.LastIndexByte(data, '\n') + 1
	return int64(end), bytes.Count(data[:end], []byte{'\n'}), nil
}

func (r *Reader) newWatcher() (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory so creation and replacement of the file are seen.
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

func (r *Reader) tailLoop(ctx context.Context, fn lineFunc, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	if watcher != nil {
		defer watcher.Close()
		fsEvents = watcher.Events
		fsErrors = watcher.Errors
	}

	target := filepath.Clean(r.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(fn)
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if filepath.Clean(ev.Name) == target && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				r.poll(fn)
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			r.logger.Debug("fsnotify error", "error", err)
		}
	}
}

// poll reads everything appended since the last poll. A poll that has
// started runs to completion so no read is lost or repeated on stop.
func (r *Reader) poll(fn lineFunc) {
	f, err := os.Open(r.path)
	if errors.Is(err, os.ErrNotExist) {
		if r.offset > 0 {
			r.logger.Info("event log removed, waiting for it to reappear")
			r.offset, r.lineNo = 0, 0
		}
		return
	}
	if err != nil {
		r.logger.Warn("failed to open event log", "error", err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		r.logger.Warn("failed to stat event log", "error", err)
		return
	}
	size := info.Size()
	if size < r.offset {
		r.logger.Info("event log truncated, reading from start", "old_offset", r.offset, "size", size)
		r.offset, r.lineNo = 0, 0
	}

	for r.offset < size {
		chunk := size - r.offset
		if chunk > maxReadChunk {
			chunk = maxReadChunk
		}
		buf := make([]byte, chunk)
		n, err := f.ReadAt(buf, r.offset)
		if err != nil && !errors.Is(err, io.EOF) {
			r.logger.Warn("failed to read event log", "error", err)
			return
		}
		consumed, lineNo := r.scanLines(buf[:n], r.offset, r.lineNo, r.guarded(fn), false)
		if consumed == 0 {
			// Only a partial line is available; wait for its newline. A single
			// line longer than the chunk is read whole on the next pass.
			if int64(n) == chunk && chunk == maxReadChunk {
				r.consumeLongLine(f, size, fn)
			}
			return
		}
		r.offset += consumed
		r.lineNo = lineNo
	}
}

// consumeLongLine handles a line that does not fit in one chunk.
func (r *Reader) consumeLongLine(f *os.File, size int64, fn lineFunc) {
	buf := make([]byte, size-r.offset)
	n, err := f.ReadAt(buf, r.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return
	}
	consumed, lineNo := r.scanLines(buf[:n], r.offset, r.lineNo, r.guarded(fn), false)
	r.offset += consumed
	r.lineNo = lineNo
}

// guarded recovers a panicking callback so one bad line does not stop the
// tail.
func (r *Reader) guarded(fn lineFunc) lineFunc {
	return func(line []byte, offset int64, lineNo int) {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("tail callback panicked", "line", lineNo, "panic", p)
			}
		}()
		fn(line, offset, lineNo)
	}
}
