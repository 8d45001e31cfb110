// Package eventlog persists the cube's event stream as an append-only
// JSON-per-line file with size and line-count rotation.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/kingrea/cubed/internal/cubeerr"
	"github.com/kingrea/cubed/internal/eventbus"
)

const (
	defaultMaxBytes    = 10 * 1024 * 1024
	defaultMaxLines    = 10_000
	defaultRotateCount = 3
)

// Entry is one line of the log: the event itself plus processing
// metadata recorded by the trigger engine.
type Entry struct {
	Event             eventbus.Event `json:"event"`
	ProcessedAt       time.Time      `json:"processedAt"`
	TriggersActivated []string       `json:"triggersActivated"`
	Errors            []string       `json:"errors,omitempty"`
}

// Option customizes Log construction.
type Option func(*Log)

// WithMaxBytes overrides the rotation size threshold.
func WithMaxBytes(n int64) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxBytes = n
		}
	}
}

// WithMaxLines overrides the rotation line-count threshold.
func WithMaxLines(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxLines = n
		}
	}
}

// WithRotateCount overrides how many rotated tail files are retained.
func WithRotateCount(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.rotateCount = n
		}
	}
}

// WithClock injects the instant source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// Log is the rotated event log. All appends and reads are serialized
// behind its mutex; file handles are scoped to each call.
type Log struct {
	mu          sync.Mutex
	path        string
	maxBytes    int64
	maxLines    int
	rotateCount int
	lineCount   int
	counted     bool
	now         func() time.Time
}

// New builds a Log writing to path. The file is created lazily on
// first append.
func New(path string, opts ...Option) *Log {
	l := &Log{
		path:        path,
		maxBytes:    defaultMaxBytes,
		maxLines:    defaultMaxLines,
		rotateCount: defaultRotateCount,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Path returns the current log file path.
func (l *Log) Path() string { return l.path }

// Append writes entry as a single JSON line, rotating first if the
// current file has reached either threshold.
func (l *Log) Append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := json.Marshal(entry)
	if err != nil {
		return cubeerr.New(cubeerr.IO, "eventlog.Append", err)
	}
	if err := l.rotateIfNeeded(int64(len(data)) + 1); err != nil {
		// Rotation trouble falls back to truncating the current
		// file so appends keep working.
		if truncErr := os.Truncate(l.path, 0); truncErr != nil && !errors.Is(truncErr, fs.ErrNotExist) {
			return cubeerr.New(cubeerr.IO, "eventlog.Append", err)
		}
		l.lineCount = 0
		l.counted = true
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return cubeerr.New(cubeerr.IO, "eventlog.Append", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return cubeerr.New(cubeerr.IO, "eventlog.Append", err)
	}
	l.lineCount++
	return nil
}

// AppendEvent wraps event in a minimal entry stamped with the current
// instant.
func (l *Log) AppendEvent(event eventbus.Event, triggersActivated []string) error {
	if triggersActivated == nil {
		triggersActivated = []string{}
	}
	return l.Append(Entry{
		Event:             event,
		ProcessedAt:       l.now().UTC(),
		TriggersActivated: triggersActivated,
	})
}

// rotateIfNeeded rotates when the current file has reached either the
// byte or line threshold. Called with the mutex held.
func (l *Log) rotateIfNeeded(incoming int64) error {
	info, err := os.Stat(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		l.lineCount = 0
		l.counted = true
		return nil
	}
	if err != nil {
		return err
	}
	if !l.counted {
		l.lineCount = countLines(l.path)
		l.counted = true
	}
	if info.Size() < l.maxBytes && l.lineCount < l.maxLines {
		return nil
	}
	oldest := fmt.Sprintf("%s.%d", l.path, l.rotateCount)
	if err := os.Remove(oldest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for i := l.rotateCount - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", l.path, i)
		to := fmt.Sprintf("%s.%d", l.path, i+1)
		if err := os.Rename(from, to); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return err
	}
	l.lineCount = 0
	return nil
}

func countLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		count++
	}
	return count
}

// ReadAll returns every parseable entry across the rotated tails and
// the current file, oldest first. Corrupt lines are dropped.
func (l *Log) ReadAll() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var entries []Entry
	for i := l.rotateCount; i >= 1; i-- {
		entries = append(entries, readEntries(fmt.Sprintf("%s.%d", l.path, i))...)
	}
	entries = append(entries, readEntries(l.path)...)
	return entries, nil
}

func readEntries(path string) []Entry {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// ReadRecent returns the newest n entries, oldest first.
func (l *Log) ReadRecent(n int) ([]Entry, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// ReadByType returns the newest n entries whose event type matches t.
func (l *Log) ReadByType(t eventbus.Type, n int) ([]Entry, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	return filterTail(entries, n, func(e Entry) bool {
		return e.Event.Type == t
	}), nil
}

// ReadByNode returns the newest n entries whose event concerns the
// node with the given id.
func (l *Log) ReadByNode(id string, n int) ([]Entry, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	return filterTail(entries, n, func(e Entry) bool {
		if e.Event.NodeID() == id {
			return true
		}
		if edge := e.Event.Payload.Edge; edge != nil && edge.To == id {
			return true
		}
		return false
	}), nil
}

// ReadByTimeRange returns entries whose event timestamp falls within
// [start, end], oldest first.
func (l *Log) ReadByTimeRange(start, end time.Time) ([]Entry, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	return filterTail(entries, 0, func(e Entry) bool {
		ts := e.Event.Timestamp
		return !ts.Before(start) && !ts.After(end)
	}), nil
}

func filterTail(entries []Entry, n int, keep func(Entry) bool) []Entry {
	matched := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if keep(e) {
			matched = append(matched, e)
		}
	}
	if n > 0 && len(matched) > n {
		matched = matched[len(matched)-n:]
	}
	return matched
}

// Stats summarizes the current log file.
type Stats struct {
	Lines  int
	Bytes  int64
	Oldest time.Time
	Newest time.Time
}

// CollectStats reports line count, byte size, and the oldest/newest
// event timestamps of the current file.
func (l *Log) CollectStats() (Stats, error) {
	l.mu.Lock()
	entries := readEntries(l.path)
	var size int64
	if info, err := os.Stat(l.path); err == nil {
		size = info.Size()
	}
	l.mu.Unlock()
	stats := Stats{Lines: len(entries), Bytes: size}
	for _, e := range entries {
		ts := e.Event.Timestamp
		if stats.Oldest.IsZero() || ts.Before(stats.Oldest) {
			stats.Oldest = ts
		}
		if ts.After(stats.Newest) {
			stats.Newest = ts
		}
	}
	return stats, nil
}
