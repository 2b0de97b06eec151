// Package audit implements the Audit Log: an append-only JSONL record
// of permission decisions, partitioned into one file per UTC date under a
// configured directory.
//
// Writes are best-effort and never block the caller; the file rotates on
// the UTC date boundary.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one line of the audit log.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	Command      string    `json:"command"`
	Decision     string    `json:"decision"`
	Reason       string    `json:"reason"`
	ResolvedPath string    `json:"resolved_path,omitempty"`
}

const bufferSize = 128

// Logger is the Audit Log. Writes are buffered through a channel and
// drained by a single goroutine; a full buffer or a write failure is
// logged and dropped rather than blocking execution.
type Logger struct {
	dir    string
	logger *slog.Logger

	buffer chan Entry
	done   chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	eventCount int
	currentDay string
	file       *os.File
	writer     *bufio.Writer
	now        func() time.Time // injectable for deterministic tests
}

// NewLogger opens (creating if needed) the audit directory and starts the
// background writer.
func NewLogger(dir string, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	l := &Logger{
		dir:    dir,
		logger: logger,
		buffer: make(chan Entry, bufferSize),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

// LogCommandDecision records one permission decision. Best-effort: if the
// buffer is full the entry is dropped with a warning, never blocking the
// tool pipeline.
func (l *Logger) LogCommandDecision(command, decision, reason, resolvedPath string) {
	entry := Entry{
		Timestamp:    l.now().UTC(),
		Command:      command,
		Decision:     decision,
		Reason:       reason,
		ResolvedPath: resolvedPath,
	}
	select {
	case l.buffer <- entry:
	default:
		l.logger.Warn("audit buffer full, dropping entry", "command", command, "decision", decision)
	}
}

// EventCount reports how many entries have been written since startup.
func (l *Logger) EventCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eventCount
}

// LogPath returns the path of the file entries are currently appended to.
func (l *Logger) LogPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pathForDayLocked(l.dayKeyLocked())
}

// Close flushes buffered entries and stops the writer goroutine.
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	if l.writer != nil {
		err = l.writer.Flush()
	}
	if l.file != nil {
		if cerr := l.file.Close(); err == nil {
			err = cerr
		}
		l.file = nil
		l.writer = nil
	}
	return err
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case entry := <-l.buffer:
			l.writeEntry(entry)
		case <-l.done:
			// Drain whatever is queued before exiting.
			for {
				select {
				case entry := <-l.buffer:
					l.writeEntry(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) writeEntry(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	day := entry.Timestamp.Format("2006-01-02")
	if err := l.rotateLocked(day); err != nil {
		l.logger.Warn("audit log rotation failed", "error", err)
		return
	}

	line, err := json.Marshal(entry)
	if err != nil {
		l.logger.Warn("audit entry marshal failed", "error", err)
		return
	}
	if _, err := l.writer.Write(append(line, '\n')); err != nil {
		l.logger.Warn("audit write failed", "error", err)
		return
	}
	// Flush per entry: the log is consulted by humans mid-session and an
	// entry buffered past a crash is an entry lost.
	if err := l.writer.Flush(); err != nil {
		l.logger.Warn("audit flush failed", "error", err)
		return
	}
	l.eventCount++
}

// rotateLocked ensures the open file matches the entry's UTC date.
func (l *Logger) rotateLocked(day string) error {
	if l.file != nil && l.currentDay == day {
		return nil
	}
	if l.file != nil {
		l.writer.Flush()
		l.file.Close()
		l.file = nil
		l.writer = nil
	}
	path := l.pathForDayLocked(day)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	l.currentDay = day
	return nil
}

func (l *Logger) dayKeyLocked() string {
	return l.now().UTC().Format("2006-01-02")
}

func (l *Logger) pathForDayLocked(day string) string {
	return filepath.Join(l.dir, "audit-"+day+".jsonl")
}
