// Package transcript provides asynchronous NDJSON transcript logging for
// conversations. Events are queued and written by a background worker so
// the turn path never blocks on disk I/O.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Config controls transcript logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Event is one transcript line. ContentRaw keeps the payload verbatim;
// Content carries a cleaned copy for humans reading the files.
type Event struct {
	Timestamp       string `json:"timestamp"`
	ActorID         string `json:"actor_id"`
	ConversationKey string `json:"conversation_key"`
	SessionRef      string `json:"session_ref,omitempty"`
	Channel         string `json:"channel"`
	Direction       string `json:"direction"` // "inbound" or "outbound"
	EventType       string `json:"event_type"`
	ContentRaw      string `json:"content_raw"`
	Content         string `json:"content"`
}

// Logger is the transcript sink. A nil *Logger is a valid no-op sink.
type Logger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Event

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// New creates a transcript logger. When cfg.Enabled is false it returns
// a logger that drops everything.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	l := &Logger{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
	if !cfg.Enabled {
		close(l.done)
		return l, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global transcript dir: %w", err)
		}
	}

	l.queue = make(chan Event, cfg.QueueSize)
	go l.run()
	return l, nil
}

// Log queues one event. A full queue drops the event rather than block
// the caller.
func (l *Logger) Log(ev Event) {
	if l == nil || !l.cfg.Enabled {
		return
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if ev.Content == "" {
		ev.Content = cleanForReadability(ev.ContentRaw)
	}

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}

	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("Transcript queue full, dropping event",
			"conversation_key", ev.ConversationKey, "event_type", ev.EventType)
	}
}

// Close stops the worker after draining queued events.
func (l *Logger) Close() error {
	if l == nil || !l.cfg.Enabled {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.queue)
	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
		l.logger.Warn("Transcript worker shutdown timeout")
	}
	return nil
}

func (l *Logger) run() {
	defer close(l.done)
	for ev := range l.queue {
		l.write(ev)
	}
}

func (l *Logger) write(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		l.logger.Warn("Failed to marshal transcript event", "error", err)
		return
	}
	line = append(line, '\n')

	path := filepath.Join(l.cfg.Dir, safePathPart(ev.ActorID), safePathPart(ev.ConversationKey)+".ndjson")
	if err := appendFile(path, line); err != nil {
		l.logger.Warn("Failed to write transcript", "path", path, "error", err)
	}
	if l.cfg.GlobalEnabled {
		if err := appendFile(l.cfg.GlobalPath, line); err != nil {
			l.logger.Warn("Failed to write global transcript", "path", l.cfg.GlobalPath, "error", err)
		}
	}
}

func appendFile(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(line)
	return err
}

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._:-]`)
)

// cleanForReadability strips ANSI escape sequences and control noise so
// transcript files read as plain text.
func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

func safePathPart(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}
