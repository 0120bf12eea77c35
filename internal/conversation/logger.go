// Package conversation writes human-readable NDJSON logs of voice sessions.
package conversation

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

	"github.com/ashureev/voxwallet/internal/domain"
)

// Config controls conversation logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Event is one NDJSON line.
type Event struct {
	Timestamp time.Time        `json:"ts"`
	SessionID string           `json:"session_id"`
	Wallet    string           `json:"wallet,omitempty"`
	Kind      domain.EventKind `json:"kind"`
	Role      domain.Role      `json:"role,omitempty"`
	Status    domain.Status    `json:"status,omitempty"`
	CallID    string           `json:"call_id,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
	Gated     bool             `json:"gated,omitempty"`
	Content   string           `json:"content,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Logger records session events to one NDJSON file per session.
// It implements session.Recorder.
type Logger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Event

	mu     sync.Mutex
	closed bool
	once   sync.Once
	done   chan struct{}

	files  map[string]*os.File
	global *os.File
}

// NewLogger creates a Logger. A disabled config yields a Logger whose Record is a no-op.
func NewLogger(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	l := &Logger{
		cfg:    cfg,
		logger: logger,
		files:  make(map[string]*os.File),
		done:   make(chan struct{}),
	}
	if !cfg.Enabled {
		l.closed = true
		close(l.done)
		return l, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		l.global = f
	}

	l.queue = make(chan Event, cfg.QueueSize)
	go l.run()
	return l, nil
}

// Record converts ev and enqueues it. Events are dropped when the queue is full.
func (l *Logger) Record(ev domain.SessionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- fromSessionEvent(ev):
	default:
		l.logger.Warn("Conversation log queue full, dropping event",
			"session_id", ev.SessionID, "kind", ev.Kind)
	}
}

// Close flushes queued events and closes every open file.
func (l *Logger) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		if !l.closed {
			l.closed = true
			close(l.queue)
		}
		l.mu.Unlock()
	})
	<-l.done
	return nil
}

func (l *Logger) run() {
	defer close(l.done)
	for ev := range l.queue {
		l.write(ev)
		if ev.Kind == domain.EventSessionStopped {
			l.closeSession(ev.SessionID)
		}
	}
	for id := range l.files {
		l.closeSession(id)
	}
	if l.global != nil {
		if err := l.global.Close(); err != nil {
			l.logger.Warn("Failed to close global conversation log", "error", err)
		}
	}
}

func (l *Logger) write(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		l.logger.Warn("Failed to encode conversation event", "session_id", ev.SessionID, "error", err)
		return
	}
	line = append(line, '\n')

	f, err := l.sessionFile(ev)
	if err != nil {
		l.logger.Warn("Failed to open conversation log", "session_id", ev.SessionID, "error", err)
	} else if _, err := f.Write(line); err != nil {
		l.logger.Warn("Failed to write conversation log", "session_id", ev.SessionID, "error", err)
	}

	if l.global != nil {
		if _, err := l.global.Write(line); err != nil {
			l.logger.Warn("Failed to write global conversation log", "error", err)
		}
	}
}

func (l *Logger) sessionFile(ev Event) (*os.File, error) {
	if f, ok := l.files[ev.SessionID]; ok {
		return f, nil
	}
	dir := filepath.Join(l.cfg.Dir, safeSegment(ev.Wallet, "anonymous"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, safeSegment(ev.SessionID, "unknown")+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.files[ev.SessionID] = f
	return f, nil
}

func (l *Logger) closeSession(sessionID string) {
	f, ok := l.files[sessionID]
	if !ok {
		return
	}
	delete(l.files, sessionID)
	if err := f.Close(); err != nil {
		l.logger.Warn("Failed to close conversation log", "session_id", sessionID, "error", err)
	}
}

func fromSessionEvent(ev domain.SessionEvent) Event {
	out := Event{
		Timestamp: ev.Timestamp,
		SessionID: ev.SessionID,
		Wallet:    ev.Wallet,
		Kind:      ev.Kind,
		Status:    ev.Status,
		CallID:    ev.CallID,
		ToolName:  ev.ToolName,
		Gated:     ev.Gated,
		Payload:   ev.Payload,
		Error:     ev.Error,
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	if ev.Entry != nil {
		out.Role = ev.Entry.Role
		out.Content = cleanForReadability(ev.Entry.Text)
		if out.ToolName == "" {
			out.ToolName = ev.Entry.ToolName
		}
	}
	return out
}

var (
	controlChars = regexp.MustCompile(`[\x00-\x08\x0b-\x1f\x7f]`)
	unsafePath   = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// cleanForReadability strips control characters and collapses whitespace.
func cleanForReadability(s string) string {
	s = controlChars.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

func safeSegment(s, fallback string) string {
	s = unsafePath.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return fallback
	}
	return s
}
