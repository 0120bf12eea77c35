package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/voxwallet/internal/domain"
)

const defaultJournalQueue = 256

// Journal persists session events asynchronously. Record never blocks; when the
// queue is full the oldest pending event is dropped.
type Journal struct {
	repo    Repository
	retry   RetryPolicy
	timeout time.Duration
	logger  *slog.Logger

	queue chan domain.SessionEvent
	mu    sync.Mutex // serializes drop-oldest against close
	once  sync.Once
	done  chan struct{}

	closed bool
}

// NewJournal starts the journal worker.
func NewJournal(repo Repository, queueSize int, logger *slog.Logger) *Journal {
	if queueSize <= 0 {
		queueSize = defaultJournalQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{
		repo:    repo,
		retry:   DefaultRetry,
		timeout: 5 * time.Second,
		logger:  logger,
		queue:   make(chan domain.SessionEvent, queueSize),
		done:    make(chan struct{}),
	}
	go j.run()
	return j
}

// Record enqueues ev for persistence.
func (j *Journal) Record(ev domain.SessionEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	for {
		select {
		case j.queue <- ev:
			return
		default:
		}
		select {
		case dropped := <-j.queue:
			j.logger.Warn("Journal queue full, dropping event",
				"session_id", dropped.SessionID, "kind", dropped.Kind)
		default:
		}
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to expire.
func (j *Journal) Close(ctx context.Context) error {
	j.once.Do(func() {
		j.mu.Lock()
		j.closed = true
		close(j.queue)
		j.mu.Unlock()
	})
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) run() {
	defer close(j.done)
	for ev := range j.queue {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		err := withRetry(ctx, j.retry, string(ev.Kind), func(ctx context.Context) error {
			return j.apply(ctx, ev)
		})
		cancel()
		if err != nil {
			j.logger.Warn("Failed to persist session event",
				"session_id", ev.SessionID, "kind", ev.Kind, "error", err)
		}
	}
}

func (j *Journal) apply(ctx context.Context, ev domain.SessionEvent) error {
	switch ev.Kind {
	case domain.EventSessionStarted:
		return j.repo.StartSession(ctx, ev.SessionID, ev.Wallet, ev.Timestamp)
	case domain.EventStatusChanged:
		return j.repo.UpdateSessionStatus(ctx, ev.SessionID, ev.Status, ev.Error, ev.Timestamp)
	case domain.EventSessionStopped:
		return j.repo.EndSession(ctx, ev.SessionID, ev.Timestamp)
	case domain.EventEntryFinalized:
		if ev.Entry == nil {
			return nil
		}
		return j.repo.SaveEntry(ctx, ev.SessionID, *ev.Entry)
	case domain.EventToolCall:
		return j.repo.SaveToolCall(ctx, domain.ToolCallRecord{
			SessionID: ev.SessionID,
			CallID:    ev.CallID,
			Name:      ev.ToolName,
			Gated:     ev.Gated,
			Arguments: ev.Payload,
			CalledAt:  ev.Timestamp,
		})
	case domain.EventToolResult:
		var result domain.ToolResult
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &result); err != nil {
				return err
			}
		} else {
			result = domain.ToolResult{Success: ev.Error == "", Error: ev.Error}
		}
		return j.repo.ResolveToolCall(ctx, ev.SessionID, ev.CallID, result, ev.Timestamp)
	default:
		j.logger.Debug("Ignoring unknown session event", "kind", ev.Kind)
		return nil
	}
}
