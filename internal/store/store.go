// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/voxwallet/internal/domain"
)

// Repository defines the interface for persisting voice session history.
type Repository interface {
	// StartSession records a new session.
	StartSession(ctx context.Context, sessionID, wallet string, at time.Time) error

	// UpdateSessionStatus stores the latest status and error of a session.
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.Status, errMsg string, at time.Time) error

	// EndSession marks a session as stopped.
	EndSession(ctx context.Context, sessionID string, at time.Time) error

	// SaveEntry stores a finalized transcript entry.
	SaveEntry(ctx context.Context, sessionID string, entry domain.TranscriptEntry) error

	// SaveToolCall records a tool call as it is received.
	SaveToolCall(ctx context.Context, call domain.ToolCallRecord) error

	// ResolveToolCall stores the result forwarded for a call.
	ResolveToolCall(ctx context.Context, sessionID, callID string, result domain.ToolResult, at time.Time) error

	// GetSession returns a session or nil when it does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)

	// ListEntries returns the session's transcript in order.
	ListEntries(ctx context.Context, sessionID string) ([]domain.TranscriptEntry, error)

	// ListToolCalls returns the session's tool calls in order.
	ListToolCalls(ctx context.Context, sessionID string) ([]domain.ToolCallRecord, error)

	// DeleteSessionsBefore removes sessions last updated before cutoff, with their history.
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
