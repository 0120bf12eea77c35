package domain

import (
	"encoding/json"
	"time"
)

// EventKind classifies a SessionEvent.
type EventKind string

const (
	EventSessionStarted EventKind = "session_started"
	EventStatusChanged  EventKind = "status_changed"
	EventEntryFinalized EventKind = "entry_finalized"
	EventToolCall       EventKind = "tool_call"
	EventToolResult     EventKind = "tool_result"
	EventSessionStopped EventKind = "session_stopped"
)

// SessionEvent is a journal record emitted by the orchestrator.
type SessionEvent struct {
	Timestamp time.Time        `json:"ts"`
	SessionID string           `json:"session_id"`
	Wallet    string           `json:"wallet,omitempty"`
	Kind      EventKind        `json:"kind"`
	Status    Status           `json:"status,omitempty"`
	Entry     *TranscriptEntry `json:"entry,omitempty"`
	CallID    string           `json:"call_id,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
	Gated     bool             `json:"gated,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	Error     string           `json:"error,omitempty"`
}
