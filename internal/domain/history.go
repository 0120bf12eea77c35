package domain

import (
	"encoding/json"
	"time"
)

// SessionRecord is the persisted summary of one voice session.
type SessionRecord struct {
	SessionID string     `json:"session_id"`
	Wallet    string     `json:"wallet,omitempty"`
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Ended reports whether the session was stopped.
func (s *SessionRecord) Ended() bool {
	return s.EndedAt != nil
}

// ToolCallRecord is the persisted history of one tool call.
type ToolCallRecord struct {
	SessionID  string          `json:"session_id"`
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Gated      bool            `json:"gated"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Error      string          `json:"error,omitempty"`
	CalledAt   time.Time       `json:"called_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}
