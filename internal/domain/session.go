// Package domain contains core domain types for the voice wallet orchestrator.
package domain

import "time"

// Status is the lifecycle state of a voice session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusProcessing Status = "processing"
	StatusSigning    Status = "signing"
	StatusError      Status = "error"
)

// Live reports whether the status holds an open control channel.
func (s Status) Live() bool {
	switch s {
	case StatusConnected, StatusProcessing, StatusSigning:
		return true
	default:
		return false
	}
}

// Terminal reports whether the caller must act (start or stop) to leave the status.
func (s Status) Terminal() bool {
	return s == StatusIdle || s == StatusError
}

// Snapshot is an immutable view of a session published after every handled event.
type Snapshot struct {
	SessionID     string            `json:"session_id,omitempty"`
	Status        Status            `json:"status"`
	Error         string            `json:"error,omitempty"`
	CurrentVolume float64           `json:"current_volume"`
	IsListening   bool              `json:"is_listening"`
	IsSpeaking    bool              `json:"is_speaking"`
	Pending       *PendingToolCall  `json:"pending,omitempty"`
	Transcript    []TranscriptEntry `json:"transcript"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// IdleSnapshot returns the snapshot of a session that holds no resources.
func IdleSnapshot(now time.Time) Snapshot {
	return Snapshot{Status: StatusIdle, Transcript: []TranscriptEntry{}, UpdatedAt: now}
}
