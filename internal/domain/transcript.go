package domain

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// EntryStatus is the display state of a transcript entry.
type EntryStatus string

const (
	EntrySpeaking   EntryStatus = "speaking"
	EntryProcessing EntryStatus = "processing"
	EntryFinal      EntryStatus = "final"
)

// TranscriptEntry is one utterance or tool activity in a session transcript.
// Entries are mutable while IsFinal is false and frozen afterwards.
type TranscriptEntry struct {
	ID         string          `json:"id"`
	Role       Role            `json:"role"`
	Text       string          `json:"text"`
	Timestamp  time.Time       `json:"timestamp"`
	IsFinal    bool            `json:"is_final"`
	Status     EntryStatus     `json:"status"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolResult json.RawMessage `json:"tool_result,omitempty"`
}
