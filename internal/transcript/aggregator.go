// Package transcript reassembles streamed speech and tool activity into utterances.
package transcript

import (
	"encoding/json"
	"time"

	"github.com/ashureev/voxwallet/internal/domain"
	"github.com/google/uuid"
)

// ProcessingPlaceholder is shown while the end of a user utterance is transcribed.
const ProcessingPlaceholder = "..."

const none = -1

// Aggregator owns the ordered transcript of one session.
// It is not safe for concurrent use; the session event loop is its only caller.
type Aggregator struct {
	entries   []domain.TranscriptEntry
	userIdx   int // ephemeral user utterance
	assistIdx int // open assistant utterance
	rev       uint64
	now       func() time.Time
	newID     func() string
	onFinal   func(domain.TranscriptEntry)
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithIDs overrides entry id generation.
func WithIDs(newID func() string) Option {
	return func(a *Aggregator) { a.newID = newID }
}

// OnFinalize registers a hook invoked with every entry at the moment it freezes.
func OnFinalize(fn func(domain.TranscriptEntry)) Option {
	return func(a *Aggregator) { a.onFinal = fn }
}

// New creates an empty aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		userIdx:   none,
		assistIdx: none,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) push(e domain.TranscriptEntry) int {
	a.rev++
	e.ID = a.newID()
	e.Timestamp = a.now()
	a.entries = append(a.entries, e)
	return len(a.entries) - 1
}

func (a *Aggregator) freeze(idx int) {
	e := &a.entries[idx]
	if e.IsFinal {
		return
	}
	e.IsFinal = true
	e.Status = domain.EntryFinal
	a.rev++
	if a.onFinal != nil {
		a.onFinal(*e)
	}
}

// AppendUserFragment overwrites the text of the ephemeral user entry,
// allocating it on the first fragment of a new utterance.
func (a *Aggregator) AppendUserFragment(text string) {
	if a.userIdx == none {
		a.userIdx = a.push(domain.TranscriptEntry{
			Role:   domain.RoleUser,
			Status: domain.EntrySpeaking,
		})
	}
	e := &a.entries[a.userIdx]
	e.Text = text
	e.Status = domain.EntrySpeaking
	a.rev++
}

// MarkUserProcessing flags the ephemeral user entry as being transcribed.
// An entry without any text yet shows ProcessingPlaceholder.
func (a *Aggregator) MarkUserProcessing() {
	if a.userIdx == none {
		a.userIdx = a.push(domain.TranscriptEntry{Role: domain.RoleUser})
	}
	e := &a.entries[a.userIdx]
	if e.Text == "" {
		e.Text = ProcessingPlaceholder
	}
	e.Status = domain.EntryProcessing
	a.rev++
}

// FinalizeUser freezes the ephemeral user entry with its final text and
// clears the ephemeral slot so the next fragment starts a new entry.
func (a *Aggregator) FinalizeUser(text string) {
	if a.userIdx == none {
		a.userIdx = a.push(domain.TranscriptEntry{Role: domain.RoleUser})
	}
	idx := a.userIdx
	a.userIdx = none
	a.entries[idx].Text = text
	a.rev++
	a.freeze(idx)
}

// AppendAssistantDelta concatenates delta onto the last entry when it is an
// open assistant utterance, otherwise it starts a new assistant entry.
func (a *Aggregator) AppendAssistantDelta(delta string) {
	last := len(a.entries) - 1
	if last >= 0 && last == a.assistIdx {
		a.entries[last].Text += delta
		a.rev++
		return
	}
	if a.assistIdx != none {
		a.freeze(a.assistIdx)
	}
	a.assistIdx = a.push(domain.TranscriptEntry{
		Role:   domain.RoleAssistant,
		Text:   delta,
		Status: domain.EntrySpeaking,
	})
}

// FinalizeAssistant freezes the open assistant utterance, if any.
func (a *Aggregator) FinalizeAssistant() {
	if a.assistIdx == none {
		return
	}
	idx := a.assistIdx
	a.assistIdx = none
	a.freeze(idx)
}

// RecordToolEvent appends a non-final placeholder for a tool invocation and returns its id.
func (a *Aggregator) RecordToolEvent(name string) string {
	idx := a.push(domain.TranscriptEntry{
		Role:     domain.RoleTool,
		Text:     "Running " + name + "...",
		Status:   domain.EntryProcessing,
		ToolName: name,
	})
	return a.entries[idx].ID
}

// UpdateToolEvent rewrites the tool entry with the given id in place.
// Frozen or unknown entries are left untouched and false is returned.
func (a *Aggregator) UpdateToolEvent(id, text string, result json.RawMessage, final bool) bool {
	for i := len(a.entries) - 1; i >= 0; i-- {
		e := &a.entries[i]
		if e.ID != id {
			continue
		}
		if e.IsFinal || e.Role != domain.RoleTool {
			return false
		}
		e.Text = text
		if result != nil {
			e.ToolResult = result
		}
		a.rev++
		if final {
			a.freeze(i)
		}
		return true
	}
	return false
}

// Entries returns a copy of the transcript in append order.
func (a *Aggregator) Entries() []domain.TranscriptEntry {
	out := make([]domain.TranscriptEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Revision changes whenever the transcript changes.
func (a *Aggregator) Revision() uint64 { return a.rev }

// Len returns the number of entries.
func (a *Aggregator) Len() int { return len(a.entries) }

// EphemeralUserID returns the id of the in-progress user entry, or "".
func (a *Aggregator) EphemeralUserID() string {
	if a.userIdx == none {
		return ""
	}
	return a.entries[a.userIdx].ID
}
