// Package signing models the approval workflow boundary for gated tool calls.
//
// A Ticket is issued for each prepared transaction and resolves exactly once,
// either with a signer outcome or with a user cancellation. Later resolutions
// are ignored, so duplicate UI events cannot produce a second function result.
package signing

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ashureev/voxwallet/internal/domain"
)

// CancelledMessage is the error reported to the model when the user declines.
const CancelledMessage = "cancelled by user"

// Outcome is how a ticket was resolved.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Resolution is the single value produced by a Ticket.
type Resolution struct {
	CallID  string
	Outcome Outcome
	TxHash  string
	Err     string
}

// Result renders the resolution as the function result forwarded to the model.
func (r Resolution) Result() domain.ToolResult {
	switch r.Outcome {
	case OutcomeSucceeded:
		res := domain.ToolResult{Success: true}
		if r.TxHash != "" {
			data, _ := json.Marshal(map[string]string{"hash": r.TxHash})
			res.Data = data
		}
		return res
	case OutcomeCancelled:
		return domain.ToolResult{Success: false, Error: CancelledMessage}
	default:
		msg := r.Err
		if msg == "" {
			msg = "transaction failed"
		}
		return domain.ToolResult{Success: false, Error: msg}
	}
}

// Ticket is a one-shot resolution slot for one pending call.
type Ticket struct {
	callID string
	once   sync.Once
	ch     chan Resolution
}

// NewTicket opens a ticket for callID.
func NewTicket(callID string) *Ticket {
	return &Ticket{callID: callID, ch: make(chan Resolution, 1)}
}

// CallID returns the call the ticket belongs to.
func (t *Ticket) CallID() string {
	return t.callID
}

// Done delivers the resolution once.
func (t *Ticket) Done() <-chan Resolution {
	return t.ch
}

// Complete resolves the ticket with the signer's outcome. It reports whether
// this call resolved the ticket.
func (t *Ticket) Complete(success bool, txHash, errMsg string) bool {
	r := Resolution{CallID: t.callID, Outcome: OutcomeFailed, TxHash: txHash, Err: errMsg}
	if success {
		r.Outcome = OutcomeSucceeded
		r.Err = ""
	}
	return t.resolve(r)
}

// Cancel resolves the ticket as declined by the user.
func (t *Ticket) Cancel() bool {
	return t.resolve(Resolution{CallID: t.callID, Outcome: OutcomeCancelled})
}

func (t *Ticket) resolve(r Resolution) bool {
	resolved := false
	t.once.Do(func() {
		t.ch <- r
		resolved = true
	})
	return resolved
}

// Bridge presents a prepared transaction to the approval workflow.
// The workflow answers through the orchestrator's complete and cancel entry points.
type Bridge interface {
	Present(ctx context.Context, sessionID string, call domain.PendingToolCall) error
}

// BridgeFunc adapts a function to Bridge.
type BridgeFunc func(ctx context.Context, sessionID string, call domain.PendingToolCall) error

// Present calls f.
func (f BridgeFunc) Present(ctx context.Context, sessionID string, call domain.PendingToolCall) error {
	return f(ctx, sessionID, call)
}
