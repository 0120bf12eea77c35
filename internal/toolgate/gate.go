package toolgate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/voxwallet/internal/domain"
	"github.com/ashureev/voxwallet/internal/signing"
	"github.com/ashureev/voxwallet/internal/toolexec"
)

// BusyMessage answers a gated call made while another one is open.
const BusyMessage = "another transaction is awaiting approval"

const tracerName = "github.com/ashureev/voxwallet/internal/toolgate"

// Executor runs a tool on the execution endpoint.
type Executor interface {
	Execute(ctx context.Context, wallet domain.WalletContext, name string, args map[string]any) (toolexec.Response, error)
}

// Reporter connects the gate to the session's event loop and control channel.
type Reporter interface {
	// Forward sends the function result for callID followed by a response request.
	Forward(callID string, result domain.ToolResult) error
	// Post schedules fn on the event loop. It may drop fn once the session has ended.
	Post(fn func())
}

// Transcript receives tool activity entries.
type Transcript interface {
	RecordToolEvent(name string) string
	UpdateToolEvent(id, text string, result json.RawMessage, final bool) bool
}

// Observer is notified of calls and their results.
type Observer interface {
	ToolCalled(callID, name string, gated bool, args map[string]any)
	ToolResolved(callID, name string, gated bool, result domain.ToolResult)
}

// Config wires a Gate for one session.
type Config struct {
	SessionID  string
	Wallet     domain.WalletContext
	Policy     Policy
	Executor   Executor
	Reporter   Reporter
	Transcript Transcript
	Bridge     signing.Bridge
	Observer   Observer
	Logger     *slog.Logger
}

type call struct {
	id      string
	name    string
	args    map[string]any
	gated   bool
	entryID string
}

// Gate owns tool call routing for one session. Every method except the
// executor goroutines runs on the session's event loop, so the gate needs no locks.
type Gate struct {
	cfg    Config
	logger *slog.Logger

	inFlight  int
	preparing *call
	pending   *domain.PendingToolCall
	pendingC  *call
	ticket    *signing.Ticket
}

// New builds a gate.
func New(cfg Config) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Policy.gated == nil {
		cfg.Policy = NewPolicy(nil)
	}
	return &Gate{cfg: cfg, logger: logger}
}

// OnToolCall handles a completed function call from the model. It never
// blocks on the endpoint; the outcome is posted back to the event loop.
func (g *Gate) OnToolCall(ctx context.Context, callID, name, argsJSON string) {
	c := &call{
		id:    callID,
		name:  name,
		args:  ParseArguments(argsJSON),
		gated: g.cfg.Policy.Gated(name),
	}
	c.entryID = g.cfg.Transcript.RecordToolEvent(name)
	if g.cfg.Observer != nil {
		g.cfg.Observer.ToolCalled(c.id, c.name, c.gated, c.args)
	}

	if c.gated && (g.preparing != nil || g.pending != nil) {
		g.logger.Warn("Rejecting gated call while another is open", "call_id", callID, "tool", name)
		g.finish(c, domain.ToolResult{Success: false, Error: BusyMessage})
		return
	}

	if c.gated {
		g.preparing = c
	} else {
		g.inFlight++
	}

	go func() {
		resp, err := g.execute(ctx, c)
		g.cfg.Reporter.Post(func() {
			if c.gated {
				g.completeGated(ctx, c, resp, err)
			} else {
				g.completeDirect(c, resp, err)
			}
		})
	}()
}

func (g *Gate) execute(ctx context.Context, c *call) (toolexec.Response, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "toolgate.execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("session.id", g.cfg.SessionID),
			attribute.String("tool.name", c.name),
			attribute.String("tool.call_id", c.id),
			attribute.Bool("tool.gated", c.gated),
		),
	)
	defer span.End()

	resp, err := g.cfg.Executor.Execute(ctx, g.cfg.Wallet, c.name, maps.Clone(c.args))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}
	span.SetAttributes(attribute.Bool("tool.success", resp.Success))
	return resp, nil
}

func (g *Gate) completeDirect(c *call, resp toolexec.Response, err error) {
	g.inFlight--
	if err != nil {
		g.logger.Warn("Tool execution failed", "call_id", c.id, "tool", c.name, "error", err)
		g.finish(c, domain.ToolResult{Success: false, Error: err.Error()})
		return
	}
	g.finish(c, resp.Result())
}

func (g *Gate) completeGated(ctx context.Context, c *call, resp toolexec.Response, err error) {
	g.preparing = nil
	if err != nil {
		g.logger.Warn("Transaction preparation failed", "call_id", c.id, "tool", c.name, "error", err)
		g.finish(c, domain.ToolResult{Success: false, Error: err.Error()})
		return
	}
	if !resp.Success {
		g.finish(c, resp.Result())
		return
	}
	tx, err := resp.Transaction()
	if err != nil {
		g.logger.Warn("Gated tool returned no transaction", "call_id", c.id, "tool", c.name, "error", err)
		g.finish(c, domain.ToolResult{Success: false, Error: "tool did not return a transaction to sign"})
		return
	}

	g.pending = &domain.PendingToolCall{
		CallID:      c.id,
		Name:        c.name,
		Arguments:   c.args,
		Transaction: tx,
	}
	g.pendingC = c
	g.ticket = signing.NewTicket(c.id)
	g.cfg.Transcript.UpdateToolEvent(c.entryID, fmt.Sprintf("Awaiting signature for %s", c.name), nil, false)
	g.logger.Info("Transaction awaiting signature", "call_id", c.id, "tool", c.name, "tx_type", tx.Type)

	if g.cfg.Bridge == nil {
		g.ticket.Complete(false, "", "signing unavailable")
		return
	}
	if err := g.cfg.Bridge.Present(ctx, g.cfg.SessionID, *g.pending); err != nil {
		g.logger.Warn("Failed to present transaction", "call_id", c.id, "error", err)
		g.ticket.Complete(false, "", "signing unavailable: "+err.Error())
	}
}

// Awaiting returns the channel the current ticket resolves on, or nil when
// no gated call is pending.
func (g *Gate) Awaiting() <-chan signing.Resolution {
	if g.ticket == nil {
		return nil
	}
	return g.ticket.Done()
}

// Ticket returns the open signing ticket, or nil.
func (g *Gate) Ticket() *signing.Ticket {
	return g.ticket
}

// Resolve forwards the result of the pending call and clears it. Resolutions
// for other calls are ignored.
func (g *Gate) Resolve(r signing.Resolution) bool {
	if g.pending == nil || g.pending.CallID != r.CallID {
		return false
	}
	c := g.pendingC
	g.pending = nil
	g.pendingC = nil
	g.ticket = nil
	g.logger.Info("Transaction resolved", "call_id", c.id, "tool", c.name, "outcome", r.Outcome)
	g.finish(c, r.Result())
	return true
}

func (g *Gate) finish(c *call, result domain.ToolResult) {
	raw, _ := json.Marshal(result)
	text := fmt.Sprintf("%s completed", c.name)
	if !result.Success {
		text = fmt.Sprintf("%s failed: %s", c.name, result.Error)
	}
	g.cfg.Transcript.UpdateToolEvent(c.entryID, text, raw, true)

	if err := g.cfg.Reporter.Forward(c.id, result); err != nil {
		g.logger.Warn("Failed to forward tool result", "call_id", c.id, "tool", c.name, "error", err)
	}
	if g.cfg.Observer != nil {
		g.cfg.Observer.ToolResolved(c.id, c.name, c.gated, result)
	}
}

// Pending returns a copy of the call awaiting signature, or nil.
func (g *Gate) Pending() *domain.PendingToolCall {
	if g.pending == nil {
		return nil
	}
	p := *g.pending
	p.Arguments = maps.Clone(g.pending.Arguments)
	return &p
}

// InFlight returns the number of direct calls executing plus a gated call being prepared.
func (g *Gate) InFlight() int {
	n := g.inFlight
	if g.preparing != nil {
		n++
	}
	return n
}

// Reset drops all outstanding state when the session ends. Results still
// executing are discarded by the reporter.
func (g *Gate) Reset() {
	g.inFlight = 0
	g.preparing = nil
	g.pending = nil
	g.pendingC = nil
	if g.ticket != nil {
		g.ticket.Cancel()
		g.ticket = nil
	}
}
