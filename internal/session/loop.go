package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/ashureev/voxwallet/internal/domain"
	"github.com/ashureev/voxwallet/internal/realtime"
	"github.com/ashureev/voxwallet/internal/toolgate"
	"github.com/ashureev/voxwallet/internal/transcript"
	"github.com/ashureev/voxwallet/internal/volume"
)

// run is one session. After Start returns, its fields are owned by the loop goroutine.
type run struct {
	id       string
	wallet   domain.WalletContext
	contacts []domain.Contact
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan func()
	posted chan func()
	live   chan struct{} // closed once the loop owns the run
	done   chan struct{}

	volumeC chan float64
	pumpWG  sync.WaitGroup

	track    Track
	ch       Channel
	analyser *volume.Analyser
	sampler  *volume.Sampler
	agg      *transcript.Aggregator
	gate     *toolgate.Gate

	entries    []domain.TranscriptEntry
	entriesRev uint64

	status    domain.Status
	published domain.Status
	errMsg    string
	fatal     error
	volume    float64
	threshold float64
	listening bool
	userText  string
}

func (o *Orchestrator) loop(r *run) {
	defer close(r.done)
	defer r.release()

	var events <-chan realtime.Event = r.ch.Events()
	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				err := r.ch.Err()
				if err == nil || errors.Is(err, realtime.ErrClosed) {
					err = errors.New("realtime connection closed")
				}
				r.logger.Error("Realtime connection lost", "session_id", r.id, "error", err)
				o.abort(r, err)
				return
			}
			o.handleEvent(r, ev)
		case fn := <-r.posted:
			fn()
		case fn := <-r.cmds:
			fn()
		case res := <-r.gate.Awaiting():
			r.gate.Resolve(res)
		case v := <-r.volumeC:
			if v == r.volume {
				continue
			}
			r.volume = v
		}
		if r.fatal != nil {
			r.logger.Error("Tool result could not be delivered", "session_id", r.id, "error", r.fatal)
			o.abort(r, r.fatal)
			return
		}
		r.status = r.derive()
		o.publish(r)
	}
}

// abort moves the run to the error state. The loop exits afterwards and
// releases the run's resources.
func (o *Orchestrator) abort(r *run, err error) {
	r.errMsg = err.Error()
	r.volume = 0
	r.status = domain.StatusError
	r.gate.Reset()
	o.publish(r)
}

func (o *Orchestrator) handleEvent(r *run, ev realtime.Event) {
	switch ev.Type {
	case realtime.TypeSpeechStarted:
		r.listening = true
	case realtime.TypeSpeechStopped:
		r.listening = false
		r.agg.MarkUserProcessing()
	case realtime.TypeInputTranscriptDelta:
		r.userText += ev.Delta
		r.agg.AppendUserFragment(r.userText)
	case realtime.TypeInputTranscriptDone:
		text := ev.Text
		if text == "" {
			text = r.userText
		}
		r.userText = ""
		r.agg.FinalizeUser(text)
	case realtime.TypeOutputTranscriptDelta:
		r.agg.AppendAssistantDelta(ev.Delta)
	case realtime.TypeOutputTranscriptDone:
		r.agg.FinalizeAssistant()
	case realtime.TypeOutputAudioDelta:
		if r.analyser != nil {
			_, _ = r.analyser.Write(ev.Audio)
		}
		if o.deps.Listener != nil {
			o.deps.Listener.PlayAudio(ev.Audio)
		}
	case realtime.TypeFunctionCallDone:
		r.logger.Info("Tool call received", "session_id", r.id, "call_id", ev.CallID, "tool", ev.Name)
		r.gate.OnToolCall(r.ctx, ev.CallID, ev.Name, ev.Arguments)
	case realtime.TypeError:
		r.logger.Warn("Realtime error event", "session_id", r.id, "error", ev.Message)
		r.errMsg = ev.Message
	}
}

// derive computes the live status from gate state.
func (r *run) derive() domain.Status {
	if r.status == domain.StatusError {
		return r.status
	}
	switch {
	case r.gate.Ticket() != nil:
		return domain.StatusSigning
	case r.gate.InFlight() > 0:
		return domain.StatusProcessing
	default:
		return domain.StatusConnected
	}
}

func (r *run) snapshot(now time.Time) domain.Snapshot {
	snap := domain.Snapshot{
		SessionID:     r.id,
		Status:        r.status,
		Error:         r.errMsg,
		CurrentVolume: r.volume,
		IsListening:   r.listening,
		IsSpeaking:    r.status.Live() && r.volume >= r.threshold,
		Transcript:    r.transcript(),
		UpdatedAt:     now,
	}
	if r.status == domain.StatusSigning {
		snap.Pending = r.gate.Pending()
	}
	return snap
}

// transcript returns the current entries. The copy is reused until the
// transcript changes; published snapshots treat it as read-only.
func (r *run) transcript() []domain.TranscriptEntry {
	if rev := r.agg.Revision(); r.entries == nil || rev != r.entriesRev {
		r.entries = r.agg.Entries()
		r.entriesRev = rev
	}
	return r.entries
}

// Forward sends a function result followed by a response request. A result
// that cannot be sent ends the session, since the model would wait for it forever.
func (r *run) Forward(callID string, result domain.ToolResult) error {
	err := r.forward(callID, result)
	if err != nil && r.fatal == nil {
		r.fatal = fmt.Errorf("send result for %s: %w", callID, err)
	}
	return err
}

func (r *run) forward(callID string, result domain.ToolResult) error {
	msg, err := realtime.FunctionResult(callID, result)
	if err != nil {
		return err
	}
	if err := r.ch.Send(msg); err != nil {
		return err
	}
	return r.ch.Send(realtime.ResponseCreate())
}

// Post queues fn for the loop. It is dropped once the session ends.
func (r *run) Post(fn func()) {
	select {
	case r.posted <- fn:
	case <-r.ctx.Done():
	}
}

// offerVolume keeps only the latest sample so the sampler never blocks on the loop.
func (r *run) offerVolume(v float64) {
	select {
	case r.volumeC <- v:
		return
	default:
	}
	select {
	case <-r.volumeC:
	default:
	}
	select {
	case r.volumeC <- v:
	default:
	}
}

func (r *run) pumpMicrophone() {
	defer r.pumpWG.Done()
	frames := r.track.Frames()
	for {
		select {
		case <-r.ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := r.ch.SendAudio(realtime.AudioAppend(frame)); err != nil {
				r.logger.Debug("Dropping microphone frame", "session_id", r.id, "error", err)
			}
		}
	}
}

// release frees every resource the run acquired. Safe on partially set up runs.
func (r *run) release() {
	r.cancel()
	if r.sampler != nil {
		r.sampler.Stop()
	}
	if r.track != nil {
		if err := r.track.Close(); err != nil {
			r.logger.Debug("Closing microphone track failed", "session_id", r.id, "error", err)
		}
	}
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			r.logger.Debug("Closing realtime channel failed", "session_id", r.id, "error", err)
		}
	}
	r.pumpWG.Wait()
	if r.gate != nil {
		r.gate.Reset()
	}
	if r.analyser != nil {
		r.analyser.Reset()
	}
	r.volume = 0
}

type observer struct {
	o *Orchestrator
	r *run
}

func (ob *observer) ToolCalled(callID, name string, gated bool, args map[string]any) {
	ob.o.record(ob.r, domain.SessionEvent{
		Kind:     domain.EventToolCall,
		CallID:   callID,
		ToolName: name,
		Gated:    gated,
		Payload:  marshalPayload(maps.Clone(args)),
	})
}

func (ob *observer) ToolResolved(callID, name string, gated bool, result domain.ToolResult) {
	ev := domain.SessionEvent{
		Kind:     domain.EventToolResult,
		CallID:   callID,
		ToolName: name,
		Gated:    gated,
		Payload:  marshalPayload(result),
	}
	if !result.Success {
		ev.Error = result.Error
	}
	ob.o.record(ob.r, ev)
}
