package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/voxwallet/internal/domain"
	"github.com/ashureev/voxwallet/internal/realtime"
)

func TestStart_ConnectsAndConfigures(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	snap := h.o.Snapshot()
	if snap.Status != domain.StatusConnected {
		t.Fatalf("Expected connected, got %s", snap.Status)
	}
	if snap.SessionID == "" {
		t.Error("Expected a session id")
	}
	if n := h.channel.countType(realtime.TypeSessionUpdate); n != 1 {
		t.Errorf("Expected one session.update, got %d", n)
	}
}

func TestStart_RejectsWhenActive(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	_, err := h.o.Start(context.Background(), StartRequest{})
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("Expected ErrSessionActive, got %v", err)
	}
}

func TestStart_CredentialFailureReleasesMicrophone(t *testing.T) {
	h := newHarness(t)
	h.issuer.err = errors.New("endpoint down")

	if _, err := h.o.Start(context.Background(), StartRequest{}); err == nil {
		t.Fatal("Expected Start to fail")
	}
	snap := h.o.Snapshot()
	if snap.Status != domain.StatusError || snap.Error == "" {
		t.Fatalf("Expected error status with message, got %+v", snap)
	}
	if !h.media.track.isClosed() {
		t.Error("Expected microphone track to be released")
	}

	if _, err := h.o.Start(context.Background(), StartRequest{}); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("Expected restart without stop to be rejected, got %v", err)
	}

	h.o.Stop()
	if got := h.o.Snapshot().Status; got != domain.StatusIdle {
		t.Fatalf("Expected idle after stop, got %s", got)
	}

	h.issuer.err = nil
	h.start(t)
}

func TestStart_DialFailureReleasesMicrophone(t *testing.T) {
	h := newHarness(t)
	h.dialErr = errors.New("handshake failed")

	if _, err := h.o.Start(context.Background(), StartRequest{}); err == nil {
		t.Fatal("Expected Start to fail")
	}
	if !h.media.track.isClosed() {
		t.Error("Expected microphone track to be released")
	}
	if h.o.Snapshot().Status != domain.StatusError {
		t.Errorf("Expected error status, got %s", h.o.Snapshot().Status)
	}
}

func TestStart_MicrophoneFailure(t *testing.T) {
	h := newHarness(t)
	h.media.err = errors.New("no client")

	if _, err := h.o.Start(context.Background(), StartRequest{}); err == nil {
		t.Fatal("Expected Start to fail")
	}
	if h.o.Snapshot().Status != domain.StatusError {
		t.Errorf("Expected error status, got %s", h.o.Snapshot().Status)
	}
}

func TestDirectToolCall(t *testing.T) {
	h := newHarness(t)
	h.exec.gate = make(chan struct{})
	h.start(t)

	h.emit(realtime.Event{
		Type:      realtime.TypeFunctionCallDone,
		CallID:    "c1",
		Name:      "get_balance",
		Arguments: `{"address":"0xA"}`,
	})
	h.waitStatus(t, domain.StatusProcessing)
	close(h.exec.gate)
	h.waitStatus(t, domain.StatusConnected)

	waitFor(t, "function result", func() bool { return len(h.channel.results(t)) == 1 })
	res := h.channel.results(t)[0]
	if res.CallID != "c1" || res.Output["success"] != true {
		t.Fatalf("unexpected result %+v", res)
	}
	data, _ := res.Output["data"].(map[string]any)
	if data["balance"] != "1.0" {
		t.Errorf("Expected balance 1.0, got %v", res.Output["data"])
	}
	if n := h.channel.countType(realtime.TypeResponseCreate); n != 1 {
		t.Errorf("Expected one response.create, got %d", n)
	}

	want := []domain.Status{domain.StatusConnecting, domain.StatusConnected, domain.StatusProcessing, domain.StatusConnected}
	if got := h.recorder.statuses(); !slices.Equal(got, want) {
		t.Errorf("Expected transitions %v, got %v", want, got)
	}
}

func TestGatedToolCallCancelled(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.emit(realtime.Event{Type: realtime.TypeFunctionCallDone, CallID: "c1", Name: "transfer_evm", Arguments: `{"to":"0xB"}`})
	snap := h.waitStatus(t, domain.StatusSigning)

	if snap.Pending == nil || snap.Pending.CallID != "c1" || snap.Pending.Transaction.Type != domain.TxEVMTransfer {
		t.Fatalf("Expected pending transfer in snapshot, got %+v", snap.Pending)
	}
	if n := len(h.channel.results(t)); n != 0 {
		t.Fatalf("Expected no function result while signing, got %d", n)
	}

	if !h.o.CancelTransaction() {
		t.Fatal("Expected cancel to resolve the pending call")
	}
	snap = h.waitStatus(t, domain.StatusConnected)
	if snap.Pending != nil {
		t.Error("Expected pending call cleared")
	}

	results := h.channel.results(t)
	if len(results) != 1 {
		t.Fatalf("Expected exactly one function result, got %d", len(results))
	}
	if results[0].Output["success"] != false || results[0].Output["error"] != "cancelled by user" {
		t.Errorf("unexpected cancel result %v", results[0].Output)
	}

	if h.o.CancelTransaction() {
		t.Error("Expected second cancel to be a no-op")
	}
	if h.o.CompleteTransaction(true, "0x1", "") {
		t.Error("Expected complete without pending call to be a no-op")
	}
	if n := len(h.channel.results(t)); n != 1 {
		t.Errorf("Expected still one result, got %d", n)
	}
}

func TestGatedToolCallCompleted(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.emit(realtime.Event{Type: realtime.TypeFunctionCallDone, CallID: "c1", Name: "transfer_evm", Arguments: `{}`})
	h.waitStatus(t, domain.StatusSigning)

	if !h.o.CompleteTransaction(true, "0xhash", "") {
		t.Fatal("Expected complete to resolve the pending call")
	}
	h.waitStatus(t, domain.StatusConnected)

	results := h.channel.results(t)
	if len(results) != 1 || results[0].Output["success"] != true {
		t.Fatalf("Expected one successful result, got %+v", results)
	}
	data, _ := results[0].Output["data"].(map[string]any)
	if data["hash"] != "0xhash" {
		t.Errorf("Expected tx hash in result, got %v", results[0].Output)
	}
}

func TestGatedToolCallWithoutTransactionNeverSigns(t *testing.T) {
	h := newHarness(t)
	h.exec.responses["transfer_evm"] = h.exec.responses["get_balance"]
	h.start(t)

	h.emit(realtime.Event{Type: realtime.TypeFunctionCallDone, CallID: "c1", Name: "transfer_evm", Arguments: `{}`})
	waitFor(t, "function result", func() bool { return len(h.channel.results(t)) == 1 })
	h.waitStatus(t, domain.StatusConnected)

	if slices.Contains(h.recorder.statuses(), domain.StatusSigning) {
		t.Fatal("Expected signing never to be entered")
	}
	if h.channel.results(t)[0].Output["success"] != false {
		t.Error("Expected a failed result")
	}
}

func TestStopWhileSigning(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.emit(realtime.Event{Type: realtime.TypeFunctionCallDone, CallID: "c1", Name: "transfer_evm", Arguments: `{}`})
	h.waitStatus(t, domain.StatusSigning)

	h.o.Stop()

	snap := h.o.Snapshot()
	if snap.Status != domain.StatusIdle || snap.Pending != nil {
		t.Fatalf("Expected idle without pending call, got %+v", snap)
	}
	if !h.channel.isClosed() {
		t.Error("Expected realtime channel closed")
	}
	if !h.media.track.isClosed() {
		t.Error("Expected microphone track closed")
	}
	if h.o.CancelTransaction() {
		t.Error("Expected cancel after stop to be a no-op")
	}

	h.o.Stop()
	if h.o.Snapshot().Status != domain.StatusIdle {
		t.Error("Expected repeated stop to stay idle")
	}
	if h.recorder.count(domain.EventSessionStopped) != 1 {
		t.Errorf("Expected one session_stopped event, got %d", h.recorder.count(domain.EventSessionStopped))
	}
}

func TestEveryCallGetsOneResult(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.emit(realtime.Event{Type: realtime.TypeFunctionCallDone, CallID: "c1", Name: "get_balance", Arguments: `{}`})
	h.emit(realtime.Event{Type: realtime.TypeFunctionCallDone, CallID: "c2", Name: "transfer_evm", Arguments: `{}`})
	h.emit(realtime.Event{Type: realtime.TypeFunctionCallDone, CallID: "c3", Name: "get_balance", Arguments: `bad json`})
	h.emit(realtime.Event{Type: realtime.TypeFunctionCallDone, CallID: "c4", Name: "transfer_evm", Arguments: `{}`})
	h.emit(realtime.Event{Type: realtime.TypeFunctionCallDone, CallID: "c5", Name: "unknown_tool", Arguments: `{}`})

	h.waitStatus(t, domain.StatusSigning)
	waitFor(t, "direct results", func() bool { return len(h.channel.results(t)) == 4 })
	if !h.o.CompleteTransaction(false, "", "rejected in wallet") {
		t.Fatal("Expected completion to resolve")
	}
	waitFor(t, "all results", func() bool { return len(h.channel.results(t)) == 5 })

	seen := map[string]int{}
	for _, r := range h.channel.results(t) {
		seen[r.CallID]++
	}
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		if seen[id] != 1 {
			t.Errorf("Expected one result for %s, got %d", id, seen[id])
		}
	}
	h.waitStatus(t, domain.StatusConnected)
}

func TestTranscriptFromEvents(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.emit(realtime.Event{Type: realtime.TypeSpeechStarted})
	h.waitStatus(t, domain.StatusConnected)
	waitFor(t, "listening", func() bool { return h.o.Snapshot().IsListening })

	h.emit(realtime.Event{Type: realtime.TypeInputTranscriptDelta, Delta: "what is "})
	h.emit(realtime.Event{Type: realtime.TypeInputTranscriptDelta, Delta: "my balance"})
	h.emit(realtime.Event{Type: realtime.TypeSpeechStopped})
	h.emit(realtime.Event{Type: realtime.TypeInputTranscriptDone, Text: "What is my balance?"})
	h.emit(realtime.Event{Type: realtime.TypeOutputTranscriptDelta, Delta: "Hel"})
	h.emit(realtime.Event{Type: realtime.TypeOutputTranscriptDelta, Delta: "lo"})
	h.emit(realtime.Event{Type: realtime.TypeOutputTranscriptDone})

	var entries []domain.TranscriptEntry
	waitFor(t, "final assistant entry", func() bool {
		entries = h.o.Snapshot().Transcript
		return len(entries) == 2 && entries[1].IsFinal
	})
	if entries[0].Role != domain.RoleUser || entries[0].Text != "What is my balance?" || !entries[0].IsFinal {
		t.Errorf("unexpected user entry %+v", entries[0])
	}
	if entries[1].Role != domain.RoleAssistant || entries[1].Text != "Hello" {
		t.Errorf("unexpected assistant entry %+v", entries[1])
	}
	if h.o.Snapshot().IsListening {
		t.Error("Expected listening cleared after speech stopped")
	}
	if h.recorder.count(domain.EventEntryFinalized) != 2 {
		t.Errorf("Expected two finalized entries journaled, got %d", h.recorder.count(domain.EventEntryFinalized))
	}
}

func TestProtocolErrorKeepsStatus(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.emit(realtime.Event{Type: realtime.TypeError, Message: "rate limited"})
	waitFor(t, "error message", func() bool { return h.o.Snapshot().Error == "rate limited" })
	if h.o.Snapshot().Status != domain.StatusConnected {
		t.Errorf("Expected status to stay connected, got %s", h.o.Snapshot().Status)
	}
}

func TestConnectionLostMovesToError(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.channel.drop(errors.New("peer went away"))
	snap := h.waitStatus(t, domain.StatusError)
	if snap.Error == "" {
		t.Error("Expected an error message")
	}
	waitFor(t, "track release", h.media.track.isClosed)

	h.o.Stop()
	if h.o.Snapshot().Status != domain.StatusIdle {
		t.Error("Expected idle after stop")
	}
}

func TestMicrophoneFramesForwarded(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.media.track.frames <- []byte{1, 0, 2, 0}
	waitFor(t, "audio append", func() bool {
		return h.channel.countType(realtime.TypeAudioAppend) == 1
	})
}

func TestAssistantAudioDrivesSpeaking(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	loud := make([]byte, 4800)
	for i := 0; i < len(loud); i += 2 {
		loud[i] = 0xff
		loud[i+1] = 0x7f
	}
	h.emit(realtime.Event{Type: realtime.TypeOutputAudioDelta, Audio: loud})
	waitFor(t, "speaking", h.listener.sawSpeaking)
	if h.listener.played() != 1 {
		t.Errorf("Expected audio relayed once, got %d", h.listener.played())
	}
}

func TestUndeliverableToolResultEndsSession(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.channel.rejectControl(errors.New("outbound queue full"))

	h.emit(realtime.Event{
		Type:      realtime.TypeFunctionCallDone,
		CallID:    "c1",
		Name:      "get_balance",
		Arguments: `{}`,
	})
	snap := h.waitStatus(t, domain.StatusError)
	if !strings.Contains(snap.Error, "c1") {
		t.Errorf("Expected error to name the call, got %q", snap.Error)
	}
	waitFor(t, "track release", h.media.track.isClosed)
	waitFor(t, "channel close", h.channel.isClosed)

	h.o.Stop()
	if got := h.o.Snapshot().Status; got != domain.StatusIdle {
		t.Fatalf("Expected idle after stop, got %s", got)
	}
}

func TestSigningCallbacksDoNotBlockWhileConnecting(t *testing.T) {
	h := newHarness(t)
	h.dialWait = make(chan struct{})

	started := make(chan error, 1)
	go func() {
		_, err := h.o.Start(context.Background(), StartRequest{})
		started <- err
	}()
	h.waitStatus(t, domain.StatusConnecting)

	answered := make(chan [2]bool, 1)
	go func() {
		answered <- [2]bool{h.o.CancelTransaction(), h.o.CompleteTransaction(true, "0xabc", "")}
	}()
	select {
	case got := <-answered:
		if got[0] || got[1] {
			t.Errorf("Expected no pending call while connecting, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("signing callbacks blocked while connecting")
	}

	close(h.dialWait)
	if err := <-started; err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := h.o.Snapshot().Status; got != domain.StatusConnected {
		t.Errorf("Expected connected, got %s", got)
	}
}

func TestVolumeUpdatesReuseTranscriptCopy(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.emit(realtime.Event{Type: realtime.TypeOutputTranscriptDelta, Delta: "Hello"})
	loud := make([]byte, 4800)
	for i := 0; i < len(loud); i += 2 {
		loud[i] = 0xff
		loud[i+1] = 0x7f
	}
	h.emit(realtime.Event{Type: realtime.TypeOutputAudioDelta, Audio: loud})
	waitFor(t, "speaking", h.listener.sawSpeaking)

	published := h.listener.withEntries(1)
	if len(published) < 2 {
		t.Fatalf("Expected several snapshots with one entry, got %d", len(published))
	}
	first, last := published[0], published[len(published)-1]
	if &first[0] != &last[0] {
		t.Error("Expected unchanged transcript to be shared between snapshots")
	}
}
