package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/voxwallet/internal/credential"
	"github.com/ashureev/voxwallet/internal/domain"
	"github.com/ashureev/voxwallet/internal/realtime"
	"github.com/ashureev/voxwallet/internal/toolexec"
	"github.com/ashureev/voxwallet/internal/toolgate"
)

type fakeTrack struct {
	frames chan []byte
	mu     sync.Mutex
	closed bool
}

func (t *fakeTrack) Frames() <-chan []byte { return t.frames }

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.frames)
	}
	return nil
}

func (t *fakeTrack) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeMedia struct {
	err   error
	track *fakeTrack
}

func (m *fakeMedia) Acquire(context.Context) (Track, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.track = &fakeTrack{frames: make(chan []byte, 8)}
	return m.track, nil
}

type fakeIssuer struct {
	err error
}

func (f *fakeIssuer) Issue(context.Context, []domain.Contact) (credential.Credential, error) {
	if f.err != nil {
		return credential.Credential{}, f.err
	}
	return credential.Credential{Value: "ek_test"}, nil
}

type fakeChannel struct {
	events chan realtime.Event

	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	err     error
	sendErr error
	closeCh sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan realtime.Event, 16)}
}

func (c *fakeChannel) Events() <-chan realtime.Event { return c.events }

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return realtime.ErrClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeChannel) SendAudio(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return realtime.ErrClosed
	}
	c.sent = append(c.sent, data)
	return nil
}

// rejectControl makes every later control message fail with err.
func (c *fakeChannel) rejectControl(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// drop simulates the remote side closing the channel.
func (c *fakeChannel) drop(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.closeCh.Do(func() { close(c.events) })
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type sentResult struct {
	CallID string
	Output map[string]any
}

func (c *fakeChannel) results(t *testing.T) []sentResult {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentResult
	for _, raw := range c.sent {
		var msg struct {
			Type string `json:"type"`
			Item struct {
				CallID string `json:"call_id"`
				Output string `json:"output"`
			} `json:"item"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type != realtime.TypeConversationCreate {
			continue
		}
		var output map[string]any
		if err := json.Unmarshal([]byte(msg.Item.Output), &output); err != nil {
			t.Fatalf("function output is not JSON: %v", err)
		}
		out = append(out, sentResult{CallID: msg.Item.CallID, Output: output})
	}
	return out
}

func (c *fakeChannel) countType(typ string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, raw := range c.sent {
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &msg) == nil && msg.Type == typ {
			n++
		}
	}
	return n
}

type fakeExecutor struct {
	mu        sync.Mutex
	responses map[string]toolexec.Response
	gate      chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, _ domain.WalletContext, name string, _ map[string]any) (toolexec.Response, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return toolexec.Response{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	resp, ok := f.responses[name]
	if !ok {
		return toolexec.Response{}, errors.New("unknown tool")
	}
	return resp, nil
}

type fakeBridge struct {
	mu        sync.Mutex
	presented []domain.PendingToolCall
}

func (b *fakeBridge) Present(_ context.Context, _ string, call domain.PendingToolCall) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.presented = append(b.presented, call)
	return nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (r *fakeRecorder) Record(ev domain.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *fakeRecorder) statuses() []domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Status
	for _, ev := range r.events {
		if ev.Kind == domain.EventStatusChanged {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (r *fakeRecorder) count(kind domain.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type fakeListener struct {
	mu          sync.Mutex
	speaking    bool
	audio       int
	transcripts [][]domain.TranscriptEntry
}

func (l *fakeListener) Publish(snap domain.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if snap.IsSpeaking {
		l.speaking = true
	}
	l.transcripts = append(l.transcripts, snap.Transcript)
}

// withEntries returns every published transcript holding exactly n entries.
func (l *fakeListener) withEntries(n int) [][]domain.TranscriptEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out [][]domain.TranscriptEntry
	for _, tr := range l.transcripts {
		if len(tr) == n {
			out = append(out, tr)
		}
	}
	return out
}

func (l *fakeListener) PlayAudio([]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audio++
}

func (l *fakeListener) sawSpeaking() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.speaking
}

func (l *fakeListener) played() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.audio
}

type harness struct {
	o        *Orchestrator
	media    *fakeMedia
	issuer   *fakeIssuer
	channel  *fakeChannel
	exec     *fakeExecutor
	bridge   *fakeBridge
	recorder *fakeRecorder
	listener *fakeListener
	dialErr  error
	dialWait chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		media:   &fakeMedia{},
		issuer:  &fakeIssuer{},
		channel: newFakeChannel(),
		exec: &fakeExecutor{responses: map[string]toolexec.Response{
			"get_balance": {Success: true, Data: json.RawMessage(`{"balance":"1.0"}`)},
			"transfer_evm": {
				Success: true,
				Data:    json.RawMessage(`{"transaction":{"type":"evm_transfer","to":"0xB","value":"1"}}`),
			},
		}},
		bridge:   &fakeBridge{},
		recorder: &fakeRecorder{},
		listener: &fakeListener{},
	}
	h.o = New(Dependencies{
		Media:       h.media,
		Credentials: h.issuer,
		Dial: func(ctx context.Context, _ string) (Channel, error) {
			if h.dialWait != nil {
				select {
				case <-h.dialWait:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if h.dialErr != nil {
				return nil, h.dialErr
			}
			return h.channel, nil
		},
		Executor: h.exec,
		Bridge:   h.bridge,
		Recorder: h.recorder,
		Listener: h.listener,
	}, Config{
		Policy:         toolgate.NewPolicy(nil),
		VolumeInterval: 5 * time.Millisecond,
	})
	t.Cleanup(h.o.Stop)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if _, err := h.o.Start(context.Background(), StartRequest{Wallet: domain.WalletContext{EVMAddress: "0xA"}}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func (h *harness) emit(ev realtime.Event) {
	h.channel.events <- ev
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitStatus(t *testing.T, status domain.Status) domain.Snapshot {
	t.Helper()
	var snap domain.Snapshot
	waitFor(t, "status "+string(status), func() bool {
		snap = h.o.Snapshot()
		return snap.Status == status
	})
	return snap
}
