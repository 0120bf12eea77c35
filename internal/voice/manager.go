package voice

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/ashureev/voxwallet/internal/domain"
	"github.com/ashureev/voxwallet/internal/session"
)

// Orchestrator is the session control surface used by the socket and the REST API.
type Orchestrator interface {
	Start(ctx context.Context, req session.StartRequest) (string, error)
	Stop()
	CompleteTransaction(success bool, txHash, errMsg string) bool
	CancelTransaction() bool
	Snapshot() domain.Snapshot
}

// Factory builds the orchestrator for a new entry. The entry serves as the
// orchestrator's microphone device, listener and signing bridge.
type Factory func(e *Entry) Orchestrator

// Entry binds a browser tab to its orchestrator.
type Entry struct {
	key    string
	relay  *Relay
	orch   Orchestrator
	mu     sync.RWMutex
	client *Client
}

// Key returns the client key.
func (e *Entry) Key() string { return e.key }

// Relay returns the microphone relay for this tab.
func (e *Entry) Relay() *Relay { return e.relay }

// Orchestrator returns the tab's orchestrator.
func (e *Entry) Orchestrator() Orchestrator { return e.orch }

func (e *Entry) current() *Client {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.client
}

type snapshotMessage struct {
	Type     string          `json:"type"`
	Snapshot domain.Snapshot `json:"snapshot"`
}

type signRequestMessage struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id"`
	Call      domain.PendingToolCall `json:"call"`
}

// Publish sends the snapshot to the attached browser, if any.
func (e *Entry) Publish(snap domain.Snapshot) {
	if c := e.current(); c != nil {
		_ = c.SendSnapshot(snapshotMessage{Type: "snapshot", Snapshot: snap})
	}
}

// PlayAudio relays assistant audio to the attached browser.
func (e *Entry) PlayAudio(pcm []byte) {
	if c := e.current(); c != nil {
		c.Send(websocket.MessageBinary, pcm)
	}
}

// Present asks the attached browser to sign the prepared transaction.
func (e *Entry) Present(_ context.Context, sessionID string, call domain.PendingToolCall) error {
	c := e.current()
	if c == nil {
		return ErrNoClient
	}
	return c.SendJSON(signRequestMessage{Type: "sign_request", SessionID: sessionID, Call: call})
}

// Manager tracks one entry per browser tab.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*Entry
	factory Factory
}

// NewManager creates a manager that builds orchestrators with factory.
func NewManager(factory Factory) *Manager {
	return &Manager{
		entries: make(map[string]*Entry),
		factory: factory,
	}
}

// Entry returns the entry for key, creating it on first use.
func (m *Manager) Entry(key string) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e
	}
	e := &Entry{key: key, relay: NewRelay()}
	e.orch = m.factory(e)
	m.entries[key] = e
	return e
}

// Lookup returns the entry for key if one exists.
func (m *Manager) Lookup(key string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return e, ok
}

// Session returns the orchestrator of an existing entry.
func (m *Manager) Session(key string) (Orchestrator, bool) {
	e, ok := m.Lookup(key)
	if !ok {
		return nil, false
	}
	return e.orch, true
}

// Register attaches c to the entry for key, replacing any previous connection.
func (m *Manager) Register(key string, c *Client) *Entry {
	e := m.Entry(key)

	e.mu.Lock()
	previous := e.client
	e.client = c
	e.mu.Unlock()

	if previous != nil && previous != c {
		previous.Close("session replaced")
	}
	e.relay.Attach()
	slog.Info("Voice client registered", "client", key)
	return e
}

// Unregister detaches c if it is still the current connection for key. The
// tab's session is stopped since no microphone or signer remains.
func (m *Manager) Unregister(key string, c *Client) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.mu.Lock()
	if e.client != c {
		e.mu.Unlock()
		m.mu.Unlock()
		return
	}
	e.client = nil
	e.mu.Unlock()
	delete(m.entries, key)
	m.mu.Unlock()

	e.relay.Detach()
	e.orch.Stop()
	slog.Info("Voice client unregistered", "client", key)
}

// Len returns the number of tracked tabs.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// CloseAll stops every session and disconnects every browser.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*Entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.orch.Stop()
		if c := e.current(); c != nil {
			c.Close("server shutting down")
		}
		e.relay.Detach()
	}
}
