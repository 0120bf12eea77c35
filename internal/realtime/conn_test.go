package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

type upstream struct {
	auth   chan string
	model  chan string
	recv   chan string
	server *httptest.Server
	conns  chan *websocket.Conn
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{
		auth:  make(chan string, 1),
		model: make(chan string, 1),
		recv:  make(chan string, 16),
		conns: make(chan *websocket.Conn, 1),
	}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.auth <- r.Header.Get("Authorization")
		u.model <- r.URL.Query().Get("model")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		u.conns <- c
		for {
			_, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			u.recv <- string(data)
		}
	}))
	t.Cleanup(u.server.Close)
	return u
}

func (u *upstream) url() string {
	return "ws" + strings.TrimPrefix(u.server.URL, "http")
}

func TestDial_SendsCredentialAndModel(t *testing.T) {
	u := newUpstream(t)
	d := &Dialer{URL: u.url(), Model: "gpt-realtime"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, "ek_123")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if got := <-u.auth; got != "Bearer ek_123" {
		t.Errorf("Expected bearer credential, got %q", got)
	}
	if got := <-u.model; got != "gpt-realtime" {
		t.Errorf("Expected model query, got %q", got)
	}
}

func TestDial_EmptyCredential(t *testing.T) {
	d := &Dialer{URL: "ws://127.0.0.1:1"}
	if _, err := d.Dial(context.Background(), ""); err == nil {
		t.Fatal("Expected error for empty credential")
	}
}

func TestConn_SendAndReceive(t *testing.T) {
	u := newUpstream(t)
	d := &Dialer{URL: u.url()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, "ek")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.Send(ResponseCreate()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case got := <-u.recv:
		if got != string(ResponseCreate()) {
			t.Errorf("unexpected frame %q", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for frame")
	}

	server := <-u.conns
	if err := server.Write(ctx, websocket.MessageText, []byte(`{"type":"input_audio_buffer.speech_started"}`)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	select {
	case ev := <-conn.Events():
		if ev.Type != TypeSpeechStarted {
			t.Errorf("Expected speech_started, got %s", ev.Type)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestConn_PeerCloseEndsEvents(t *testing.T) {
	u := newUpstream(t)
	d := &Dialer{URL: u.url()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, "ek")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	server := <-u.conns
	_ = server.Close(websocket.StatusGoingAway, "bye")

	for {
		select {
		case _, ok := <-conn.Events():
			if !ok {
				if conn.Err() == nil || errors.Is(conn.Err(), ErrClosed) {
					t.Fatalf("Expected peer close error, got %v", conn.Err())
				}
				return
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for close")
		}
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	u := newUpstream(t)
	d := &Dialer{URL: u.url()}

	conn, err := d.Dial(context.Background(), "ek")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	_ = conn.Close()
	_ = conn.Close()

	if err := conn.Send(ResponseCreate()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after close, got %v", err)
	}
	if _, ok := <-conn.Events(); ok {
		t.Error("Expected events channel to be closed")
	}
}

func TestDial_HandshakeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	d := &Dialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), HandshakeTimeout: 100 * time.Millisecond}
	started := time.Now()
	if _, err := d.Dial(context.Background(), "ek"); err == nil {
		t.Fatal("Expected Dial to fail when the upstream never answers")
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Errorf("Expected handshake to give up quickly, took %s", elapsed)
	}
}

func TestConn_ControlMessagesSurviveAudioBackpressure(t *testing.T) {
	release := make(chan struct{})
	recv := make(chan string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		<-release
		for {
			_, data, err := c.Read(r.Context())
			if err != nil {
				return
			}
			select {
			case recv <- string(data):
			case <-r.Context().Done():
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	d := &Dialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), QueueSize: 4}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx, "ek")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	frame := AudioAppend(make([]byte, 16<<10))
	rejected := false
	for i := 0; i < 20000 && !rejected; i++ {
		if err := conn.SendAudio(frame); err != nil {
			if !errors.Is(err, errBackpressure) {
				t.Fatalf("Expected backpressure, got %v", err)
			}
			rejected = true
		}
	}
	if !rejected {
		t.Fatal("Expected the audio queue to fill while the peer is not reading")
	}

	result, err := FunctionResult("call_1", map[string]any{"success": true})
	if err != nil {
		t.Fatalf("FunctionResult: %v", err)
	}
	if err := conn.Send(result); err != nil {
		t.Fatalf("Expected function result to be queued, got %v", err)
	}
	if err := conn.Send(ResponseCreate()); err != nil {
		t.Fatalf("Expected response.create to be queued, got %v", err)
	}
	close(release)

	for {
		select {
		case got := <-recv:
			if strings.Contains(got, `"call_id":"call_1"`) {
				return
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for the function result")
		}
	}
}
