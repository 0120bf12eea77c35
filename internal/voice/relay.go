package voice

import (
	"context"
	"errors"
	"sync"

	"github.com/ashureev/voxwallet/internal/session"
)

// ErrNoClient is returned when no browser is attached to provide a microphone.
var ErrNoClient = errors.New("no voice client connected")

const relayBuffer = 64

// Relay is a microphone device fed by the browser's binary frames.
type Relay struct {
	mu       sync.Mutex
	attached bool
	track    *relayTrack
}

// NewRelay returns a detached relay.
func NewRelay() *Relay {
	return &Relay{}
}

// Attach marks a browser as present.
func (r *Relay) Attach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached = true
}

// Detach marks the browser as gone and ends any open track.
func (r *Relay) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached = false
	if r.track != nil {
		r.track.closeLocked()
		r.track = nil
	}
}

// Acquire opens a microphone track. Only one track is open at a time.
func (r *Relay) Acquire(ctx context.Context) (session.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.attached {
		return nil, ErrNoClient
	}
	if r.track != nil {
		r.track.closeLocked()
	}
	r.track = &relayTrack{relay: r, frames: make(chan []byte, relayBuffer)}
	return r.track, nil
}

// Feed forwards a PCM frame to the open track. Frames are dropped when no
// track is open or the track is not keeping up.
func (r *Relay) Feed(frame []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.track == nil {
		return false
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case r.track.frames <- buf:
		return true
	default:
		return false
	}
}

type relayTrack struct {
	relay  *Relay
	frames chan []byte
	closed bool
}

func (t *relayTrack) Frames() <-chan []byte {
	return t.frames
}

func (t *relayTrack) Close() error {
	t.relay.mu.Lock()
	defer t.relay.mu.Unlock()
	t.closeLocked()
	if t.relay.track == t {
		t.relay.track = nil
	}
	return nil
}

func (t *relayTrack) closeLocked() {
	if !t.closed {
		t.closed = true
		close(t.frames)
	}
}
