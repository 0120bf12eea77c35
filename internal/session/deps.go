package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ashureev/voxwallet/internal/credential"
	"github.com/ashureev/voxwallet/internal/domain"
	"github.com/ashureev/voxwallet/internal/realtime"
	"github.com/ashureev/voxwallet/internal/signing"
	"github.com/ashureev/voxwallet/internal/toolgate"
)

// Track is an acquired microphone stream of PCM16 frames.
type Track interface {
	Frames() <-chan []byte
	Close() error
}

// MediaDevice grants microphone access.
type MediaDevice interface {
	Acquire(ctx context.Context) (Track, error)
}

// CredentialIssuer obtains the short-lived realtime credential.
type CredentialIssuer interface {
	Issue(ctx context.Context, contacts []domain.Contact) (credential.Credential, error)
}

// Channel is an open realtime control channel. Send must not drop control
// messages in favour of audio; SendAudio may reject frames under backpressure.
type Channel interface {
	Events() <-chan realtime.Event
	Send(data []byte) error
	SendAudio(data []byte) error
	Err() error
	Close() error
}

// DialFunc negotiates a control channel with a credential.
type DialFunc func(ctx context.Context, credential string) (Channel, error)

// Listener receives session output. Implementations must not block.
type Listener interface {
	Publish(snap domain.Snapshot)
	PlayAudio(pcm []byte)
}

// Recorder journals session events. Implementations must not block.
type Recorder interface {
	Record(ev domain.SessionEvent)
}

// Config holds per-session tuning.
type Config struct {
	Realtime          realtime.SessionConfig
	Policy            toolgate.Policy
	VolumeInterval    time.Duration
	SpeakingThreshold float64
	AnalyserSize      int
}

// Dependencies are the collaborators an Orchestrator drives.
type Dependencies struct {
	Media       MediaDevice
	Credentials CredentialIssuer
	Dial        DialFunc
	Executor    toolgate.Executor
	Bridge      signing.Bridge
	Recorder    Recorder
	Listener    Listener
	Logger      *slog.Logger
	Now         func() time.Time
	NewID       func() string
}

// Recorders fans events out to several recorders.
type Recorders []Recorder

// Record forwards ev to every non-nil recorder.
func (rs Recorders) Record(ev domain.SessionEvent) {
	for _, r := range rs {
		if r != nil {
			r.Record(ev)
		}
	}
}

func marshalPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
