// Package realtime implements the control channel to the conversational model.
package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Server event types consumed by the orchestrator.
const (
	TypeSpeechStarted         = "input_audio_buffer.speech_started"
	TypeSpeechStopped         = "input_audio_buffer.speech_stopped"
	TypeInputTranscriptDelta  = "conversation.item.input_audio_transcription.delta"
	TypeInputTranscriptDone   = "conversation.item.input_audio_transcription.completed"
	TypeOutputTranscriptDelta = "response.audio_transcript.delta"
	TypeOutputTranscriptDone  = "response.audio_transcript.done"
	TypeOutputAudioDelta      = "response.audio.delta"
	TypeFunctionCallDone      = "response.function_call_arguments.done"
	TypeError                 = "error"

	// GA names emitted by newer model versions.
	typeOutputTranscriptDeltaGA = "response.output_audio_transcript.delta"
	typeOutputTranscriptDoneGA  = "response.output_audio_transcript.done"
	typeOutputAudioDeltaGA      = "response.output_audio.delta"
)

// Client event types emitted by the orchestrator.
const (
	TypeSessionUpdate      = "session.update"
	TypeConversationCreate = "conversation.item.create"
	TypeResponseCreate     = "response.create"
	TypeAudioAppend        = "input_audio_buffer.append"
)

// Event is a decoded server event. Only the fields of the handled types are populated.
type Event struct {
	Type      string
	ItemID    string
	Delta     string
	Text      string
	Audio     []byte
	CallID    string
	Name      string
	Arguments string
	Message   string
}

type wireEvent struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Decode parses a server frame. Unknown event types decode without error
// and are ignored by the orchestrator.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("decode server event: %w", err)
	}
	typ := strings.TrimSpace(w.Type)
	if typ == "" {
		return Event{}, fmt.Errorf("decode server event: missing type")
	}

	switch typ {
	case typeOutputTranscriptDeltaGA:
		typ = TypeOutputTranscriptDelta
	case typeOutputTranscriptDoneGA:
		typ = TypeOutputTranscriptDone
	case typeOutputAudioDeltaGA:
		typ = TypeOutputAudioDelta
	}

	ev := Event{
		Type:      typ,
		ItemID:    w.ItemID,
		Delta:     w.Delta,
		Text:      w.Transcript,
		CallID:    w.CallID,
		Name:      w.Name,
		Arguments: w.Arguments,
	}
	switch typ {
	case TypeOutputAudioDelta:
		audio, err := base64.StdEncoding.DecodeString(w.Delta)
		if err != nil {
			return Event{}, fmt.Errorf("decode audio delta: %w", err)
		}
		ev.Audio = audio
		ev.Delta = ""
	case TypeError:
		if w.Error != nil {
			ev.Message = w.Error.Message
			if ev.Message == "" {
				ev.Message = w.Error.Code
			}
		}
		if ev.Message == "" {
			ev.Message = "realtime error"
		}
	}
	return ev, nil
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

// Transcription configures input audio transcription.
type Transcription struct {
	Model string `json:"model"`
}

// SessionConfig is the body of the session.update message.
type SessionConfig struct {
	Modalities    []string       `json:"modalities,omitempty"`
	Instructions  string         `json:"instructions,omitempty"`
	Voice         string         `json:"voice,omitempty"`
	Transcription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection *TurnDetection `json:"turn_detection,omitempty"`
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// SessionUpdate builds the one-time configuration message sent after the channel opens.
func SessionUpdate(cfg SessionConfig) ([]byte, error) {
	return json.Marshal(sessionUpdate{Type: TypeSessionUpdate, Session: cfg})
}

type functionOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type conversationCreate struct {
	Type string             `json:"type"`
	Item functionOutputItem `json:"item"`
}

// FunctionResult builds the function-result message for callID.
// output is serialized to a JSON string as the protocol expects.
func FunctionResult(callID string, output any) ([]byte, error) {
	raw, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("encode function output: %w", err)
	}
	return json.Marshal(conversationCreate{
		Type: TypeConversationCreate,
		Item: functionOutputItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: string(raw),
		},
	})
}

// ResponseCreate builds the response-request message that follows each function result.
func ResponseCreate() []byte {
	return []byte(`{"type":"` + TypeResponseCreate + `"}`)
}

// AudioAppend builds an input_audio_buffer.append message for PCM16 audio.
func AudioAppend(pcm []byte) []byte {
	return []byte(`{"type":"` + TypeAudioAppend + `","audio":"` + base64.StdEncoding.EncodeToString(pcm) + `"}`)
}
