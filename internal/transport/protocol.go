package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocolMismatch marks an inbound frame that is not valid JSON or whose
// type is not one the client understands. Such frames are dropped.
var ErrProtocolMismatch = errors.New("transport: protocol mismatch")

// MessageType is the value of the "type" field of a wire message.
type MessageType string

// Inbound message types. TypeAudio is also the only outbound type.
const (
	TypeAudio      MessageType = "audio"
	TypeTranscript MessageType = "transcript"
	TypeThinking   MessageType = "thinking"
	TypeClear      MessageType = "clear"
	TypeError      MessageType = "error"
)

// Message is one parsed inbound message. Only the fields relevant to Type are
// populated.
type Message struct {
	Type MessageType

	// Audio is the base64 PCM16 payload of an audio message.
	Audio string

	// Role and Text are set on transcript messages. Role is whatever the peer
	// sent, possibly empty.
	Role string
	Text string

	// Detail is the human-readable text of an error message, possibly empty.
	Detail string
}

// ── Wire shapes ───────────────────────────────────────────────────────────────

type outboundAudio struct {
	Type       MessageType `json:"type"`
	Audio      string      `json:"audio"`
	SampleRate int         `json:"sampleRate"`
}

type inboundMessage struct {
	Type    MessageType `json:"type"`
	Audio   string      `json:"audio,omitempty"`
	Role    string      `json:"role,omitempty"`
	Text    string      `json:"text,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ParseMessage decodes one inbound frame. Unparsable JSON, an unknown type,
// or an audio message with no payload yields an error matching
// [ErrProtocolMismatch].
func ParseMessage(data []byte) (Message, error) {
	var in inboundMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrProtocolMismatch, err)
	}

	switch in.Type {
	case TypeAudio:
		if in.Audio == "" {
			return Message{}, fmt.Errorf("%w: audio message without payload", ErrProtocolMismatch)
		}
		return Message{Type: TypeAudio, Audio: in.Audio}, nil
	case TypeTranscript:
		return Message{Type: TypeTranscript, Role: in.Role, Text: in.Text}, nil
	case TypeThinking, TypeClear:
		return Message{Type: in.Type}, nil
	case TypeError:
		return Message{Type: TypeError, Detail: in.Message}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrProtocolMismatch, in.Type)
	}
}

// Handlers routes messages by type. Nil handlers ignore their type.
type Handlers struct {
	Audio      func(payload string)
	Transcript func(role, text string)
	Thinking   func()
	Clear      func()
	Error      func(detail string)
}

// Dispatch calls the handler registered for msg.Type.
func Dispatch(msg Message, h Handlers) {
	switch msg.Type {
	case TypeAudio:
		if h.Audio != nil {
			h.Audio(msg.Audio)
		}
	case TypeTranscript:
		if h.Transcript != nil {
			h.Transcript(msg.Role, msg.Text)
		}
	case TypeThinking:
		if h.Thinking != nil {
			h.Thinking()
		}
	case TypeClear:
		if h.Clear != nil {
			h.Clear()
		}
	case TypeError:
		if h.Error != nil {
			h.Error(msg.Detail)
		}
	}
}
