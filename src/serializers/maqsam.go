package serializers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/logger"
)

// Sentinel errors the transport maps to protocol close codes.
var (
	// ErrInvalidJSON marks a message that could not be parsed at all
	ErrInvalidJSON = errors.New("invalid JSON message")
	// ErrSessionSetup marks a session.setup message that could not be applied
	ErrSessionSetup = errors.New("session setup failed")
)

// MaqsamFrameSerializer handles the Maqsam voice agent WebSocket
// protocol. Inbound messages are session.setup and audio.input; outbound
// messages are session.ready, response.stream, speech.started,
// call.redirect and call.hangup. Audio is base64 mulaw at 8kHz in both
// directions.
type MaqsamFrameSerializer struct {
	apiKey      string
	callContext *frames.CallContext
}

// maqsamMessage is the JSON envelope shared by both directions
type maqsamMessage struct {
	Type   string      `json:"type"`
	APIKey string      `json:"apiKey,omitempty"`
	Data   *maqsamData `json:"data,omitempty"`
}

type maqsamData struct {
	Audio   string         `json:"audio,omitempty"`
	Context *maqsamContext `json:"context,omitempty"`
}

type maqsamContext struct {
	ID           string                 `json:"id"`
	Direction    string                 `json:"direction"`
	Caller       string                 `json:"caller"`
	CallerNumber string                 `json:"caller_number"`
	Custom       map[string]interface{} `json:"custom,omitempty"`
}

// NewMaqsamFrameSerializer creates a new Maqsam serializer. The apiKey
// is matched against the optional apiKey field of session.setup; pass ""
// to skip that check.
func NewMaqsamFrameSerializer(apiKey string) *MaqsamFrameSerializer {
	return &MaqsamFrameSerializer{apiKey: apiKey}
}

// Type returns the serialization type (the Maqsam protocol is JSON text)
func (s *MaqsamFrameSerializer) Type() SerializerType {
	return SerializerTypeText
}

// Setup initializes the serializer with startup configuration
func (s *MaqsamFrameSerializer) Setup(frame frames.Frame) error {
	return nil
}

// Serialize converts a frame to a Maqsam protocol JSON message
func (s *MaqsamFrameSerializer) Serialize(frame frames.Frame) (interface{}, error) {
	switch f := frame.(type) {
	case *frames.StartFrame:
		// The StartFrame reaching the output side means every processor
		// has seen the session configuration: tell the platform to start
		// streaming audio.
		return s.marshal(maqsamMessage{Type: "session.ready"})

	case *frames.TTSAudioFrame:
		return s.marshalAudio(f.Data)

	case *frames.AudioFrame:
		return s.marshalAudio(f.Data)

	case *frames.InterruptionFrame:
		// Confirmed barge-in: the platform discards buffered bot audio
		// on speech.started
		return s.marshal(maqsamMessage{Type: "speech.started"})

	case *frames.CallActionFrame:
		switch f.Action {
		case frames.CallActionRedirect:
			return s.marshal(maqsamMessage{Type: "call.redirect"})
		case frames.CallActionHangup:
			return s.marshal(maqsamMessage{Type: "call.hangup"})
		default:
			return nil, fmt.Errorf("unknown call action %q", f.Action)
		}

	case *frames.EndFrame:
		// Session teardown is a transport concern, nothing on the wire
		return nil, nil

	default:
		// Other frame types have no wire equivalent
		return nil, nil
	}
}

// Deserialize converts a Maqsam protocol JSON message to a frame
func (s *MaqsamFrameSerializer) Deserialize(data interface{}) (frames.Frame, error) {
	jsonData, ok := data.(string)
	if !ok {
		if bytes, ok := data.([]byte); ok {
			jsonData = string(bytes)
		} else {
			return nil, fmt.Errorf("expected string or []byte, got %T", data)
		}
	}

	if jsonData == "" {
		// Keepalive noise from some clients
		return nil, nil
	}

	var msg maqsamMessage
	if err := json.Unmarshal([]byte(jsonData), &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	switch msg.Type {
	case "session.setup":
		// Header auth already ran at upgrade time; the in-band apiKey is
		// optional but must match when present
		if msg.APIKey != "" && s.apiKey != "" && msg.APIKey != s.apiKey {
			return nil, fmt.Errorf("%w: apiKey mismatch", ErrSessionSetup)
		}

		if msg.Data == nil || msg.Data.Context == nil {
			return nil, fmt.Errorf("%w: missing call context", ErrSessionSetup)
		}

		ctx := msg.Data.Context
		s.callContext = &frames.CallContext{
			CallID:       ctx.ID,
			Direction:    ctx.Direction,
			Caller:       ctx.Caller,
			CallerNumber: ctx.CallerNumber,
			Custom:       ctx.Custom,
		}

		// Per-session StartFrame, mirroring the platform handshake into
		// the pipeline. Maqsam always streams mulaw at 8kHz.
		startFrame := frames.NewStartFrame()
		startFrame.SetMetadata("codec", "mulaw")
		startFrame.SetMetadata("sampleRate", 8000)
		startFrame.SetMetadata("callID", ctx.ID)
		startFrame.SetMetadata("direction", ctx.Direction)
		startFrame.SetMetadata("caller", ctx.Caller)
		startFrame.SetMetadata("callerNumber", ctx.CallerNumber)
		return startFrame, nil

	case "audio.input":
		if msg.Data == nil || msg.Data.Audio == "" {
			// Empty audio payloads are skipped, not fatal
			return nil, nil
		}

		logger.Debug("[MaqsamSerializer] audio.input payload: %d base64 bytes", len(msg.Data.Audio))

		audioData, err := base64.StdEncoding.DecodeString(msg.Data.Audio)
		if err != nil {
			return nil, fmt.Errorf("failed to decode audio payload: %w", err)
		}

		audioFrame := frames.NewAudioFrame(audioData, 8000, 1)
		audioFrame.SetMetadata("codec", "mulaw")
		return audioFrame, nil

	default:
		logger.Warn("[MaqsamSerializer] Unknown message type: %s", msg.Type)
		return nil, nil
	}
}

// Cleanup clears per-session state
func (s *MaqsamFrameSerializer) Cleanup() error {
	s.callContext = nil
	return nil
}

// CallContext returns the call context received during session setup
func (s *MaqsamFrameSerializer) CallContext() (frames.CallContext, bool) {
	if s.callContext == nil {
		return frames.CallContext{}, false
	}
	return *s.callContext, true
}

func (s *MaqsamFrameSerializer) marshal(msg maqsamMessage) (interface{}, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	return string(data), nil
}

func (s *MaqsamFrameSerializer) marshalAudio(audio []byte) (interface{}, error) {
	msg := maqsamMessage{
		Type: "response.stream",
		Data: &maqsamData{
			Audio: base64.StdEncoding.EncodeToString(audio),
		},
	}
	return s.marshal(msg)
}
