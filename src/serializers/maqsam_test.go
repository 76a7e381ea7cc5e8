package serializers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/square-key-labs/maqsam-agent/src/frames"
)

const setupMessage = `{
	"type": "session.setup",
	"data": {
		"context": {
			"id": "call-123",
			"direction": "inbound",
			"caller": "Leila",
			"caller_number": "+962790000000",
			"custom": {"department": "billing"}
		}
	}
}`

func TestDeserializeSessionSetup(t *testing.T) {
	s := NewMaqsamFrameSerializer("")

	frame, err := s.Deserialize(setupMessage)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	start, ok := frame.(*frames.StartFrame)
	if !ok {
		t.Fatalf("got %T, want *frames.StartFrame", frame)
	}

	meta := start.Metadata()
	if meta["codec"] != "mulaw" {
		t.Errorf("codec metadata = %v, want mulaw", meta["codec"])
	}
	if meta["sampleRate"] != 8000 {
		t.Errorf("sampleRate metadata = %v, want 8000", meta["sampleRate"])
	}
	if meta["callID"] != "call-123" {
		t.Errorf("callID metadata = %v, want call-123", meta["callID"])
	}

	cc, ok := s.CallContext()
	if !ok {
		t.Fatal("CallContext not available after session.setup")
	}
	if cc.CallID != "call-123" || cc.Direction != "inbound" || cc.Caller != "Leila" || cc.CallerNumber != "+962790000000" {
		t.Errorf("unexpected call context: %+v", cc)
	}
	if cc.Custom["department"] != "billing" {
		t.Errorf("custom field = %v, want billing", cc.Custom["department"])
	}
}

func TestDeserializeSessionSetupAPIKey(t *testing.T) {
	cases := []struct {
		name      string
		serverKey string
		message   string
		wantErr   bool
	}{
		{"matching key", "secret", `{"type":"session.setup","apiKey":"secret","data":{"context":{"id":"c1","direction":"inbound","caller":"x","caller_number":"1"}}}`, false},
		{"wrong key", "secret", `{"type":"session.setup","apiKey":"wrong","data":{"context":{"id":"c1","direction":"inbound","caller":"x","caller_number":"1"}}}`, true},
		{"key omitted by client", "secret", `{"type":"session.setup","data":{"context":{"id":"c1","direction":"inbound","caller":"x","caller_number":"1"}}}`, false},
		{"no server key configured", "", `{"type":"session.setup","apiKey":"anything","data":{"context":{"id":"c1","direction":"inbound","caller":"x","caller_number":"1"}}}`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewMaqsamFrameSerializer(tc.serverKey)
			_, err := s.Deserialize(tc.message)
			if tc.wantErr {
				if !errors.Is(err, ErrSessionSetup) {
					t.Fatalf("err = %v, want ErrSessionSetup", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Deserialize: %v", err)
			}
		})
	}
}

func TestDeserializeSessionSetupMissingContext(t *testing.T) {
	s := NewMaqsamFrameSerializer("")

	for _, msg := range []string{
		`{"type":"session.setup"}`,
		`{"type":"session.setup","data":{}}`,
	} {
		if _, err := s.Deserialize(msg); !errors.Is(err, ErrSessionSetup) {
			t.Errorf("Deserialize(%s) err = %v, want ErrSessionSetup", msg, err)
		}
	}
}

func TestDeserializeInvalidJSON(t *testing.T) {
	s := NewMaqsamFrameSerializer("")

	if _, err := s.Deserialize(`{not json`); !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("err = %v, want ErrInvalidJSON", err)
	}
}

func TestDeserializeAudioInput(t *testing.T) {
	s := NewMaqsamFrameSerializer("")

	payload := []byte{0xFF, 0x7F, 0x00, 0x80}
	msg := `{"type":"audio.input","data":{"audio":"` + base64.StdEncoding.EncodeToString(payload) + `"}}`

	frame, err := s.Deserialize(msg)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	audio, ok := frame.(*frames.AudioFrame)
	if !ok {
		t.Fatalf("got %T, want *frames.AudioFrame", frame)
	}
	if string(audio.Data) != string(payload) {
		t.Errorf("audio data = %v, want %v", audio.Data, payload)
	}
	if audio.SampleRate != 8000 {
		t.Errorf("sample rate = %d, want 8000", audio.SampleRate)
	}
	if audio.Metadata()["codec"] != "mulaw" {
		t.Errorf("codec metadata = %v, want mulaw", audio.Metadata()["codec"])
	}
}

func TestDeserializeAudioInputEmpty(t *testing.T) {
	s := NewMaqsamFrameSerializer("")

	for _, msg := range []string{
		`{"type":"audio.input"}`,
		`{"type":"audio.input","data":{}}`,
		`{"type":"audio.input","data":{"audio":""}}`,
	} {
		frame, err := s.Deserialize(msg)
		if err != nil {
			t.Errorf("Deserialize(%s): %v", msg, err)
		}
		if frame != nil {
			t.Errorf("Deserialize(%s) = %v, want nil frame", msg, frame)
		}
	}
}

func TestDeserializeAudioInputBadBase64(t *testing.T) {
	s := NewMaqsamFrameSerializer("")

	if _, err := s.Deserialize(`{"type":"audio.input","data":{"audio":"!!!not-base64!!!"}}`); err == nil {
		t.Fatal("expected error for undecodable audio payload")
	}
}

func TestDeserializeUnknownType(t *testing.T) {
	s := NewMaqsamFrameSerializer("")

	frame, err := s.Deserialize(`{"type":"session.wtf"}`)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if frame != nil {
		t.Fatalf("unknown type produced frame %v, want nil", frame)
	}
}

func TestDeserializeInputKinds(t *testing.T) {
	s := NewMaqsamFrameSerializer("")

	// Byte slices are accepted alongside strings
	if _, err := s.Deserialize([]byte(`{"type":"session.keepalive"}`)); err != nil {
		t.Errorf("[]byte input rejected: %v", err)
	}

	// Empty messages are keepalive noise
	if frame, err := s.Deserialize(""); err != nil || frame != nil {
		t.Errorf("empty message gave frame=%v err=%v, want nil/nil", frame, err)
	}

	if _, err := s.Deserialize(42); err == nil {
		t.Error("expected error for non-string input")
	}
}

// decodeWireMessage unmarshals a serialized message for assertions.
func decodeWireMessage(t *testing.T, v interface{}) map[string]interface{} {
	t.Helper()
	s, ok := v.(string)
	if !ok {
		t.Fatalf("serialized value is %T, want string", v)
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("serialized value is not JSON: %v", err)
	}
	return m
}

func TestSerializeStartFrame(t *testing.T) {
	s := NewMaqsamFrameSerializer("")

	out, err := s.Serialize(frames.NewStartFrame())
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	msg := decodeWireMessage(t, out)
	if msg["type"] != "session.ready" {
		t.Errorf("type = %v, want session.ready", msg["type"])
	}
	if _, hasData := msg["data"]; hasData {
		t.Error("session.ready must not carry data")
	}
}

func TestSerializeAudio(t *testing.T) {
	s := NewMaqsamFrameSerializer("")
	payload := []byte{0x01, 0x02, 0x03, 0xFF}

	for _, frame := range []frames.Frame{
		frames.NewTTSAudioFrame(payload, 8000, 1),
		frames.NewAudioFrame(payload, 8000, 1),
	} {
		out, err := s.Serialize(frame)
		if err != nil {
			t.Fatalf("Serialize(%T): %v", frame, err)
		}
		msg := decodeWireMessage(t, out)
		if msg["type"] != "response.stream" {
			t.Errorf("type = %v, want response.stream", msg["type"])
		}
		data, _ := msg["data"].(map[string]interface{})
		encoded, _ := data["audio"].(string)
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			t.Fatalf("audio payload not base64: %v", err)
		}
		if string(decoded) != string(payload) {
			t.Errorf("audio roundtrip = %v, want %v", decoded, payload)
		}
	}
}

func TestSerializeInterruption(t *testing.T) {
	s := NewMaqsamFrameSerializer("")

	out, err := s.Serialize(frames.NewInterruptionFrame())
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if msg := decodeWireMessage(t, out); msg["type"] != "speech.started" {
		t.Errorf("type = %v, want speech.started", msg["type"])
	}
}

func TestSerializeCallActions(t *testing.T) {
	s := NewMaqsamFrameSerializer("")

	out, err := s.Serialize(frames.NewCallActionFrame(frames.CallActionRedirect))
	if err != nil {
		t.Fatalf("Serialize redirect: %v", err)
	}
	if msg := decodeWireMessage(t, out); msg["type"] != "call.redirect" {
		t.Errorf("type = %v, want call.redirect", msg["type"])
	}

	out, err = s.Serialize(frames.NewCallActionFrame(frames.CallActionHangup))
	if err != nil {
		t.Fatalf("Serialize hangup: %v", err)
	}
	if msg := decodeWireMessage(t, out); msg["type"] != "call.hangup" {
		t.Errorf("type = %v, want call.hangup", msg["type"])
	}

	if _, err := s.Serialize(frames.NewCallActionFrame(frames.CallAction("mute"))); err == nil {
		t.Error("expected error for unknown call action")
	}
}

func TestSerializeSilentFrames(t *testing.T) {
	s := NewMaqsamFrameSerializer("")

	for _, frame := range []frames.Frame{
		frames.NewEndFrame(),
		frames.NewTextFrame("hello"),
		frames.NewUserStartedSpeakingFrame(),
	} {
		out, err := s.Serialize(frame)
		if err != nil {
			t.Errorf("Serialize(%T): %v", frame, err)
		}
		if out != nil {
			t.Errorf("Serialize(%T) = %v, want nil", frame, out)
		}
	}
}

func TestCleanupClearsCallContext(t *testing.T) {
	s := NewMaqsamFrameSerializer("")

	if _, err := s.Deserialize(setupMessage); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if _, ok := s.CallContext(); !ok {
		t.Fatal("CallContext missing after setup")
	}
	if err := s.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, ok := s.CallContext(); ok {
		t.Fatal("CallContext survived Cleanup")
	}
}

func TestSerializerType(t *testing.T) {
	if got := NewMaqsamFrameSerializer("").Type(); got != SerializerTypeText {
		t.Errorf("Type() = %v, want SerializerTypeText", got)
	}
}
