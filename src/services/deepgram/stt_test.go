package deepgram

import (
	"context"
	"testing"

	"github.com/square-key-labs/maqsam-agent/src/frames"
)

func TestNormalizeDeepgramEncoding(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ulaw", "mulaw"},
		{"PCMU", "mulaw"},
		{"PCMA", "alaw"},
		{"pcm", "linear16"},
		{"PCM", "linear16"},
		{"mulaw", "mulaw"},
		{"alaw", "alaw"},
		{"linear16", "linear16"},
		{"opus", "opus"},
	}
	for _, tc := range cases {
		if got := normalizeDeepgramEncoding(tc.in); got != tc.want {
			t.Errorf("normalizeDeepgramEncoding(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSTTServiceAdoptsSessionCodec(t *testing.T) {
	s := NewSTTService(STTConfig{APIKey: "key", Language: "en-US", Model: "nova-2"})
	if s.encoding != "linear16" || s.sampleRate != 0 {
		t.Fatalf("defaults = %s/%d", s.encoding, s.sampleRate)
	}

	start := frames.NewStartFrame()
	start.SetMetadata("codec", "ulaw")
	start.SetMetadata("sampleRate", 8000)
	if err := s.HandleFrame(context.Background(), start, frames.Downstream); err != nil {
		t.Fatalf("handle start frame: %v", err)
	}

	if s.encoding != "mulaw" {
		t.Errorf("encoding = %s, want mulaw", s.encoding)
	}
	if s.sampleRate != 8000 {
		t.Errorf("sample rate = %d, want 8000", s.sampleRate)
	}
}

func TestNewSTTServiceNormalizesConfiguredEncoding(t *testing.T) {
	s := NewSTTService(STTConfig{APIKey: "key", Encoding: "PCMU"})
	if s.encoding != "mulaw" {
		t.Errorf("encoding = %s, want mulaw", s.encoding)
	}
}
