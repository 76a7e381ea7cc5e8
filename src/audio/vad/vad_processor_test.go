package vad

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/square-key-labs/maqsam-agent/src/audio"
	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/processors"
)

// frameCapture sits at the end of a test chain and records every frame
// pushed into it.
type frameCapture struct {
	*processors.BaseProcessor
	mu       sync.Mutex
	captured []frames.Frame
}

func newFrameCapture() *frameCapture {
	c := &frameCapture{}
	c.BaseProcessor = processors.NewBaseProcessor("Capture", c)
	return c
}

func (c *frameCapture) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	c.mu.Lock()
	c.captured = append(c.captured, frame)
	c.mu.Unlock()
	return nil
}

func (c *frameCapture) snapshot() []frames.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]frames.Frame, len(c.captured))
	copy(out, c.captured)
	return out
}

// waitFor polls until a captured frame satisfies pred. Frames arrive on
// the capture's own handler goroutines, so tests cannot assert
// synchronously.
func (c *frameCapture) waitFor(t *testing.T, timeout time.Duration, what string, pred func(frames.Frame) bool) frames.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, f := range c.snapshot() {
			if pred(f) {
				return f
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s not captured within %v", what, timeout)
	return nil
}

func (c *frameCapture) countAudio() int {
	n := 0
	for _, f := range c.snapshot() {
		if _, ok := f.(*frames.AudioFrame); ok {
			n++
		}
	}
	return n
}

func startVADChain(t *testing.T) (*VADInputProcessor, *frameCapture) {
	t.Helper()
	analyzer, err := NewEnergyVADAnalyzer(8000, DefaultVADParams())
	if err != nil {
		t.Fatalf("NewEnergyVADAnalyzer: %v", err)
	}
	proc := NewVADInputProcessor(analyzer)
	capture := newFrameCapture()
	proc.Link(capture)

	ctx := context.Background()
	if err := proc.Start(ctx); err != nil {
		t.Fatalf("start processor: %v", err)
	}
	if err := capture.Start(ctx); err != nil {
		t.Fatalf("start capture: %v", err)
	}
	t.Cleanup(func() {
		proc.Stop()
		capture.Stop()
	})
	return proc, capture
}

// sendSessionStart queues a StartFrame carrying the wire codec and waits
// until it comes out the far end, which proves the processor configured
// itself before any audio follows.
func sendSessionStart(t *testing.T, proc *VADInputProcessor, capture *frameCapture) {
	t.Helper()
	start := frames.NewStartFrame()
	start.SetMetadata("codec", "mulaw")
	start.SetMetadata("sampleRate", 8000)
	if err := proc.QueueFrame(start, frames.Downstream); err != nil {
		t.Fatalf("queue StartFrame: %v", err)
	}
	capture.waitFor(t, 2*time.Second, "StartFrame", func(f frames.Frame) bool {
		_, ok := f.(*frames.StartFrame)
		return ok
	})
}

// loudMulaw is one 20ms window of telephone audio well above the VAD
// gates.
func loudMulaw() []byte {
	pcm := make([]int16, 160)
	for i := range pcm {
		pcm[i] = 8000
	}
	return audio.PCMToMulaw(pcm)
}

func silentMulaw() []byte {
	return bytes.Repeat([]byte{0xFF}, 160)
}

func queueAudio(t *testing.T, proc *VADInputProcessor, data []byte, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := proc.QueueFrame(frames.NewAudioFrame(data, 8000, 1), frames.Downstream); err != nil {
			t.Fatalf("queue audio frame %d: %v", i, err)
		}
	}
}

func TestVADProcessorEmitsSpeakingTransitions(t *testing.T) {
	proc, capture := startVADChain(t)
	sendSessionStart(t, proc, capture)

	queueAudio(t, proc, loudMulaw(), 10)
	capture.waitFor(t, 2*time.Second, "UserStartedSpeakingFrame", func(f frames.Frame) bool {
		_, ok := f.(*frames.UserStartedSpeakingFrame)
		return ok
	})

	queueAudio(t, proc, silentMulaw(), 40)
	capture.waitFor(t, 2*time.Second, "UserStoppedSpeakingFrame", func(f frames.Frame) bool {
		_, ok := f.(*frames.UserStoppedSpeakingFrame)
		return ok
	})

	// The audio itself still flows downstream for the STT service
	deadline := time.Now().Add(2 * time.Second)
	for capture.countAudio() < 50 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := capture.countAudio(); got != 50 {
		t.Errorf("forwarded %d audio frames, want 50", got)
	}
}

func TestVADProcessorBuffersPartialWindows(t *testing.T) {
	proc, capture := startVADChain(t)
	sendSessionStart(t, proc, capture)

	// 80 mulaw bytes is half an analysis window: 19 frames make 9.5
	// windows, one short of the start threshold
	half := loudMulaw()[:80]
	queueAudio(t, proc, half, 19)

	deadline := time.Now().Add(2 * time.Second)
	for capture.countAudio() < 19 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := capture.countAudio(); got != 19 {
		t.Fatalf("forwarded %d audio frames, want 19", got)
	}
	if state := proc.GetCurrentState(); state == VADStateSpeaking {
		t.Fatal("entered speaking on a partial window")
	}

	queueAudio(t, proc, half, 1)
	deadline = time.Now().Add(2 * time.Second)
	for proc.GetCurrentState() != VADStateSpeaking && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if state := proc.GetCurrentState(); state != VADStateSpeaking {
		t.Fatalf("state after 10 full windows = %s, want speaking", state)
	}
}

func TestVADProcessorEndFrameRestartsAnalyzer(t *testing.T) {
	proc, capture := startVADChain(t)
	sendSessionStart(t, proc, capture)

	queueAudio(t, proc, loudMulaw(), 10)
	capture.waitFor(t, 2*time.Second, "UserStartedSpeakingFrame", func(f frames.Frame) bool {
		_, ok := f.(*frames.UserStartedSpeakingFrame)
		return ok
	})

	if err := proc.QueueFrame(frames.NewEndFrame(), frames.Downstream); err != nil {
		t.Fatalf("queue EndFrame: %v", err)
	}
	capture.waitFor(t, 2*time.Second, "EndFrame", func(f frames.Frame) bool {
		_, ok := f.(*frames.EndFrame)
		return ok
	})

	if state := proc.analyzer.(*EnergyVADAnalyzer).GetState(); state != VADStateQuiet {
		t.Fatalf("analyzer state after EndFrame = %s, want quiet", state)
	}
}
