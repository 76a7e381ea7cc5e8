package aggregators

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/interruptions"
	"github.com/square-key-labs/maqsam-agent/src/processors"
	"github.com/square-key-labs/maqsam-agent/src/services"
)

// frameCapture records every frame pushed into it. Assertions go through
// waitFor because frames arrive on the capture's handler goroutines.
type frameCapture struct {
	*processors.BaseProcessor
	mu       sync.Mutex
	captured []frames.Frame
}

func newFrameCapture(name string) *frameCapture {
	c := &frameCapture{}
	c.BaseProcessor = processors.NewBaseProcessor(name, c)
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

func (c *frameCapture) has(pred func(frames.Frame) bool) bool {
	for _, f := range c.snapshot() {
		if pred(f) {
			return true
		}
	}
	return false
}

func isContextFrame(f frames.Frame) bool {
	_, ok := f.(*frames.LLMContextFrame)
	return ok
}

// startUserChain wires upstream and downstream captures around a user
// aggregator: upCap <- agg -> downCap.
func startUserChain(t *testing.T, llmCtx *services.LLMContext, strategies []interruptions.InterruptionStrategy) (*LLMUserAggregator, *frameCapture, *frameCapture) {
	t.Helper()
	agg := NewLLMUserAggregator(llmCtx, nil)
	upCap := newFrameCapture("UpCapture")
	downCap := newFrameCapture("DownCapture")
	upCap.Link(agg)
	agg.Link(downCap)

	ctx := context.Background()
	for _, p := range []processors.FrameProcessor{agg, upCap, downCap} {
		if err := p.Start(ctx); err != nil {
			t.Fatalf("start %s: %v", p.Name(), err)
		}
	}
	t.Cleanup(func() {
		agg.Stop()
		upCap.Stop()
		downCap.Stop()
	})

	start := frames.NewStartFrameWithConfig(len(strategies) > 0, strategies)
	if err := agg.QueueFrame(start, frames.Downstream); err != nil {
		t.Fatalf("queue StartFrame: %v", err)
	}
	downCap.waitFor(t, 2*time.Second, "StartFrame", func(f frames.Frame) bool {
		_, ok := f.(*frames.StartFrame)
		return ok
	})
	return agg, upCap, downCap
}

// drain queues a marker frame and waits for it downstream, proving all
// earlier data frames were handled.
func drain(t *testing.T, agg processors.FrameProcessor, downCap *frameCapture) {
	t.Helper()
	marker := frames.NewHeartbeatFrame()
	if err := agg.QueueFrame(marker, frames.Downstream); err != nil {
		t.Fatalf("queue marker: %v", err)
	}
	id := marker.ID()
	downCap.waitFor(t, 2*time.Second, "marker frame", func(f frames.Frame) bool {
		_, ok := f.(*frames.HeartbeatFrame)
		return ok && f.ID() == id
	})
}

func lastMessage(t *testing.T, llmCtx *services.LLMContext) services.LLMMessage {
	t.Helper()
	if len(llmCtx.Messages) == 0 {
		t.Fatal("context has no messages")
	}
	return llmCtx.Messages[len(llmCtx.Messages)-1]
}

func TestUserAggregatorCommitsTurnWhenCallerStops(t *testing.T) {
	llmCtx := services.NewLLMContext("You are a voice agent.")
	agg, _, downCap := startUserChain(t, llmCtx, nil)

	agg.QueueFrame(frames.NewUserStartedSpeakingFrame(), frames.Downstream)
	downCap.waitFor(t, 2*time.Second, "UserStartedSpeakingFrame", func(f frames.Frame) bool {
		_, ok := f.(*frames.UserStartedSpeakingFrame)
		return ok
	})

	agg.QueueFrame(frames.NewTranscriptionFrame("hello there", true), frames.Downstream)
	drain(t, agg, downCap)

	// The caller is still speaking: nothing committed yet
	if downCap.has(isContextFrame) {
		t.Fatal("turn committed while the caller was still speaking")
	}

	agg.QueueFrame(frames.NewUserStoppedSpeakingFrame(), frames.Downstream)
	frame := downCap.waitFor(t, 2*time.Second, "LLMContextFrame", isContextFrame).(*frames.LLMContextFrame)

	if frame.Context.(*services.LLMContext) != llmCtx {
		t.Error("context frame does not carry the session context")
	}
	msg := lastMessage(t, llmCtx)
	if msg.Role != "user" || msg.Content != "hello there" {
		t.Errorf("last message = %+v, want user 'hello there'", msg)
	}

	// Transcriptions are consumed; the aggregator speaks for the caller
	if downCap.has(func(f frames.Frame) bool {
		_, ok := f.(*frames.TranscriptionFrame)
		return ok
	}) {
		t.Error("raw transcription frame leaked downstream")
	}
}

func TestUserAggregatorCommitsImmediatelyWhenQuiet(t *testing.T) {
	llmCtx := services.NewLLMContext("prompt")
	agg, _, downCap := startUserChain(t, llmCtx, nil)

	// No VAD frames at all: a final transcription lands while the caller
	// is considered quiet and commits straight away
	agg.QueueFrame(frames.NewTranscriptionFrame("what are your opening hours", true), frames.Downstream)

	downCap.waitFor(t, 2*time.Second, "LLMContextFrame", isContextFrame)
	msg := lastMessage(t, llmCtx)
	if msg.Content != "what are your opening hours" {
		t.Errorf("committed %q", msg.Content)
	}
}

func TestUserAggregatorIgnoresInterimResults(t *testing.T) {
	llmCtx := services.NewLLMContext("prompt")
	agg, _, downCap := startUserChain(t, llmCtx, nil)

	agg.QueueFrame(frames.NewTranscriptionFrame("what are", false), frames.Downstream)
	drain(t, agg, downCap)
	if downCap.has(isContextFrame) {
		t.Fatal("interim transcription triggered a commit")
	}

	agg.QueueFrame(frames.NewTranscriptionFrame("what are your hours", true), frames.Downstream)
	downCap.waitFor(t, 2*time.Second, "LLMContextFrame", isContextFrame)

	msg := lastMessage(t, llmCtx)
	if msg.Content != "what are your hours" {
		t.Errorf("committed %q, interim text must not double up", msg.Content)
	}
}

func TestUserAggregatorBargeInArbitration(t *testing.T) {
	llmCtx := services.NewLLMContext("prompt")
	minWords := interruptions.NewMinWordsInterruptionStrategy(3)
	agg, upCap, downCap := startUserChain(t, llmCtx, []interruptions.InterruptionStrategy{minWords})

	// Bot mid-utterance
	agg.QueueFrame(frames.NewTTSStartedFrame(), frames.Downstream)
	downCap.waitFor(t, 2*time.Second, "TTSStartedFrame", func(f frames.Frame) bool {
		_, ok := f.(*frames.TTSStartedFrame)
		return ok
	})

	// One word is below the bar: the fragment is discarded, the bot keeps
	// talking
	agg.QueueFrame(frames.NewTranscriptionFrame("uh", true), frames.Downstream)
	drain(t, agg, downCap)
	if downCap.has(isContextFrame) {
		t.Fatal("sub-threshold fragment reached the LLM")
	}
	if upCap.has(func(f frames.Frame) bool {
		_, ok := f.(*frames.InterruptionTaskFrame)
		return ok
	}) {
		t.Fatal("sub-threshold fragment interrupted the bot")
	}

	// A real sentence clears the bar: interrupt and process
	agg.QueueFrame(frames.NewTranscriptionFrame("no stop please", true), frames.Downstream)

	upCap.waitFor(t, 2*time.Second, "InterruptionTaskFrame", func(f frames.Frame) bool {
		_, ok := f.(*frames.InterruptionTaskFrame)
		return ok
	})
	downCap.waitFor(t, 2*time.Second, "LLMContextFrame", isContextFrame)

	msg := lastMessage(t, llmCtx)
	if msg.Role != "user" || msg.Content != "no stop please" {
		t.Errorf("last message = %+v, want the barge-in turn", msg)
	}
}

func TestUserAggregatorRecordsCallContext(t *testing.T) {
	llmCtx := services.NewLLMContext("prompt")
	agg, _, downCap := startUserChain(t, llmCtx, nil)

	cc := frames.CallContext{
		CallID:       "call-7",
		Direction:    "inbound",
		Caller:       "Omar",
		CallerNumber: "+96265000000",
		Custom:       map[string]interface{}{"queue": "support"},
	}
	agg.QueueFrame(frames.NewCallContextFrame(cc), frames.Downstream)
	downCap.waitFor(t, 2*time.Second, "CallContextFrame", func(f frames.Frame) bool {
		_, ok := f.(*frames.CallContextFrame)
		return ok
	})

	msg := lastMessage(t, llmCtx)
	if msg.Role != "system" {
		t.Fatalf("call details role = %s, want system", msg.Role)
	}
	for _, want := range []string{"call-7", "inbound", "Omar", "+96265000000", "queue"} {
		if !strings.Contains(msg.Content, want) {
			t.Errorf("call details %q missing %q", msg.Content, want)
		}
	}
}

func TestUserAggregatorMessagesAppend(t *testing.T) {
	llmCtx := services.NewLLMContext("prompt")
	agg, _, downCap := startUserChain(t, llmCtx, nil)

	messages := []services.LLMMessage{{Role: "user", Content: "pre-seeded question"}}
	agg.QueueFrame(frames.NewLLMMessagesAppendFrame(messages, true), frames.Downstream)

	downCap.waitFor(t, 2*time.Second, "LLMContextFrame", isContextFrame)
	msg := lastMessage(t, llmCtx)
	if msg.Content != "pre-seeded question" {
		t.Errorf("last message = %+v", msg)
	}
}
