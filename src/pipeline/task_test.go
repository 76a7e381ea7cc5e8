package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/processors"
)

// tapProcessor records every frame it sees and forwards it unchanged,
// so tests can observe what actually flowed through the chain.
type tapProcessor struct {
	*processors.BaseProcessor
	mu       sync.Mutex
	captured []frames.Frame
}

func newTapProcessor(name string) *tapProcessor {
	p := &tapProcessor{}
	p.BaseProcessor = processors.NewBaseProcessor(name, p)
	return p
}

func (p *tapProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	p.mu.Lock()
	p.captured = append(p.captured, frame)
	p.mu.Unlock()
	return p.PushFrame(frame, direction)
}

func (p *tapProcessor) snapshot() []frames.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]frames.Frame, len(p.captured))
	copy(out, p.captured)
	return out
}

func (p *tapProcessor) waitFor(t *testing.T, timeout time.Duration, what string, pred func(frames.Frame) bool) frames.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, f := range p.snapshot() {
			if pred(f) {
				return f
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s not observed within %v", what, timeout)
	return nil
}

func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s not observed within 2s", what)
	}
}

func waitRunDone(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return within 2s")
	}
}

func TestPipelineTaskRunsUntilEndFrame(t *testing.T) {
	tap := newTapProcessor("Tap")
	task := NewPipelineTask(NewPipeline([]processors.FrameProcessor{tap}))

	started := make(chan struct{}, 1)
	finished := make(chan struct{}, 1)
	task.OnStarted(func() { started <- struct{}{} })
	task.OnFinished(func() { finished <- struct{}{} })

	done := make(chan error, 1)
	go func() { done <- task.Run(context.Background()) }()

	waitSignal(t, started, "pipeline start")

	if err := task.QueueFrame(frames.NewEndFrame()); err != nil {
		t.Fatalf("queue end frame: %v", err)
	}
	waitSignal(t, finished, "pipeline finish")
	waitRunDone(t, done)

	if err := task.QueueFrame(frames.NewTextFrame("late")); err == nil {
		t.Error("queueing after the pipeline finished succeeded")
	}
	if err := task.Run(context.Background()); err == nil {
		t.Error("second Run succeeded")
	}
}

func TestPipelineTaskDeferStartWaitsForSession(t *testing.T) {
	tap := newTapProcessor("Tap")
	cfg := DefaultPipelineTaskConfig()
	cfg.DeferStart = true
	task := NewPipelineTaskWithConfig(NewPipeline([]processors.FrameProcessor{tap}), cfg)

	var startCount atomic.Int32
	started := make(chan struct{}, 4)
	finished := make(chan struct{}, 1)
	task.OnStarted(func() {
		startCount.Add(1)
		started <- struct{}{}
	})
	task.OnFinished(func() { finished <- struct{}{} })

	done := make(chan error, 1)
	go func() { done <- task.Run(context.Background()) }()

	// The session handshake supplies the start frame, the way a
	// serializer does once setup metadata arrives
	sessionStart := frames.NewStartFrameWithConfig(false, nil)
	sessionStart.SetMetadata("codec", "mulaw")
	if err := task.QueueFrame(sessionStart); err != nil {
		t.Fatalf("queue session start: %v", err)
	}

	waitSignal(t, started, "session start")

	task.QueueFrame(frames.NewEndFrame())
	waitSignal(t, finished, "pipeline finish")
	waitRunDone(t, done)

	if n := startCount.Load(); n != 1 {
		t.Fatalf("%d start frames reached the sink, want 1", n)
	}
	var sf *frames.StartFrame
	for _, f := range tap.snapshot() {
		if s, ok := f.(*frames.StartFrame); ok {
			if sf != nil {
				t.Fatal("more than one start frame flowed through the pipeline")
			}
			sf = s
		}
	}
	if sf == nil {
		t.Fatal("session start frame never flowed through the pipeline")
	}
	// The task default enables interruptions; only the handshake frame
	// has them off, so a leaked boot frame would show up here
	if sf.AllowInterruptions {
		t.Error("pipeline received the boot start frame instead of the session one")
	}
	if sf.Metadata()["codec"] != "mulaw" {
		t.Error("session start frame lost its call metadata")
	}
}

func TestPipelineTaskBuffersFramesQueuedBeforeRun(t *testing.T) {
	tap := newTapProcessor("Tap")
	task := NewPipelineTask(NewPipeline([]processors.FrameProcessor{tap}))

	for _, txt := range []string{"one", "two", "three"} {
		if err := task.QueueFrame(frames.NewTextFrame(txt)); err != nil {
			t.Fatalf("queue before start: %v", err)
		}
	}

	finished := make(chan struct{}, 1)
	task.OnFinished(func() { finished <- struct{}{} })
	done := make(chan error, 1)
	go func() { done <- task.Run(context.Background()) }()

	tap.waitFor(t, 2*time.Second, "last buffered frame", func(f frames.Frame) bool {
		tf, ok := f.(*frames.TextFrame)
		return ok && tf.Text == "three"
	})

	var texts []string
	for _, f := range tap.snapshot() {
		if tf, ok := f.(*frames.TextFrame); ok {
			texts = append(texts, tf.Text)
		}
	}
	if len(texts) != 3 || texts[0] != "one" || texts[1] != "two" || texts[2] != "three" {
		t.Errorf("buffered frames arrived as %v, want [one two three]", texts)
	}

	task.QueueFrame(frames.NewEndFrame())
	waitSignal(t, finished, "pipeline finish")
	waitRunDone(t, done)
}

func TestPipelineTaskReinjectsInterruptions(t *testing.T) {
	tap := newTapProcessor("Tap")
	task := NewPipelineTask(NewPipeline([]processors.FrameProcessor{tap}))

	started := make(chan struct{}, 1)
	finished := make(chan struct{}, 1)
	task.OnStarted(func() { started <- struct{}{} })
	task.OnFinished(func() { finished <- struct{}{} })
	done := make(chan error, 1)
	go func() { done <- task.Run(context.Background()) }()
	waitSignal(t, started, "pipeline start")

	// An aggregator asking for an interruption pushes the request
	// upstream; the task answers with a sweep from the top
	if err := tap.PushFrame(frames.NewInterruptionTaskFrame(), frames.Upstream); err != nil {
		t.Fatalf("push interruption request: %v", err)
	}
	tap.waitFor(t, 2*time.Second, "reinjected InterruptionFrame", func(f frames.Frame) bool {
		_, ok := f.(*frames.InterruptionFrame)
		return ok
	})

	task.QueueFrame(frames.NewEndFrame())
	waitSignal(t, finished, "pipeline finish")
	waitRunDone(t, done)
}

func TestPipelineTaskCancelStopsRun(t *testing.T) {
	tap := newTapProcessor("Tap")
	task := NewPipelineTask(NewPipeline([]processors.FrameProcessor{tap}))

	started := make(chan struct{}, 1)
	task.OnStarted(func() { started <- struct{}{} })
	done := make(chan error, 1)
	go func() { done <- task.Run(context.Background()) }()
	waitSignal(t, started, "pipeline start")

	task.Cancel()
	waitRunDone(t, done)
}

func TestPipelineTaskErrorFrameReachesHandler(t *testing.T) {
	tap := newTapProcessor("Tap")
	task := NewPipelineTask(NewPipeline([]processors.FrameProcessor{tap}))

	errCh := make(chan error, 1)
	task.OnError(func(err error) { errCh <- err })
	started := make(chan struct{}, 1)
	finished := make(chan struct{}, 1)
	task.OnStarted(func() { started <- struct{}{} })
	task.OnFinished(func() { finished <- struct{}{} })
	done := make(chan error, 1)
	go func() { done <- task.Run(context.Background()) }()
	waitSignal(t, started, "pipeline start")

	wantErr := errors.New("stt connection lost")
	task.QueueFrame(frames.NewErrorFrame(wantErr))

	select {
	case err := <-errCh:
		if !errors.Is(err, wantErr) {
			t.Errorf("handler got %v, want %v", err, wantErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not invoked within 2s")
	}

	task.QueueFrame(frames.NewEndFrame())
	waitSignal(t, finished, "pipeline finish")
	waitRunDone(t, done)
}
