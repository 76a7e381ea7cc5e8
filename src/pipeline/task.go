package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/interruptions"
)

// PipelineTaskConfig holds configuration for pipeline task
type PipelineTaskConfig struct {
	AllowInterruptions     bool
	InterruptionStrategies []interruptions.InterruptionStrategy

	// DeferStart holds back the initial StartFrame. A transport sets
	// this when the session handshake supplies its own start frame with
	// call metadata attached.
	DeferStart bool
}

// DefaultPipelineTaskConfig returns default configuration
func DefaultPipelineTaskConfig() *PipelineTaskConfig {
	return &PipelineTaskConfig{
		AllowInterruptions:     true,
		InterruptionStrategies: []interruptions.InterruptionStrategy{},
	}
}

// PipelineTask orchestrates the execution of a pipeline: it boots the
// processors, injects the StartFrame, relays externally queued frames,
// and reacts to frames that fall out of either pipeline end.
type PipelineTask struct {
	pipeline *Pipeline
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	config *PipelineTaskConfig

	// Frames queued from outside the pipeline
	userFrameQueue chan frames.Frame

	// Lifecycle tracking
	started  bool
	finished bool
	mu       sync.RWMutex

	// Event handlers
	onStarted  func()
	onFinished func()
	onError    func(error)
}

// NewPipelineTask creates a new pipeline task with default configuration
func NewPipelineTask(pipeline *Pipeline) *PipelineTask {
	return NewPipelineTaskWithConfig(pipeline, DefaultPipelineTaskConfig())
}

// NewPipelineTaskWithConfig creates a new pipeline task with custom configuration
func NewPipelineTaskWithConfig(pipeline *Pipeline, config *PipelineTaskConfig) *PipelineTask {
	task := &PipelineTask{
		pipeline:       pipeline,
		config:         config,
		userFrameQueue: make(chan frames.Frame, 100),
	}

	pipeline.Initialize(task)

	return task
}

// Config returns the task configuration
func (t *PipelineTask) Config() *PipelineTaskConfig {
	return t.config
}

// OnStarted sets a callback for when the pipeline starts
func (t *PipelineTask) OnStarted(callback func()) {
	t.onStarted = callback
}

// OnFinished sets a callback for when the pipeline finishes
func (t *PipelineTask) OnFinished(callback func()) {
	t.onFinished = callback
}

// OnError sets a callback for errors
func (t *PipelineTask) OnError(callback func(error)) {
	t.onError = callback
}

// QueueFrame adds a frame to be processed by the pipeline. Frames
// queued before Run are buffered and drained once the pipeline starts.
func (t *PipelineTask) QueueFrame(frame frames.Frame) error {
	t.mu.RLock()
	finished := t.finished
	ctx := t.ctx
	t.mu.RUnlock()

	if finished {
		return fmt.Errorf("pipeline already finished")
	}

	if ctx == nil {
		select {
		case t.userFrameQueue <- frame:
			return nil
		default:
			return fmt.Errorf("frame queue full before start")
		}
	}

	select {
	case t.userFrameQueue <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the pipeline and blocks until completion
func (t *PipelineTask) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("pipeline already started")
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	log.Printf("[PipelineTask] Starting pipeline")

	if err := t.pipeline.Start(t.ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	t.wg.Add(1)
	go t.processUserFrames()

	// The StartFrame carries the interruption configuration to every
	// processor in the chain
	if !t.config.DeferStart {
		startFrame := frames.NewStartFrameWithConfig(
			t.config.AllowInterruptions,
			t.config.InterruptionStrategies,
		)
		if err := t.pipeline.QueueFrame(startFrame); err != nil {
			return fmt.Errorf("failed to queue start frame: %w", err)
		}
	}

	t.wg.Wait()

	if err := t.pipeline.Stop(); err != nil {
		log.Printf("[PipelineTask] Error stopping pipeline: %v", err)
	}

	log.Printf("[PipelineTask] Pipeline finished")
	return nil
}

// Cancel stops the pipeline immediately
func (t *PipelineTask) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		log.Printf("[PipelineTask] Cancelling pipeline")
		t.cancel()
	}
}

// processUserFrames relays externally queued frames into the source
func (t *PipelineTask) processUserFrames() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case frame := <-t.userFrameQueue:
			if err := t.pipeline.QueueFrame(frame); err != nil {
				log.Printf("[PipelineTask] Error queuing user frame: %v", err)
				if t.onError != nil {
					t.onError(err)
				}
			}
		}
	}
}

// handleDownstreamFrame handles frames that reach the sink
func (t *PipelineTask) handleDownstreamFrame(frame frames.Frame) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		log.Printf("[PipelineTask] Pipeline started")
		if t.onStarted != nil {
			t.onStarted()
		}

	case *frames.EndFrame:
		log.Printf("[PipelineTask] End frame reached sink, finishing pipeline")
		t.markFinished()
		t.Cancel()

	case *frames.CancelFrame:
		log.Printf("[PipelineTask] Cancel frame reached sink, stopping immediately")
		t.markFinished()
		t.Cancel()

	case *frames.ErrorFrame:
		log.Printf("[PipelineTask] Error frame received: %v", f.Error)
		if t.onError != nil {
			t.onError(f.Error)
		}
	}

	return nil
}

// handleUpstreamFrame handles frames going back up past the source
func (t *PipelineTask) handleUpstreamFrame(frame frames.Frame) error {
	// InterruptionTaskFrame: re-inject an InterruptionFrame at the top so
	// it sweeps the entire chain downstream
	if _, ok := frame.(*frames.InterruptionTaskFrame); ok {
		log.Printf("[PipelineTask] Interruption requested, sending InterruptionFrame downstream")
		if err := t.pipeline.QueueFrame(frames.NewInterruptionFrame()); err != nil {
			log.Printf("[PipelineTask] Error queuing interruption frame: %v", err)
			return err
		}
		return nil
	}

	if errorFrame, ok := frame.(*frames.ErrorFrame); ok {
		if t.onError != nil {
			t.onError(errorFrame.Error)
		}
	}

	return nil
}

func (t *PipelineTask) markFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.finished {
		t.finished = true
		if t.onFinished != nil {
			t.onFinished()
		}
	}
}
