package vad

import (
	"context"
	"sync"

	"github.com/square-key-labs/maqsam-agent/src/audio"
	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/logger"
	"github.com/square-key-labs/maqsam-agent/src/processors"
)

// VADInputProcessor runs voice activity detection over inbound call audio.
// It accumulates audio until a full analysis window is available, decodes
// telephony codecs to PCM for the analyzer, and emits
// UserStartedSpeakingFrame / UserStoppedSpeakingFrame on state transitions.
// Decoded audio is also fed to the session's interruption strategies so
// volume and VAD based strategies can judge barge-in attempts.
type VADInputProcessor struct {
	*processors.BaseProcessor
	analyzer VADAnalyzer

	audioBuffer []byte
	bufferMu    sync.Mutex

	codec      string
	sampleRate int
	codecMu    sync.RWMutex

	currentState  VADState
	previousState VADState
	stateMu       sync.Mutex
}

// NewVADInputProcessor creates a VAD processor wrapping the given analyzer
func NewVADInputProcessor(analyzer VADAnalyzer) *VADInputProcessor {
	p := &VADInputProcessor{
		analyzer:      analyzer,
		codec:         "linear16",
		sampleRate:    8000,
		currentState:  VADStateQuiet,
		previousState: VADStateQuiet,
	}
	p.BaseProcessor = processors.NewBaseProcessor("VADInput", p)
	return p
}

// HandleFrame processes incoming frames
func (p *VADInputProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		p.HandleStartFrame(f)
		p.configureFromStart(f)

	case *frames.AudioFrame:
		if direction == frames.Downstream {
			p.handleAudioFrame(f)
		}

	case *frames.EndFrame:
		p.analyzer.Restart()
		p.resetBuffer()
	}

	return p.PushFrame(frame, direction)
}

func (p *VADInputProcessor) configureFromStart(f *frames.StartFrame) {
	p.codecMu.Lock()
	defer p.codecMu.Unlock()

	if codec, ok := f.Metadata()["codec"].(string); ok && codec != "" {
		p.codec = codec
	}
	if rate, ok := f.Metadata()["sampleRate"].(int); ok && rate > 0 {
		p.sampleRate = rate
	}

	if err := p.analyzer.SetSampleRate(p.sampleRate); err != nil {
		logger.Warn("[VADInput] Failed to set sample rate %d: %v", p.sampleRate, err)
	}
	logger.Debug("[VADInput] Configured: codec=%s sampleRate=%d", p.codec, p.sampleRate)
}

func (p *VADInputProcessor) handleAudioFrame(frame *frames.AudioFrame) {
	p.codecMu.RLock()
	codec := p.codec
	sampleRate := p.sampleRate
	p.codecMu.RUnlock()

	if frame.SampleRate > 0 && frame.SampleRate != sampleRate {
		sampleRate = frame.SampleRate
		p.codecMu.Lock()
		p.sampleRate = sampleRate
		p.codecMu.Unlock()
		if err := p.analyzer.SetSampleRate(sampleRate); err != nil {
			logger.Warn("[VADInput] Failed to set sample rate %d: %v", sampleRate, err)
		}
	}

	p.bufferMu.Lock()
	defer p.bufferMu.Unlock()

	p.audioBuffer = append(p.audioBuffer, frame.Data...)

	bytesPerSample := 2
	if codec == "mulaw" || codec == "alaw" {
		bytesPerSample = 1
	}
	requiredBytes := p.analyzer.NumFramesRequired() * bytesPerSample

	for len(p.audioBuffer) >= requiredBytes {
		chunk := p.audioBuffer[:requiredBytes]

		pcm := p.decodeToPCM(chunk, codec)

		newState, err := p.analyzer.AnalyzeAudio(pcm)
		if err != nil {
			logger.Error("[VADInput] Analysis failed: %v", err)
			p.audioBuffer = p.audioBuffer[requiredBytes:]
			continue
		}

		p.feedInterruptionStrategies(pcm, sampleRate)

		p.stateMu.Lock()
		p.previousState = p.currentState
		p.currentState = newState
		prev, curr := p.previousState, p.currentState
		p.stateMu.Unlock()

		if prev != curr {
			p.emitStateTransitionFrames(prev, curr)
		}

		p.audioBuffer = p.audioBuffer[requiredBytes:]
	}
}

// decodeToPCM converts one analysis window of wire audio into 16-bit PCM
func (p *VADInputProcessor) decodeToPCM(chunk []byte, codec string) []byte {
	switch codec {
	case "mulaw":
		return audio.PCMToBytes(audio.MulawToPCM(chunk))
	case "alaw":
		return audio.PCMToBytes(audio.AlawToPCM(chunk))
	default:
		return chunk
	}
}

func (p *VADInputProcessor) feedInterruptionStrategies(pcm []byte, sampleRate int) {
	for _, strategy := range p.InterruptionStrategies() {
		if err := strategy.AppendAudio(pcm, sampleRate); err != nil {
			logger.Warn("[VADInput] Interruption strategy rejected audio: %v", err)
		}
	}
}

func (p *VADInputProcessor) emitStateTransitionFrames(prev, curr VADState) {
	switch {
	case curr == VADStateSpeaking && (prev == VADStateQuiet || prev == VADStateStarting):
		logger.Info("🎤 User started speaking")
		if err := p.PushFrame(frames.NewUserStartedSpeakingFrame(), frames.Downstream); err != nil {
			logger.Error("[VADInput] Failed to push UserStartedSpeakingFrame: %v", err)
		}

	case curr == VADStateQuiet && (prev == VADStateSpeaking || prev == VADStateStopping):
		logger.Info("🔇 User stopped speaking")
		if err := p.PushFrame(frames.NewUserStoppedSpeakingFrame(), frames.Downstream); err != nil {
			logger.Error("[VADInput] Failed to push UserStoppedSpeakingFrame: %v", err)
		}
	}
}

func (p *VADInputProcessor) resetBuffer() {
	p.bufferMu.Lock()
	defer p.bufferMu.Unlock()
	p.audioBuffer = nil
}

// GetCurrentState returns the current VAD state
func (p *VADInputProcessor) GetCurrentState() VADState {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.currentState
}
