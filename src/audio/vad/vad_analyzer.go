package vad

import (
	"math"
	"sync"

	"github.com/square-key-labs/maqsam-agent/src/logger"
)

// VADState represents the current state of voice activity detection
type VADState int

const (
	VADStateQuiet VADState = iota + 1
	VADStateStarting
	VADStateSpeaking
	VADStateStopping
)

func (s VADState) String() string {
	switch s {
	case VADStateQuiet:
		return "quiet"
	case VADStateStarting:
		return "starting"
	case VADStateSpeaking:
		return "speaking"
	case VADStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// VADParams holds configuration parameters for voice activity detection
type VADParams struct {
	// Confidence threshold for voice detection (0.0 to 1.0)
	// Higher values are more strict (default: 0.7)
	Confidence float32

	// StartSecs: duration voice must be detected before transitioning
	// from QUIET to SPEAKING (default: 0.2)
	StartSecs float32

	// StopSecs: duration of silence before transitioning from SPEAKING
	// to QUIET (default: 0.8)
	StopSecs float32

	// MinVolume: minimum smoothed RMS volume, 0.0 to 1.0. Audio below
	// this level never counts as voice (default: 0.025, tuned for
	// telephony lines where hum sits around 0.01)
	MinVolume float32
}

// DefaultVADParams returns the default VAD parameters
func DefaultVADParams() VADParams {
	return VADParams{
		Confidence: 0.7,
		StartSecs:  0.2,
		StopSecs:   0.8,
		MinVolume:  0.025,
	}
}

// VADAnalyzer is the interface for voice activity detection implementations
type VADAnalyzer interface {
	// SetSampleRate configures the sample rate for audio processing
	SetSampleRate(sampleRate int) error

	// NumFramesRequired returns the number of audio samples required per analysis window
	NumFramesRequired() int

	// VoiceConfidence calculates voice activity confidence for the given
	// 16-bit PCM buffer, between 0.0 (no voice) and 1.0 (definitely voice)
	VoiceConfidence(buffer []byte) float32

	// AnalyzeAudio processes one window of audio and returns the current VAD state
	AnalyzeAudio(buffer []byte) (VADState, error)

	// Restart resets the VAD analyzer state
	Restart()
}

// BaseVADAnalyzer provides the hysteresis state machine shared by VAD
// implementations: confidence must hold above threshold for StartSecs to
// enter SPEAKING, and below it for StopSecs to leave.
type BaseVADAnalyzer struct {
	params     VADParams
	sampleRate int

	// State machine
	state           VADState
	startFrames     int
	stopFrames      int
	startThreshold  int
	stopThreshold   int
	prevSampleCount int

	// Volume tracking
	smoothedVolume float32

	mu sync.RWMutex
}

// NewBaseVADAnalyzer creates a new base VAD analyzer
func NewBaseVADAnalyzer(sampleRate int, params VADParams) *BaseVADAnalyzer {
	return &BaseVADAnalyzer{
		params:     params,
		sampleRate: sampleRate,
		state:      VADStateQuiet,
	}
}

// SetSampleRate configures the sample rate
func (v *BaseVADAnalyzer) SetSampleRate(sampleRate int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.sampleRate = sampleRate
	v.prevSampleCount = 0 // force threshold recalculation
	return nil
}

// GetSampleRate returns the current sample rate
func (v *BaseVADAnalyzer) GetSampleRate() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sampleRate
}

// GetParams returns the current VAD parameters
func (v *BaseVADAnalyzer) GetParams() VADParams {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.params
}

// GetState returns the current VAD state
func (v *BaseVADAnalyzer) GetState() VADState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// Restart resets the VAD analyzer state
func (v *BaseVADAnalyzer) Restart() {
	v.mu.Lock()
	defer v.mu.Unlock()

	logger.Debug("[VADAnalyzer] Restarting VAD state machine")
	v.state = VADStateQuiet
	v.startFrames = 0
	v.stopFrames = 0
	v.smoothedVolume = 0.0
}

// ProcessAudio advances the state machine by one analysis window.
// Subclasses call it after computing voice confidence.
func (v *BaseVADAnalyzer) ProcessAudio(buffer []byte, voiceConfidence float32, numFramesRequired int) (VADState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	volume := v.calculateVolume(buffer)

	// Exponential smoothing keeps single hot windows from flapping the gate
	const smoothingFactor = 0.2
	v.smoothedVolume = smoothingFactor*volume + (1.0-smoothingFactor)*v.smoothedVolume

	// Recalculate thresholds when the window size changes
	sampleCount := len(buffer) / 2
	if sampleCount != v.prevSampleCount {
		v.prevSampleCount = sampleCount
		frameTime := float32(numFramesRequired) / float32(v.sampleRate)
		v.startThreshold = int(v.params.StartSecs / frameTime)
		v.stopThreshold = int(v.params.StopSecs / frameTime)
		logger.Debug("[VADAnalyzer] Thresholds updated: start=%d windows (%.2fs), stop=%d windows (%.2fs)",
			v.startThreshold, v.params.StartSecs, v.stopThreshold, v.params.StopSecs)
	}

	// Too quiet to be speech regardless of confidence
	if v.smoothedVolume < v.params.MinVolume {
		voiceConfidence = 0.0
	}

	oldState := v.state

	switch v.state {
	case VADStateQuiet:
		if voiceConfidence >= v.params.Confidence {
			v.startFrames++
			if v.startFrames >= v.startThreshold {
				v.state = VADStateSpeaking
				v.startFrames = 0
			} else {
				v.state = VADStateStarting
			}
		}

	case VADStateStarting:
		if voiceConfidence >= v.params.Confidence {
			v.startFrames++
			if v.startFrames >= v.startThreshold {
				v.state = VADStateSpeaking
				v.startFrames = 0
			}
		} else {
			v.state = VADStateQuiet
			v.startFrames = 0
		}

	case VADStateSpeaking:
		if voiceConfidence < v.params.Confidence {
			v.stopFrames++
			if v.stopFrames >= v.stopThreshold {
				v.state = VADStateQuiet
				v.stopFrames = 0
			} else {
				v.state = VADStateStopping
			}
		} else {
			v.stopFrames = 0
		}

	case VADStateStopping:
		if voiceConfidence < v.params.Confidence {
			v.stopFrames++
			if v.stopFrames >= v.stopThreshold {
				v.state = VADStateQuiet
				v.stopFrames = 0
			}
		} else {
			v.state = VADStateSpeaking
			v.stopFrames = 0
		}
	}

	if oldState != v.state {
		logger.Debug("[VADAnalyzer] State transition: %s → %s (confidence=%.3f, volume=%.3f)",
			oldState, v.state, voiceConfidence, v.smoothedVolume)
	}

	return v.state, nil
}

// calculateVolume computes normalized RMS volume from a 16-bit PCM buffer
func (v *BaseVADAnalyzer) calculateVolume(buffer []byte) float32 {
	if len(buffer) < 2 {
		return 0.0
	}

	numSamples := len(buffer) / 2
	var sumSquares float64

	for i := 0; i < numSamples; i++ {
		sample := int16(buffer[i*2]) | int16(buffer[i*2+1])<<8
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}

	return float32(math.Sqrt(sumSquares / float64(numSamples)))
}
