package vad

import (
	"fmt"
	"math"
)

// speechReferenceRMS is the normalized RMS level treated as full-confidence
// speech. Telephony callers typically land between 0.05 and 0.2.
const speechReferenceRMS = 0.08

// windowMillis is the analysis window duration. 20ms matches the audio
// chunk size most telephony providers send.
const windowMillis = 20

// EnergyVADAnalyzer detects voice activity from short-term signal energy.
// It needs no model weights, which keeps it usable on narrowband telephone
// audio where the caller side is a single voice over a mostly quiet line.
type EnergyVADAnalyzer struct {
	*BaseVADAnalyzer
}

// NewEnergyVADAnalyzer creates an energy-based VAD analyzer
func NewEnergyVADAnalyzer(sampleRate int, params VADParams) (*EnergyVADAnalyzer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}
	return &EnergyVADAnalyzer{
		BaseVADAnalyzer: NewBaseVADAnalyzer(sampleRate, params),
	}, nil
}

// NumFramesRequired returns the samples needed per analysis window
func (e *EnergyVADAnalyzer) NumFramesRequired() int {
	return e.GetSampleRate() * windowMillis / 1000
}

// VoiceConfidence maps the window's RMS energy onto [0, 1]
func (e *EnergyVADAnalyzer) VoiceConfidence(buffer []byte) float32 {
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
	rms := math.Sqrt(sumSquares / float64(numSamples))

	confidence := rms / speechReferenceRMS
	if confidence > 1.0 {
		confidence = 1.0
	}
	return float32(confidence)
}

// AnalyzeAudio processes one window of 16-bit PCM audio
func (e *EnergyVADAnalyzer) AnalyzeAudio(buffer []byte) (VADState, error) {
	confidence := e.VoiceConfidence(buffer)
	return e.ProcessAudio(buffer, confidence, e.NumFramesRequired())
}
