package interruptions

import (
	"encoding/binary"
	"time"
)

// VADBasedInterruptionStrategy interrupts the bot on sustained voice
// activity. A chunk counts as voiced when both its energy and its
// zero-crossing rate clear their thresholds, which separates speech from
// line hum and handset rustle better than energy alone.
type VADBasedInterruptionStrategy struct {
	BaseInterruptionStrategy

	minDuration     time.Duration
	energyThreshold float64
	zeroCrossRate   float64

	speechStartTime time.Time
	isSpeaking      bool
}

// VADBasedInterruptionStrategyParams holds configuration for VAD-based interruption
type VADBasedInterruptionStrategyParams struct {
	MinDuration     time.Duration // Sustained speech required (default: 300ms)
	EnergyThreshold float64       // RMS energy threshold (default: 0.02)
	ZeroCrossRate   float64       // Zero-crossing rate threshold (default: 0.1)
}

// NewVADBasedInterruptionStrategy creates a new VAD-based interruption strategy
func NewVADBasedInterruptionStrategy(params *VADBasedInterruptionStrategyParams) *VADBasedInterruptionStrategy {
	if params == nil {
		params = &VADBasedInterruptionStrategyParams{
			MinDuration:     300 * time.Millisecond,
			EnergyThreshold: 0.02,
			ZeroCrossRate:   0.1,
		}
	}

	return &VADBasedInterruptionStrategy{
		minDuration:     params.MinDuration,
		energyThreshold: params.EnergyThreshold,
		zeroCrossRate:   params.ZeroCrossRate,
	}
}

// AppendAudio classifies one chunk of linear PCM as voiced or not and
// tracks how long the current voiced stretch has lasted.
func (v *VADBasedInterruptionStrategy) AppendAudio(audio []byte, sampleRate int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	energy := calculateRMS(audio)
	zcr := calculateZeroCrossingRate(audio)

	hasVoice := energy > v.energyThreshold && zcr > v.zeroCrossRate

	if hasVoice {
		if !v.isSpeaking {
			v.isSpeaking = true
			v.speechStartTime = time.Now()
		}
	} else {
		v.isSpeaking = false
	}

	return nil
}

// ShouldInterrupt reports whether speech has been sustained long enough
func (v *VADBasedInterruptionStrategy) ShouldInterrupt() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.isSpeaking {
		return false, nil
	}

	return time.Since(v.speechStartTime) >= v.minDuration, nil
}

// Reset clears the speech detection state
func (v *VADBasedInterruptionStrategy) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.isSpeaking = false
	v.speechStartTime = time.Time{}
	return nil
}

// calculateZeroCrossingRate measures how often the signal changes sign.
// Voiced speech lands in a characteristic ZCR band; constant tones and
// DC offset from cheap handsets mostly do not.
func calculateZeroCrossingRate(audio []byte) float64 {
	if len(audio) < 4 {
		return 0.0
	}

	zeroCrossings := 0
	prevSign := false

	for i := 0; i+1 < len(audio); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(audio[i : i+2]))

		currentSign := sample >= 0
		if i > 0 && currentSign != prevSign {
			zeroCrossings++
		}
		prevSign = currentSign
	}

	numSamples := len(audio) / 2
	if numSamples == 0 {
		return 0.0
	}

	return float64(zeroCrossings) / float64(numSamples)
}
