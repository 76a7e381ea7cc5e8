package interruptions

import (
	"encoding/binary"
	"math"
)

// VolumeInterruptionStrategy interrupts the bot when caller audio is loud
// enough for long enough. It keeps a rolling window of per-chunk RMS
// volumes and triggers once a minimum number of chunks in the window
// exceed the threshold, so a single pop or breath does not barge in.
type VolumeInterruptionStrategy struct {
	BaseInterruptionStrategy

	threshold  float64
	windowSize int
	minChunks  int

	volumes []float64
}

// VolumeInterruptionStrategyParams holds configuration for volume-based interruption
type VolumeInterruptionStrategyParams struct {
	Threshold  float64 // RMS volume threshold, 0.0 to 1.0 (default: 0.02)
	WindowSize int     // Chunks in the rolling window (default: 10)
	MinChunks  int     // Chunks above threshold required (default: 3)
}

// NewVolumeInterruptionStrategy creates a new volume-based interruption strategy
func NewVolumeInterruptionStrategy(params *VolumeInterruptionStrategyParams) *VolumeInterruptionStrategy {
	if params == nil {
		params = &VolumeInterruptionStrategyParams{
			Threshold:  0.02,
			WindowSize: 10, // ~200ms of telephony audio at 20ms per chunk
			MinChunks:  3,
		}
	}

	return &VolumeInterruptionStrategy{
		threshold:  params.Threshold,
		windowSize: params.WindowSize,
		minChunks:  params.MinChunks,
		volumes:    make([]float64, 0, params.WindowSize),
	}
}

// AppendAudio adds one chunk of linear PCM to the rolling volume window
func (v *VolumeInterruptionStrategy) AppendAudio(audio []byte, sampleRate int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.volumes = append(v.volumes, calculateRMS(audio))
	if len(v.volumes) > v.windowSize {
		v.volumes = v.volumes[1:]
	}

	return nil
}

// ShouldInterrupt reports whether enough recent chunks were above threshold
func (v *VolumeInterruptionStrategy) ShouldInterrupt() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.volumes) < v.minChunks {
		return false, nil
	}

	above := 0
	for _, vol := range v.volumes {
		if vol > v.threshold {
			above++
		}
	}

	return above >= v.minChunks, nil
}

// Reset clears the volume history
func (v *VolumeInterruptionStrategy) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.volumes = v.volumes[:0]
	return nil
}

// calculateRMS computes the root mean square volume of 16-bit
// little-endian PCM samples, normalized to 0.0..1.0.
func calculateRMS(audio []byte) float64 {
	if len(audio) < 2 {
		return 0.0
	}

	var sumSquares float64
	numSamples := 0

	for i := 0; i+1 < len(audio); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(audio[i : i+2]))
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
		numSamples++
	}

	if numSamples == 0 {
		return 0.0
	}

	return math.Sqrt(sumSquares / float64(numSamples))
}
