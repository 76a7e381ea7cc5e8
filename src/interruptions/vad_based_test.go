package interruptions

import (
	"testing"
	"time"
)

// voicedPCM alternates sign every sample, giving both high energy and a
// high zero-crossing rate.
func voicedPCM(amplitude int16, samples int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		a := amplitude
		if i%2 == 1 {
			a = -amplitude
		}
		buf[i*2] = byte(a)
		buf[i*2+1] = byte(a >> 8)
	}
	return buf
}

func newFastVADStrategy() *VADBasedInterruptionStrategy {
	return NewVADBasedInterruptionStrategy(&VADBasedInterruptionStrategyParams{
		MinDuration:     50 * time.Millisecond,
		EnergyThreshold: 0.02,
		ZeroCrossRate:   0.1,
	})
}

func TestVADBasedNeedsSustainedSpeech(t *testing.T) {
	s := newFastVADStrategy()

	s.AppendAudio(voicedPCM(3277, 160), 8000)
	if interrupt, _ := s.ShouldInterrupt(); interrupt {
		t.Fatal("interrupted immediately, before MinDuration")
	}

	time.Sleep(60 * time.Millisecond)
	if interrupt, _ := s.ShouldInterrupt(); !interrupt {
		t.Fatal("did not interrupt after sustained speech")
	}
}

func TestVADBasedSilenceBreaksTheRun(t *testing.T) {
	s := newFastVADStrategy()

	s.AppendAudio(voicedPCM(3277, 160), 8000)
	time.Sleep(60 * time.Millisecond)
	s.AppendAudio(constantPCM(0, 160), 8000)

	if interrupt, _ := s.ShouldInterrupt(); interrupt {
		t.Fatal("interrupted after silence ended the voiced stretch")
	}
}

func TestVADBasedRejectsDCOffset(t *testing.T) {
	s := newFastVADStrategy()

	// Loud but never crossing zero: handset hum, not speech
	s.AppendAudio(constantPCM(3277, 160), 8000)
	time.Sleep(60 * time.Millisecond)
	if interrupt, _ := s.ShouldInterrupt(); interrupt {
		t.Fatal("constant-sign audio counted as speech")
	}
}

func TestVADBasedReset(t *testing.T) {
	s := newFastVADStrategy()

	s.AppendAudio(voicedPCM(3277, 160), 8000)
	time.Sleep(60 * time.Millisecond)
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if interrupt, _ := s.ShouldInterrupt(); interrupt {
		t.Fatal("interrupted after reset")
	}
}

func TestCalculateZeroCrossingRate(t *testing.T) {
	if got := calculateZeroCrossingRate(nil); got != 0 {
		t.Errorf("ZCR of empty buffer = %f, want 0", got)
	}
	if got := calculateZeroCrossingRate(constantPCM(1000, 160)); got != 0 {
		t.Errorf("ZCR of constant signal = %f, want 0", got)
	}
	got := calculateZeroCrossingRate(voicedPCM(1000, 160))
	if got < 0.9 {
		t.Errorf("ZCR of alternating signal = %f, want near 1.0", got)
	}
}
