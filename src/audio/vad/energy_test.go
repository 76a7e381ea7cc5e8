package vad

import (
	"testing"
)

// pcmWindow builds one analysis window of constant-amplitude 16-bit PCM.
func pcmWindow(amplitude int16, samples int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		buf[i*2] = byte(amplitude)
		buf[i*2+1] = byte(amplitude >> 8)
	}
	return buf
}

func newTestAnalyzer(t *testing.T) *EnergyVADAnalyzer {
	t.Helper()
	a, err := NewEnergyVADAnalyzer(8000, DefaultVADParams())
	if err != nil {
		t.Fatalf("NewEnergyVADAnalyzer: %v", err)
	}
	return a
}

func TestNewEnergyVADAnalyzerInvalidRate(t *testing.T) {
	if _, err := NewEnergyVADAnalyzer(0, DefaultVADParams()); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
}

func TestNumFramesRequired(t *testing.T) {
	a := newTestAnalyzer(t)
	if got := a.NumFramesRequired(); got != 160 {
		t.Errorf("at 8kHz NumFramesRequired = %d, want 160", got)
	}
	if err := a.SetSampleRate(16000); err != nil {
		t.Fatalf("SetSampleRate: %v", err)
	}
	if got := a.NumFramesRequired(); got != 320 {
		t.Errorf("at 16kHz NumFramesRequired = %d, want 320", got)
	}
}

func TestVoiceConfidence(t *testing.T) {
	a := newTestAnalyzer(t)

	if got := a.VoiceConfidence(nil); got != 0 {
		t.Errorf("confidence of empty buffer = %f, want 0", got)
	}
	if got := a.VoiceConfidence(pcmWindow(0, 160)); got != 0 {
		t.Errorf("confidence of silence = %f, want 0", got)
	}
	// Amplitude 8000 is RMS 0.24, far past the reference level
	if got := a.VoiceConfidence(pcmWindow(8000, 160)); got != 1.0 {
		t.Errorf("confidence of loud audio = %f, want 1.0", got)
	}
	// Amplitude 1311 is RMS 0.04, half the reference level
	if got := a.VoiceConfidence(pcmWindow(1311, 160)); got < 0.45 || got > 0.55 {
		t.Errorf("confidence of mid-level audio = %f, want about 0.5", got)
	}
}

// loud is a window well above both the confidence and volume gates.
func loud() []byte { return pcmWindow(8000, 160) }

// silent is an all-zero window.
func silent() []byte { return pcmWindow(0, 160) }

func feed(t *testing.T, a *EnergyVADAnalyzer, window []byte, n int) VADState {
	t.Helper()
	var state VADState
	var err error
	for i := 0; i < n; i++ {
		state, err = a.AnalyzeAudio(window)
		if err != nil {
			t.Fatalf("AnalyzeAudio window %d: %v", i, err)
		}
	}
	return state
}

func TestSpeakingNeedsStartSecs(t *testing.T) {
	a := newTestAnalyzer(t)

	// StartSecs 0.2 at 20ms windows means 10 consecutive voiced windows
	if state := feed(t, a, loud(), 9); state == VADStateSpeaking {
		t.Fatal("entered speaking before StartSecs elapsed")
	}
	if state := feed(t, a, loud(), 1); state != VADStateSpeaking {
		t.Fatalf("state after 10 voiced windows = %s, want speaking", state)
	}
}

func TestFalseStartReturnsToQuiet(t *testing.T) {
	a := newTestAnalyzer(t)

	if state := feed(t, a, loud(), 5); state != VADStateStarting {
		t.Fatalf("state after 5 voiced windows = %s, want starting", state)
	}
	if state := feed(t, a, silent(), 1); state != VADStateQuiet {
		t.Fatalf("state after silence during start = %s, want quiet", state)
	}
	// The start counter must reset: 9 more voiced windows still not speaking
	if state := feed(t, a, loud(), 9); state == VADStateSpeaking {
		t.Fatal("start counter survived the reset")
	}
}

func TestStopNeedsStopSecs(t *testing.T) {
	a := newTestAnalyzer(t)
	feed(t, a, loud(), 10)

	// StopSecs 0.8 at 20ms windows means 40 consecutive silent windows
	if state := feed(t, a, silent(), 39); state != VADStateStopping {
		t.Fatalf("state after 39 silent windows = %s, want stopping", state)
	}
	if state := feed(t, a, silent(), 1); state != VADStateQuiet {
		t.Fatalf("state after 40 silent windows = %s, want quiet", state)
	}
}

func TestResumeFromStopping(t *testing.T) {
	a := newTestAnalyzer(t)
	feed(t, a, loud(), 10)

	if state := feed(t, a, silent(), 5); state != VADStateStopping {
		t.Fatalf("state after brief silence = %s, want stopping", state)
	}
	if state := feed(t, a, loud(), 1); state != VADStateSpeaking {
		t.Fatalf("state after voice resumed = %s, want speaking", state)
	}
	// The stop counter must reset too
	if state := feed(t, a, silent(), 39); state != VADStateStopping {
		t.Fatalf("state after fresh 39 silent windows = %s, want stopping", state)
	}
}

func TestMinVolumeGatesBorderlineAudio(t *testing.T) {
	a := newTestAnalyzer(t)

	// Amplitude 1966 clears the confidence threshold (0.75 > 0.7) but the
	// smoothed volume after one window (0.012) sits under MinVolume, so
	// the window must not count as voice.
	if state := feed(t, a, pcmWindow(1966, 160), 1); state != VADStateQuiet {
		t.Fatalf("state after gated window = %s, want quiet", state)
	}

	b := newTestAnalyzer(t)
	if state := feed(t, b, loud(), 1); state != VADStateStarting {
		t.Fatalf("state after loud window = %s, want starting", state)
	}
}

func TestRestart(t *testing.T) {
	a := newTestAnalyzer(t)
	if state := feed(t, a, loud(), 10); state != VADStateSpeaking {
		t.Fatalf("state = %s, want speaking", state)
	}
	a.Restart()
	if state := a.GetState(); state != VADStateQuiet {
		t.Fatalf("state after restart = %s, want quiet", state)
	}
}

func TestVADStateString(t *testing.T) {
	cases := map[VADState]string{
		VADStateQuiet:    "quiet",
		VADStateStarting: "starting",
		VADStateSpeaking: "speaking",
		VADStateStopping: "stopping",
		VADState(99):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("VADState(%d).String() = %q, want %q", state, got, want)
		}
	}
}
