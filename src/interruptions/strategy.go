package interruptions

import "sync"

// InterruptionStrategy decides whether caller speech should barge in on
// the bot while it is talking. Strategies accumulate evidence (audio,
// transcribed text, or both) during a user turn and give a verdict when
// the turn ends.
type InterruptionStrategy interface {
	// AppendAudio adds caller audio (16-bit linear PCM) for analysis.
	// Strategies that only look at text ignore it.
	AppendAudio(audio []byte, sampleRate int) error

	// AppendText adds transcribed caller text for analysis.
	// Strategies that only look at audio ignore it.
	AppendText(text string) error

	// ShouldInterrupt reports whether the accumulated evidence is enough
	// to interrupt the bot. Called when the caller stops speaking.
	ShouldInterrupt() (bool, error)

	// Reset clears accumulated audio and text for the next turn.
	Reset() error
}

// BaseInterruptionStrategy provides no-op audio/text handling so concrete
// strategies only implement the inputs they care about.
type BaseInterruptionStrategy struct {
	mu sync.Mutex
}

func (b *BaseInterruptionStrategy) AppendAudio(audio []byte, sampleRate int) error {
	return nil
}

func (b *BaseInterruptionStrategy) AppendText(text string) error {
	return nil
}

func (b *BaseInterruptionStrategy) Reset() error {
	return nil
}
