package interruptions

import (
	"log"
	"strings"
)

// MinWordsInterruptionStrategy interrupts the bot once the caller has
// spoken at least a minimum number of transcribed words. Short noises
// ("uh", a cough picked up as a word fragment) stay below the bar.
type MinWordsInterruptionStrategy struct {
	BaseInterruptionStrategy
	minWords int
	text     string
}

// NewMinWordsInterruptionStrategy creates a new minimum words strategy
func NewMinWordsInterruptionStrategy(minWords int) *MinWordsInterruptionStrategy {
	return &MinWordsInterruptionStrategy{
		minWords: minWords,
	}
}

// AppendText appends transcribed text for word count analysis
func (m *MinWordsInterruptionStrategy) AppendText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.text += text
	return nil
}

// ShouldInterrupt checks if the minimum word count has been reached
func (m *MinWordsInterruptionStrategy) ShouldInterrupt() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wordCount := len(strings.Fields(m.text))
	interrupt := wordCount >= m.minWords

	log.Printf("[MinWordsStrategy] should_interrupt=%v num_spoken_words=%d min_words=%d",
		interrupt, wordCount, m.minWords)

	return interrupt, nil
}

// Reset clears the accumulated text for the next turn
func (m *MinWordsInterruptionStrategy) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.text = ""
	return nil
}
