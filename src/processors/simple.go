package processors

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/square-key-labs/maqsam-agent/src/frames"
)

// PassthroughProcessor passes frames through unchanged, optionally
// logging them. Useful as a spacer in pipelines and in tests.
type PassthroughProcessor struct {
	*BaseProcessor
	logFrames bool
}

func NewPassthroughProcessor(name string, logFrames bool) *PassthroughProcessor {
	pp := &PassthroughProcessor{
		logFrames: logFrames,
	}
	pp.BaseProcessor = NewBaseProcessor(name, pp)
	return pp
}

func (p *PassthroughProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if p.logFrames {
		log.Printf("[%s] %s frame %s", p.name, direction, frame.Name())
	}
	return p.PushFrame(frame, direction)
}

// TranscriptLogProcessor logs the running conversation: final caller
// transcriptions and the bot's aggregated responses. Place it after the
// LLM to log the bot side; in pipelines without a user aggregator,
// placing it between the STT service and the LLM also catches the
// caller's final transcriptions (the aggregator consumes them
// otherwise).
type TranscriptLogProcessor struct {
	*BaseProcessor

	// mu guards botLine: text frames ride the data handler while
	// interruptions arrive on the system handler.
	mu      sync.Mutex
	botLine []string
}

func NewTranscriptLogProcessor() *TranscriptLogProcessor {
	tl := &TranscriptLogProcessor{}
	tl.BaseProcessor = NewBaseProcessor("TranscriptLog", tl)
	return tl
}

func (p *TranscriptLogProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.TranscriptionFrame:
		if f.IsFinal && f.Text != "" {
			log.Printf("[Transcript] caller: %s", f.Text)
		}

	case *frames.TextFrame:
		p.mu.Lock()
		p.botLine = append(p.botLine, f.Text)
		p.mu.Unlock()

	case *frames.LLMTextFrame:
		p.mu.Lock()
		p.botLine = append(p.botLine, f.Text)
		p.mu.Unlock()

	case *frames.LLMFullResponseEndFrame:
		p.flushBotLine("bot")

	case *frames.InterruptionFrame:
		// The caller talked over whatever was accumulating
		p.flushBotLine("bot (interrupted)")
	}

	return p.PushFrame(frame, direction)
}

func (p *TranscriptLogProcessor) flushBotLine(label string) {
	p.mu.Lock()
	line := strings.TrimSpace(strings.Join(p.botLine, ""))
	p.botLine = nil
	p.mu.Unlock()
	if line != "" {
		log.Printf("[Transcript] %s: %s", label, line)
	}
}
