package aggregators

import (
	"strings"
	"sync"

	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/processors"
	"github.com/square-key-labs/maqsam-agent/src/services"
)

// LLMContextAggregator is the base for the user and assistant context
// aggregators. Both sides of the conversation accumulate streamed text
// into turns and commit completed turns to the shared LLM context.
//
// aggMu guards the aggregation buffer: system frames (interruptions,
// VAD boundaries) and data frames (transcriptions, LLM text) arrive on
// separate handler goroutines, and the user aggregator's flush timer
// makes a third.
type LLMContextAggregator struct {
	*processors.BaseProcessor

	context     *services.LLMContext
	role        string // "user" or "assistant"
	aggregation []string
	addSpaces   bool
	aggMu       sync.Mutex
}

// NewLLMContextAggregator creates a new base context aggregator
func NewLLMContextAggregator(name string, context *services.LLMContext, role string, handler processors.ProcessHandler) *LLMContextAggregator {
	agg := &LLMContextAggregator{
		context:     context,
		role:        role,
		aggregation: make([]string, 0),
		addSpaces:   true,
	}
	agg.BaseProcessor = processors.NewBaseProcessor(name, handler)
	return agg
}

// Reset clears the aggregation state
func (a *LLMContextAggregator) Reset() error {
	a.aggMu.Lock()
	defer a.aggMu.Unlock()
	a.aggregation = make([]string, 0)
	return nil
}

// AggregationString concatenates all accumulated text
func (a *LLMContextAggregator) AggregationString() string {
	a.aggMu.Lock()
	defer a.aggMu.Unlock()

	if len(a.aggregation) == 0 {
		return ""
	}

	if a.addSpaces {
		return strings.Join(a.aggregation, " ")
	}
	return strings.Join(a.aggregation, "")
}

// AggregationLen reports how many text chunks the current turn holds
func (a *LLMContextAggregator) AggregationLen() int {
	a.aggMu.Lock()
	defer a.aggMu.Unlock()
	return len(a.aggregation)
}

// AppendToAggregation adds text to the aggregation buffer
func (a *LLMContextAggregator) AppendToAggregation(text string) {
	a.aggMu.Lock()
	defer a.aggMu.Unlock()
	a.aggregation = append(a.aggregation, text)
}

// PushContextFrame pushes an LLMContextFrame carrying the shared context
func (a *LLMContextAggregator) PushContextFrame(direction frames.FrameDirection) error {
	frame := frames.NewLLMContextFrame(a.context)
	return a.PushFrame(frame, direction)
}

// GetContext returns the LLM context
func (a *LLMContextAggregator) GetContext() *services.LLMContext {
	return a.context
}

// GetRole returns the aggregator's role
func (a *LLMContextAggregator) GetRole() string {
	return a.role
}

// SetAddSpaces sets whether to add spaces between aggregated text
func (a *LLMContextAggregator) SetAddSpaces(addSpaces bool) {
	a.addSpaces = addSpaces
}
