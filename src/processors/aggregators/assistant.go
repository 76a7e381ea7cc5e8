package aggregators

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/services"
)

// AssistantAggregatorParams holds configuration for the assistant aggregator
type AssistantAggregatorParams struct {
	// No tunables yet
}

// DefaultAssistantAggregatorParams returns default parameters
func DefaultAssistantAggregatorParams() *AssistantAggregatorParams {
	return &AssistantAggregatorParams{}
}

// LLMAssistantAggregator records what the bot actually said. It collects
// streamed LLM text between response markers, commits the full response
// to the context, and tracks tool calls through their lifecycle so the
// context always holds a valid assistant/tool message sequence.
type LLMAssistantAggregator struct {
	*LLMContextAggregator

	// Nesting counter for LLM responses. Atomic: interruptions arrive on
	// the system handler while response markers ride the data handler.
	started atomic.Int32

	// Serializes commits between the interruption path and response end
	pushMu sync.Mutex

	// Tool calls awaiting results, keyed by tool call ID. Only the data
	// handler touches it.
	functionCallsInProgress map[string]*frames.FunctionCallInProgressFrame

	params *AssistantAggregatorParams
}

// NewLLMAssistantAggregator creates a new assistant aggregator
func NewLLMAssistantAggregator(context *services.LLMContext, params *AssistantAggregatorParams) *LLMAssistantAggregator {
	if params == nil {
		params = DefaultAssistantAggregatorParams()
	}

	a := &LLMAssistantAggregator{
		functionCallsInProgress: make(map[string]*frames.FunctionCallInProgressFrame),
		params:                  params,
	}

	a.LLMContextAggregator = NewLLMContextAggregator("LLMAssistantAggregator", context, "assistant", a)
	return a
}

// HandleFrame processes frames for assistant aggregation
func (a *LLMAssistantAggregator) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	// InterruptionFrame - commit what was said so far and reset
	if _, ok := frame.(*frames.InterruptionFrame); ok {
		log.Printf("[%s] ⚡ Interruption - committing partial response and resetting", a.Name())

		if a.AggregationLen() > 0 {
			if err := a.pushAggregation(); err != nil {
				log.Printf("[%s] Error pushing aggregation on interruption: %v", a.Name(), err)
			}
		}

		if err := a.Reset(); err != nil {
			log.Printf("[%s] Error resetting on interruption: %v", a.Name(), err)
		}

		a.HandleInterruptionFrame()

		return a.PushFrame(frame, direction)
	}

	// LLMFullResponseStartFrame - increment nesting counter
	if _, ok := frame.(*frames.LLMFullResponseStartFrame); ok {
		level := a.started.Add(1)
		log.Printf("[%s] LLM response started (nesting level: %d)", a.Name(), level)
		return a.PushFrame(frame, direction)
	}

	// LLMFullResponseEndFrame - decrement counter and push aggregation
	if _, ok := frame.(*frames.LLMFullResponseEndFrame); ok {
		level := a.started.Add(-1)
		log.Printf("[%s] LLM response ended (nesting level: %d)", a.Name(), level)

		if level <= 0 {
			if err := a.pushAggregation(); err != nil {
				log.Printf("[%s] Error pushing aggregation: %v", a.Name(), err)
			}
		}

		return a.PushFrame(frame, direction)
	}

	// TextFrame - accumulate while a response is active
	if textFrame, ok := frame.(*frames.TextFrame); ok {
		if a.started.Load() > 0 {
			a.AppendToAggregation(textFrame.Text)
		}
		return a.PushFrame(frame, direction)
	}

	// LLMTextFrame - accumulate while a response is active
	if llmTextFrame, ok := frame.(*frames.LLMTextFrame); ok {
		if a.started.Load() > 0 {
			a.AppendToAggregation(llmTextFrame.Text)
		}
		return a.PushFrame(frame, direction)
	}

	// FunctionCallsStartedFrame - register the batch
	if callsStartedFrame, ok := frame.(*frames.FunctionCallsStartedFrame); ok {
		log.Printf("[%s] Function calls started: %d calls", a.Name(), len(callsStartedFrame.FunctionCalls))
		for _, call := range callsStartedFrame.FunctionCalls {
			a.functionCallsInProgress[call.ToolCallID] = nil
		}
		return a.PushFrame(frame, direction)
	}

	// FunctionCallInProgressFrame - record the call in the context
	if inProgressFrame, ok := frame.(*frames.FunctionCallInProgressFrame); ok {
		log.Printf("[%s] Function call in progress: %s (id: %s)", a.Name(), inProgressFrame.FunctionName, inProgressFrame.ToolCallID)

		argsJSON, err := json.Marshal(inProgressFrame.Arguments)
		if err != nil {
			log.Printf("[%s] Error marshaling function arguments: %v", a.Name(), err)
			return a.PushFrame(frame, direction)
		}

		a.context.AddMessageWithToolCalls([]services.ToolCall{
			{
				ID:   inProgressFrame.ToolCallID,
				Type: "function",
				Function: services.FunctionCall{
					Name:      inProgressFrame.FunctionName,
					Arguments: string(argsJSON),
				},
			},
		})

		// Placeholder tool response, updated when the result arrives
		a.context.AddToolMessage(inProgressFrame.ToolCallID, "IN_PROGRESS")

		a.functionCallsInProgress[inProgressFrame.ToolCallID] = inProgressFrame

		return a.PushFrame(frame, direction)
	}

	// FunctionCallResultFrame - update context, maybe run the LLM again
	if resultFrame, ok := frame.(*frames.FunctionCallResultFrame); ok {
		log.Printf("[%s] Function call result: %s (id: %s)", a.Name(), resultFrame.FunctionName, resultFrame.ToolCallID)

		delete(a.functionCallsInProgress, resultFrame.ToolCallID)

		result := "COMPLETED"
		if resultFrame.Result != nil {
			resultJSON, err := json.Marshal(resultFrame.Result)
			if err != nil {
				log.Printf("[%s] Error marshaling function result: %v", a.Name(), err)
			} else {
				result = string(resultJSON)
			}
		}

		a.updateFunctionCallResult(resultFrame.FunctionName, resultFrame.ToolCallID, result)

		runLLM := false
		if resultFrame.Result != nil {
			if resultFrame.RunLLM != nil {
				runLLM = *resultFrame.RunLLM
			} else {
				// Default: run once the last outstanding call resolves
				runLLM = len(a.functionCallsInProgress) == 0
			}
		}

		if runLLM {
			log.Printf("[%s] Triggering LLM execution after function result", a.Name())
			return a.PushContextFrame(frames.Upstream)
		}

		return a.PushFrame(frame, direction)
	}

	// FunctionCallCancelFrame - drop the pending call
	if cancelFrame, ok := frame.(*frames.FunctionCallCancelFrame); ok {
		log.Printf("[%s] Function call cancelled: %s (id: %s)", a.Name(), cancelFrame.FunctionName, cancelFrame.ToolCallID)

		if inProgressFrame, exists := a.functionCallsInProgress[cancelFrame.ToolCallID]; exists {
			if inProgressFrame != nil && inProgressFrame.CancelOnInterruption {
				a.updateFunctionCallResult(cancelFrame.FunctionName, cancelFrame.ToolCallID, "CANCELLED")
				delete(a.functionCallsInProgress, cancelFrame.ToolCallID)
			}
		}

		return a.PushFrame(frame, direction)
	}

	// Pass all other frames through
	return a.PushFrame(frame, direction)
}

// pushAggregation commits the accumulated bot response to the context
func (a *LLMAssistantAggregator) pushAggregation() error {
	a.pushMu.Lock()
	defer a.pushMu.Unlock()

	if a.AggregationLen() == 0 {
		return nil
	}

	text := a.AggregationString()
	log.Printf("[%s] Committing assistant response: '%s'", a.Name(), text)

	if err := a.Reset(); err != nil {
		return err
	}

	if text != "" {
		a.context.AddAssistantMessage(text)
	}

	return a.PushContextFrame(frames.Downstream)
}

// updateFunctionCallResult finds and updates a tool message in the context
func (a *LLMAssistantAggregator) updateFunctionCallResult(functionName, toolCallID, result string) {
	for i := range a.context.Messages {
		msg := &a.context.Messages[i]
		if msg.Role == "tool" && msg.ToolCallID == toolCallID {
			msg.Content = result
			log.Printf("[%s] Updated function result for %s: %s", a.Name(), functionName, result)
			break
		}
	}
}

// Reset overrides base Reset to also clear assistant aggregator state
func (a *LLMAssistantAggregator) Reset() error {
	a.started.Store(0)
	return a.LLMContextAggregator.Reset()
}
