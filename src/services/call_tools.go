package services

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/processors"
)

// actionFlushTimeout releases a pending call action when no bot speech
// follows the tool call. Covers tool-only LLM responses with no goodbye.
const actionFlushTimeout = 5 * time.Second

// CallToolProcessor executes the call control tools (transfer_call,
// end_call). It sits between the LLM and the assistant aggregator.
//
// A tool call does not fire immediately: the LLM usually says goodbye in
// the same response, so the platform action is held until the bot
// finishes speaking. A barge-in while the action is pending cancels it,
// which lets a caller stop a hangup with "wait, one more thing".
type CallToolProcessor struct {
	*processors.BaseProcessor

	mu            sync.Mutex
	pendingAction frames.CallAction
	pendingCall   *frames.FunctionCallInProgressFrame
	releaseTimer  *time.Timer
	botSpeaking   bool
}

// NewCallToolProcessor creates a call tool processor
func NewCallToolProcessor() *CallToolProcessor {
	p := &CallToolProcessor{}
	p.BaseProcessor = processors.NewBaseProcessor("CallTools", p)
	return p
}

// HandleFrame processes incoming frames
func (p *CallToolProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		p.HandleStartFrame(f)

	case *frames.FunctionCallInProgressFrame:
		if IsCallControlTool(f.FunctionName) {
			return p.handleCallTool(f, direction)
		}
		return p.handleUnknownTool(f, direction)

	case *frames.TTSStartedFrame:
		p.mu.Lock()
		p.botSpeaking = true
		// Speech is coming, TTSStoppedFrame will do the release
		p.stopReleaseTimerLocked()
		p.mu.Unlock()

	case *frames.TTSStoppedFrame:
		p.mu.Lock()
		p.botSpeaking = false
		action, call := p.takePendingLocked()
		p.mu.Unlock()
		if call != nil {
			p.fireAction(action, call)
		}

	case *frames.InterruptionFrame:
		p.mu.Lock()
		_, call := p.takePendingLocked()
		p.mu.Unlock()
		if call != nil {
			log.Printf("[%s] Barge-in cancelled pending %s", p.Name(), call.FunctionName)
			if err := p.PushFrame(frames.NewFunctionCallCancelFrame(call.FunctionName, call.ToolCallID), frames.Downstream); err != nil {
				log.Printf("[%s] Error pushing cancel frame: %v", p.Name(), err)
			}
		}
		p.HandleInterruptionFrame()

	case *frames.EndFrame:
		// Session is closing, nothing left to act on
		p.mu.Lock()
		p.takePendingLocked()
		p.mu.Unlock()
	}

	return p.PushFrame(frame, direction)
}

// handleCallTool schedules the platform action for a call control tool
func (p *CallToolProcessor) handleCallTool(f *frames.FunctionCallInProgressFrame, direction frames.FrameDirection) error {
	action := frames.CallActionHangup
	if f.FunctionName == TransferCallToolName {
		action = frames.CallActionRedirect
	}

	log.Printf("[%s] %s requested (id: %s, reason: %s)", p.Name(), f.FunctionName, f.ToolCallID, toolReason(f.Arguments))

	// A barge-in between now and the release must be able to stop the action
	f.CancelOnInterruption = true

	// The aggregator records the call before anything resolves it
	if err := p.PushFrame(f, direction); err != nil {
		return err
	}

	p.mu.Lock()
	if p.pendingCall != nil {
		// One action per response; a second call loses
		loser := f
		p.mu.Unlock()
		log.Printf("[%s] Action already pending, cancelling %s (id: %s)", p.Name(), loser.FunctionName, loser.ToolCallID)
		return p.PushFrame(frames.NewFunctionCallCancelFrame(loser.FunctionName, loser.ToolCallID), frames.Downstream)
	}

	p.pendingAction = action
	p.pendingCall = f

	if !p.botSpeaking {
		p.releaseTimer = time.AfterFunc(actionFlushTimeout, func() {
			p.mu.Lock()
			action, call := p.takePendingLocked()
			p.mu.Unlock()
			if call != nil {
				p.fireAction(action, call)
			}
		})
	}
	p.mu.Unlock()

	return nil
}

// handleUnknownTool resolves tools nothing in the pipeline implements so
// the conversation does not stall on an IN_PROGRESS placeholder.
func (p *CallToolProcessor) handleUnknownTool(f *frames.FunctionCallInProgressFrame, direction frames.FrameDirection) error {
	log.Printf("[%s] No handler for function %s (id: %s)", p.Name(), f.FunctionName, f.ToolCallID)

	if err := p.PushFrame(f, direction); err != nil {
		return err
	}

	result := map[string]interface{}{"error": "unknown function: " + f.FunctionName}
	return p.PushFrame(frames.NewFunctionCallResultFrame(f.FunctionName, f.ToolCallID, result), frames.Downstream)
}

// fireAction sends the platform action and resolves the tool call
func (p *CallToolProcessor) fireAction(action frames.CallAction, call *frames.FunctionCallInProgressFrame) {
	log.Printf("[%s] Executing %s (id: %s)", p.Name(), call.FunctionName, call.ToolCallID)

	result := map[string]interface{}{"status": "completed"}
	resultFrame := frames.NewFunctionCallResultFrame(call.FunctionName, call.ToolCallID, result)
	runLLM := false
	resultFrame.RunLLM = &runLLM

	if err := p.PushFrame(resultFrame, frames.Downstream); err != nil {
		log.Printf("[%s] Error pushing result frame: %v", p.Name(), err)
	}

	if err := p.PushFrame(frames.NewCallActionFrame(action), frames.Downstream); err != nil {
		log.Printf("[%s] Error pushing call action frame: %v", p.Name(), err)
	}
}

// takePendingLocked clears and returns the pending action. Callers hold mu.
func (p *CallToolProcessor) takePendingLocked() (frames.CallAction, *frames.FunctionCallInProgressFrame) {
	p.stopReleaseTimerLocked()
	action, call := p.pendingAction, p.pendingCall
	p.pendingAction = ""
	p.pendingCall = nil
	return action, call
}

func (p *CallToolProcessor) stopReleaseTimerLocked() {
	if p.releaseTimer != nil {
		p.releaseTimer.Stop()
		p.releaseTimer = nil
	}
}

// toolReason extracts the optional reason argument for logging
func toolReason(arguments interface{}) string {
	switch args := arguments.(type) {
	case map[string]interface{}:
		if reason, ok := args["reason"].(string); ok {
			return reason
		}
	case string:
		var parsed struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal([]byte(args), &parsed); err == nil && parsed.Reason != "" {
			return parsed.Reason
		}
	}
	return "unspecified"
}
