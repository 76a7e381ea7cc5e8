package aggregators

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/services"
)

// UserAggregatorParams holds configuration for the user aggregator
type UserAggregatorParams struct {
	AggregationTimeout             time.Duration // Timeout for late transcriptions (default: 500ms)
	TurnEmulatedVADTimeout         time.Duration // Timeout for emulated VAD (default: 800ms)
	EnableEmulatedVADInterruptions bool          // Allow whispered interruptions (default: false)
}

// DefaultUserAggregatorParams returns default parameters
func DefaultUserAggregatorParams() *UserAggregatorParams {
	return &UserAggregatorParams{
		AggregationTimeout:             500 * time.Millisecond,
		TurnEmulatedVADTimeout:         800 * time.Millisecond,
		EnableEmulatedVADInterruptions: false,
	}
}

// LLMUserAggregator collects caller transcriptions into turns and decides
// when a turn should reach the LLM. While the bot is speaking it also
// arbitrates barge-in: the configured interruption strategies judge the
// accumulated speech, and only a passing verdict interrupts the bot.
type LLMUserAggregator struct {
	*LLMContextAggregator

	// State tracking. Atomics: the flags are shared between the system
	// and data frame handlers and the flush timer goroutine.
	userSpeaking          atomic.Bool
	botSpeaking           atomic.Bool
	wasBotSpeaking        atomic.Bool
	seenInterimResults    atomic.Bool
	waitingForAggregation atomic.Bool

	// Aggregation task
	aggregationCtx    context.Context
	aggregationCancel context.CancelFunc
	aggregationEvent  chan struct{}

	// Serializes turn commits between the frame handlers and the timer
	pushMu sync.Mutex

	// Configuration
	params *UserAggregatorParams
}

// NewLLMUserAggregator creates a new user aggregator
func NewLLMUserAggregator(context *services.LLMContext, params *UserAggregatorParams) *LLMUserAggregator {
	if params == nil {
		params = DefaultUserAggregatorParams()
	}

	u := &LLMUserAggregator{
		aggregationEvent: make(chan struct{}, 1),
		params:           params,
	}

	u.LLMContextAggregator = NewLLMContextAggregator("LLMUserAggregator", context, "user", u)
	return u
}

// HandleFrame processes frames for user aggregation
func (u *LLMUserAggregator) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	// StartFrame configures interruptions and starts the aggregation task
	if startFrame, ok := frame.(*frames.StartFrame); ok {
		u.HandleStartFrame(startFrame)
		log.Printf("[%s] Interruptions: allowed=%v, strategies=%d", u.Name(), u.InterruptionsAllowed(), len(u.InterruptionStrategies()))

		if u.aggregationCtx == nil {
			u.aggregationCtx, u.aggregationCancel = context.WithCancel(ctx)
			go u.aggregationTaskHandler()
		}

		return u.PushFrame(frame, direction)
	}

	// EndFrame - cleanup
	if _, ok := frame.(*frames.EndFrame); ok {
		log.Printf("[%s] Received EndFrame, cleaning up", u.Name())
		if u.aggregationCancel != nil {
			u.aggregationCancel()
		}
		return u.PushFrame(frame, direction)
	}

	// CallContextFrame - tell the model who is on the line
	if ccFrame, ok := frame.(*frames.CallContextFrame); ok {
		u.addCallDetails(ccFrame.Context)
		return u.PushFrame(frame, direction)
	}

	// Bot speech boundaries, needed for the barge-in decision
	if _, ok := frame.(*frames.TTSStartedFrame); ok {
		u.botSpeaking.Store(true)
		log.Printf("[%s] Bot started speaking", u.Name())
		return u.PushFrame(frame, direction)
	}

	if _, ok := frame.(*frames.TTSStoppedFrame); ok {
		u.botSpeaking.Store(false)
		log.Printf("[%s] Bot stopped speaking", u.Name())
		return u.PushFrame(frame, direction)
	}

	// Caller speech boundaries from VAD
	if _, ok := frame.(*frames.UserStartedSpeakingFrame); ok {
		u.userSpeaking.Store(true)
		u.wasBotSpeaking.Store(u.botSpeaking.Load())
		log.Printf("[%s] Caller started speaking (bot_speaking=%v)", u.Name(), u.botSpeaking.Load())
		return u.PushFrame(frame, direction)
	}

	if _, ok := frame.(*frames.UserStoppedSpeakingFrame); ok {
		u.userSpeaking.Store(false)
		log.Printf("[%s] Caller stopped speaking", u.Name())

		// The turn is over; commit whatever transcriptions arrived
		if u.AggregationLen() > 0 {
			if err := u.pushAggregation(); err != nil {
				log.Printf("[%s] Error pushing aggregation: %v", u.Name(), err)
			}
		}
		return u.PushFrame(frame, direction)
	}

	// TranscriptionFrame - accumulate caller text
	if transcriptionFrame, ok := frame.(*frames.TranscriptionFrame); ok {
		text := transcriptionFrame.Text
		if text == "" {
			// Consume empty transcription frames
			return nil
		}

		log.Printf("[%s] Transcription (final=%v): '%s'", u.Name(), transcriptionFrame.IsFinal, text)

		if transcriptionFrame.IsFinal {
			u.AppendToAggregation(text)
			u.seenInterimResults.Store(false)

			// Feed to interruption strategies
			for _, strategy := range u.InterruptionStrategies() {
				if err := strategy.AppendText(text); err != nil {
					log.Printf("[%s] Error appending text to strategy: %v", u.Name(), err)
				}
			}

			// Signal aggregation task
			select {
			case u.aggregationEvent <- struct{}{}:
			default:
			}

			// If not waiting for more transcriptions, push immediately
			if !u.waitingForAggregation.Load() && !u.userSpeaking.Load() {
				if err := u.pushAggregation(); err != nil {
					log.Printf("[%s] Error pushing aggregation: %v", u.Name(), err)
				}
			}
		} else {
			// Interim results never enter the aggregation: the final
			// transcription covers the same audio. They still feed the
			// strategies for early barge-in detection.
			u.seenInterimResults.Store(true)

			for _, strategy := range u.InterruptionStrategies() {
				if err := strategy.AppendText(text); err != nil {
					log.Printf("[%s] Error appending text to strategy: %v", u.Name(), err)
				}
			}
		}

		// Consume the transcription frame. The aggregator speaks for the
		// user downstream via LLMContextFrame.
		return nil
	}

	// LLMMessagesAppendFrame - programmatic context additions
	if appendFrame, ok := frame.(*frames.LLMMessagesAppendFrame); ok {
		if messages, ok := appendFrame.Messages.([]services.LLMMessage); ok {
			u.context.Messages = append(u.context.Messages, messages...)
			if appendFrame.RunLLM {
				return u.PushContextFrame(frames.Downstream)
			}
		}
		return nil
	}

	// LLMMessagesUpdateFrame - replace context messages
	if updateFrame, ok := frame.(*frames.LLMMessagesUpdateFrame); ok {
		if messages, ok := updateFrame.Messages.([]services.LLMMessage); ok {
			u.context.Messages = messages
			if updateFrame.RunLLM {
				return u.PushContextFrame(frames.Downstream)
			}
		}
		return nil
	}

	// Pass all other frames through
	return u.PushFrame(frame, direction)
}

// addCallDetails appends a system message describing the live call so the
// model can greet the caller properly and reason about the call direction.
func (u *LLMUserAggregator) addCallDetails(cc frames.CallContext) {
	detail := fmt.Sprintf("You are on a live %s phone call (id %s). Caller: %s, number %s.",
		cc.Direction, cc.CallID, cc.Caller, cc.CallerNumber)

	if len(cc.Custom) > 0 {
		if custom, err := json.Marshal(cc.Custom); err == nil {
			detail += " Call parameters: " + string(custom)
		}
	}

	u.context.AddSystemMessage(detail)
	log.Printf("[%s] Call context recorded: id=%s direction=%s caller=%s number=%s",
		u.Name(), cc.CallID, cc.Direction, cc.Caller, cc.CallerNumber)
}

// pushAggregation commits the accumulated turn, first settling the
// barge-in question if the bot is mid-utterance.
func (u *LLMUserAggregator) pushAggregation() error {
	u.pushMu.Lock()
	defer u.pushMu.Unlock()

	if u.AggregationLen() == 0 {
		return nil
	}

	log.Printf("[%s] pushAggregation: bot_speaking=%v, has_strategies=%v, aggregation='%s'",
		u.Name(), u.botSpeaking.Load(), len(u.InterruptionStrategies()) > 0, u.AggregationString())

	if len(u.InterruptionStrategies()) > 0 && u.botSpeaking.Load() {
		shouldInterrupt, err := u.shouldInterruptBasedOnStrategies()
		if err != nil {
			log.Printf("[%s] Error checking interruption strategies: %v", u.Name(), err)
			return err
		}

		if shouldInterrupt {
			log.Printf("[%s] 🔴 Interruption conditions MET - interrupting bot", u.Name())

			if err := u.PushInterruptionTaskFrame(); err != nil {
				log.Printf("[%s] Error pushing interruption task frame: %v", u.Name(), err)
				return err
			}

			return u.processAggregation()
		}

		log.Printf("[%s] ⚪ Interruption conditions NOT met - discarding input", u.Name())

		// Not a real barge-in; drop the fragment
		return u.Reset()
	}

	// Bot silent or no strategies configured: always process
	return u.processAggregation()
}

// processAggregation adds the turn to the context and triggers the LLM
func (u *LLMUserAggregator) processAggregation() error {
	text := u.AggregationString()
	log.Printf("[%s] Processing aggregation: '%s'", u.Name(), text)

	if err := u.Reset(); err != nil {
		return err
	}

	u.context.AddUserMessage(text)

	return u.PushContextFrame(frames.Downstream)
}

// shouldInterruptBasedOnStrategies polls the strategies; the first one
// that votes to interrupt wins.
func (u *LLMUserAggregator) shouldInterruptBasedOnStrategies() (bool, error) {
	text := u.AggregationString()

	for _, strategy := range u.InterruptionStrategies() {
		if err := strategy.AppendText(text); err != nil {
			log.Printf("[%s] Error appending text to strategy: %v", u.Name(), err)
			continue
		}

		shouldInterrupt, err := strategy.ShouldInterrupt()
		if err != nil {
			log.Printf("[%s] Error checking strategy: %v", u.Name(), err)
			continue
		}

		if shouldInterrupt {
			log.Printf("[%s] Strategy decided to interrupt", u.Name())

			for _, s := range u.InterruptionStrategies() {
				if err := s.Reset(); err != nil {
					log.Printf("[%s] Error resetting strategy: %v", u.Name(), err)
				}
			}

			return true, nil
		}
	}

	return false, nil
}

// aggregationTaskHandler flushes turns whose final transcription arrived
// after the caller already went quiet.
func (u *LLMUserAggregator) aggregationTaskHandler() {
	timeout := u.params.AggregationTimeout

	for {
		select {
		case <-u.aggregationCtx.Done():
			log.Printf("[%s] Aggregation task stopped", u.Name())
			return

		case <-time.After(timeout):
			if !u.userSpeaking.Load() && u.AggregationLen() > 0 {
				log.Printf("[%s] Aggregation timeout - pushing accumulated text", u.Name())
				if err := u.pushAggregation(); err != nil {
					log.Printf("[%s] Error pushing aggregation on timeout: %v", u.Name(), err)
				}
			}

		case <-u.aggregationEvent:
			// Transcription arrived; the timeout loop picks it up if the
			// caller stays quiet
		}
	}
}

// Reset overrides base Reset to also clear user aggregator state
func (u *LLMUserAggregator) Reset() error {
	u.wasBotSpeaking.Store(false)
	u.seenInterimResults.Store(false)
	u.waitingForAggregation.Store(false)
	return u.LLMContextAggregator.Reset()
}
