package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/processors"
	"github.com/square-key-labs/maqsam-agent/src/services"
)

const chatCompletionsURL = "https://api.openai.com/v1/chat/completions"

// LLMService provides language model capabilities using OpenAI
type LLMService struct {
	*processors.BaseProcessor
	apiKey      string
	model       string
	temperature float64
	context     *services.LLMContext
	ctx         context.Context
	cancel      context.CancelFunc

	// Cancellation for the in-flight completion, armed per generation
	genMu     sync.Mutex
	genCancel context.CancelFunc
}

// LLMConfig holds configuration for OpenAI
type LLMConfig struct {
	APIKey       string
	Model        string // e.g., "gpt-4o", "gpt-4o-mini"
	SystemPrompt string
	Temperature  float64
}

// NewLLMService creates a new OpenAI LLM service
func NewLLMService(config LLMConfig) *LLMService {
	os := &LLMService{
		apiKey:      config.APIKey,
		model:       config.Model,
		temperature: config.Temperature,
		context:     services.NewLLMContext(config.SystemPrompt),
	}
	os.BaseProcessor = processors.NewBaseProcessor("OpenAI", os)
	return os
}

func (s *LLMService) SetModel(model string) {
	s.model = model
}

func (s *LLMService) SetSystemPrompt(prompt string) {
	s.context.SystemPrompt = prompt
}

func (s *LLMService) SetTemperature(temp float64) {
	s.temperature = temp
}

func (s *LLMService) AddMessage(role, content string) {
	s.context.Messages = append(s.context.Messages, services.LLMMessage{
		Role:    role,
		Content: content,
	})
}

func (s *LLMService) ClearContext() {
	s.context.Clear()
}

func (s *LLMService) Initialize(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	log.Printf("[OpenAI] Initialized with model %s", s.model)
	return nil
}

func (s *LLMService) Cleanup() error {
	s.cancelGeneration()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// cancelGeneration aborts the in-flight completion, if any
func (s *LLMService) cancelGeneration() {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if s.genCancel != nil {
		s.genCancel()
		s.genCancel = nil
	}
}

func (s *LLMService) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	// LLMContextFrame from the aggregators triggers a completion
	if contextFrame, ok := frame.(*frames.LLMContextFrame); ok {
		if llmContext, ok := contextFrame.Context.(*services.LLMContext); ok {
			log.Printf("[OpenAI] Received LLMContextFrame with %d messages", len(llmContext.Messages))

			s.context = llmContext

			s.PushFrame(frames.NewLLMFullResponseStartFrame(), frames.Downstream)

			if err := s.generateResponseFromContext(ctx, llmContext); err != nil {
				log.Printf("[OpenAI] Error generating response: %v", err)
				s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
			}

			s.PushFrame(frames.NewLLMFullResponseEndFrame(), frames.Downstream)
		}
		return nil
	}

	// Final transcriptions drive the LLM directly in pipelines without a
	// user aggregator. The aggregated context path above is the primary
	// mode; with an aggregator in front, transcriptions never reach here.
	if transcriptionFrame, ok := frame.(*frames.TranscriptionFrame); ok {
		if transcriptionFrame.IsFinal {
			s.context.AddUserMessage(transcriptionFrame.Text)
			log.Printf("[OpenAI] User: %s", transcriptionFrame.Text)

			s.PushFrame(frames.NewLLMFullResponseStartFrame(), frames.Downstream)

			if err := s.generateResponseFromContext(ctx, s.context); err != nil {
				log.Printf("[OpenAI] Error generating response: %v", err)
				s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
			}

			s.PushFrame(frames.NewLLMFullResponseEndFrame(), frames.Downstream)
		}
		return nil
	}

	// Barge-in aborts the stream; anything unsent belongs to a turn the
	// caller talked over
	if _, ok := frame.(*frames.InterruptionFrame); ok {
		s.cancelGeneration()
		return s.PushFrame(frame, direction)
	}

	if _, ok := frame.(*frames.EndFrame); ok {
		if err := s.Cleanup(); err != nil {
			log.Printf("[OpenAI] Error during cleanup: %v", err)
		}
		return s.PushFrame(frame, direction)
	}

	// Pass all other frames through
	return s.PushFrame(frame, direction)
}

// toolCallBuilder accumulates one streamed tool call. OpenAI spreads the
// id, name and argument JSON across many deltas keyed by index.
type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

// generateResponseFromContext runs one streaming completion against the
// provided context. Text deltas go downstream as they arrive; tool calls
// are accumulated and emitted once the stream ends. The assistant
// aggregator owns committing the response to the context.
func (s *LLMService) generateResponseFromContext(ctx context.Context, llmCtx *services.LLMContext) error {
	if s.ctx == nil {
		if err := s.Initialize(ctx); err != nil {
			return err
		}
	}

	genCtx, genCancel := context.WithCancel(s.ctx)
	s.genMu.Lock()
	s.genCancel = genCancel
	s.genMu.Unlock()
	defer func() {
		s.genMu.Lock()
		if s.genCancel != nil {
			s.genCancel()
			s.genCancel = nil
		}
		s.genMu.Unlock()
	}()

	requestBody := s.buildRequestBody(llmCtx)

	bodyBytes, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(genCtx, "POST", chatCompletionsURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.apiKey))
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		if genCtx.Err() != nil {
			log.Printf("[OpenAI] Generation cancelled")
			return nil
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("OpenAI API error: %s", string(body))
	}

	var fullResponse strings.Builder
	var toolCalls []*toolCallBuilder
	scanner := bufio.NewScanner(resp.Body)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var streamResp struct {
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Type     string `json:"type"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
			} `json:"choices"`
		}

		if err := json.Unmarshal([]byte(data), &streamResp); err != nil {
			continue
		}

		if len(streamResp.Choices) == 0 {
			continue
		}

		delta := streamResp.Choices[0].Delta

		if delta.Content != "" {
			fullResponse.WriteString(delta.Content)
			textFrame := frames.NewTextFrame(delta.Content)
			s.PushFrame(textFrame, frames.Downstream)
		}

		for _, tc := range delta.ToolCalls {
			for len(toolCalls) <= tc.Index {
				toolCalls = append(toolCalls, &toolCallBuilder{})
			}
			builder := toolCalls[tc.Index]
			if tc.ID != "" {
				builder.id = tc.ID
			}
			if tc.Function.Name != "" {
				builder.name = tc.Function.Name
			}
			builder.args.WriteString(tc.Function.Arguments)
		}
	}

	if err := scanner.Err(); err != nil {
		if genCtx.Err() != nil {
			log.Printf("[OpenAI] Generation cancelled mid-stream")
			return nil
		}
		return err
	}

	if genCtx.Err() != nil {
		log.Printf("[OpenAI] Generation cancelled, dropping partial output")
		return nil
	}

	if response := fullResponse.String(); response != "" {
		log.Printf("[OpenAI] Assistant: %s", response)
	}

	if len(toolCalls) > 0 {
		s.emitFunctionCalls(toolCalls)
	}

	return nil
}

// emitFunctionCalls announces the completed tool call batch downstream
func (s *LLMService) emitFunctionCalls(builders []*toolCallBuilder) {
	calls := make([]*frames.FunctionCallInProgressFrame, 0, len(builders))
	for _, b := range builders {
		if b.name == "" {
			continue
		}

		var args interface{}
		if raw := b.args.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				log.Printf("[OpenAI] Malformed arguments for %s: %v", b.name, err)
				args = map[string]interface{}{}
			}
		} else {
			args = map[string]interface{}{}
		}

		log.Printf("[OpenAI] Tool call: %s (id: %s)", b.name, b.id)
		calls = append(calls, frames.NewFunctionCallInProgressFrame(b.name, b.id, args))
	}

	if len(calls) == 0 {
		return
	}

	s.PushFrame(frames.NewFunctionCallsStartedFrame(calls), frames.Downstream)
	for _, call := range calls {
		s.PushFrame(call, frames.Downstream)
	}
}

// buildRequestBody assembles the chat completions payload, including the
// tool call and tool response messages accumulated in the context
func (s *LLMService) buildRequestBody(llmCtx *services.LLMContext) map[string]interface{} {
	messages := []map[string]interface{}{}

	if llmCtx.SystemPrompt != "" {
		messages = append(messages, map[string]interface{}{
			"role":    "system",
			"content": llmCtx.SystemPrompt,
		})
	}

	for _, msg := range llmCtx.Messages {
		message := map[string]interface{}{
			"role": msg.Role,
		}

		if msg.Content != "" {
			message["content"] = msg.Content
		}

		if len(msg.ToolCalls) > 0 {
			toolCalls := []map[string]interface{}{}
			for _, tc := range msg.ToolCalls {
				toolCalls = append(toolCalls, map[string]interface{}{
					"id":   tc.ID,
					"type": tc.Type,
					"function": map[string]interface{}{
						"name":      tc.Function.Name,
						"arguments": tc.Function.Arguments,
					},
				})
			}
			message["tool_calls"] = toolCalls
		}

		if msg.ToolCallID != "" {
			message["tool_call_id"] = msg.ToolCallID
		}

		messages = append(messages, message)
	}

	requestBody := map[string]interface{}{
		"model":       s.model,
		"messages":    messages,
		"temperature": s.temperature,
		"stream":      true,
	}

	if len(llmCtx.Tools) > 0 {
		tools := []map[string]interface{}{}
		for _, tool := range llmCtx.Tools {
			tools = append(tools, map[string]interface{}{
				"type": tool.Type,
				"function": map[string]interface{}{
					"name":        tool.Function.Name,
					"description": tool.Function.Description,
					"parameters":  tool.Function.Parameters,
				},
			})
		}
		requestBody["tools"] = tools

		if llmCtx.ToolChoice != nil {
			requestBody["tool_choice"] = llmCtx.ToolChoice
		}
	}

	return requestBody
}
