package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/processors"
	"github.com/square-key-labs/maqsam-agent/src/services"
)

// LLMService provides language model capabilities using Google Gemini
// through the official genai SDK.
type LLMService struct {
	*processors.BaseProcessor
	apiKey      string
	model       string
	temperature float64
	context     *services.LLMContext
	client      *genai.Client
	ctx         context.Context
	cancel      context.CancelFunc

	// Cancellation for the in-flight generation, armed per response
	genMu     sync.Mutex
	genCancel context.CancelFunc
}

// LLMConfig holds configuration for Gemini
type LLMConfig struct {
	APIKey       string
	Model        string // e.g., "gemini-2.0-flash", "gemini-1.5-pro"
	SystemPrompt string
	Temperature  float64
}

// NewLLMService creates a new Gemini LLM service
func NewLLMService(config LLMConfig) *LLMService {
	gs := &LLMService{
		apiKey:      config.APIKey,
		model:       config.Model,
		temperature: config.Temperature,
		context:     services.NewLLMContext(config.SystemPrompt),
	}
	gs.BaseProcessor = processors.NewBaseProcessor("Gemini", gs)
	return gs
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

	client, err := genai.NewClient(s.ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("failed to create Gemini client: %w", err)
	}
	s.client = client

	log.Printf("[Gemini] Initialized with model %s", s.model)
	return nil
}

func (s *LLMService) Cleanup() error {
	s.cancelGeneration()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// cancelGeneration aborts the in-flight generation, if any
func (s *LLMService) cancelGeneration() {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if s.genCancel != nil {
		s.genCancel()
		s.genCancel = nil
	}
}

func (s *LLMService) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	// LLMContextFrame from the aggregators triggers a generation
	if contextFrame, ok := frame.(*frames.LLMContextFrame); ok {
		if llmContext, ok := contextFrame.Context.(*services.LLMContext); ok {
			log.Printf("[Gemini] Received LLMContextFrame with %d messages", len(llmContext.Messages))

			s.context = llmContext

			s.PushFrame(frames.NewLLMFullResponseStartFrame(), frames.Downstream)

			if err := s.generateResponse(ctx, llmContext); err != nil {
				log.Printf("[Gemini] Error generating response: %v", err)
				s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
			}

			s.PushFrame(frames.NewLLMFullResponseEndFrame(), frames.Downstream)
		}
		return nil
	}

	// Barge-in aborts the stream
	if _, ok := frame.(*frames.InterruptionFrame); ok {
		s.cancelGeneration()
		return s.PushFrame(frame, direction)
	}

	if _, ok := frame.(*frames.EndFrame); ok {
		if err := s.Cleanup(); err != nil {
			log.Printf("[Gemini] Error during cleanup: %v", err)
		}
		return s.PushFrame(frame, direction)
	}

	// Pass all other frames through
	return s.PushFrame(frame, direction)
}

// generateResponse runs one streaming generation. Text parts go
// downstream as they arrive; function calls are collected and emitted
// after the stream ends. The assistant aggregator owns committing the
// response to the context.
func (s *LLMService) generateResponse(ctx context.Context, llmCtx *services.LLMContext) error {
	if s.client == nil {
		log.Printf("[Gemini] Lazy initializing client")
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

	contents, config := s.buildRequest(llmCtx)

	var fullResponse strings.Builder
	var functionCalls []*genai.FunctionCall

	for result, err := range s.client.Models.GenerateContentStream(genCtx, s.model, contents, config) {
		if err != nil {
			if genCtx.Err() != nil {
				log.Printf("[Gemini] Generation cancelled mid-stream")
				return nil
			}
			return fmt.Errorf("gemini stream error: %w", err)
		}

		for _, candidate := range result.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					fullResponse.WriteString(part.Text)
					s.PushFrame(frames.NewLLMTextFrame(part.Text), frames.Downstream)
				}
				if part.FunctionCall != nil {
					functionCalls = append(functionCalls, part.FunctionCall)
				}
			}
		}
	}

	if genCtx.Err() != nil {
		log.Printf("[Gemini] Generation cancelled, dropping partial output")
		return nil
	}

	log.Printf("[Gemini] Assistant response length: %d", fullResponse.Len())

	if len(functionCalls) > 0 {
		s.emitFunctionCalls(functionCalls)
	}

	return nil
}

// emitFunctionCalls announces the function call batch downstream. Gemini
// does not always assign call IDs, so missing ones are synthesized.
func (s *LLMService) emitFunctionCalls(fcs []*genai.FunctionCall) {
	calls := make([]*frames.FunctionCallInProgressFrame, 0, len(fcs))
	for _, fc := range fcs {
		id := fc.ID
		if id == "" {
			id = uuid.New().String()
		}

		args := map[string]interface{}{}
		for k, v := range fc.Args {
			args[k] = v
		}

		log.Printf("[Gemini] Function call: %s (id: %s)", fc.Name, id)
		calls = append(calls, frames.NewFunctionCallInProgressFrame(fc.Name, id, args))
	}

	s.PushFrame(frames.NewFunctionCallsStartedFrame(calls), frames.Downstream)
	for _, call := range calls {
		s.PushFrame(call, frames.Downstream)
	}
}

// buildRequest converts the conversation context into Gemini contents and
// generation config. System messages collapse into the system
// instruction; assistant tool calls and tool responses become
// FunctionCall / FunctionResponse parts.
func (s *LLMService) buildRequest(llmCtx *services.LLMContext) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemParts []string
	if llmCtx.SystemPrompt != "" {
		systemParts = append(systemParts, llmCtx.SystemPrompt)
	}

	contents := []*genai.Content{}

	for _, msg := range llmCtx.Messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, msg.Content)

		case "user":
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: msg.Content}},
			})

		case "assistant":
			if len(msg.ToolCalls) > 0 {
				parts := make([]*genai.Part, 0, len(msg.ToolCalls))
				for _, tc := range msg.ToolCalls {
					args := map[string]any{}
					if tc.Function.Arguments != "" {
						if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
							log.Printf("[Gemini] Malformed stored arguments for %s: %v", tc.Function.Name, err)
						}
					}
					parts = append(parts, &genai.Part{
						FunctionCall: &genai.FunctionCall{
							ID:   tc.ID,
							Name: tc.Function.Name,
							Args: args,
						},
					})
				}
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			} else if msg.Content != "" {
				contents = append(contents, &genai.Content{
					Role:  genai.RoleModel,
					Parts: []*genai.Part{{Text: msg.Content}},
				})
			}

		case "tool":
			name := functionNameForCallID(llmCtx, msg.ToolCallID)

			response := map[string]any{}
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}

			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     name,
						Response: response,
					},
				}},
			})
		}
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(s.temperature)),
	}

	if len(systemParts) > 0 {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(systemParts, "\n\n")}},
		}
	}

	if len(llmCtx.Tools) > 0 {
		declarations := make([]*genai.FunctionDeclaration, 0, len(llmCtx.Tools))
		for _, tool := range llmCtx.Tools {
			declarations = append(declarations, &genai.FunctionDeclaration{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  toGenaiSchema(tool.Function.Parameters),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: declarations}}
	}

	return contents, config
}

// functionNameForCallID finds the function name a tool response belongs
// to by scanning earlier assistant tool calls.
func functionNameForCallID(llmCtx *services.LLMContext, toolCallID string) string {
	for i := len(llmCtx.Messages) - 1; i >= 0; i-- {
		for _, tc := range llmCtx.Messages[i].ToolCalls {
			if tc.ID == toolCallID {
				return tc.Function.Name
			}
		}
	}
	return toolCallID
}

// toGenaiSchema converts a JSON schema fragment into the SDK's schema type
func toGenaiSchema(schema interface{}) *genai.Schema {
	m, ok := schema.(map[string]interface{})
	if !ok {
		return nil
	}

	out := &genai.Schema{}

	if t, ok := m["type"].(string); ok {
		switch t {
		case "object":
			out.Type = genai.TypeObject
		case "string":
			out.Type = genai.TypeString
		case "number":
			out.Type = genai.TypeNumber
		case "integer":
			out.Type = genai.TypeInteger
		case "boolean":
			out.Type = genai.TypeBoolean
		case "array":
			out.Type = genai.TypeArray
		}
	}

	if d, ok := m["description"].(string); ok {
		out.Description = d
	}

	if props, ok := m["properties"].(map[string]interface{}); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if sub := toGenaiSchema(prop); sub != nil {
				out.Properties[name] = sub
			}
		}
	}

	if required, ok := m["required"].([]interface{}); ok {
		for _, r := range required {
			if name, ok := r.(string); ok {
				out.Required = append(out.Required, name)
			}
		}
	}

	if items, ok := m["items"].(map[string]interface{}); ok {
		out.Items = toGenaiSchema(items)
	}

	return out
}
