package gemini

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/processors"
	"github.com/square-key-labs/maqsam-agent/src/services"
)

type frameCapture struct {
	*processors.BaseProcessor
	mu       sync.Mutex
	captured []frames.Frame
}

func newFrameCapture(name string) *frameCapture {
	c := &frameCapture{}
	c.BaseProcessor = processors.NewBaseProcessor(name, c)
	return c
}

func (c *frameCapture) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	c.mu.Lock()
	c.captured = append(c.captured, frame)
	c.mu.Unlock()
	return nil
}

func (c *frameCapture) waitCount(t *testing.T, timeout time.Duration, want int) []frames.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := len(c.captured)
		c.mu.Unlock()
		if n >= want {
			c.mu.Lock()
			out := make([]frames.Frame, n)
			copy(out, c.captured)
			c.mu.Unlock()
			return out
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("captured fewer than %d frames within %v", want, timeout)
	return nil
}

func TestToGenaiSchema(t *testing.T) {
	schema := map[string]interface{}{
		"type":        "object",
		"description": "Redirect parameters",
		"properties": map[string]interface{}{
			"destination": map[string]interface{}{
				"type":        "string",
				"description": "Department to route the call to",
			},
			"priority": map[string]interface{}{"type": "integer"},
			"tags": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "string"},
			},
		},
		"required": []interface{}{"destination"},
	}

	out := toGenaiSchema(schema)
	if out == nil {
		t.Fatal("got nil schema")
	}
	if out.Type != genai.TypeObject || out.Description != "Redirect parameters" {
		t.Errorf("root schema = %+v", out)
	}
	if len(out.Properties) != 3 {
		t.Fatalf("got %d properties, want 3", len(out.Properties))
	}
	dest := out.Properties["destination"]
	if dest.Type != genai.TypeString || dest.Description != "Department to route the call to" {
		t.Errorf("destination schema = %+v", dest)
	}
	if out.Properties["priority"].Type != genai.TypeInteger {
		t.Errorf("priority type = %v", out.Properties["priority"].Type)
	}
	tags := out.Properties["tags"]
	if tags.Type != genai.TypeArray || tags.Items == nil || tags.Items.Type != genai.TypeString {
		t.Errorf("tags schema = %+v", tags)
	}
	if len(out.Required) != 1 || out.Required[0] != "destination" {
		t.Errorf("required = %v", out.Required)
	}

	if got := toGenaiSchema("not a schema"); got != nil {
		t.Errorf("non-map input produced %+v", got)
	}
	if got := toGenaiSchema(nil); got != nil {
		t.Errorf("nil input produced %+v", got)
	}
}

func TestBuildRequest(t *testing.T) {
	llmCtx := services.NewLLMContext("You are a Maqsam voice agent.")
	llmCtx.AddSystemMessage("Keep answers under two sentences.")
	llmCtx.AddUserMessage("Where are your offices?")
	llmCtx.AddAssistantMessage("We are in Amman.")
	llmCtx.AddMessageWithToolCalls([]services.ToolCall{
		{
			ID:   "call-1",
			Type: "function",
			Function: services.FunctionCall{
				Name:      services.TransferCallToolName,
				Arguments: `{"reason":"caller asked for a person"}`,
			},
		},
	})
	llmCtx.AddToolMessage("call-1", `{"status":"completed"}`)
	llmCtx.SetTools(services.CallControlTools())

	s := NewLLMService(LLMConfig{Model: "gemini-2.0-flash", Temperature: 0.3})
	contents, config := s.buildRequest(llmCtx)

	// System prompt and mid-conversation system messages collapse into
	// the instruction, so only four turns remain.
	if len(contents) != 4 {
		t.Fatalf("got %d contents, want 4", len(contents))
	}
	if contents[0].Role != genai.RoleUser || contents[0].Parts[0].Text != "Where are your offices?" {
		t.Errorf("user turn = %+v", contents[0])
	}
	if contents[1].Role != genai.RoleModel || contents[1].Parts[0].Text != "We are in Amman." {
		t.Errorf("assistant turn = %+v", contents[1])
	}

	fc := contents[2].Parts[0].FunctionCall
	if contents[2].Role != genai.RoleModel || fc == nil {
		t.Fatalf("tool call turn = %+v", contents[2])
	}
	if fc.ID != "call-1" || fc.Name != services.TransferCallToolName {
		t.Errorf("function call = %+v", fc)
	}
	if fc.Args["reason"] != "caller asked for a person" {
		t.Errorf("function call args = %v", fc.Args)
	}

	fr := contents[3].Parts[0].FunctionResponse
	if contents[3].Role != genai.RoleUser || fr == nil {
		t.Fatalf("tool response turn = %+v", contents[3])
	}
	if fr.ID != "call-1" || fr.Name != services.TransferCallToolName {
		t.Errorf("function response = %+v", fr)
	}
	if fr.Response["status"] != "completed" {
		t.Errorf("function response payload = %v", fr.Response)
	}

	if config.Temperature == nil || *config.Temperature != float32(0.3) {
		t.Errorf("temperature = %v", config.Temperature)
	}
	if config.SystemInstruction == nil {
		t.Fatal("system instruction missing")
	}
	instruction := config.SystemInstruction.Parts[0].Text
	if instruction != "You are a Maqsam voice agent.\n\nKeep answers under two sentences." {
		t.Errorf("system instruction = %q", instruction)
	}

	if len(config.Tools) != 1 || len(config.Tools[0].FunctionDeclarations) != 2 {
		t.Fatalf("tools = %+v", config.Tools)
	}
	decl := config.Tools[0].FunctionDeclarations[0]
	if decl.Name != services.TransferCallToolName || decl.Parameters == nil {
		t.Fatalf("first declaration = %+v", decl)
	}
	if decl.Parameters.Type != genai.TypeObject || decl.Parameters.Properties["reason"].Type != genai.TypeString {
		t.Errorf("declaration parameters = %+v", decl.Parameters)
	}
}

func TestBuildRequestMinimal(t *testing.T) {
	llmCtx := services.NewLLMContext("")
	llmCtx.AddAssistantMessage("")

	s := NewLLMService(LLMConfig{Model: "gemini-2.0-flash"})
	contents, config := s.buildRequest(llmCtx)

	// Empty assistant turns carry nothing worth sending
	if len(contents) != 0 {
		t.Errorf("got %d contents, want none", len(contents))
	}
	if config.SystemInstruction != nil {
		t.Errorf("system instruction = %+v", config.SystemInstruction)
	}
	if len(config.Tools) != 0 {
		t.Errorf("tools = %+v", config.Tools)
	}
}

func TestBuildRequestToolResponseFallback(t *testing.T) {
	llmCtx := services.NewLLMContext("")
	llmCtx.AddToolMessage("orphan-7", "connection dropped")

	s := NewLLMService(LLMConfig{Model: "gemini-2.0-flash"})
	contents, _ := s.buildRequest(llmCtx)

	if len(contents) != 1 {
		t.Fatalf("got %d contents, want 1", len(contents))
	}
	fr := contents[0].Parts[0].FunctionResponse
	if fr == nil {
		t.Fatalf("tool response turn = %+v", contents[0])
	}
	// No earlier call matches, so the ID doubles as the name and the
	// non-JSON payload is wrapped
	if fr.Name != "orphan-7" {
		t.Errorf("fallback name = %q", fr.Name)
	}
	if fr.Response["result"] != "connection dropped" {
		t.Errorf("wrapped payload = %v", fr.Response)
	}
}

func TestEmitFunctionCallsSynthesizesIDs(t *testing.T) {
	s := NewLLMService(LLMConfig{Model: "gemini-2.0-flash"})
	capture := newFrameCapture("Capture")
	s.Link(capture)
	if err := capture.Start(context.Background()); err != nil {
		t.Fatalf("start capture: %v", err)
	}
	t.Cleanup(func() { capture.Stop() })

	s.emitFunctionCalls([]*genai.FunctionCall{
		{ID: "call-7", Name: services.TransferCallToolName, Args: map[string]any{"reason": "escalation"}},
		{Name: services.EndCallToolName, Args: map[string]any{"reason": "resolved"}},
	})

	got := capture.waitCount(t, 2*time.Second, 3)
	started, ok := got[0].(*frames.FunctionCallsStartedFrame)
	if !ok {
		t.Fatalf("first frame = %T, want FunctionCallsStartedFrame", got[0])
	}
	if len(started.FunctionCalls) != 2 {
		t.Fatalf("announced %d calls, want 2", len(started.FunctionCalls))
	}

	first, ok := got[1].(*frames.FunctionCallInProgressFrame)
	if !ok {
		t.Fatalf("second frame = %T", got[1])
	}
	if first.ToolCallID != "call-7" || first.FunctionName != services.TransferCallToolName {
		t.Errorf("first call = %s (%s)", first.FunctionName, first.ToolCallID)
	}
	args, ok := first.Arguments.(map[string]interface{})
	if !ok || args["reason"] != "escalation" {
		t.Errorf("first call arguments = %+v", first.Arguments)
	}

	second, ok := got[2].(*frames.FunctionCallInProgressFrame)
	if !ok {
		t.Fatalf("third frame = %T", got[2])
	}
	if second.FunctionName != services.EndCallToolName {
		t.Errorf("second call = %s", second.FunctionName)
	}
	// Gemini omitted the ID, so one was synthesized
	if second.ToolCallID == "" || second.ToolCallID == first.ToolCallID {
		t.Errorf("synthesized id = %q", second.ToolCallID)
	}
}
