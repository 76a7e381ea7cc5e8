package frames

import "fmt"

// DataFrame is the base for ordered data frames (audio, text, transcriptions)
type DataFrame struct {
	*BaseFrame
}

func (f *DataFrame) Category() FrameCategory {
	return DataCategory
}

// AudioFrame carries raw caller audio through the pipeline. Data holds
// the samples in the wire codec (mulaw/alaw bytes or 16-bit little-endian
// PCM); the codec travels in frame metadata under "codec".
type AudioFrame struct {
	*DataFrame
	Data       []byte
	SampleRate int
	Channels   int
}

func NewAudioFrame(data []byte, sampleRate, channels int) *AudioFrame {
	return &AudioFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("AudioFrame"),
		},
		Data:       data,
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

func (f *AudioFrame) String() string {
	return fmt.Sprintf("%s[id=%d, %d bytes @ %dHz]", f.Name(), f.ID(), len(f.Data), f.SampleRate)
}

// TTSAudioFrame carries synthesized bot audio toward the transport
type TTSAudioFrame struct {
	*DataFrame
	Data       []byte
	SampleRate int
	Channels   int
}

func NewTTSAudioFrame(data []byte, sampleRate, channels int) *TTSAudioFrame {
	return &TTSAudioFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("TTSAudioFrame"),
		},
		Data:       data,
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

func (f *TTSAudioFrame) String() string {
	return fmt.Sprintf("%s[id=%d, %d bytes @ %dHz]", f.Name(), f.ID(), len(f.Data), f.SampleRate)
}

// TextFrame carries a chunk of text, e.g. streamed LLM tokens on their
// way to TTS
type TextFrame struct {
	*DataFrame
	Text string
}

func NewTextFrame(text string) *TextFrame {
	return &TextFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("TextFrame"),
		},
		Text: text,
	}
}

// TranscriptionFrame carries STT output. Interim results stream with
// IsFinal=false and are superseded by the final transcription.
type TranscriptionFrame struct {
	*DataFrame
	Text    string
	IsFinal bool
}

func NewTranscriptionFrame(text string, isFinal bool) *TranscriptionFrame {
	return &TranscriptionFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("TranscriptionFrame"),
		},
		Text:    text,
		IsFinal: isFinal,
	}
}

// LLMTextFrame carries LLM output produced outside a context aggregation
// cycle (direct transcription-to-response mode)
type LLMTextFrame struct {
	*DataFrame
	Text string
}

func NewLLMTextFrame(text string) *LLMTextFrame {
	return &LLMTextFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("LLMTextFrame"),
		},
		Text: text,
	}
}

// LLMContextFrame carries a conversation context to or from an LLM
// service. Context is *services.LLMContext; it stays untyped here to
// keep frames free of service imports.
type LLMContextFrame struct {
	*DataFrame
	Context interface{}
}

func NewLLMContextFrame(context interface{}) *LLMContextFrame {
	return &LLMContextFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("LLMContextFrame"),
		},
		Context: context,
	}
}

// LLMMessagesAppendFrame appends messages to the conversation context.
// Messages is []services.LLMMessage. When RunLLM is set the aggregator
// triggers a new LLM turn after appending.
type LLMMessagesAppendFrame struct {
	*DataFrame
	Messages interface{}
	RunLLM   bool
}

func NewLLMMessagesAppendFrame(messages interface{}, runLLM bool) *LLMMessagesAppendFrame {
	return &LLMMessagesAppendFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("LLMMessagesAppendFrame"),
		},
		Messages: messages,
		RunLLM:   runLLM,
	}
}

// LLMMessagesUpdateFrame replaces the conversation context messages.
// Messages is []services.LLMMessage.
type LLMMessagesUpdateFrame struct {
	*DataFrame
	Messages interface{}
	RunLLM   bool
}

func NewLLMMessagesUpdateFrame(messages interface{}, runLLM bool) *LLMMessagesUpdateFrame {
	return &LLMMessagesUpdateFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("LLMMessagesUpdateFrame"),
		},
		Messages: messages,
		RunLLM:   runLLM,
	}
}

// FunctionCallInProgressFrame reports a single tool call the LLM has
// requested. Arguments holds the parsed JSON arguments.
type FunctionCallInProgressFrame struct {
	*DataFrame
	FunctionName         string
	ToolCallID           string
	Arguments            interface{}
	CancelOnInterruption bool
}

func NewFunctionCallInProgressFrame(functionName, toolCallID string, arguments interface{}) *FunctionCallInProgressFrame {
	return &FunctionCallInProgressFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("FunctionCallInProgressFrame"),
		},
		FunctionName: functionName,
		ToolCallID:   toolCallID,
		Arguments:    arguments,
	}
}

// FunctionCallsStartedFrame announces the batch of tool calls in an LLM
// response before the individual in-progress frames follow.
type FunctionCallsStartedFrame struct {
	*DataFrame
	FunctionCalls []*FunctionCallInProgressFrame
}

func NewFunctionCallsStartedFrame(calls []*FunctionCallInProgressFrame) *FunctionCallsStartedFrame {
	return &FunctionCallsStartedFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("FunctionCallsStartedFrame"),
		},
		FunctionCalls: calls,
	}
}

// FunctionCallResultFrame carries the outcome of an executed tool call.
// RunLLM overrides the default decision on whether to start another LLM
// turn with the result; nil means decide automatically.
type FunctionCallResultFrame struct {
	*DataFrame
	FunctionName string
	ToolCallID   string
	Result       interface{}
	RunLLM       *bool
}

func NewFunctionCallResultFrame(functionName, toolCallID string, result interface{}) *FunctionCallResultFrame {
	return &FunctionCallResultFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("FunctionCallResultFrame"),
		},
		FunctionName: functionName,
		ToolCallID:   toolCallID,
		Result:       result,
	}
}

// FunctionCallCancelFrame cancels a pending tool call, typically because
// the caller interrupted before it finished.
type FunctionCallCancelFrame struct {
	*DataFrame
	FunctionName string
	ToolCallID   string
}

func NewFunctionCallCancelFrame(functionName, toolCallID string) *FunctionCallCancelFrame {
	return &FunctionCallCancelFrame{
		DataFrame: &DataFrame{
			BaseFrame: NewBaseFrame("FunctionCallCancelFrame"),
		},
		FunctionName: functionName,
		ToolCallID:   toolCallID,
	}
}
