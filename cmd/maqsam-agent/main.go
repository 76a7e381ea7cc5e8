package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/square-key-labs/maqsam-agent/src/audio/vad"
	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/interruptions"
	"github.com/square-key-labs/maqsam-agent/src/logger"
	"github.com/square-key-labs/maqsam-agent/src/pipeline"
	"github.com/square-key-labs/maqsam-agent/src/processors"
	"github.com/square-key-labs/maqsam-agent/src/processors/aggregators"
	"github.com/square-key-labs/maqsam-agent/src/serializers"
	"github.com/square-key-labs/maqsam-agent/src/services"
	"github.com/square-key-labs/maqsam-agent/src/services/cartesia"
	"github.com/square-key-labs/maqsam-agent/src/services/deepgram"
	"github.com/square-key-labs/maqsam-agent/src/services/elevenlabs"
	"github.com/square-key-labs/maqsam-agent/src/services/gemini"
	"github.com/square-key-labs/maqsam-agent/src/services/openai"
	"github.com/square-key-labs/maqsam-agent/src/transports"
)

const defaultSystemPrompt = `You are a helpful customer support voice agent on a live phone call.
Keep responses brief and conversational; everything you write is spoken aloud to the caller.
If the caller asks for a human agent, tell them you are transferring the call and use the transfer_call function.
When the conversation has clearly concluded, say goodbye and use the end_call function.`

type appConfig struct {
	host      string
	port      int
	path      string
	authToken string

	llmProvider string // "openai" or "gemini"
	ttsProvider string // "elevenlabs" or "cartesia"

	deepgramKey      string
	deepgramLanguage string

	openaiKey   string
	openaiModel string

	geminiKey   string
	geminiModel string

	elevenLabsKey   string
	elevenLabsVoice string

	cartesiaKey   string
	cartesiaVoice string

	systemPrompt      string
	minInterruptWords int
	debugFrames       bool
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadConfig() (*appConfig, error) {
	cfg := &appConfig{
		host:      envOr("HOST", "0.0.0.0"),
		path:      envOr("WS_PATH", "/"),
		authToken: envOr("MAQSAM_AUTH_TOKEN", "2BUrGJJPmN7WvNzEtDmD"),

		llmProvider: strings.ToLower(envOr("LLM_PROVIDER", "openai")),
		ttsProvider: strings.ToLower(envOr("TTS_PROVIDER", "elevenlabs")),

		deepgramKey:      os.Getenv("DEEPGRAM_API_KEY"),
		deepgramLanguage: envOr("DEEPGRAM_LANGUAGE", "en"),

		openaiKey:   os.Getenv("OPENAI_API_KEY"),
		openaiModel: envOr("OPENAI_MODEL", "gpt-4o-mini"),

		geminiKey:   os.Getenv("GEMINI_API_KEY"),
		geminiModel: envOr("GEMINI_MODEL", "gemini-2.0-flash"),

		elevenLabsKey:   os.Getenv("ELEVENLABS_API_KEY"),
		elevenLabsVoice: envOr("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),

		cartesiaKey:   os.Getenv("CARTESIA_API_KEY"),
		cartesiaVoice: envOr("CARTESIA_VOICE_ID", "a0e99841-438c-4a64-b679-ae501e7d6091"),

		systemPrompt: envOr("SYSTEM_PROMPT", defaultSystemPrompt),
	}

	port, err := strconv.Atoi(envOr("PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	cfg.port = port

	minWords, err := strconv.Atoi(envOr("INTERRUPTION_MIN_WORDS", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid INTERRUPTION_MIN_WORDS: %w", err)
	}
	cfg.minInterruptWords = minWords

	cfg.debugFrames, _ = strconv.ParseBool(envOr("DEBUG_FRAMES", "false"))

	if cfg.deepgramKey == "" {
		return nil, fmt.Errorf("DEEPGRAM_API_KEY is required")
	}

	switch cfg.llmProvider {
	case "openai":
		if cfg.openaiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when LLM_PROVIDER=openai")
		}
	case "gemini":
		if cfg.geminiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required when LLM_PROVIDER=gemini")
		}
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q (want openai or gemini)", cfg.llmProvider)
	}

	switch cfg.ttsProvider {
	case "elevenlabs":
		if cfg.elevenLabsKey == "" {
			return nil, fmt.Errorf("ELEVENLABS_API_KEY is required when TTS_PROVIDER=elevenlabs")
		}
	case "cartesia":
		if cfg.cartesiaKey == "" {
			return nil, fmt.Errorf("CARTESIA_API_KEY is required when TTS_PROVIDER=cartesia")
		}
	default:
		return nil, fmt.Errorf("unknown TTS_PROVIDER %q (want elevenlabs or cartesia)", cfg.ttsProvider)
	}

	return cfg, nil
}

func newLLMService(cfg *appConfig) (processors.FrameProcessor, error) {
	switch cfg.llmProvider {
	case "openai":
		return openai.NewLLMService(openai.LLMConfig{
			APIKey:       cfg.openaiKey,
			Model:        cfg.openaiModel,
			SystemPrompt: cfg.systemPrompt,
			Temperature:  0.7,
		}), nil
	case "gemini":
		return gemini.NewLLMService(gemini.LLMConfig{
			APIKey:       cfg.geminiKey,
			Model:        cfg.geminiModel,
			SystemPrompt: cfg.systemPrompt,
			Temperature:  0.7,
		}), nil
	}
	return nil, fmt.Errorf("unknown LLM provider %q", cfg.llmProvider)
}

func newTTSService(cfg *appConfig) (processors.FrameProcessor, error) {
	// Output format is left unset so both services adopt the session
	// codec from session.setup (mulaw at 8kHz)
	switch cfg.ttsProvider {
	case "elevenlabs":
		return elevenlabs.NewTTSService(elevenlabs.TTSConfig{
			APIKey:       cfg.elevenLabsKey,
			VoiceID:      cfg.elevenLabsVoice,
			Model:        "eleven_turbo_v2",
			UseStreaming: true,
		}), nil
	case "cartesia":
		return cartesia.NewTTSService(cartesia.TTSConfig{
			APIKey:  cfg.cartesiaKey,
			VoiceID: cfg.cartesiaVoice,
		}), nil
	}
	return nil, fmt.Errorf("unknown TTS provider %q", cfg.ttsProvider)
}

// newDebugLogger builds a frame logger that skips the high-rate audio
// frames so the debug stream stays readable. It emits at debug level,
// so DEBUG_FRAMES=true only shows output together with LOG_LEVEL=debug.
func newDebugLogger(prefix string) *processors.FrameLogger {
	return processors.NewFrameLogger(processors.FrameLoggerConfig{
		Prefix:       prefix,
		LogDirection: true,
		IgnoredFrameTypes: []frames.Frame{
			&frames.AudioFrame{},
			&frames.TTSAudioFrame{},
		},
	})
}

// buildCallPipeline assembles a fresh processing chain for one call:
// VAD, speech-to-text, context aggregation, the LLM, call control and
// text-to-speech. Every component here holds per-call state.
func buildCallPipeline(cfg *appConfig, input processors.FrameProcessor, output processors.FrameProcessor) (*pipeline.PipelineTask, error) {
	analyzer, err := vad.NewEnergyVADAnalyzer(8000, vad.DefaultVADParams())
	if err != nil {
		return nil, fmt.Errorf("vad analyzer: %w", err)
	}
	vadInput := vad.NewVADInputProcessor(analyzer)

	stt := deepgram.NewSTTService(deepgram.STTConfig{
		APIKey:   cfg.deepgramKey,
		Language: cfg.deepgramLanguage,
		Model:    "nova-2",
	})

	llmContext := services.NewLLMContext(cfg.systemPrompt)
	llmContext.SetTools(services.CallControlTools())

	userAgg := aggregators.NewLLMUserAggregator(llmContext, nil)
	assistantAgg := aggregators.NewLLMAssistantAggregator(llmContext, nil)

	llm, err := newLLMService(cfg)
	if err != nil {
		return nil, err
	}

	tts, err := newTTSService(cfg)
	if err != nil {
		return nil, err
	}

	callTools := services.NewCallToolProcessor()
	transcript := processors.NewTranscriptLogProcessor()

	procs := []processors.FrameProcessor{input, vadInput}
	if cfg.debugFrames {
		procs = append(procs, newDebugLogger("In"))
	}
	procs = append(procs, stt, userAgg, llm, callTools, assistantAgg, transcript)
	if cfg.debugFrames {
		procs = append(procs, newDebugLogger("Out"))
	}
	procs = append(procs, tts, output)

	pipe := pipeline.NewPipeline(procs)

	var strategies []interruptions.InterruptionStrategy
	if cfg.minInterruptWords > 0 {
		strategies = append(strategies, interruptions.NewMinWordsInterruptionStrategy(cfg.minInterruptWords))
	}

	task := pipeline.NewPipelineTaskWithConfig(pipe, &pipeline.PipelineTaskConfig{
		AllowInterruptions:     true,
		InterruptionStrategies: strategies,
	})

	task.OnError(func(err error) {
		logger.Error("[Main] Pipeline error: %v", err)
	})

	return task, nil
}

func main() {
	// .env is optional; deployments usually set the environment directly
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment")
	}
	logger.Init()

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("[Main] Configuration error: %v", err)
		os.Exit(1)
	}

	transport := transports.NewWebSocketTransport(transports.WebSocketConfig{
		Host:      cfg.host,
		Port:      cfg.port,
		Path:      cfg.path,
		AuthToken: cfg.authToken,
		NewSerializer: func() serializers.FrameSerializer {
			return serializers.NewMaqsamFrameSerializer(cfg.authToken)
		},
		BuildPipeline: func(input, output processors.FrameProcessor) (*pipeline.PipelineTask, error) {
			return buildCallPipeline(cfg, input, output)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("[Main] Shutting down")
		cancel()
	}()

	logger.Info("[Main] Voice agent starting on %s:%d%s (stt=deepgram, llm=%s, tts=%s)",
		cfg.host, cfg.port, cfg.path, cfg.llmProvider, cfg.ttsProvider)

	if err := transport.Start(ctx); err != nil {
		logger.Error("[Main] Transport error: %v", err)
		os.Exit(1)
	}

	logger.Info("[Main] Stopped")
}
