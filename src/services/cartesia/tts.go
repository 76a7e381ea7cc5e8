package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/processors"
)

// GenerationConfig holds Cartesia Sonic-3 generation parameters
type GenerationConfig struct {
	Volume  float64 `json:"volume,omitempty"`  // Volume multiplier [0.5, 2.0], default 1.0
	Speed   float64 `json:"speed,omitempty"`   // Speed multiplier [0.6, 1.5], default 1.0
	Emotion string  `json:"emotion,omitempty"` // Emotion guidance: neutral, angry, excited, etc.
}

// WordTimestamp represents a word with its playback timing
type WordTimestamp struct {
	Word      string
	StartTime float64 // Start time in seconds
}

// AudioContext tracks synthesis output for one Cartesia context
type AudioContext struct {
	ID              string
	AudioFrames     []*frames.TTSAudioFrame
	WordTimestamps  []WordTimestamp
	TotalAudioBytes int
	StartTime       time.Time
}

// TTSService provides text-to-speech using Cartesia.
//
// Context lifecycle: each response synthesizes under a fresh context_id.
// An InterruptionFrame cancels the active context server-side so stale
// audio never reaches the caller; contexts also auto-expire 5 seconds
// after their last input.
type TTSService struct {
	*processors.BaseProcessor
	apiKey             string
	voiceID            string
	model              string
	cartesiaVersion    string
	language           string
	sampleRate         int
	encoding           string
	container          string
	generationConfig   *GenerationConfig
	aggregateSentences bool
	conn               *websocket.Conn
	connMu             sync.Mutex // Protects concurrent WebSocket writes
	ctx                context.Context
	cancel             context.CancelFunc
	codecDetected      bool
	contextID          string

	// Sentence aggregation
	textBuffer strings.Builder

	// Audio context management
	audioContexts map[string]*AudioContext
	contextMu     sync.RWMutex

	// Time to first byte, measured per response
	ttfbStart    time.Time
	ttfbRecorded bool

	// Speaking state
	isSpeaking bool
	mu         sync.Mutex // Protects isSpeaking, contextID, ttfb fields
}

// TTSConfig holds configuration for Cartesia TTS
type TTSConfig struct {
	APIKey             string
	VoiceID            string            // e.g., "a0e99841-438c-4a64-b679-ae501e7d6091" (Barbershop Man)
	Model              string            // e.g., "sonic-3", "sonic-2024-10-19"
	CartesiaVersion    string            // e.g., "2025-04-16"
	Language           string            // e.g., "en"
	SampleRate         int               // e.g., 8000, 16000, 22050, 24000, 44100
	Encoding           string            // e.g., "pcm_s16le", "pcm_mulaw", "pcm_alaw"
	Container          string            // e.g., "raw"
	GenerationConfig   *GenerationConfig // Optional: volume, speed, emotion for Sonic-3
	AggregateSentences bool              // Wait for complete sentences before TTS (default: true)
}

// NewTTSService creates a new Cartesia TTS service
func NewTTSService(config TTSConfig) *TTSService {
	model := config.Model
	if model == "" {
		model = "sonic-3"
	}

	cartesiaVersion := config.CartesiaVersion
	if cartesiaVersion == "" {
		cartesiaVersion = "2025-04-16"
	}

	language := config.Language
	if language == "" {
		language = "en"
	}

	sampleRate := config.SampleRate
	codecDetected := true
	if sampleRate == 0 {
		sampleRate = 24000
		codecDetected = false // Adopt the session codec from the StartFrame
	}

	encoding := config.Encoding
	if encoding == "" {
		encoding = "pcm_s16le"
	}

	container := config.Container
	if container == "" {
		container = "raw"
	}

	// Sentence aggregation produces better prosody than per-token synthesis
	aggregateSentences := true
	if !config.AggregateSentences && config.Model != "" {
		aggregateSentences = config.AggregateSentences
	}

	cs := &TTSService{
		apiKey:             config.APIKey,
		voiceID:            config.VoiceID,
		model:              model,
		cartesiaVersion:    cartesiaVersion,
		language:           language,
		sampleRate:         sampleRate,
		encoding:           encoding,
		container:          container,
		generationConfig:   config.GenerationConfig,
		aggregateSentences: aggregateSentences,
		codecDetected:      codecDetected,
		audioContexts:      make(map[string]*AudioContext),
	}
	cs.BaseProcessor = processors.NewBaseProcessor("CartesiaTTS", cs)
	return cs
}

func (s *TTSService) SetVoice(voiceID string) {
	s.voiceID = voiceID
}

func (s *TTSService) SetModel(model string) {
	s.model = model
}

func (s *TTSService) SetLanguage(language string) {
	s.language = language
}

func (s *TTSService) Initialize(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	s.contextID = uuid.New().String()
	contextID := s.contextID
	s.mu.Unlock()

	wsURL := fmt.Sprintf("wss://api.cartesia.ai/tts/websocket?api_key=%s&cartesia_version=%s",
		s.apiKey, s.cartesiaVersion)

	var err error
	s.conn, _, err = websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to Cartesia: %w", err)
	}

	go s.receiveAudio()

	log.Printf("[CartesiaTTS] Streaming mode connected (context: %s)", contextID)
	return nil
}

func (s *TTSService) Cleanup() error {
	// Cancel context first to signal goroutines to stop
	if s.cancel != nil {
		s.cancel()
	}

	// Give goroutines a moment to see the context cancellation
	time.Sleep(50 * time.Millisecond)

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	s.contextMu.Lock()
	s.audioContexts = make(map[string]*AudioContext)
	s.contextMu.Unlock()

	return nil
}

func (s *TTSService) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("cartesia connection not open")
	}
	return s.conn.WriteJSON(v)
}

func (s *TTSService) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	// StartFrame: adopt session codec, then connect eagerly so the first
	// response token has a warm socket
	if startFrame, ok := frame.(*frames.StartFrame); ok {
		if !s.codecDetected {
			if codec, ok := startFrame.Metadata()["codec"].(string); ok {
				switch codec {
				case "mulaw":
					s.sampleRate = 8000
					s.encoding = "pcm_mulaw"
				case "alaw":
					s.sampleRate = 8000
					s.encoding = "pcm_alaw"
				case "linear16":
					s.sampleRate = 16000
					s.encoding = "pcm_s16le"
				}
				s.codecDetected = true
				log.Printf("[CartesiaTTS] Output format from session codec %s: %s @ %dHz", codec, s.encoding, s.sampleRate)
			}
		}

		if s.ctx == nil {
			log.Printf("[CartesiaTTS] Eager initializing WebSocket")
			if err := s.Initialize(ctx); err != nil {
				log.Printf("[CartesiaTTS] Failed to initialize: %v", err)
				return s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
			}
		}

		return s.PushFrame(frame, direction)
	}

	if _, ok := frame.(*frames.LLMFullResponseStartFrame); ok {
		return s.PushFrame(frame, direction)
	}

	if _, ok := frame.(*frames.EndFrame); ok {
		log.Printf("[CartesiaTTS] Received EndFrame, cleaning up")
		if err := s.Cleanup(); err != nil {
			log.Printf("[CartesiaTTS] Error during cleanup: %v", err)
		}
		return s.PushFrame(frame, direction)
	}

	// Barge-in: cancel the active context server-side, whatever the
	// speaking state, so contexts never accumulate
	if _, ok := frame.(*frames.InterruptionFrame); ok {
		s.handleInterruption()
		return s.PushFrame(frame, direction)
	}

	// Text frames from the LLM drive synthesis
	if textFrame, ok := frame.(*frames.TextFrame); ok {
		if s.ctx == nil {
			log.Printf("[CartesiaTTS] Lazy initializing on first TextFrame")
			if err := s.Initialize(ctx); err != nil {
				log.Printf("[CartesiaTTS] Failed to initialize: %v", err)
				return s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
			}
		}
		return s.processTextInput(textFrame.Text)
	}

	if llmFrame, ok := frame.(*frames.LLMTextFrame); ok {
		if s.ctx == nil {
			log.Printf("[CartesiaTTS] Lazy initializing on first LLMTextFrame")
			if err := s.Initialize(ctx); err != nil {
				log.Printf("[CartesiaTTS] Failed to initialize: %v", err)
				return s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
			}
		}
		return s.processTextInput(llmFrame.Text)
	}

	// Response over: flush buffered text and finalize the context
	if _, ok := frame.(*frames.LLMFullResponseEndFrame); ok {
		if s.textBuffer.Len() > 0 {
			remainingText := s.textBuffer.String()
			s.textBuffer.Reset()
			log.Printf("[CartesiaTTS] Flushing remaining text: %s", remainingText)
			if err := s.synthesizeText(remainingText); err != nil {
				log.Printf("[CartesiaTTS] Error synthesizing remaining text: %v", err)
			}
		}

		s.mu.Lock()
		contextID := s.contextID
		s.mu.Unlock()

		if s.conn != nil && contextID != "" {
			// continue=false signals end of transcript; remaining audio flushes
			flushMsg := s.buildMessage("", false)
			if err := s.writeJSON(flushMsg); err != nil {
				log.Printf("[CartesiaTTS] Error sending flush: %v", err)
			}

			s.mu.Lock()
			s.isSpeaking = false
			s.contextID = "" // Next synthesis opens a fresh context
			s.ttfbRecorded = false
			s.mu.Unlock()

			log.Printf("[CartesiaTTS] Response ended, context %s finalized", contextID)
		}
		return s.PushFrame(frame, direction)
	}

	// Pass all other frames through
	return s.PushFrame(frame, direction)
}

// handleInterruption cancels the active synthesis context
func (s *TTSService) handleInterruption() {
	s.mu.Lock()
	wasSpeaking := s.isSpeaking
	oldContextID := s.contextID
	s.isSpeaking = false
	s.textBuffer.Reset()
	s.ttfbRecorded = false
	s.contextID = ""
	s.mu.Unlock()

	if s.conn != nil && oldContextID != "" {
		log.Printf("[CartesiaTTS] Cancelling context %s (was_speaking=%v)", oldContextID, wasSpeaking)
		cancelMsg := map[string]interface{}{
			"context_id": oldContextID,
			"cancel":     true,
		}
		if err := s.writeJSON(cancelMsg); err != nil {
			log.Printf("[CartesiaTTS] Error cancelling context: %v", err)
		}

		s.removeAudioContext(oldContextID)
	}

	if wasSpeaking {
		s.PushFrame(frames.NewTTSStoppedFrame(), frames.Upstream)
	}
}

// processTextInput handles incoming text with optional sentence aggregation
func (s *TTSService) processTextInput(text string) error {
	if text == "" {
		return nil
	}

	if !s.aggregateSentences {
		return s.synthesizeText(text)
	}

	s.textBuffer.WriteString(text)
	bufferedText := s.textBuffer.String()

	sentences, remainder := s.extractSentences(bufferedText)

	s.textBuffer.Reset()
	s.textBuffer.WriteString(remainder)

	for _, sentence := range sentences {
		sentence = strings.TrimSpace(sentence)
		if sentence != "" {
			log.Printf("[CartesiaTTS] Synthesizing sentence: %s", sentence)
			if err := s.synthesizeText(sentence); err != nil {
				return err
			}
		}
	}

	return nil
}

// extractSentences splits text into complete sentences and remainder
func (s *TTSService) extractSentences(text string) ([]string, string) {
	var sentences []string
	var currentSentence strings.Builder

	sentenceEnders := map[rune]bool{
		'.': true,
		'!': true,
		'?': true,
		';': true,
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		currentSentence.WriteRune(r)

		if sentenceEnders[r] {
			// Split only at end of text or before a space; "Dr." followed
			// by a name stays in the buffer until the space arrives
			if i == len(runes)-1 {
				sentences = append(sentences, currentSentence.String())
				currentSentence.Reset()
			} else if i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
				sentences = append(sentences, currentSentence.String())
				currentSentence.Reset()
			}
		}
	}

	return sentences, currentSentence.String()
}

func (s *TTSService) synthesizeText(text string) error {
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if s.contextID == "" {
		s.contextID = uuid.New().String()
		log.Printf("[CartesiaTTS] Generated new context ID: %s", s.contextID)
	}
	contextID := s.contextID

	firstToken := !s.isSpeaking
	if firstToken {
		s.isSpeaking = true
		s.ttfbStart = time.Now()
		s.ttfbRecorded = false
	}
	s.mu.Unlock()

	if firstToken {
		// Upstream so the user aggregator tracks bot speech, downstream
		// so the transport resets its end-of-response state
		s.PushFrame(frames.NewTTSStartedFrame(), frames.Upstream)
		s.PushFrame(frames.NewTTSStartedFrame(), frames.Downstream)

		s.createAudioContext(contextID)
	}

	if s.conn != nil {
		msg := s.buildMessage(text, true)
		return s.writeJSON(msg)
	}

	return fmt.Errorf("WebSocket connection not established")
}

func (s *TTSService) buildMessage(text string, continueTranscript bool) map[string]interface{} {
	s.mu.Lock()
	contextID := s.contextID
	s.mu.Unlock()

	voiceConfig := map[string]interface{}{
		"mode": "id",
		"id":   s.voiceID,
	}

	msg := map[string]interface{}{
		"transcript": text,
		"continue":   continueTranscript,
		"context_id": contextID,
		"model_id":   s.model,
		"voice":      voiceConfig,
		"output_format": map[string]interface{}{
			"container":   s.container,
			"encoding":    s.encoding,
			"sample_rate": s.sampleRate,
		},
		"language":                s.language,
		"add_timestamps":          true,
		"use_original_timestamps": true,
	}

	if s.generationConfig != nil {
		genConfig := map[string]interface{}{}
		if s.generationConfig.Volume != 0 {
			genConfig["volume"] = s.generationConfig.Volume
		}
		if s.generationConfig.Speed != 0 {
			genConfig["speed"] = s.generationConfig.Speed
		}
		if s.generationConfig.Emotion != "" {
			genConfig["emotion"] = s.generationConfig.Emotion
		}
		if len(genConfig) > 0 {
			msg["generation_config"] = genConfig
		}
	}

	return msg
}

// Audio context bookkeeping

func (s *TTSService) createAudioContext(contextID string) {
	s.contextMu.Lock()
	defer s.contextMu.Unlock()

	s.audioContexts[contextID] = &AudioContext{
		ID:             contextID,
		AudioFrames:    make([]*frames.TTSAudioFrame, 0),
		WordTimestamps: make([]WordTimestamp, 0),
		StartTime:      time.Now(),
	}
}

func (s *TTSService) removeAudioContext(contextID string) {
	s.contextMu.Lock()
	defer s.contextMu.Unlock()
	delete(s.audioContexts, contextID)
}

func (s *TTSService) audioContextAvailable(contextID string) bool {
	s.contextMu.RLock()
	defer s.contextMu.RUnlock()

	_, exists := s.audioContexts[contextID]
	return exists
}

func (s *TTSService) appendToAudioContext(contextID string, audioFrame *frames.TTSAudioFrame) {
	s.contextMu.Lock()
	defer s.contextMu.Unlock()

	if ctx, exists := s.audioContexts[contextID]; exists {
		ctx.AudioFrames = append(ctx.AudioFrames, audioFrame)
		ctx.TotalAudioBytes += len(audioFrame.Data)
	}
}

// addWordTimestamps records word timing for the context. The timing is
// kept for transcript alignment and completion stats, not re-emitted as
// text frames: the aggregators already saw the streamed text.
func (s *TTSService) addWordTimestamps(contextID string, timestamps []WordTimestamp) {
	s.contextMu.Lock()
	defer s.contextMu.Unlock()

	if ctx, exists := s.audioContexts[contextID]; exists {
		ctx.WordTimestamps = append(ctx.WordTimestamps, timestamps...)
	}
}

func (s *TTSService) receiveAudio() {
	for {
		select {
		case <-s.ctx.Done():
			log.Printf("[CartesiaTTS] Context cancelled, stopping audio receiver")
			return
		default:
			if s.conn == nil {
				log.Printf("[CartesiaTTS] Connection is nil, attempting reconnect")
				if err := s.reconnect(); err != nil {
					log.Printf("[CartesiaTTS] Reconnection failed: %v", err)
					time.Sleep(1 * time.Second)
					continue
				}
			}

			_, message, err := s.conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					log.Printf("[CartesiaTTS] Connection closed normally")
					return
				}

				// Cartesia times out idle connections after 5 minutes
				log.Printf("[CartesiaTTS] Connection error: %v, attempting reconnect", err)
				if reconnectErr := s.reconnect(); reconnectErr != nil {
					log.Printf("[CartesiaTTS] Reconnection failed: %v", reconnectErr)
					s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
					return
				}
				continue
			}

			var response map[string]interface{}
			if err := json.Unmarshal(message, &response); err != nil {
				log.Printf("[CartesiaTTS] Error parsing response: %v", err)
				continue
			}

			msgType, ok := response["type"].(string)
			if !ok {
				log.Printf("[CartesiaTTS] Unknown message format: %v", response)
				continue
			}

			receivedCtxID, hasCtxID := response["context_id"].(string)

			// Chunks from cancelled contexts belong to interrupted responses
			if hasCtxID {
				s.mu.Lock()
				currentCtxID := s.contextID
				s.mu.Unlock()

				if receivedCtxID != currentCtxID && !s.audioContextAvailable(receivedCtxID) {
					log.Printf("[CartesiaTTS] Dropping audio from retired context %s", receivedCtxID)
					continue
				}
			}

			switch msgType {
			case "chunk":
				s.mu.Lock()
				if !s.ttfbRecorded && !s.ttfbStart.IsZero() {
					ttfb := time.Since(s.ttfbStart)
					s.ttfbRecorded = true
					log.Printf("[CartesiaTTS] TTFB: %v", ttfb)
				}
				s.mu.Unlock()

				if audioB64, ok := response["data"].(string); ok && audioB64 != "" {
					audioData, err := base64.StdEncoding.DecodeString(audioB64)
					if err != nil {
						log.Printf("[CartesiaTTS] Error decoding base64 audio: %v", err)
						continue
					}

					codec := s.encodingToCodec()
					audioFrame := frames.NewTTSAudioFrame(audioData, s.sampleRate, 1)
					audioFrame.SetMetadata("codec", codec)
					audioFrame.SetMetadata("context_id", receivedCtxID)

					if hasCtxID {
						s.appendToAudioContext(receivedCtxID, audioFrame)
					}

					s.PushFrame(audioFrame, frames.Downstream)
				}

			case "timestamps":
				if wordTimestamps, ok := response["word_timestamps"].(map[string]interface{}); ok {
					words, wordsOK := wordTimestamps["words"].([]interface{})
					starts, startsOK := wordTimestamps["start"].([]interface{})

					if wordsOK && startsOK && len(words) == len(starts) {
						timestamps := make([]WordTimestamp, 0, len(words))
						for i := 0; i < len(words); i++ {
							word, wordOK := words[i].(string)
							start, startOK := starts[i].(float64)
							if wordOK && startOK {
								timestamps = append(timestamps, WordTimestamp{
									Word:      word,
									StartTime: start,
								})
							}
						}

						if hasCtxID && len(timestamps) > 0 {
							s.addWordTimestamps(receivedCtxID, timestamps)
						}
					}
				}

			case "done":
				s.contextMu.RLock()
				if ctx, exists := s.audioContexts[receivedCtxID]; exists {
					duration := time.Since(ctx.StartTime)
					log.Printf("[CartesiaTTS] Context %s completed: %d audio frames, %d bytes, %d words, duration: %v",
						receivedCtxID, len(ctx.AudioFrames), ctx.TotalAudioBytes, len(ctx.WordTimestamps), duration)
				}
				s.contextMu.RUnlock()

				s.removeAudioContext(receivedCtxID)

				// Playback end is the transport's call, it emits
				// TTSStoppedFrame once the paced queue drains
				s.mu.Lock()
				s.isSpeaking = false
				s.mu.Unlock()

			case "error":
				errorMsg := ""
				if errStr, ok := response["error"].(string); ok {
					errorMsg = errStr
				}
				log.Printf("[CartesiaTTS] Error from Cartesia: %s", errorMsg)
				s.PushFrame(frames.NewErrorFrame(fmt.Errorf("cartesia error: %s", errorMsg)), frames.Upstream)

			default:
				log.Printf("[CartesiaTTS] Unknown message type: %s", msgType)
			}
		}
	}
}

// reconnect re-establishes the WebSocket connection
func (s *TTSService) reconnect() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	wsURL := fmt.Sprintf("wss://api.cartesia.ai/tts/websocket?api_key=%s&cartesia_version=%s",
		s.apiKey, s.cartesiaVersion)

	var err error
	s.conn, _, err = websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to reconnect to Cartesia: %w", err)
	}

	log.Printf("[CartesiaTTS] WebSocket reconnected")
	return nil
}

// encodingToCodec converts Cartesia encoding to the internal codec name
func (s *TTSService) encodingToCodec() string {
	switch s.encoding {
	case "pcm_mulaw":
		return "mulaw"
	case "pcm_alaw":
		return "alaw"
	case "pcm_s16le":
		return "linear16"
	case "pcm_f32le":
		return "float32"
	default:
		return "linear16"
	}
}
