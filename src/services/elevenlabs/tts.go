package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/processors"
)

// TTSService provides text-to-speech using ElevenLabs. In streaming mode
// it keeps one multi-stream-input WebSocket open and rotates the context
// ID on interruption so audio from a cancelled response never reaches
// the caller.
type TTSService struct {
	*processors.BaseProcessor
	apiKey        string
	voiceID       string
	model         string
	outputFormat  string
	useStreaming  bool
	conn          *websocket.Conn
	connMu        sync.Mutex // Protects concurrent WebSocket writes
	ctx           context.Context
	cancel        context.CancelFunc
	codecDetected bool

	ctxMu     sync.RWMutex
	contextID string // ElevenLabs context ID for multi-stream mode

	speakingMu sync.Mutex
	speaking   bool
}

// TTSConfig holds configuration for ElevenLabs
type TTSConfig struct {
	APIKey       string
	VoiceID      string // e.g., "21m00Tcm4TlvDq8ikWAM" (Rachel)
	Model        string // e.g., "eleven_turbo_v2"
	OutputFormat string // "ulaw_8000", "alaw_8000", "pcm_16000", "pcm_22050", "pcm_24000", "pcm_44100" (default: "pcm_24000")
	UseStreaming bool   // Use WebSocket streaming for lower latency
}

// NewTTSService creates a new ElevenLabs TTS service
func NewTTSService(config TTSConfig) *TTSService {
	outputFormat := config.OutputFormat
	codecDetected := true // Explicit format wins over session codec

	if outputFormat == "" {
		outputFormat = "pcm_24000"
		codecDetected = false // Adopt the session codec from the StartFrame
	}

	es := &TTSService{
		apiKey:        config.APIKey,
		voiceID:       config.VoiceID,
		model:         config.Model,
		outputFormat:  outputFormat,
		useStreaming:  config.UseStreaming,
		codecDetected: codecDetected,
	}
	es.BaseProcessor = processors.NewBaseProcessor("ElevenLabsTTS", es)
	return es
}

func (s *TTSService) SetVoice(voiceID string) {
	s.voiceID = voiceID
}

func (s *TTSService) SetModel(model string) {
	s.model = model
}

func (s *TTSService) currentContextID() string {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	return s.contextID
}

func (s *TTSService) Initialize(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if !s.useStreaming {
		log.Printf("[ElevenLabsTTS] Non-streaming mode initialized")
		return nil
	}

	s.ctxMu.Lock()
	s.contextID = uuid.New().String()
	contextID := s.contextID
	s.ctxMu.Unlock()

	wsURL := fmt.Sprintf("wss://api.elevenlabs.io/v1/text-to-speech/%s/multi-stream-input?model_id=%s&output_format=%s",
		s.voiceID, s.model, s.outputFormat)

	header := http.Header{}
	header.Set("xi-api-key", s.apiKey)

	var err error
	s.conn, _, err = websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to connect to ElevenLabs: %w", err)
	}

	if err := s.sendContextInit(contextID); err != nil {
		return fmt.Errorf("failed to send config: %w", err)
	}

	go s.receiveAudio()
	go s.keepaliveLoop()

	log.Printf("[ElevenLabsTTS] Streaming mode connected (context: %s)", contextID)
	return nil
}

// sendContextInit opens an ElevenLabs synthesis context. The API key
// rides in the connection header, not the message.
func (s *TTSService) sendContextInit(contextID string) error {
	config := map[string]interface{}{
		"text":       " ",
		"context_id": contextID,
		"voice_settings": map[string]interface{}{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	}
	return s.writeJSON(config)
}

func (s *TTSService) writeJSON(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("elevenlabs connection not open")
	}
	return s.conn.WriteJSON(v)
}

func (s *TTSService) Cleanup() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		if s.currentContextID() != "" {
			s.writeJSON(map[string]interface{}{
				"close_socket": true,
			})
		}
		s.connMu.Lock()
		s.conn.Close()
		s.connMu.Unlock()
	}
	return nil
}

func (s *TTSService) keepaliveLoop() {
	// ElevenLabs closes idle streams after ~20s
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			contextID := s.currentContextID()
			if contextID == "" {
				continue
			}
			keepaliveMsg := map[string]interface{}{
				"text":       "",
				"context_id": contextID,
			}
			if err := s.writeJSON(keepaliveMsg); err != nil {
				log.Printf("[ElevenLabsTTS] Keepalive error: %v", err)
				return
			}
		}
	}
}

func (s *TTSService) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	// StartFrame carries the session codec
	if startFrame, ok := frame.(*frames.StartFrame); ok {
		if !s.codecDetected {
			if codec, ok := startFrame.Metadata()["codec"].(string); ok {
				switch codec {
				case "mulaw":
					s.outputFormat = "ulaw_8000"
				case "alaw":
					s.outputFormat = "alaw_8000"
				case "linear16":
					s.outputFormat = "pcm_16000"
				}
				s.codecDetected = true
				log.Printf("[ElevenLabsTTS] Output format from session codec %s: %s", codec, s.outputFormat)
			}
		}
		return s.PushFrame(frame, direction)
	}

	if _, ok := frame.(*frames.EndFrame); ok {
		log.Printf("[ElevenLabsTTS] Received EndFrame, cleaning up")
		if err := s.Cleanup(); err != nil {
			log.Printf("[ElevenLabsTTS] Error during cleanup: %v", err)
		}
		return s.PushFrame(frame, direction)
	}

	// Barge-in: retire the current synthesis context so its remaining
	// audio is dropped on arrival, then open a fresh one
	if _, ok := frame.(*frames.InterruptionFrame); ok {
		s.handleInterruption()
		return s.PushFrame(frame, direction)
	}

	// Playback finished at the transport
	if _, ok := frame.(*frames.TTSStoppedFrame); ok {
		s.speakingMu.Lock()
		s.speaking = false
		s.speakingMu.Unlock()
		return s.PushFrame(frame, direction)
	}

	// Text frames from the LLM drive synthesis
	if textFrame, ok := frame.(*frames.TextFrame); ok {
		if err := s.lazyInit(ctx, "TextFrame"); err != nil {
			return s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
		}
		return s.synthesizeText(textFrame.Text)
	}

	if llmFrame, ok := frame.(*frames.LLMTextFrame); ok {
		if err := s.lazyInit(ctx, "LLMTextFrame"); err != nil {
			return s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
		}
		return s.synthesizeText(llmFrame.Text)
	}

	// Response over: flush buffered text into audio
	if _, ok := frame.(*frames.LLMFullResponseEndFrame); ok {
		contextID := s.currentContextID()
		if s.useStreaming && s.conn != nil && contextID != "" {
			flushMsg := map[string]interface{}{
				"text":       "",
				"context_id": contextID,
				"flush":      true,
			}
			if err := s.writeJSON(flushMsg); err != nil {
				log.Printf("[ElevenLabsTTS] Error sending flush: %v", err)
			}
		}
		return s.PushFrame(frame, direction)
	}

	// Pass all other frames through
	return s.PushFrame(frame, direction)
}

func (s *TTSService) lazyInit(ctx context.Context, trigger string) error {
	if s.ctx != nil {
		return nil
	}
	log.Printf("[ElevenLabsTTS] Lazy initializing on first %s", trigger)
	if err := s.Initialize(ctx); err != nil {
		log.Printf("[ElevenLabsTTS] Failed to initialize: %v", err)
		return err
	}
	return nil
}

// handleInterruption closes the active context and rotates to a new one.
// receiveAudio drops chunks tagged with retired context IDs.
func (s *TTSService) handleInterruption() {
	if !s.useStreaming || s.conn == nil {
		return
	}

	s.ctxMu.Lock()
	oldID := s.contextID
	s.contextID = uuid.New().String()
	newID := s.contextID
	s.ctxMu.Unlock()

	s.speakingMu.Lock()
	s.speaking = false
	s.speakingMu.Unlock()

	log.Printf("[ElevenLabsTTS] Interruption: closing context %s, opening %s", oldID, newID)

	if oldID != "" {
		closeMsg := map[string]interface{}{
			"context_id":    oldID,
			"close_context": true,
		}
		if err := s.writeJSON(closeMsg); err != nil {
			log.Printf("[ElevenLabsTTS] Error closing context: %v", err)
		}
	}

	if err := s.sendContextInit(newID); err != nil {
		log.Printf("[ElevenLabsTTS] Error opening new context: %v", err)
	}
}

func (s *TTSService) synthesizeText(text string) error {
	if text == "" {
		return nil
	}

	log.Printf("[ElevenLabsTTS] Synthesizing: %s", text)

	if s.useStreaming && s.conn != nil {
		msg := map[string]interface{}{
			"text":                   text,
			"context_id":             s.currentContextID(),
			"try_trigger_generation": true,
		}
		return s.writeJSON(msg)
	}
	return s.synthesizeHTTP(text)
}

func (s *TTSService) synthesizeHTTP(text string) error {
	url := fmt.Sprintf("https://api.elevenlabs.io/v1/text-to-speech/%s?output_format=%s",
		s.voiceID, s.outputFormat)

	requestBody := map[string]interface{}{
		"text":     text,
		"model_id": s.model,
		"voice_settings": map[string]interface{}{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	}

	bodyBytes, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", url, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}

	req.Header.Set("xi-api-key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ElevenLabs API error: %s", string(body))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	return s.pushAudio(audioData)
}

// pushAudio wraps synthesized audio in a TTSAudioFrame and announces the
// start of bot speech on the first chunk of a response
func (s *TTSService) pushAudio(audioData []byte) error {
	s.speakingMu.Lock()
	firstChunk := !s.speaking
	s.speaking = true
	s.speakingMu.Unlock()

	if firstChunk {
		s.PushFrame(frames.NewTTSStartedFrame(), frames.Upstream)
		s.PushFrame(frames.NewTTSStartedFrame(), frames.Downstream)
	}

	sampleRate, codec := s.parseOutputFormat()
	audioFrame := frames.NewTTSAudioFrame(audioData, sampleRate, 1)
	audioFrame.SetMetadata("codec", codec)
	return s.PushFrame(audioFrame, frames.Downstream)
}

func (s *TTSService) receiveAudio() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			messageType, message, err := s.conn.ReadMessage()
			if err != nil {
				log.Printf("[ElevenLabsTTS] Error reading message: %v", err)
				s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
				return
			}

			if messageType == websocket.BinaryMessage {
				log.Printf("[ElevenLabsTTS] Received binary audio chunk: %d bytes", len(message))
				s.pushAudio(message)
				continue
			}

			var response map[string]interface{}
			if err := json.Unmarshal(message, &response); err != nil {
				log.Printf("[ElevenLabsTTS] Error parsing response: %v", err)
				continue
			}

			// isFinal marks the end of a context, no audio attached
			if isFinal, ok := response["isFinal"].(bool); ok && isFinal {
				log.Printf("[ElevenLabsTTS] Received final message for context")
				continue
			}

			// Chunks from retired contexts belong to interrupted responses
			if receivedCtxID, ok := response["contextId"].(string); ok {
				if current := s.currentContextID(); receivedCtxID != current {
					log.Printf("[ElevenLabsTTS] Dropping audio from retired context %s", receivedCtxID)
					continue
				}
			}

			if audioB64, ok := response["audio"].(string); ok && audioB64 != "" {
				audioData, err := base64.StdEncoding.DecodeString(audioB64)
				if err != nil {
					log.Printf("[ElevenLabsTTS] Error decoding base64 audio: %v", err)
					continue
				}

				log.Printf("[ElevenLabsTTS] Received audio chunk: %d bytes", len(audioData))
				s.pushAudio(audioData)
			}
		}
	}
}

// parseOutputFormat extracts sample rate and codec from the ElevenLabs
// format string (CODEC_SAMPLERATE)
func (s *TTSService) parseOutputFormat() (int, string) {
	switch s.outputFormat {
	case "ulaw_8000":
		return 8000, "mulaw"
	case "alaw_8000":
		return 8000, "alaw"
	case "pcm_16000":
		return 16000, "linear16"
	case "pcm_22050":
		return 22050, "linear16"
	case "pcm_24000":
		return 24000, "linear16"
	case "pcm_44100":
		return 44100, "linear16"
	default:
		return 24000, "linear16"
	}
}
