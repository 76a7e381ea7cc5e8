package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/processors"
)

// STTService provides speech-to-text using Deepgram's streaming API
type STTService struct {
	*processors.BaseProcessor
	apiKey     string
	language   string
	model      string
	encoding   string
	sampleRate int
	conn       *websocket.Conn
	ctx        context.Context
	cancel     context.CancelFunc
	connMu     sync.Mutex // Protects concurrent WebSocket writes
}

// STTConfig holds configuration for Deepgram
type STTConfig struct {
	APIKey     string
	Language   string // e.g., "en-US"
	Model      string // e.g., "nova-2"
	Encoding   string // "mulaw"/"ulaw", "alaw", "linear16" (default: "linear16")
	SampleRate int    // 0 picks the codec default: 8000 for telephony codecs, 16000 for linear16
}

// NewSTTService creates a new Deepgram STT service
func NewSTTService(config STTConfig) *STTService {
	encoding := config.Encoding
	if encoding == "" {
		encoding = "linear16"
	}
	encoding = normalizeDeepgramEncoding(encoding)

	ds := &STTService{
		apiKey:     config.APIKey,
		language:   config.Language,
		model:      config.Model,
		encoding:   encoding,
		sampleRate: config.SampleRate,
	}
	ds.BaseProcessor = processors.NewBaseProcessor("DeepgramSTT", ds)
	return ds
}

// normalizeDeepgramEncoding converts codec name variations to Deepgram API format
func normalizeDeepgramEncoding(encoding string) string {
	switch encoding {
	case "ulaw", "PCMU":
		return "mulaw"
	case "PCMA":
		return "alaw"
	case "pcm", "PCM":
		return "linear16"
	default:
		return encoding
	}
}

func (s *STTService) SetLanguage(lang string) {
	s.language = lang
}

func (s *STTService) SetModel(model string) {
	s.model = model
}

func (s *STTService) Initialize(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	sampleRate := s.sampleRate
	if sampleRate == 0 {
		sampleRate = 16000
		if s.encoding == "mulaw" || s.encoding == "alaw" {
			// Telephony codecs are 8kHz
			sampleRate = 8000
		}
	}

	params := url.Values{}
	params.Set("language", s.language)
	params.Set("model", s.model)
	params.Set("encoding", s.encoding)
	params.Set("sample_rate", strconv.Itoa(sampleRate))
	params.Set("channels", "1")
	params.Set("interim_results", "true")

	wsURL := fmt.Sprintf("wss://api.deepgram.com/v1/listen?%s", params.Encode())

	header := map[string][]string{
		"Authorization": {fmt.Sprintf("Token %s", s.apiKey)},
	}

	var err error
	s.conn, _, err = websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	go s.receiveTranscriptions()
	go s.keepaliveTask()

	log.Printf("[DeepgramSTT] Connected (encoding=%s, sample_rate=%d)", s.encoding, sampleRate)
	return nil
}

func (s *STTService) Cleanup() error {
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
	return nil
}

func (s *STTService) reconnect(ctx context.Context) error {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	return s.Initialize(ctx)
}

// configureFromStart adopts the session's codec and sample rate. The
// connection is lazily opened on the first audio frame, so this always
// runs before the Deepgram URL is built.
func (s *STTService) configureFromStart(f *frames.StartFrame) {
	if codec, ok := f.Metadata()["codec"].(string); ok && codec != "" {
		s.encoding = normalizeDeepgramEncoding(codec)
	}
	if rate, ok := f.Metadata()["sampleRate"].(int); ok && rate > 0 {
		s.sampleRate = rate
	}
	log.Printf("[DeepgramSTT] Session config: encoding=%s, sample_rate=%d", s.encoding, s.sampleRate)
}

func (s *STTService) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	// StartFrame carries the session codec; the connection itself is
	// opened lazily on the first audio frame
	if startFrame, ok := frame.(*frames.StartFrame); ok {
		s.configureFromStart(startFrame)
		return s.PushFrame(frame, direction)
	}

	if _, ok := frame.(*frames.EndFrame); ok {
		log.Printf("[DeepgramSTT] Received EndFrame, cleaning up")
		if err := s.Cleanup(); err != nil {
			log.Printf("[DeepgramSTT] Error during cleanup: %v", err)
		}
		return s.PushFrame(frame, direction)
	}

	// On interruption, ask Deepgram to flush the current utterance so
	// stale fragments of the interrupted turn do not trail in later
	if _, ok := frame.(*frames.InterruptionFrame); ok {
		if s.conn != nil {
			finalizeMsg := map[string]interface{}{
				"type": "Finalize",
			}
			s.connMu.Lock()
			err := s.conn.WriteJSON(finalizeMsg)
			s.connMu.Unlock()

			if err != nil {
				log.Printf("[DeepgramSTT] Error sending finalize message: %v", err)
			} else {
				log.Printf("[DeepgramSTT] Sent finalize to reset STT stream")
			}
		}
		return s.PushFrame(frame, direction)
	}

	if audioFrame, ok := frame.(*frames.AudioFrame); ok {
		if s.conn == nil {
			log.Printf("[DeepgramSTT] Lazy initializing on first AudioFrame")
			if err := s.Initialize(ctx); err != nil {
				log.Printf("[DeepgramSTT] Failed to initialize: %v", err)
				return s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
			}
		}

		s.connMu.Lock()
		err := s.conn.WriteMessage(websocket.BinaryMessage, audioFrame.Data)
		s.connMu.Unlock()

		if err != nil {
			log.Printf("[DeepgramSTT] Error sending audio: %v", err)

			// One reconnect attempt before giving up on the frame
			log.Printf("[DeepgramSTT] Attempting to reconnect...")
			if reconnectErr := s.reconnect(ctx); reconnectErr != nil {
				log.Printf("[DeepgramSTT] Reconnection failed: %v", reconnectErr)
				return s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
			}

			s.connMu.Lock()
			retryErr := s.conn.WriteMessage(websocket.BinaryMessage, audioFrame.Data)
			s.connMu.Unlock()

			if retryErr != nil {
				log.Printf("[DeepgramSTT] Error sending audio after reconnect: %v", retryErr)
				return s.PushFrame(frames.NewErrorFrame(retryErr), frames.Upstream)
			}
		}

		// Audio continues downstream: VAD and interruption detection
		// need the raw caller audio too
		return s.PushFrame(frame, direction)
	}

	// Pass all other frames through
	return s.PushFrame(frame, direction)
}

func (s *STTService) receiveTranscriptions() {
	for {
		select {
		case <-s.ctx.Done():
			log.Printf("[DeepgramSTT] Context cancelled, stopping transcription receiver")
			return
		default:
			_, message, err := s.conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					log.Printf("[DeepgramSTT] Connection closed normally")
					return
				}
				log.Printf("[DeepgramSTT] Error reading message: %v", err)
				s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
				return
			}

			var response struct {
				IsFinal bool `json:"is_final"`
				Channel struct {
					Alternatives []struct {
						Transcript string  `json:"transcript"`
						Confidence float64 `json:"confidence"`
					} `json:"alternatives"`
				} `json:"channel"`
			}

			if err := json.Unmarshal(message, &response); err != nil {
				log.Printf("[DeepgramSTT] Error parsing response: %v", err)
				continue
			}

			if len(response.Channel.Alternatives) > 0 {
				transcript := response.Channel.Alternatives[0].Transcript
				if transcript != "" {
					transcriptionFrame := frames.NewTranscriptionFrame(transcript, response.IsFinal)
					log.Printf("[DeepgramSTT] Transcription (final=%v): %s", response.IsFinal, transcript)
					s.PushFrame(transcriptionFrame, frames.Downstream)
				}
			}
		}
	}
}

func (s *STTService) keepaliveTask() {
	// Deepgram drops the stream after ~10s without audio or a message
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.conn != nil {
				keepalive := map[string]string{"type": "KeepAlive"}
				s.connMu.Lock()
				err := s.conn.WriteJSON(keepalive)
				s.connMu.Unlock()

				if err != nil {
					log.Printf("[DeepgramSTT] Error sending keepalive: %v", err)
					return
				}
			}
		}
	}
}
