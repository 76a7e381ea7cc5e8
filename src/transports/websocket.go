package transports

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/logger"
	"github.com/square-key-labs/maqsam-agent/src/pipeline"
	"github.com/square-key-labs/maqsam-agent/src/processors"
	"github.com/square-key-labs/maqsam-agent/src/serializers"
)

const (
	// pingPeriod is how often the server pings the platform; a pong must
	// arrive within pongTimeout or the read deadline trips
	pingPeriod  = 30 * time.Second
	pongTimeout = 10 * time.Second

	// writeWait bounds every outbound write
	writeWait = 10 * time.Second

	// botAudioIdleTimeout is how long the paced sender waits after the
	// last audio chunk before declaring the bot done speaking
	botAudioIdleTimeout = 350 * time.Millisecond

	// endOfCallGrace is how long a disconnecting session may spend
	// flushing its pipeline before it is cancelled outright
	endOfCallGrace = 5 * time.Second
)

// SessionPipelineBuilder assembles the processing chain for one call.
// It receives the session's transport input and output processors and
// returns the task that runs for the life of the connection. Each call
// gets its own chain: services and aggregators hold per-call state.
type SessionPipelineBuilder func(input processors.FrameProcessor, output processors.FrameProcessor) (*pipeline.PipelineTask, error)

// WebSocketConfig holds configuration for the WebSocket transport
type WebSocketConfig struct {
	Host          string // Interface to bind (default "0.0.0.0")
	Port          int    // Port to listen on (e.g., 8080)
	Path          string // WebSocket path (default "/", matching any path)
	AuthToken     string // Static token matched against the Auth header
	NewSerializer func() serializers.FrameSerializer
	BuildPipeline SessionPipelineBuilder
}

// WebSocketTransport accepts platform connections and runs one pipeline
// per call. Authentication, heartbeat, protocol close codes and paced
// audio delivery live here; the serializer owns the wire format.
type WebSocketTransport struct {
	host          string
	port          int
	path          string
	authToken     string
	newSerializer func() serializers.FrameSerializer
	buildPipeline SessionPipelineBuilder

	server   *http.Server
	upgrader websocket.Upgrader
	rootCtx  context.Context

	sessions  map[string]*wsSession
	sessionMu sync.RWMutex
}

// wsSession is the per-connection state: one socket, one serializer, one
// pipeline task. Nothing is shared across calls.
type wsSession struct {
	id         string
	conn       *websocket.Conn
	serializer serializers.FrameSerializer
	input      *WebSocketInputProcessor
	output     *WebSocketOutputProcessor
	task       *pipeline.PipelineTask
	taskDone   chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	writeMu    sync.Mutex // Protects data writes; control frames go through WriteControl
	started    bool       // session.setup received (read loop only)
	cleanup    sync.Once
}

// NewWebSocketTransport creates a new WebSocket transport
func NewWebSocketTransport(config WebSocketConfig) *WebSocketTransport {
	if config.Host == "" {
		config.Host = "0.0.0.0"
	}
	if config.Path == "" {
		config.Path = "/"
	}
	if config.NewSerializer == nil {
		panic("WebSocketTransport requires a serializer factory")
	}
	if config.BuildPipeline == nil {
		panic("WebSocketTransport requires a pipeline builder")
	}

	return &WebSocketTransport{
		host:          config.Host,
		port:          config.Port,
		path:          config.Path,
		authToken:     config.AuthToken,
		newSerializer: config.NewSerializer,
		buildPipeline: config.BuildPipeline,
		sessions:      make(map[string]*wsSession),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// The platform connects cross-origin behind SSL termination
				return true
			},
		},
	}
}

// Start begins listening for WebSocket connections and blocks until the
// context is cancelled or the listener fails.
func (t *WebSocketTransport) Start(ctx context.Context) error {
	t.rootCtx = ctx

	mux := http.NewServeMux()
	mux.HandleFunc(t.path, t.handleWebSocket)

	t.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", t.host, t.port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		t.closeAllSessions()
		if err := t.server.Shutdown(context.Background()); err != nil {
			logger.Error("[WebSocketTransport] Server shutdown error: %v", err)
		}
	}()

	logger.Info("[WebSocketTransport] Listening on %s%s", t.server.Addr, t.path)
	if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("WebSocket server error: %w", err)
	}

	return nil
}

// ActiveSessions returns the number of live call sessions
func (t *WebSocketTransport) ActiveSessions() int {
	t.sessionMu.RLock()
	defer t.sessionMu.RUnlock()
	return len(t.sessions)
}

// handleWebSocket upgrades the connection, authenticates it, and runs
// the session until the platform disconnects.
func (t *WebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("[WebSocketTransport] Upgrade error: %v", err)
		return
	}

	// The handshake completes before auth so the peer gets a real close
	// frame instead of an HTTP error page
	authHeader := r.Header.Get("Auth")
	if authHeader == "" {
		authHeader = r.Header.Get("Authorization")
	}
	if authHeader != t.authToken {
		logger.Warn("[WebSocketTransport] Authentication failed, received auth header: %q", authHeader)
		writeCloseFrame(conn, websocket.ClosePolicyViolation, "Unauthorized")
		conn.Close()
		return
	}
	logger.Info("[WebSocketTransport] Authenticated connection from %s", r.RemoteAddr)

	rootCtx := t.rootCtx
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(rootCtx)
	sess := &wsSession{
		id:         uuid.New().String(),
		conn:       conn,
		serializer: t.newSerializer(),
		taskDone:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	sess.input = newWebSocketInputProcessor(sess)
	sess.output = newWebSocketOutputProcessor(sess)

	task, err := t.buildPipeline(sess.input, sess.output)
	if err != nil {
		logger.Error("[WebSocketTransport] Failed to build pipeline for session %s: %v", sess.id, err)
		writeCloseFrame(conn, websocket.CloseInternalServerErr, "Internal error")
		conn.Close()
		cancel()
		return
	}
	// The session.setup handshake supplies the StartFrame
	task.Config().DeferStart = true
	sess.task = task

	t.sessionMu.Lock()
	t.sessions[sess.id] = sess
	t.sessionMu.Unlock()

	go func() {
		defer close(sess.taskDone)
		if err := task.Run(ctx); err != nil {
			logger.Error("[WebSocketTransport] Pipeline error for session %s: %v", sess.id, err)
		}
	}()

	defer t.teardownSession(sess)

	conn.SetReadDeadline(time.Now().Add(pingPeriod + pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingPeriod + pongTimeout))
	})
	go sess.heartbeat()

	logger.Info("[WebSocketTransport] Session %s established, waiting for session.setup", sess.id)
	t.readLoop(sess)
}

// readLoop consumes platform messages until the connection drops or a
// protocol error forces a close.
func (t *WebSocketTransport) readLoop(sess *wsSession) {
	for {
		msgType, msgBytes, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("[WebSocketTransport] Read error on session %s: %v", sess.id, err)
			} else {
				logger.Info("[WebSocketTransport] Session %s disconnected", sess.id)
			}
			return
		}

		var data interface{}
		if msgType == websocket.BinaryMessage {
			data = msgBytes
		} else {
			data = string(msgBytes)
		}

		frame, err := sess.serializer.Deserialize(data)
		if err != nil {
			switch {
			case errors.Is(err, serializers.ErrInvalidJSON):
				logger.Error("[WebSocketTransport] Session %s sent malformed JSON: %v", sess.id, err)
				sess.closeWithCode(websocket.CloseProtocolError, "Invalid JSON")
				return
			case errors.Is(err, serializers.ErrSessionSetup):
				logger.Error("[WebSocketTransport] Session %s setup failed: %v", sess.id, err)
				sess.closeWithCode(websocket.CloseProtocolError, "Session setup failed")
				return
			default:
				// Per-message failures never kill the call
				logger.Error("[WebSocketTransport] Message error on session %s: %v", sess.id, err)
				continue
			}
		}

		if frame == nil {
			continue
		}

		if startFrame, ok := frame.(*frames.StartFrame); ok {
			t.handleSessionStart(sess, startFrame)
			continue
		}

		if err := sess.task.QueueFrame(frame); err != nil {
			logger.Error("[WebSocketTransport] Error queueing %s on session %s: %v", frame.Name(), sess.id, err)
		}
	}
}

// handleSessionStart injects the session StartFrame and the call context
// into the pipeline. The StartFrame reaching the output side is what
// produces session.ready, so the reply goes out only after every
// processor has seen the call configuration.
func (t *WebSocketTransport) handleSessionStart(sess *wsSession, f *frames.StartFrame) {
	if sess.started {
		logger.Warn("[WebSocketTransport] Duplicate session.setup on session %s ignored", sess.id)
		return
	}
	sess.started = true

	// The handshake frame inherits the pipeline's interruption settings
	cfg := sess.task.Config()
	f.AllowInterruptions = cfg.AllowInterruptions
	f.InterruptionStrategies = cfg.InterruptionStrategies

	if err := sess.task.QueueFrame(f); err != nil {
		logger.Error("[WebSocketTransport] Error queueing start frame on session %s: %v", sess.id, err)
		return
	}

	if provider, ok := sess.serializer.(serializers.CallContextProvider); ok {
		if cc, have := provider.CallContext(); have {
			logger.Info("[WebSocketTransport] Session %s call %s (%s) from %s", sess.id, cc.CallID, cc.Direction, cc.CallerNumber)
			if err := sess.task.QueueFrame(frames.NewCallContextFrame(cc)); err != nil {
				logger.Error("[WebSocketTransport] Error queueing call context on session %s: %v", sess.id, err)
			}
		}
	}
}

// teardownSession ends the call exactly once: the pipeline drains, the
// serializer clears its per-session state, and the socket closes.
func (t *WebSocketTransport) teardownSession(sess *wsSession) {
	sess.cleanup.Do(func() {
		logger.Info("[WebSocketTransport] Tearing down session %s", sess.id)

		if err := sess.task.QueueFrame(frames.NewEndFrame()); err != nil {
			logger.Debug("[WebSocketTransport] EndFrame not queued for session %s: %v", sess.id, err)
		}

		select {
		case <-sess.taskDone:
		case <-time.After(endOfCallGrace):
			logger.Warn("[WebSocketTransport] Session %s pipeline did not drain in %v, cancelling", sess.id, endOfCallGrace)
			sess.task.Cancel()
			select {
			case <-sess.taskDone:
			case <-time.After(time.Second):
			}
		}

		sess.output.Cleanup()
		if err := sess.serializer.Cleanup(); err != nil {
			logger.Debug("[WebSocketTransport] Serializer cleanup error on session %s: %v", sess.id, err)
		}
		sess.cancel()
		sess.conn.Close()

		t.sessionMu.Lock()
		delete(t.sessions, sess.id)
		t.sessionMu.Unlock()

		logger.Info("[WebSocketTransport] Session %s closed", sess.id)
	})
}

func (t *WebSocketTransport) closeAllSessions() {
	t.sessionMu.RLock()
	sessions := make([]*wsSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.sessionMu.RUnlock()

	for _, s := range sessions {
		writeCloseFrame(s.conn, websocket.CloseGoingAway, "Server shutting down")
		s.conn.Close()
	}
}

// heartbeat pings the platform every pingPeriod. A peer that stops
// answering trips the read deadline and ends the session.
func (s *wsSession) heartbeat() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Warn("[WebSocketTransport] Heartbeat failed on session %s: %v", s.id, err)
				return
			}
			logger.Debug("[WebSocketTransport] Sent heartbeat ping on session %s", s.id)
		}
	}
}

// sendMessage writes serialized data to the session socket. Strings go
// out as TEXT frames, byte slices as BINARY.
func (s *wsSession) sendMessage(data interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	switch v := data.(type) {
	case []byte:
		return s.conn.WriteMessage(websocket.BinaryMessage, v)
	case string:
		return s.conn.WriteMessage(websocket.TextMessage, []byte(v))
	default:
		return fmt.Errorf("unsupported data type for WebSocket message: %T", data)
	}
}

func (s *wsSession) closeWithCode(code int, reason string) {
	writeCloseFrame(s.conn, code, reason)
}

func writeCloseFrame(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		logger.Debug("[WebSocketTransport] Error writing close frame: %v", err)
	}
}

// WebSocketInputProcessor feeds platform frames into the pipeline
type WebSocketInputProcessor struct {
	*processors.BaseProcessor
	session *wsSession
}

func newWebSocketInputProcessor(session *wsSession) *WebSocketInputProcessor {
	p := &WebSocketInputProcessor{
		session: session,
	}
	p.BaseProcessor = processors.NewBaseProcessor("WebSocketInput", p)
	return p
}

func (p *WebSocketInputProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if startFrame, ok := frame.(*frames.StartFrame); ok {
		p.HandleStartFrame(startFrame)
		logger.Info("[WebSocketInput] Interruptions configured: allowed=%v, strategies=%d",
			p.InterruptionsAllowed(), len(p.InterruptionStrategies()))
	}
	return p.PushFrame(frame, direction)
}

// audioChunk is a pre-serialized audio chunk ready to send
type audioChunk struct {
	data         interface{} // Pre-serialized data ([]byte or string)
	chunkSize    int
	sampleRate   int
	sendInterval time.Duration
}

// WebSocketOutputProcessor delivers pipeline output to the platform.
// TTS audio is chunked and paced at real-time playback speed so a
// barge-in can still cancel audio that has not left the server yet;
// everything else is serialized and sent as it arrives.
type WebSocketOutputProcessor struct {
	*processors.BaseProcessor
	session     *wsSession
	audioBuffer []byte
	mu          sync.Mutex

	// Rate-limited sender
	chunkQueue   chan *audioChunk
	senderCtx    context.Context
	senderCancel context.CancelFunc
	senderWg     sync.WaitGroup
	cleanupOnce  sync.Once
	cleanupDone  bool

	// The idle timer only declares the bot quiet once the LLM response
	// has fully streamed
	llmResponseEnded bool
	llmMu            sync.Mutex

	// Barge-in blocks new audio until the next response starts
	interrupted    bool
	interruptionMu sync.Mutex
}

func newWebSocketOutputProcessor(session *wsSession) *WebSocketOutputProcessor {
	p := &WebSocketOutputProcessor{
		session:     session,
		audioBuffer: make([]byte, 0),
		chunkQueue:  make(chan *audioChunk, 1000),
	}
	p.BaseProcessor = processors.NewBaseProcessor("WebSocketOutput", p)

	p.senderCtx, p.senderCancel = context.WithCancel(session.ctx)
	p.startChunkSender()

	return p
}

// calculateSendInterval computes the real-time pacing interval for audio
// chunks: chunk_duration = chunk_size / (sample_rate * bytes_per_sample).
// For 160-byte chunks of mulaw at 8kHz that is 20ms.
func calculateSendInterval(chunkSize int, sampleRate int) time.Duration {
	if sampleRate == 0 {
		sampleRate = 8000
	}
	// Telephony codecs carry one byte per sample, linear16 two
	bytesPerSample := 1
	if sampleRate > 8000 {
		bytesPerSample = 2
	}

	intervalSecs := float64(chunkSize) / float64(sampleRate*bytesPerSample)
	interval := time.Duration(intervalSecs * float64(time.Second))

	if interval < time.Millisecond {
		interval = time.Millisecond
	}

	return interval
}

// startChunkSender starts the paced audio sender. Chunks leave at
// real-time playback speed; when the queue stays empty past
// botAudioIdleTimeout with the LLM response complete, the bot has
// finished its turn and a TTSStoppedFrame goes upstream.
func (p *WebSocketOutputProcessor) startChunkSender() {
	p.senderWg.Add(1)
	go func() {
		defer p.senderWg.Done()

		var nextSendTime time.Time
		firstChunk := true
		botSpeaking := false

		idleTimer := time.NewTimer(botAudioIdleTimeout)
		idleTimer.Stop() // Armed on the first chunk
		defer idleTimer.Stop()

		for {
			select {
			case <-p.senderCtx.Done():
				logger.Debug("[WebSocketOutput] Sender goroutine stopped")
				return

			case chunk := <-p.chunkQueue:
				now := time.Now()

				if firstChunk {
					nextSendTime = now
					firstChunk = false
				}

				sleepDuration := nextSendTime.Sub(now)
				if sleepDuration > 0 {
					time.Sleep(sleepDuration)
				}

				if err := p.session.sendMessage(chunk.data); err != nil {
					logger.Error("[WebSocketOutput] Error sending chunk: %v", err)
					errStr := err.Error()
					if strings.Contains(errStr, "broken pipe") ||
						strings.Contains(errStr, "connection reset") ||
						strings.Contains(errStr, "closed network connection") ||
						strings.Contains(errStr, "use of closed") {
						logger.Warn("[WebSocketOutput] Connection lost, stopping sender")
						return
					}
				}

				// Behind schedule: restart pacing from now. On schedule:
				// extend so jitter does not accumulate.
				if sleepDuration <= 0 {
					nextSendTime = time.Now().Add(chunk.sendInterval)
				} else {
					nextSendTime = nextSendTime.Add(chunk.sendInterval)
				}

				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(botAudioIdleTimeout)
				botSpeaking = true

			case <-idleTimer.C:
				if botSpeaking {
					p.llmMu.Lock()
					llmEnded := p.llmResponseEnded
					p.llmMu.Unlock()

					if llmEnded {
						logger.Info("[WebSocketOutput] No audio for %v, bot finished speaking", botAudioIdleTimeout)
						p.PushFrame(frames.NewTTSStoppedFrame(), frames.Upstream)
						botSpeaking = false
					} else {
						// TTS is still synthesizing the rest of the response
						idleTimer.Reset(botAudioIdleTimeout)
					}
				}
			}
		}
	}()
}

// Cleanup stops the sender goroutine. Safe to call more than once.
func (p *WebSocketOutputProcessor) Cleanup() error {
	p.cleanupOnce.Do(func() {
		logger.Debug("[WebSocketOutput] Cleaning up sender goroutine")

		p.mu.Lock()
		p.cleanupDone = true
		p.mu.Unlock()

		if p.senderCancel != nil {
			p.senderCancel()
		}
		p.senderWg.Wait()
		logger.Debug("[WebSocketOutput] Cleanup complete")
	})
	return nil
}

func (p *WebSocketOutputProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if startFrame, ok := frame.(*frames.StartFrame); ok {
		p.HandleStartFrame(startFrame)
		logger.Info("[WebSocketOutput] Interruptions configured: allowed=%v, strategies=%d",
			p.InterruptionsAllowed(), len(p.InterruptionStrategies()))

		// The StartFrame arriving here means the whole chain saw the
		// session config: acknowledge the handshake on the wire
		if err := p.serializeAndSend(frame); err != nil {
			logger.Error("[WebSocketOutput] Error sending session acknowledgement: %v", err)
		}
		return p.PushFrame(frame, direction)
	}

	if _, ok := frame.(*frames.EndFrame); ok {
		logger.Info("[WebSocketOutput] Received EndFrame, cleaning up sender goroutine")
		if err := p.Cleanup(); err != nil {
			logger.Error("[WebSocketOutput] Error during cleanup: %v", err)
		}
		// The sink marks the task finished once this lands
		return p.PushFrame(frame, direction)
	}

	if _, ok := frame.(*frames.LLMFullResponseEndFrame); ok {
		p.llmMu.Lock()
		p.llmResponseEnded = true
		p.llmMu.Unlock()
		logger.Debug("[WebSocketOutput] LLM response ended, bot stops after final audio")
		return p.PushFrame(frame, direction)
	}

	if _, ok := frame.(*frames.TTSStartedFrame); ok {
		p.llmMu.Lock()
		p.llmResponseEnded = false
		p.llmMu.Unlock()

		p.interruptionMu.Lock()
		p.interrupted = false
		p.interruptionMu.Unlock()

		logger.Debug("[WebSocketOutput] TTS started, accepting audio for new response")
		return p.PushFrame(frame, direction)
	}

	if _, ok := frame.(*frames.InterruptionFrame); ok {
		if !p.InterruptionsAllowed() {
			logger.Info("[WebSocketOutput] ⚪ Interruptions not allowed, ignoring InterruptionFrame")
			return nil
		}
		return p.handleInterruption(frame)
	}

	if audioFrame, ok := frame.(*frames.TTSAudioFrame); ok {
		return p.handleAudioFrame(audioFrame)
	}

	if actionFrame, ok := frame.(*frames.CallActionFrame); ok {
		logger.Info("[WebSocketOutput] ☎️  Call action: %s", actionFrame.Action)
		return p.serializeAndSend(frame)
	}

	// Caller audio flows through the pipeline for VAD and interruption
	// detection; it must never echo back to the phone
	if _, ok := frame.(*frames.AudioFrame); ok {
		return nil
	}

	return p.serializeAndSend(frame)
}

// handleInterruption flushes every queued byte of bot audio and tells
// the platform to drop what it already buffered.
func (p *WebSocketOutputProcessor) handleInterruption(frame frames.Frame) error {
	logger.Info("[WebSocketOutput] 🔴 Interruption, flushing audio")

	p.interruptionMu.Lock()
	p.interrupted = true
	p.interruptionMu.Unlock()

	// Drain before touching the buffer so a sender blocked on a full
	// queue gets unstuck first
	drainedChunks, drainedBytes := p.drainChunkQueue()

	p.mu.Lock()
	bufferedBytes := len(p.audioBuffer)
	p.audioBuffer = make([]byte, 0)
	p.mu.Unlock()

	// Second sweep catches a chunk that slipped in while the buffer was
	// being cleared
	moreChunks, moreBytes := p.drainChunkQueue()
	drainedChunks += moreChunks
	drainedBytes += moreBytes

	data, err := p.session.serializer.Serialize(frame)
	if err != nil {
		return fmt.Errorf("serialization error: %w", err)
	}
	if data != nil {
		if err := p.session.sendMessage(data); err != nil {
			return fmt.Errorf("send error: %w", err)
		}
	}

	logger.Info("[WebSocketOutput] Interruption flushed %d chunks, %d queued bytes, %d buffered bytes",
		drainedChunks, drainedBytes, bufferedBytes)
	return nil
}

func (p *WebSocketOutputProcessor) drainChunkQueue() (int, int) {
	chunks := 0
	bytes := 0
	for {
		select {
		case chunk := <-p.chunkQueue:
			chunks++
			bytes += chunk.chunkSize
		default:
			return chunks, bytes
		}
	}
}

func (p *WebSocketOutputProcessor) isInterrupted() bool {
	p.interruptionMu.Lock()
	defer p.interruptionMu.Unlock()
	return p.interrupted
}

func (p *WebSocketOutputProcessor) serializeAndSend(frame frames.Frame) error {
	data, err := p.session.serializer.Serialize(frame)
	if err != nil {
		return fmt.Errorf("serialization error: %w", err)
	}

	if data == nil {
		// No wire equivalent for this frame type
		return nil
	}

	if err := p.session.sendMessage(data); err != nil {
		return fmt.Errorf("send error: %w", err)
	}

	return nil
}

// handleAudioFrame chunks TTS audio at codec-appropriate sizes and queues
// the chunks for paced delivery. Each incoming frame is processed as it
// arrives; only a sub-chunk remainder carries over to the next frame.
func (p *WebSocketOutputProcessor) handleAudioFrame(audioFrame *frames.TTSAudioFrame) error {
	p.mu.Lock()
	if p.cleanupDone {
		p.mu.Unlock()
		logger.Debug("[WebSocketOutput] Ignoring audio frame after cleanup")
		return nil
	}
	p.mu.Unlock()

	if p.isInterrupted() {
		logger.Debug("[WebSocketOutput] Dropping %d audio bytes from interrupted response", len(audioFrame.Data))
		return nil
	}

	codec := "linear16"
	if codecRaw, exists := audioFrame.Metadata()["codec"]; exists {
		if codecStr, ok := codecRaw.(string); ok {
			codec = codecStr
		}
	}

	// 160 bytes is 20ms of mulaw/alaw at 8kHz; PCM uses 320
	chunkSize := 320
	if codec == "mulaw" || codec == "alaw" {
		chunkSize = 160
	}

	sendInterval := calculateSendInterval(chunkSize, audioFrame.SampleRate)

	p.mu.Lock()
	currentData := append(p.audioBuffer, audioFrame.Data...)
	p.audioBuffer = make([]byte, 0)
	p.mu.Unlock()

	numChunks := 0

	for len(currentData) >= chunkSize {
		if p.isInterrupted() {
			return nil
		}

		chunk := currentData[:chunkSize]
		currentData = currentData[chunkSize:]
		numChunks++

		chunkFrame := frames.NewTTSAudioFrame(chunk, audioFrame.SampleRate, audioFrame.Channels)
		for k, v := range audioFrame.Metadata() {
			chunkFrame.SetMetadata(k, v)
		}

		data, err := p.session.serializer.Serialize(chunkFrame)
		if err != nil {
			logger.Error("[WebSocketOutput] Serialization error: %v", err)
			continue
		}
		if data == nil {
			continue
		}

		select {
		case p.chunkQueue <- &audioChunk{
			data:         data,
			chunkSize:    chunkSize,
			sampleRate:   audioFrame.SampleRate,
			sendInterval: sendInterval,
		}:
		case <-p.senderCtx.Done():
			logger.Debug("[WebSocketOutput] Sender stopped, discarding remaining audio")
			return nil
		}
	}

	// The remainder never reaches a paced chunk on an interrupted turn
	if p.isInterrupted() {
		return nil
	}

	p.mu.Lock()
	p.audioBuffer = currentData
	p.mu.Unlock()

	if numChunks > 0 {
		logger.Debug("[WebSocketOutput] ⚡ Streamed %d chunks (%d bytes), remainder %d bytes",
			numChunks, numChunks*chunkSize, len(currentData))
	}

	return nil
}
