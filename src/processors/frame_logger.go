package processors

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/square-key-labs/maqsam-agent/src/frames"
	"github.com/square-key-labs/maqsam-agent/src/logger"
)

// FrameLogger intercepts frames and logs their details at debug level.
// Drop one between any two processors to watch what flows past. Audio
// frame types are usually ignored to keep the log readable at 50
// frames per second.
type FrameLogger struct {
	*BaseProcessor
	logger            *logger.Logger
	prefix            string
	ignoredFrameTypes map[reflect.Type]bool
	logDirection      bool
	logFrameDetails   bool
}

// FrameLoggerConfig configures the frame logger
type FrameLoggerConfig struct {
	// Prefix for log messages (e.g., "Pipeline", "STT", "TTS")
	Prefix string

	// IgnoredFrameTypes are frame types to skip logging (e.g., high-frequency audio frames)
	IgnoredFrameTypes []frames.Frame

	// LogDirection includes frame direction (upstream/downstream) in logs
	LogDirection bool

	// LogFrameDetails includes detailed frame information in logs
	LogFrameDetails bool

	// Logger instance to use (if nil, uses default logger)
	Logger *logger.Logger
}

// NewFrameLogger creates a new frame logger processor
func NewFrameLogger(config FrameLoggerConfig) *FrameLogger {
	if config.Prefix == "" {
		config.Prefix = "Frame"
	}

	log := config.Logger
	if log == nil {
		log = logger.GetDefault()
	}

	fl := &FrameLogger{
		logger:            log.WithPrefix(config.Prefix),
		prefix:            config.Prefix,
		ignoredFrameTypes: make(map[reflect.Type]bool),
		logDirection:      config.LogDirection,
		logFrameDetails:   config.LogFrameDetails,
	}

	for _, frameType := range config.IgnoredFrameTypes {
		fl.ignoredFrameTypes[reflect.TypeOf(frameType)] = true
	}

	fl.BaseProcessor = NewBaseProcessor("FrameLogger:"+config.Prefix, fl)
	return fl
}

// HandleFrame logs the frame and passes it through
func (fl *FrameLogger) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	// Typed-nil check: a nil *SomeFrame still satisfies the interface
	if frame == nil || reflect.ValueOf(frame).IsNil() {
		fl.logger.Warn("Received nil frame, skipping")
		return nil
	}

	if fl.ignoredFrameTypes[reflect.TypeOf(frame)] {
		return fl.PushFrame(frame, direction)
	}

	if fl.logger.IsLevelEnabled(logger.DEBUG) {
		fl.logger.Debug("%s", fl.formatFrameLog(frame, direction))
	}

	return fl.PushFrame(frame, direction)
}

func (fl *FrameLogger) formatFrameLog(frame frames.Frame, direction frames.FrameDirection) string {
	dirSymbol := ""
	if fl.logDirection {
		if direction == frames.Downstream {
			dirSymbol = "→ "
		} else {
			dirSymbol = "← "
		}
	}

	frameName := frame.Name()

	if !fl.logFrameDetails {
		return fmt.Sprintf("%s%s", dirSymbol, frameName)
	}

	details := fl.extractFrameDetails(frame)
	if details != "" {
		return fmt.Sprintf("%s%s | %s", dirSymbol, frameName, details)
	}

	return fmt.Sprintf("%s%s", dirSymbol, frameName)
}

// extractFrameDetails walks the frame struct with reflection and formats
// the scalar fields, skipping raw audio payloads.
func (fl *FrameLogger) extractFrameDetails(frame frames.Frame) string {
	v := reflect.ValueOf(frame)

	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}

	if v.Kind() != reflect.Struct {
		return ""
	}

	t := v.Type()
	var details []string

	// Binary payloads would clutter the log
	skipFields := map[string]bool{
		"audio": true, "Audio": true,
		"data": true, "Data": true,
		"timestamp": true, "Timestamp": true,
	}

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanInterface() {
			continue
		}

		fieldName := fieldType.Name
		if skipFields[fieldName] {
			continue
		}

		var valueStr string
		switch field.Kind() {
		case reflect.String:
			str := field.String()
			if len(str) > 50 {
				str = str[:50] + "..."
			}
			valueStr = fmt.Sprintf("%s: %q", fieldName, str)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			valueStr = fmt.Sprintf("%s: %d", fieldName, field.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			valueStr = fmt.Sprintf("%s: %d", fieldName, field.Uint())
		case reflect.Float32, reflect.Float64:
			valueStr = fmt.Sprintf("%s: %.2f", fieldName, field.Float())
		case reflect.Bool:
			valueStr = fmt.Sprintf("%s: %t", fieldName, field.Bool())
		case reflect.Slice, reflect.Array:
			valueStr = fmt.Sprintf("%s: [%d items]", fieldName, field.Len())
		default:
			valueStr = fmt.Sprintf("%s: (%s)", fieldName, field.Type().Name())
		}

		if valueStr != "" {
			details = append(details, valueStr)
		}
	}

	if len(details) == 0 {
		return ""
	}

	return strings.Join(details, ", ")
}
