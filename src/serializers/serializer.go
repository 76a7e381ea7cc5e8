package serializers

import (
	"github.com/square-key-labs/maqsam-agent/src/frames"
)

// SerializerType defines the serialization format type
type SerializerType string

const (
	SerializerTypeBinary SerializerType = "binary"
	SerializerTypeText   SerializerType = "text"
)

// FrameSerializer translates between pipeline frames and a telephony
// platform's wire format.
type FrameSerializer interface {
	// Type returns the serialization type (binary or text)
	Type() SerializerType

	// Setup initializes the serializer with startup configuration
	Setup(frame frames.Frame) error

	// Serialize converts a frame to its wire representation. A nil
	// result with nil error means the frame has no wire equivalent.
	Serialize(frame frames.Frame) (interface{}, error)

	// Deserialize converts wire data back to a frame. Accepts either
	// string or []byte depending on serializer type. A nil frame with
	// nil error means the message carried nothing for the pipeline.
	Deserialize(data interface{}) (frames.Frame, error)

	// Cleanup releases any resources held by the serializer
	Cleanup() error
}

// CallContextProvider is implemented by serializers that learn the call
// context during session setup. The transport uses it to inject a
// CallContextFrame into the pipeline once the session is established.
type CallContextProvider interface {
	// CallContext returns the current call context and whether one has
	// been received yet.
	CallContext() (frames.CallContext, bool)
}
