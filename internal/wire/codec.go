package wire

import (
	"fmt"
	"os"
)

// Codec defines the interface for encoding/decoding wire envelopes and
// their inner payloads. Implementations must be self-describing: both ends
// of the channel decode without any schema negotiation.
type Codec interface {
	// Marshal serializes a value to bytes.
	Marshal(v interface{}) ([]byte, error)

	// Unmarshal deserializes bytes to a value.
	Unmarshal(data []byte, v interface{}) error

	// Name returns the name of the codec, for logging and diagnostics.
	Name() string
}

// CodecType names a supported wire encoding.
type CodecType string

const (
	// CodecMessagePack uses MessagePack encoding (the default: compact,
	// self-describing, no schema negotiation required).
	CodecMessagePack CodecType = "msgpack"
	// CodecJSON uses JSON encoding.
	CodecJSON CodecType = "json"
)

// GetJSONCodecType returns the JSON codec implementation compiled into this
// binary. Can be overridden with the PROCPOOL_JSON_CODEC environment
// variable for diagnostics.
func GetJSONCodecType() string {
	if codecType := os.Getenv("PROCPOOL_JSON_CODEC"); codecType != "" {
		return codecType
	}
	return (&JSONCodec{}).Name()
}

// NewCodec constructs a Codec for the given CodecType. An empty CodecType
// selects the default (MessagePack).
func NewCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecMessagePack, "":
		return &MessagePackCodec{}, nil
	case CodecJSON:
		return &JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown codec type: %s", codecType)
	}
}
