// Package wire defines the typed messages exchanged between the host and a
// worker process, and the self-describing codec used to encode them.
package wire

import (
	"errors"
	"fmt"
)

// MessageType is the one-of-six discriminant carried by every Envelope.
type MessageType uint8

const (
	MessageTypeMethodInvocation MessageType = 1
	MessageTypeMethodResult     MessageType = 2
	MessageTypeHealthReport     MessageType = 3
	MessageTypeShutdown         MessageType = 4
	MessageTypePing             MessageType = 5
	MessageTypePong             MessageType = 6
)

// String renders a MessageType for logging; unknown values are reported
// explicitly rather than silently formatted as a bare integer.
func (t MessageType) String() string {
	switch t {
	case MessageTypeMethodInvocation:
		return "MethodInvocation"
	case MessageTypeMethodResult:
		return "MethodResult"
	case MessageTypeHealthReport:
		return "HealthReport"
	case MessageTypeShutdown:
		return "Shutdown"
	case MessageTypePing:
		return "Ping"
	case MessageTypePong:
		return "Pong"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// ErrUnknownMessageType is returned when an Envelope's discriminant does not
// match any of the six known message types. Unknown discriminants always
// fail decode; they are never silently dropped.
var ErrUnknownMessageType = errors.New("wire: unknown message type")

// Envelope is the top-level shape carried over the wire: a discriminant, an
// inner payload encoded according to that discriminant, and a timestamp set
// by the sender.
type Envelope struct {
	MessageType MessageType `msgpack:"message_type" json:"message_type"`
	Payload     []byte      `msgpack:"payload" json:"payload"`
	Timestamp   uint64      `msgpack:"timestamp" json:"timestamp"`
}

// MethodInvocation is the inner payload for MessageTypeMethodInvocation.
type MethodInvocation struct {
	CorrelationID uint64   `msgpack:"correlation_id" json:"correlation_id"`
	Method        string   `msgpack:"method" json:"method"`
	ParamTypeTags []string `msgpack:"param_type_tags" json:"param_type_tags"`
	ParamPayloads [][]byte `msgpack:"param_payloads" json:"param_payloads"`
	TimeoutMS     uint64   `msgpack:"timeout_ms" json:"timeout_ms"`
}

// MethodResult is the inner payload for MessageTypeMethodResult.
//
// On success ReturnPayload/ReturnTypeTag are populated and the Remote*
// fields are empty. On failure the Remote* fields are populated and
// ReturnPayload is nil.
type MethodResult struct {
	CorrelationID uint64 `msgpack:"correlation_id" json:"correlation_id"`
	Success       bool   `msgpack:"success" json:"success"`
	ReturnPayload []byte `msgpack:"return_payload,omitempty" json:"return_payload,omitempty"`
	ReturnTypeTag string `msgpack:"return_type_tag,omitempty" json:"return_type_tag,omitempty"`
	RemoteKind    string `msgpack:"remote_kind,omitempty" json:"remote_kind,omitempty"`
	RemoteMessage string `msgpack:"remote_message,omitempty" json:"remote_message,omitempty"`
	RemoteStack   string `msgpack:"remote_stack,omitempty" json:"remote_stack,omitempty"`
}

// HealthReport is the inner payload for MessageTypeHealthReport. Reserved
// on the wire per the polling-only health model; nothing in the critical
// path sends or expects one today.
type HealthReport struct {
	WorkerID    string `msgpack:"worker_id" json:"worker_id"`
	MemoryMB    uint64 `msgpack:"memory_mb" json:"memory_mb"`
	CallCount   uint64 `msgpack:"call_count" json:"call_count"`
	UptimeMS    uint64 `msgpack:"uptime_ms" json:"uptime_ms"`
}

// Shutdown is the (empty) inner payload for MessageTypeShutdown.
type Shutdown struct{}

// Ping is the inner payload for MessageTypePing.
type Ping struct {
	Nonce uint64 `msgpack:"nonce" json:"nonce"`
}

// Pong is the inner payload for MessageTypePong, echoing the Ping's nonce.
type Pong struct {
	Nonce uint64 `msgpack:"nonce" json:"nonce"`
}

// DecodedMessage is the result of fully decoding an Envelope: the
// discriminant plus the already-unmarshaled inner value, ready for a type
// switch at the call site.
type DecodedMessage struct {
	Type  MessageType
	Value interface{}
}

// DecodeEnvelope decodes an Envelope's inner Payload into the concrete Go
// type matching its MessageType. It never returns a message whose Value is
// left as raw bytes: an unrecognized MessageType is a decode error.
func DecodeEnvelope(codec Codec, env *Envelope) (DecodedMessage, error) {
	switch env.MessageType {
	case MessageTypeMethodInvocation:
		var v MethodInvocation
		if err := codec.Unmarshal(env.Payload, &v); err != nil {
			return DecodedMessage{}, fmt.Errorf("wire: decode MethodInvocation: %w", err)
		}
		return DecodedMessage{Type: env.MessageType, Value: v}, nil
	case MessageTypeMethodResult:
		var v MethodResult
		if err := codec.Unmarshal(env.Payload, &v); err != nil {
			return DecodedMessage{}, fmt.Errorf("wire: decode MethodResult: %w", err)
		}
		return DecodedMessage{Type: env.MessageType, Value: v}, nil
	case MessageTypeHealthReport:
		var v HealthReport
		if err := codec.Unmarshal(env.Payload, &v); err != nil {
			return DecodedMessage{}, fmt.Errorf("wire: decode HealthReport: %w", err)
		}
		return DecodedMessage{Type: env.MessageType, Value: v}, nil
	case MessageTypeShutdown:
		return DecodedMessage{Type: env.MessageType, Value: Shutdown{}}, nil
	case MessageTypePing:
		var v Ping
		if err := codec.Unmarshal(env.Payload, &v); err != nil {
			return DecodedMessage{}, fmt.Errorf("wire: decode Ping: %w", err)
		}
		return DecodedMessage{Type: env.MessageType, Value: v}, nil
	case MessageTypePong:
		var v Pong
		if err := codec.Unmarshal(env.Payload, &v); err != nil {
			return DecodedMessage{}, fmt.Errorf("wire: decode Pong: %w", err)
		}
		return DecodedMessage{Type: env.MessageType, Value: v}, nil
	default:
		return DecodedMessage{}, fmt.Errorf("%w: %d", ErrUnknownMessageType, env.MessageType)
	}
}

// EncodeEnvelope encodes an inner message value into an Envelope with the
// given MessageType and timestamp, ready for framing.
func EncodeEnvelope(codec Codec, msgType MessageType, timestamp uint64, value interface{}) (*Envelope, error) {
	payload, err := codec.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s payload: %w", msgType, err)
	}
	return &Envelope{MessageType: msgType, Payload: payload, Timestamp: timestamp}, nil
}
