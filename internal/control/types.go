// Package control defines the message envelope exchanged on the control
// socket between a ClusterSupervisor's process-based WorkerSupervisor and
// the child process it manages: listening-address announcements, listener
// errors, health pulses, and stop requests/acks.
package control

import "fmt"

// Codec serializes an Envelope's payload. Structurally identical to
// nanny.Codec so callers can hand in any of pkg/nanny's codec
// implementations without this package importing pkg/nanny.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	Name() string
}

// MessageType identifies the kind of payload carried by an Envelope.
type MessageType string

const (
	// MessageTypeListenRequest carries a ListenRequest (child -> nanny): the
	// (port, address) the child wants to serve on.
	MessageTypeListenRequest MessageType = "listen_request"
	// MessageTypeAddress carries an AddressAnnounce (nanny -> child): the
	// OS-granted address of the LoadBalancer now serving that request.
	MessageTypeAddress MessageType = "address"
	// MessageTypeError carries an ErrorAnnounce (nanny -> child).
	MessageTypeError MessageType = "error"
	// MessageTypePulse carries a HealthPulse (child -> nanny).
	MessageTypePulse MessageType = "pulse"
	// MessageTypeStop carries a StopRequest (nanny -> child).
	MessageTypeStop MessageType = "stop"
	// MessageTypeStopAck carries a StopAck (child -> nanny).
	MessageTypeStopAck MessageType = "stop_ack"
)

// Envelope is the wire-level wrapper for every control message. Payload
// holds the message already encoded with the same Codec the nanny and its
// child agreed on; the envelope then carries those bytes as a byte string
// (base64 text under JSON, a bin value under MessagePack).
type Envelope struct {
	Type    MessageType `json:"type" msgpack:"type"`
	Payload []byte      `json:"payload" msgpack:"payload"`
}

// ListenRequest asks the nanny to create or join a LoadBalancer for
// (port, address).
type ListenRequest struct {
	Port    int    `json:"port"`
	Address string `json:"address"`
}

// AddressAnnounce informs a worker which address its listener is bound to.
type AddressAnnounce struct {
	Port    int    `json:"port"`
	Address string `json:"address"`
}

// ErrorAnnounce informs a worker that its listener has failed.
type ErrorAnnounce struct {
	Port  int    `json:"port"`
	Error string `json:"error"`
}

// MemoryUsage mirrors the spec's HealthReport.memoryUsage fields.
type MemoryUsage struct {
	RSS       uint64 `json:"rss"`
	HeapTotal uint64 `json:"heapTotal"`
	HeapUsed  uint64 `json:"heapUsed"`
}

// HealthPulse is produced by the worker once per pulse window.
type HealthPulse struct {
	Memory MemoryUsage `json:"memoryUsage"`
	Load   int64       `json:"load"` // milliseconds busy over the last pulse window
}

// StopRequest asks the worker to begin a graceful shutdown within GraceMillis.
type StopRequest struct {
	GraceMillis int64 `json:"graceMillis"`
}

// StopAck confirms the worker has begun (or completed) its shutdown.
type StopAck struct{}

// Wrap marshals payload with codec and wraps it in an Envelope of the given
// type.
func Wrap(codec Codec, msgType MessageType, payload interface{}) (*Envelope, error) {
	body, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("control: marshal %s payload: %w", msgType, err)
	}
	return &Envelope{Type: msgType, Payload: body}, nil
}

// Marshal serializes the envelope using codec.
func (e *Envelope) Marshal(codec Codec) ([]byte, error) {
	return codec.Marshal(e)
}

// Unmarshal deserializes an envelope using codec.
func (e *Envelope) Unmarshal(codec Codec, data []byte) error {
	return codec.Unmarshal(data, e)
}

// UnmarshalPayload decodes the envelope's payload into v using codec.
func (e *Envelope) UnmarshalPayload(codec Codec, v interface{}) error {
	if e.Payload == nil {
		return fmt.Errorf("control: envelope has no payload")
	}
	return codec.Unmarshal(e.Payload, v)
}

// UnwrapEnvelope parses a raw control-socket frame into an Envelope.
func UnwrapEnvelope(codec Codec, data []byte) (*Envelope, error) {
	var env Envelope
	if err := env.Unmarshal(codec, data); err != nil {
		return nil, fmt.Errorf("control: unmarshal envelope: %w", err)
	}
	return &env, nil
}
