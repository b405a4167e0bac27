package nanny

import (
	"fmt"
	"os"
)

// Codec serializes control-channel envelopes exchanged between a
// ClusterSupervisor's process-based WorkerSupervisor and the child process
// it manages.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	Name() string
}

// CodecType selects a Codec implementation.
type CodecType string

const (
	// CodecJSON uses JSON encoding (default).
	CodecJSON CodecType = "json"
	// CodecMessagePack uses MessagePack encoding.
	CodecMessagePack CodecType = "msgpack"
)

// GetJSONCodecType reports which JSON codec implementation this binary was
// built with, or the NANNY_JSON_CODEC override if set.
func GetJSONCodecType() string {
	if codecType := os.Getenv("NANNY_JSON_CODEC"); codecType != "" {
		return codecType
	}
	return (&JSONCodec{}).Name()
}

// NewCodec constructs a Codec for codecType.
func NewCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecJSON, "":
		return &JSONCodec{}, nil
	case CodecMessagePack:
		return &MessagePackCodec{}, nil
	default:
		return nil, fmt.Errorf("nanny: unknown codec type: %s", codecType)
	}
}
