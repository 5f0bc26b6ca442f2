package transport

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// gobCodecName is registered with gRPC's encoding package and forced on
// every connection via grpc.ForceCodec, so messages never need the
// generated protobuf marshaling the teacher's proto package relied on (see
// DESIGN.md: no protoc toolchain was available to regenerate it).
const gobCodecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

type gobCodec struct{}

func (gobCodec) Name() string { return gobCodecName }

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob codec: marshal failed: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("gob codec: unmarshal failed: %w", err)
	}
	return nil
}

// Codec returns the registered gob codec so callers can force it with
// grpc.ForceCodec on both the dial side and the server side.
func Codec() encoding.Codec { return gobCodec{} }
