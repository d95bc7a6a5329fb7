// Package wirecodec lets the Invoker (C6) place an already-encoded payload
// directly on the gRPC wire without a generated message type. The bridge
// never compiles backend .proto files; the Schema Translator (C7) produces
// canonical bytes and the Invoker hands them to grpc.ClientConn.Invoke
// through this codec, which treats the payload as an opaque byte string in
// both directions.
package wirecodec

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is registered with grpc's encoding registry and requested per-call
// via grpc.ForceCodec.
const Name = "bridge-raw"

// RawBytes is the request/response carrier type Codec understands. Any
// other type is a programmer error, not a wire-format error, so Marshal and
// Unmarshal reject it loudly.
type RawBytes []byte

// Codec implements google.golang.org/grpc/encoding.Codec by passing
// RawBytes straight through, with no framing beyond what gRPC itself adds.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	b, ok := v.(RawBytes)
	if !ok {
		return nil, fmt.Errorf("wirecodec: Marshal called with %T, want RawBytes", v)
	}
	return b, nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	p, ok := v.(*RawBytes)
	if !ok {
		return fmt.Errorf("wirecodec: Unmarshal called with %T, want *RawBytes", v)
	}
	*p = append((*p)[:0], data...)
	return nil
}

func (Codec) Name() string { return Name }

func init() {
	encoding.RegisterCodec(Codec{})
}
