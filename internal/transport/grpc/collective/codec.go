package collectivegrpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the hub protocol.
const CodecName = "checkpointlab-hub"

// wireMessage is implemented by every hub request and response.
type wireMessage interface {
	marshalWire() []byte
	unmarshalWire(data []byte) error
}

// hubCodec marshals the hand-encoded hub messages. The hub server must be
// built with grpc.ForceServerCodec(Codec()); Dial installs the client side.
type hubCodec struct{}

// Codec returns the codec for the hub protocol.
func Codec() encoding.Codec { return hubCodec{} }

func (hubCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("collectivegrpc: cannot marshal %T", v)
	}
	return m.marshalWire(), nil
}

func (hubCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("collectivegrpc: cannot unmarshal into %T", v)
	}
	return m.unmarshalWire(data)
}

func (hubCodec) Name() string { return CodecName }
