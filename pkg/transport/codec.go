package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype of raw group frames.
const codecName = "zephyr-frame"

// Frame is the request and response message of the Deliver method. The
// payload travels as is; no protobuf schema is involved.
type Frame struct {
	Data []byte
}

type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("frame codec: cannot marshal %T", v)
	}
	return f.Data, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("frame codec: cannot unmarshal into %T", v)
	}
	f.Data = append(f.Data[:0], data...)
	return nil
}

func (frameCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(frameCodec{})
}
