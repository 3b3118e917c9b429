package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName overrides grpc's built-in "proto" codec. There is no generated
// alertpb package to satisfy proto.Message, so every message exchanged on
// this transport is a plain Go struct tagged for encoding/json instead.
const codecName = "proto"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec by marshalling with encoding/json. It
// registers itself under the name "proto" so that grpc-go's default
// content-subtype negotiation (which always asks for "proto") picks it up
// without any client or server option changes.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("transport: unmarshal into %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }
