package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype of the CBOR codec.
const CodecName = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Deterministic encoding keeps message sizes stable for the chunker.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: cbor decode mode: %v", err))
	}
	encoding.RegisterCodec(Codec{})
}

// Codec is a gRPC codec marshaling messages as CBOR.
type Codec struct{}

// Name returns the content-subtype
func (Codec) Name() string {
	return CodecName
}

// Marshal encodes v as CBOR
func (Codec) Marshal(v any) ([]byte, error) {
	return Encode(v)
}

// Unmarshal decodes CBOR data into v
func (Codec) Unmarshal(data []byte, v any) error {
	return Decode(data, v)
}

// Encode encodes a wire value to CBOR bytes.
func Encode(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor encode %T: %w", v, err)
	}
	return data, nil
}

// Decode decodes CBOR bytes into a wire value.
func Decode(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor decode %T: %w", v, err)
	}
	return nil
}

// EncodedSize returns the CBOR size of a message.
func EncodedSize(m *QueryMessage) (int, error) {
	data, err := Encode(m)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}
