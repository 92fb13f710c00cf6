// Package codec provides the CBOR encoding used for command payloads and
// for the broker's gRPC wire format.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// logical value always produces identical bytes. Decoding ignores unknown
// fields, which lets services add fields to their models without breaking
// older brokers.
package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Name is the content subtype the codec registers under with gRPC.
const Name = "cbor"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Payload maps decoded into any must be usable as map[string]any.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// GRPC implements the grpc encoding.Codec interface on top of CBOR, so
// broker messages travel as plain Go structs without generated stubs.
type GRPC struct{}

// Marshal encodes a broker message.
func (GRPC) Marshal(v any) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes a broker message.
func (GRPC) Unmarshal(data []byte, v any) error {
	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor unmarshal %T: %w", v, err)
	}
	return nil
}

// Name returns the codec's content subtype.
func (GRPC) Name() string {
	return Name
}
