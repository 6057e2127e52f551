// Package codec is the single CBOR encoding used for patch blobs in the
// local store, records in the remote store, and gRPC messages.
//
// Encoding is Core Deterministic (RFC 8949 §4.2): sorted map keys and
// smallest integer encoding, so the same logical value always produces the
// same bytes. Decoding into `any` yields map[string]any for maps and int64
// for integers, which keeps decoded patches comparable with freshly
// normalized ones.
package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

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
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
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

// Normalize round-trips a field map through the codec so callers hold the
// exact value shapes a later decode would produce (int → int64 and so on).
// Values the codec cannot represent are reported as an error.
func Normalize(fields map[string]any) (map[string]any, error) {
	if fields == nil {
		return nil, nil
	}
	b, err := Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	out := make(map[string]any, len(fields))
	if err := Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return out, nil
}
