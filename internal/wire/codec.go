package wire

import (
	"github.com/dmitrijs2005/petsync/internal/codec"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype served by the sync service.
const CodecName = "cbor"

type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error) { return codec.Marshal(v) }

func (cborCodec) Unmarshal(data []byte, v any) error { return codec.Unmarshal(data, v) }

func (cborCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(cborCodec{})
}
