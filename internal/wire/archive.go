package wire

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/petsync/internal/codec"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
)

// ErrArchiveChecksum is returned when a downloaded archive does not match
// the checksum announced in the pull response.
var ErrArchiveChecksum = errors.New("archive checksum mismatch")

// Archive is the payload of an offloaded full snapshot.
type Archive struct {
	Version int64     `cbor:"version"`
	Records []*Record `cbor:"records"`
}

var (
	zenc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zdec, _ = zstd.NewReader(nil)
)

// EncodeArchive serializes a to CBOR, compresses it with zstd and returns
// the bytes with their hex BLAKE2b-256 checksum.
func EncodeArchive(a *Archive) ([]byte, string, error) {
	raw, err := codec.Marshal(a)
	if err != nil {
		return nil, "", fmt.Errorf("encode archive: %w", err)
	}
	data := zenc.EncodeAll(raw, nil)
	return data, Checksum(data), nil
}

// DecodeArchive verifies data against checksum and decodes it.
func DecodeArchive(data []byte, checksum string) (*Archive, error) {
	if Checksum(data) != checksum {
		return nil, ErrArchiveChecksum
	}
	raw, err := zdec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress archive: %w", err)
	}
	a := &Archive{}
	if err := codec.Unmarshal(raw, a); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	return a, nil
}

func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
