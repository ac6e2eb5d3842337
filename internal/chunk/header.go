package chunk

import (
	"encoding/binary"
	"fmt"

	"github.com/gregorycollins/riegeli/internal/rerr"
	"github.com/gregorycollins/riegeli/internal/rhash"
)

// BlockSize is the fixed size in bytes of a block.
//
// Every multiple of BlockSize in the file carries a BlockHeader; chunk payloads
// are never laid out across that boundary without the reader transparently
// skipping the header (see chunkio.Reader).
const BlockSize = 64 * 1024

// HeaderSize is the on-disk size of a chunk Header.
const HeaderSize = 40

// MaxNumRecords is the largest value num_records can hold: it is packed into
// the high 56 bits of chunk_type_and_num_records alongside the 8-bit type.
const MaxNumRecords = 1<<56 - 1

// Header is the 40-byte chunk header that precedes every chunk's payload.
type Header struct {
	DataHash        uint64
	DataSize        uint64
	Type            Type
	NumRecords      uint64
	DecodedDataSize uint64
	HeaderHash      uint64
}

// Encode writes h's wire representation (without validating it) to dst,
// which must be at least HeaderSize bytes.
func (h Header) Encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], h.DataHash)
	binary.LittleEndian.PutUint64(dst[8:16], h.DataSize)
	binary.LittleEndian.PutUint64(dst[16:24], packTypeAndNumRecords(h.Type, h.NumRecords))
	binary.LittleEndian.PutUint64(dst[24:32], h.DecodedDataSize)
	binary.LittleEndian.PutUint64(dst[32:40], h.HeaderHash)
}

// Sign computes and stores the header_hash field over the first 32 bytes of
// h's encoding.
func (h *Header) Sign() {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.DataHash)
	binary.LittleEndian.PutUint64(buf[8:16], h.DataSize)
	binary.LittleEndian.PutUint64(buf[16:24], packTypeAndNumRecords(h.Type, h.NumRecords))
	binary.LittleEndian.PutUint64(buf[24:32], h.DecodedDataSize)
	h.HeaderHash = rhash.Of(buf[:])
}

// DecodeHeader parses a 40-byte chunk header from src and verifies its
// header_hash. It does not verify data_hash, since the payload may not yet
// be available.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, fmt.Errorf("chunk: short header (%d bytes)", len(src))
	}

	h := Header{
		DataHash:        binary.LittleEndian.Uint64(src[0:8]),
		DataSize:        binary.LittleEndian.Uint64(src[8:16]),
		DecodedDataSize: binary.LittleEndian.Uint64(src[24:32]),
		HeaderHash:      binary.LittleEndian.Uint64(src[32:40]),
	}
	h.Type, h.NumRecords = unpackTypeAndNumRecords(binary.LittleEndian.Uint64(src[16:24]))

	if got := rhash.Of(src[0:32]); got != h.HeaderHash {
		return Header{}, fmt.Errorf("%w: header hash mismatch (want %x, got %x)", rerr.DataLoss, h.HeaderHash, got)
	}
	if !h.Type.Valid() {
		return Header{}, fmt.Errorf("%w: reserved chunk type %#x", rerr.DataLoss, byte(h.Type))
	}
	if h.DataSize > 1<<62 {
		// A size this large would overflow position arithmetic long before
		// the payload could exist.
		return Header{}, fmt.Errorf("%w: chunk data_size %d exceeds addressable range", rerr.Overflow, h.DataSize)
	}
	return h, nil
}

// VerifyPayload checks that data matches h.DataHash. data must be exactly
// h.DataSize bytes (padding excluded).
func (h Header) VerifyPayload(data []byte) error {
	if uint64(len(data)) != h.DataSize {
		return fmt.Errorf("%w: payload length %d != data_size %d", rerr.DataLoss, len(data), h.DataSize)
	}
	if got := rhash.Of(data); got != h.DataHash {
		return fmt.Errorf("%w: payload hash mismatch (want %x, got %x)", rerr.DataLoss, h.DataHash, got)
	}
	return nil
}

// PaddedSize returns the total on-disk size of the chunk (header + payload
// + zero padding to an 8-byte boundary). It excludes any block headers
// interleaved within the chunk's span.
func (h Header) PaddedSize() uint64 {
	total := uint64(HeaderSize) + h.DataSize
	if rem := total % 8; rem != 0 {
		total += 8 - rem
	}
	return total
}

func packTypeAndNumRecords(t Type, n uint64) uint64 {
	return uint64(byte(t)) | (n&MaxNumRecords)<<8
}

func unpackTypeAndNumRecords(v uint64) (Type, uint64) {
	return Type(byte(v)), v >> 8
}
