package chunk

import (
	"encoding/binary"
	"fmt"

	"github.com/gregorycollins/riegeli/internal/rerr"
	"github.com/gregorycollins/riegeli/internal/rhash"
)

// BlockHeaderSize is the on-disk size of a BlockHeader.
const BlockHeaderSize = 24

// BlockHeader is the 24-byte record interleaved at every multiple of
// BlockSize.
type BlockHeader struct {
	// PreviousChunkOffset is BlockSize - NextChunkOffset: a redundant
	// field carried purely so a reader re-synchronizing after corruption
	// can sanity-check a candidate block header against the invariant
	// below before trusting it.
	PreviousChunkOffset uint64

	// NextChunkOffset is the distance, in bytes, from the start of this
	// block forward to the next chunk header that starts inside this
	// block (at least BlockHeaderSize), or exactly BlockSize if no chunk
	// header starts within this block.
	NextChunkOffset uint64
}

// Encode writes the block header's wire representation, including its
// header_hash, to dst (which must be at least BlockHeaderSize bytes).
func (b BlockHeader) Encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[8:16], b.PreviousChunkOffset)
	binary.LittleEndian.PutUint64(dst[16:24], b.NextChunkOffset)
	binary.LittleEndian.PutUint64(dst[0:8], rhash.Of(dst[8:24]))
}

// DecodeBlockHeader parses and validates a 24-byte block header: its own
// internal hash, and the invariant previous_chunk_offset + next_chunk_offset
// == BlockSize.
func DecodeBlockHeader(src []byte) (BlockHeader, error) {
	if len(src) < BlockHeaderSize {
		return BlockHeader{}, fmt.Errorf("chunk: short block header (%d bytes)", len(src))
	}

	headerHash := binary.LittleEndian.Uint64(src[0:8])
	b := BlockHeader{
		PreviousChunkOffset: binary.LittleEndian.Uint64(src[8:16]),
		NextChunkOffset:     binary.LittleEndian.Uint64(src[16:24]),
	}

	if got := rhash.Of(src[8:24]); got != headerHash {
		return BlockHeader{}, fmt.Errorf("%w: block header hash mismatch (want %x, got %x)", rerr.DataLoss, headerHash, got)
	}
	if b.PreviousChunkOffset+b.NextChunkOffset != BlockSize {
		return BlockHeader{}, fmt.Errorf("%w: block header offsets %d+%d != block size %d",
			rerr.DataLoss, b.PreviousChunkOffset, b.NextChunkOffset, BlockSize)
	}
	return b, nil
}
