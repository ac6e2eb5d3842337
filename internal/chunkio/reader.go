// Package chunkio implements the chunk layer of the riegeli reader: block
// framing, chunk-header hashing, and forward re-synchronization after
// corruption.
//
// The block header carries enough redundant data (previous/next chunk
// offsets plus its own hash) that chunks can span block boundaries
// freely, so reading is a block-header-skipping cursor over a
// bytesource.Source rather than a fixed ring buffer.
package chunkio

import (
	"errors"
	"fmt"
	"io"

	"github.com/gregorycollins/riegeli/internal/bytesource"
	"github.com/gregorycollins/riegeli/internal/chunk"
	"github.com/gregorycollins/riegeli/internal/observability"
	"github.com/gregorycollins/riegeli/internal/rerr"
)

// Chunk is a fully-read chunk: its header plus the (decompressed-pending)
// payload bytes, exactly data_size long.
type Chunk struct {
	Header  chunk.Header
	Payload []byte

	// Begin is the chunk_begin position.
	Begin uint64
}

// SkippedRegion is the [Begin, End) byte range bridged by a call to
// Recover, and why.
type SkippedRegion struct {
	Begin  uint64
	End    uint64
	Reason string
}

// FailureKind distinguishes which layer a recoverable failure was
// detected at.
type FailureKind int

const (
	// NoFailure means the reader is healthy.
	NoFailure FailureKind = iota
	// AtChunkReader means recovery should re-synchronize at the block
	// level (a header or payload hash mismatch).
	AtChunkReader
	// AtSource means the underlying byte source failed or truncated.
	AtSource
)

// Reader frames a byte stream into chunks, transparently skipping the
// 24-byte block headers interleaved at every 64 KiB.
//
// Not safe for concurrent use.
type Reader struct {
	src    bytesource.Source
	logger *observability.Logger

	// pos is the current chunk_begin: the position Reader considers itself
	// positioned at for the purpose of the next ReadChunk/PullChunkHeader
	// call. It always equals src.Position() except while a header has been
	// peeked but its payload not yet consumed (see pendingHeader).
	pos uint64

	// pendingHeader, if non-nil, is a header already decoded by
	// PullChunkHeader whose payload has not yet been read. pendingBegin is
	// its chunk_begin.
	pendingHeader *chunk.Header
	pendingBegin  uint64

	failure FailureKind
	err     error

	// failedAt is the chunk_begin at which the current failure was
	// detected, used to compute the skipped region on Recover.
	failedAt uint64
}

// New returns a Reader over src, initially positioned at src.Position().
func New(src bytesource.Source, logger *observability.Logger) *Reader {
	if logger == nil {
		logger = observability.NewNoOp()
	}
	return &Reader{src: src, logger: logger.With("component", "chunk_reader"), pos: src.Position()}
}

// Healthy reports whether the reader is free of an unresolved failure.
func (r *Reader) Healthy() bool { return r.failure == NoFailure }

// Failure returns the kind of the current failure (NoFailure if healthy)
// and the error describing it.
func (r *Reader) Failure() (FailureKind, error) { return r.failure, r.err }

// Pos returns the current chunk_begin.
func (r *Reader) Pos() uint64 { return r.pos }

// PendingBegin returns the physical chunk_begin of the header most
// recently returned by PullChunkHeader, valid only while that header's
// payload hasn't yet been consumed by ReadChunk/Seek/Recover. It lets a
// caller that peeked a header learn its true offset (which may sit just
// past a block header PullChunkHeader transparently skipped) without
// tracking the skip itself.
func (r *Reader) PendingBegin() uint64 { return r.pendingBegin }

// SupportsRandomAccess delegates to the underlying source.
func (r *Reader) SupportsRandomAccess() bool { return r.src.SupportsRandomAccess() }

// Size delegates to the underlying source.
func (r *Reader) Size() (uint64, bool) { return r.src.Size() }

// CheckFileFormat verifies that the stream begins with a valid
// FileSignature chunk.
func (r *Reader) CheckFileFormat() error {
	if r.pos != 0 {
		return fmt.Errorf("%w: CheckFileFormat called at position %d, not start of file", rerr.FailedPrecondition, r.pos)
	}

	h, err := r.PullChunkHeader()
	if err != nil {
		return err
	}
	if h.Type != chunk.TypeFileSignature || h.NumRecords != 0 || h.DataSize != 0 {
		return fmt.Errorf("%w: missing FileSignature chunk", rerr.DataLoss)
	}
	return nil
}

// PullChunkHeader decodes the header of the next chunk without consuming
// its payload. A subsequent ReadChunk call picks up from
// exactly where this call left the payload, so the peek never needs to be
// undone: if the caller decides not to treat this chunk specially, it
// simply calls ReadChunk to consume it normally.
func (r *Reader) PullChunkHeader() (chunk.Header, error) {
	if r.err != nil {
		return chunk.Header{}, r.err
	}
	if r.pendingHeader != nil {
		return *r.pendingHeader, nil
	}

	// A block header sitting exactly at the current position belongs to
	// the *next* chunk's framing, not this one: consume it first so begin
	// below is the chunk header's true physical offset, not the
	// block header that precedes it.
	if err := r.maybeConsumeBlockHeader(); err != nil {
		if errors.Is(err, io.EOF) {
			return chunk.Header{}, err
		}
		return chunk.Header{}, r.fail(r.pos, failureKind(err), wrapEOF(err))
	}

	begin := r.src.Position()
	data, err := r.readLogical(chunk.HeaderSize)
	if err != nil {
		if len(data) == 0 && errors.Is(err, io.EOF) {
			// Nothing at all was read before hitting end of file: this is
			// a clean terminal state, not a failure, so Healthy stays true.
			return chunk.Header{}, err
		}
		return chunk.Header{}, r.fail(begin, failureKind(err), wrapEOF(err))
	}

	h, err := chunk.DecodeHeader(data)
	if err != nil {
		return chunk.Header{}, r.fail(begin, AtChunkReader, err)
	}

	r.pendingHeader = &h
	r.pendingBegin = begin
	return h, nil
}

// ReadChunk reads and validates the next full chunk. On
// success, the reader is left positioned at the start of the following
// chunk.
func (r *Reader) ReadChunk() (Chunk, error) {
	if r.err != nil {
		return Chunk{}, r.err
	}

	h, err := r.PullChunkHeader()
	if err != nil {
		return Chunk{}, err
	}
	begin := r.pendingBegin

	payload, err := r.readLogical(int(h.DataSize))
	if err != nil {
		return Chunk{}, r.fail(begin, failureKind(err), wrapEOF(err))
	}
	if err := h.VerifyPayload(payload); err != nil {
		return Chunk{}, r.fail(begin, AtChunkReader, err)
	}

	padding := int(h.PaddedSize()) - chunk.HeaderSize - int(h.DataSize)
	if padding > 0 {
		if _, err := r.readLogical(padding); err != nil {
			return Chunk{}, r.fail(begin, failureKind(err), wrapEOF(err))
		}
	}

	r.pendingHeader = nil
	r.pos = r.src.Position()

	return Chunk{Header: h, Payload: payload, Begin: begin}, nil
}

// Seek moves the reader to an exact byte position asserted by the caller
// to be a chunk boundary.
func (r *Reader) Seek(pos uint64) error {
	if !r.src.SupportsRandomAccess() {
		return fmt.Errorf("%w: source does not support seeking", rerr.Unimplemented)
	}
	if err := r.src.Seek(pos); err != nil {
		return err
	}
	r.pos = pos
	r.pendingHeader = nil
	r.err = nil
	r.failure = NoFailure
	return nil
}

// SeekToChunkContaining positions the reader at the nearest chunk whose
// span covers position. It first finds, by walking
// backward from position's enclosing block, a block header whose
// next_chunk_offset identifies a real chunk header; it then walks forward
// chunk by chunk — each header's own data_size says exactly how far to
// the next one — until it reaches the chunk whose span contains position.
func (r *Reader) SeekToChunkContaining(position uint64) (uint64, error) {
	if !r.src.SupportsRandomAccess() {
		return 0, fmt.Errorf("%w: source does not support seeking", rerr.Unimplemented)
	}

	candidate, err := r.findChunkHeaderAtOrBefore(position, position-position%chunk.BlockSize)
	if err != nil {
		return 0, err
	}

	if err := r.Seek(candidate); err != nil {
		return 0, err
	}

	for {
		h, err := r.PullChunkHeader()
		if err != nil {
			return 0, err
		}
		begin := r.PendingBegin()
		if physicalEnd(begin, h.PaddedSize()) > position {
			return begin, nil
		}
		if _, err := r.ReadChunk(); err != nil {
			return 0, err
		}
	}
}

// physicalEnd returns the first byte past the chunk starting at begin,
// counting the block headers interleaved at each 64 KiB boundary the
// chunk's header+payload+padding span crosses.
func physicalEnd(begin, paddedSize uint64) uint64 {
	end := begin + paddedSize
	for b := begin - begin%chunk.BlockSize + chunk.BlockSize; b < end; b += chunk.BlockSize {
		end += chunk.BlockHeaderSize
	}
	return end
}

// findChunkHeaderAtOrBefore walks backward from blockStart, one block at a
// time, until it finds a block whose next_chunk_offset points at a
// structurally valid chunk header no later than position, and returns that
// header's position. A candidate past position means the chunk containing
// position began in an earlier block.
func (r *Reader) findChunkHeaderAtOrBefore(position, blockStart uint64) (uint64, error) {
	for {
		if err := r.src.Seek(blockStart); err != nil {
			return 0, err
		}
		hdrBuf, err := r.src.Pull(chunk.BlockHeaderSize)
		if err == nil || len(hdrBuf) >= chunk.BlockHeaderSize {
			if bh, derr := chunk.DecodeBlockHeader(hdrBuf); derr == nil && bh.NextChunkOffset < chunk.BlockSize {
				candidate := blockStart + bh.NextChunkOffset
				// A position inside the block header itself belongs to the
				// chunk that follows it.
				usable := candidate <= position || position < blockStart+chunk.BlockHeaderSize
				if usable && r.probeHeaderAt(candidate) {
					return candidate, nil
				}
			}
		}
		if blockStart == 0 {
			return 0, fmt.Errorf("%w: no chunk header found before position", rerr.DataLoss)
		}
		blockStart -= chunk.BlockSize
	}
}

// Recover advances to the next block boundary whose header's
// next_chunk_offset points at a header with a valid header_hash, reporting
// the bridged region.
//
// Returns (region, true) once the reader is healthy again. If no
// resumption point exists before end of file, the reader is left healthy
// at end of file and the region runs up to it. Returns false only when
// there is no failure to recover from.
func (r *Reader) Recover() (SkippedRegion, bool) {
	if r.failure == NoFailure {
		return SkippedRegion{}, false
	}

	begin := r.failedAt
	r.err = nil
	r.failure = NoFailure
	r.pendingHeader = nil

	pos := r.pos
	boundary := pos - pos%chunk.BlockSize
	if boundary < pos {
		boundary += chunk.BlockSize
	}

	for {
		if err := r.seekIfPossible(boundary); err != nil {
			return r.recoveredToEOF(begin)
		}

		hdrBuf, err := r.src.Pull(chunk.BlockHeaderSize)
		if err != nil && len(hdrBuf) < chunk.BlockHeaderSize {
			return r.recoveredToEOF(begin)
		}

		bh, err := chunk.DecodeBlockHeader(hdrBuf)
		if err != nil {
			boundary += chunk.BlockSize
			continue
		}

		if bh.NextChunkOffset >= chunk.BlockSize {
			// No chunk header starts within this block; keep scanning.
			boundary += chunk.BlockSize
			continue
		}

		candidate := boundary + bh.NextChunkOffset
		if r.probeHeaderAt(candidate) {
			if err := r.src.Seek(candidate); err != nil {
				return r.recoveredToEOF(begin)
			}
			r.pos = candidate
			region := SkippedRegion{Begin: begin, End: candidate, Reason: "data loss: resynchronized at next block boundary"}
			r.logger.CaptureWarn(observability.Sprintf("chunk reader: recovered, skipped [%d,%d)", region.Begin, region.End))
			return region, true
		}

		boundary += chunk.BlockSize
	}
}

// seekIfPossible seeks to pos if the source supports random access,
// otherwise advances sequentially by reading and discarding.
func (r *Reader) seekIfPossible(pos uint64) error {
	if r.src.SupportsRandomAccess() {
		return r.src.Seek(pos)
	}
	for r.src.Position() < pos {
		want := int(pos - r.src.Position())
		const maxStep = 1 << 20
		if want > maxStep {
			want = maxStep
		}
		buf, err := r.src.Pull(want)
		if len(buf) == 0 && err != nil {
			return err
		}
		n := len(buf)
		if uint64(n) > pos-r.src.Position() {
			n = int(pos - r.src.Position())
		}
		r.src.Advance(n)
		if err != nil {
			return err
		}
	}
	return nil
}

// probeHeaderAt reports whether a structurally valid chunk header (valid
// header_hash) exists at pos, without disturbing the reader's cursor
// permanently if it doesn't pan out.
func (r *Reader) probeHeaderAt(pos uint64) bool {
	if err := r.src.Seek(pos); err != nil {
		return false
	}
	buf, err := r.src.Pull(chunk.HeaderSize)
	if err != nil && len(buf) < chunk.HeaderSize {
		return false
	}
	_, err = chunk.DecodeHeader(buf)
	return err == nil
}

func (r *Reader) recoveredToEOF(begin uint64) (SkippedRegion, bool) {
	size, ok := r.src.Size()
	end := r.src.Position()
	if ok {
		end = size
		_ = r.src.Seek(size)
	}
	r.pos = end
	region := SkippedRegion{Begin: begin, End: end, Reason: "data loss: no further valid chunk before end of file"}
	r.logger.CaptureWarn(observability.Sprintf("chunk reader: recovered to end of file, skipped [%d,%d)", region.Begin, region.End))
	return region, true
}

// readLogical reads exactly n bytes of chunk data starting at the current
// position, transparently consuming and validating any block header
// encountered at a 64 KiB boundary along the way.
func (r *Reader) readLogical(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		if err := r.maybeConsumeBlockHeader(); err != nil {
			return out, err
		}

		pos := r.src.Position()
		nextBoundary := pos - pos%chunk.BlockSize + chunk.BlockSize
		avail := int(nextBoundary - pos)
		want := n - len(out)
		if want > avail {
			want = avail
		}

		buf, err := r.src.Pull(want)
		take := len(buf)
		if take > want {
			take = want
		}
		out = append(out, buf[:take]...)
		r.src.Advance(take)
		if take < want {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return out, err
		}
	}
	return out, nil
}

// maybeConsumeBlockHeader reads and validates the block header at the
// current position if it sits exactly at a 64 KiB boundary.
func (r *Reader) maybeConsumeBlockHeader() error {
	pos := r.src.Position()
	if pos%chunk.BlockSize != 0 {
		return nil
	}

	buf, err := r.src.Pull(chunk.BlockHeaderSize)
	if len(buf) < chunk.BlockHeaderSize {
		if len(buf) == 0 && errors.Is(err, io.EOF) {
			// Nothing at all follows: a clean end of file, not truncation.
			return err
		}
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return err
	}

	if _, err := chunk.DecodeBlockHeader(buf); err != nil {
		return err
	}
	r.src.Advance(chunk.BlockHeaderSize)
	return nil
}

// fail records a failure detected at begin and returns the error to
// propagate to the caller.
func (r *Reader) fail(begin uint64, kind FailureKind, err error) error {
	r.failure = kind
	r.failedAt = begin
	r.err = err
	r.logger.CaptureWarn(observability.Sprintf("chunk reader: failure at byte %d: %v", begin, err))
	return err
}

// failureKind classifies a mid-read error: an invalid block header is
// corruption recoverable by block-level resynchronization, anything else
// (truncation, I/O failure) is a source-level failure.
func failureKind(err error) FailureKind {
	if errors.Is(err, rerr.DataLoss) {
		return AtChunkReader
	}
	return AtSource
}

// wrapEOF marks a read failure as Truncated. Callers only reach this after
// ruling out the single legitimate case of end-of-file (nothing at all was
// read before hitting io.EOF); by this point any io.EOF or
// io.ErrUnexpectedEOF means the stream ended in the middle of something
// structurally required to be there, which is data loss.
func wrapEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", rerr.Truncated, err)
	}
	return err
}
