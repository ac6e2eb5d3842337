// Package riegeli implements a read-only client for the riegeli record
// file format: framed, optionally compressed and columnar-encoded
// sequences of byte-string records with a recoverable-corruption model.
package riegeli

import (
	"fmt"
	"io"
	"os"

	"github.com/gregorycollins/riegeli/internal/bytesource"
	"github.com/gregorycollins/riegeli/internal/chunk"
	"github.com/gregorycollins/riegeli/internal/chunkdecoder"
	"github.com/gregorycollins/riegeli/internal/chunkio"
	"github.com/gregorycollins/riegeli/internal/observability"
	"github.com/gregorycollins/riegeli/internal/rerr"
)

// ReaderOption configures a RecordReader at construction time.
type ReaderOption func(*RecordReader)

// WithLogger attaches a structured logger; without one, log output is
// discarded.
func WithLogger(logger *observability.Logger) ReaderOption {
	return func(r *RecordReader) { r.logger = logger }
}

// WithRecoveryFunc registers a callback invoked with each SkippedRegion
// bridged by Recover. Without one, skipped regions are simply dropped.
func WithRecoveryFunc(f RecoveryFunc) ReaderOption {
	return func(r *RecordReader) { r.onRecover = f }
}

// WithFieldProjection restricts which fields of Transposed-chunk records
// are reconstructed. It has no effect
// on Simple chunks.
func WithFieldProjection(proj chunkdecoder.FieldProjection) ReaderOption {
	return func(r *RecordReader) { r.proj = proj }
}

// RecordReader is the user-facing state machine over a riegeli stream:
// iteration, seeking by record or by byte position, and corruption
// recovery.
//
// Not safe for concurrent use.
type RecordReader struct {
	cr     *chunkio.Reader
	logger *observability.Logger
	proj   chunkdecoder.FieldProjection

	onRecover RecoveryFunc

	// closer, when the reader owns its underlying file, is closed by
	// Close.
	closer io.Closer
	closed bool

	// started is set once the leading FileSignature chunk has been
	// verified, or a seek moved the reader away from the start.
	started bool

	metadataDone bool
	metadata     Metadata

	// dec decodes the chunk currently loaded, if any. curChunkBegin is
	// that chunk's begin position while dec != nil, and otherwise the
	// position of the next chunk to read, except after a chunk-decoder
	// failure, when it is the failed chunk's begin until Recover.
	dec           *chunkdecoder.Decoder
	curChunkBegin uint64

	// recoverable and failErr describe the current failure, if any, not
	// yet resolved by Recover.
	recoverable Recoverable
	failErr     error

	// salvageDec holds the partially-decoded chunk behind a
	// RecoverableChunkDecoder failure: the records preceding the damage,
	// if any survived.
	salvageDec *chunkdecoder.Decoder

	// decFailBegin/decFailEnd bound the region Recover reports when
	// recoverable == RecoverableChunkDecoder: the chunk reader already
	// consumed the whole damaged chunk by the time its payload failed to
	// decode, so the region runs from the first lost record to the
	// chunk's end.
	decFailBegin, decFailEnd uint64

	// terminal, once set, means a RecoveryFunc rejected a skip or the
	// reader was closed: every subsequent operation re-fails with it.
	terminal error
}

// NewRecordReader wraps src as a RecordReader positioned at the start of
// the stream.
func NewRecordReader(src bytesource.Source, opts ...ReaderOption) *RecordReader {
	r := &RecordReader{logger: observability.NewNoOp()}
	for _, opt := range opts {
		opt(r)
	}
	r.cr = chunkio.New(src, r.logger)
	return r
}

// Open opens the named file for reading as a riegeli stream. The returned
// reader owns the file handle; Close releases it.
func Open(name string, opts ...ReaderOption) (*RecordReader, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	r := NewRecordReader(bytesource.FromFile(f), opts...)
	r.closer = f
	return r, nil
}

// Close releases the reader's resources. Every subsequent operation fails.
func (r *RecordReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.terminal = fmt.Errorf("%w: reader is closed", rerr.FailedPrecondition)
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// SetRecoveryFunc installs (or, with nil, removes) the callback invoked
// with each SkippedRegion bridged by Recover.
func (r *RecordReader) SetRecoveryFunc(f RecoveryFunc) { r.onRecover = f }

// CheckFileFormat verifies the stream begins with a valid FileSignature
// chunk. It is safe to call only before any record has been read.
func (r *RecordReader) CheckFileFormat() error {
	if r.terminal != nil {
		return r.terminal
	}
	return r.cr.CheckFileFormat()
}

// ReadMetadata reads the signature chunk, then peeks the next chunk: if it
// is a FileMetadata chunk it is consumed and parsed, otherwise
// DefaultMetadata is returned and the peeked chunk is left for the normal
// read/decode path. It fails with FailedPrecondition once a record has
// been read or the reader has seeked; CheckFileFormat may precede it.
func (r *RecordReader) ReadMetadata() (Metadata, error) {
	if r.terminal != nil {
		return Metadata{}, r.terminal
	}
	if r.metadataDone {
		return r.metadata, nil
	}
	if r.started || r.cr.Pos() != 0 {
		return Metadata{}, fmt.Errorf("%w: ReadMetadata must be called at the start of the stream", rerr.FailedPrecondition)
	}
	if err := r.cr.CheckFileFormat(); err != nil {
		r.syncChunkReaderFailure(err)
		return Metadata{}, err
	}
	if _, err := r.cr.ReadChunk(); err != nil {
		// Consuming the just-verified signature chunk.
		r.syncChunkReaderFailure(err)
		return Metadata{}, err
	}
	r.started = true

	h, err := r.cr.PullChunkHeader()
	if err != nil {
		if r.cr.Healthy() {
			// Signature-only file: default metadata.
			r.metadataDone = true
			r.metadata = DefaultMetadata
			return r.metadata, nil
		}
		r.syncChunkReaderFailure(err)
		return Metadata{}, err
	}
	if h.Type != chunk.TypeFileMetadata {
		r.metadataDone = true
		r.metadata = DefaultMetadata
		return r.metadata, nil
	}

	c, err := r.cr.ReadChunk()
	if err != nil {
		r.syncChunkReaderFailure(err)
		return Metadata{}, err
	}
	serialized, err := chunkdecoder.DecodeMetadata(c.Header, c.Payload)
	if err != nil {
		r.failDecode(c.Begin, r.cr.Pos(), err, nil)
		return Metadata{}, err
	}
	m, err := decodeMetadata(serialized)
	if err != nil {
		r.failDecode(c.Begin, r.cr.Pos(), err, nil)
		return Metadata{}, err
	}
	r.metadataDone = true
	r.metadata = m
	return m, nil
}

// syncChunkReaderFailure mirrors a chunk-reader-level failure into the
// record reader's own recoverable/failErr state so Recover and Recoverable
// observe it consistently, however it was first surfaced.
func (r *RecordReader) syncChunkReaderFailure(err error) {
	if kind, cerr := r.cr.Failure(); kind != chunkio.NoFailure {
		r.recoverable = RecoverableChunkReader
		r.failErr = cerr
	} else {
		r.failErr = err
	}
}

// ensureStarted verifies the file signature if the reader is still at the
// very start of the stream and hasn't done so yet.
func (r *RecordReader) ensureStarted() error {
	if r.started {
		return nil
	}
	if r.cr.Pos() == 0 {
		if err := r.cr.CheckFileFormat(); err != nil {
			r.syncChunkReaderFailure(err)
			return err
		}
	}
	r.started = true
	return nil
}

// ReadRecord returns the next record's bytes, or an error wrapping io.EOF
// at a clean end of file. A data-loss error leaves the reader recoverable
// via Recover (check Recoverable() to tell the two apart).
func (r *RecordReader) ReadRecord() ([]byte, error) {
	data, _, err := r.ReadRecordWithPosition()
	return data, err
}

// ReadRecordWithPosition is ReadRecord returning also the record's
// position, usable later with Seek to return to the same record.
func (r *RecordReader) ReadRecordWithPosition() ([]byte, RecordPosition, error) {
	if r.terminal != nil {
		return nil, RecordPosition{}, r.terminal
	}
	if r.recoverable != RecoverableNo {
		// A failed reader rejects further reads until explicitly
		// recovered or repositioned.
		return nil, RecordPosition{}, r.failErr
	}
	if err := r.ensureStarted(); err != nil {
		return nil, RecordPosition{}, err
	}

	for {
		if r.dec != nil {
			idx := r.dec.Index()
			if data, ok := r.dec.ReadRecord(); ok {
				return data, RecordPosition{ChunkBegin: r.curChunkBegin, RecordIndex: idx}, nil
			}
		}

		if err := r.loadNextDataChunk(); err != nil {
			if r.recoverable == RecoverableNo && r.failErr == nil {
				return nil, RecordPosition{}, io.EOF
			}
			return nil, RecordPosition{}, err
		}
	}
}

// Recoverable reports whether, and at what layer, the reader's last failed
// operation can be bridged by calling Recover.
func (r *RecordReader) Recoverable() Recoverable { return r.recoverable }

// Err returns the error describing the reader's current failure, or nil if
// the reader is healthy.
func (r *RecordReader) Err() error {
	if r.terminal != nil {
		return r.terminal
	}
	return r.failErr
}

// loadNextDataChunk reads chunks forward, skipping chunk types that carry
// no records, until a Simple or Transposed chunk is decoded into r.dec. On
// failure it records recoverable and failErr, distinguishing a
// chunk-reader-level failure (the chunk itself didn't frame/hash cleanly)
// from a chunk-decoder-level one (the chunk was read intact but its
// payload didn't parse "recoverable").
func (r *RecordReader) loadNextDataChunk() error {
	for {
		c, err := r.cr.ReadChunk()
		if err != nil {
			kind, cerr := r.cr.Failure()
			if kind == chunkio.NoFailure {
				// Clean end of file: the chunk reader saw nothing left to
				// read and raised no failure of its own.
				r.dec = nil
				r.curChunkBegin = r.cr.Pos()
				return err
			}
			r.recoverable = RecoverableChunkReader
			r.failErr = cerr
			r.logger.CaptureWarn(observability.Sprintf("chunk reader failure near byte %d: %v", r.cr.Pos(), cerr))
			return cerr
		}
		switch c.Header.Type {
		case chunk.TypePadding, chunk.TypeFileSignature, chunk.TypeFileMetadata:
			// Recordless chunk types are transparent to record iteration.
			continue
		case chunk.TypeSimple, chunk.TypeTransposed:
			dec, derr := chunkdecoder.New(c.Header, c.Payload, r.proj)
			if derr != nil {
				r.failDecode(c.Begin, r.cr.Pos(), derr, dec)
				return derr
			}
			r.dec = dec
			r.curChunkBegin = c.Begin
			return nil
		default:
			derr := fmt.Errorf("%w: unexpected chunk type %s mid-stream", rerr.DataLoss, c.Header.Type)
			r.failDecode(c.Begin, r.cr.Pos(), derr, nil)
			return derr
		}
	}
}

// failDecode records a chunk-decoder-level failure for the chunk spanning
// [begin, end): the chunk reader already consumed the whole chunk intact,
// so the lost region runs from the first unsalvageable record to the
// chunk's end. salvage, if non-nil, holds the records preceding the
// damage for Recover to offer back.
func (r *RecordReader) failDecode(begin, end uint64, err error, salvage *chunkdecoder.Decoder) {
	r.recoverable = RecoverableChunkDecoder
	r.failErr = err
	r.salvageDec = salvage
	salvaged := 0
	if salvage != nil {
		salvaged = salvage.NumRecords()
	}
	r.decFailBegin = begin + uint64(salvaged)
	r.decFailEnd = end
	r.dec = nil
	r.curChunkBegin = begin
	r.logger.CaptureWarn(observability.Sprintf("chunk decoder failure for chunk at byte %d: %v", begin, err))
}

// Pos returns the position of the record that would be returned by the
// next ReadRecord call.
func (r *RecordReader) Pos() RecordPosition {
	if r.dec != nil && r.dec.Index() < r.dec.NumRecords() {
		return RecordPosition{ChunkBegin: r.curChunkBegin, RecordIndex: r.dec.Index()}
	}
	return RecordPosition{ChunkBegin: r.cr.Pos()}
}

// Size reports the total size of the underlying source, if known.
func (r *RecordReader) Size() (uint64, bool) { return r.cr.Size() }

// SupportsRandomAccess reports whether Seek is usable.
func (r *RecordReader) SupportsRandomAccess() bool { return r.cr.SupportsRandomAccess() }

// Seek moves the reader to pos. Seeking to record 0 of a chunk positions
// at the chunk boundary without reading it, so seeking to the end-of-file
// position is legal; a record index past the chunk's last record leaves
// the reader at end-of-chunk.
func (r *RecordReader) Seek(pos RecordPosition) error {
	if r.terminal != nil {
		return r.terminal
	}
	r.started = true
	r.metadataDone = true

	// Fast path: the target chunk is already loaded.
	if r.dec != nil && pos.ChunkBegin == r.curChunkBegin {
		r.clearFailure()
		return r.dec.SetIndex(pos.RecordIndex)
	}

	if err := r.cr.Seek(pos.ChunkBegin); err != nil {
		return err
	}
	r.clearFailure()
	r.dec = nil
	r.curChunkBegin = pos.ChunkBegin
	if pos.RecordIndex == 0 {
		// The chunk may sit at or past end of file; don't read it yet.
		return nil
	}
	if err := r.loadNextDataChunk(); err != nil {
		return err
	}
	return r.dec.SetIndex(pos.RecordIndex)
}

// SeekToByte moves the reader to the first record whose numeric position
// (chunk_begin + record_index) is at or after the given byte position.
func (r *RecordReader) SeekToByte(position Position) error {
	if r.terminal != nil {
		return r.terminal
	}
	r.started = true
	r.metadataDone = true

	// The target may fall within the chunk already loaded.
	if r.dec != nil && position >= r.curChunkBegin && position <= r.cr.Pos() {
		r.clearFailure()
		return r.dec.SetIndex(clampIndex(position, r.curChunkBegin, r.dec.NumRecords()))
	}

	begin, err := r.cr.SeekToChunkContaining(position)
	if err != nil {
		if r.cr.Healthy() {
			// position lies at or past end of file: stop there cleanly.
			r.clearFailure()
			r.dec = nil
			r.curChunkBegin = r.cr.Pos()
			return nil
		}
		r.syncChunkReaderFailure(err)
		return err
	}
	r.clearFailure()
	r.dec = nil
	r.curChunkBegin = begin
	if begin > position {
		// position falls after the last record of the preceding chunk:
		// stop at the following chunk's boundary without reading it.
		return nil
	}

	h, err := r.cr.PullChunkHeader()
	if err != nil {
		r.syncChunkReaderFailure(err)
		return err
	}
	switch h.Type {
	case chunk.TypeSimple, chunk.TypeTransposed:
	default:
		// A recordless chunk: land on its boundary and let the next read
		// skip it.
		return nil
	}

	if err := r.loadNextDataChunk(); err != nil {
		return err
	}
	return r.dec.SetIndex(clampIndex(position, r.curChunkBegin, r.dec.NumRecords()))
}

// clampIndex interprets position - begin as a zero-origin record index,
// clamped to the chunk's record count.
func clampIndex(position, begin uint64, numRecords int) int {
	idx := position - begin
	if idx > uint64(numRecords) {
		return numRecords
	}
	return int(idx)
}

// clearFailure resets the record reader's own failure state after a
// successful Seek, which always leaves the underlying chunk reader
// healthy at the new position.
func (r *RecordReader) clearFailure() {
	r.recoverable = RecoverableNo
	r.failErr = nil
	r.salvageDec = nil
}

// Recover attempts to bridge a data-loss failure, dispatching to whichever
// layer detected it. On success it
// returns the skipped region and true, after giving the configured
// RecoveryFunc a chance to reject the skip; a rejected skip re-fails the
// reader permanently with the original error.
func (r *RecordReader) Recover() (SkippedRegion, bool) {
	if r.terminal != nil {
		return SkippedRegion{}, false
	}

	switch r.recoverable {
	case RecoverableChunkReader:
		originalErr := r.failErr
		region, ok := r.cr.Recover()
		if !ok {
			return SkippedRegion{}, false
		}
		r.dec = nil
		r.curChunkBegin = r.cr.Pos()
		return r.finishRecover(SkippedRegion{Begin: region.Begin, End: region.End, Reason: region.Reason}, originalErr)

	case RecoverableChunkDecoder:
		originalErr := r.failErr
		region := SkippedRegion{Begin: r.decFailBegin, End: r.decFailEnd, Reason: "data loss: chunk payload failed to decode"}
		if r.salvageDec.Recover() {
			// The records preceding the damage survive; they are emitted
			// before reading continues past the chunk.
			r.dec = r.salvageDec
		} else {
			r.dec = nil
			r.curChunkBegin = r.cr.Pos()
		}
		r.salvageDec = nil
		return r.finishRecover(region, originalErr)

	default:
		return SkippedRegion{}, false
	}
}

// finishRecover clears the failure, reports region to the installed
// RecoveryFunc, and re-fails with originalErr if the callback rejects the
// skip.
func (r *RecordReader) finishRecover(region SkippedRegion, originalErr error) (SkippedRegion, bool) {
	r.recoverable = RecoverableNo
	r.failErr = nil
	r.logger.CaptureWarn(observability.Sprintf("recovered: skipped [%d,%d): %s", region.Begin, region.End, region.Reason))

	if r.onRecover == nil || r.onRecover(region) {
		return region, true
	}
	r.logger.CaptureError(originalErr, "reason", "recovery rejected by callback")
	r.terminal = originalErr
	return SkippedRegion{}, false
}
