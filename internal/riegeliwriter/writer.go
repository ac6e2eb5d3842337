// Package riegeliwriter is a minimal, test-only writer that produces
// well-formed (and, on request, deliberately corrupted) riegeli byte
// streams for exercising the reader stack. It is not part of the public
// API, but round-trip and recovery tests need a byte producer that agrees
// with the reader on the wire format.
//
// Chunks are queued one at a time and the whole stream is laid out in one
// pass when Bytes is called, since block headers need to know the
// position of the chunk header that follows them, which isn't known until
// every chunk has been queued.
package riegeliwriter

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/andybalholm/brotli"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gregorycollins/riegeli/internal/chunk"
	"github.com/gregorycollins/riegeli/internal/rhash"
)

// Compression codes, mirroring internal/chunkdecoder's unexported
// compressionType so tests can request each algorithm by name without
// reaching into that package.
const (
	CompressionNone   = 0
	CompressionBrotli = 'b'
	CompressionZstd   = 'z'
	CompressionSnappy = 's'
)

// compress encodes src with the requested algorithm using the same
// libraries the reader decodes with.
func compress(compression uint32, src []byte) []byte {
	switch compression {
	case CompressionNone:
		return src
	case CompressionBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			panic(fmt.Sprintf("riegeliwriter: brotli: %v", err))
		}
		if err := w.Close(); err != nil {
			panic(fmt.Sprintf("riegeliwriter: brotli close: %v", err))
		}
		return buf.Bytes()
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			panic(fmt.Sprintf("riegeliwriter: zstd: %v", err))
		}
		defer enc.Close()
		return enc.EncodeAll(src, nil)
	case CompressionSnappy:
		return snappy.Encode(nil, src)
	default:
		panic(fmt.Sprintf("riegeliwriter: unknown compression %d", compression))
	}
}

// Writer accumulates chunks to be laid out into a riegeli byte stream.
//
// Not safe for concurrent use.
type Writer struct {
	chunks []queuedChunk
}

type queuedChunk struct {
	header  chunk.Header
	payload []byte
}

// New returns an empty Writer.
func New() *Writer { return &Writer{} }

// WriteSignatureChunk queues the mandatory leading FileSignature chunk.
func (w *Writer) WriteSignatureChunk() {
	w.queue(chunk.TypeFileSignature, 0, 0, nil)
}

// WritePaddingChunk queues a Padding chunk of n zero payload bytes, used
// to test that readers skip it transparently.
func (w *Writer) WritePaddingChunk(n int) {
	w.queue(chunk.TypePadding, 0, 0, make([]byte, n))
}

// WriteRawChunk queues a chunk with the given payload verbatim and a
// correctly-signed header claiming numRecords and decodedSize. Tests use
// it to produce chunks that frame and hash cleanly but whose payload is
// internally inconsistent, exercising decoder-level failures.
func (w *Writer) WriteRawChunk(t chunk.Type, numRecords, decodedSize uint64, payload []byte) {
	w.queue(t, numRecords, decodedSize, payload)
}

// WriteSimpleChunk queues a Simple chunk holding records: a 4-byte
// compression code, then the varint size table and the records'
// concatenation compressed together as one sub-stream.
func (w *Writer) WriteSimpleChunk(records [][]byte, compression uint32) {
	var stream []byte
	var decoded uint64
	for _, rec := range records {
		stream = binary.AppendUvarint(stream, uint64(len(rec)))
		decoded += uint64(len(rec))
	}
	for _, rec := range records {
		stream = append(stream, rec...)
	}

	compressed := compress(compression, stream)
	payload := make([]byte, 4, 4+len(compressed))
	binary.LittleEndian.PutUint32(payload[0:4], compression)
	payload = append(payload, compressed...)

	w.queue(chunk.TypeSimple, uint64(len(records)), decoded, payload)
}

// TransposedField is one column to include in a Transposed chunk, matching
// internal/chunkdecoder's bucket layout.
type TransposedField struct {
	FieldNumber int32
	WireType    byte // a protowire.Type value

	// Values[i] holds the raw (tag-stripped) wire-format occurrences for
	// record i; an empty slice means the field is absent from that record.
	Values [][][]byte
}

// WriteTransposedChunk queues a Transposed chunk with the given columns,
// each bucket compressed with the given algorithm, matching the layout
// internal/chunkdecoder.decodeTransposed expects.
func (w *Writer) WriteTransposedChunk(numRecords int, fields []TransposedField, compression uint32) {
	payload, decoded := encodeTransposed(numRecords, fields, compression)
	w.queue(chunk.TypeTransposed, uint64(numRecords), decoded, payload)
}

// WriteMetadataChunk queues a FileMetadata chunk carrying the given
// already-serialized RecordsMetadata message, encoded through the same
// transposed layout data chunks use:
// one logical record, num_records 0 in the header.
func (w *Writer) WriteMetadataChunk(serialized []byte, compression uint32) error {
	fields, err := messageToColumns(serialized)
	if err != nil {
		return err
	}
	payload, decoded := encodeTransposed(1, fields, compression)
	w.queue(chunk.TypeFileMetadata, 0, decoded, payload)
	return nil
}

// encodeTransposed lays out the transposed payload and returns it along
// with the total reconstructed size of all records, which belongs in the
// chunk header's decoded_data_size field.
func encodeTransposed(numRecords int, fields []TransposedField, compression uint32) ([]byte, uint64) {
	var payload []byte
	payload = binary.AppendUvarint(payload, uint64(len(fields)))

	var decoded uint64
	for _, f := range fields {
		payload = binary.AppendUvarint(payload, uint64(f.FieldNumber))
		payload = append(payload, f.WireType)

		var bucket []byte
		for r := 0; r < numRecords; r++ {
			occurrences := f.Values[r]
			bucket = binary.AppendUvarint(bucket, uint64(len(occurrences)))
			for _, v := range occurrences {
				decoded += uint64(protowire.SizeTag(protowire.Number(f.FieldNumber)))
				if protowire.Type(f.WireType) == protowire.BytesType {
					bucket = binary.AppendUvarint(bucket, uint64(len(v)))
					decoded += uint64(protowire.SizeVarint(uint64(len(v))))
				}
				bucket = append(bucket, v...)
				decoded += uint64(len(v))
			}
		}

		compressed := compress(compression, bucket)
		payload = binary.AppendUvarint(payload, uint64(compression))
		payload = binary.AppendUvarint(payload, uint64(len(bucket)))
		payload = binary.AppendUvarint(payload, uint64(len(compressed)))
		payload = append(payload, compressed...)
	}

	return payload, decoded
}

// messageToColumns splits a serialized protobuf message's top-level fields
// into transposed columns for a single record, ordered by ascending field
// number so reconstruction emits canonical wire order.
func messageToColumns(serialized []byte) ([]TransposedField, error) {
	byNum := map[int32]*TransposedField{}
	var nums []int32

	data := serialized
	for len(data) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(data)
		if tagLen < 0 {
			return nil, fmt.Errorf("riegeliwriter: bad tag: %v", protowire.ParseError(tagLen))
		}
		data = data[tagLen:]

		var value []byte
		switch typ {
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("riegeliwriter: bad varint for field %d", num)
			}
			value, data = data[:n], data[n:]
		case protowire.Fixed32Type:
			if len(data) < 4 {
				return nil, fmt.Errorf("riegeliwriter: short fixed32 for field %d", num)
			}
			value, data = data[:4], data[4:]
		case protowire.Fixed64Type:
			if len(data) < 8 {
				return nil, fmt.Errorf("riegeliwriter: short fixed64 for field %d", num)
			}
			value, data = data[:8], data[8:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("riegeliwriter: bad bytes for field %d", num)
			}
			value, data = v, data[n:]
		default:
			return nil, fmt.Errorf("riegeliwriter: unsupported wire type %d for field %d", typ, num)
		}

		col, ok := byNum[int32(num)]
		if !ok {
			col = &TransposedField{
				FieldNumber: int32(num),
				WireType:    byte(typ),
				Values:      make([][][]byte, 1),
			}
			byNum[int32(num)] = col
			nums = append(nums, int32(num))
		}
		col.Values[0] = append(col.Values[0], value)
	}

	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	fields := make([]TransposedField, len(nums))
	for i, n := range nums {
		fields[i] = *byNum[n]
	}
	return fields, nil
}

func (w *Writer) queue(t chunk.Type, numRecords, decodedSize uint64, payload []byte) {
	h := chunk.Header{
		DataSize:        uint64(len(payload)),
		Type:            t,
		NumRecords:      numRecords,
		DecodedDataSize: decodedSize,
		DataHash:        rhash.Of(payload),
	}
	h.Sign()
	w.chunks = append(w.chunks, queuedChunk{header: h, payload: payload})
}

// Bytes materializes the queued chunks into a complete riegeli byte
// stream, inserting block headers at every 64 KiB boundary.
func (w *Writer) Bytes() []byte {
	// Pass 1: lay out chunk bytes (header+payload+padding) back to back in
	// "logical" space (excluding block headers), and record each chunk's
	// logical begin offset.
	var logical []byte
	begins := make([]uint64, len(w.chunks))
	for i, qc := range w.chunks {
		begins[i] = uint64(len(logical))
		var hdr [chunk.HeaderSize]byte
		qc.header.Encode(hdr[:])
		logical = append(logical, hdr[:]...)
		logical = append(logical, qc.payload...)
		padded := int(qc.header.PaddedSize())
		for len(logical)-int(begins[i]) < padded {
			logical = append(logical, 0)
		}
	}

	// Pass 2: map each logical offset to its physical offset (accounting
	// for one BlockHeaderSize inserted per BlockSize-BlockHeaderSize
	// logical bytes consumed,
	// plus the one at the very start), then compute, for each block
	// boundary, the physical offset of the next chunk header at or after
	// it.
	physOf := func(logicalOff uint64) uint64 {
		blockIdx := logicalOff / (chunk.BlockSize - chunk.BlockHeaderSize)
		return logicalOff + (blockIdx+1)*chunk.BlockHeaderSize
	}

	physBegins := make([]uint64, len(begins))
	for i, b := range begins {
		physBegins[i] = physOf(b)
	}

	totalPhysical := physOf(uint64(len(logical)))
	numBlocks := totalPhysical/chunk.BlockSize + 1

	nextChunkAt := func(blockStart uint64) uint64 {
		for _, pb := range physBegins {
			if pb >= blockStart+chunk.BlockHeaderSize {
				return pb
			}
		}
		return blockStart + chunk.BlockSize // sentinel: none in this block
	}

	out := make([]byte, totalPhysical)
	for bi := uint64(0); bi < numBlocks; bi++ {
		blockStart := bi * chunk.BlockSize
		if blockStart >= totalPhysical {
			break
		}
		next := nextChunkAt(blockStart)
		nextOffset := next - blockStart
		if nextOffset > chunk.BlockSize {
			nextOffset = chunk.BlockSize
		}
		bh := chunk.BlockHeader{PreviousChunkOffset: chunk.BlockSize - nextOffset, NextChunkOffset: nextOffset}
		var hdrBuf [chunk.BlockHeaderSize]byte
		bh.Encode(hdrBuf[:])
		copy(out[blockStart:], hdrBuf[:])
	}

	// Copy each chunk's bytes into their physical positions a run at a
	// time, stopping at every block boundary so the block headers just
	// written above are never overwritten.
	for i, qc := range w.chunks {
		lb := begins[i]
		padded := uint64(qc.header.PaddedSize())
		srcOff := lb
		remaining := padded
		for remaining > 0 {
			p := physOf(srcOff)
			blockEnd := (p/chunk.BlockSize + 1) * chunk.BlockSize
			take := blockEnd - p
			if take > remaining {
				take = remaining
			}
			copy(out[p:], logical[srcOff:srcOff+take])
			srcOff += take
			remaining -= take
		}
	}

	return out
}
