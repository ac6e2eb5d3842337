package chunkdecoder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/golang/snappy"

	"github.com/gregorycollins/riegeli/internal/rerr"
)

// compressionType identifies how a chunk's payload bytes are compressed.
// The codes are part of the wire format: 0 for no compression, and the
// ASCII initial of the algorithm otherwise.
type compressionType uint32

const (
	compressionNone   compressionType = 0
	compressionBrotli compressionType = 'b'
	compressionZstd   compressionType = 'z'
	compressionSnappy compressionType = 's'
)

// decodeSimple parses a Simple-chunk payload into its num_records decoded
// record byte strings: a 4-byte compression type, then a
// single compressed sub-stream holding the varint size table (one entry
// per record) followed by the concatenation of all records' bytes.
//
// On a data-loss error, decodeSimple returns the error together with the
// prefix of records that decoded intact before the damage, so the caller
// can offer them for salvage.
func decodeSimple(payload []byte, numRecords uint64, decodedSize uint64) ([][]byte, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: simple chunk payload too short for compression type", rerr.DataLoss)
	}
	ctype := compressionType(binary.LittleEndian.Uint32(payload[0:4]))

	data, derr := decompress(ctype, payload[4:], decodedSize)

	// Parse as much of the size table as the (possibly truncated) data
	// allows; a decompression error is reported after salvage below.
	sizes := make([]uint64, 0, minUint64(numRecords, uint64(len(data))))
	var total uint64
	for uint64(len(sizes)) < numRecords {
		n, m := binary.Uvarint(data)
		if m <= 0 {
			// With the size table itself truncated, the record bytes'
			// start is unknown: nothing can be salvaged.
			if derr == nil {
				derr = fmt.Errorf("%w: simple chunk size table truncated at record %d", rerr.DataLoss, len(sizes))
			}
			return nil, derr
		}
		sizes = append(sizes, n)
		total += n
		data = data[m:]
	}

	if derr != nil {
		return slicePrefix(sizes, data), derr
	}
	if total != decodedSize {
		return slicePrefix(sizes, data),
			fmt.Errorf("%w: simple chunk size table sums to %d, decoded_data_size says %d", rerr.DataLoss, total, decodedSize)
	}
	if uint64(len(data)) != total {
		return slicePrefix(sizes, data),
			fmt.Errorf("%w: simple chunk holds %d record bytes, size table says %d", rerr.DataLoss, len(data), total)
	}

	records := make([][]byte, numRecords)
	var off uint64
	for i, sz := range sizes {
		records[i] = data[off : off+sz]
		off += sz
	}
	return records, nil
}

// slicePrefix cuts decoded into records by the size table, stopping at the
// first record that doesn't fit entirely within the available bytes.
func slicePrefix(sizes []uint64, decoded []byte) [][]byte {
	var records [][]byte
	var off uint64
	for _, sz := range sizes {
		if off+sz > uint64(len(decoded)) {
			break
		}
		records = append(records, decoded[off:off+sz])
		off += sz
	}
	return records
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// decompress expands src, which is compressed with ctype. sizeHint guides
// buffer allocation only; callers that know the exact decoded size use
// decompressExact. On failure it returns whatever prefix was decoded
// before the error alongside the error itself.
func decompress(ctype compressionType, src []byte, sizeHint uint64) ([]byte, error) {
	switch ctype {
	case compressionNone:
		return src, nil

	case compressionBrotli:
		r := brotli.NewReader(bytes.NewReader(src))
		out := make([]byte, 0, sizeHint)
		buf := getScratchBuf()
		defer putScratchBuf(buf)
		for {
			n, err := r.Read(buf)
			out = append(out, buf[:n]...)
			if err == io.EOF {
				return out, nil
			}
			if err != nil {
				return out, fmt.Errorf("%w: brotli decode: %v", rerr.DataLoss, err)
			}
		}

	case compressionZstd:
		d, err := zstdPool.get()
		if err != nil {
			return nil, err
		}
		defer zstdPool.put(d)
		out, err := d.DecodeAll(src, make([]byte, 0, sizeHint))
		if err != nil {
			return out, fmt.Errorf("%w: zstd decode: %v", rerr.DataLoss, err)
		}
		return out, nil

	case compressionSnappy:
		out, err := snappy.Decode(nil, src)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy decode: %v", rerr.DataLoss, err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unknown compression type %d", rerr.DataLoss, ctype)
	}
}

// decompressExact expands src into exactly want decoded bytes, failing if
// the decoded length disagrees.
func decompressExact(ctype compressionType, src []byte, want uint64) ([]byte, error) {
	out, err := decompress(ctype, src, want)
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) != want {
		return nil, fmt.Errorf("%w: decompressed %d bytes, expected %d", rerr.DataLoss, len(out), want)
	}
	return out, nil
}
