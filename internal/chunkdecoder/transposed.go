package chunkdecoder

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gregorycollins/riegeli/internal/rerr"
)

// decodeTransposed parses a Transposed-chunk payload into numRecords
// records, each re-serialized in canonical protobuf wire order.
//
// Layout (one column, or "bucket", per distinct top-level field number,
// ordered ascending so re-emission matches canonical field order):
//
//	varint  num_fields
//	repeat num_fields:
//	  varint  field_number
//	  byte    wire_type            (protowire.Type)
//	  varint  bucket_compression_type
//	  varint  bucket_decoded_len
//	  varint  bucket_compressed_len
//	  bytes   bucket_compressed_data
//
// Each bucket, once decompressed, holds numRecords entries:
//
//	repeat numRecords:
//	  varint  occurrence_count
//	  repeat occurrence_count:
//	    value  (encoded per wire_type)
//
// Submessages are stored as opaque length-delimited values in their
// parent's bucket; projection below the top level is applied by walking
// the stored wire bytes at reconstruction time (see filterMessage), while
// unselected top-level fields skip bucket decompression entirely.
func decodeTransposed(payload []byte, numRecords uint64, proj FieldProjection) ([][]byte, error) {
	trie := buildTrie(proj)

	numFields, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, fmt.Errorf("%w: transposed chunk missing field count", rerr.DataLoss)
	}
	rest := payload[n:]
	if numFields > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: transposed chunk claims %d fields in %d payload bytes", rerr.DataLoss, numFields, len(rest))
	}

	type column struct {
		fieldNum   int32
		wireType   protowire.Type
		existsOnly bool
		sub        *node
		records    [][][]byte // records[i] is the list of raw values for record i
	}
	columns := make([]column, 0, numFields)

	for f := uint64(0); f < numFields; f++ {
		fieldNum64, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("%w: transposed chunk field table truncated", rerr.DataLoss)
		}
		rest = rest[n:]
		if len(rest) < 1 {
			return nil, fmt.Errorf("%w: transposed chunk missing wire type", rerr.DataLoss)
		}
		wireType := protowire.Type(rest[0])
		rest = rest[1:]

		ctype64, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("%w: transposed chunk missing bucket compression type", rerr.DataLoss)
		}
		rest = rest[n:]
		declen, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("%w: transposed chunk missing bucket decoded length", rerr.DataLoss)
		}
		rest = rest[n:]
		clen, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, fmt.Errorf("%w: transposed chunk missing bucket length", rerr.DataLoss)
		}
		rest = rest[n:]
		if uint64(len(rest)) < clen {
			return nil, fmt.Errorf("%w: transposed chunk bucket truncated", rerr.DataLoss)
		}
		compressed := rest[:clen]
		rest = rest[clen:]

		fieldNum := int32(fieldNum64)
		keep, existsOnly, sub := trie.includes(fieldNum)
		if !keep {
			// Field not projected: skip decompressing this bucket entirely.
			continue
		}
		if sub != nil && wireType != protowire.BytesType {
			// The projection selects subfields of this field, but it isn't
			// a submessage: nothing below it can match.
			continue
		}

		decoded, err := decompressExact(compressionType(ctype64), compressed, declen)
		if err != nil {
			return nil, err
		}

		records, err := splitBucket(decoded, wireType, numRecords)
		if err != nil {
			return nil, err
		}
		columns = append(columns, column{
			fieldNum:   fieldNum,
			wireType:   wireType,
			existsOnly: existsOnly,
			sub:        sub,
			records:    records,
		})
	}

	out := make([][]byte, numRecords)
	for r := uint64(0); r < numRecords; r++ {
		var buf []byte
		for _, col := range columns {
			for _, value := range col.records[r] {
				switch {
				case col.existsOnly:
					// Presence marker: the field survives as an empty
					// length-delimited value.
					buf = protowire.AppendTag(buf, protowire.Number(col.fieldNum), protowire.BytesType)
					buf = protowire.AppendVarint(buf, 0)
				case col.sub != nil:
					filtered, err := filterMessage(value, col.sub)
					if err != nil {
						return nil, fmt.Errorf("%w: transposed chunk: field %d: %v", rerr.DataLoss, col.fieldNum, err)
					}
					buf = protowire.AppendTag(buf, protowire.Number(col.fieldNum), protowire.BytesType)
					buf = protowire.AppendBytes(buf, filtered)
				default:
					buf = protowire.AppendTag(buf, protowire.Number(col.fieldNum), col.wireType)
					buf = appendValue(buf, col.wireType, value)
				}
			}
		}
		out[r] = buf
	}
	return out, nil
}

// filterMessage re-serializes the wire-format message data keeping only
// the fields the trie rooted at n selects, recursing into submessages
// where the trie does.
func filterMessage(data []byte, n *node) ([]byte, error) {
	var out []byte
	for len(data) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(data)
		if tagLen < 0 {
			return nil, fmt.Errorf("bad tag: %v", protowire.ParseError(tagLen))
		}
		valLen := protowire.ConsumeFieldValue(num, typ, data[tagLen:])
		if valLen < 0 {
			return nil, fmt.Errorf("bad value for field %d: %v", num, protowire.ParseError(valLen))
		}

		keep, existsOnly, sub := n.includes(int32(num))
		switch {
		case !keep:
		case existsOnly:
			out = protowire.AppendTag(out, num, protowire.BytesType)
			out = protowire.AppendVarint(out, 0)
		case sub != nil:
			if typ != protowire.BytesType {
				break
			}
			value, vn := protowire.ConsumeBytes(data[tagLen:])
			if vn < 0 {
				return nil, fmt.Errorf("bad submessage for field %d", num)
			}
			filtered, err := filterMessage(value, sub)
			if err != nil {
				return nil, err
			}
			out = protowire.AppendTag(out, num, protowire.BytesType)
			out = protowire.AppendBytes(out, filtered)
		default:
			out = append(out, data[:tagLen+valLen]...)
		}
		data = data[tagLen+valLen:]
	}
	return out, nil
}

// splitBucket parses a decompressed bucket into its per-record occurrence
// lists.
func splitBucket(data []byte, wireType protowire.Type, numRecords uint64) ([][][]byte, error) {
	records := make([][][]byte, numRecords)
	for r := uint64(0); r < numRecords; r++ {
		count, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("%w: transposed bucket missing occurrence count for record %d", rerr.DataLoss, r)
		}
		data = data[n:]

		values := make([][]byte, 0, count)
		for i := uint64(0); i < count; i++ {
			value, rest, err := readValue(data, wireType)
			if err != nil {
				return nil, err
			}
			values = append(values, value)
			data = rest
		}
		records[r] = values
	}
	return records, nil
}

// readValue reads one wire-encoded value (without its tag) of the given
// wire type from the front of data, returning the value bytes and the
// remaining data.
func readValue(data []byte, wireType protowire.Type) (value, rest []byte, err error) {
	switch wireType {
	case protowire.VarintType:
		_, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return nil, nil, fmt.Errorf("%w: transposed bucket: bad varint", rerr.DataLoss)
		}
		return data[:n], data[n:], nil
	case protowire.Fixed32Type:
		if len(data) < 4 {
			return nil, nil, fmt.Errorf("%w: transposed bucket: short fixed32", rerr.DataLoss)
		}
		return data[:4], data[4:], nil
	case protowire.Fixed64Type:
		if len(data) < 8 {
			return nil, nil, fmt.Errorf("%w: transposed bucket: short fixed64", rerr.DataLoss)
		}
		return data[:8], data[8:], nil
	case protowire.BytesType:
		size, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, nil, fmt.Errorf("%w: transposed bucket: bad bytes length", rerr.DataLoss)
		}
		data = data[n:]
		if uint64(len(data)) < size {
			return nil, nil, fmt.Errorf("%w: transposed bucket: bytes value truncated", rerr.DataLoss)
		}
		return data[:size], data[size:], nil
	default:
		return nil, nil, fmt.Errorf("%w: transposed bucket: unsupported wire type %d", rerr.DataLoss, wireType)
	}
}

// appendValue appends value (as previously extracted by readValue) to buf
// in its wire-format encoding, re-adding the length prefix for BytesType.
func appendValue(buf []byte, wireType protowire.Type, value []byte) []byte {
	if wireType == protowire.BytesType {
		buf = protowire.AppendVarint(buf, uint64(len(value)))
	}
	return append(buf, value...)
}
