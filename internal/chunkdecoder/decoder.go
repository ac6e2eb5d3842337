// Package chunkdecoder turns a chunk's raw payload into individual record
// byte strings, dispatching on chunk type and compression and supporting
// field projection for Transposed chunks.
package chunkdecoder

import (
	"fmt"

	"github.com/gregorycollins/riegeli/internal/chunk"
	"github.com/gregorycollins/riegeli/internal/rerr"
)

// Decoder holds the decoded records of a single chunk and the caller's
// cursor into them.
type Decoder struct {
	records [][]byte
	index   int

	// salvaged is set when a decode error left only a prefix of the
	// chunk's records available. Recover accepts the prefix; until then
	// the Decoder yields nothing.
	salvaged bool
}

// New decodes chunk c (its payload only; c.Header.Type selects the
// algorithm) into a Decoder positioned at record index 0. proj restricts
// which fields of a Transposed chunk are reconstructed; it has no effect
// on Simple chunks, which carry no per-field structure.
//
// On a data-loss error, New may still return a non-nil Decoder holding the
// records that precede the damage; the caller decides via Recover whether
// to keep them.
func New(c chunk.Header, payload []byte, proj FieldProjection) (*Decoder, error) {
	switch c.Type {
	case chunk.TypeSimple:
		records, err := decodeSimple(payload, c.NumRecords, c.DecodedDataSize)
		if err != nil {
			if len(records) > 0 {
				return &Decoder{records: records, salvaged: true, index: len(records)}, err
			}
			return nil, err
		}
		return &Decoder{records: records}, nil

	case chunk.TypeTransposed:
		records, err := decodeTransposed(payload, c.NumRecords, proj)
		if err != nil {
			return nil, err
		}
		if proj.IncludesEverything() {
			// Projection shrinks the reconstructed records, so the decoded
			// size can only be checked against the header when everything
			// was kept.
			var total uint64
			for _, rec := range records {
				total += uint64(len(rec))
			}
			if total != c.DecodedDataSize {
				return nil, fmt.Errorf("%w: transposed chunk reconstructed to %d bytes, decoded_data_size says %d",
					rerr.DataLoss, total, c.DecodedDataSize)
			}
		}
		return &Decoder{records: records}, nil

	case chunk.TypeFileMetadata, chunk.TypeFileSignature, chunk.TypePadding:
		return nil, fmt.Errorf("%w: chunk type %s carries no records", rerr.FailedPrecondition, c.Type)

	default:
		return nil, fmt.Errorf("%w: unsupported chunk type %s", rerr.Unimplemented, c.Type)
	}
}

// DecodeMetadata decodes a FileMetadata chunk's payload through the
// transposed decoder against the identity projection, yielding the single
// serialized RecordsMetadata message it carries. The chunk header's num_records must be 0 even though the
// payload encodes one logical message.
func DecodeMetadata(c chunk.Header, payload []byte) ([]byte, error) {
	if c.Type != chunk.TypeFileMetadata {
		return nil, fmt.Errorf("%w: chunk type %s is not FileMetadata", rerr.FailedPrecondition, c.Type)
	}
	if c.NumRecords != 0 {
		return nil, fmt.Errorf("%w: metadata chunk claims %d records, must be 0", rerr.DataLoss, c.NumRecords)
	}
	records, err := decodeTransposed(payload, 1, FieldProjection{})
	if err != nil {
		return nil, err
	}
	if uint64(len(records[0])) != c.DecodedDataSize {
		return nil, fmt.Errorf("%w: metadata reconstructed to %d bytes, decoded_data_size says %d",
			rerr.DataLoss, len(records[0]), c.DecodedDataSize)
	}
	return records[0], nil
}

// NumRecords returns the number of records available from the chunk. After
// a salvaged decode this may be fewer than the chunk header claimed.
func (d *Decoder) NumRecords() int { return len(d.records) }

// Index returns the decoder's current record cursor.
func (d *Decoder) Index() int { return d.index }

// SetIndex moves the cursor to i. An index beyond the last record leaves
// the decoder at end-of-chunk, so a subsequent ReadRecord simply reports
// exhaustion and the caller advances past the chunk.
func (d *Decoder) SetIndex(i int) error {
	if i < 0 {
		return fmt.Errorf("%w: negative record index %d", rerr.FailedPrecondition, i)
	}
	if i > len(d.records) {
		i = len(d.records)
	}
	d.index = i
	return nil
}

// ReadRecord returns the record at the current cursor and advances it, or
// reports that the chunk is exhausted.
func (d *Decoder) ReadRecord() (data []byte, ok bool) {
	if d.index >= len(d.records) {
		return nil, false
	}
	rec := d.records[d.index]
	d.index++
	return rec, true
}

// Recover accepts a salvaged decode: the cursor returns to index 0 so the
// records preceding the damage become readable, and everything after the
// damage is abandoned. It reports false if
// there is nothing to salvage, in which case the caller should discard
// the Decoder.
func (d *Decoder) Recover() bool {
	if d == nil || !d.salvaged {
		return false
	}
	d.salvaged = false
	d.index = 0
	return true
}
