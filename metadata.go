package riegeli

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/gregorycollins/riegeli/internal/rerr"
)

// Metadata is the optional, file-level RecordsMetadata message stored in
// the FileMetadata chunk immediately following the FileSignature chunk.
//
// Its wire layout mirrors the riegeli.RecordsMetadata proto: field 1 is the
// record type name, field 2 an embedded FileDescriptorSet-like descriptor
// (here a single FileDescriptorProto, reusing protobuf's own generated
// type rather than hand-rolling one), and field 3 an arbitrary options
// string.
type Metadata struct {
	RecordType     string
	FileDescriptor *descriptorpb.FileDescriptorProto
	Options        string
}

// DefaultMetadata is returned by ReadMetadata when no FileMetadata chunk is
// present.
var DefaultMetadata = Metadata{}

// decodeMetadata parses the serialized RecordsMetadata message yielded by
// the transposed decode of a FileMetadata chunk's payload.
func decodeMetadata(payload []byte) (Metadata, error) {
	var m Metadata
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Metadata{}, fmt.Errorf("%w: metadata: bad tag: %v", rerr.DataLoss, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case 1: // record_type_name
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Metadata{}, fmt.Errorf("%w: metadata: bad record_type_name", rerr.DataLoss)
			}
			m.RecordType = v
			b = b[n:]

		case 2: // file_descriptor
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Metadata{}, fmt.Errorf("%w: metadata: bad file_descriptor", rerr.DataLoss)
			}
			fd := &descriptorpb.FileDescriptorProto{}
			if err := proto.Unmarshal(v, fd); err != nil {
				return Metadata{}, fmt.Errorf("%w: metadata: unmarshal file_descriptor: %v", rerr.DataLoss, err)
			}
			m.FileDescriptor = fd
			b = b[n:]

		case 3: // options
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Metadata{}, fmt.Errorf("%w: metadata: bad options", rerr.DataLoss)
			}
			m.Options = v
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Metadata{}, fmt.Errorf("%w: metadata: bad unknown field %d", rerr.DataLoss, num)
			}
			b = b[n:]
		}
	}
	return m, nil
}
