package riegeli_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/gregorycollins/riegeli"
	"github.com/gregorycollins/riegeli/internal/bytesource"
	"github.com/gregorycollins/riegeli/internal/chunkdecoder"
	"github.com/gregorycollins/riegeli/internal/riegeliwriter"
)

// simpleFile builds a stream of Simple chunks, one per record group.
func simpleFile(t *testing.T, compression uint32, groups ...[][]byte) []byte {
	t.Helper()

	w := riegeliwriter.New()
	w.WriteSignatureChunk()
	for _, records := range groups {
		w.WriteSimpleChunk(records, compression)
	}
	return w.Bytes()
}

func memReader(data []byte, opts ...riegeli.ReaderOption) *riegeli.RecordReader {
	return riegeli.NewRecordReader(bytesource.FromBytes(data), opts...)
}

// readAll drains the reader, failing the test on anything but clean EOF.
func readAll(t *testing.T, r *riegeli.RecordReader) ([][]byte, []riegeli.RecordPosition) {
	t.Helper()

	var records [][]byte
	var positions []riegeli.RecordPosition
	for {
		data, pos, err := r.ReadRecordWithPosition()
		if err == io.EOF {
			return records, positions
		}
		require.NoError(t, err)
		records = append(records, append([]byte(nil), data...))
		positions = append(positions, pos)
	}
}

func Test_EmptyFile(t *testing.T) {
	r := memReader(nil)

	assert.Error(t, r.CheckFileFormat())
	_, err := r.ReadRecord()
	assert.Error(t, err)
}

func Test_SignatureOnlyFile(t *testing.T) {
	w := riegeliwriter.New()
	w.WriteSignatureChunk()
	data := w.Bytes()
	r := memReader(data)

	require.NoError(t, r.CheckFileFormat())

	m, err := r.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, riegeli.DefaultMetadata, m)

	_, err = r.ReadRecord()
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, r.Err())
	assert.Equal(t, riegeli.RecoverableNo, r.Recoverable())

	size, ok := r.Size()
	require.True(t, ok)
	assert.EqualValues(t, len(data), size)
	assert.EqualValues(t, 64, size) // block header + signature chunk
}

func Test_ThreeRecords(t *testing.T) {
	want := [][]byte{[]byte("a"), {}, []byte("hello")}
	r := memReader(simpleFile(t, riegeliwriter.CompressionNone, want))

	for i, wantRec := range want {
		data, pos, err := r.ReadRecordWithPosition()
		require.NoError(t, err)
		assert.Equal(t, wantRec, append([]byte{}, data...))
		assert.Equal(t, i, pos.RecordIndex)
		assert.EqualValues(t, 64, pos.ChunkBegin) // after block header + signature
	}

	_, err := r.ReadRecord()
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, r.Err())
	assert.Equal(t, riegeli.RecoverableNo, r.Recoverable())
}

func Test_Compression(t *testing.T) {
	want := [][]byte{
		bytes.Repeat([]byte("compressible "), 1000),
		[]byte("tail"),
	}
	for _, tc := range []struct {
		name string
		code uint32
	}{
		{"brotli", riegeliwriter.CompressionBrotli},
		{"zstd", riegeliwriter.CompressionZstd},
		{"snappy", riegeliwriter.CompressionSnappy},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := memReader(simpleFile(t, tc.code, want))
			got, _ := readAll(t, r)
			require.Len(t, got, 2)
			assert.Equal(t, want[0], got[0])
			assert.Equal(t, want[1], got[1])
		})
	}
}

func Test_ChunkAcrossBlockBoundary(t *testing.T) {
	// The first data chunk holds two 40 KiB records, so its payload
	// crosses the 64 KiB boundary; a second chunk follows.
	g1 := [][]byte{bytes.Repeat([]byte("x"), 40*1024), bytes.Repeat([]byte("y"), 40*1024)}
	g2 := [][]byte{[]byte("after the boundary")}
	data := simpleFile(t, riegeliwriter.CompressionNone, g1, g2)

	r := memReader(data)
	records, positions := readAll(t, r)
	require.Len(t, records, 3)
	assert.Equal(t, g1[0], records[0])
	assert.Equal(t, g1[1], records[1])
	assert.Equal(t, g2[0], records[2])
	assert.Greater(t, positions[2].ChunkBegin, positions[1].ChunkBegin)

	// Seek back to the second chunk's first record by its position.
	require.NoError(t, r.Seek(positions[2]))
	got, pos, err := r.ReadRecordWithPosition()
	require.NoError(t, err)
	assert.Equal(t, g2[0], got)
	assert.Equal(t, positions[2], pos)
}

// corruptibleFile builds a stream of five single-record chunks of ~40 KiB
// each, so the chunks spread over several 64 KiB blocks and chunk-level
// recovery can resynchronize at a later block's header.
func corruptibleFile(t *testing.T) ([]byte, [][]byte) {
	t.Helper()

	records := make([][]byte, 5)
	w := riegeliwriter.New()
	w.WriteSignatureChunk()
	for i := range records {
		records[i] = bytes.Repeat([]byte{byte('1' + i)}, 40*1024)
		w.WriteSimpleChunk([][]byte{records[i]}, riegeliwriter.CompressionNone)
	}
	return w.Bytes(), records
}

func Test_InjectedCorruption_RecoverAndContinue(t *testing.T) {
	data, records := corruptibleFile(t)

	intact := memReader(data)
	_, positions := readAll(t, intact)
	require.Len(t, positions, 5)

	// Flip one byte inside the payload of the second data chunk.
	data[positions[1].ChunkBegin+40+1000] ^= 0x01

	var regions []riegeli.SkippedRegion
	r := memReader(data, riegeli.WithRecoveryFunc(func(region riegeli.SkippedRegion) bool {
		regions = append(regions, region)
		return true
	}))

	got, err := r.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, records[0], got)

	_, err = r.ReadRecord()
	require.ErrorIs(t, err, riegeli.ErrDataLoss)
	require.Equal(t, riegeli.RecoverableChunkReader, r.Recoverable())

	lastGood := positions[0]
	region, ok := r.Recover()
	require.True(t, ok)
	require.Len(t, regions, 1)
	assert.Equal(t, region, regions[0])

	// The skipped region covers exactly the damaged chunk.
	assert.Equal(t, positions[1].ChunkBegin, region.Begin)
	assert.Equal(t, positions[2].ChunkBegin, region.End)

	// Monotonicity: recovery never moves backward past a read record.
	assert.True(t, lastGood.Before(r.Pos()))

	// The remaining chunks read back intact.
	rest, restPos := readAll(t, r)
	require.Len(t, rest, 3)
	for i, rec := range rest {
		assert.Equal(t, records[2+i], rec)
		assert.Equal(t, positions[2+i], restPos[i])
	}
}

func Test_InjectedCorruption_CallbackRejects(t *testing.T) {
	data, _ := corruptibleFile(t)
	intact := memReader(data)
	_, positions := readAll(t, intact)
	data[positions[1].ChunkBegin+40+1000] ^= 0x01

	r := memReader(data, riegeli.WithRecoveryFunc(func(riegeli.SkippedRegion) bool { return false }))

	_, err := r.ReadRecord()
	require.NoError(t, err)
	_, err = r.ReadRecord()
	require.ErrorIs(t, err, riegeli.ErrDataLoss)

	_, ok := r.Recover()
	assert.False(t, ok)

	// A rejected skip re-fails the reader permanently with the original
	// error.
	_, err = r.ReadRecord()
	assert.ErrorIs(t, err, riegeli.ErrDataLoss)
	_, ok = r.Recover()
	assert.False(t, ok)
}

func Test_DecoderFailure_SalvagesPrefix(t *testing.T) {
	// A Simple chunk that frames and hashes cleanly but whose size table
	// promises a third record the concatenation doesn't hold: the failure
	// surfaces at the chunk-decoder layer, and recovery keeps the two
	// intact records.
	var stream []byte
	for _, sz := range []byte{2, 2, 2} {
		stream = append(stream, sz)
	}
	stream = append(stream, []byte("aabb")...) // record "cc" missing
	payload := append(make([]byte, 4), stream...)

	w := riegeliwriter.New()
	w.WriteSignatureChunk()
	w.WriteRawChunk('r', 3, 6, payload)
	w.WriteSimpleChunk([][]byte{[]byte("tail")}, riegeliwriter.CompressionNone)

	var regions []riegeli.SkippedRegion
	r := memReader(w.Bytes(), riegeli.WithRecoveryFunc(func(region riegeli.SkippedRegion) bool {
		regions = append(regions, region)
		return true
	}))

	_, err := r.ReadRecord()
	require.ErrorIs(t, err, riegeli.ErrDataLoss)
	require.Equal(t, riegeli.RecoverableChunkDecoder, r.Recoverable())

	region, ok := r.Recover()
	require.True(t, ok)
	require.Len(t, regions, 1)
	// The first two records survive, so the lost region starts at the
	// third record's position within the chunk.
	assert.EqualValues(t, 64+2, region.Begin)

	records, _ := readAll(t, r)
	assert.Equal(t, [][]byte{[]byte("aa"), []byte("bb"), []byte("tail")}, records)
}

func Test_RandomAccessEquivalence(t *testing.T) {
	groups := [][][]byte{
		{[]byte("r0"), []byte("r1"), []byte("r2")},
		{[]byte("r3")},
		{[]byte("r4"), []byte("r5")},
	}
	data := simpleFile(t, riegeliwriter.CompressionZstd, groups...)

	sequential := memReader(data)
	records, positions := readAll(t, sequential)
	require.Len(t, records, 6)

	for k := range records {
		r := memReader(data)
		require.NoError(t, r.Seek(positions[k]))
		got, pos, err := r.ReadRecordWithPosition()
		require.NoError(t, err, "record %d", k)
		assert.Equal(t, records[k], got, "record %d", k)
		assert.Equal(t, positions[k], pos, "record %d", k)
	}
}

func Test_Seek_Idempotent(t *testing.T) {
	data := simpleFile(t, riegeliwriter.CompressionNone,
		[][]byte{[]byte("a"), []byte("b")}, [][]byte{[]byte("c")})
	r := memReader(data)

	first, err := r.ReadRecord()
	require.NoError(t, err)

	require.NoError(t, r.Seek(r.Pos()))
	second, err := r.ReadRecord()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, []byte("b"), second)

	// Seeking to the current position again changes nothing.
	pos := r.Pos()
	require.NoError(t, r.Seek(pos))
	assert.Equal(t, pos, r.Pos())
	got, err := r.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), got)
}

func Test_Seek_PastEndOfChunk(t *testing.T) {
	data := simpleFile(t, riegeliwriter.CompressionNone,
		[][]byte{[]byte("a"), []byte("b")}, [][]byte{[]byte("c")})
	r := memReader(data)
	_, positions := readAll(t, r)

	// An index beyond the chunk's records parks the reader at the end of
	// that chunk; the next read continues with the following chunk.
	require.NoError(t, r.Seek(riegeli.RecordPosition{ChunkBegin: positions[0].ChunkBegin, RecordIndex: 99}))
	got, err := r.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), got)
}

func Test_SeekToByte(t *testing.T) {
	data := simpleFile(t, riegeliwriter.CompressionNone,
		[][]byte{[]byte("a"), []byte("b"), []byte("c")})
	r := memReader(data)
	records, positions := readAll(t, r)
	require.Len(t, records, 3)
	begin := positions[0].ChunkBegin

	// chunk_begin + k is record k's numeric position.
	for k := range records {
		require.NoError(t, r.SeekToByte(begin+uint64(k)))
		got, pos, err := r.ReadRecordWithPosition()
		require.NoError(t, err)
		assert.Equal(t, records[k], got)
		assert.Equal(t, k, pos.RecordIndex)
	}

	// Byte 0 precedes every record: reading starts from the beginning.
	require.NoError(t, r.SeekToByte(0))
	got, err := r.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, records[0], got)

	// A byte position at or past end of file leaves a clean EOF.
	size, ok := r.Size()
	require.True(t, ok)
	require.NoError(t, r.SeekToByte(size))
	_, err = r.ReadRecord()
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, r.Err())
}

func Test_Metadata_RoundTrip(t *testing.T) {
	fd := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("my/records.proto"),
		Package: proto.String("my.pkg"),
	}
	fdBytes, err := proto.Marshal(fd)
	require.NoError(t, err)

	var msg []byte
	msg = protowire.AppendTag(msg, 1, protowire.BytesType)
	msg = protowire.AppendBytes(msg, []byte("my.pkg.Record"))
	msg = protowire.AppendTag(msg, 2, protowire.BytesType)
	msg = protowire.AppendBytes(msg, fdBytes)

	w := riegeliwriter.New()
	w.WriteSignatureChunk()
	require.NoError(t, w.WriteMetadataChunk(msg, riegeliwriter.CompressionZstd))
	w.WriteSimpleChunk([][]byte{[]byte("payload")}, riegeliwriter.CompressionNone)

	r := memReader(w.Bytes())
	m, err := r.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, "my.pkg.Record", m.RecordType)
	require.NotNil(t, m.FileDescriptor)
	assert.Equal(t, "my/records.proto", m.FileDescriptor.GetName())
	assert.Equal(t, "my.pkg", m.FileDescriptor.GetPackage())

	// Records follow the metadata chunk transparently.
	got, err := r.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func Test_Metadata_AbsentYieldsDefault(t *testing.T) {
	r := memReader(simpleFile(t, riegeliwriter.CompressionNone, [][]byte{[]byte("x")}))

	m, err := r.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, riegeli.DefaultMetadata, m)

	got, err := r.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}

func Test_Metadata_NotAtStart(t *testing.T) {
	r := memReader(simpleFile(t, riegeliwriter.CompressionNone, [][]byte{[]byte("x")}))
	_, err := r.ReadRecord()
	require.NoError(t, err)

	_, err = r.ReadMetadata()
	assert.ErrorIs(t, err, riegeli.ErrFailedPrecondition)
}

// submessage builds the wire bytes of {3: b, 4: c}.
func submessage(b, c string) []byte {
	var m []byte
	m = protowire.AppendTag(m, 3, protowire.BytesType)
	m = protowire.AppendBytes(m, []byte(b))
	m = protowire.AppendTag(m, 4, protowire.BytesType)
	m = protowire.AppendBytes(m, []byte(c))
	return m
}

func Test_FieldProjection_Transposed(t *testing.T) {
	// Records shaped {1: a, 2: {3: b, 4: c}}, read with the projection
	// {[1], [2,3]}: field 1 and subfield 2.3 keep their values, subfield
	// 2.4 disappears.
	fields := []riegeliwriter.TransposedField{
		{FieldNumber: 1, WireType: byte(protowire.BytesType), Values: [][][]byte{
			{[]byte("alpha")}, {[]byte("beta")},
		}},
		{FieldNumber: 2, WireType: byte(protowire.BytesType), Values: [][][]byte{
			{submessage("b0", "c0")}, {submessage("b1", "c1")},
		}},
	}
	w := riegeliwriter.New()
	w.WriteSignatureChunk()
	w.WriteTransposedChunk(2, fields, riegeliwriter.CompressionZstd)
	data := w.Bytes()

	proj := chunkdecoder.FieldProjection{Paths: []chunkdecoder.FieldPath{
		{Tags: []int32{1}},
		{Tags: []int32{2, 3}},
	}}
	r := memReader(data, riegeli.WithFieldProjection(proj))

	wantField1 := []string{"alpha", "beta"}
	wantField23 := []string{"b0", "b1"}
	for i := 0; i < 2; i++ {
		got, err := r.ReadRecord()
		require.NoError(t, err)

		var wantSub []byte
		wantSub = protowire.AppendTag(wantSub, 3, protowire.BytesType)
		wantSub = protowire.AppendBytes(wantSub, []byte(wantField23[i]))

		var want []byte
		want = protowire.AppendTag(want, 1, protowire.BytesType)
		want = protowire.AppendBytes(want, []byte(wantField1[i]))
		want = protowire.AppendTag(want, 2, protowire.BytesType)
		want = protowire.AppendBytes(want, wantSub)
		assert.Equal(t, want, got)
	}
	_, err := r.ReadRecord()
	assert.ErrorIs(t, err, io.EOF)

	// Without a projection the full submessage comes back.
	r = memReader(data)
	got, err := r.ReadRecord()
	require.NoError(t, err)
	var want []byte
	want = protowire.AppendTag(want, 1, protowire.BytesType)
	want = protowire.AppendBytes(want, []byte("alpha"))
	want = protowire.AppendTag(want, 2, protowire.BytesType)
	want = protowire.AppendBytes(want, submessage("b0", "c0"))
	assert.Equal(t, want, got)
}

func Test_PaddingChunksAreTransparent(t *testing.T) {
	w := riegeliwriter.New()
	w.WriteSignatureChunk()
	w.WriteSimpleChunk([][]byte{[]byte("one")}, riegeliwriter.CompressionNone)
	w.WritePaddingChunk(512)
	w.WriteSimpleChunk([][]byte{[]byte("two")}, riegeliwriter.CompressionNone)

	r := memReader(w.Bytes())
	records, _ := readAll(t, r)

	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, records)
}

func Test_SequentialSource_NoRandomAccess(t *testing.T) {
	data := simpleFile(t, riegeliwriter.CompressionNone, [][]byte{[]byte("a"), []byte("b")})
	r := riegeli.NewRecordReader(bytesource.FromReader(bytes.NewReader(data)))

	assert.False(t, r.SupportsRandomAccess())

	records, positions := readAll(t, r)
	assert.Len(t, records, 2)

	err := r.Seek(positions[0])
	assert.ErrorIs(t, err, riegeli.ErrUnimplemented)
}

func Test_OpenClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.riegeli")
	data := simpleFile(t, riegeliwriter.CompressionSnappy, [][]byte{[]byte("on disk")})
	require.NoError(t, os.WriteFile(path, data, 0o666))

	r, err := riegeli.Open(path)
	require.NoError(t, err)

	got, err := r.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, []byte("on disk"), got)

	require.NoError(t, r.Close())
	_, err = r.ReadRecord()
	assert.ErrorIs(t, err, riegeli.ErrFailedPrecondition)
	require.NoError(t, r.Close())
}

func Test_Open_MissingFile(t *testing.T) {
	_, err := riegeli.Open(filepath.Join(t.TempDir(), "nope.riegeli"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
