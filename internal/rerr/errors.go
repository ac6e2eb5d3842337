// Package rerr defines the error-kind sentinels shared by every layer of the
// riegeli record reader pipeline.
//
// Each sentinel is wrapped with fmt.Errorf("%w: ...", Kind, ...) at the call
// site, so callers can classify a failure with errors.Is while still getting
// a specific message.
package rerr

import "errors"

var (
	// DataLoss covers any hash mismatch, unknown chunk type, inconsistent
	// size table, decompression failure, or protobuf parse failure.
	DataLoss = errors.New("riegeli: data loss")

	// Truncated means the underlying source returned end-of-file mid-chunk.
	// Treated as a DataLoss case at the chunk-reader layer.
	Truncated = errors.New("riegeli: truncated")

	// Unimplemented means a random-access operation was requested on a
	// non-seekable source.
	Unimplemented = errors.New("riegeli: unimplemented")

	// FailedPrecondition means an operation was called in a state that
	// does not support it, e.g. ReadMetadata when not at byte 0.
	FailedPrecondition = errors.New("riegeli: failed precondition")

	// Internal means something the implementation itself is responsible
	// for went wrong, e.g. a decompressor context failed to allocate.
	Internal = errors.New("riegeli: internal error")

	// Overflow means a position computation would exceed the range of a
	// 64-bit unsigned integer.
	Overflow = errors.New("riegeli: overflow")
)
