package riegeli

import "github.com/gregorycollins/riegeli/internal/rerr"

// The public error sentinels mirror the internal error-kind taxonomy
// so callers outside this module can classify a failure with
// errors.Is without reaching into an internal package.
var (
	ErrDataLoss           = rerr.DataLoss
	ErrTruncated          = rerr.Truncated
	ErrUnimplemented      = rerr.Unimplemented
	ErrFailedPrecondition = rerr.FailedPrecondition
	ErrInternal           = rerr.Internal
	ErrOverflow           = rerr.Overflow
)

// Recoverable classifies whether, and at what layer, a failure can be
// bridged by calling RecordReader.Recover.
type Recoverable int

const (
	// RecoverableNo means there is nothing for Recover to bridge: either
	// the reader is healthy, or its failure is not recoverable.
	RecoverableNo Recoverable = iota
	// RecoverableChunkReader means Recover can re-synchronize at the next
	// plausible block boundary.
	RecoverableChunkReader
	// RecoverableChunkDecoder means the enclosing chunk was read
	// successfully but its payload failed to decode; Recover skips that
	// chunk's records from the damage onward, keeping any that decoded
	// before it.
	RecoverableChunkDecoder
)

// SkippedRegion describes the byte range bridged by a successful call to
// RecordReader.Recover, and why.
type SkippedRegion struct {
	Begin  Position
	End    Position
	Reason string
}

// RecoveryFunc is called with each SkippedRegion bridged during Recover. It
// returns true to accept the skip and continue, or false to reject it and
// re-fail the reader with the original error. A RecordReader constructed
// without one accepts every skip.
type RecoveryFunc func(SkippedRegion) bool
