// Package bytesource implements the pull-based, seekable byte-source
// adapter that is the sole boundary between the riegeli reader stack and
// the host's actual I/O (file, memory buffer, or arbitrary io.Reader).
//
// Sources buffer a sliding window of recently read bytes: the buffer
// grows by appending and its front is trimmed once rereads can no longer
// reach it. The interface is a pull/advance cursor rather than an
// io.Reader/io.Seeker pair, since the chunk reader wants a "give me at
// least N bytes" primitive rather than a byte-stream interface.
package bytesource

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gregorycollins/riegeli/internal/rerr"
)

// Source is a pull-based, possibly-seekable view over a byte stream.
type Source interface {
	// Pull returns a view of at least min bytes starting at the current
	// cursor position, reading from the underlying stream as needed. It
	// returns a shorter slice together with io.EOF if fewer than min bytes
	// remain, and a slice of length >= min otherwise.
	Pull(min int) ([]byte, error)

	// Advance moves the cursor forward by n bytes, which must not exceed
	// the length of the slice most recently returned by Pull.
	Advance(n int)

	// Position returns the current absolute cursor offset.
	Position() uint64

	// Size returns the total size of the stream and true, or (0, false) if
	// the source cannot report it.
	Size() (uint64, bool)

	// Seek moves the cursor to an absolute offset. It returns an error
	// wrapping rerr.Unimplemented if the source does not support random
	// access.
	Seek(pos uint64) error

	// SupportsRandomAccess reports whether Seek and Size are usable.
	SupportsRandomAccess() bool
}

// sizer is implemented by sources that can report their total length
// without a seek-to-end round trip (e.g. *os.File via Stat, or an
// in-memory buffer).
type sizer interface {
	Size() (int64, error)
}

// stream wraps an io.Reader, optionally an io.Seeker and a sizer, as a
// Source. Random access is available iff the underlying reader implements
// io.Seeker.
type stream struct {
	r io.Reader
	s io.Seeker // nil if r doesn't support seeking
	z sizer     // nil if unknown

	// buf[0:] holds bytes already read from r, starting at absolute offset
	// bufStart. pos is the current cursor; bufStart <= pos <= bufStart +
	// len(buf).
	buf      []byte
	bufStart uint64
	pos      uint64
}

// FromReader returns a Source over r that supports only sequential
// reading.
func FromReader(r io.Reader) Source {
	return &stream{r: r}
}

// FromReadSeeker returns a Source over r that supports seeking and, if r
// also implements Size() (int64, error), reports its total length.
func FromReadSeeker(r io.ReadSeeker) Source {
	s := &stream{r: r, s: r}
	if z, ok := r.(sizer); ok {
		s.z = z
	}
	return s
}

// FromBytes returns an in-memory, randomly-accessible Source over b. b is
// not copied; the caller must not mutate it while the Source is in use.
func FromBytes(b []byte) Source {
	return &memSource{buf: b}
}

// FromFile returns a randomly-accessible Source over f, sized via Stat.
func FromFile(f *os.File) Source {
	return &stream{r: f, s: f, z: fileSizer{f}}
}

type fileSizer struct{ f *os.File }

func (z fileSizer) Size() (int64, error) {
	st, err := z.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (s *stream) bufEnd() uint64 { return s.bufStart + uint64(len(s.buf)) }

func (s *stream) Pull(min int) ([]byte, error) {
	if min < 0 {
		return nil, fmt.Errorf("bytesource: negative pull size %d", min)
	}

	have := s.bufEnd() - s.pos
	for have < uint64(min) {
		chunk := make([]byte, 32*1024)
		n, err := s.r.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
			have += uint64(n)
		}
		if err != nil {
			avail := s.buf[s.pos-s.bufStart:]
			if errors.Is(err, io.EOF) {
				return avail, io.EOF
			}
			return avail, fmt.Errorf("bytesource: read: %w", err)
		}
	}
	off := s.pos - s.bufStart
	return s.buf[off:], nil
}

func (s *stream) Advance(n int) {
	if n < 0 {
		panic("bytesource: negative advance")
	}
	s.pos += uint64(n)

	// Trim buffered bytes the cursor can no longer seek back to,
	// amortized so trimming stays linear overall.
	if s.s == nil {
		discard := s.pos - s.bufStart
		if discard > 0 && 2*discard >= uint64(len(s.buf)) {
			s.buf = append([]byte(nil), s.buf[discard:]...)
			s.bufStart = s.pos
		}
	}
}

func (s *stream) Position() uint64 { return s.pos }

func (s *stream) Size() (uint64, bool) {
	if s.z != nil {
		n, err := s.z.Size()
		if err != nil || n < 0 {
			return 0, false
		}
		return uint64(n), true
	}
	return 0, false
}

func (s *stream) SupportsRandomAccess() bool { return s.s != nil }

func (s *stream) Seek(pos uint64) error {
	if s.s == nil {
		return fmt.Errorf("%w: source does not support seeking", rerr.Unimplemented)
	}

	if s.bufStart <= pos && pos <= s.bufEnd() {
		s.pos = pos
		return nil
	}

	off, err := s.s.Seek(int64(pos), io.SeekStart)
	if err != nil {
		return fmt.Errorf("bytesource: seek: %w", err)
	}
	s.buf = s.buf[:0]
	s.bufStart = uint64(off)
	s.pos = uint64(off)
	return nil
}

// memSource is a Source over an in-memory byte slice: always random-access,
// never needs to block.
type memSource struct {
	buf []byte
	pos uint64
}

func (m *memSource) Pull(min int) ([]byte, error) {
	if m.pos >= uint64(len(m.buf)) {
		if min == 0 {
			return nil, nil
		}
		return nil, io.EOF
	}
	avail := m.buf[m.pos:]
	if uint64(min) > uint64(len(avail)) {
		return avail, io.EOF
	}
	return avail, nil
}

func (m *memSource) Advance(n int) {
	if n < 0 {
		panic("bytesource: negative advance")
	}
	m.pos += uint64(n)
}

func (m *memSource) Position() uint64 { return m.pos }

func (m *memSource) Size() (uint64, bool) { return uint64(len(m.buf)), true }

func (m *memSource) SupportsRandomAccess() bool { return true }

func (m *memSource) Seek(pos uint64) error {
	m.pos = pos
	return nil
}
