package buffer

import (
	"errors"
	"io"
)

// Source is a position-addressed byte source whose length may grow over time.
// Both [Buffer] and [Shared] implement it.
type Source interface {
	io.ReaderAt
	Len() int
}

// Reader is a sequential reader over a Source.
// It implements the [io.Reader], [io.ByteReader] and [io.Seeker] interface.
//
// The reader only remembers a position. Every call resolves that position against
// the source and copies the bytes out, so no reference into the source's memory is
// held between calls and the source can be written to (or discarded from) in between.
type Reader struct {
	src   Source
	start int64 // Offset the reader was created at, see Reset.
	off   int64 // Offset of the next read.
}

// NewReader returns a Reader that starts reading src at offset start.
func NewReader(src Source, start int64) *Reader {
	return &Reader{src: src, start: start, off: start}
}

// Offset returns the offset of the next read.
func (r *Reader) Offset() int64 {
	return r.off
}

// Reset moves the reader back to the offset it was created at.
func (r *Reader) Reset() *Reader {
	r.off = r.start
	return r
}

// Read reads up to len(p) bytes into p and advances the reader by the number of
// bytes read. At the end of the source's data it returns 0, [io.EOF]; more data may
// become readable later if the source keeps growing.
func (r *Reader) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil // No-op
	}
	n, err = r.src.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 {
		err = nil // Short read; EOF is reported on the next call.
	}
	return n, err
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	var b [1]byte
	n, err := r.Read(b[:])
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	return b[0], nil
}

// Seek sets the offset for the next read.
// It implements the [io.Seeker] interface.
//
// Seeking to a negative offset is an error. [io.SeekEnd] is relative to the
// source's length at the time of the call.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = r.off + offset
	case io.SeekEnd:
		newOffset = int64(r.src.Len()) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if newOffset < 0 {
		return 0, errors.New("invalid offset: cannot be negative")
	}
	r.off = newOffset
	return newOffset, nil
}
