// Package buffer implements a chunked byte stream that can be appended to at the end
// and discarded from the front, without ever moving bytes that were already written.
package buffer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"strconv"
)

var (
	// ErrDiscarded is the panic value (wrapped) raised when a position below the
	// discard point is accessed. It signals a bug in the caller, not a runtime condition.
	ErrDiscarded = errors.New("position is below the discard point")

	errNegativePosition = errors.New("invalid position: cannot be negative")
)

// Buffer represents an append-only byte stream stored in fixed-size chunks and
// addressed by absolute position.
//
// Bytes are never shifted or compacted: a position keeps referring to the same byte
// for as long as it remains above the discard point. Discarding releases whole
// chunks back to the pool once every byte in them is below the discard point.
//
// The discard point may run ahead of the data. Bytes written below it are counted
// in Len but never stored.
//
// A Buffer is not safe for concurrent use. See [Shared].
type Buffer[P ChunkPooler] struct {
	logger    *slog.Logger // Default logger.
	chunkPool P            // Pool of memory chunks.
	chunkSize int          // Memory chunk size in bytes.

	// chunks holds the chunks still backing readable data.
	// chunks[i] starts at the absolute position (firstChunk+i)*chunkSize.
	chunks     [][]byte
	firstChunk int

	length       int // Total number of bytes ever written.
	discardPoint int // Lowest readable position, can be greater than length.
}

// New creates a new, empty Buffer.
// It panics if the config is not valid for the pool.
func New[P ChunkPooler](chunkPool P, logger *slog.Logger, config Config) *Buffer[P] {
	if err := config.Validate(chunkPool); err != nil {
		panic(err)
	}
	return &Buffer[P]{
		logger:    logger,
		chunkPool: chunkPool,
		chunkSize: config.ChunkSize,
	}
}

// Len returns the total number of bytes ever written to the buffer.
func (b *Buffer[P]) Len() int {
	return b.length
}

// DiscardPoint returns the lowest position that can still be read.
func (b *Buffer[P]) DiscardPoint() int {
	return b.discardPoint
}

// ChunkSize returns the size of the chunks the buffer takes from its pool.
func (b *Buffer[P]) ChunkSize() int {
	return b.chunkSize
}

// Chunks returns the number of chunks currently held by the buffer.
func (b *Buffer[P]) Chunks() int {
	return len(b.chunks)
}

// Write appends p to the buffer. It implements the [io.Writer] interface.
// The return value n is the length of p; err is always nil.
func (b *Buffer[P]) Write(p []byte) (n int, err error) {
	b.Append(p)
	return len(p), nil
}

// AppendFrom appends the bytes of src from position start up to the end of its
// data and returns the number of bytes appended.
func (b *Buffer[P]) AppendFrom(src ChunkGetter, start int) int {
	pos := start
	for {
		chunk := src.GetChunk(pos)
		if len(chunk) == 0 {
			return pos - start
		}
		b.Append(chunk)
		pos += len(chunk)
	}
}

// Append appends p to the end of the buffer, growing the buffer as needed.
// Any part of p that lands below the discard point is accounted for but not stored.
func (b *Buffer[P]) Append(p []byte) {
	if len(p) == 0 {
		return // No-op; empty bytes.
	}
	if skip := b.discardPoint - b.length; skip > 0 {
		skip = min(skip, len(p))
		b.length += skip
		p = p[skip:]
	}
	if len(p) == 0 {
		return
	}

	// Pre-warm the pool when the write spans several new chunks.
	lastChunkIdx := (b.length + len(p) - 1) / b.chunkSize
	heldChunkIdx := b.firstChunk + len(b.chunks) - 1
	if len(b.chunks) == 0 {
		heldChunkIdx = b.length/b.chunkSize - 1
	}
	if n := lastChunkIdx - heldChunkIdx; n > 1 {
		b.chunkPool.Allocate(b.chunkSize, n)
	}

	for len(p) > 0 {
		chunkIdx, pos := b.locate(b.length)
		if len(b.chunks) == 0 {
			b.firstChunk = chunkIdx
		}
		i := chunkIdx - b.firstChunk
		if i == len(b.chunks) {
			b.chunks = append(b.chunks, b.chunkPool.Get(b.chunkSize))
		}
		n := copy(b.chunks[i][pos:], p)
		b.length += n
		p = p[n:]
	}
}

// GetChunk returns the contiguous run of bytes starting at start, up to the end of
// the chunk holding start or the end of the data, whichever comes first.
// It returns an empty slice if start is at or beyond Len.
//
// It panics with an error wrapping [ErrDiscarded] if start is below the discard point.
// The returned slice is only valid until the next call to Discard or Reset.
func (b *Buffer[P]) GetChunk(start int) []byte {
	chunk, lo, hi := b.resolve(start)
	if chunk == nil {
		return nil
	}
	return chunk[lo:hi:hi]
}

// GetMutChunk is like GetChunk but the returned bytes may be modified in place.
func (b *Buffer[P]) GetMutChunk(start int) []byte {
	chunk, lo, hi := b.resolve(start)
	if chunk == nil {
		return nil
	}
	return chunk[lo:hi]
}

// ReadAt copies bytes starting at off into p, crossing chunk boundaries as needed.
// It implements the [io.ReaderAt] interface; the error is [io.EOF] if fewer than
// len(p) bytes are available.
//
// Like GetChunk, it panics if off is below the discard point.
func (b *Buffer[P]) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, errNegativePosition
	}
	if off >= int64(b.length) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	pos := int(off)
	for n < len(p) {
		chunk := b.GetChunk(pos + n)
		if len(chunk) == 0 {
			return n, io.EOF
		}
		n += copy(p[n:], chunk)
	}
	return n, nil
}

// Discard discards all bytes below until, releasing any chunk that no longer holds
// readable bytes back to the pool.
//
// The discard point never moves backwards; a lower until is a no-op. until may be
// beyond Len, in which case subsequent writes only advance Len until it reaches the
// discard point.
func (b *Buffer[P]) Discard(until int) {
	if until <= b.discardPoint {
		return // No-op; discard point is monotonic.
	}
	b.discardPoint = until

	// Chunk k is fully discarded once (k+1)*chunkSize <= until.
	n := min(until/b.chunkSize-b.firstChunk, len(b.chunks))
	if n <= 0 {
		return
	}
	for i := range n {
		b.chunkPool.Put(b.chunks[i])
	}
	b.chunks = slices.Delete(b.chunks, 0, n)
	b.firstChunk += n
	b.logger.Debug("released discarded chunks",
		"chunks", n,
		"discardPoint", b.discardPoint,
		"length", b.length,
	)
}

// DiscardAll discards every byte written so far and any byte written in the future.
func (b *Buffer[P]) DiscardAll() {
	b.Discard(math.MaxInt)
}

// Reset releases all chunks back to the pool and returns the buffer to its
// initial empty state.
func (b *Buffer[P]) Reset() {
	for _, c := range b.chunks {
		b.chunkPool.Put(c)
	}
	clear(b.chunks)
	b.chunks = b.chunks[:0]
	b.firstChunk = 0
	b.length = 0
	b.discardPoint = 0
}

// Print outputs a visual representation of the buffer for debugging purposes.
// It prints each held chunk as a row of space-separated hexadecimal values.
func (b *Buffer[P]) Print(w io.Writer) {
	if b == nil {
		return
	}
	fmt.Fprintf(w, "--- Buffer len=%d discard=%d ---\n", b.length, b.discardPoint)
	if len(b.chunks) == 0 {
		fmt.Fprintf(w, "(empty)\n\n")
		return
	}

	// Calculate the padding width needed to align all chunk indexes.
	lastChunkIdx := b.firstChunk + len(b.chunks) - 1
	paddingWidth := len(strconv.Itoa(lastChunkIdx))
	for i, chunk := range b.chunks {
		fmt.Fprintf(w, "%*d: [% x]\n", paddingWidth, b.firstChunk+i, chunk)
	}
	fmt.Fprintln(w)
}

// resolve maps a position to the chunk holding it and the readable window [lo, hi)
// within that chunk. It returns a nil chunk when start is at or beyond Len.
func (b *Buffer[P]) resolve(start int) (chunk []byte, lo, hi int) {
	if start < 0 {
		panic(fmt.Errorf("%w: %d", errNegativePosition, start))
	}
	if start >= b.length {
		return nil, 0, 0
	}
	if start < b.discardPoint {
		panic(fmt.Errorf("%w: access at %d, discard point %d", ErrDiscarded, start, b.discardPoint))
	}
	chunkIdx, pos := b.locate(start)
	i := chunkIdx - b.firstChunk
	if i < 0 || i >= len(b.chunks) {
		// Positions in [discardPoint, length) are always backed by a chunk.
		panic(fmt.Errorf("internal error: chunk %d for position %d is not held", chunkIdx, start))
	}
	hi = b.chunkSize
	if chunkIdx == (b.length-1)/b.chunkSize {
		hi = b.length - chunkIdx*b.chunkSize
	}
	return b.chunks[i], pos, hi
}

// locate calculates the absolute chunk index and the position within that chunk.
func (b *Buffer[P]) locate(offset int) (chunkIdx int, pos int) {
	return offset / b.chunkSize, offset % b.chunkSize
}
