package buffer

import "sync"

// Shared wraps a Buffer owned jointly by every goroutine holding the *Shared.
//
// Access is mediated by a read-write lock that is only held for the duration of a
// single call. Readers on other goroutines should use ReadAt (or a [Reader]),
// which copies bytes out instead of returning slices into chunk memory.
type Shared[P ChunkPooler] struct {
	mu sync.RWMutex
	b  *Buffer[P]
}

// NewShared wraps b. b must not be used directly afterwards.
func NewShared[P ChunkPooler](b *Buffer[P]) *Shared[P] {
	return &Shared[P]{b: b}
}

// ReadAt copies bytes starting at off into p. See [Buffer.ReadAt].
func (s *Shared[P]) ReadAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.b.ReadAt(p, off)
}

// Len returns the total number of bytes ever written. See [Buffer.Len].
func (s *Shared[P]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.b.Len()
}

// DiscardPoint returns the lowest readable position. See [Buffer.DiscardPoint].
func (s *Shared[P]) DiscardPoint() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.b.DiscardPoint()
}

// Write appends p to the buffer. It implements the [io.Writer] interface.
func (s *Shared[P]) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

// Append appends p to the buffer. See [Buffer.Append].
func (s *Shared[P]) Append(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.b.Append(p)
}

// Discard discards all bytes below until. See [Buffer.Discard].
func (s *Shared[P]) Discard(until int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.b.Discard(until)
}

// View calls fn with shared (read) access to the buffer.
// fn must not retain the buffer or any slice obtained from it after it returns.
func (s *Shared[P]) View(fn func(b *Buffer[P])) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.b)
}

// Update calls fn with exclusive access to the buffer.
// fn must not retain the buffer or any slice obtained from it after it returns.
func (s *Shared[P]) Update(fn func(b *Buffer[P])) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.b)
}

// Reader returns a Reader positioned at start that reads through the lock.
func (s *Shared[P]) Reader(start int64) *Reader {
	return NewReader(s, start)
}

// Release returns all chunks to the pool. The buffer is empty afterwards.
func (s *Shared[P]) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.b.Reset()
}
