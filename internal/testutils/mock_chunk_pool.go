package testutils

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

var (
	MockChunkSizes = []int{8, 128, 512}
)

// MockChunkPool is a heap-backed chunk pool that tracks outstanding chunks, so tests
// can assert that buffers return every chunk they take and never return one twice.
type MockChunkPool struct {
	getCalls atomic.Int64
	putCalls atomic.Int64

	mu          sync.Mutex
	outstanding map[*byte]struct{}
}

// Sizes returns supported chunk sizes.
func (p *MockChunkPool) Sizes() []int {
	return MockChunkSizes
}

func (p *MockChunkPool) IsSupported(chunkSize int) bool {
	return slices.Contains(p.Sizes(), chunkSize)
}

func (p *MockChunkPool) Get(chunkSize int) []byte {
	if !p.IsSupported(chunkSize) {
		panic(fmt.Sprintf("unsupported chunk size requested: %d", chunkSize))
	}
	p.getCalls.Add(1)
	c := make([]byte, chunkSize)
	p.mu.Lock()
	if p.outstanding == nil {
		p.outstanding = make(map[*byte]struct{})
	}
	p.outstanding[&c[0]] = struct{}{}
	p.mu.Unlock()
	return c
}

// Put panics if c was not handed out by this pool or was already returned.
func (p *MockChunkPool) Put(c []byte) {
	if c == nil {
		return
	}
	c = c[:cap(c)]
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.outstanding[&c[0]]; !ok {
		panic("chunk returned to pool twice or not from this pool")
	}
	delete(p.outstanding, &c[0])
	p.putCalls.Add(1)
}

func (p *MockChunkPool) Allocate(chunkSize int, numChunks int) {}

func (p *MockChunkPool) GetCalls() int64 {
	return p.getCalls.Load()
}

func (p *MockChunkPool) PutCalls() int64 {
	return p.putCalls.Load()
}

func (p *MockChunkPool) ChunksInUse() int64 {
	return p.GetCalls() - p.PutCalls()
}

func (p *MockChunkPool) Reset() {
	p.getCalls.Store(0)
	p.putCalls.Store(0)
	p.mu.Lock()
	p.outstanding = nil
	p.mu.Unlock()
}
