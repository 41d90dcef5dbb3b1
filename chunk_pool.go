package replayrelay

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	KiB = 1024
	MiB = KiB * KiB

	ChunkSize16K  = 16 * KiB
	ChunkSize64K  = 64 * KiB
	ChunkSize256K = 256 * KiB
)

// DefaultChunkSizes are the chunk sizes a default pool serves, ordered by smallest to largest.
//   - The smallest size keeps the tail waste of short replay streams low.
//   - The largest size keeps long-lived streams at a low chunk count, which bounds both
//     GC scan work and the cost of discarding a prefix.
var DefaultChunkSizes = []int{
	ChunkSize16K,
	ChunkSize64K,
	ChunkSize256K,
}

type ChunkPoolConfig struct {
	// Sizes are the supported chunk sizes in ascending order.
	// Each size must be a multiple of the system page size.
	Sizes []int

	// Number of free chunks for each chunk size the pool can hold before starting to release memory.
	// A value <= 0 never releases memory.
	FreeThreshold int
}

func DefaultChunkPoolConfig() ChunkPoolConfig {
	return ChunkPoolConfig{
		Sizes:         DefaultChunkSizes,
		FreeThreshold: 256,
	}
}

func (c ChunkPoolConfig) Validate() error {
	var errs []error
	if len(c.Sizes) == 0 {
		errs = append(errs, errors.New("invalid chunk pool config: at least one chunk size is required"))
	}
	if !slices.IsSorted(c.Sizes) {
		errs = append(errs, errors.New("invalid chunk pool config: chunk sizes must be sorted in ascending order"))
	}
	pageSize := os.Getpagesize()
	for _, size := range c.Sizes {
		if size <= 0 || size%pageSize != 0 {
			errs = append(errs, fmt.Errorf("invalid chunk pool config: chunk size %d must be a positive multiple of the page size %d", size, pageSize))
		}
	}
	return errors.Join(errs...)
}

// ChunkPool is a thread-safe collection of free lists of off-heap memory chunks,
// one list per supported chunk size.
type ChunkPool struct {
	logger *slog.Logger
	sizes  []int

	mu   sync.Mutex
	free map[int][][]byte

	// freeThreshold is the number of free chunks per size the pool can hold
	// before starting to release memory.
	freeThreshold int
}

// NewChunkPool creates a new, empty chunk pool.
func NewChunkPool(config ChunkPoolConfig, logger *slog.Logger) (*ChunkPool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	p := &ChunkPool{
		logger:        logger,
		sizes:         slices.Clone(config.Sizes),
		free:          make(map[int][][]byte, len(config.Sizes)),
		freeThreshold: config.FreeThreshold,
	}
	for _, size := range p.sizes {
		p.free[size] = nil
	}
	return p, nil
}

// Sizes returns a slice of supported chunk sizes.
func (p *ChunkPool) Sizes() []int {
	return p.sizes
}

func (p *ChunkPool) IsSupported(chunkSize int) bool {
	return slices.Contains(p.sizes, chunkSize)
}

// Get retrieves a chunk from a pool of the specified size.
// It will panic if an unsupported size is requested.
func (p *ChunkPool) Get(chunkSize int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	list, ok := p.free[chunkSize]
	if !ok {
		panic(fmt.Sprintf("unsupported chunk size requested: %d", chunkSize))
	}
	if len(list) == 0 {
		p.alloc(chunkSize, 1)
		list = p.free[chunkSize]
	}
	n := len(list) - 1
	c := list[n]
	list[n] = nil
	p.free[chunkSize] = list[:n]
	return c
}

// Put returns a byte slice to the pool.
// It does nothing if the chunk size is not a supported size.
func (p *ChunkPool) Put(c []byte) {
	if c == nil {
		return
	}
	size := cap(c)
	c = c[:size] // Ensure the chunk is reset to its full capacity before returning.

	p.mu.Lock()
	list, ok := p.free[size]
	if !ok {
		p.mu.Unlock()
		return
	}
	var chunksToUnmap [][]byte
	p.free[size], chunksToUnmap = releaseChunks(append(list, c), p.freeThreshold)
	p.mu.Unlock()

	// Perform unmap outside of the lock to avoid blocking other operations.
	for _, chunk := range chunksToUnmap {
		p.unmap(chunk)
	}
}

// Allocate ensures that at least numChunks are available in the pool for the
// specified size. This is useful for pre-warming a pool to a specific capacity.
// It will panic if an unsupported size is requested.
func (p *ChunkPool) Allocate(chunkSize int, numChunks int) {
	if numChunks <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	list, ok := p.free[chunkSize]
	if !ok {
		panic(fmt.Sprintf("unsupported chunk size for pre-allocation: %d", chunkSize))
	}
	if n := numChunks - len(list); n > 0 {
		p.alloc(chunkSize, n)
	}
}

// Release unmaps every free chunk. Chunks still held by buffers are not affected.
func (p *ChunkPool) Release() {
	p.mu.Lock()
	var chunksToUnmap [][]byte
	for size, list := range p.free {
		chunksToUnmap = append(chunksToUnmap, list...)
		p.free[size] = nil
	}
	p.mu.Unlock()

	for _, chunk := range chunksToUnmap {
		p.unmap(chunk)
	}
}

// unmap releases the memory of a chunk back to the operating system.
func (p *ChunkPool) unmap(c []byte) {
	if err := unix.Munmap(c); err != nil {
		p.logger.Error("failed to unmap chunk", "error", err)
	}
}

// alloc maps numChunks chunks of chunkSize and appends them to the free list.
// It assumes the caller holds the mutex.
func (p *ChunkPool) alloc(chunkSize int, numChunks int) {
	for range numChunks {
		// Use unix.Mmap to allocate memory that is not part of the Go heap, so
		// long-lived replay data does not add to GC scan and pacing work.
		// Each chunk is its own mapping so it can be unmapped independently.
		data, err := unix.Mmap(-1, 0, chunkSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_ANON|unix.MAP_PRIVATE,
		)
		if err != nil {
			panic(fmt.Errorf("cannot allocate %d bytes via mmap: %w", chunkSize, err))
		}
		p.free[chunkSize] = append(p.free[chunkSize], data[:chunkSize:chunkSize])
	}
}

// numFree returns the number of available chunks for a given chunk size.
// It is primarily intended as helper method in tests.
func (p *ChunkPool) numFree(size int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free[size])
}

// releaseChunks is a generic helper that trims the free list if it exceeds the given threshold.
// It returns the updated list and a list of any chunks that were removed and should be unmapped.
func releaseChunks[C any](freeList []C, threshold int) (newList []C, toUnmap []C) {
	if threshold > 0 && len(freeList) > threshold {
		// Release half of the free chunks to prevent thrashing around the threshold.
		freeCount := len(freeList) / 2
		toUnmap = slices.Clone(freeList[:freeCount])
		newList = slices.Delete(freeList, 0, freeCount)
		return newList, toUnmap
	}
	return freeList, nil
}
