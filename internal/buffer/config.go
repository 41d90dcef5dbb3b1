package buffer

import (
	"errors"
	"fmt"
)

type Config struct {
	// ChunkSize is the fixed size of every chunk in the buffer, and therefore the
	// granularity at which discarded bytes are released back to the pool.
	//
	// 	- Small chunks release discarded memory sooner and waste less space at the
	// 		tail of short streams.
	//
	// 	- Large chunks mean fewer pointers for the GC to scan and longer contiguous
	// 		runs returned by GetChunk, which speeds up prefix comparison.
	ChunkSize int
}

func (c Config) Validate(pool ChunkPooler) error {
	var errs []error
	if c.ChunkSize <= 0 {
		errs = append(errs, errors.New("invalid config: chunk size must be positive"))
	}
	if !pool.IsSupported(c.ChunkSize) {
		errs = append(
			errs,
			fmt.Errorf("invalid config: invalid chunk size %d must be one of %v", c.ChunkSize, pool.Sizes()),
		)
	}
	return errors.Join(errs...)
}

func DefaultConfig(pool ChunkPooler) Config {
	return Config{
		ChunkSize: pool.Sizes()[0], // Smallest supported; replay streams are often short.
	}
}
