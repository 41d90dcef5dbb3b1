package replays

import (
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/holmberd/go-replayrelay/internal/buffer"
)

const (
	bucketCount = 64 // Must be a power of two for unbiased modulo.
)

func bucketIndex(n uint64) uint64 {
	// Faster modulo via bitwise AND; requires bucketCount to be a power of two.
	return n & (bucketCount - 1)
}

// RegistryStats represents the replays held by a registry.
type RegistryStats struct {
	Replays int // Number of reference streams.
	Active  int // Streams currently merging.
	Bytes   int // Total length of all reference streams.
}

func (s *RegistryStats) Reset() {
	s.Replays = 0
	s.Active = 0
	s.Bytes = 0
}

// entry is a reference stream and the streams currently merging into it.
type entry[P buffer.ChunkPooler] struct {
	ref       *buffer.Shared[P]
	active    int       // Streams that have not ended.
	idleSince time.Time // When the last active stream ended.
}

type bucket[P buffer.ChunkPooler] struct {
	sync.RWMutex
	replays map[string]*entry[P]
	closed  bool
}

// registry is a concurrent map of replay key to reference stream, split into
// buckets by key hash so lookups for different replays rarely contend.
type registry[P buffer.ChunkPooler] struct {
	buckets [bucketCount]bucket[P]
}

func newRegistry[P buffer.ChunkPooler]() *registry[P] {
	r := &registry[P]{}
	for i := range r.buckets {
		r.buckets[i].replays = make(map[string]*entry[P])
	}
	return r
}

// Get returns the reference stream of key.
func (r *registry[P]) Get(key string) (*buffer.Shared[P], bool) {
	b := &r.buckets[bucketIndex(xxhash.Sum64String(key))]
	b.RLock()
	defer b.RUnlock()
	e, ok := b.replays[key]
	if !ok {
		return nil, false
	}
	return e.ref, true
}

// GetOrCreate returns the reference stream of key, calling create to add one if
// none exists, and counts a new active stream for it. Every successful call must
// be paired with a call to Release. hash must be the xxhash of key. It returns
// errMergerClosed once the registry has been cleared.
func (r *registry[P]) GetOrCreate(key string, hash uint64, create func() *buffer.Shared[P]) (ref *buffer.Shared[P], created bool, err error) {
	b := &r.buckets[bucketIndex(hash)]
	b.Lock()
	defer b.Unlock()
	if b.closed {
		return nil, false, errMergerClosed
	}
	e, ok := b.replays[key]
	if !ok {
		e = &entry[P]{ref: create()}
		b.replays[key] = e
	}
	e.active++
	return e.ref, !ok, nil
}

// Release ends an active stream of key at now. It reports whether key has no
// active streams left.
func (r *registry[P]) Release(key string, hash uint64, now time.Time) (idle bool) {
	b := &r.buckets[bucketIndex(hash)]
	b.Lock()
	defer b.Unlock()
	e, ok := b.replays[key]
	if !ok {
		return false
	}
	if e.active > 0 {
		e.active--
	}
	if e.active == 0 {
		e.idleSince = now
		return true
	}
	return false
}

// Delete removes key and releases its reference stream. A replay with active
// streams is kept, and Delete reports false.
func (r *registry[P]) Delete(key string) bool {
	b := &r.buckets[bucketIndex(xxhash.Sum64String(key))]
	b.Lock()
	defer b.Unlock()
	e, ok := b.replays[key]
	if !ok || e.active > 0 {
		return false
	}
	e.ref.Release()
	delete(b.replays, key)
	return true
}

// Evict removes every replay whose last stream ended at or before cutoff and
// returns the number removed.
func (r *registry[P]) Evict(cutoff time.Time) int {
	n := 0
	for i := range r.buckets {
		b := &r.buckets[i]
		b.Lock()
		for key, e := range b.replays {
			if e.active == 0 && !e.idleSince.After(cutoff) {
				e.ref.Release()
				delete(b.replays, key)
				n++
			}
		}
		b.Unlock()
	}
	return n
}

// Len returns the number of replays held.
func (r *registry[P]) Len() int {
	n := 0
	for i := range r.buckets {
		b := &r.buckets[i]
		b.RLock()
		n += len(b.replays)
		b.RUnlock()
	}
	return n
}

// Keys returns every replay key in sorted order.
func (r *registry[P]) Keys() []string {
	var keys []string
	for i := range r.buckets {
		b := &r.buckets[i]
		b.RLock()
		for k := range b.replays {
			keys = append(keys, k)
		}
		b.RUnlock()
	}
	slices.Sort(keys)
	return keys
}

func (r *registry[P]) UpdateStats(s *RegistryStats) {
	for i := range r.buckets {
		b := &r.buckets[i]
		b.RLock()
		s.Replays += len(b.replays)
		for _, e := range b.replays {
			s.Active += e.active
			s.Bytes += e.ref.Len()
		}
		b.RUnlock()
	}
}

// Clear releases every reference stream and closes the registry to new ones.
func (r *registry[P]) Clear() {
	for i := range r.buckets {
		b := &r.buckets[i]
		b.Lock()
		for key, e := range b.replays {
			e.ref.Release()
			delete(b.replays, key)
		}
		b.closed = true
		b.Unlock()
	}
}
