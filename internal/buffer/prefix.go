package buffer

import "encoding/binary"

// ChunkGetter is implemented by buffers that expose their data as contiguous runs
// addressed by absolute position.
type ChunkGetter interface {
	GetChunk(start int) []byte
}

// CommonPrefixFrom compares a and b from position start and returns the first
// position at which they differ, or the position at which either of them runs
// out of data.
//
// Both buffers must be readable at start, i.e. start must not be below either
// discard point.
func CommonPrefixFrom(a, b ChunkGetter, start int) int {
	end := start
	for {
		ac := a.GetChunk(end)
		bc := b.GetChunk(end)
		if len(ac) == 0 || len(bc) == 0 {
			return end
		}
		n := min(len(ac), len(bc))
		eq := equalPrefixLen(ac[:n], bc[:n])
		end += eq
		if eq < n {
			return end
		}
	}
}

// equalPrefixLen returns the number of equal leading bytes of a and b, which must
// be of the same length. It compares a word at a time before falling back to bytes.
func equalPrefixLen(a, b []byte) int {
	i := 0
	for ; i+8 <= len(a); i += 8 {
		if binary.LittleEndian.Uint64(a[i:]) != binary.LittleEndian.Uint64(b[i:]) {
			break
		}
	}
	for i < len(a) && a[i] == b[i] {
		i++
	}
	return i
}
