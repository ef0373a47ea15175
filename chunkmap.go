package netres

import (
	"fmt"
	"math/rand"

	"github.com/RoaringBitmap/roaring"
)

// ChunkRange is one run of present chunks, [Start, Start+Length).
// On the wire a range is a two-element array.
type ChunkRange struct {
	_      struct{} `cbor:",toarray"`
	Start  uint32
	Length uint32
}

// ChunkMap is the set of chunks a holder possesses, over a fixed chunk
// count. The backing set is a roaring bitmap; the wire form is the list of
// present runs, which are sorted, non-adjacent and non-overlapping by
// construction.
//
// The zero value is an empty map over zero chunks; use SetIncomplete or
// SetComplete to size it.
type ChunkMap struct {
	chunkCnt uint32
	bits     *roaring.Bitmap
}

// SetIncomplete resets the map to empty over chunkCnt chunks.
func (m *ChunkMap) SetIncomplete(chunkCnt int) {
	m.chunkCnt = uint32(max(chunkCnt, 0))
	m.bits = roaring.New()
}

// SetComplete resets the map to one full range over chunkCnt chunks.
func (m *ChunkMap) SetComplete(chunkCnt int) {
	m.SetIncomplete(chunkCnt)
	if m.chunkCnt > 0 {
		m.bits.AddRange(0, uint64(m.chunkCnt))
	}
}

// AddChunk marks a single chunk present.
func (m *ChunkMap) AddChunk(chunk int) {
	m.AddRange(chunk, 1)
}

// AddRange marks [start, start+length) present. Out-of-bounds or empty
// ranges are silently ignored.
func (m *ChunkMap) AddRange(start, length int) {
	if start < 0 || length <= 0 || start+length > int(m.chunkCnt) {
		return
	}
	if m.bits == nil {
		m.bits = roaring.New()
	}
	m.bits.AddRange(uint64(start), uint64(start+length))
}

// Merge adds all chunks present in other. Both maps must cover the same
// chunk count.
func (m *ChunkMap) Merge(other *ChunkMap) error {
	if other == nil || m.chunkCnt != other.chunkCnt {
		return ErrChunkCntMismatch
	}
	if other.bits != nil && !other.bits.IsEmpty() {
		if m.bits == nil {
			m.bits = roaring.New()
		}
		m.bits.Or(other.bits)
	}
	return nil
}

// Complement returns the map of absent chunks over the same chunk count.
func (m *ChunkMap) Complement() *ChunkMap {
	out := &ChunkMap{chunkCnt: m.chunkCnt}
	if m.bits != nil {
		out.bits = m.bits.Clone()
	} else {
		out.bits = roaring.New()
	}
	if m.chunkCnt > 0 {
		out.bits.Flip(0, uint64(m.chunkCnt))
	}
	return out
}

// ChunkCnt returns the total chunk count the map covers.
func (m *ChunkMap) ChunkCnt() int { return int(m.chunkCnt) }

// PresentChunkCnt returns the number of chunks present.
func (m *ChunkMap) PresentChunkCnt() int {
	if m.bits == nil {
		return 0
	}
	return int(m.bits.GetCardinality())
}

// IsComplete reports whether every chunk is present.
func (m *ChunkMap) IsComplete() bool {
	return m.PresentChunkCnt() == int(m.chunkCnt)
}

// Has reports whether the given chunk is present.
func (m *ChunkMap) Has(chunk int) bool {
	if chunk < 0 || chunk >= int(m.chunkCnt) || m.bits == nil {
		return false
	}
	return m.bits.Contains(uint32(chunk))
}

// NthPresent returns the k-th present chunk index in ascending order,
// 0 <= k < PresentChunkCnt.
func (m *ChunkMap) NthPresent(k int) (int, bool) {
	if m.bits == nil || k < 0 || k >= m.PresentChunkCnt() {
		return 0, false
	}
	v, err := m.bits.Select(uint32(k))
	if err != nil {
		return 0, false
	}
	return int(v), true
}

// Ranges returns the present runs in ascending order.
func (m *ChunkMap) Ranges() []ChunkRange {
	out := []ChunkRange{}
	if m.bits == nil {
		return out
	}
	it := m.bits.Iterator()
	for it.HasNext() {
		v := it.Next()
		if n := len(out); n > 0 && out[n-1].Start+out[n-1].Length == v {
			out[n-1].Length++
		} else {
			out = append(out, ChunkRange{Start: v, Length: 1})
		}
	}
	return out
}

// Clone returns a deep copy.
func (m *ChunkMap) Clone() *ChunkMap {
	out := &ChunkMap{chunkCnt: m.chunkCnt}
	if m.bits != nil {
		out.bits = m.bits.Clone()
	}
	return out
}

// PickRetrieval selects a chunk to request from a peer with the given
// availability: one the peer has, that we lack, and that is not already in
// flight. The pick is uniformly random over the candidate set. Returns
// false if there is nothing to retrieve from that peer.
func (m *ChunkMap) PickRetrieval(available *ChunkMap, inFlight []int) (int, bool) {
	if available == nil || available.chunkCnt != m.chunkCnt {
		return 0, false
	}
	// everything that should not be retrieved: chunks the peer lacks,
	// chunks we have, chunks already requested
	skip := available.Complement()
	skip.Merge(m)
	for _, c := range inFlight {
		skip.AddChunk(c)
	}
	if skip.IsComplete() {
		return 0, false
	}
	cand := skip.Complement()
	return cand.NthPresent(rand.Intn(cand.PresentChunkCnt()))
}

// chunkMapWire is the serialized form: the chunk count, the number of
// ranges, and the present ranges. Integers use CBOR's compact varint
// encoding; fixed-width encodings of the same values decode identically.
type chunkMapWire struct {
	ChunkCnt uint32        `cbor:"ChunkCnt,omitempty"`
	RangeCnt uint32        `cbor:"ChunkRangeCnt,omitempty"`
	Ranges   *[]ChunkRange `cbor:"Ranges,omitempty"`
}

// MarshalCBOR implements cbor.Marshaler.
func (m ChunkMap) MarshalCBOR() ([]byte, error) {
	ranges := m.Ranges()
	return cborEnc.Marshal(chunkMapWire{
		ChunkCnt: m.chunkCnt,
		RangeCnt: uint32(len(ranges)),
		Ranges:   &ranges,
	})
}

// UnmarshalCBOR implements cbor.Unmarshaler. A missing Ranges section or a
// range count that disagrees with the parsed ranges is a corruption error.
func (m *ChunkMap) UnmarshalCBOR(data []byte) error {
	var w chunkMapWire
	if err := cborDec.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("chunk map: %s: %w", err, ErrCorrupt)
	}
	if w.Ranges == nil {
		return fmt.Errorf("chunk map: ranges expected: %w", ErrCorrupt)
	}
	if int(w.RangeCnt) != len(*w.Ranges) {
		return fmt.Errorf("chunk map: range count mismatch: %w", ErrCorrupt)
	}
	m.SetIncomplete(int(w.ChunkCnt))
	for _, r := range *w.Ranges {
		m.AddRange(int(r.Start), int(r.Length))
	}
	return nil
}
