// Package bloom implements the fixed-width bit-vector membership filter
// used by the engine (one global filter over every key written or loaded
// since Open; it is never reset) and by each SSTable (one filter per run,
// built when the table is created or loaded).
//
// Probes are derived from a single pinned 64-bit hash (xxhash), seeded by
// the probe index rather than relying on the platform's default hash, so
// the bit layout is the same across runs of the same engine version and
// survives byte-identical round-trips through Encode/Decode.
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// guarantees no false negatives; "maybe" answers can be false positives.
type Filter struct {
	k    int
	m    uint64 // bit count, always a multiple of 8
	bits []byte
}

// New sizes a filter for n expected items at target false-positive rate p
// using the standard closed forms:
//
//	m = ceil(-n * ln(p) / (ln 2)^2)
//	k = max(1, ceil((m/n) * ln 2))
func New(n int, p float64) *Filter {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := int(math.Ceil((float64(m) / float64(n)) * math.Ln2))
	if k < 1 {
		k = 1
	}
	byteLen := (m + 7) / 8
	m = byteLen * 8
	return &Filter{
		k:    k,
		m:    m,
		bits: make([]byte, byteLen),
	}
}

// Add sets the k bits derived from key.
func (f *Filter) Add(key []byte) {
	for i := 0; i < f.k; i++ {
		f.setBit(f.probe(i, key))
	}
}

// MightContain returns false iff any of the k probed bits is zero.
func (f *Filter) MightContain(key []byte) bool {
	for i := 0; i < f.k; i++ {
		if !f.getBit(f.probe(i, key)) {
			return false
		}
	}
	return true
}

func (f *Filter) probe(i int, key []byte) uint64 {
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], uint64(i))
	h := xxhash.New()
	_, _ = h.Write(seed[:])
	_, _ = h.Write(key)
	return h.Sum64() % f.m
}

func (f *Filter) setBit(bit uint64) {
	f.bits[bit/8] |= 1 << (bit % 8)
}

func (f *Filter) getBit(bit uint64) bool {
	return f.bits[bit/8]&(1<<(bit%8)) != 0
}

// Encode serializes the filter as k_u8, m_u64, bits. The sstable package
// does not store filters on disk; it rebuilds each table's filter at load.
func (f *Filter) Encode() []byte {
	out := make([]byte, 1+8+len(f.bits))
	out[0] = byte(f.k)
	binary.LittleEndian.PutUint64(out[1:9], f.m)
	copy(out[9:], f.bits)
	return out
}

// Decode reconstructs a filter from bytes written by Encode.
func Decode(b []byte) (*Filter, bool) {
	if len(b) < 9 {
		return nil, false
	}
	k := int(b[0])
	m := binary.LittleEndian.Uint64(b[1:9])
	if k == 0 || m == 0 {
		return nil, false
	}
	bits := b[9:]
	if uint64(len(bits))*8 != m {
		return nil, false
	}
	out := make([]byte, len(bits))
	copy(out, bits)
	return &Filter{k: k, m: m, bits: out}, true
}
