package memtable

import (
	"bytes"
	"sort"
)

// Memtable is an ordered key -> value mapping. It is not internally
// synchronized: the engine coordinates access under its own memtable
// reader-writer lock, held only for the short insert or lookup itself
// (see engine package).
type Memtable struct {
	byKey map[string]Record
}

func New() *Memtable {
	return &Memtable{
		byKey: make(map[string]Record),
	}
}

// Apply inserts r if it is newer than (or ties) the current record for the
// same key — last-writer-wins by Seq.
func (m *Memtable) Apply(r Record) {
	k := string(r.Key)
	curr, ok := m.byKey[k]
	if !ok || r.Seq >= curr.Seq {
		m.byKey[k] = Record{
			Key:       cloneBytes(r.Key),
			Value:     cloneBytes(r.Value),
			Tombstone: r.Tombstone,
			Seq:       r.Seq,
		}
	}
}

// Get returns the current record for key, including tombstones.
func (m *Memtable) Get(key []byte) (Record, bool) {
	r, ok := m.byKey[string(key)]
	if !ok {
		return Record{}, false
	}
	r.Key = cloneBytes(r.Key)
	r.Value = cloneBytes(r.Value)
	return r, true
}

// Len returns the entry count — the flush trigger per spec.
func (m *Memtable) Len() int {
	return len(m.byKey)
}

// KeysSorted returns every key in ascending order.
func (m *Memtable) KeysSorted() [][]byte {
	keys := make([][]byte, 0, len(m.byKey))
	for _, r := range m.byKey {
		keys = append(keys, cloneBytes(r.Key))
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return keys
}

// RecordsSorted returns every record (tombstones included) in ascending
// key order — used by flush and by Scan to merge against SSTable runs.
func (m *Memtable) RecordsSorted() []Record {
	out := make([]Record, 0, len(m.byKey))
	for _, r := range m.byKey {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
