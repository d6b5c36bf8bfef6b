package memtable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyLastWriterWins(t *testing.T) {
	m := New()
	m.Apply(Record{Key: []byte("k"), Value: []byte("v1"), Seq: 1})
	m.Apply(Record{Key: []byte("k"), Value: []byte("v2"), Seq: 2})
	r, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), r.Value)
	require.Equal(t, 1, m.Len())
}

func TestApplyIgnoresOlderSeq(t *testing.T) {
	m := New()
	m.Apply(Record{Key: []byte("k"), Value: []byte("v2"), Seq: 2})
	m.Apply(Record{Key: []byte("k"), Value: []byte("v1"), Seq: 1})
	r, _ := m.Get([]byte("k"))
	require.Equal(t, []byte("v2"), r.Value)
}

func TestTombstonePreserved(t *testing.T) {
	m := New()
	m.Apply(Record{Key: []byte("k"), Value: []byte("v"), Seq: 1})
	m.Apply(Record{Key: []byte("k"), Tombstone: true, Seq: 2})
	r, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.True(t, r.Tombstone)
	require.Empty(t, r.Value)
}

func TestKeysSortedOrder(t *testing.T) {
	m := New()
	for _, k := range []string{"charlie", "alpha", "bravo"} {
		m.Apply(Record{Key: []byte(k), Value: []byte("v"), Seq: 1})
	}
	keys := m.KeysSorted()
	require.Len(t, keys, 3)
	require.Equal(t, "alpha", string(keys[0]))
	require.Equal(t, "bravo", string(keys[1]))
	require.Equal(t, "charlie", string(keys[2]))
}

func TestGetMissing(t *testing.T) {
	m := New()
	_, ok := m.Get([]byte("missing"))
	require.False(t, ok)
}

func TestMutatingReturnedRecordDoesNotAffectMemtable(t *testing.T) {
	m := New()
	m.Apply(Record{Key: []byte("k"), Value: []byte("v"), Seq: 1})
	r, _ := m.Get([]byte("k"))
	r.Value[0] = 'X'
	r2, _ := m.Get([]byte("k"))
	require.Equal(t, "v", string(r2.Value))
}
