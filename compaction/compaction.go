// Package compaction merges a set of SSTables into one, preserving
// last-writer-wins semantics and reclaiming tombstoned keys.
//
// The engine has no level structure — it runs one flat compaction over
// every live SSTable once the compaction threshold is crossed, so
// "newest wins" reduces to "the table with the highest id wins": a
// compaction input set is the complete SSTable list, and within it ids
// are already the engine's total order on recency.
package compaction

import (
	"bytes"
	"container/heap"
	"os"

	"github.com/velocitydb-org/velocity/errs"
	"github.com/velocitydb-org/velocity/memtable"
	"github.com/velocitydb-org/velocity/sstable"
)

// Run merges inputs (any order) into one new SSTable with id outputID,
// written to sstDir, and removes the input files on success. Returns nil,
// nil if inputs is empty. Keys whose newest surviving record is a
// tombstone are dropped from the output entirely — with a full compaction
// over every live table, there is no older tier left for the tombstone to
// shadow. compressed governs the output table's encoding, independent of
// whatever encoding each input table happened to use.
func Run(sstDir string, inputs []*sstable.Table, outputID uint64, compressed bool) (*sstable.Table, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	iters := make([]*tableIter, 0, len(inputs))
	defer func() {
		for _, it := range iters {
			_ = it.close()
		}
	}()
	for _, t := range inputs {
		it, err := newTableIter(t)
		if err != nil {
			return nil, err
		}
		iters = append(iters, it)
	}

	h := &mergeHeap{}
	for _, it := range iters {
		if it.next() {
			heap.Push(h, it)
		}
	}

	var merged []memtable.Record
	for h.Len() > 0 {
		// Pop every iterator currently positioned on the smallest key and
		// keep the one from the highest-id table.
		key := (*h)[0].cur.Key
		var winner memtable.Record
		var winnerID uint64
		haveWinner := false

		for h.Len() > 0 && bytes.Equal((*h)[0].cur.Key, key) {
			it := heap.Pop(h).(*tableIter)
			if !haveWinner || it.t.ID > winnerID {
				winner = it.cur
				winnerID = it.t.ID
				haveWinner = true
			}
			if it.next() {
				heap.Push(h, it)
			}
		}

		if len(winner.Value) > 0 {
			merged = append(merged, winner)
		}
	}

	out, err := sstable.Create(sstDir, outputID, merged, compressed)
	if err != nil {
		return nil, err
	}

	for _, t := range inputs {
		if err := os.Remove(t.Path); err != nil && !os.IsNotExist(err) {
			return nil, errs.IOf(err, "compaction: remove input %s", t.Path)
		}
	}

	return out, nil
}

type tableIter struct {
	t   *sstable.Table
	recs []memtable.Record
	pos int
	cur memtable.Record
}

func newTableIter(t *sstable.Table) (*tableIter, error) {
	f, err := os.Open(t.Path)
	if err != nil {
		return nil, errs.IOf(err, "compaction: open %s", t.Path)
	}
	defer func() { _ = f.Close() }()
	recs, err := sstable.ReadAllEntries(f)
	if err != nil {
		return nil, err
	}
	return &tableIter{t: t, recs: recs}, nil
}

func (it *tableIter) next() bool {
	if it.pos >= len(it.recs) {
		return false
	}
	it.cur = it.recs[it.pos]
	it.pos++
	return true
}

func (it *tableIter) close() error { return nil }

type mergeHeap []*tableIter

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	return bytes.Compare(h[i].cur.Key, h[j].cur.Key) < 0
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*tableIter)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
