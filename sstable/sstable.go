// Package sstable implements the engine's immutable on-disk sorted runs.
//
// On-disk layout is a one-byte format header followed by a flat sequence
// of entries:
//
//	format_u8 | (key_len_u16 | key_bytes | value_len_u32 | value_bytes)*
//
// format_u8 is formatRaw or formatZstd — set once at Create time from the
// engine's enable_compression option — and governs how every value in the
// table is encoded; tables never mix formats. An empty value marks a
// tombstone regardless of format — the same convention the memtable uses,
// so a flushed tombstone round-trips without a separate flag byte, and
// compression is skipped for empty values since an empty zstd frame is
// not itself empty. A sparse index (one entry per 16 records), a bloom
// filter sized for the table's entry count, and the min/max key bounds
// are rebuilt in memory whenever a table is loaded, and are never stored
// in the file.
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/velocitydb-org/velocity/bloom"
	"github.com/velocitydb-org/velocity/errs"
	"github.com/velocitydb-org/velocity/memtable"
)

const (
	indexEveryN = 16
	scanBudget  = 32
	bloomP      = 0.001

	formatRaw  byte = 0
	formatZstd byte = 1
)

// zstdEncoder and zstdDecoder are process-wide and reused across every
// Create/Get/Load call: klauspost/compress documents EncodeAll/DecodeAll
// as safe for concurrent use and recommends exactly this long-lived,
// shared-instance pattern over constructing one per call.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

type indexEntry struct {
	key    []byte
	offset int64
}

// Table is a loaded, read-only view over one SSTable file.
type Table struct {
	Path  string
	ID    uint64
	Min   []byte
	Max   []byte
	Count int
	Size  int64

	index      []indexEntry
	bf         *bloom.Filter
	compressed bool
}

// FormatFilename produces the fixed-width, zero-padded on-disk name for
// SSTable id.
func FormatFilename(id uint64) string {
	return fmt.Sprintf("sstable_%06d.vdb", id)
}

// ParseFilename extracts the id FormatFilename encoded, reporting false
// for any name not matching that exact shape — used at Open to rebuild
// the live table list and the next-id counter from a directory listing.
func ParseFilename(name string) (id uint64, ok bool) {
	const prefix, suffix = "sstable_", ".vdb"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	digits := name[len(prefix) : len(name)-len(suffix)]
	if len(digits) != 6 {
		return 0, false
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Create writes recs — which must already be in ascending key order — as
// a new SSTable at dir/sstable_NNNNNN.vdb, building the sparse index and
// bloom filter as it goes, and returns the resulting loaded Table.
// compressed selects zstd encoding for every value in the table, per the
// engine's enable_compression option.
func Create(dir string, id uint64, recs []memtable.Record, compressed bool) (*Table, error) {
	path := dir + string(os.PathSeparator) + FormatFilename(id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errs.IOf(err, "sstable: create %s", path)
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriterSize(f, 64*1024)
	format := formatRaw
	if compressed {
		format = formatZstd
	}
	if err := w.WriteByte(format); err != nil {
		return nil, errs.IO(err, "sstable: write format header")
	}
	bf := bloom.New(max(len(recs), 1), bloomP)

	t := &Table{Path: path, ID: id, compressed: compressed}
	var offset int64
	for i, r := range recs {
		if i%indexEveryN == 0 {
			t.index = append(t.index, indexEntry{key: cloneBytes(r.Key), offset: offset})
		}
		bf.Add(r.Key)
		n, err := writeEntry(w, r, compressed)
		if err != nil {
			return nil, err
		}
		offset += n

		if t.Min == nil || bytes.Compare(r.Key, t.Min) < 0 {
			t.Min = cloneBytes(r.Key)
		}
		if t.Max == nil || bytes.Compare(r.Key, t.Max) > 0 {
			t.Max = cloneBytes(r.Key)
		}
	}
	if err := w.Flush(); err != nil {
		return nil, errs.IO(err, "sstable: flush")
	}
	if err := f.Sync(); err != nil {
		return nil, errs.IO(err, "sstable: fsync")
	}

	t.Count = len(recs)
	t.Size = offset + 1
	t.bf = bf
	return t, nil
}

// ReadAllEntries drains every entry from r in file order (including the
// leading format header), stopping at the first unparseable field just
// as Load does. Used by compaction to stream a table's content for
// merging without re-deriving its index and bloom.
func ReadAllEntries(r io.Reader) ([]memtable.Record, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	compressed, ok := readFormat(br)
	if !ok {
		return nil, nil
	}
	var recs []memtable.Record
	for {
		rec, _, ok := readEntry(br, compressed)
		if !ok {
			break
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Load sequentially reads path, rebuilding the bloom filter, sparse
// index, min/max bounds, and counts. A record with an unparseable field
// truncates the load at that point, treating everything before it as the
// table's content — the same torn-tail tolerance the WAL uses.
func Load(path string, id uint64) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.IOf(err, "sstable: open %s", path)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 64*1024)
	compressed, ok := readFormat(r)
	if !ok {
		return &Table{Path: path, ID: id, bf: bloom.New(1, bloomP)}, nil
	}

	t := &Table{Path: path, ID: id, compressed: compressed}
	var recs []memtable.Record
	var offset int64
	for {
		rec, entryLen, ok := readEntry(r, compressed)
		if !ok {
			break
		}
		if len(recs)%indexEveryN == 0 {
			t.index = append(t.index, indexEntry{key: cloneBytes(rec.Key), offset: offset})
		}
		offset += int64(entryLen)
		recs = append(recs, rec)

		if t.Min == nil || bytes.Compare(rec.Key, t.Min) < 0 {
			t.Min = cloneBytes(rec.Key)
		}
		if t.Max == nil || bytes.Compare(rec.Key, t.Max) > 0 {
			t.Max = cloneBytes(rec.Key)
		}
	}

	bf := bloom.New(max(len(recs), 1), bloomP)
	for _, rec := range recs {
		bf.Add(rec.Key)
	}

	t.Count = len(recs)
	t.Size = offset + 1
	t.bf = bf
	return t, nil
}

// MightContain reports whether key could be in this table. false is
// authoritative — the key is definitely absent.
func (t *Table) MightContain(key []byte) bool {
	if t.bf == nil {
		return true
	}
	return t.bf.MightContain(key)
}

// Get performs a point lookup, treating a tombstone the same as absence —
// the convenience form most callers want. See Lookup for the tri-state
// version the engine's multi-table shadowing logic needs.
func (t *Table) Get(key []byte) ([]byte, bool, error) {
	value, tombstone, present, err := t.Lookup(key)
	if err != nil || !present || tombstone {
		return nil, false, err
	}
	return value, true, nil
}

// Lookup performs a point lookup and reports, distinctly, whether the key
// was present at all (bloom-reject, range-reject, seek to the greatest
// sparse-index entry at or before key, then scan forward up to the
// table's scan budget) and, if present, whether its record was a
// tombstone. present=false means this table has no opinion on key — an
// older table in the list may still hold it. present=true with
// tombstone=true means the key is authoritatively deleted as of this
// table, and no older table should be consulted.
func (t *Table) Lookup(key []byte) (value []byte, tombstone bool, present bool, err error) {
	if !t.MightContain(key) {
		return nil, false, false, nil
	}
	if t.Min == nil || bytes.Compare(key, t.Min) < 0 || bytes.Compare(key, t.Max) > 0 {
		return nil, false, false, nil
	}

	f, err := os.Open(t.Path)
	if err != nil {
		return nil, false, false, errs.IOf(err, "sstable: open %s", t.Path)
	}
	defer func() { _ = f.Close() }()

	start := 1 + t.seekOffset(key) // +1 skips the format header byte
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, false, false, errs.IO(err, "sstable: seek")
	}

	r := bufio.NewReaderSize(f, 64*1024)
	for i := 0; i < scanBudget; i++ {
		rec, _, ok := readEntry(r, t.compressed)
		if !ok {
			return nil, false, false, nil
		}
		cmp := bytes.Compare(rec.Key, key)
		if cmp == 0 {
			if len(rec.Value) == 0 {
				return nil, true, true, nil // tombstone
			}
			return rec.Value, false, true, nil
		}
		if cmp > 0 {
			return nil, false, false, nil
		}
	}
	return nil, false, false, nil
}

// seekOffset returns the byte offset of the last sparse-index entry whose
// key is <= target, or 0 if target precedes every indexed key.
func (t *Table) seekOffset(key []byte) int64 {
	if len(t.index) == 0 {
		return 0
	}
	lo, hi := 0, len(t.index)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(t.index[mid].key, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	i := lo - 1
	if i < 0 {
		return 0
	}
	return t.index[i].offset
}

// readFormat reads the table's leading format byte. ok is false only on a
// genuinely empty (or unreadable) file, which Load treats as an empty table.
func readFormat(r *bufio.Reader) (compressed bool, ok bool) {
	b, err := r.ReadByte()
	if err != nil {
		return false, false
	}
	return b == formatZstd, true
}

func writeEntry(w *bufio.Writer, r memtable.Record, compressed bool) (int64, error) {
	val := r.Value
	if compressed && len(val) > 0 {
		val = zstdEncoder.EncodeAll(val, nil)
	}

	var klen [2]byte
	binary.LittleEndian.PutUint16(klen[:], uint16(len(r.Key)))
	if _, err := w.Write(klen[:]); err != nil {
		return 0, errs.IO(err, "sstable: write key length")
	}
	if _, err := w.Write(r.Key); err != nil {
		return 0, errs.IO(err, "sstable: write key")
	}
	var vlen [4]byte
	binary.LittleEndian.PutUint32(vlen[:], uint32(len(val)))
	if _, err := w.Write(vlen[:]); err != nil {
		return 0, errs.IO(err, "sstable: write value length")
	}
	if _, err := w.Write(val); err != nil {
		return 0, errs.IO(err, "sstable: write value")
	}
	return int64(2 + len(r.Key) + 4 + len(val)), nil
}

// readEntry reads one entry, decompressing its value when compressed is
// true and the value is non-empty. ok is false at a clean end of file or
// at the first unparseable or undecodable field, which the caller treats
// as the end of data.
func readEntry(r *bufio.Reader, compressed bool) (memtable.Record, int, bool) {
	var klen [2]byte
	if _, err := io.ReadFull(r, klen[:]); err != nil {
		return memtable.Record{}, 0, false
	}
	kl := binary.LittleEndian.Uint16(klen[:])
	key := make([]byte, kl)
	if _, err := io.ReadFull(r, key); err != nil {
		return memtable.Record{}, 0, false
	}

	var vlen [4]byte
	if _, err := io.ReadFull(r, vlen[:]); err != nil {
		return memtable.Record{}, 0, false
	}
	vl := binary.LittleEndian.Uint32(vlen[:])
	value := make([]byte, vl)
	if _, err := io.ReadFull(r, value); err != nil {
		return memtable.Record{}, 0, false
	}
	entryLen := 2 + int(kl) + 4 + int(vl)

	if compressed && len(value) > 0 {
		decoded, err := zstdDecoder.DecodeAll(value, nil)
		if err != nil {
			return memtable.Record{}, 0, false
		}
		value = decoded
	}

	return memtable.Record{Key: key, Value: value, Tombstone: len(value) == 0}, entryLen, true
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
