// Package wal implements the engine's write-ahead log: an append-only file
// that lets a crashed engine rebuild its memtable on the next Open.
//
// On-disk record layout (little-endian, no padding):
//
//	timestamp_u64 | key_len_u32 | key_bytes | value_len_u32 | value_bytes | checksum_u64 | seq_u64
//
// timestamp is advisory (seconds since the epoch, never consulted on
// recovery). checksum is xxhash.Sum64(key_bytes ++ value_bytes). seq is the
// engine's monotonic write sequence number, appended after the checksum so
// the first six fields stay exactly the layout the spec hands collaborators.
package wal

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/velocitydb-org/velocity/errs"
)

// Record is one WAL entry. An empty Value marks a tombstone.
type Record struct {
	Timestamp uint64
	Key       []byte
	Value     []byte
	Seq       uint64
}

// Kind selects the sync policy governing when buffered WAL bytes are
// pushed to durable storage.
type Kind uint8

const (
	// EveryWrite flushes and fsyncs after every append.
	EveryWrite Kind = iota
	// Batch flushes after every N appended records.
	Batch
	// Interval flushes when either a duration has elapsed since the last
	// flush, or 2N records have accumulated, whichever comes first.
	Interval
)

// SyncMode configures the WAL's flush cadence.
type SyncMode struct {
	Kind Kind
	N    int           // Batch threshold, and half the Interval fallback threshold.
	Every time.Duration // Interval flush period.
}

// EveryWriteMode is the strictest, lowest-throughput policy.
func EveryWriteMode() SyncMode { return SyncMode{Kind: EveryWrite} }

// BatchMode flushes every n records (the component's own default is 1000).
func BatchMode(n int) SyncMode {
	if n < 1 {
		n = 1000
	}
	return SyncMode{Kind: Batch, N: n}
}

// IntervalMode flushes every d, or every 2n records, whichever is sooner.
func IntervalMode(d time.Duration, n int) SyncMode {
	if n < 1 {
		n = 1000
	}
	return SyncMode{Kind: Interval, N: n, Every: d}
}

// ShouldFlush reports whether, given pending records appended since the
// last flush and the time elapsed since then, this policy calls for a
// flush now. It does not itself track state — callers (the write-queue
// worker) own the counters.
func (s SyncMode) ShouldFlush(pending int, elapsed time.Duration) bool {
	switch s.Kind {
	case EveryWrite:
		return pending > 0
	case Batch:
		return pending >= s.N
	case Interval:
		return elapsed >= s.Every || pending >= 2*s.N
	default:
		return pending > 0
	}
}

// WAL is the append-only log file. The caller never holds its lock; the
// engine's background write-queue worker is the sole appender (see the
// queue package).
type WAL struct {
	path string
	f    *os.File
	w    *bufio.Writer
}

// Open creates path if missing and positions for append.
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errs.IOf(err, "wal: open %s", path)
	}
	return &WAL{path: path, f: f, w: bufio.NewWriterSize(f, 64*1024)}, nil
}

// Append buffers one record; it does not flush. The caller decides when to
// call Flush, per its sync policy.
func (w *WAL) Append(rec Record) error {
	var hdr [8 + 4]byte
	binary.LittleEndian.PutUint64(hdr[0:8], rec.Timestamp)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(rec.Key)))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return errs.IO(err, "wal: write header")
	}
	if _, err := w.w.Write(rec.Key); err != nil {
		return errs.IO(err, "wal: write key")
	}
	var vlen [4]byte
	binary.LittleEndian.PutUint32(vlen[:], uint32(len(rec.Value)))
	if _, err := w.w.Write(vlen[:]); err != nil {
		return errs.IO(err, "wal: write value length")
	}
	if _, err := w.w.Write(rec.Value); err != nil {
		return errs.IO(err, "wal: write value")
	}
	var tail [8 + 8]byte
	binary.LittleEndian.PutUint64(tail[0:8], checksum(rec.Key, rec.Value))
	binary.LittleEndian.PutUint64(tail[8:16], rec.Seq)
	if _, err := w.w.Write(tail[:]); err != nil {
		return errs.IO(err, "wal: write trailer")
	}
	return nil
}

// Flush pushes the buffered writer to the OS and fsyncs the file. This is
// the only path by which a write becomes durable.
func (w *WAL) Flush() error {
	if err := w.w.Flush(); err != nil {
		return errs.IO(err, "wal: flush buffer")
	}
	if err := w.f.Sync(); err != nil {
		return errs.IO(err, "wal: fsync")
	}
	return nil
}

// Size reports the current file size in bytes.
func (w *WAL) Size() (int64, error) {
	fi, err := w.f.Stat()
	if err != nil {
		return 0, errs.IO(err, "wal: stat")
	}
	return fi.Size(), nil
}

// Clear closes and re-creates the file empty. Called only after a
// successful SSTable flush.
func (w *WAL) Clear() error {
	if err := w.w.Flush(); err != nil {
		_ = w.f.Close()
		return errs.IO(err, "wal: flush before clear")
	}
	if err := w.f.Close(); err != nil {
		return errs.IO(err, "wal: close before clear")
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.IOf(err, "wal: recreate %s", w.path)
	}
	w.f = f
	w.w = bufio.NewWriterSize(f, 64*1024)
	return nil
}

// Close flushes and closes the underlying file.
func (w *WAL) Close() error {
	if w == nil || w.f == nil {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		_ = w.f.Close()
		return errs.IO(err, "wal: flush on close")
	}
	if err := w.f.Close(); err != nil {
		return errs.IO(err, "wal: close")
	}
	return nil
}

func checksum(key, value []byte) uint64 {
	h := xxhash.New()
	_, _ = h.Write(key)
	_, _ = h.Write(value)
	return h.Sum64()
}

// Recover reads path sequentially and returns a best-effort prefix of
// durable records: it stops at the first short read or checksum mismatch,
// treating the remainder as a torn tail. A missing file yields an empty,
// non-error result (a fresh directory has no WAL yet).
func Recover(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.IOf(err, "wal: open %s for recovery", path)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 64*1024)
	var out []Record
	for {
		rec, ok, clean, _ := readRecord(r)
		if !ok {
			return out, nil
		}
		if !clean {
			// Checksum mismatch: treat as the start of a torn tail.
			return out, nil
		}
		out = append(out, rec)
	}
}

// IntegrityReport summarizes a WAL's health for operator triage.
type IntegrityReport struct {
	Total      int
	Corrupted  int
	Truncated  int
	SampleKeys [][]byte
}

// Verify behaves like Recover but continues past structurally well-formed
// records whose checksum is wrong (counting them as Corrupted), stopping
// only at a genuinely torn tail (Truncated). Up to five example keys are
// captured for operator triage, regardless of whether their record passed
// its checksum.
func Verify(path string) (IntegrityReport, error) {
	var report IntegrityReport

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return report, errs.IOf(err, "wal: open %s for verification", path)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		rec, ok, clean, truncated := readRecord(r)
		if !ok {
			if truncated {
				report.Truncated++
			}
			return report, nil
		}
		report.Total++
		if !clean {
			report.Corrupted++
		}
		if len(report.SampleKeys) < 5 {
			report.SampleKeys = append(report.SampleKeys, rec.Key)
		}
	}
}

// readRecord reads one record from r.
//
//   - ok=true means a complete, self-consistent record was read; clean
//     reports whether its checksum matched.
//   - ok=false, truncated=false means a clean end of stream: no bytes were
//     consumed for a new record, so the caller should stop without
//     counting anything.
//   - ok=false, truncated=true means some bytes of a new record were
//     present but the record could not be completed — a torn tail left by
//     a crash mid-write.
func readRecord(r *bufio.Reader) (rec Record, ok bool, clean bool, truncated bool) {
	var hdr [8 + 4]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		return Record{}, false, false, n > 0
	}
	timestamp := binary.LittleEndian.Uint64(hdr[0:8])
	keyLen := binary.LittleEndian.Uint32(hdr[8:12])

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Record{}, false, false, true
	}

	var vlen [4]byte
	if _, err := io.ReadFull(r, vlen[:]); err != nil {
		return Record{}, false, false, true
	}
	valLen := binary.LittleEndian.Uint32(vlen[:])
	value := make([]byte, valLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return Record{}, false, false, true
	}

	var tail [8 + 8]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return Record{}, false, false, true
	}
	storedChecksum := binary.LittleEndian.Uint64(tail[0:8])
	seq := binary.LittleEndian.Uint64(tail[8:16])

	rec = Record{Timestamp: timestamp, Key: key, Value: value, Seq: seq}
	clean = storedChecksum == checksum(key, value)
	return rec, true, clean, false
}
