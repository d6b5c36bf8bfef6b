// Package engine is the storage core's coordinator: it owns the memtable,
// the global bloom filter, the value cache, the live SSTable list, the
// WAL, and the background write queue, and sequences every operation
// collaborators see — open, put, delete, get, flush, scan, stats,
// wal_integrity_report, close.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/velocitydb-org/velocity/bloom"
	"github.com/velocitydb-org/velocity/cache"
	"github.com/velocitydb-org/velocity/compaction"
	"github.com/velocitydb-org/velocity/config"
	"github.com/velocitydb-org/velocity/errs"
	"github.com/velocitydb-org/velocity/memtable"
	"github.com/velocitydb-org/velocity/metrics"
	"github.com/velocitydb-org/velocity/queue"
	"github.com/velocitydb-org/velocity/sstable"
	"github.com/velocitydb-org/velocity/wal"
)

const (
	sstSubdir         = "sstables"
	walFilename       = "wal.log"
	flushDrainTimeout = 30 * time.Second
)

// Engine is the storage core. Every exported method is safe for
// concurrent use; see each subsystem's own package for its lock
// discipline.
type Engine struct {
	cfg     config.Config
	sstDir  string
	walPath string

	memMu sync.RWMutex
	mem   *memtable.Memtable
	seq   uint64

	bloomMu sync.RWMutex
	bf      *bloom.Filter

	cache *cache.Cache

	sstMu    sync.RWMutex
	sstables []*sstable.Table // ascending by ID, oldest first

	nextIDMu      sync.Mutex
	nextSSTableID uint64

	compactMu sync.Mutex

	w     *wal.WAL // nil in memory-only mode
	queue *queue.Queue

	log     zerolog.Logger
	metrics *metrics.Metrics

	closeMu sync.Mutex
	closed  bool
}

// KV is one key-value pair returned by Scan.
type KV struct {
	Key   []byte
	Value []byte
}

// Stats is a point-in-time snapshot of the engine's size and shape.
type Stats struct {
	MemtableEntries  int
	SSTableCount     int
	CacheEntries     int
	TotalSSTableSize int64
	TotalRecords     int
	TotalSizeBytes   int64
}

// Open creates cfg.Dir (and its sstables subdirectory) if missing,
// replays the WAL into a fresh memtable and bloom filter, loads every
// existing SSTable, and starts the background write queue. In
// MemoryOnlyMode, no WAL is opened or replayed and Put/Delete never
// enqueue — durability is intentionally given up.
func Open(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errs.IOf(err, "engine: create data dir %s", cfg.Dir)
	}
	sstDir := filepath.Join(cfg.Dir, sstSubdir)
	if err := os.MkdirAll(sstDir, 0o755); err != nil {
		return nil, errs.IOf(err, "engine: create sstable dir %s", sstDir)
	}

	e := &Engine{
		cfg:           cfg,
		sstDir:        sstDir,
		walPath:       filepath.Join(cfg.Dir, walFilename),
		mem:           memtable.New(),
		seq:           1,
		bf:            bloom.New(max(cfg.MaxMemtableSize, 1), cfg.BloomFalsePositiveRate),
		cache:         cache.New(max(cfg.CacheSize, 1)),
		log:           zerolog.New(os.Stderr).With().Timestamp().Str("component", "engine").Logger(),
		metrics:       metrics.New("velocity"),
		nextSSTableID: 1,
	}

	tables, nextID, err := loadSSTables(sstDir)
	if err != nil {
		return nil, err
	}
	e.sstables = tables
	e.nextSSTableID = nextID

	for _, t := range tables {
		recs, err := readTableEntries(t)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			e.bf.Add(r.Key)
		}
	}

	if !cfg.MemoryOnlyMode {
		recs, err := wal.Recover(e.walPath)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			e.bf.Add(r.Key)
			e.mem.Apply(memtable.Record{
				Key:       r.Key,
				Value:     r.Value,
				Tombstone: len(r.Value) == 0,
				Seq:       r.Seq,
			})
			if r.Seq >= e.seq {
				e.seq = r.Seq + 1
			}
		}

		w, err := wal.Open(e.walPath)
		if err != nil {
			return nil, err
		}
		e.w = w
		e.queue = queue.New(w, cfg.WALSyncMode, cfg.BatchWALWrites, e.log, func(err error) {
			e.log.Error().Err(err).Msg("background WAL write failed")
		})
	}

	return e, nil
}

func loadSSTables(dir string) ([]*sstable.Table, uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 1, errs.IOf(err, "engine: read sstable dir %s", dir)
	}

	type found struct {
		id   uint64
		path string
	}
	var files []found
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		id, ok := sstable.ParseFilename(ent.Name())
		if !ok {
			continue
		}
		files = append(files, found{id: id, path: filepath.Join(dir, ent.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].id < files[j].id })

	tables := make([]*sstable.Table, 0, len(files))
	nextID := uint64(1)
	for _, f := range files {
		t, err := sstable.Load(f.path, f.id)
		if err != nil {
			return nil, 1, err
		}
		tables = append(tables, t)
		if f.id >= nextID {
			nextID = f.id + 1
		}
	}
	return tables, nextID, nil
}

// Put inserts or overwrites key. The memtable/bloom update is
// synchronous; the WAL append is staged on the background write queue
// and only eventually durable, per the configured sync mode.
func (e *Engine) Put(key, value []byte) error {
	return e.apply(key, value, false)
}

// Delete tombstones key. Like Put, the tombstone is synchronously
// visible to subsequent Get calls before the WAL append is durable.
func (e *Engine) Delete(key []byte) error {
	return e.apply(key, nil, true)
}

func (e *Engine) apply(key, value []byte, tombstone bool) error {
	if len(key) == 0 {
		return errs.Invalid("engine: key must not be empty")
	}

	e.bloomMu.Lock()
	e.bf.Add(key)
	e.bloomMu.Unlock()

	e.memMu.Lock()
	seq := e.seq
	e.seq++
	e.mem.Apply(memtable.Record{Key: key, Value: value, Tombstone: tombstone, Seq: seq})
	e.memMu.Unlock()

	if tombstone {
		// A blocking Put of an empty value replaces any cached value for
		// key; Get reads an empty cached value as "not found".
		e.cache.Put(key, nil)
	} else {
		e.cache.TryPut(key, value)
	}

	if e.queue != nil {
		rec := wal.Record{Timestamp: uint64(time.Now().Unix()), Key: key, Value: value, Seq: seq}
		if err := e.queue.Enqueue(rec); err != nil {
			return err
		}
	}
	return nil
}

// Get looks up key, trying the cache, then the memtable, then the bloom
// filter, then every live SSTable from newest to oldest. A tombstone —
// in the memtable or in an SSTable — is reported as "not found" and
// stops the search: older tiers are never consulted once a tombstone for
// key is found, since it authoritatively shadows them.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, errs.Invalid("engine: key must not be empty")
	}

	if v, ok := e.cache.TryGet(key); ok {
		if len(v) == 0 {
			return nil, false, nil
		}
		return v, true, nil
	}

	e.memMu.RLock()
	rec, ok := e.mem.Get(key)
	e.memMu.RUnlock()
	if ok {
		if rec.Tombstone {
			return nil, false, nil
		}
		go e.cache.Put(key, rec.Value)
		return rec.Value, true, nil
	}

	e.bloomMu.RLock()
	maybe := e.bf.MightContain(key)
	e.bloomMu.RUnlock()
	if !maybe {
		return nil, false, nil
	}

	e.sstMu.RLock()
	tables := make([]*sstable.Table, len(e.sstables))
	copy(tables, e.sstables)
	e.sstMu.RUnlock()

	for i := len(tables) - 1; i >= 0; i-- {
		t := tables[i]
		if !t.MightContain(key) {
			continue
		}
		v, tombstone, present, err := t.Lookup(key)
		if err != nil {
			return nil, false, err
		}
		if !present {
			continue
		}
		if tombstone {
			return nil, false, nil
		}
		go e.cache.Put(key, v)
		return v, true, nil
	}
	return nil, false, nil
}

// Flush snapshots the memtable into a new SSTable, clears the memtable
// and the WAL, and — if the live SSTable count now exceeds the
// compaction threshold — runs a compaction. A no-op on an empty
// memtable.
func (e *Engine) Flush() error {
	e.memMu.Lock()
	if e.mem.Len() == 0 {
		e.memMu.Unlock()
		return nil
	}
	recs := e.mem.RecordsSorted()

	e.nextIDMu.Lock()
	id := e.nextSSTableID
	e.nextSSTableID++
	e.nextIDMu.Unlock()

	table, err := sstable.Create(e.sstDir, id, recs, e.cfg.EnableCompression)
	if err != nil {
		e.memMu.Unlock()
		return err
	}

	e.sstMu.Lock()
	e.sstables = append(e.sstables, table)
	sstCount := len(e.sstables)
	e.sstMu.Unlock()

	e.mem = memtable.New()

	if e.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), flushDrainTimeout)
		drainErr := e.queue.Drain(ctx)
		cancel()
		if drainErr != nil {
			e.memMu.Unlock()
			return drainErr
		}
		if err := e.w.Clear(); err != nil {
			e.memMu.Unlock()
			return err
		}
	}
	e.memMu.Unlock()

	// The bloom is never reset here: apply() already added every one of
	// recs' keys when each was Put/Deleted, so the filter already covers
	// the table we just wrote. It only ever grows, for the engine's
	// lifetime, so Get's bloom gate can never produce a false negative
	// against data that has already been flushed.
	if e.metrics != nil {
		e.metrics.FlushesTotal.Inc()
	}
	e.log.Info().Uint64("sstable_id", id).Int("records", len(recs)).Msg("flushed memtable to sstable")

	if e.cfg.CompactionThreshold > 0 && sstCount > e.cfg.CompactionThreshold {
		if err := e.compact(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) compact() error {
	e.compactMu.Lock()
	defer e.compactMu.Unlock()

	e.sstMu.RLock()
	inputs := make([]*sstable.Table, len(e.sstables))
	copy(inputs, e.sstables)
	e.sstMu.RUnlock()

	if len(inputs) == 0 {
		return nil
	}

	e.nextIDMu.Lock()
	id := e.nextSSTableID
	e.nextSSTableID++
	e.nextIDMu.Unlock()

	out, err := compaction.Run(e.sstDir, inputs, id, e.cfg.EnableCompression)
	if err != nil {
		e.log.Error().Err(err).Msg("compaction failed")
		return err
	}

	e.sstMu.Lock()
	// inputs was a snapshot of a prefix of e.sstables; compactMu rules out
	// a second concurrent compaction splicing the same prefix, so any
	// tables a flush appended meanwhile sit strictly after it.
	remaining := e.sstables[len(inputs):]
	merged := make([]*sstable.Table, 0, len(remaining)+1)
	if out != nil {
		merged = append(merged, out)
	}
	merged = append(merged, remaining...)
	e.sstables = merged
	e.sstMu.Unlock()

	if e.metrics != nil {
		e.metrics.CompactionsTotal.Inc()
	}
	e.log.Info().Uint64("output_id", id).Int("inputs", len(inputs)).Msg("compacted sstables")
	return nil
}

// Scan returns up to limit key-value pairs in ascending key order,
// merging every SSTable (oldest to newest) with the current memtable.
// limit <= 0 means unlimited.
func (e *Engine) Scan(limit int) ([]KV, error) {
	e.sstMu.RLock()
	tables := make([]*sstable.Table, len(e.sstables))
	copy(tables, e.sstables)
	e.sstMu.RUnlock()

	merged := make(map[string][]byte)
	for _, t := range tables {
		recs, err := readTableEntries(t)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if r.Tombstone {
				delete(merged, string(r.Key))
			} else {
				merged[string(r.Key)] = r.Value
			}
		}
	}

	e.memMu.RLock()
	memRecs := e.mem.RecordsSorted()
	e.memMu.RUnlock()
	for _, r := range memRecs {
		if r.Tombstone {
			delete(merged, string(r.Key))
		} else {
			merged[string(r.Key)] = r.Value
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && limit < len(keys) {
		keys = keys[:limit]
	}

	out := make([]KV, 0, len(keys))
	for _, k := range keys {
		out = append(out, KV{Key: []byte(k), Value: merged[k]})
	}
	return out, nil
}

func readTableEntries(t *sstable.Table) ([]memtable.Record, error) {
	f, err := os.Open(t.Path)
	if err != nil {
		return nil, errs.IOf(err, "engine: open %s for scan", t.Path)
	}
	defer func() { _ = f.Close() }()
	return sstable.ReadAllEntries(f)
}

// Stats reports the engine's current size and shape, and — if metrics
// were wired at Open — updates the corresponding Prometheus gauges.
func (e *Engine) Stats() Stats {
	e.memMu.RLock()
	memEntries := e.mem.Len()
	e.memMu.RUnlock()

	e.sstMu.RLock()
	sstCount := len(e.sstables)
	var totalSSTSize int64
	var sstRecords int
	for _, t := range e.sstables {
		totalSSTSize += t.Size
		sstRecords += t.Count
	}
	e.sstMu.RUnlock()

	var walSize int64
	if e.w != nil {
		if sz, err := e.w.Size(); err == nil {
			walSize = sz
		}
	}

	s := Stats{
		MemtableEntries:  memEntries,
		SSTableCount:     sstCount,
		CacheEntries:     e.cache.Len(),
		TotalSSTableSize: totalSSTSize,
		TotalRecords:     memEntries + sstRecords,
		TotalSizeBytes:   walSize + totalSSTSize,
	}

	if e.metrics != nil {
		e.metrics.MemtableEntries.Set(float64(s.MemtableEntries))
		e.metrics.SSTableCount.Set(float64(s.SSTableCount))
		e.metrics.CacheEntries.Set(float64(s.CacheEntries))
		e.metrics.TotalSSTableSize.Set(float64(s.TotalSSTableSize))
		e.metrics.TotalRecords.Set(float64(s.TotalRecords))
		e.metrics.TotalSizeBytes.Set(float64(s.TotalSizeBytes))
	}
	return s
}

// WALIntegrityReport verifies the on-disk WAL and, if metrics were wired
// at Open, accumulates the findings into the corresponding counters.
func (e *Engine) WALIntegrityReport() (wal.IntegrityReport, error) {
	report, err := wal.Verify(e.walPath)
	if err != nil {
		return report, err
	}
	if e.metrics != nil {
		e.metrics.WALRecordsTotal.Add(float64(report.Total))
		e.metrics.WALRecordsCorrupted.Add(float64(report.Corrupted))
		e.metrics.WALRecordsTruncated.Add(float64(report.Truncated))
	}
	return report, nil
}

// Metrics returns the engine's Prometheus collectors for registration by
// a collaborator, or nil if none were wired.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Close flushes any unflushed memtable, drains and stops the background
// write queue, closes the WAL, and clears the cache. Idempotent.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return nil
	}

	if err := e.Flush(); err != nil {
		return err
	}

	if e.queue != nil {
		g, ctx := errgroup.WithContext(context.Background())
		g.Go(func() error { return e.queue.Close(ctx) })
		if err := g.Wait(); err != nil {
			return err
		}
	}
	if e.w != nil {
		if err := e.w.Close(); err != nil {
			return err
		}
	}

	e.cache.Clear()
	e.closed = true
	return nil
}
