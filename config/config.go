// Package config holds the engine's tunables: everything accepted by
// open(dir, config) per the on-disk/API contract. No file format is
// mandated — collaborators own loading a Config from whatever source
// they like; this package only validates and defaults one.
package config

import (
	"time"

	"github.com/velocitydb-org/velocity/errs"
	"github.com/velocitydb-org/velocity/wal"
)

// Config is the engine's tunable surface, supplied at Open.
type Config struct {
	// Dir is the data directory. Created if missing.
	Dir string

	// MaxMemtableSize is the entry-count threshold that should trigger a
	// Flush. The engine itself does not auto-flush on Put — this is a
	// hint collaborators are expected to act on.
	MaxMemtableSize int

	// CacheSize is the cache's fixed slot count.
	CacheSize int

	// BloomFalsePositiveRate is the target p used to size both the
	// memtable's bloom filter and every new SSTable's bloom filter.
	BloomFalsePositiveRate float64

	// CompactionThreshold is the live SSTable count that triggers a
	// compact() call from flush().
	CompactionThreshold int

	// EnableCompression gates zstd compression of SSTable values.
	EnableCompression bool

	// MemoryOnlyMode skips WAL appends entirely; durability is lost.
	MemoryOnlyMode bool

	// BatchWALWrites lets the background write queue's adaptive batching
	// schedule trigger a flush on top of WALSyncMode's literal schedule.
	// When false, only WALSyncMode.ShouldFlush decides when to flush.
	BatchWALWrites bool

	// WALSyncMode governs when the background worker flushes the WAL.
	WALSyncMode wal.SyncMode
}

// Default returns a Config with conservative, general-purpose defaults.
func Default() Config {
	return Config{
		Dir:                    "data",
		MaxMemtableSize:        1000,
		CacheSize:              1024,
		BloomFalsePositiveRate: 0.01,
		CompactionThreshold:    4,
		EnableCompression:      false,
		MemoryOnlyMode:         false,
		BatchWALWrites:         true,
		WALSyncMode:            wal.IntervalMode(50*time.Millisecond, 128),
	}
}

// Validate rejects a nonsensical configuration. The engine calls this
// during Open and fails with InvalidOperation if it errors.
func (c Config) Validate() error {
	if c.Dir == "" {
		return errs.Invalid("config: dir must not be empty")
	}
	if c.MaxMemtableSize < 0 {
		return errs.Invalid("config: max_memtable_size must be >= 0")
	}
	if c.CacheSize < 0 {
		return errs.Invalid("config: cache_size must be >= 0")
	}
	if c.BloomFalsePositiveRate <= 0 || c.BloomFalsePositiveRate >= 1 {
		return errs.Invalid("config: bloom_false_positive_rate must be in (0, 1)")
	}
	if c.CompactionThreshold < 0 {
		return errs.Invalid("config: compaction_threshold must be >= 0")
	}
	return nil
}
