// Command velocity is a small CLI over the storage engine: put, get,
// del, flush, scan, stats, and walcheck, each opening the engine, performing
// one operation, and closing it again.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/velocitydb-org/velocity/config"
	"github.com/velocitydb-org/velocity/engine"
	"github.com/velocitydb-org/velocity/errs"
	"github.com/velocitydb-org/velocity/wal"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]

	fs := flag.NewFlagSet("velocity", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dir := fs.String("dir", "data", "data directory (WAL + SSTables live here)")
	memMax := fs.Int("mem", 1000, "max_memtable_size: memtable entry-count flush threshold (not enforced on put)")
	cacheSize := fs.Int("cache", 1024, "cache_size: fixed cache slot count")
	compactAt := fs.Int("maxsst", 4, "compaction_threshold: live SSTable count that triggers compaction")
	compress := fs.Bool("compress", false, "enable_compression: zstd-compress SSTable values")
	memOnly := fs.Bool("memory-only", false, "memory_only_mode: skip the WAL entirely")
	syncEvery := fs.Bool("sync", false, "wal_sync_mode: fsync after every write instead of the default interval batching")

	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}
	args := fs.Args()

	cfg := config.Default()
	cfg.Dir = *dir
	cfg.MaxMemtableSize = *memMax
	cfg.CacheSize = *cacheSize
	cfg.CompactionThreshold = *compactAt
	cfg.EnableCompression = *compress
	cfg.MemoryOnlyMode = *memOnly
	if *syncEvery {
		cfg.WALSyncMode = wal.EveryWriteMode()
	}

	e, err := engine.Open(cfg)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = e.Close() }()

	switch cmd {
	case "put":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		if err := e.Put([]byte(args[0]), []byte(args[1])); err != nil {
			fatal(err)
		}
		fmt.Println("ok")

	case "get":
		if len(args) != 1 {
			usage()
			os.Exit(2)
		}
		v, ok, err := e.Get([]byte(args[0]))
		if err != nil {
			fatal(err)
		}
		if !ok {
			fmt.Println("(not found)")
			os.Exit(1)
		}
		fmt.Println(string(v))

	case "del":
		if len(args) != 1 {
			usage()
			os.Exit(2)
		}
		if err := e.Delete([]byte(args[0])); err != nil {
			fatal(err)
		}
		fmt.Println("ok")

	case "flush":
		if err := e.Flush(); err != nil {
			fatal(err)
		}
		fmt.Println("ok")

	case "scan":
		limit := 0
		if len(args) == 1 {
			fmt.Sscanf(args[0], "%d", &limit)
		}
		kvs, err := e.Scan(limit)
		if err != nil {
			fatal(err)
		}
		for _, kv := range kvs {
			fmt.Printf("%s\t%s\n", kv.Key, kv.Value)
		}

	case "stats":
		s := e.Stats()
		fmt.Printf("memtable_entries=%d\n", s.MemtableEntries)
		fmt.Printf("sstable_count=%d\n", s.SSTableCount)
		fmt.Printf("cache_entries=%d\n", s.CacheEntries)
		fmt.Printf("total_sstable_size=%d\n", s.TotalSSTableSize)
		fmt.Printf("total_records=%d\n", s.TotalRecords)
		fmt.Printf("total_size_bytes=%d\n", s.TotalSizeBytes)

	case "walcheck":
		report, err := e.WALIntegrityReport()
		if err != nil {
			fatal(err)
		}
		fmt.Printf("total=%d corrupted=%d truncated=%d\n", report.Total, report.Corrupted, report.Truncated)
		for _, k := range report.SampleKeys {
			fmt.Printf("  sample key: %s\n", k)
		}
		if report.Corrupted > 0 || report.Truncated > 0 {
			os.Exit(1)
		}

	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  velocity [flags] put <key> <value>")
	fmt.Fprintln(os.Stderr, "  velocity [flags] get <key>")
	fmt.Fprintln(os.Stderr, "  velocity [flags] del <key>")
	fmt.Fprintln(os.Stderr, "  velocity [flags] flush")
	fmt.Fprintln(os.Stderr, "  velocity [flags] scan [limit]")
	fmt.Fprintln(os.Stderr, "  velocity [flags] stats")
	fmt.Fprintln(os.Stderr, "  velocity [flags] walcheck")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Flags:")
	fmt.Fprintln(os.Stderr, "  -dir          data directory (default: data)")
	fmt.Fprintln(os.Stderr, "  -mem          max_memtable_size (default: 1000)")
	fmt.Fprintln(os.Stderr, "  -cache        cache_size (default: 1024)")
	fmt.Fprintln(os.Stderr, "  -maxsst       compaction_threshold (default: 4)")
	fmt.Fprintln(os.Stderr, "  -compress     enable_compression (default: false)")
	fmt.Fprintln(os.Stderr, "  -memory-only  memory_only_mode (default: false)")
	fmt.Fprintln(os.Stderr, "  -sync         fsync on every write instead of interval batching")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", errs.KindOf(err), "-", err)
	os.Exit(1)
}
