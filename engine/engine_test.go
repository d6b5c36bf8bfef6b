package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velocitydb-org/velocity/config"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Dir = t.TempDir()
	cfg.CompactionThreshold = 100
	return cfg
}

func TestPutThenGetRoundTrips(t *testing.T) {
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v1")))
	v, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(v))
}

func TestOverwriteReturnsNewestValue(t *testing.T) {
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v1")))
	require.NoError(t, e.Put([]byte("k"), []byte("v2")))

	v, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(v))
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	_, ok, err := e.Get([]byte("absent"))
	require.NoError(t, err)
	require.False(t, ok)
}

// S3: a tombstone written after a flush shadows the value already on disk.
func TestTombstoneShadowsFlushedSSTable(t *testing.T) {
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Delete([]byte("k")))

	_, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)

	stats := e.Stats()
	require.Equal(t, 1, stats.SSTableCount)
}

func TestDeleteThenPutResurrectsKey(t *testing.T) {
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v1")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Delete([]byte("k")))
	require.NoError(t, e.Put([]byte("k"), []byte("v2")))

	v, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(v))
}

func TestFlushOnEmptyMemtableIsNoop(t *testing.T) {
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Flush())
	require.Equal(t, 0, e.Stats().SSTableCount)
}

func TestPutEmptyKeyIsInvalid(t *testing.T) {
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	err = e.Put(nil, []byte("v"))
	require.Error(t, err)
}

// S4: recover from a WAL with no prior flush.
func TestRecoversFromWALWithoutFlush(t *testing.T) {
	cfg := testConfig(t)

	e, err := Open(cfg)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		require.NoError(t, e.Put(key, []byte("v")))
	}
	// Simulate a crash: make the staged records durable in the WAL, but
	// never call Close, which would flush them into an SSTable.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.queue.Drain(ctx))

	reopened, err := Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.Get([]byte("key-0000"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
	require.Equal(t, 200, reopened.Stats().MemtableEntries)
}

// S5: flush then recover — the flushed data survives as an SSTable, not
// just a replayed WAL.
func TestFlushThenRecoverPreservesData(t *testing.T) {
	cfg := testConfig(t)

	e, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Put([]byte("c"), []byte("3")))
	require.NoError(t, e.Close())

	reopened, err := Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	for _, kv := range []struct{ k, v string }{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		got, ok, err := reopened.Get([]byte(kv.k))
		require.NoError(t, err)
		require.True(t, ok, kv.k)
		require.Equal(t, kv.v, string(got))
	}
	stats := reopened.Stats()
	require.Equal(t, 2, stats.SSTableCount, "Close flushes the still-pending \"c\" into a second table")
}

func TestScanMergesMemtableAndSSTablesWithTombstones(t *testing.T) {
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Delete([]byte("a")))
	require.NoError(t, e.Put([]byte("c"), []byte("3")))

	kvs, err := e.Scan(0)
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	require.Equal(t, "b", string(kvs[0].Key))
	require.Equal(t, "c", string(kvs[1].Key))
}

func TestCompactionRunsPastThreshold(t *testing.T) {
	cfg := testConfig(t)
	cfg.CompactionThreshold = 2
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Put([]byte{byte('a' + i)}, []byte("v")))
		require.NoError(t, e.Flush())
	}

	stats := e.Stats()
	require.LessOrEqual(t, stats.SSTableCount, 2, "compaction should have merged tables once the threshold was crossed")

	for i := 0; i < 3; i++ {
		v, ok, err := e.Get([]byte{byte('a' + i)})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "v", string(v))
	}
}

// S6: wal_integrity_report surfaces a clean WAL as zero corrupted/truncated.
func TestWALIntegrityReportOnCleanWAL(t *testing.T) {
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.queue.Drain(ctx))

	report, err := e.WALIntegrityReport()
	require.NoError(t, err)
	require.Equal(t, 1, report.Total)
	require.Equal(t, 0, report.Corrupted)
	require.Equal(t, 0, report.Truncated)
}

func TestCloseIsIdempotent(t *testing.T) {
	e, err := Open(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}

func TestMemoryOnlyModeSkipsWAL(t *testing.T) {
	cfg := testConfig(t)
	cfg.MemoryOnlyMode = true
	e, err := Open(cfg)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	v, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))

	require.Nil(t, e.w)
	require.Nil(t, e.queue)
}

func TestCompressedSSTablesRoundTripThroughFlushAndReopen(t *testing.T) {
	cfg := testConfig(t)
	cfg.EnableCompression = true

	e, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("a"), []byte("alpha value repeated repeated repeated")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Close())

	reopened, err := Open(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	v, ok, err := reopened.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alpha value repeated repeated repeated", string(v))
}
