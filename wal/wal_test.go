package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeN(t *testing.T, path string, n int) {
	t.Helper()
	w, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, w.Append(Record{
			Timestamp: uint64(i),
			Key:       []byte{byte('a' + i)},
			Value:     []byte("value"),
			Seq:       uint64(i + 1),
		}))
	}
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())
}

func TestAppendAndRecoverRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	writeN(t, path, 5)

	recs, err := Recover(path)
	require.NoError(t, err)
	require.Len(t, recs, 5)
	for i, r := range recs {
		require.Equal(t, uint64(i+1), r.Seq)
		require.Equal(t, "value", string(r.Value))
	}
}

func TestRecoverMissingFileIsEmpty(t *testing.T) {
	recs, err := Recover(filepath.Join(t.TempDir(), "missing.log"))
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestClearEmptiesFileAndAllowsFurtherAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(Record{Key: []byte("k"), Value: []byte("v"), Seq: 1}))
	require.NoError(t, w.Flush())
	require.NoError(t, w.Clear())

	size, err := w.Size()
	require.NoError(t, err)
	require.Zero(t, size)

	require.NoError(t, w.Append(Record{Key: []byte("k2"), Value: []byte("v2"), Seq: 2}))
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	recs, err := Recover(path)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "k2", string(recs[0].Key))
}

// TestVerifyReportsTornTail mirrors a crash mid-append: ten records are
// written, then the file's last five bytes — inside the final record's
// trailer — are truncated away.
func TestVerifyReportsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	writeN(t, path, 10)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-5))

	report, err := Verify(path)
	require.NoError(t, err)
	require.Equal(t, 9, report.Total)
	require.Equal(t, 1, report.Truncated)
	require.Equal(t, 0, report.Corrupted)

	recs, err := Recover(path)
	require.NoError(t, err)
	require.Len(t, recs, 9)
}

func TestVerifyCountsChecksumMismatchAsCorruptedNotTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	writeN(t, path, 3)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip the first byte of the first record's value (offset: 8-byte
	// timestamp + 4-byte key length + 1-byte key + 4-byte value length),
	// leaving every length field — and thus the framing of every
	// subsequent record — intact.
	b[8+4+1+4] ^= 0xFF
	require.NoError(t, os.WriteFile(path, b, 0o644))

	report, err := Verify(path)
	require.NoError(t, err)
	require.Equal(t, 3, report.Total)
	require.Equal(t, 1, report.Corrupted)
}

func TestRecoverStopsAtFirstChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	writeN(t, path, 3)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[8+4+1+4] ^= 0xFF
	require.NoError(t, os.WriteFile(path, b, 0o644))

	recs, err := Recover(path)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestSyncModeShouldFlush(t *testing.T) {
	require.True(t, EveryWriteMode().ShouldFlush(1, 0))
	require.False(t, EveryWriteMode().ShouldFlush(0, 0))

	b := BatchMode(4)
	require.False(t, b.ShouldFlush(3, 0))
	require.True(t, b.ShouldFlush(4, 0))

	iv := IntervalMode(10*time.Millisecond, 4)
	require.True(t, iv.ShouldFlush(1, 20*time.Millisecond))
	require.True(t, iv.ShouldFlush(8, time.Millisecond))
	require.False(t, iv.ShouldFlush(1, time.Millisecond))
}
