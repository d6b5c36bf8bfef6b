// Package metrics exposes the engine's stats() and wal_integrity_report()
// as Prometheus gauges and counters. This is additive: it never replaces
// the plain-struct return values the engine API hands collaborators
// directly, it only lets an operator scrape the same numbers.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is a self-registered (or registerable) set of gauges tracking
// the engine's current state, plus counters for WAL integrity findings
// accumulated across every wal_integrity_report() call.
type Metrics struct {
	MemtableEntries  prometheus.Gauge
	SSTableCount     prometheus.Gauge
	CacheEntries     prometheus.Gauge
	TotalSSTableSize prometheus.Gauge
	TotalRecords     prometheus.Gauge
	TotalSizeBytes   prometheus.Gauge

	WALRecordsTotal     prometheus.Counter
	WALRecordsCorrupted prometheus.Counter
	WALRecordsTruncated prometheus.Counter

	CompactionsTotal prometheus.Counter
	FlushesTotal     prometheus.Counter
}

// New builds a Metrics set with the given namespace (e.g. "velocity").
// The caller registers it with a prometheus.Registerer of their choosing
// via Collectors.
func New(namespace string) *Metrics {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}

	return &Metrics{
		MemtableEntries:     gauge("memtable_entries", "Entries currently held by the memtable."),
		SSTableCount:        gauge("sstable_count", "Live SSTable count."),
		CacheEntries:        gauge("cache_entries", "Occupied cache slots."),
		TotalSSTableSize:    gauge("total_sstable_size_bytes", "Total bytes across all live SSTables."),
		TotalRecords:        gauge("total_records", "Memtable entries plus every live SSTable's entry count."),
		TotalSizeBytes:      gauge("total_size_bytes", "WAL size plus total SSTable size."),
		WALRecordsTotal:     counter("wal_records_total", "WAL records observed across all wal_integrity_report calls."),
		WALRecordsCorrupted: counter("wal_records_corrupted_total", "WAL records with a checksum mismatch."),
		WALRecordsTruncated: counter("wal_records_truncated_total", "Torn WAL tails observed."),
		CompactionsTotal:    counter("compactions_total", "Completed compaction runs."),
		FlushesTotal:        counter("flushes_total", "Completed memtable flushes."),
	}
}

// Collectors returns every metric so a caller can register them in one
// call: registerer.MustRegister(m.Collectors()...).
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MemtableEntries,
		m.SSTableCount,
		m.CacheEntries,
		m.TotalSSTableSize,
		m.TotalRecords,
		m.TotalSizeBytes,
		m.WALRecordsTotal,
		m.WALRecordsCorrupted,
		m.WALRecordsTruncated,
		m.CompactionsTotal,
		m.FlushesTotal,
	}
}
