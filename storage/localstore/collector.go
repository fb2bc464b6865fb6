package localstore

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the embedded store's health to prometheus.
type Collector struct {
	db *pebble.DB

	flushCount      *prometheus.Desc
	compactionCount *prometheus.Desc
	compactionDebt  *prometheus.Desc
	memtableSize    *prometheus.Desc
	memtableCount   *prometheus.Desc
	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc
	diskUsage       *prometheus.Desc
	readAmp         *prometheus.Desc
}

func NewCollector(db *pebble.DB) *Collector {
	return &Collector{
		db: db,
		flushCount: prometheus.NewDesc(
			"bindr_pebble_flush_count_total",
			"Total number of memtable flushes", nil, nil),
		compactionCount: prometheus.NewDesc(
			"bindr_pebble_compaction_count_total",
			"Total number of compactions performed", nil, nil),
		compactionDebt: prometheus.NewDesc(
			"bindr_pebble_compaction_estimated_debt_bytes",
			"Estimated number of bytes pending compaction", nil, nil),
		memtableSize: prometheus.NewDesc(
			"bindr_pebble_memtable_size_bytes",
			"Current size of the memtables", nil, nil),
		memtableCount: prometheus.NewDesc(
			"bindr_pebble_memtable_count",
			"Number of memtables", nil, nil),
		walFiles: prometheus.NewDesc(
			"bindr_pebble_wal_files",
			"Number of live WAL files", nil, nil),
		walSize: prometheus.NewDesc(
			"bindr_pebble_wal_size_bytes",
			"Size of live WAL data", nil, nil),
		walBytesWritten: prometheus.NewDesc(
			"bindr_pebble_wal_bytes_written_total",
			"Total physical bytes written to the WAL", nil, nil),
		diskUsage: prometheus.NewDesc(
			"bindr_pebble_disk_usage_bytes",
			"Total disk space used by the store", nil, nil),
		readAmp: prometheus.NewDesc(
			"bindr_pebble_read_amplification",
			"Current read amplification across levels", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.flushCount
	ch <- c.compactionCount
	ch <- c.compactionDebt
	ch <- c.memtableSize
	ch <- c.memtableCount
	ch <- c.walFiles
	ch <- c.walSize
	ch <- c.walBytesWritten
	ch <- c.diskUsage
	ch <- c.readAmp
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.db.Metrics()

	ch <- prometheus.MustNewConstMetric(c.flushCount, prometheus.CounterValue, float64(m.Flush.Count))
	ch <- prometheus.MustNewConstMetric(c.compactionCount, prometheus.CounterValue, float64(m.Compact.Count))
	ch <- prometheus.MustNewConstMetric(c.compactionDebt, prometheus.GaugeValue, float64(m.Compact.EstimatedDebt))
	ch <- prometheus.MustNewConstMetric(c.memtableSize, prometheus.GaugeValue, float64(m.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(c.memtableCount, prometheus.GaugeValue, float64(m.MemTable.Count))
	ch <- prometheus.MustNewConstMetric(c.walFiles, prometheus.GaugeValue, float64(m.WAL.Files))
	ch <- prometheus.MustNewConstMetric(c.walSize, prometheus.GaugeValue, float64(m.WAL.Size))
	ch <- prometheus.MustNewConstMetric(c.walBytesWritten, prometheus.CounterValue, float64(m.WAL.BytesWritten))
	ch <- prometheus.MustNewConstMetric(c.diskUsage, prometheus.GaugeValue, float64(m.DiskSpaceUsage()))

	readAmp := 0
	for _, level := range m.Levels {
		readAmp += int(level.Sublevels)
	}
	ch <- prometheus.MustNewConstMetric(c.readAmp, prometheus.GaugeValue, float64(readAmp))
}
