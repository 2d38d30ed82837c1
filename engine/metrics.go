package engine

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics exposes engine counters through a VictoriaMetrics set, so an
// embedding application can scrape them alongside its own.
type Metrics struct {
	set *metrics.Set

	gets          *metrics.Counter
	puts          *metrics.Counter
	deletes       *metrics.Counter
	sortedGets    *metrics.Counter
	sortedPuts    *metrics.Counter
	sortedDeletes *metrics.Counter
	writeRetries  *metrics.Counter
	recovered     *metrics.Counter
	repaired      *metrics.Counter
	dropped       *metrics.Counter
}

func newMetrics() *Metrics {
	s := metrics.NewSet()
	return &Metrics{
		set:           s,
		gets:          s.NewCounter("pmemkv_gets_total"),
		puts:          s.NewCounter("pmemkv_puts_total"),
		deletes:       s.NewCounter("pmemkv_deletes_total"),
		sortedGets:    s.NewCounter("pmemkv_sorted_gets_total"),
		sortedPuts:    s.NewCounter("pmemkv_sorted_puts_total"),
		sortedDeletes: s.NewCounter("pmemkv_sorted_deletes_total"),
		writeRetries:  s.NewCounter("pmemkv_write_retries_total"),
		recovered:     s.NewCounter("pmemkv_recovered_records_total"),
		repaired:      s.NewCounter("pmemkv_repaired_records_total"),
		dropped:       s.NewCounter("pmemkv_dropped_records_total"),
	}
}

// WritePrometheus writes all engine metrics in Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

// Stats is a point-in-time snapshot of the engine counters.
type Stats struct {
	Gets          uint64
	Puts          uint64
	Deletes       uint64
	SortedGets    uint64
	SortedPuts    uint64
	SortedDeletes uint64
	WriteRetries  uint64
	// Recovery outcome of the most recent Open.
	RecoveredRecords uint64
	RepairedRecords  uint64
	DroppedRecords   uint64
}

func (m *Metrics) snapshot() Stats {
	return Stats{
		Gets:             m.gets.Get(),
		Puts:             m.puts.Get(),
		Deletes:          m.deletes.Get(),
		SortedGets:       m.sortedGets.Get(),
		SortedPuts:       m.sortedPuts.Get(),
		SortedDeletes:    m.sortedDeletes.Get(),
		WriteRetries:     m.writeRetries.Get(),
		RecoveredRecords: m.recovered.Get(),
		RepairedRecords:  m.repaired.Get(),
		DroppedRecords:   m.dropped.Get(),
	}
}
