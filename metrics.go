package rvf

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    queryCounter   prometheus.Counter
//	    queryHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordQuery(k int, duration time.Duration, err error) {
//	    p.queryCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordOpen is called after each mount attempt.
	RecordOpen(duration time.Duration, err error)

	// RecordQuery is called after each query. k is the number of neighbors
	// requested, duration is the time taken, err is nil if successful.
	RecordQuery(k int, duration time.Duration, err error)

	// RecordAppend is called after each segment append. size is the stored
	// payload size in bytes.
	RecordAppend(size int, duration time.Duration, err error)

	// RecordBruteForceScan is called when the query safety net runs.
	// scanned is the number of vectors visited; exhausted reports whether a
	// budget terminated the scan early.
	RecordBruteForceScan(scanned int, exhausted bool)

	// RecordCompact is called after each compaction run.
	RecordCompact(reclaimed uint64, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordOpen(time.Duration, error)           {}
func (NoopMetricsCollector) RecordQuery(int, time.Duration, error)     {}
func (NoopMetricsCollector) RecordAppend(int, time.Duration, error)    {}
func (NoopMetricsCollector) RecordBruteForceScan(int, bool)            {}
func (NoopMetricsCollector) RecordCompact(uint64, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	OpenCount        atomic.Int64
	OpenErrors       atomic.Int64
	QueryCount       atomic.Int64
	QueryErrors      atomic.Int64
	QueryTotalNanos  atomic.Int64
	AppendCount      atomic.Int64
	AppendErrors     atomic.Int64
	AppendBytes      atomic.Int64
	ScanCount        atomic.Int64
	ScanVectors      atomic.Int64
	ScanExhausted    atomic.Int64
	CompactCount     atomic.Int64
	CompactErrors    atomic.Int64
	CompactReclaimed atomic.Int64
}

// RecordOpen implements MetricsCollector.
func (b *BasicMetricsCollector) RecordOpen(duration time.Duration, err error) {
	b.OpenCount.Add(1)
	if err != nil {
		b.OpenErrors.Add(1)
	}
}

// RecordQuery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuery(k int, duration time.Duration, err error) {
	b.QueryCount.Add(1)
	b.QueryTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.QueryErrors.Add(1)
	}
}

// RecordAppend implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAppend(size int, duration time.Duration, err error) {
	b.AppendCount.Add(1)
	b.AppendBytes.Add(int64(size))
	if err != nil {
		b.AppendErrors.Add(1)
	}
}

// RecordBruteForceScan implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBruteForceScan(scanned int, exhausted bool) {
	b.ScanCount.Add(1)
	b.ScanVectors.Add(int64(scanned))
	if exhausted {
		b.ScanExhausted.Add(1)
	}
}

// RecordCompact implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompact(reclaimed uint64, duration time.Duration, err error) {
	b.CompactCount.Add(1)
	b.CompactReclaimed.Add(int64(reclaimed))
	if err != nil {
		b.CompactErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		OpenCount:        b.OpenCount.Load(),
		OpenErrors:       b.OpenErrors.Load(),
		QueryCount:       b.QueryCount.Load(),
		QueryErrors:      b.QueryErrors.Load(),
		QueryAvgNanos:    b.getAvgQueryNanos(),
		AppendCount:      b.AppendCount.Load(),
		AppendErrors:     b.AppendErrors.Load(),
		AppendBytes:      b.AppendBytes.Load(),
		ScanCount:        b.ScanCount.Load(),
		ScanVectors:      b.ScanVectors.Load(),
		ScanExhausted:    b.ScanExhausted.Load(),
		CompactCount:     b.CompactCount.Load(),
		CompactErrors:    b.CompactErrors.Load(),
		CompactReclaimed: b.CompactReclaimed.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgQueryNanos() int64 {
	count := b.QueryCount.Load()
	if count == 0 {
		return 0
	}
	return b.QueryTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	OpenCount        int64
	OpenErrors       int64
	QueryCount       int64
	QueryErrors      int64
	QueryAvgNanos    int64
	AppendCount      int64
	AppendErrors     int64
	AppendBytes      int64
	ScanCount        int64
	ScanVectors      int64
	ScanExhausted    int64
	CompactCount     int64
	CompactErrors    int64
	CompactReclaimed int64
}
