// Package metrics keeps lightweight in-process counters for the
// pipeline. Counters are updated with atomics from any goroutine and
// snapshotted for periodic logging.
package metrics

import (
	"sync/atomic"
	"time"
)

// Pipeline aggregates the counters the daemon reports.
type Pipeline struct {
	EventsPublished atomic.Int64
	EventsConsumed  atomic.Int64
	EventsFiltered  atomic.Int64
	RowsWritten     atomic.Int64
	BatchesWritten  atomic.Int64
	CDCPublished    atomic.Int64
	DLQRecorded     atomic.Int64
	SessionsStarted atomic.Int64
	SessionsEnded   atomic.Int64
	SessionsSwept   atomic.Int64
	WriteLatencyNS  atomic.Int64
	WriteLatencyObs atomic.Int64
	ThrottleSleeps  atomic.Int64
	PublishFailures atomic.Int64
	DecodeFailures  atomic.Int64
}

// ObserveWriteLatency records one batch write duration.
func (p *Pipeline) ObserveWriteLatency(d time.Duration) {
	p.WriteLatencyNS.Add(int64(d))
	p.WriteLatencyObs.Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	EventsPublished  int64
	EventsConsumed   int64
	EventsFiltered   int64
	RowsWritten      int64
	BatchesWritten   int64
	CDCPublished     int64
	DLQRecorded      int64
	SessionsStarted  int64
	SessionsEnded    int64
	SessionsSwept    int64
	MeanWriteLatency time.Duration
	ThrottleSleeps   int64
	PublishFailures  int64
	DecodeFailures   int64
}

// Snapshot copies the current counter values.
func (p *Pipeline) Snapshot() Snapshot {
	s := Snapshot{
		EventsPublished: p.EventsPublished.Load(),
		EventsConsumed:  p.EventsConsumed.Load(),
		EventsFiltered:  p.EventsFiltered.Load(),
		RowsWritten:     p.RowsWritten.Load(),
		BatchesWritten:  p.BatchesWritten.Load(),
		CDCPublished:    p.CDCPublished.Load(),
		DLQRecorded:     p.DLQRecorded.Load(),
		SessionsStarted: p.SessionsStarted.Load(),
		SessionsEnded:   p.SessionsEnded.Load(),
		SessionsSwept:   p.SessionsSwept.Load(),
		ThrottleSleeps:  p.ThrottleSleeps.Load(),
		PublishFailures: p.PublishFailures.Load(),
		DecodeFailures:  p.DecodeFailures.Load(),
	}
	if obs := p.WriteLatencyObs.Load(); obs > 0 {
		s.MeanWriteLatency = time.Duration(p.WriteLatencyNS.Load() / obs)
	}
	return s
}
