package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotCopiesCounters(t *testing.T) {
	var p Pipeline
	p.EventsConsumed.Add(3)
	p.RowsWritten.Add(2)
	p.ObserveWriteLatency(10 * time.Millisecond)
	p.ObserveWriteLatency(20 * time.Millisecond)

	s := p.Snapshot()
	assert.Equal(t, int64(3), s.EventsConsumed)
	assert.Equal(t, int64(2), s.RowsWritten)
	assert.Equal(t, 15*time.Millisecond, s.MeanWriteLatency)
}

func TestSnapshotEmpty(t *testing.T) {
	var p Pipeline
	s := p.Snapshot()
	assert.Zero(t, s.MeanWriteLatency)
	assert.Zero(t, s.EventsConsumed)
}
