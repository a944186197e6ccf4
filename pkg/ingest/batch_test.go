package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jleechanorg/bp-telemetry/pkg/models"
)

func batchEvent(id string) *models.RawEvent {
	return &models.RawEvent{EventID: id, EventType: models.EventTypeToolUse}
}

func TestBatchManagerFullTrigger(t *testing.T) {
	b := NewBatchManager(3, time.Hour)

	assert.False(t, b.Add(batchEvent("1"), "m1"))
	assert.False(t, b.Add(batchEvent("2"), "m2"))
	assert.True(t, b.Add(batchEvent("3"), "m3"), "batch at capacity is ready")

	items := b.GetBatch()
	assert.Len(t, items, 3)
	assert.Equal(t, "m1", items[0].MessageID, "insertion order preserved")
	assert.Zero(t, b.Len(), "drain is atomic")
}

func TestBatchManagerTimeoutTrigger(t *testing.T) {
	b := NewBatchManager(100, 10*time.Millisecond)
	b.Add(batchEvent("1"), "m1")
	assert.False(t, b.Ready())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, b.Ready(), "oldest item past the timeout")
}

func TestBatchManagerEmptyNeverReady(t *testing.T) {
	b := NewBatchManager(1, 0)
	assert.False(t, b.Ready())
	assert.Empty(t, b.GetBatch())
}

func TestBatchManagerRemoveMessageIDs(t *testing.T) {
	b := NewBatchManager(10, time.Hour)
	b.Add(batchEvent("1"), "m1")
	b.Add(batchEvent("2"), "m2")
	b.Add(batchEvent("3"), "m3")

	b.RemoveMessageIDs("m2")

	items := b.GetBatch()
	assert.Len(t, items, 2)
	assert.Equal(t, "m1", items[0].MessageID)
	assert.Equal(t, "m3", items[1].MessageID)
}

func TestBatchManagerFill(t *testing.T) {
	b := NewBatchManager(10, time.Hour)
	for i := 0; i < 9; i++ {
		b.Add(batchEvent("x"), "m")
	}
	assert.InDelta(t, 0.9, b.Fill(), 0.001)
}

func TestAdaptiveSizerShrinksOnSlowWrites(t *testing.T) {
	s := NewAdaptiveSizer(100, 10*time.Millisecond)
	for i := 0; i < 10; i++ {
		s.Observe(50 * time.Millisecond)
	}
	assert.Equal(t, 80, s.Size(), "shrinks by a fifth")
	assert.Less(t, s.Size(), 80, "keeps shrinking while slow")
}

func TestAdaptiveSizerFloor(t *testing.T) {
	s := NewAdaptiveSizer(100, 10*time.Millisecond)
	for i := 0; i < 10; i++ {
		s.Observe(time.Second)
	}
	for i := 0; i < 50; i++ {
		s.Size()
	}
	assert.Equal(t, 10, s.Size(), "never below the floor")
}

func TestAdaptiveSizerGrowsBackToCap(t *testing.T) {
	s := NewAdaptiveSizer(100, 10*time.Millisecond)
	for i := 0; i < latencyWindow; i++ {
		s.Observe(time.Second)
	}
	for i := 0; i < 50; i++ {
		s.Size()
	}
	assert.Equal(t, 10, s.Size())

	// Fast writes push the window mean under half the target.
	for i := 0; i < latencyWindow; i++ {
		s.Observe(time.Millisecond)
	}
	for i := 0; i < 100; i++ {
		s.Size()
	}
	assert.Equal(t, 100, s.Size(), "capped at the configured maximum")
}

func TestAdaptiveSizerStableInBand(t *testing.T) {
	s := NewAdaptiveSizer(100, 10*time.Millisecond)
	for i := 0; i < 20; i++ {
		s.Observe(10 * time.Millisecond)
	}
	assert.Equal(t, 100, s.Size(), "no change while on target")
}

func TestRecentMean(t *testing.T) {
	s := NewAdaptiveSizer(100, 10*time.Millisecond)
	assert.Zero(t, s.RecentMean(5))

	s.Observe(10 * time.Millisecond)
	s.Observe(20 * time.Millisecond)
	s.Observe(30 * time.Millisecond)
	assert.Equal(t, 25*time.Millisecond, s.RecentMean(2))
	assert.Equal(t, 20*time.Millisecond, s.RecentMean(5), "window clamps to observed count")
}
