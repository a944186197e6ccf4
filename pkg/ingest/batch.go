package ingest

import (
	"sync"
	"time"

	"github.com/jleechanorg/bp-telemetry/pkg/models"
)

// BatchItem pairs a decoded event with the bus message id it must
// acknowledge after a durable write.
type BatchItem struct {
	Event     *models.RawEvent
	MessageID string
	AddedAt   time.Time
}

// BatchManager accumulates items in insertion order until the batch is
// full or the oldest item exceeds the timeout. Safe for concurrent use.
type BatchManager struct {
	mu      sync.Mutex
	items   []BatchItem
	size    int
	timeout time.Duration
}

// NewBatchManager creates a manager with the given capacity and age
// limit.
func NewBatchManager(size int, timeout time.Duration) *BatchManager {
	return &BatchManager{
		items:   make([]BatchItem, 0, size),
		size:    size,
		timeout: timeout,
	}
}

// Add appends one item and reports whether the batch is now ready to
// flush.
func (b *BatchManager) Add(event *models.RawEvent, messageID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, BatchItem{Event: event, MessageID: messageID, AddedAt: time.Now()})
	return b.readyLocked()
}

// Ready reports whether the batch should be flushed: full, or non-empty
// with its oldest item past the timeout.
func (b *BatchManager) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readyLocked()
}

func (b *BatchManager) readyLocked() bool {
	if len(b.items) == 0 {
		return false
	}
	if len(b.items) >= b.size {
		return true
	}
	return time.Since(b.items[0].AddedAt) >= b.timeout
}

// Len returns the current item count.
func (b *BatchManager) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Fill returns the current fill ratio against the capacity.
func (b *BatchManager) Fill() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return 0
	}
	return float64(len(b.items)) / float64(b.size)
}

// GetBatch drains all accumulated items atomically, in insertion order.
func (b *BatchManager) GetBatch() []BatchItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = make([]BatchItem, 0, b.size)
	return out
}

// RemoveMessageIDs drops the named items without flushing the rest.
// Used when a subset of a batch is routed to the DLQ.
func (b *BatchManager) RemoveMessageIDs(ids ...string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.items[:0]
	for _, item := range b.items {
		if _, gone := drop[item.MessageID]; !gone {
			kept = append(kept, item)
		}
	}
	b.items = kept
}

// latencyWindow is how many recent write latencies the sizer remembers.
const latencyWindow = 100

// AdaptiveSizer tunes the read batch size from the trailing
// distribution of write latencies: shrink 20% (down to a floor of 10)
// when the mean exceeds twice the target, grow 10% (up to the
// configured cap) when it drops below half the target.
type AdaptiveSizer struct {
	mu        sync.Mutex
	latencies [latencyWindow]time.Duration
	count     int
	next      int
	current   int
	min       int
	max       int
	target    time.Duration
}

// NewAdaptiveSizer starts at the configured maximum batch size.
func NewAdaptiveSizer(maxSize int, target time.Duration) *AdaptiveSizer {
	return &AdaptiveSizer{
		current: maxSize,
		min:     10,
		max:     maxSize,
		target:  target,
	}
}

// Observe records one batch write latency.
func (a *AdaptiveSizer) Observe(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latencies[a.next] = d
	a.next = (a.next + 1) % latencyWindow
	if a.count < latencyWindow {
		a.count++
	}
}

// Size recomputes and returns the current batch size.
func (a *AdaptiveSizer) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return a.current
	}

	var total time.Duration
	for i := 0; i < a.count; i++ {
		total += a.latencies[i]
	}
	mean := total / time.Duration(a.count)

	switch {
	case mean > 2*a.target:
		a.current = a.current * 8 / 10
		if a.current < a.min {
			a.current = a.min
		}
	case mean < a.target/2:
		a.current = a.current * 11 / 10
		if a.current > a.max {
			a.current = a.max
		}
	}
	return a.current
}

// RecentMean returns the mean of the last n observed latencies, or 0
// when nothing has been observed. Used by the read throttle.
func (a *AdaptiveSizer) RecentMean(n int) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 || n <= 0 {
		return 0
	}
	if n > a.count {
		n = a.count
	}
	var total time.Duration
	idx := a.next
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = latencyWindow - 1
		}
		total += a.latencies[idx]
	}
	return total / time.Duration(n)
}
