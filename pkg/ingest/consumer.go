// Package ingest implements the fast-path consumers: they drain the
// event bus in batches, extract indexed columns, compress the full
// event, append atomically to the trace store, publish CDC, and only
// then acknowledge.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jleechanorg/bp-telemetry/pkg/bus"
	"github.com/jleechanorg/bp-telemetry/pkg/cdc"
	"github.com/jleechanorg/bp-telemetry/pkg/config"
	"github.com/jleechanorg/bp-telemetry/pkg/metrics"
	"github.com/jleechanorg/bp-telemetry/pkg/models"
	"github.com/jleechanorg/bp-telemetry/pkg/store"
)

const (
	errTypeUnparseable    = "unparseable"
	errTypeRetryExhausted = "retry_exhausted"

	throttleFillRatio   = 0.9
	throttleLatencyMean = 50 * time.Millisecond
	pelPassLimit        = 100
	extraPELPasses      = 3
)

// appendFunc writes one drained batch durably and returns the assigned
// sequence range.
type appendFunc func(ctx context.Context, items []BatchItem) (store.AppendResult, error)

// Consumer is one platform's fast-path worker: a single goroutine
// owning a consumer-group identity, a batch manager, and an adaptive
// sizer.
type Consumer struct {
	name    string
	cfg     config.ConsumerConfig
	group   *bus.GroupConsumer
	dlq     *bus.DLQ
	cdc     *cdc.Publisher
	filter  EventFilter
	append  appendFunc
	batch   *BatchManager
	sizer   *AdaptiveSizer
	metrics *metrics.Pipeline
	block   time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewClaudeConsumer builds the transcript-platform consumer writing to
// claude_raw_traces.
func NewClaudeConsumer(st *store.Store, group *bus.GroupConsumer, dlq *bus.DLQ, pub *cdc.Publisher, cfg config.ConsumerConfig, block time.Duration, m *metrics.Pipeline) *Consumer {
	appendBatch := func(ctx context.Context, items []BatchItem) (store.AppendResult, error) {
		rows := make([]store.ClaudeTraceRow, 0, len(items))
		for _, item := range items {
			blob, err := CompressEvent(item.Event)
			if err != nil {
				return store.AppendResult{}, err
			}
			rows = append(rows, ExtractClaudeRow(item.Event, blob))
		}
		return st.AppendClaudeTraces(ctx, rows)
	}
	return newConsumer("claude-writer", group, dlq, pub, ClaudeFilter, appendBatch, cfg, block, m)
}

// NewCursorConsumer builds the KV-platform consumer writing to
// cursor_raw_traces.
func NewCursorConsumer(st *store.Store, group *bus.GroupConsumer, dlq *bus.DLQ, pub *cdc.Publisher, cfg config.ConsumerConfig, block time.Duration, m *metrics.Pipeline) *Consumer {
	appendBatch := func(ctx context.Context, items []BatchItem) (store.AppendResult, error) {
		rows := make([]store.CursorTraceRow, 0, len(items))
		for _, item := range items {
			blob, err := CompressEvent(item.Event)
			if err != nil {
				return store.AppendResult{}, err
			}
			rows = append(rows, ExtractCursorRow(item.Event, blob))
		}
		return st.AppendCursorTraces(ctx, rows)
	}
	return newConsumer("cursor-writer", group, dlq, pub, CursorFilter, appendBatch, cfg, block, m)
}

func newConsumer(name string, group *bus.GroupConsumer, dlq *bus.DLQ, pub *cdc.Publisher, filter EventFilter, appendBatch appendFunc, cfg config.ConsumerConfig, block time.Duration, m *metrics.Pipeline) *Consumer {
	if block <= 0 {
		block = time.Second
	}
	return &Consumer{
		name:    name,
		cfg:     cfg,
		group:   group,
		dlq:     dlq,
		cdc:     pub,
		filter:  filter,
		append:  appendBatch,
		batch:   NewBatchManager(cfg.BatchSize, cfg.BatchTimeout),
		sizer:   NewAdaptiveSizer(cfg.BatchSize, cfg.TargetWriteLatency),
		metrics: m,
		block:   block,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run executes the consumer loop until Stop is called or ctx is
// cancelled, then flushes whatever remains in the batch.
func (c *Consumer) Run(ctx context.Context) {
	defer close(c.done)
	slog.Info("Consumer started", "consumer", c.name, "group", c.group.Group())

	for {
		select {
		case <-c.stop:
			c.finalFlush(ctx)
			return
		case <-ctx.Done():
			c.finalFlush(context.WithoutCancel(ctx))
			return
		default:
		}
		c.iterate(ctx)
	}
}

// Stop signals the loop to exit and waits for the final flush.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

func (c *Consumer) iterate(ctx context.Context) {
	passes := 1
	if n, err := c.group.PendingCount(ctx); err == nil && n >= int64(c.cfg.PELBacklogThreshold) {
		passes += extraPELPasses
	}
	for i := 0; i < passes; i++ {
		if !c.processPending(ctx) {
			break
		}
	}

	size := int64(c.sizer.Size())

	// Back off reads when the batch is nearly full or writes are slow.
	if c.batch.Fill() >= throttleFillRatio || c.sizer.RecentMean(5) > throttleLatencyMean {
		c.metrics.ThrottleSleeps.Add(1)
		select {
		case <-time.After(c.cfg.ThrottleSleep):
		case <-c.stop:
		case <-ctx.Done():
		}
		c.flushIfReady(ctx)
		return
	}

	msgs, err := c.group.ReadNew(ctx, size, c.block)
	if err != nil && !errors.Is(err, bus.ErrNoMessages) {
		if ctx.Err() == nil {
			slog.Error("Group read failed", "consumer", c.name, "error", err)
			time.Sleep(c.cfg.ThrottleSleep)
		}
		return
	}
	for _, msg := range msgs {
		c.ingest(ctx, msg)
	}
	c.flushIfReady(ctx)
}

// processPending handles one pass over the group's pending entries.
// Exhausted deliveries go to the DLQ; stale ones are claimed back and
// re-ingested. Returns true when the pass did any work.
func (c *Consumer) processPending(ctx context.Context) bool {
	entries, err := c.group.Pending(ctx, pelPassLimit)
	if err != nil {
		slog.Error("Pending scan failed", "consumer", c.name, "error", err)
		return false
	}
	if len(entries) == 0 {
		return false
	}

	retryIdle := c.cfg.PendingRetryIdle()
	worked := false
	for _, entry := range entries {
		switch {
		case entry.DeliveryCount >= c.cfg.MaxRetries:
			claimed, err := c.group.Claim(ctx, 0, entry.MessageID)
			if err != nil || len(claimed) == 0 {
				continue
			}
			c.deadLetter(ctx, claimed[0], entry.DeliveryCount, errTypeRetryExhausted,
				fmt.Errorf("delivery count %d reached limit", entry.DeliveryCount))
			worked = true

		case entry.Idle >= retryIdle:
			claimed, err := c.group.Claim(ctx, retryIdle, entry.MessageID)
			if err != nil {
				slog.Warn("Claim failed", "consumer", c.name, "message_id", entry.MessageID, "error", err)
				continue
			}
			for _, msg := range claimed {
				c.ingest(ctx, msg)
			}
			worked = len(claimed) > 0 || worked
		}
	}
	return worked
}

// ingest decodes and routes one message: unparseable to DLQ, an
// incomplete envelope dropped with a warning, filtered out acked
// immediately, the rest into the batch.
func (c *Consumer) ingest(ctx context.Context, msg models.StreamMessage) {
	event, err := models.EventFromStreamFields(msg.ID, msg.Fields)
	if err != nil {
		c.metrics.DecodeFailures.Add(1)
		c.deadLetter(ctx, msg, 1, errTypeUnparseable, err)
		return
	}
	if err := event.Validate(); err != nil {
		c.metrics.DecodeFailures.Add(1)
		slog.Warn("Dropping incomplete event", "consumer", c.name, "message_id", msg.ID, "error", err)
		if err := c.group.Ack(ctx, msg.ID); err != nil {
			slog.Warn("Ack of dropped message failed", "consumer", c.name, "error", err)
		}
		return
	}
	c.metrics.EventsConsumed.Add(1)

	if !c.filter(event) {
		c.metrics.EventsFiltered.Add(1)
		if err := c.group.Ack(ctx, msg.ID); err != nil {
			slog.Warn("Ack of filtered message failed", "consumer", c.name, "error", err)
		}
		return
	}
	c.batch.Add(event, msg.ID)
}

func (c *Consumer) flushIfReady(ctx context.Context) {
	if c.batch.Ready() {
		c.flush(ctx)
	}
}

func (c *Consumer) finalFlush(ctx context.Context) {
	if c.batch.Len() > 0 {
		c.flush(ctx)
	}
	slog.Info("Consumer stopped", "consumer", c.name)
}

// flush drains the batch, appends it durably, publishes one CDC
// notification per row, and acknowledges. On append failure nothing is
// acked: the messages stay pending and are retried or dead-lettered by
// later passes.
func (c *Consumer) flush(ctx context.Context) {
	items := c.batch.GetBatch()
	if len(items) == 0 {
		return
	}

	res, err := c.append(ctx, items)
	if err != nil {
		slog.Error("Batch append failed; leaving messages pending",
			"consumer", c.name, "batch", len(items), "error", err)
		return
	}
	c.sizer.Observe(res.Elapsed)
	c.metrics.ObserveWriteLatency(res.Elapsed)
	c.metrics.BatchesWritten.Add(1)
	c.metrics.RowsWritten.Add(int64(len(items)))

	ids := make([]string, 0, len(items))
	for i, item := range items {
		c.cdc.PublishRow(ctx, res.FirstSequence+int64(i), item.Event)
		c.metrics.CDCPublished.Add(1)
		ids = append(ids, item.MessageID)
	}
	if err := c.group.Ack(ctx, ids...); err != nil {
		// Rows are durable; redelivery will produce duplicates, which
		// at-least-once permits.
		slog.Warn("Ack after durable write failed", "consumer", c.name, "error", err)
	}
	slog.Debug("Batch committed", "consumer", c.name,
		"rows", len(items), "first_sequence", res.FirstSequence, "elapsed", res.Elapsed)
}

// deadLetter records a message to the DLQ and acknowledges it only on
// success.
func (c *Consumer) deadLetter(ctx context.Context, msg models.StreamMessage, retries int64, errType string, cause error) {
	if err := c.dlq.Record(ctx, c.group, msg, retries, errType, cause); err != nil {
		slog.Error("DLQ write failed; message stays pending",
			"consumer", c.name, "message_id", msg.ID, "error", err)
		return
	}
	c.metrics.DLQRecorded.Add(1)
	c.batch.RemoveMessageIDs(msg.ID)
	if err := c.group.Ack(ctx, msg.ID); err != nil {
		slog.Warn("Ack after DLQ failed", "consumer", c.name, "message_id", msg.ID, "error", err)
	}
}
