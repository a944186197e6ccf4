// Package cdc publishes change-data-capture notifications after each
// durable trace append. Downstream workers consume the CDC stream to
// react to new rows without polling the store.
package cdc

import (
	"context"
	"log/slog"
	"time"

	"github.com/jleechanorg/bp-telemetry/pkg/bus"
	"github.com/jleechanorg/bp-telemetry/pkg/models"
)

// Priority bands. Lower is more urgent.
const (
	PriorityInteractive = 1
	PriorityExecution   = 2
	PriorityCodeChange  = 3
	PriorityLifecycle   = 4
	PriorityDefault     = 5
)

// PriorityFor maps an event type to its CDC priority band. Raw
// transcript user entries stay at the default band; user_prompt is the
// interactive signal.
func PriorityFor(eventType string) int {
	switch eventType {
	case models.EventTypeUserPrompt, models.EventTypeAcceptance:
		return PriorityInteractive
	case models.EventTypeToolUse, models.EventTypeMCPExecution,
		models.EventTypeAssistantResponse, models.EventTypeAssistantEntry:
		return PriorityExecution
	case models.EventTypeFileEdit, models.EventTypeShellExecution:
		return PriorityCodeChange
	case models.EventTypeSessionStart, models.EventTypeSessionEnd:
		return PriorityLifecycle
	default:
		return PriorityDefault
	}
}

// Publisher writes one notification per appended trace row. Publishes
// are fire-and-forget: a failed publish is logged and dropped, never
// retried, so a slow CDC stream can never stall the write path.
type Publisher struct {
	producer *bus.Producer
}

// NewPublisher creates a CDC publisher over the given producer.
func NewPublisher(producer *bus.Producer) *Publisher {
	return &Publisher{producer: producer}
}

// Publish emits the notification for one durable row.
func (p *Publisher) Publish(ctx context.Context, n *models.CDCNotification) {
	if n.Priority == 0 {
		n.Priority = PriorityFor(n.EventType)
	}
	if !p.producer.PublishFields(ctx, n.ToStreamFields()) {
		slog.Warn("CDC notification dropped",
			"sequence", n.Sequence, "event_type", n.EventType)
	}
}

// PublishRow builds and emits the notification for one appended event.
func (p *Publisher) PublishRow(ctx context.Context, sequence int64, event *models.RawEvent) {
	p.Publish(ctx, &models.CDCNotification{
		Sequence:  sequence,
		EventID:   event.EventID,
		SessionID: event.SessionID,
		EventType: event.EventType,
		Platform:  event.Platform,
		Timestamp: firstNonZero(event.Timestamp),
		Priority:  PriorityFor(event.EventType),
	})
}

func firstNonZero(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now()
	}
	return ts
}
