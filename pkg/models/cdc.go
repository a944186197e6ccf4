package models

import "time"

// CDCNotification is the compact change-data-capture record published
// after each durable append. Sequence is the coordination key between
// SQL rows and downstream workers.
type CDCNotification struct {
	Sequence  int64     `json:"sequence"`
	EventID   string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	EventType string    `json:"event_type"`
	Platform  Platform  `json:"platform"`
	Timestamp time.Time `json:"timestamp"`
	Priority  int       `json:"priority"`
}

// ToStreamFields flattens the notification for the CDC stream.
func (n *CDCNotification) ToStreamFields() map[string]any {
	return map[string]any{
		"sequence":   n.Sequence,
		"event_id":   n.EventID,
		"session_id": n.SessionID,
		"event_type": n.EventType,
		"platform":   string(n.Platform),
		"timestamp":  n.Timestamp.UTC().Format(time.RFC3339Nano),
		"priority":   n.Priority,
	}
}

// DLQEntry describes a message copied to the dead-letter stream: the
// original fields plus routing metadata describing why and where it
// failed.
type DLQEntry struct {
	OriginalMessageID string
	OriginalFields    map[string]any
	MovedToDLQAt      time.Time
	RetryCount        int64
	ErrorType         string
	ErrorMessage      string
	StreamName        string
	GroupName         string
	ConsumerName      string
}

// ToStreamFields merges the original message fields with the
// DLQ-specific metadata. Original fields are preserved field-by-field;
// DLQ metadata uses reserved dlq_-prefixed keys so the original entry
// can be reconstructed exactly.
func (d *DLQEntry) ToStreamFields() map[string]any {
	fields := make(map[string]any, len(d.OriginalFields)+7)
	for k, v := range d.OriginalFields {
		fields[k] = v
	}
	fields["original_message_id"] = d.OriginalMessageID
	fields["moved_to_dlq_at"] = d.MovedToDLQAt.UTC().Format(time.RFC3339Nano)
	fields["retry_count"] = d.RetryCount
	fields["error_type"] = d.ErrorType
	fields["error_message"] = d.ErrorMessage
	fields["dlq_stream"] = d.StreamName
	fields["dlq_group"] = d.GroupName
	fields["dlq_consumer"] = d.ConsumerName
	return fields
}
