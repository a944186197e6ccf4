package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/jleechanorg/bp-telemetry/pkg/models"
)

// compressionLevel matches the historical blob format; changing it
// would make new blobs diverge from rows already on disk.
const compressionLevel = 6

// CompressEvent serialises the full event to JSON and deflates it for
// the event_data blob column.
func CompressEvent(event *models.RawEvent) ([]byte, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("create compressor: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("compress event %s: %w", event.EventID, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flush compressed event %s: %w", event.EventID, err)
	}
	return buf.Bytes(), nil
}

// DecompressEvent inflates an event_data blob back into the original
// event. Used by downstream readers and tests.
func DecompressEvent(blob []byte) (*models.RawEvent, error) {
	r, err := zlib.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("open compressed event: %w", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("inflate event: %w", err)
	}
	var event models.RawEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("decode inflated event: %w", err)
	}
	return &event, nil
}
