package muse

import "encoding/json"

// IngestEvent is one forwarded event on the cloud ingest wire. Timestamp is
// Unix seconds. Payload shapes are produced by the reporter's conversion
// table, not raw bus payloads.
type IngestEvent struct {
	EventType string          `json:"event_type"`
	Timestamp uint64          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// IngestRequest is the batch body POSTed to the ingest endpoint.
type IngestRequest struct {
	Events []IngestEvent `json:"events"`
}
