package muse

import (
	"encoding/json"
	"fmt"
)

// Envelope is the tagged wire form of a WireEvent:
//
//	{"type": "ZoneUpdated", "payload": {...}}
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeWire serializes a wire event into its tagged envelope.
func EncodeWire(e WireEvent) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.EventType(), err)
	}
	return json.Marshal(Envelope{Type: e.wireTag(), Payload: payload})
}

// DecodeWire parses a tagged envelope back into its event. Unknown types are
// an error: the wire set is closed.
func DecodeWire(data []byte) (WireEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var (
		e   WireEvent
		err error
	)
	switch env.Type {
	case "ZoneDiscovered":
		var ev ZoneDiscovered
		err = json.Unmarshal(env.Payload, &ev)
		e = ev
	case "ZoneUpdated":
		var ev ZoneUpdated
		err = json.Unmarshal(env.Payload, &ev)
		e = ev
	case "ZoneRemoved":
		var ev ZoneRemoved
		err = json.Unmarshal(env.Payload, &ev)
		e = ev
	case "NowPlayingChanged":
		var ev NowPlayingChanged
		err = json.Unmarshal(env.Payload, &ev)
		e = ev
	case "SeekPositionChanged":
		var ev SeekPositionChanged
		err = json.Unmarshal(env.Payload, &ev)
		e = ev
	case "VolumeChanged":
		var ev VolumeChanged
		err = json.Unmarshal(env.Payload, &ev)
		e = ev
	case "AdapterConnected":
		var ev AdapterConnected
		err = json.Unmarshal(env.Payload, &ev)
		e = ev
	case "AdapterDisconnected":
		var ev AdapterDisconnected
		err = json.Unmarshal(env.Payload, &ev)
		e = ev
	case "HqpPipelineChanged":
		var ev HqpPipelineChanged
		err = json.Unmarshal(env.Payload, &ev)
		e = ev
	default:
		return nil, fmt.Errorf("unknown wire event type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return e, nil
}
