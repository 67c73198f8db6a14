package roon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	eventBuffer      = 16
)

// Sidecar talks to the Roon extension bridge over a WebSocket. The bridge
// owns the vendor RPC session with the core and forwards its events as JSON
// frames; commands flow back the same way.
type Sidecar struct {
	url    string
	log    zerolog.Logger
	events chan TransportEvent

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewSidecar(url string, log zerolog.Logger) *Sidecar {
	return &Sidecar{
		url:    url,
		log:    log.With().Str("component", "roon-bridge").Logger(),
		events: make(chan TransportEvent, eventBuffer),
	}
}

// Connect dials the bridge and starts the read loop. The connection closes
// when ctx ends; the events channel closes with it.
func (s *Sidecar) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go s.readLoop(ctx, conn)

	s.log.Info().Str("url", s.url).Msg("bridge connected")
	return nil
}

func (s *Sidecar) Events() <-chan TransportEvent { return s.events }

func (s *Sidecar) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(s.events)
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("bridge read failed")
			}
			return
		}
		ev, err := decodeFrame(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("ignoring malformed bridge frame")
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func decodeFrame(data []byte) (TransportEvent, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return TransportEvent{}, err
	}

	ev := TransportEvent{Type: f.Type}
	switch f.Type {
	case EventCoreFound:
		var p struct {
			CoreName string  `json:"core_name"`
			Version  *string `json:"version"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return TransportEvent{}, fmt.Errorf("core_found payload: %w", err)
		}
		ev.CoreName, ev.Version = p.CoreName, p.Version
	case EventZonesChanged:
		var p struct {
			Zones []Zone `json:"zones"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return TransportEvent{}, fmt.Errorf("zones_changed payload: %w", err)
		}
		ev.Zones = p.Zones
	case EventZoneRemoved:
		var p struct {
			ZoneID string `json:"zone_id"`
		}
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return TransportEvent{}, fmt.Errorf("zone_removed payload: %w", err)
		}
		ev.ZoneID = p.ZoneID
	}
	return ev, nil
}

type outFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func (s *Sidecar) Control(ctx context.Context, zoneID, control string) error {
	return s.send(ctx, outFrame{
		Type: frameControl,
		Payload: struct {
			ZoneID  string `json:"zone_id"`
			Control string `json:"control"`
		}{ZoneID: zoneID, Control: control},
	})
}

func (s *Sidecar) ChangeVolume(ctx context.Context, outputID, how string, value float64) error {
	return s.send(ctx, outFrame{
		Type: frameChangeVolume,
		Payload: struct {
			OutputID string  `json:"output_id"`
			How      string  `json:"how"`
			Value    float64 `json:"value"`
		}{OutputID: outputID, How: how, Value: value},
	})
}

func (s *Sidecar) send(ctx context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("bridge not connected")
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}
