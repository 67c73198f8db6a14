package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"

	"github.com/ohlabs/musebridge/internal/metrics"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsSendBuffer   = 32
)

// wsControlFrame is an inbound control request from a hardware knob.
type wsControlFrame struct {
	Type   string   `json:"type"`
	ZoneID string   `json:"zone_id"`
	Action string   `json:"action"`
	Value  *float64 `json:"value,omitempty"`
}

// wsResultFrame answers a control frame.
type wsResultFrame struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// WSHandler upgrades hardware-knob connections and bridges them to the
// stream (events out) and the command sink (control in). Outbound frames are
// the same wire envelopes SSE sends.
type WSHandler struct {
	stream   *Stream
	sink     CommandSink
	upgrader websocket.Upgrader
}

func NewWSHandler(stream *Stream, sink CommandSink) *WSHandler {
	return &WSHandler{
		stream: stream,
		sink:   sink,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Knobs connect from anywhere on the LAN; the bearer token is
			// the only gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	log := hlog.FromRequest(r)
	log.Info().Msg("websocket client connected")
	metrics.WSClients.Inc()

	send := make(chan []byte, wsSendBuffer)
	done := make(chan struct{})
	defer func() {
		close(done)
		conn.Close()
		metrics.WSClients.Dec()
		log.Info().Msg("websocket client disconnected")
	}()

	// Single writer goroutine: wire frames, command results, pings.
	go func() {
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		defer conn.Close()
		for {
			select {
			case <-done:
				return
			case msg := <-send:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Stream pump. A full send buffer means the client cannot keep up;
	// disconnect it rather than hold a growing backlog.
	sub, cancel := h.stream.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-done:
				return
			case f := <-sub:
				select {
				case send <- f.Data:
				default:
					log.Warn().Msg("websocket client too slow, disconnecting")
					conn.Close()
					return
				}
			}
		}
	}()

	// Reader: control frames until the client goes away.
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleFrame(r.Context(), msg, send)
	}
}

func (h *WSHandler) handleFrame(ctx context.Context, msg []byte, send chan<- []byte) {
	var frame wsControlFrame
	if err := json.Unmarshal(msg, &frame); err != nil || frame.Type != "control" {
		h.reply(send, wsResultFrame{Type: "control_result", Status: "error", Error: "malformed control frame"})
		return
	}

	id, _, err := h.sink.Control(ctx, frame.ZoneID, frame.Action, frame.Value)
	res := wsResultFrame{Type: "control_result", Status: "ok"}
	if id != uuid.Nil {
		res.CommandID = id.String()
	}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	h.reply(send, res)
}

func (h *WSHandler) reply(send chan<- []byte, res wsResultFrame) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	select {
	case send <- data:
	default:
	}
}
