// Package mcp exposes the bridge to AI agents over the Model Context
// Protocol (streamable HTTP, stateless). The handler mounts at /mcp and
// answers single JSON-RPC 2.0 requests; tool calls fan out to the zone view,
// the coordinator and the adapters' query commands.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/adapter"
	"github.com/ohlabs/musebridge/internal/muse"
	"github.com/ohlabs/musebridge/internal/settings"
)

// protocolVersion is the MCP revision this endpoint implements.
const protocolVersion = "2025-03-26"

const maxBodyBytes = 1 << 20

const serverInstructions = "musebridge MCP server - control your hi-fi system.\n\n" +
	"Use hifi_zones to list available zones, hifi_now_playing to see what's playing, " +
	"hifi_control for playback control, hifi_search to find music, and hifi_play to play it.\n\n" +
	"Note: hifi_search and hifi_play work with LMS zones only. Transport controls " +
	"(play/pause/next/volume) work with all zones (Roon, LMS, OpenHome, UPnP).\n\n" +
	"To build a playlist: call hifi_play multiple times with action='queue'. The first track " +
	"can use action='play' to start playback, then subsequent tracks use action='queue' to add to the queue."

// ZoneSource is the read side of the zone aggregator.
type ZoneSource interface {
	Zones() []muse.Zone
	Zone(id string) (muse.Zone, bool)
}

// CommandSink dispatches zone-addressed control commands.
type CommandSink interface {
	Control(ctx context.Context, zoneID, action string, value *float64) (uuid.UUID, adapter.Response, error)
}

// QuerySink dispatches prefix-addressed adapter query commands.
type QuerySink interface {
	Query(ctx context.Context, prefix string, cmd adapter.Command) (adapter.Response, error)
}

// StatusSource reports adapter lifecycle state for hifi_status.
type StatusSource interface {
	AdapterStates() map[string]string
	AdapterDetails() map[string]map[string]any
}

// SettingsSource gates the HQPlayer tool set.
type SettingsSource interface {
	Current() settings.Settings
}

type Options struct {
	Zones    ZoneSource
	Commands CommandSink
	Queries  QuerySink
	Status   StatusSource
	Settings SettingsSource
	Version  string
	Log      zerolog.Logger
}

// Server is the /mcp http.Handler.
type Server struct {
	zones    ZoneSource
	commands CommandSink
	queries  QuerySink
	status   StatusSource
	settings SettingsSource
	version  string
	log      zerolog.Logger
	tools    []tool
}

func NewServer(opts Options) *Server {
	s := &Server{
		zones:    opts.Zones,
		commands: opts.Commands,
		queries:  opts.Queries,
		status:   opts.Status,
		settings: opts.Settings,
		version:  opts.Version,
		log:      opts.Log.With().Str("component", "mcp").Logger(),
	}
	s.tools = s.toolTable()
	return s
}

// ServeHTTP accepts one JSON-RPC request per POST. Responses are plain JSON
// (no SSE stream); notifications are acknowledged with 202.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "cannot read request body")
		return
	}
	if trimmed := bytes.TrimLeft(body, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '[' {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "batch requests are not supported")
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, `jsonrpc must be "2.0"`)
		return
	}

	if req.isNotification() {
		s.log.Debug().Str("method", req.Method).Msg("notification")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		writeResult(w, req.ID, s.initializeResult())
	case "ping":
		writeResult(w, req.ID, struct{}{})
	case "tools/list":
		writeResult(w, req.ID, s.listTools())
	case "tools/call":
		s.callTool(r.Context(), w, req)
	default:
		writeError(w, http.StatusOK, req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) initializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "musebridge",
			"version": s.version,
		},
		"instructions": serverInstructions,
	}
}

// hqpEnabled reports whether the HQPlayer tools should be visible.
func (s *Server) hqpEnabled() bool {
	return s.settings != nil && s.settings.Current().AdapterEnabled("hqplayer")
}

func (s *Server) listTools() map[string]any {
	hqp := s.hqpEnabled()
	defs := make([]toolDef, 0, len(s.tools))
	for _, t := range s.tools {
		if t.hqplayer && !hqp {
			continue
		}
		defs = append(defs, t.def)
	}
	return map[string]any{"tools": defs}
}

func (s *Server) callTool(ctx context.Context, w http.ResponseWriter, req rpcRequest) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(w, http.StatusOK, req.ID, codeInvalidParams, "invalid params")
		return
	}

	for _, t := range s.tools {
		if t.def.Name != params.Name {
			continue
		}
		if t.hqplayer && !s.hqpEnabled() {
			writeResult(w, req.ID, errorResult("HQPlayer adapter is disabled in settings"))
			return
		}
		s.log.Debug().Str("tool", params.Name).Msg("tool call")
		writeResult(w, req.ID, t.call(ctx, params.Arguments))
		return
	}
	writeError(w, http.StatusOK, req.ID, codeInvalidParams, "unknown tool: "+params.Name)
}

// Tool result content. Every payload is text; JSON payloads are serialized
// into the text body.
type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

func textResult(text string) toolResult {
	return toolResult{Content: []textContent{{Type: "text", Text: text}}}
}

func errorResult(format string, args ...any) toolResult {
	r := textResult("Error: " + fmt.Sprintf(format, args...))
	r.IsError = true
	return r
}

func jsonResult(v any) toolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return textResult("{}")
	}
	return textResult(string(data))
}

// rawResult pretty-prints an adapter response payload.
func rawResult(payload json.RawMessage) toolResult {
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return textResult(string(payload))
	}
	return textResult(buf.String())
}
