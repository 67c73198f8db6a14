// Package adapter defines the contract between the bridge core and backend
// adapters, plus the handle that supervises a running adapter. An adapter
// owns one zone-id prefix; the core routes commands to it by that prefix and
// learns everything else from the events it publishes.
package adapter

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// Well-known control actions. Adapters may additionally accept their own
// query-style actions (see the hqplayer adapter).
const (
	ActionPlay      = "play"
	ActionPause     = "pause"
	ActionPlayPause = "play_pause"
	ActionStop      = "stop"
	ActionNext      = "next"
	ActionPrevious  = "previous"
	ActionVolumeSet = "volume_set"
	ActionVolumeRel = "volume_rel"
	ActionMute      = "mute"
	ActionUnmute    = "unmute"
)

// Routing and dispatch errors. Matched with errors.Is by the HTTP and MCP
// layers to pick status codes.
var (
	ErrUnknownZone         = errors.New("unknown zone")
	ErrAdapterNotAvailable = errors.New("adapter not available")
	ErrTimeout             = errors.New("command timed out")
	ErrInvalidAction       = errors.New("invalid action")
)

// Command is one control or query request addressed to an adapter. ZoneID is
// empty for adapter-level commands (status, search, pipeline ops).
type Command struct {
	ID     uuid.UUID
	ZoneID string
	Action string
	Value  *float64
	// Args carries free-form parameters for query commands (search terms,
	// profile names). Nil for plain transport controls.
	Args map[string]string
}

// NewCommand builds a Command with a fresh correlation id.
func NewCommand(zoneID, action string, value *float64) Command {
	return Command{ID: uuid.New(), ZoneID: zoneID, Action: action, Value: value}
}

// Response is an adapter's answer to a Command. Payload is nil for plain
// controls and a JSON document for query commands.
type Response struct {
	Payload json.RawMessage
}

// JSONResponse marshals v into a Response payload.
func JSONResponse(v any) (Response, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Response{}, err
	}
	return Response{Payload: data}, nil
}

// Logic is the behavior an adapter implements. The handle owns the goroutine
// and retry plumbing; Logic only provides the three operations.
//
// Init is called once before supervision starts; an error means the adapter
// cannot start at all. Run blocks until the context is canceled or the
// backend connection is lost — returning an error schedules a retry with
// backoff, returning nil re-runs immediately with the backoff reset.
// HandleCommand may be called concurrently with Run and must be safe.
type Logic interface {
	Prefix() string
	Init(ctx context.Context) error
	Run(ctx context.Context) error
	HandleCommand(ctx context.Context, cmd Command) (Response, error)
}

// StatusReporter is optionally implemented by Logic values that can describe
// their backend connection (core name, host, player count) for the status
// endpoint. Must be safe to call concurrently with Run.
type StatusReporter interface {
	Status() map[string]any
}
