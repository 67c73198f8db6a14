package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ohlabs/musebridge/internal/adapter"
	"github.com/ohlabs/musebridge/internal/adapter/hqplayer"
	"github.com/ohlabs/musebridge/internal/adapter/lms"
	"github.com/ohlabs/musebridge/internal/muse"
)

type toolDef struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	InputSchema json.RawMessage  `json:"inputSchema"`
	Annotations *toolAnnotations `json:"annotations,omitempty"`
}

type toolAnnotations struct {
	ReadOnlyHint    bool `json:"readOnlyHint,omitempty"`
	DestructiveHint bool `json:"destructiveHint,omitempty"`
}

type tool struct {
	def      toolDef
	hqplayer bool
	call     func(ctx context.Context, args json.RawMessage) toolResult
}

var readOnly = &toolAnnotations{ReadOnlyHint: true}

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

func (s *Server) toolTable() []tool {
	return []tool{
		{
			def: toolDef{
				Name:        "hifi_zones",
				Description: "List all available playback zones (Roon, LMS, OpenHome, UPnP)",
				InputSchema: emptySchema,
				Annotations: readOnly,
			},
			call: s.toolZones,
		},
		{
			def: toolDef{
				Name:        "hifi_now_playing",
				Description: "Get current playback state for a zone (track, artist, album, play state, volume)",
				InputSchema: json.RawMessage(`{"type":"object","properties":{
					"zone_id":{"type":"string","description":"The zone ID to query (get from hifi_zones)"}},
					"required":["zone_id"]}`),
				Annotations: readOnly,
			},
			call: s.toolNowPlaying,
		},
		{
			def: toolDef{
				Name:        "hifi_control",
				Description: "Control playback: play, pause, playpause (toggle), next, previous, or adjust volume",
				InputSchema: json.RawMessage(`{"type":"object","properties":{
					"zone_id":{"type":"string","description":"The zone ID to control"},
					"action":{"type":"string","description":"Action: play, pause, playpause, next, previous, volume_set, volume_up, volume_down"},
					"value":{"type":"number","description":"For volume actions: the level (0-100 for volume_set) or amount to change"}},
					"required":["zone_id","action"]}`),
			},
			call: s.toolControl,
		},
		{
			def: toolDef{
				Name:        "hifi_search",
				Description: "Search for tracks, albums, or artists in the music library (LMS zones)",
				InputSchema: json.RawMessage(`{"type":"object","properties":{
					"query":{"type":"string","description":"Search query (e.g., \"Hotel California\", \"Eagles\", \"jazz piano\")"},
					"zone_id":{"type":"string","description":"Zone ID that picks the backend to search (lms:...)"},
					"limit":{"type":"integer","description":"Maximum number of results (default 10)"}},
					"required":["query","zone_id"]}`),
				Annotations: readOnly,
			},
			call: s.toolSearch,
		},
		{
			def: toolDef{
				Name: "hifi_play",
				Description: "Search and play music. Plays or queues the first matching results. " +
					"Use action='queue' to add to the queue without interrupting playback. (LMS zones)",
				InputSchema: json.RawMessage(`{"type":"object","properties":{
					"query":{"type":"string","description":"What to play (e.g., \"early Michael Jackson\", \"Dark Side of the Moon\")"},
					"zone_id":{"type":"string","description":"Zone ID to play on (get from hifi_zones)"},
					"action":{"type":"string","description":"What to do: \"play\" (default) or \"queue\""}},
					"required":["query","zone_id"]}`),
			},
			call: s.toolPlay,
		},
		{
			def: toolDef{
				Name:        "hifi_status",
				Description: "Get overall bridge status (adapter connections, zone count)",
				InputSchema: emptySchema,
				Annotations: readOnly,
			},
			call: s.toolStatus,
		},
		{
			def: toolDef{
				Name:        "hifi_hqplayer_status",
				Description: "Get HQPlayer Embedded status and current pipeline settings",
				InputSchema: emptySchema,
				Annotations: readOnly,
			},
			hqplayer: true,
			call:     s.toolHqpStatus,
		},
		{
			def: toolDef{
				Name:        "hifi_hqplayer_profiles",
				Description: "List available HQPlayer Embedded configurations",
				InputSchema: emptySchema,
				Annotations: readOnly,
			},
			hqplayer: true,
			call:     s.toolHqpProfiles,
		},
		{
			def: toolDef{
				Name:        "hifi_hqplayer_load_profile",
				Description: "Load an HQPlayer Embedded configuration (will restart HQPlayer)",
				InputSchema: json.RawMessage(`{"type":"object","properties":{
					"profile":{"type":"string","description":"Configuration name to load (get from hifi_hqplayer_profiles)"}},
					"required":["profile"]}`),
				Annotations: &toolAnnotations{DestructiveHint: true},
			},
			hqplayer: true,
			call:     s.toolHqpLoadProfile,
		},
		{
			def: toolDef{
				Name:        "hifi_hqplayer_set_pipeline",
				Description: "Change an HQPlayer pipeline setting (mode, samplerate, filter1x, filterNx, shaper, dither)",
				InputSchema: json.RawMessage(`{"type":"object","properties":{
					"setting":{"type":"string","description":"Setting to change: mode, samplerate, filter1x, filterNx, shaper, dither"},
					"value":{"type":"string","description":"New value for the setting"}},
					"required":["setting","value"]}`),
			},
			hqplayer: true,
			call:     s.toolHqpSetPipeline,
		},
	}
}

type zonePayload struct {
	ZoneID   string   `json:"zone_id"`
	ZoneName string   `json:"zone_name"`
	State    string   `json:"state"`
	Volume   *float64 `json:"volume"`
	IsMuted  *bool    `json:"is_muted"`
}

type nowPlayingPayload struct {
	ZoneID   string   `json:"zone_id"`
	ZoneName string   `json:"zone_name"`
	State    string   `json:"state"`
	Title    *string  `json:"title"`
	Artist   *string  `json:"artist"`
	Album    *string  `json:"album"`
	Volume   *float64 `json:"volume"`
	IsMuted  *bool    `json:"is_muted"`
}

func nowPlayingFor(z muse.Zone) nowPlayingPayload {
	p := nowPlayingPayload{ZoneID: z.ZoneID, ZoneName: z.ZoneName, State: string(z.State)}
	if np := z.NowPlaying; np != nil {
		title, artist, album := np.Title, np.Artist, np.Album
		p.Title, p.Artist, p.Album = &title, &artist, &album
	}
	if vc := z.VolumeControl; vc != nil {
		v := float64(vc.Value)
		m := vc.IsMuted
		p.Volume, p.IsMuted = &v, &m
	}
	return p
}

func (s *Server) toolZones(ctx context.Context, _ json.RawMessage) toolResult {
	zones := s.zones.Zones()
	out := make([]zonePayload, 0, len(zones))
	for _, z := range zones {
		p := zonePayload{ZoneID: z.ZoneID, ZoneName: z.ZoneName, State: string(z.State)}
		if vc := z.VolumeControl; vc != nil {
			v := float64(vc.Value)
			m := vc.IsMuted
			p.Volume, p.IsMuted = &v, &m
		}
		out = append(out, p)
	}
	return jsonResult(out)
}

func (s *Server) toolNowPlaying(ctx context.Context, raw json.RawMessage) toolResult {
	var args struct {
		ZoneID string `json:"zone_id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: %v", err)
	}
	z, ok := s.zones.Zone(args.ZoneID)
	if !ok {
		return errorResult("Zone not found: %s", args.ZoneID)
	}
	return jsonResult(nowPlayingFor(z))
}

func (s *Server) toolControl(ctx context.Context, raw json.RawMessage) toolResult {
	var args struct {
		ZoneID string   `json:"zone_id"`
		Action string   `json:"action"`
		Value  *float64 `json:"value"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: %v", err)
	}

	action := args.Action
	switch args.Action {
	case "playpause":
		action = adapter.ActionPlayPause
	case "prev":
		action = adapter.ActionPrevious
	case "volume_set":
		if args.Value == nil {
			return errorResult("volume_set requires a value (0-100)")
		}
		return s.setVolume(ctx, args.ZoneID, *args.Value, false)
	case "volume_up":
		delta := 5.0
		if args.Value != nil {
			delta = *args.Value
		}
		return s.setVolume(ctx, args.ZoneID, delta, true)
	case "volume_down":
		delta := 5.0
		if args.Value != nil {
			delta = *args.Value
		}
		return s.setVolume(ctx, args.ZoneID, -delta, true)
	}

	if _, _, err := s.commands.Control(ctx, args.ZoneID, action, nil); err != nil {
		return errorResult("Control error: %v", err)
	}
	if z, ok := s.zones.Zone(args.ZoneID); ok {
		state, err := json.MarshalIndent(nowPlayingFor(z), "", "  ")
		if err == nil {
			return textResult(fmt.Sprintf("Action '%s' executed.\n\nCurrent state:\n%s", args.Action, state))
		}
	}
	return textResult(fmt.Sprintf("Action '%s' executed.", args.Action))
}

func (s *Server) setVolume(ctx context.Context, zoneID string, value float64, relative bool) toolResult {
	action := adapter.ActionVolumeSet
	if relative {
		action = adapter.ActionVolumeRel
	}
	if _, _, err := s.commands.Control(ctx, zoneID, action, &value); err != nil {
		return errorResult("Volume error: %v", err)
	}
	if relative {
		return textResult("Volume adjusted")
	}
	return textResult("Volume set")
}

func (s *Server) toolSearch(ctx context.Context, raw json.RawMessage) toolResult {
	var args struct {
		Query  string `json:"query"`
		ZoneID string `json:"zone_id"`
		Limit  *int   `json:"limit"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: %v", err)
	}
	if !strings.HasPrefix(args.ZoneID, "lms:") {
		return errorResult("Search is available for LMS zones only (pass an lms: zone_id)")
	}

	limit := 10
	if args.Limit != nil && *args.Limit > 0 {
		limit = *args.Limit
	}
	resp, err := s.queries.Query(ctx, "lms", adapter.Command{
		Action: lms.QuerySearch,
		Args:   map[string]string{"query": args.Query, "limit": strconv.Itoa(limit)},
	})
	if err != nil {
		return errorResult("Search error: %v", err)
	}
	return rawResult(resp.Payload)
}

func (s *Server) toolPlay(ctx context.Context, raw json.RawMessage) toolResult {
	var args struct {
		Query  string `json:"query"`
		ZoneID string `json:"zone_id"`
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: %v", err)
	}
	if !strings.HasPrefix(args.ZoneID, "lms:") {
		return errorResult("Play is available for LMS zones only (pass an lms: zone_id)")
	}
	if args.Action == "radio" {
		return errorResult("LMS does not support radio mode. Use 'play' or 'queue' instead.")
	}

	mode := "play"
	if args.Action == "queue" {
		mode = "queue"
	}
	resp, err := s.queries.Query(ctx, "lms", adapter.Command{
		ZoneID: args.ZoneID,
		Action: lms.QuerySearchPlay,
		Args:   map[string]string{"query": args.Query, "mode": mode},
	})
	if err != nil {
		return errorResult("Play error: %v", err)
	}

	var result struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Payload, &result); err == nil && result.Message != "" {
		return textResult(result.Message)
	}
	return textResult("Play request sent")
}

func (s *Server) toolStatus(ctx context.Context, _ json.RawMessage) toolResult {
	states := s.status.AdapterStates()
	details := s.status.AdapterDetails()
	adapters := make(map[string]any, len(states))
	for name, state := range states {
		entry := map[string]any{"state": state}
		if d, ok := details[name]; ok && d != nil {
			entry["detail"] = d
		}
		adapters[name] = entry
	}
	return jsonResult(map[string]any{
		"adapters":   adapters,
		"zone_count": len(s.zones.Zones()),
	})
}

func (s *Server) toolHqpStatus(ctx context.Context, _ json.RawMessage) toolResult {
	resp, err := s.queries.Query(ctx, "hqplayer", adapter.Command{Action: hqplayer.QueryStatus})
	if err != nil {
		return errorResult("HQPlayer error: %v", err)
	}
	return rawResult(resp.Payload)
}

func (s *Server) toolHqpProfiles(ctx context.Context, _ json.RawMessage) toolResult {
	resp, err := s.queries.Query(ctx, "hqplayer", adapter.Command{Action: hqplayer.QueryProfiles})
	if err != nil {
		return errorResult("HQPlayer error: %v", err)
	}
	return rawResult(resp.Payload)
}

func (s *Server) toolHqpLoadProfile(ctx context.Context, raw json.RawMessage) toolResult {
	var args struct {
		Profile string `json:"profile"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: %v", err)
	}
	if args.Profile == "" {
		return errorResult("load_profile requires a profile name")
	}
	_, err := s.queries.Query(ctx, "hqplayer", adapter.Command{
		Action: hqplayer.QueryLoadProfile,
		Args:   map[string]string{"profile": args.Profile},
	})
	if err != nil {
		return errorResult("Failed to load profile: %v", err)
	}
	return textResult("Loaded profile: " + args.Profile)
}

func (s *Server) toolHqpSetPipeline(ctx context.Context, raw json.RawMessage) toolResult {
	var args struct {
		Setting string `json:"setting"`
		Value   string `json:"value"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: %v", err)
	}

	// shaper (DSD) and dither (PCM) share one engine setting; mode accepts
	// the -1 PCM sentinel, everything else must be a non-negative index.
	var setting string
	switch args.Setting {
	case "filter1x", "filter_1x":
		setting = hqplayer.SettingFilter1x
	case "filterNx", "filter_nx", "filternx":
		setting = hqplayer.SettingFilterNx
	case "shaper", "dither":
		setting = hqplayer.SettingShaper
	case "rate", "samplerate":
		setting = hqplayer.SettingRate
	case "mode":
		setting = hqplayer.SettingMode
	default:
		return errorResult("Unknown setting: %s. Valid: mode, samplerate, filter1x, filterNx, shaper, dither", args.Setting)
	}

	n, err := strconv.Atoi(args.Value)
	if setting == hqplayer.SettingMode {
		if err != nil {
			return errorResult("Invalid mode value (expected integer)")
		}
	} else if err != nil || n < 0 {
		label := args.Setting
		if setting == hqplayer.SettingShaper {
			label = "shaper/dither"
		}
		return errorResult("Invalid %s value (expected non-negative integer)", label)
	}

	_, err = s.queries.Query(ctx, "hqplayer", adapter.Command{
		Action: hqplayer.QuerySetPipeline,
		Args:   map[string]string{"setting": setting, "value": args.Value},
	})
	if err != nil {
		return errorResult("Failed to set %s: %v", args.Setting, err)
	}
	return textResult(fmt.Sprintf("Set %s to %s", args.Setting, args.Value))
}
