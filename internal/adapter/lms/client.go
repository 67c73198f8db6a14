// Package lms implements the Logitech Media Server adapter: a JSON-RPC
// client over HTTP and a polling Logic that projects LMS players into
// bridge zones.
//
// Protocol reference: http://HOST:9000/html/docs/cli-api.html
package lms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// requestID is sent with every JSON-RPC call; a fixed value makes bridge
// traffic easy to spot in the LMS server log.
const requestID = 217

const clientTimeout = 10 * time.Second

// Client speaks the LMS JSON-RPC protocol: every call is a POST to
// /jsonrpc.js with a command array addressed to a player (or to the server
// when the player id is empty).
type Client struct {
	base     string
	username string
	password string
	http     *http.Client
	log      zerolog.Logger
}

type ClientOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	Log      zerolog.Logger
}

func NewClient(opts ClientOptions) *Client {
	return &Client{
		base:     fmt.Sprintf("http://%s:%d", opts.Host, opts.Port),
		username: opts.Username,
		password: opts.Password,
		http:     &http.Client{Timeout: clientTimeout},
		log:      opts.Log,
	}
}

// BaseURL returns the server root, e.g. "http://lms.local:9000".
func (c *Client) BaseURL() string { return c.base }

type rpcRequest struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params [2]any `json:"params"`
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// request executes one slim.request call and returns the raw result object.
func (c *Client) request(ctx context.Context, playerID string, cmd []any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		ID:     requestID,
		Method: "slim.request",
		Params: [2]any{playerID, cmd},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/jsonrpc.js", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lms request failed: %s", resp.Status)
	}

	var env rpcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode lms response: %w", err)
	}
	if len(env.Error) > 0 && string(env.Error) != "null" {
		return nil, fmt.Errorf("lms error: %s", env.Error)
	}
	return env.Result, nil
}

// Exec runs a command for its side effect, discarding the result.
func (c *Client) Exec(ctx context.Context, playerID string, cmd []any) error {
	_, err := c.request(ctx, playerID, cmd)
	return err
}

// flexID tolerates the server emitting an identifier as either a JSON string
// or a number (coverid is a number for local tracks, a hash for remote ones).
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// Player is one LMS player with its most recent polled status.
type Player struct {
	ID        string
	Name      string
	Model     string
	Connected bool
	IP        string
	Status
}

// Status is the playback half of a player, refreshed on every poll. Volume
// follows the LMS convention of going negative while the player is muted.
type Status struct {
	Mode     string
	Power    bool
	Volume   float64
	Time     float64
	Duration float64
	Title    string
	Artist   string
	Album    string
	Artwork  string
}

// Players lists the players known to the server.
func (c *Client) Players(ctx context.Context) ([]Player, error) {
	result, err := c.request(ctx, "", []any{"players", 0, 100})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		PlayersLoop []struct {
			PlayerID  string `json:"playerid"`
			Name      string `json:"name"`
			Model     string `json:"model"`
			Connected int    `json:"connected"`
			Power     int    `json:"power"`
			IP        string `json:"ip"`
		} `json:"players_loop"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("parse players: %w", err)
	}

	players := make([]Player, 0, len(parsed.PlayersLoop))
	for _, p := range parsed.PlayersLoop {
		players = append(players, Player{
			ID:        p.PlayerID,
			Name:      p.Name,
			Model:     p.Model,
			Connected: p.Connected == 1,
			IP:        p.IP,
			Status:    Status{Power: p.Power == 1},
		})
	}
	return players, nil
}

// PlayerStatus fetches the playback status of one player.
func (c *Client) PlayerStatus(ctx context.Context, playerID string) (Status, error) {
	result, err := c.request(ctx, playerID, []any{"status", "-", 1, "tags:aAdltKc"})
	if err != nil {
		return Status{}, err
	}

	var parsed struct {
		Mode         string  `json:"mode"`
		Power        int     `json:"power"`
		MixerVolume  float64 `json:"mixer volume"`
		Time         float64 `json:"time"`
		PlaylistLoop []struct {
			Title          string  `json:"title"`
			Artist         string  `json:"artist"`
			Album          string  `json:"album"`
			Duration       float64 `json:"duration"`
			Coverid        flexID  `json:"coverid"`
			ArtworkTrackID flexID  `json:"artwork_track_id"`
			ID             flexID  `json:"id"`
			ArtworkURL     string  `json:"artwork_url"`
		} `json:"playlist_loop"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return Status{}, fmt.Errorf("parse status: %w", err)
	}

	st := Status{
		Mode:   parsed.Mode,
		Power:  parsed.Power == 1,
		Volume: parsed.MixerVolume,
		Time:   parsed.Time,
	}
	if len(parsed.PlaylistLoop) > 0 {
		track := parsed.PlaylistLoop[0]
		st.Duration = track.Duration
		st.Title = track.Title
		st.Artist = track.Artist
		st.Album = track.Album
		st.Artwork = c.artworkURL(track.ArtworkURL, track.Coverid, track.ArtworkTrackID, track.ID)
	}
	return st, nil
}

// artworkURL resolves the cover art location for a track: an explicit
// artwork_url wins (absolutized when server-relative), otherwise the first
// available cover id is turned into the standard cover path.
func (c *Client) artworkURL(explicit string, ids ...flexID) string {
	if explicit != "" {
		if strings.HasPrefix(explicit, "/") {
			return c.base + explicit
		}
		return explicit
	}
	for _, id := range ids {
		if id != "" {
			return fmt.Sprintf("%s/music/%s/cover_300x300.jpg", c.base, id)
		}
	}
	return ""
}

// SearchResult is one library match, summarized for tool consumers.
type SearchResult struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle,omitempty"`
}

// Search runs a library term search and flattens the track/album/artist
// loops into a single capped list.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	result, err := c.request(ctx, "", []any{"search", 0, limit, "term:" + query})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		TracksLoop []struct {
			Track string `json:"track"`
		} `json:"tracks_loop"`
		AlbumsLoop []struct {
			Album string `json:"album"`
		} `json:"albums_loop"`
		ContributorsLoop []struct {
			Contributor string `json:"contributor"`
		} `json:"contributors_loop"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("parse search: %w", err)
	}

	results := make([]SearchResult, 0, limit)
	for _, t := range parsed.TracksLoop {
		results = append(results, SearchResult{Title: t.Track, Subtitle: "Track"})
	}
	for _, a := range parsed.AlbumsLoop {
		results = append(results, SearchResult{Title: a.Album, Subtitle: "Album"})
	}
	for _, a := range parsed.ContributorsLoop {
		results = append(results, SearchResult{Title: a.Contributor, Subtitle: "Artist"})
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
