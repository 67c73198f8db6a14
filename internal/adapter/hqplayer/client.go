// Package hqplayer integrates an HQPlayer DSP engine: connection state,
// pipeline reporting and pipeline/profile control. HQPlayer has no zones of
// its own; everything is surfaced through bus events and query commands.
package hqplayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const clientTimeout = 10 * time.Second

// Pipeline is the DSP pipeline as reported by the server. Filter, shaper and
// rate are nil until the engine has locked onto a stream.
type Pipeline struct {
	Mode   int     `json:"mode"`
	Filter *string `json:"filter"`
	Shaper *string `json:"shaper"`
	Rate   *string `json:"rate"`
}

// Status is the playback half of the engine state.
type Status struct {
	State  string  `json:"state"`
	Volume float64 `json:"volume"`
}

// Client talks to the HQPlayer web control API over HTTP JSON.
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

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hqplayer %s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("hqplayer %s: parse response: %w", path, err)
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

func (c *Client) PipelineStatus(ctx context.Context) (Pipeline, error) {
	var pl Pipeline
	err := c.do(ctx, http.MethodGet, "/api/pipeline", nil, &pl)
	return pl, err
}

func (c *Client) Profiles(ctx context.Context) ([]string, error) {
	var parsed struct {
		Profiles []string `json:"profiles"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/profiles", nil, &parsed); err != nil {
		return nil, err
	}
	return parsed.Profiles, nil
}

func (c *Client) LoadProfile(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/profile", map[string]string{"name": name}, nil)
}

func (c *Client) setPipeline(ctx context.Context, setting string, value int) error {
	body := map[string]any{"setting": setting, "value": value}
	return c.do(ctx, http.MethodPost, "/api/pipeline", body, nil)
}

func (c *Client) SetMode(ctx context.Context, value int) error {
	return c.setPipeline(ctx, "mode", value)
}

func (c *Client) SetRate(ctx context.Context, value int) error {
	return c.setPipeline(ctx, "samplerate", value)
}

func (c *Client) SetFilter1x(ctx context.Context, value int) error {
	return c.setPipeline(ctx, "filter1x", value)
}

func (c *Client) SetFilterNx(ctx context.Context, value int) error {
	return c.setPipeline(ctx, "filternx", value)
}

func (c *Client) SetShaper(ctx context.Context, value int) error {
	return c.setPipeline(ctx, "shaper", value)
}

func (c *Client) SetVolume(ctx context.Context, value float64) error {
	return c.do(ctx, http.MethodPost, "/api/volume", map[string]float64{"value": value}, nil)
}
