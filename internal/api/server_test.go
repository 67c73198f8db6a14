package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/adapter"
	"github.com/ohlabs/musebridge/internal/bus"
	"github.com/ohlabs/musebridge/internal/config"
	"github.com/ohlabs/musebridge/internal/muse"
	"github.com/ohlabs/musebridge/internal/settings"
)

type fakeZones struct{ zones []muse.Zone }

func (f *fakeZones) Zones() []muse.Zone { return f.zones }

func (f *fakeZones) Zone(id string) (muse.Zone, bool) {
	for _, z := range f.zones {
		if z.ZoneID == id {
			return z, true
		}
	}
	return muse.Zone{}, false
}

type sinkCall struct {
	zoneID string
	action string
	value  *float64
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
	err   error
}

func (f *fakeSink) Control(_ context.Context, zoneID, action string, value *float64) (uuid.UUID, adapter.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sinkCall{zoneID, action, value})
	f.mu.Unlock()
	if f.err != nil {
		return uuid.Nil, adapter.Response{}, f.err
	}
	return uuid.New(), adapter.Response{}, nil
}

func (f *fakeSink) received() []sinkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sinkCall(nil), f.calls...)
}

var errAdapterGone = fmt.Errorf("lms: %w", adapter.ErrAdapterNotAvailable)

type fakeStatus struct {
	states  map[string]string
	details map[string]map[string]any
}

func (f *fakeStatus) AdapterStates() map[string]string { return f.states }

func (f *fakeStatus) AdapterDetails() map[string]map[string]any { return f.details }

type fakeReporter struct{ enabled bool }

func (f *fakeReporter) IsEnabled() bool { return f.enabled }

type fakeMQTT struct{ connected bool }

func (f *fakeMQTT) IsConnected() bool { return f.connected }

func newTestServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	store, err := settings.NewStore(filepath.Join(t.TempDir(), "settings.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	b := bus.New(64, zerolog.Nop())

	srv := NewServer(Options{
		Config:   &config.Config{Port: 3000, APIToken: token},
		Zones:    demoZones(),
		Commands: &fakeSink{},
		Status:   &fakeStatus{states: map[string]string{"lms": adapter.StateRunning}},
		Settings: store,
		Stream:   NewStream(b, zerolog.Nop()),
		Reporter: &fakeReporter{},
		Version:  "test",
		Log:      zerolog.Nop(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string, header http.Header) (int, string) {
	t.Helper()
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestServer_AuthWiring(t *testing.T) {
	ts := newTestServer(t, "hunter2")
	bearer := http.Header{"Authorization": []string{"Bearer hunter2"}}

	t.Run("health_is_open", func(t *testing.T) {
		code, body := get(t, ts.URL+"/health", nil)
		if code != http.StatusOK {
			t.Errorf("status = %d", code)
		}
		if !strings.Contains(body, `"status":"healthy"`) {
			t.Errorf("body = %s", body)
		}
	})

	t.Run("metrics_is_open", func(t *testing.T) {
		code, body := get(t, ts.URL+"/metrics", nil)
		if code != http.StatusOK {
			t.Errorf("status = %d", code)
		}
		if !strings.Contains(body, "musebridge_bus_events_published_total") {
			t.Error("bridge metrics missing from exposition")
		}
	})

	t.Run("zones_needs_token", func(t *testing.T) {
		if code, _ := get(t, ts.URL+"/zones", nil); code != http.StatusUnauthorized {
			t.Errorf("unauthenticated status = %d, want 401", code)
		}
		if code, _ := get(t, ts.URL+"/zones", bearer); code != http.StatusOK {
			t.Errorf("bearer status = %d, want 200", code)
		}
		if code, _ := get(t, ts.URL+"/zones?token=hunter2", nil); code != http.StatusOK {
			t.Errorf("query-token status = %d, want 200", code)
		}
	})

	t.Run("settings_needs_token", func(t *testing.T) {
		if code, _ := get(t, ts.URL+"/api/settings", nil); code != http.StatusUnauthorized {
			t.Errorf("unauthenticated status = %d, want 401", code)
		}
		if code, _ := get(t, ts.URL+"/api/settings", bearer); code != http.StatusOK {
			t.Errorf("bearer status = %d, want 200", code)
		}
	})

	t.Run("status_needs_token", func(t *testing.T) {
		code, body := get(t, ts.URL+"/status", bearer)
		if code != http.StatusOK {
			t.Errorf("status = %d", code)
		}
		if !strings.Contains(body, `"service":"musebridge"`) {
			t.Errorf("body = %s", body)
		}
	})
}

func TestServer_NoTokenDisablesAuth(t *testing.T) {
	ts := newTestServer(t, "")
	if code, _ := get(t, ts.URL+"/zones", nil); code != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", code)
	}
}

func TestStatusHandler(t *testing.T) {
	status := &fakeStatus{
		states: map[string]string{
			"roon": adapter.StateRunning,
			"lms":  adapter.StateRetrying,
		},
		details: map[string]map[string]any{
			"roon": {"core_name": "Main Core", "zone_count": 3},
		},
	}
	h := NewStatusHandler(status, demoZones(), "v1.2.3", time.Now().Add(-90*time.Second))

	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest("GET", "/status", nil))

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Service != "musebridge" || resp.Version != "v1.2.3" {
		t.Errorf("service/version = %q/%q", resp.Service, resp.Version)
	}
	if resp.UptimeSecs < 90 {
		t.Errorf("uptime = %d, want >= 90", resp.UptimeSecs)
	}
	if resp.ZoneCount != 2 {
		t.Errorf("zone_count = %d, want 2", resp.ZoneCount)
	}
	roon := resp.Adapters["roon"]
	if roon.State != adapter.StateRunning {
		t.Errorf("roon state = %q", roon.State)
	}
	if roon.Detail["core_name"] != "Main Core" {
		t.Errorf("roon detail = %v", roon.Detail)
	}
	if lms := resp.Adapters["lms"]; lms.Detail != nil {
		t.Errorf("lms detail = %v, want none", lms.Detail)
	}
}

func TestHealthHandler(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := NewHealthHandler(
			&fakeStatus{states: map[string]string{"roon": adapter.StateRunning, "hqplayer": adapter.StateIdle}},
			nil, &fakeReporter{enabled: true}, "test", time.Now(),
		)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

		var resp HealthResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Status != "healthy" {
			t.Errorf("status = %q (idle adapters must not degrade)", resp.Status)
		}
		if resp.Checks["adapter_roon"] != "running" || resp.Checks["mqtt"] != "not_configured" {
			t.Errorf("checks = %v", resp.Checks)
		}
		if resp.Checks["reporter"] != "enabled" {
			t.Errorf("reporter check = %q", resp.Checks["reporter"])
		}
	})

	t.Run("degraded_when_adapter_retrying", func(t *testing.T) {
		h := NewHealthHandler(
			&fakeStatus{states: map[string]string{"lms": adapter.StateRetrying}},
			nil, &fakeReporter{}, "test", time.Now(),
		)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

		if rec.Code != http.StatusOK {
			t.Errorf("code = %d, degraded must still serve 200", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"status":"degraded"`) {
			t.Errorf("body = %s", rec.Body.String())
		}
	})

	t.Run("degraded_when_mqtt_down", func(t *testing.T) {
		h := NewHealthHandler(
			&fakeStatus{states: map[string]string{}},
			&fakeMQTT{connected: false}, &fakeReporter{}, "test", time.Now(),
		)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

		if !strings.Contains(rec.Body.String(), `"mqtt":"disconnected"`) {
			t.Errorf("body = %s", rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), `"status":"degraded"`) {
			t.Errorf("body = %s", rec.Body.String())
		}
	})
}
