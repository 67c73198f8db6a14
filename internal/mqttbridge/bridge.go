// Package mqttbridge mirrors zone state onto an MQTT broker and accepts
// playback commands back from it. Each zone gets a retained JSON document at
// <prefix>/zones/<slug>/state, so automations see the current state the moment
// they subscribe; commands arrive on <prefix>/zones/<slug>/set and
// <prefix>/zones/<slug>/volume/set. The broker is either external or the
// embedded one in broker.go.
package mqttbridge

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ohlabs/musebridge/internal/adapter"
	"github.com/ohlabs/musebridge/internal/bus"
	"github.com/ohlabs/musebridge/internal/metrics"
	"github.com/ohlabs/musebridge/internal/muse"
)

const (
	// DefaultTopicPrefix is the topic root when none is configured.
	DefaultTopicPrefix = "musebridge"

	commandTimeout = 5 * time.Second
)

// ZoneSource provides the zones the bridge mirrors.
type ZoneSource interface {
	Zones() []muse.Zone
	Zone(zoneID string) (muse.Zone, bool)
}

// CommandSink routes commands received over MQTT.
type CommandSink interface {
	Control(ctx context.Context, zoneID, action string, value *float64) (uuid.UUID, adapter.Response, error)
}

// EventSource delivers the zone events that drive republishing.
type EventSource interface {
	Subscribe() *bus.Subscription
}

// Options configures the bridge connection.
type Options struct {
	// BrokerURL is the broker address, e.g. "tcp://10.0.0.5:1883".
	BrokerURL string
	// ClientID defaults to "musebridge".
	ClientID string
	// Username and Password are optional broker credentials.
	Username string
	Password string
	// TopicPrefix defaults to DefaultTopicPrefix.
	TopicPrefix string

	Zones    ZoneSource
	Commands CommandSink
	Events   EventSource
	Log      zerolog.Logger
}

// Bridge is a connected MQTT client mirroring zones to retained topics.
type Bridge struct {
	conn      mqtt.Client
	log       zerolog.Logger
	prefix    string
	zones     ZoneSource
	sink      CommandSink
	events    EventSource
	connected atomic.Bool

	mu    sync.Mutex
	slugs map[string]string // topic slug -> zone id
}

// Connect dials the broker and blocks until the first connection attempt
// resolves. The client auto-reconnects after that; reconnects re-run the
// subscription and state snapshot.
func Connect(opts Options) (*Bridge, error) {
	prefix := opts.TopicPrefix
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "musebridge"
	}

	b := &Bridge{
		log:    opts.Log.With().Str("component", "mqtt").Logger(),
		prefix: prefix,
		zones:  opts.Zones,
		sink:   opts.Commands,
		events: opts.Events,
		slugs:  make(map[string]string),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(b.onConnectionLost).
		SetWill(prefix+"/bridge/status", "offline", 0, true)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	b.conn = mqtt.NewClient(clientOpts)
	token := b.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	b.log.Info().Str("broker", opts.BrokerURL).Str("prefix", prefix).Msg("mqtt bridge connected")
	return b, nil
}

// onConnect runs on every (re)connection. Command subscriptions go first so
// that IsConnected implies commands are deliverable, then the retained status
// and zone snapshot are rewritten.
func (b *Bridge) onConnect(client mqtt.Client) {
	filters := map[string]byte{
		b.prefix + "/zones/+/set":        0,
		b.prefix + "/zones/+/volume/set": 0,
	}
	token := client.SubscribeMultiple(filters, b.onMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		b.log.Error().Err(err).Msg("command topic subscribe failed")
	}
	b.connected.Store(true)

	b.publish(b.prefix+"/bridge/status", []byte("online"), true)
	for _, z := range b.zones.Zones() {
		b.publishZone(z)
	}
}

func (b *Bridge) onConnectionLost(_ mqtt.Client, err error) {
	b.connected.Store(false)
	b.log.Warn().Err(err).Msg("mqtt connection lost, retrying")
}

// Run pumps zone events into retained topic updates until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.events.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sub.C():
			b.handleEvent(ev)
		}
	}
}

// handleEvent rewrites retained zone documents. Fields the event itself
// carries are overlaid on the zone read back from the source, so the document
// reflects the event even when the read-back has not caught up with it yet.
func (b *Bridge) handleEvent(e bus.Event) {
	switch ev := e.(type) {
	case muse.ZoneDiscovered:
		b.publishZone(ev.Zone)
	case muse.ZoneUpdated:
		if z, ok := b.zones.Zone(ev.ZoneState.ZoneID); ok {
			z.State = ev.ZoneState.State
			b.publishZone(z)
		}
	case muse.NowPlayingChanged:
		if z, ok := b.zones.Zone(ev.ZoneID); ok {
			z.NowPlaying = ev.NowPlaying
			b.publishZone(z)
		}
	case muse.VolumeChanged:
		for _, z := range b.zones.Zones() {
			vc := z.VolumeControl
			if vc == nil || vc.OutputID == nil || *vc.OutputID != ev.OutputID {
				continue
			}
			updated := *vc
			updated.Value = ev.Value
			updated.IsMuted = ev.IsMuted
			z.VolumeControl = &updated
			b.publishZone(z)
		}
	case muse.ZoneRemoved:
		b.clearZone(ev.ZoneID)
	case bus.ZonesFlushed:
		b.clearSource(ev.Source)
	}
}

// zoneState is the retained per-zone document.
type zoneState struct {
	ZoneID string   `json:"zone_id"`
	Name   string   `json:"name"`
	State  string   `json:"state"`
	Volume *float64 `json:"volume,omitempty"`
	Muted  *bool    `json:"muted,omitempty"`
	Title  *string  `json:"title,omitempty"`
	Artist *string  `json:"artist,omitempty"`
	Album  *string  `json:"album,omitempty"`
}

func stateFor(z muse.Zone) zoneState {
	st := zoneState{
		ZoneID: z.ZoneID,
		Name:   z.ZoneName,
		State:  z.State.String(),
	}
	if vc := z.VolumeControl; vc != nil {
		vol := float64(vc.Value)
		muted := vc.IsMuted
		st.Volume = &vol
		st.Muted = &muted
	}
	if np := z.NowPlaying; np != nil {
		title, artist, album := np.Title, np.Artist, np.Album
		st.Title = &title
		st.Artist = &artist
		st.Album = &album
	}
	return st
}

func (b *Bridge) publishZone(z muse.Zone) {
	slug := topicSlug(z.ZoneID)
	b.mu.Lock()
	b.slugs[slug] = z.ZoneID
	b.mu.Unlock()

	payload, err := json.Marshal(stateFor(z))
	if err != nil {
		b.log.Error().Err(err).Str("zone_id", z.ZoneID).Msg("marshal zone state")
		return
	}
	b.publish(b.stateTopic(slug), payload, true)
}

// clearZone deletes the zone's retained state by publishing an empty payload.
func (b *Bridge) clearZone(zoneID string) {
	slug := topicSlug(zoneID)
	b.mu.Lock()
	delete(b.slugs, slug)
	b.mu.Unlock()
	b.publish(b.stateTopic(slug), nil, true)
}

// clearSource drops every retained topic belonging to one adapter, mirroring
// the aggregator's flush on adapter disconnect.
func (b *Bridge) clearSource(source string) {
	b.mu.Lock()
	var cleared []string
	for slug, zoneID := range b.slugs {
		if strings.HasPrefix(zoneID, source+":") {
			cleared = append(cleared, slug)
			delete(b.slugs, slug)
		}
	}
	b.mu.Unlock()

	for _, slug := range cleared {
		b.publish(b.stateTopic(slug), nil, true)
	}
}

func (b *Bridge) stateTopic(slug string) string {
	return b.prefix + "/zones/" + slug + "/state"
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.conn.Publish(topic, 0, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		b.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
		return
	}
	metrics.MQTTPublished.Inc()
}

// commandPayload is the zones/<slug>/set document.
type commandPayload struct {
	Action string   `json:"action"`
	Value  *float64 `json:"value"`
}

func (b *Bridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[1] != "zones" {
		return
	}
	zoneID, ok := b.zoneFor(parts[2])
	if !ok {
		b.log.Debug().Str("topic", topic).Msg("command for unknown zone")
		return
	}

	var action string
	var value *float64
	switch {
	case len(parts) == 4 && parts[3] == "set":
		var cmd commandPayload
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil || cmd.Action == "" {
			b.log.Warn().Str("topic", topic).Msg("ignoring malformed command payload")
			return
		}
		action, value = cmd.Action, cmd.Value
	case len(parts) == 5 && parts[3] == "volume" && parts[4] == "set":
		v, err := strconv.ParseFloat(strings.TrimSpace(string(msg.Payload())), 64)
		if err != nil {
			b.log.Warn().Str("topic", topic).Msg("ignoring malformed volume payload")
			return
		}
		action, value = adapter.ActionVolumeSet, &v
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if _, _, err := b.sink.Control(ctx, zoneID, action, value); err != nil {
		b.log.Warn().Err(err).Str("zone_id", zoneID).Str("action", action).Msg("mqtt command failed")
		return
	}
	b.log.Debug().Str("zone_id", zoneID).Str("action", action).Msg("mqtt command dispatched")
}

func (b *Bridge) zoneFor(slug string) (string, bool) {
	b.mu.Lock()
	zoneID, ok := b.slugs[slug]
	b.mu.Unlock()
	if ok {
		return zoneID, true
	}
	// Commands can arrive before the zone's first state publish fills the
	// slug map, so fall back to scanning the source.
	for _, z := range b.zones.Zones() {
		if topicSlug(z.ZoneID) == slug {
			return z.ZoneID, true
		}
	}
	return "", false
}

// IsConnected reports whether the broker connection is up. The health
// endpoint surfaces this.
func (b *Bridge) IsConnected() bool { return b.connected.Load() }

// Close publishes the offline status and disconnects. The will only covers
// ungraceful drops, so a clean shutdown writes it explicitly.
func (b *Bridge) Close() {
	b.publish(b.prefix+"/bridge/status", []byte("offline"), true)
	b.connected.Store(false)
	b.conn.Disconnect(1000)
	b.log.Info().Msg("mqtt bridge closed")
}

// topicSlug flattens a zone id into a single topic level: lowercased, with
// anything outside [a-z0-9_-] replaced by '-'. "lms:aa:bb" becomes
// "lms-aa-bb".
func topicSlug(zoneID string) string {
	var sb strings.Builder
	sb.Grow(len(zoneID))
	for _, r := range strings.ToLower(zoneID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('-')
		}
	}
	return sb.String()
}
