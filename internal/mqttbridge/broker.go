package mqttbridge

import (
	"io"
	"log/slog"
	"net"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/rs/zerolog"
)

// Broker is the embedded MQTT broker, used when no external broker URL is
// configured. Auth is wide open: it serves the same trusted LAN the rest of
// the bridge does.
type Broker struct {
	server *mochi.Server
	log    zerolog.Logger
	addr   string
}

// NewBroker binds the TCP listener; a port already in use fails here, not in
// Start.
func NewBroker(listen string, log zerolog.Logger) (*Broker, error) {
	server := mochi.New(nil)
	// mochi logs through slog; lifecycle logging happens here instead.
	server.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, err
	}
	if err := server.AddListener(listeners.NewTCP(listeners.Config{ID: "tcp", Address: listen})); err != nil {
		return nil, err
	}
	return &Broker{
		server: server,
		log:    log.With().Str("component", "mqtt-broker").Logger(),
		addr:   listen,
	}, nil
}

// Start begins serving clients. It returns once the accept loops are up.
func (b *Broker) Start() error {
	if err := b.server.Serve(); err != nil {
		return err
	}
	b.log.Info().Str("listen", b.addr).Msg("embedded mqtt broker up")
	return nil
}

func (b *Broker) Close() {
	if err := b.server.Close(); err != nil {
		b.log.Warn().Err(err).Msg("embedded mqtt broker close")
	}
	b.log.Info().Msg("embedded mqtt broker stopped")
}

// ClientURL turns a broker listen address into one the in-process client can
// dial. ":1883" binds every interface but is not itself dialable, so wildcard
// hosts become loopback.
func ClientURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "tcp://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "tcp://" + net.JoinHostPort(host, port)
}
