package fanout

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// subjectPrefix namespaces every relayed subject so a shared NATS cluster
// can host more than one deployment without subject collisions.
const subjectPrefix = "openguild.fanout."

// Relay mirrors Hub publishes onto a NATS subject per channel. It is never
// the source of truth for delivery order or backpressure — the Hub is —
// it exists so a second process instance (or an external consumer such as
// a search indexer) can observe the same event stream. Grounded on the
// teacher's internal/events package connection setup (reconnect/error
// handler wiring), reduced from its many Discord-shaped subjects and
// JetStream persistence down to one best-effort fire-and-forget subject
// per channel, since the spec's ordering and backpressure guarantees are
// already fully owned by the in-process Hub.
type Relay struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewRelay connects to the NATS server at natsURL. Returns an error if the
// initial connection attempt fails; once connected, the client reconnects
// on its own.
func NewRelay(natsURL string, logger *slog.Logger) (*Relay, error) {
	opts := []nats.Option{
		nats.Name("openguild"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", natsURL, err)
	}
	return &Relay{conn: nc, logger: logger}, nil
}

// Mirror publishes e to the relay subject for its channel. Failures are
// logged, not returned: a relay outage must never affect the in-process
// Hub's delivery to live socket subscribers.
func (r *Relay) Mirror(e OutboundEvent) {
	body, err := json.Marshal(e)
	if err != nil {
		r.logger.Error("marshaling outbound event for relay", slog.String("error", err.Error()))
		return
	}
	if err := r.conn.Publish(subjectPrefix+e.ChannelID, body); err != nil {
		r.logger.Warn("nats publish failed", slog.String("channel_id", e.ChannelID), slog.String("error", err.Error()))
	}
}

// Close closes the underlying NATS connection without draining it.
func (r *Relay) Close() {
	r.conn.Close()
}
