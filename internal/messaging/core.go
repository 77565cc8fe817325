// Package messaging implements the messaging core: guild and channel
// CRUD, message posting with validation/authorization/rate limiting, and
// the append-and-broadcast path that ties the storage port to the fan-out
// hub. Grounded on the teacher's internal/api handler style (validation
// before storage, sentinel-error-to-HTTP-status mapping) generalized from
// Discord-shaped guild/channel/message resources down to the spec's
// narrower three-resource model.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/openguild/openguild/internal/canon"
	"github.com/openguild/openguild/internal/fanout"
	"github.com/openguild/openguild/internal/federation"
	"github.com/openguild/openguild/internal/models"
	"github.com/openguild/openguild/internal/storage"
)

const (
	maxNameCodepoints    = 64
	maxContentCodepoints = 4000

	ipRateCapacity     = 200
	ipRateCapacityTest = 5
	senderRateCapacity = 60
	senderRateCapacityTest = 3
	rateWindow = 60 * time.Second
)

// ValidationError is a boundary validation failure: empty/oversized name
// or content.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

// ErrSenderMismatch is returned when a message's declared sender does not
// match the authenticated caller.
var ErrSenderMismatch = fmt.Errorf("sender does not match authenticated caller")

// ErrRateLimited is returned by PostMessage when either the IP or sender
// window is exhausted.
var ErrRateLimited = fmt.Errorf("rate limited")

// PostedMessage is the response shape for a successful message post.
type PostedMessage struct {
	Sequence  int64
	EventID   string
	CreatedAt time.Time
}

// Core is the messaging core: it owns validation, authorization, rate
// limiting, and the append-and-broadcast path, and exposes channel_exists
// / recent_events for the socket session's replay-then-subscribe flow.
type Core struct {
	store      storage.Port
	hub        *fanout.Hub
	relay      *fanout.Relay // optional secondary mirror; nil if unconfigured
	serverName string
	logger     *slog.Logger

	ipLimiter     *RateLimiter
	senderLimiter *RateLimiter
}

// Options configures a Core.
type Options struct {
	ServerName string
	Logger     *slog.Logger
	Relay      *fanout.Relay
	// TestMode shrinks rate-limit capacities to the test-mode values the
	// spec calls out (5/60s per IP, 3/60s per sender) so integration
	// tests can exercise 429s without issuing hundreds of requests.
	TestMode bool
}

// New creates a Core backed by store and hub.
func New(store storage.Port, hub *fanout.Hub, opts Options) *Core {
	ipCap, senderCap := ipRateCapacity, senderRateCapacity
	if opts.TestMode {
		ipCap, senderCap = ipRateCapacityTest, senderRateCapacityTest
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		store:         store,
		hub:           hub,
		relay:         opts.Relay,
		serverName:    opts.ServerName,
		logger:        logger,
		ipLimiter:     NewRateLimiter(ipCap, rateWindow),
		senderLimiter: NewRateLimiter(senderCap, rateWindow),
	}
}

func validateName(field, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", &ValidationError{field, "must not be empty"}
	}
	if utf8.RuneCountInString(name) > maxNameCodepoints {
		return "", &ValidationError{field, fmt.Sprintf("must not exceed %d code points", maxNameCodepoints)}
	}
	return name, nil
}

// CreateGuild validates name and creates a guild.
func (c *Core) CreateGuild(ctx context.Context, name string) (*models.Guild, error) {
	name, err := validateName("name", name)
	if err != nil {
		return nil, err
	}
	return c.store.CreateGuild(ctx, name)
}

// ListGuilds returns all guilds ordered by creation time.
func (c *Core) ListGuilds(ctx context.Context) ([]*models.Guild, error) {
	return c.store.ListGuilds(ctx)
}

// CreateChannel validates name and creates a channel under guildID.
func (c *Core) CreateChannel(ctx context.Context, guildID, name string) (*models.Channel, error) {
	name, err := validateName("name", name)
	if err != nil {
		return nil, err
	}
	return c.store.CreateChannel(ctx, guildID, name)
}

// ListChannels returns all channels in guildID ordered by creation time.
func (c *Core) ListChannels(ctx context.Context, guildID string) ([]*models.Channel, error) {
	return c.store.ListChannels(ctx, guildID)
}

// ChannelExists reports whether channelID names a known channel.
func (c *Core) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	return c.store.ChannelExists(ctx, channelID)
}

// RecentEvents returns events for channelID per the since/limit contract;
// limit is clamped to [1, 200].
func (c *Core) RecentEvents(ctx context.Context, channelID string, since *int64, limit int) ([]*models.ChannelEvent, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	return c.store.RecentEvents(ctx, channelID, since, limit)
}

// PostMessage validates, authorizes, rate-limits, builds a canonical
// event, appends it via storage, and publishes it to the channel's
// broadcaster. callerUserID is the authenticated bearer claim's user id;
// declaredSender is the request body's (possibly empty) sender field.
func (c *Core) PostMessage(ctx context.Context, channelID, callerUserID, declaredSender, content, clientIP string) (*PostedMessage, error) {
	content, err := validateContent(content)
	if err != nil {
		return nil, err
	}

	sender := callerUserID
	if declaredSender != "" && declaredSender != callerUserID {
		return nil, ErrSenderMismatch
	}

	// Check both windows before committing either admission: per spec
	// §4.6, an IP-admitted request that the sender limiter then rejects
	// must not have consumed an IP-limiter admission. The IP limiter is
	// still evaluated first so an IP-level reject never even looks at
	// the sender window.
	ipK := ipKey(clientIP)
	if !c.ipLimiter.Check(ipK) {
		return nil, ErrRateLimited
	}
	if !c.senderLimiter.Check(sender) {
		return nil, ErrRateLimited
	}
	c.ipLimiter.Allow(ipK)
	c.senderLimiter.Allow(sender)

	body, _ := json.Marshal(map[string]string{"room_id": channelID, "body": content})
	event, err := canon.Build(c.serverName, channelID, "message", sender, body, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("building canonical event: %w", err)
	}
	serialized, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("serializing canonical event: %w", err)
	}

	ce, err := c.store.AppendEvent(ctx, channelID, event.EventID, event.EventType, serialized)
	if err != nil {
		return nil, err
	}

	c.broadcast(fanout.OutboundEvent{Sequence: ce.Sequence, ChannelID: channelID, Event: serialized})

	return &PostedMessage{Sequence: ce.Sequence, EventID: ce.EventID, CreatedAt: ce.CreatedAt}, nil
}

// IngestEvent admits one federation-accepted event into storage and
// broadcasts it, the same way a locally posted message is. Duplicate
// event ids are surfaced as storage.ErrDuplicateEvent; an event whose
// room_id does not parse is surfaced as ErrInvalidRoomID.
var ErrInvalidRoomID = fmt.Errorf("invalid room id")

func (c *Core) IngestEvent(ctx context.Context, e *canon.Event) (*models.ChannelEvent, error) {
	roomID, ok := federation.RoomIDFromEvent(e)
	if !ok {
		return nil, ErrInvalidRoomID
	}
	if _, err := uuid.Parse(roomID); err != nil {
		return nil, ErrInvalidRoomID
	}

	serialized, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("serializing canonical event: %w", err)
	}

	ce, err := c.store.AppendEvent(ctx, roomID, e.EventID, e.EventType, serialized)
	if err != nil {
		return nil, err
	}

	c.broadcast(fanout.OutboundEvent{Sequence: ce.Sequence, ChannelID: roomID, Event: serialized})
	return ce, nil
}

// broadcast publishes to the hub and, if configured, mirrors to the
// relay. Publishing never fails the write: a lack of subscribers or a
// full ring is expected steady-state behavior, not an error.
func (c *Core) broadcast(e fanout.OutboundEvent) {
	c.hub.Publish(e)
	if c.relay != nil {
		c.relay.Mirror(e)
	}
}

// SenderRateStatus reports the sender rate limiter's current window state
// for sender, so the HTTP shell can populate X-RateLimit-* headers
// without consuming an admission.
func (c *Core) SenderRateStatus(sender string) (limit, remaining int, resetAt time.Time) {
	return c.senderLimiter.Status(sender)
}

// Subscribe attaches a new fan-out subscription for channelID, used by
// the socket session after it has replayed recent history.
func (c *Core) Subscribe(channelID string) *fanout.Subscription {
	return c.hub.Subscribe(channelID)
}

func validateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", &ValidationError{"content", "must not be empty"}
	}
	if utf8.RuneCountInString(content) > maxContentCodepoints {
		return "", &ValidationError{"content", fmt.Sprintf("must not exceed %d code points", maxContentCodepoints)}
	}
	return content, nil
}

func ipKey(ip string) string {
	first := strings.TrimSpace(strings.SplitN(ip, ",", 2)[0])
	if first == "" {
		return "unknown"
	}
	return first
}
