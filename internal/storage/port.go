// Package storage defines the abstract persistence port the messaging core
// and session authority depend on, plus two implementations: an in-memory
// store for tests and a PostgreSQL store (internal/storage/postgres.go)
// backed by pgx and golang-migrate. Grounded on the teacher's
// internal/database/database.go for the pool/migration wiring, and on
// internal/federation/guild.go for pgx query idiom.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/openguild/openguild/internal/models"
)

// Sentinel errors returned by Port implementations. Callers map these to
// HTTP status codes; everything else is an internal error.
var (
	ErrGuildNotFound   = errors.New("guild not found")
	ErrChannelNotFound = errors.New("channel not found")
	ErrDuplicateEvent  = errors.New("duplicate event id")
	ErrUsernameTaken   = errors.New("username already taken")
	ErrUserNotFound    = errors.New("user not found")
	ErrRefreshNotFound = errors.New("refresh token not found")
)

// Port is the storage abstraction the messaging core and session authority
// depend on. An in-memory implementation (Memory) and a PostgreSQL
// implementation (Postgres) both satisfy it and must pass the same
// property tests.
type Port interface {
	CreateGuild(ctx context.Context, name string) (*models.Guild, error)
	// ListGuilds returns guilds ordered by created_at ascending.
	ListGuilds(ctx context.Context) ([]*models.Guild, error)
	// CreateChannel returns ErrGuildNotFound if guildID does not exist.
	CreateChannel(ctx context.Context, guildID, name string) (*models.Channel, error)
	// ListChannels returns channels ordered by created_at ascending.
	ListChannels(ctx context.Context, guildID string) ([]*models.Channel, error)
	ChannelExists(ctx context.Context, channelID string) (bool, error)

	// AppendEvent assigns the next monotonic sequence for channelID and
	// stores the event atomically. Returns ErrChannelNotFound if the
	// channel does not exist, ErrDuplicateEvent if eventID was already
	// appended to this channel.
	AppendEvent(ctx context.Context, channelID, eventID, eventType string, body []byte) (*models.ChannelEvent, error)
	// RecentEvents returns events for channelID. If sinceSequence is
	// non-nil, it returns events with sequence strictly greater than
	// *sinceSequence, ascending, up to limit. If nil, it returns the
	// latest limit events, ascending. limit must already be clamped to
	// [1, 200] by the caller.
	RecentEvents(ctx context.Context, channelID string, sinceSequence *int64, limit int) ([]*models.ChannelEvent, error)

	// CreateUser returns ErrUsernameTaken on a duplicate username.
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, userID string) (*models.User, error)

	PutSession(ctx context.Context, s *models.Session) error
	// UpsertRefreshToken inserts tok, superseding (logically deleting) any
	// prior live refresh token for the same (user_id, device_id) pair so
	// that pair has exactly one live row afterward.
	UpsertRefreshToken(ctx context.Context, tok *models.RefreshToken) error
	TouchRefreshToken(ctx context.Context, refreshID string, now time.Time) error
	// RevokeRefreshToken sets revoked_at and returns true, or returns
	// false if refreshID does not exist. Idempotent: revoking an
	// already-revoked token still returns true without changing
	// revoked_at further.
	RevokeRefreshToken(ctx context.Context, refreshID string, now time.Time) (bool, error)
	FindRefreshToken(ctx context.Context, refreshID string) (*models.RefreshToken, error)
}
