// Package models holds the plain data types shared across the OpenGuild
// core: guilds, channels, stored channel events, sessions, refresh tokens,
// and trusted federation peers. Apart from RefreshToken.Live, none of these
// types carry behavior beyond JSON (de)serialization; the packages that own a given concern (canon,
// session, federation) hold the operations.
package models

import "time"

// Guild is a named container of channels.
type Guild struct {
	GuildID   string    `json:"guild_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel is a named ordered log of events belonging to a guild.
type Channel struct {
	ChannelID string    `json:"channel_id"`
	GuildID   string    `json:"guild_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ChannelEvent is a canonical event as stored in a channel's log, with the
// per-channel monotonic sequence assigned at append.
type ChannelEvent struct {
	Sequence  int64     `json:"sequence"`
	ChannelID string    `json:"channel_id"`
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Body      []byte    `json:"event"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is an issued session record backing an access token.
type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RefreshToken is a rotating refresh-token record bound to a device.
type RefreshToken struct {
	RefreshID  string     `json:"refresh_id"`
	UserID     string     `json:"user_id"`
	SessionID  string     `json:"session_id"`
	DeviceID   string     `json:"device_id"`
	DeviceName *string    `json:"device_name,omitempty"`
	UserAgent  *string    `json:"user_agent,omitempty"`
	IPAddress  *string    `json:"ip_address,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt time.Time  `json:"last_used_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Live reports whether the refresh token is neither revoked nor expired as
// of now.
func (r *RefreshToken) Live(now time.Time) bool {
	return r.RevokedAt == nil && r.ExpiresAt.After(now)
}

// TrustedPeer is a federation origin whose verifying key is configured.
type TrustedPeer struct {
	ServerName   string
	KeyID        string
	VerifyingKey []byte // 32-byte Ed25519 public key
}

// AccessClaims is the parsed payload of a verified access token.
type AccessClaims struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// User is the minimal account record the session authority authenticates
// against. Registration and profile fields live outside the core per the
// spec's scope; this is the slice the core needs.
type User struct {
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
}
