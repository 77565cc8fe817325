// Package session implements the session authority: login against the user
// store with Argon2id, signed access tokens backed by a key ring, and
// refresh-token issuance/rotation/revocation bound to a device identity.
// Grounded on the teacher's internal/auth package shape (middleware.go's
// bearer extraction, auth_test.go's validation expectations) — this is the
// Service the teacher left as a "Phase 2" stub.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"

	"github.com/openguild/openguild/internal/keyring"
	"github.com/openguild/openguild/internal/models"
	"github.com/openguild/openguild/internal/storage"
)

const (
	accessTokenLifetime  = 12 * time.Hour
	refreshTokenLifetime = 30 * 24 * time.Hour
)

// nowFunc is overridable in tests to make expiry deterministic.
var nowFunc = time.Now

// Device identifies the client presenting a login or refresh request.
type Device struct {
	DeviceID   string
	DeviceName *string
	UserAgent  *string
	IPAddress  *string
}

// Tokens is the pair of credentials returned by Login and Refresh.
type Tokens struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// ValidationError is a boundary validation failure, surfaced by the HTTP
// shell as 400 {"error":"validation_error","details":[...]}.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

// identityRegistrar admits a newly created user as a valid MLS key
// rotation target. Satisfied by *mls.Registry; kept as a narrow interface
// here so session never imports the mls package's full surface.
type identityRegistrar interface {
	RegisterIdentity(identity string)
}

// Authority is the session authority: it authenticates logins, mints and
// verifies access tokens, and rotates/revokes refresh tokens.
type Authority struct {
	store    storage.Port
	keyRing  *keyring.KeyRing
	identity identityRegistrar // optional; nil disables MLS identity admission
}

// New creates a session Authority.
func New(store storage.Port, keyRing *keyring.KeyRing) *Authority {
	return &Authority{store: store, keyRing: keyRing}
}

// WithIdentityRegistrar attaches an MLS identity registrar so that
// Register also admits the new user as a key-rotation target.
func (a *Authority) WithIdentityRegistrar(r identityRegistrar) *Authority {
	a.identity = r
	return a
}

// RegisteredUser is the response shape for a successful registration.
type RegisteredUser struct {
	UserID   string
	Username string
}

const minPasswordLength = 8

// Register validates username/password, hashes the password with
// Argon2id, and persists a new user. Returns storage.ErrUsernameTaken on
// a duplicate username.
func (a *Authority) Register(ctx context.Context, username, password string) (*RegisteredUser, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, &ValidationError{"username", "must not be empty"}
	}
	if len(password) < minPasswordLength {
		return nil, &ValidationError{"password", fmt.Sprintf("must be at least %d characters", minPasswordLength)}
	}

	hash, err := argon2id.CreateHash(password, argon2id.DefaultParams)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user, err := a.store.CreateUser(ctx, username, hash)
	if err != nil {
		return nil, err
	}
	if a.identity != nil {
		a.identity.RegisterIdentity(user.UserID)
	}
	return &RegisteredUser{UserID: user.UserID, Username: user.Username}, nil
}

// Login authenticates identifier/secret against the user store and, on
// success, mints a session and a refresh token for the given device. It
// returns (nil, nil) on authentication failure — the HTTP shell maps that
// to 401 — and a *ValidationError for boundary problems.
func (a *Authority) Login(ctx context.Context, identifier, secret string, device Device) (*Tokens, error) {
	if identifier == "" {
		return nil, &ValidationError{"identifier", "must not be empty"}
	}
	if secret == "" {
		return nil, &ValidationError{"secret", "must not be empty"}
	}
	if device.DeviceID == "" {
		return nil, &ValidationError{"device.device_id", "must not be empty"}
	}

	user, err := a.store.GetUserByUsername(ctx, identifier)
	if err != nil {
		if err == storage.ErrUserNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	match, err := argon2id.ComparePasswordAndHash(secret, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("comparing password hash: %w", err)
	}
	if !match {
		return nil, nil
	}

	return a.issueTokens(ctx, user.UserID, device)
}

// Refresh decodes and looks up the presented refresh token. A missing,
// revoked, or expired token yields (nil, nil). On success it touches
// last_used_at and atomically supersedes the old refresh row with a fresh
// session and refresh token for the same device.
func (a *Authority) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	refreshID, ok := decodeRefreshID(refreshToken)
	if !ok {
		return nil, nil
	}

	tok, err := a.store.FindRefreshToken(ctx, refreshID)
	if err != nil {
		if err == storage.ErrRefreshNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("looking up refresh token: %w", err)
	}

	now := nowFunc()
	if !tok.Live(now) {
		return nil, nil
	}

	if err := a.store.TouchRefreshToken(ctx, refreshID, now); err != nil {
		return nil, fmt.Errorf("touching refresh token: %w", err)
	}

	device := Device{
		DeviceID:   tok.DeviceID,
		DeviceName: tok.DeviceName,
		UserAgent:  tok.UserAgent,
		IPAddress:  tok.IPAddress,
	}
	return a.issueTokens(ctx, tok.UserID, device)
}

// Revoke decodes the refresh token and marks it revoked. It returns false
// only if the token does not exist; revoking an already-revoked token
// still returns true (idempotent).
func (a *Authority) Revoke(ctx context.Context, refreshToken string) (bool, error) {
	if refreshToken == "" {
		return false, &ValidationError{"refresh_token", "must not be empty"}
	}
	refreshID, ok := decodeRefreshID(refreshToken)
	if !ok {
		return false, nil
	}
	ok, err := a.store.RevokeRefreshToken(ctx, refreshID, nowFunc())
	if err != nil {
		return false, fmt.Errorf("revoking refresh token: %w", err)
	}
	return ok, nil
}

// VerifyAccessToken splits, decodes, and verifies an access token's
// signature via the key ring, then checks expiry. It returns (nil, nil)
// for any malformed or unverifiable token or an expired one — never an
// internal error for client-supplied garbage (spec §9: deviations must
// produce authentication failure, never internal error).
func (a *Authority) VerifyAccessToken(token string) (*models.AccessClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, nil
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil || len(sig) != 64 {
		return nil, nil
	}

	if err := a.keyRing.Verify(payload, sig); err != nil {
		return nil, nil
	}

	var claims models.AccessClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, nil
	}
	if !claims.ExpiresAt.After(nowFunc()) {
		return nil, nil
	}
	return &claims, nil
}

func (a *Authority) issueTokens(ctx context.Context, userID string, device Device) (*Tokens, error) {
	now := nowFunc()

	sess := &models.Session{
		SessionID: uuid.NewString(),
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(accessTokenLifetime),
	}
	if err := a.store.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	accessToken, err := a.signAccessToken(sess)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	refreshIDBytes := uuid.New()
	refreshRecord := &models.RefreshToken{
		RefreshID:  refreshIDBytes.String(),
		UserID:     userID,
		SessionID:  sess.SessionID,
		DeviceID:   device.DeviceID,
		DeviceName: device.DeviceName,
		UserAgent:  device.UserAgent,
		IPAddress:  device.IPAddress,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(refreshTokenLifetime),
	}
	if err := a.store.UpsertRefreshToken(ctx, refreshRecord); err != nil {
		return nil, fmt.Errorf("persisting refresh token: %w", err)
	}

	return &Tokens{
		AccessToken:      accessToken,
		AccessExpiresAt:  sess.ExpiresAt,
		RefreshToken:     encodeRefreshID(refreshIDBytes),
		RefreshExpiresAt: refreshRecord.ExpiresAt,
	}, nil
}

func (a *Authority) signAccessToken(sess *models.Session) (string, error) {
	claims := models.AccessClaims{
		SessionID: sess.SessionID,
		UserID:    sess.UserID,
		IssuedAt:  sess.IssuedAt,
		ExpiresAt: sess.ExpiresAt,
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	sig := a.keyRing.Sign(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func encodeRefreshID(id uuid.UUID) string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

func decodeRefreshID(token string) (string, bool) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(b) != 16 {
		return "", false
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return "", false
	}
	return id.String(), true
}
