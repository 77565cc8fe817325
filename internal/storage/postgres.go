package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openguild/openguild/internal/models"
)

//go:embed migrations
var migrationsFS embed.FS

const pgUniqueViolation = "23505"

// Postgres is the production Port implementation, backed by pgx and the
// relational schema from §6 of the spec. Grounded on the teacher's
// internal/database/database.go for pool setup/migrations and
// internal/federation/guild.go for query idiom (QueryRow + pgx.ErrNoRows
// mapping, Exec + CommandTag checks).
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pgx connection pool against databaseURL.
func NewPostgres(ctx context.Context, databaseURL string, maxConns int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() { p.pool.Close() }

// MigrateUp applies all pending migrations from the embedded schema.
func MigrateUp(databaseURL string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func (p *Postgres) CreateGuild(ctx context.Context, name string) (*models.Guild, error) {
	g := &models.Guild{GuildID: uuid.NewString(), Name: name}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO guilds (guild_id, name, created_at) VALUES ($1, $2, now())
		 RETURNING created_at`,
		g.GuildID, g.Name,
	).Scan(&g.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting guild: %w", err)
	}
	return g, nil
}

func (p *Postgres) ListGuilds(ctx context.Context) ([]*models.Guild, error) {
	rows, err := p.pool.Query(ctx, `SELECT guild_id, name, created_at FROM guilds ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing guilds: %w", err)
	}
	defer rows.Close()

	var out []*models.Guild
	for rows.Next() {
		g := &models.Guild{}
		if err := rows.Scan(&g.GuildID, &g.Name, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning guild: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateChannel(ctx context.Context, guildID, name string) (*models.Channel, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM guilds WHERE guild_id = $1)`, guildID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking guild existence: %w", err)
	}
	if !exists {
		return nil, ErrGuildNotFound
	}

	c := &models.Channel{ChannelID: uuid.NewString(), GuildID: guildID, Name: name}
	if err := tx.QueryRow(ctx,
		`INSERT INTO channels (channel_id, guild_id, name, created_at) VALUES ($1, $2, $3, now())
		 RETURNING created_at`,
		c.ChannelID, c.GuildID, c.Name,
	).Scan(&c.CreatedAt); err != nil {
		return nil, fmt.Errorf("inserting channel: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO channel_seq_counters (channel_id, next_seq) VALUES ($1, 0)`, c.ChannelID,
	); err != nil {
		return nil, fmt.Errorf("seeding sequence counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing channel creation: %w", err)
	}
	return c, nil
}

func (p *Postgres) ListChannels(ctx context.Context, guildID string) ([]*models.Channel, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT channel_id, guild_id, name, created_at FROM channels WHERE guild_id = $1 ORDER BY created_at ASC`,
		guildID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	defer rows.Close()

	var out []*models.Channel
	for rows.Next() {
		c := &models.Channel{}
		if err := rows.Scan(&c.ChannelID, &c.GuildID, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM channels WHERE channel_id = $1)`, channelID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking channel existence: %w", err)
	}
	return exists, nil
}

// AppendEvent assigns the next sequence via a single atomic
// UPDATE-then-INSERT statement: the counter row for channelID is
// incremented and the resulting value used directly as the new event's
// sequence, so no caller-visible race window exists between allocating a
// sequence and persisting the event it belongs to.
func (p *Postgres) AppendEvent(ctx context.Context, channelID, eventID, eventType string, body []byte) (*models.ChannelEvent, error) {
	ce := &models.ChannelEvent{ChannelID: channelID, EventID: eventID, EventType: eventType, Body: body}
	err := p.pool.QueryRow(ctx,
		`WITH next AS (
			UPDATE channel_seq_counters SET next_seq = next_seq + 1
			WHERE channel_id = $1
			RETURNING next_seq
		 )
		 INSERT INTO channel_events (channel_id, event_id, event_type, body, sequence, created_at)
		 SELECT $1, $2, $3, $4, next.next_seq, now() FROM next
		 RETURNING sequence, created_at`,
		channelID, eventID, eventType, body,
	).Scan(&ce.Sequence, &ce.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChannelNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrDuplicateEvent
		}
		return nil, fmt.Errorf("appending event: %w", err)
	}
	return ce, nil
}

func (p *Postgres) RecentEvents(ctx context.Context, channelID string, sinceSequence *int64, limit int) ([]*models.ChannelEvent, error) {
	exists, err := p.ChannelExists(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrChannelNotFound
	}

	var rows pgx.Rows
	if sinceSequence != nil {
		rows, err = p.pool.Query(ctx,
			`SELECT sequence, channel_id, event_id, event_type, body, created_at
			 FROM channel_events WHERE channel_id = $1 AND sequence > $2
			 ORDER BY sequence ASC LIMIT $3`,
			channelID, *sinceSequence, limit,
		)
	} else {
		rows, err = p.pool.Query(ctx,
			`SELECT sequence, channel_id, event_id, event_type, body, created_at FROM (
				SELECT sequence, channel_id, event_id, event_type, body, created_at
				FROM channel_events WHERE channel_id = $1
				ORDER BY sequence DESC LIMIT $2
			 ) latest ORDER BY sequence ASC`,
			channelID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("querying recent events: %w", err)
	}
	defer rows.Close()

	var out []*models.ChannelEvent
	for rows.Next() {
		ce := &models.ChannelEvent{}
		if err := rows.Scan(&ce.Sequence, &ce.ChannelID, &ce.EventID, &ce.EventType, &ce.Body, &ce.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning channel event: %w", err)
		}
		out = append(out, ce)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	u := &models.User{UserID: uuid.NewString(), Username: username, PasswordHash: passwordHash}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO users (user_id, username, password_hash) VALUES ($1, $2, $3)`,
		u.UserID, u.Username, u.PasswordHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("inserting user: %w", err)
	}
	return u, nil
}

func (p *Postgres) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	u := &models.User{Username: username}
	err := p.pool.QueryRow(ctx,
		`SELECT user_id, password_hash FROM users WHERE username = $1`, username,
	).Scan(&u.UserID, &u.PasswordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

func (p *Postgres) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	u := &models.User{UserID: userID}
	err := p.pool.QueryRow(ctx,
		`SELECT username, password_hash FROM users WHERE user_id = $1`, userID,
	).Scan(&u.Username, &u.PasswordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

func (p *Postgres) PutSession(ctx context.Context, s *models.Session) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sessions (session_id, user_id, issued_at, expires_at) VALUES ($1, $2, $3, $4)`,
		s.SessionID, s.UserID, s.IssuedAt, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// UpsertRefreshToken supersedes any prior live row for (user_id, device_id)
// and inserts tok, within one transaction so the pair never has two live
// rows even under concurrent refreshes from the same device.
func (p *Postgres) UpsertRefreshToken(ctx context.Context, tok *models.RefreshToken) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE refresh_sessions SET revoked_at = $3
		 WHERE user_id = $1 AND device_id = $2 AND revoked_at IS NULL`,
		tok.UserID, tok.DeviceID, tok.CreatedAt,
	); err != nil {
		return fmt.Errorf("superseding prior refresh token: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO refresh_sessions
		 (refresh_id, user_id, session_id, device_id, device_name, user_agent, ip_address, created_at, last_used_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9)`,
		tok.RefreshID, tok.UserID, tok.SessionID, tok.DeviceID, tok.DeviceName, tok.UserAgent, tok.IPAddress,
		tok.CreatedAt, tok.ExpiresAt,
	); err != nil {
		return fmt.Errorf("inserting refresh token: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *Postgres) TouchRefreshToken(ctx context.Context, refreshID string, now time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE refresh_sessions SET last_used_at = $2 WHERE refresh_id = $1`, refreshID, now,
	)
	if err != nil {
		return fmt.Errorf("touching refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRefreshNotFound
	}
	return nil
}

func (p *Postgres) RevokeRefreshToken(ctx context.Context, refreshID string, now time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE refresh_sessions SET revoked_at = $2 WHERE refresh_id = $1 AND revoked_at IS NULL`,
		refreshID, now,
	)
	if err != nil {
		return false, fmt.Errorf("revoking refresh token: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM refresh_sessions WHERE refresh_id = $1)`, refreshID).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking refresh token existence: %w", err)
	}
	return exists, nil
}

func (p *Postgres) FindRefreshToken(ctx context.Context, refreshID string) (*models.RefreshToken, error) {
	tok := &models.RefreshToken{RefreshID: refreshID}
	err := p.pool.QueryRow(ctx,
		`SELECT user_id, session_id, device_id, device_name, user_agent, ip_address,
		        created_at, last_used_at, expires_at, revoked_at
		 FROM refresh_sessions WHERE refresh_id = $1`,
		refreshID,
	).Scan(&tok.UserID, &tok.SessionID, &tok.DeviceID, &tok.DeviceName, &tok.UserAgent, &tok.IPAddress,
		&tok.CreatedAt, &tok.LastUsedAt, &tok.ExpiresAt, &tok.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRefreshNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying refresh token: %w", err)
	}
	return tok, nil
}

var _ Port = (*Postgres)(nil)
