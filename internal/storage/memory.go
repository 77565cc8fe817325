package storage

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openguild/openguild/internal/models"
)

// Memory is an in-memory Port implementation for tests. Per §9 of the
// spec, sequence numbers come from a single atomic counter shared across
// all channels: they are globally unique here (stronger than the contract
// requires) but still satisfy the per-channel-monotonic invariant the SQL
// implementation also provides. Each logical table is guarded by its own
// lock, mirroring the teacher's in-memory test double style (a mutex per
// map rather than one global lock) for the same reason: independent tables
// should not serialize unrelated operations.
type Memory struct {
	seq int64 // atomic; next sequence, shared across channels

	guildsMu sync.RWMutex
	guilds   []*models.Guild

	channelsMu sync.RWMutex
	channels   map[string]*models.Channel // channel_id -> channel

	eventsMu sync.RWMutex
	events   map[string][]*models.ChannelEvent // channel_id -> append-ordered log
	eventIDs map[string]map[string]bool        // channel_id -> event_id -> seen

	usersMu     sync.RWMutex
	usersByID   map[string]*models.User
	usersByName map[string]string // username -> user_id

	sessionsMu sync.RWMutex
	sessions   map[string]*models.Session

	refreshMu   sync.RWMutex
	refresh     map[string]*models.RefreshToken   // refresh_id -> token
	liveByDevice map[string]string                // user_id+"/"+device_id -> refresh_id
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		channels:     make(map[string]*models.Channel),
		events:       make(map[string][]*models.ChannelEvent),
		eventIDs:     make(map[string]map[string]bool),
		usersByID:    make(map[string]*models.User),
		usersByName:  make(map[string]string),
		sessions:     make(map[string]*models.Session),
		refresh:      make(map[string]*models.RefreshToken),
		liveByDevice: make(map[string]string),
	}
}

func (m *Memory) CreateGuild(_ context.Context, name string) (*models.Guild, error) {
	g := &models.Guild{GuildID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}
	m.guildsMu.Lock()
	m.guilds = append(m.guilds, g)
	m.guildsMu.Unlock()
	return g, nil
}

func (m *Memory) ListGuilds(_ context.Context) ([]*models.Guild, error) {
	m.guildsMu.RLock()
	defer m.guildsMu.RUnlock()
	out := make([]*models.Guild, len(m.guilds))
	copy(out, m.guilds)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) guildExists(guildID string) bool {
	m.guildsMu.RLock()
	defer m.guildsMu.RUnlock()
	for _, g := range m.guilds {
		if g.GuildID == guildID {
			return true
		}
	}
	return false
}

func (m *Memory) CreateChannel(_ context.Context, guildID, name string) (*models.Channel, error) {
	if !m.guildExists(guildID) {
		return nil, ErrGuildNotFound
	}
	c := &models.Channel{
		ChannelID: uuid.NewString(),
		GuildID:   guildID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	m.channelsMu.Lock()
	m.channels[c.ChannelID] = c
	m.channelsMu.Unlock()

	m.eventsMu.Lock()
	m.events[c.ChannelID] = nil
	m.eventIDs[c.ChannelID] = make(map[string]bool)
	m.eventsMu.Unlock()
	return c, nil
}

func (m *Memory) ListChannels(_ context.Context, guildID string) ([]*models.Channel, error) {
	m.channelsMu.RLock()
	defer m.channelsMu.RUnlock()
	var out []*models.Channel
	for _, c := range m.channels {
		if c.GuildID == guildID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ChannelExists(_ context.Context, channelID string) (bool, error) {
	m.channelsMu.RLock()
	defer m.channelsMu.RUnlock()
	_, ok := m.channels[channelID]
	return ok, nil
}

func (m *Memory) AppendEvent(_ context.Context, channelID, eventID, eventType string, body []byte) (*models.ChannelEvent, error) {
	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()

	if _, ok := m.events[channelID]; !ok {
		return nil, ErrChannelNotFound
	}
	if m.eventIDs[channelID][eventID] {
		return nil, ErrDuplicateEvent
	}

	seq := atomic.AddInt64(&m.seq, 1)
	ce := &models.ChannelEvent{
		Sequence:  seq,
		ChannelID: channelID,
		EventID:   eventID,
		EventType: eventType,
		Body:      append([]byte(nil), body...),
		CreatedAt: time.Now().UTC(),
	}
	m.events[channelID] = append(m.events[channelID], ce)
	m.eventIDs[channelID][eventID] = true
	return ce, nil
}

func (m *Memory) RecentEvents(_ context.Context, channelID string, sinceSequence *int64, limit int) ([]*models.ChannelEvent, error) {
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()

	log, ok := m.events[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}

	if sinceSequence != nil {
		var out []*models.ChannelEvent
		for _, e := range log {
			if e.Sequence > *sinceSequence {
				out = append(out, e)
				if len(out) == limit {
					break
				}
			}
		}
		return out, nil
	}

	start := len(log) - limit
	if start < 0 {
		start = 0
	}
	out := make([]*models.ChannelEvent, len(log)-start)
	copy(out, log[start:])
	return out, nil
}

func (m *Memory) CreateUser(_ context.Context, username, passwordHash string) (*models.User, error) {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()
	if _, exists := m.usersByName[username]; exists {
		return nil, ErrUsernameTaken
	}
	u := &models.User{UserID: uuid.NewString(), Username: username, PasswordHash: passwordHash}
	m.usersByID[u.UserID] = u
	m.usersByName[username] = u.UserID
	return u, nil
}

func (m *Memory) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	m.usersMu.RLock()
	defer m.usersMu.RUnlock()
	id, ok := m.usersByName[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return m.usersByID[id], nil
}

func (m *Memory) GetUserByID(_ context.Context, userID string) (*models.User, error) {
	m.usersMu.RLock()
	defer m.usersMu.RUnlock()
	u, ok := m.usersByID[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (m *Memory) PutSession(_ context.Context, s *models.Session) error {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	cp := *s
	m.sessions[s.SessionID] = &cp
	return nil
}

func (m *Memory) UpsertRefreshToken(_ context.Context, tok *models.RefreshToken) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	key := tok.UserID + "/" + tok.DeviceID
	if priorID, ok := m.liveByDevice[key]; ok {
		if prior, ok := m.refresh[priorID]; ok {
			now := tok.CreatedAt
			prior.RevokedAt = &now
		}
	}
	cp := *tok
	m.refresh[tok.RefreshID] = &cp
	m.liveByDevice[key] = tok.RefreshID
	return nil
}

func (m *Memory) TouchRefreshToken(_ context.Context, refreshID string, now time.Time) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	tok, ok := m.refresh[refreshID]
	if !ok {
		return ErrRefreshNotFound
	}
	tok.LastUsedAt = now
	return nil
}

func (m *Memory) RevokeRefreshToken(_ context.Context, refreshID string, now time.Time) (bool, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	tok, ok := m.refresh[refreshID]
	if !ok {
		return false, nil
	}
	if tok.RevokedAt == nil {
		tok.RevokedAt = &now
	}
	return true, nil
}

func (m *Memory) FindRefreshToken(_ context.Context, refreshID string) (*models.RefreshToken, error) {
	m.refreshMu.RLock()
	defer m.refreshMu.RUnlock()
	tok, ok := m.refresh[refreshID]
	if !ok {
		return nil, ErrRefreshNotFound
	}
	cp := *tok
	return &cp, nil
}

var _ Port = (*Memory)(nil)
