package storage

import (
	"context"
	"testing"
	"time"

	"github.com/openguild/openguild/internal/models"
)

func TestMemoryAppendEventAssignsMonotonicSequence(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	g, _ := m.CreateGuild(ctx, "g")
	c, _ := m.CreateChannel(ctx, g.GuildID, "c")

	var last int64
	for i := 0; i < 5; i++ {
		ce, err := m.AppendEvent(ctx, c.ChannelID, uuidLike(i), "m", []byte("{}"))
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
		if ce.Sequence <= last {
			t.Fatalf("sequence not increasing: %d after %d", ce.Sequence, last)
		}
		last = ce.Sequence
	}
}

func TestMemoryAppendEventUnknownChannel(t *testing.T) {
	m := NewMemory()
	_, err := m.AppendEvent(context.Background(), "does-not-exist", "$a", "m", []byte("{}"))
	if err != ErrChannelNotFound {
		t.Errorf("err = %v, want ErrChannelNotFound", err)
	}
}

func TestMemoryAppendEventDuplicate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	g, _ := m.CreateGuild(ctx, "g")
	c, _ := m.CreateChannel(ctx, g.GuildID, "c")

	if _, err := m.AppendEvent(ctx, c.ChannelID, "$dup", "m", []byte("{}")); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if _, err := m.AppendEvent(ctx, c.ChannelID, "$dup", "m", []byte("{}")); err != ErrDuplicateEvent {
		t.Errorf("second append err = %v, want ErrDuplicateEvent", err)
	}
}

func TestMemoryRecentEventsLatestWhenSinceNil(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	g, _ := m.CreateGuild(ctx, "g")
	c, _ := m.CreateChannel(ctx, g.GuildID, "c")

	for i := 0; i < 10; i++ {
		if _, err := m.AppendEvent(ctx, c.ChannelID, uuidLike(i), "m", []byte("{}")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	out, err := m.RecentEvents(ctx, c.ChannelID, nil, 3)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i].Sequence <= out[i-1].Sequence {
			t.Fatal("RecentEvents must return ascending sequence")
		}
	}
	if out[len(out)-1].EventID != uuidLike(9) {
		t.Errorf("last event = %q, want the most recently appended", out[len(out)-1].EventID)
	}
}

func TestMemoryRecentEventsSince(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	g, _ := m.CreateGuild(ctx, "g")
	c, _ := m.CreateChannel(ctx, g.GuildID, "c")

	var seqs []int64
	for i := 0; i < 5; i++ {
		ce, _ := m.AppendEvent(ctx, c.ChannelID, uuidLike(i), "m", []byte("{}"))
		seqs = append(seqs, ce.Sequence)
	}

	since := seqs[1]
	out, err := m.RecentEvents(ctx, c.ChannelID, &since, 200)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
	for _, e := range out {
		if e.Sequence <= since {
			t.Fatalf("event with sequence %d should have been excluded (since=%d)", e.Sequence, since)
		}
	}
}

func TestMemoryRefreshTokenRotationInvariant(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	u, _ := m.CreateUser(ctx, "alice", "hash")

	t1 := newTestRefreshToken("r1", u.UserID, "s1", "device-1")
	if err := m.UpsertRefreshToken(ctx, &t1); err != nil {
		t.Fatalf("upsert 1: %v", err)
	}

	t2 := newTestRefreshToken("r2", u.UserID, "s2", "device-1")
	if err := m.UpsertRefreshToken(ctx, &t2); err != nil {
		t.Fatalf("upsert 2: %v", err)
	}

	old, err := m.FindRefreshToken(ctx, "r1")
	if err != nil {
		t.Fatalf("FindRefreshToken(r1): %v", err)
	}
	if old.Live(time.Now()) {
		t.Error("superseded refresh token must not be live")
	}

	fresh, err := m.FindRefreshToken(ctx, "r2")
	if err != nil {
		t.Fatalf("FindRefreshToken(r2): %v", err)
	}
	if !fresh.Live(time.Now()) {
		t.Error("newly upserted refresh token must be live")
	}
}

func TestMemoryRevokeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	u, _ := m.CreateUser(ctx, "bob", "hash")
	tok := newTestRefreshToken("r1", u.UserID, "s1", "device-1")
	if err := m.UpsertRefreshToken(ctx, &tok); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	ok1, err := m.RevokeRefreshToken(ctx, "r1", time.Now())
	if err != nil || !ok1 {
		t.Fatalf("first revoke: ok=%v err=%v", ok1, err)
	}
	ok2, err := m.RevokeRefreshToken(ctx, "r1", time.Now())
	if err != nil || !ok2 {
		t.Fatalf("second revoke: ok=%v err=%v", ok2, err)
	}

	ok3, err := m.RevokeRefreshToken(ctx, "does-not-exist", time.Now())
	if err != nil || ok3 {
		t.Fatalf("revoke of unknown token: ok=%v err=%v", ok3, err)
	}
}

func uuidLike(i int) string {
	return "$event-" + string(rune('a'+i))
}

func newTestRefreshToken(refreshID, userID, sessionID, deviceID string) models.RefreshToken {
	now := time.Now()
	return models.RefreshToken{
		RefreshID:  refreshID,
		UserID:     userID,
		SessionID:  sessionID,
		DeviceID:   deviceID,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(30 * 24 * time.Hour),
	}
}
