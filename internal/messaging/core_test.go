package messaging

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/openguild/openguild/internal/canon"
	"github.com/openguild/openguild/internal/fanout"
	"github.com/openguild/openguild/internal/storage"
)

func newTestCore(t *testing.T) (*Core, storage.Port) {
	t.Helper()
	store := storage.NewMemory()
	hub := fanout.NewHub()
	core := New(store, hub, Options{ServerName: "test.example", TestMode: true})
	return core, store
}

func TestCreateGuildValidation(t *testing.T) {
	core, _ := newTestCore(t)
	if _, err := core.CreateGuild(context.Background(), "   "); err == nil {
		t.Fatal("expected validation error for blank name")
	}
	if _, err := core.CreateGuild(context.Background(), strings.Repeat("a", 65)); err == nil {
		t.Fatal("expected validation error for oversized name")
	}
	g, err := core.CreateGuild(context.Background(), "  My Guild  ")
	if err != nil {
		t.Fatalf("CreateGuild: %v", err)
	}
	if g.Name != "My Guild" {
		t.Errorf("Name = %q, want trimmed", g.Name)
	}
}

func setupChannel(t *testing.T, core *Core) (guildID, channelID string) {
	t.Helper()
	g, err := core.CreateGuild(context.Background(), "g")
	if err != nil {
		t.Fatalf("CreateGuild: %v", err)
	}
	c, err := core.CreateChannel(context.Background(), g.GuildID, "c")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	return g.GuildID, c.ChannelID
}

func TestPostMessageHappyPath(t *testing.T) {
	core, _ := newTestCore(t)
	_, channelID := setupChannel(t, core)

	msg, err := core.PostMessage(context.Background(), channelID, "user-1", "", "hello world", "203.0.113.5")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if msg.Sequence == 0 || msg.EventID == "" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	events, err := core.RecentEvents(context.Background(), channelID, nil, 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
}

func TestPostMessageSenderMismatchForbidden(t *testing.T) {
	core, _ := newTestCore(t)
	_, channelID := setupChannel(t, core)

	_, err := core.PostMessage(context.Background(), channelID, "user-1", "user-2", "hi", "203.0.113.5")
	if err != ErrSenderMismatch {
		t.Fatalf("err = %v, want ErrSenderMismatch", err)
	}
}

func TestPostMessageContentValidation(t *testing.T) {
	core, _ := newTestCore(t)
	_, channelID := setupChannel(t, core)

	if _, err := core.PostMessage(context.Background(), channelID, "user-1", "", "   ", "203.0.113.5"); err == nil {
		t.Fatal("expected validation error for blank content")
	}
	if _, err := core.PostMessage(context.Background(), channelID, "user-1", "", strings.Repeat("x", 4001), "203.0.113.5"); err == nil {
		t.Fatal("expected validation error for oversized content")
	}
}

func TestPostMessageUnknownChannel(t *testing.T) {
	core, _ := newTestCore(t)
	_, err := core.PostMessage(context.Background(), "does-not-exist", "user-1", "", "hi", "203.0.113.5")
	if err != storage.ErrChannelNotFound {
		t.Fatalf("err = %v, want ErrChannelNotFound", err)
	}
}

func TestPostMessageRateLimitsBySender(t *testing.T) {
	core, _ := newTestCore(t)
	_, channelID := setupChannel(t, core)

	// Sender cap in test mode is 3, below the IP cap (5), so one sender
	// posting from one IP hits the sender cap on its fourth post.
	for i := 0; i < 3; i++ {
		if _, err := core.PostMessage(context.Background(), channelID, "user-1", "", "hi", "203.0.113.5"); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}
	if _, err := core.PostMessage(context.Background(), channelID, "user-1", "", "hi", "203.0.113.5"); err != ErrRateLimited {
		t.Fatalf("err = %v, want ErrRateLimited after sender cap", err)
	}
}

func TestPostMessageRateLimitsByIPAcrossSenders(t *testing.T) {
	core, _ := newTestCore(t)
	_, channelID := setupChannel(t, core)

	// IP cap in test mode is 5; five distinct senders share the IP cap.
	for i := 0; i < 5; i++ {
		sender := "user-" + string(rune('a'+i))
		if _, err := core.PostMessage(context.Background(), channelID, sender, "", "hi", "203.0.113.5"); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}
	if _, err := core.PostMessage(context.Background(), channelID, "user-z", "", "hi", "203.0.113.5"); err != ErrRateLimited {
		t.Fatalf("err = %v, want ErrRateLimited after IP cap", err)
	}
}

func TestPostMessageSenderRejectionDoesNotConsumeIPAdmission(t *testing.T) {
	core, _ := newTestCore(t)
	_, channelID := setupChannel(t, core)
	const ip = "203.0.113.5"

	// Exhaust user-1's sender cap (3 in test mode) from this IP.
	for i := 0; i < 3; i++ {
		if _, err := core.PostMessage(context.Background(), channelID, "user-1", "", "hi", ip); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}
	// Each of these calls is IP-admitted but sender-rejected; per spec
	// §4.6 neither limiter's count should move on a sender reject.
	for i := 0; i < 3; i++ {
		if _, err := core.PostMessage(context.Background(), channelID, "user-1", "", "hi", ip); err != ErrRateLimited {
			t.Fatalf("rejected post %d: err = %v, want ErrRateLimited", i, err)
		}
	}

	// The IP cap (5 in test mode) must still have its 2 remaining slots:
	// only the 3 admitted user-1 posts should have counted against it.
	if _, err := core.PostMessage(context.Background(), channelID, "user-2", "", "hi", ip); err != nil {
		t.Fatalf("user-2 post should still be IP-admitted: %v", err)
	}
	if _, err := core.PostMessage(context.Background(), channelID, "user-3", "", "hi", ip); err != nil {
		t.Fatalf("user-3 post should still be IP-admitted: %v", err)
	}
	if _, err := core.PostMessage(context.Background(), channelID, "user-4", "", "hi", ip); err != ErrRateLimited {
		t.Fatalf("err = %v, want ErrRateLimited once the IP cap is actually exhausted", err)
	}
}

func TestPostMessagePublishesToHub(t *testing.T) {
	store := storage.NewMemory()
	hub := fanout.NewHub()
	core := New(store, hub, Options{ServerName: "test.example", TestMode: true})
	_, channelID := setupChannel(t, core)

	sub := core.Subscribe(channelID)
	if _, err := core.PostMessage(context.Background(), channelID, "user-1", "", "hi", "203.0.113.5"); err != nil {
		t.Fatalf("PostMessage: %v", err)
	}

	e, err := sub.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if e.ChannelID != channelID {
		t.Errorf("ChannelID = %q, want %q", e.ChannelID, channelID)
	}
}

func TestIngestEventInvalidRoomID(t *testing.T) {
	core, _ := newTestCore(t)
	e := &canon.Event{EventID: "$x", Content: json.RawMessage(`{}`)}
	if _, err := core.IngestEvent(context.Background(), e); err != ErrInvalidRoomID {
		t.Fatalf("err = %v, want ErrInvalidRoomID", err)
	}
}

func TestIngestEventAppendsAndBroadcasts(t *testing.T) {
	core, _ := newTestCore(t)
	_, channelID := setupChannel(t, core)

	content, _ := json.Marshal(map[string]string{"room_id": channelID})
	e, err := canon.Build("peer.example", channelID, "message", "@bob:peer.example", content, nil, nil)
	if err != nil {
		t.Fatalf("canon.Build: %v", err)
	}

	sub := core.Subscribe(channelID)
	ce, err := core.IngestEvent(context.Background(), e)
	if err != nil {
		t.Fatalf("IngestEvent: %v", err)
	}
	if ce.EventID != e.EventID {
		t.Errorf("EventID = %q, want %q", ce.EventID, e.EventID)
	}

	recv, err := sub.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if recv.Sequence != ce.Sequence {
		t.Errorf("Sequence = %d, want %d", recv.Sequence, ce.Sequence)
	}
}

func TestIPKey(t *testing.T) {
	tests := map[string]string{
		"203.0.113.5, 10.0.0.1": "203.0.113.5",
		"":                      "unknown",
		"   ":                  "unknown",
		"198.51.100.1":          "198.51.100.1",
	}
	for in, want := range tests {
		if got := ipKey(in); got != want {
			t.Errorf("ipKey(%q) = %q, want %q", in, got, want)
		}
	}
}
