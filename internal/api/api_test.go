package api

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openguild/openguild/internal/canon"
	"github.com/openguild/openguild/internal/fanout"
	"github.com/openguild/openguild/internal/federation"
	"github.com/openguild/openguild/internal/keyring"
	"github.com/openguild/openguild/internal/messaging"
	"github.com/openguild/openguild/internal/mls"
	"github.com/openguild/openguild/internal/session"
	"github.com/openguild/openguild/internal/socket"
	"github.com/openguild/openguild/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, peers []federation.Peer) *Server {
	t.Helper()
	store := storage.NewMemory()
	kr, err := keyring.Generate()
	if err != nil {
		t.Fatalf("keyring.Generate: %v", err)
	}
	mlsRegistry := mls.NewRegistry()
	authority := session.New(store, kr).WithIdentityRegistrar(mlsRegistry)
	hub := fanout.NewHub()
	core := messaging.New(store, hub, messaging.Options{
		ServerName: "test.example",
		Logger:     discardLogger(),
		TestMode:   true,
	})
	verifier := federation.NewVerifier(peers)

	return NewServer(Config{
		Store:        store,
		Session:      authority,
		Messaging:    core,
		Federation:   verifier,
		Admitter:     socket.NewAdmitter(),
		MLS:          mlsRegistry,
		KeyRing:      kr,
		ServerName:   "test.example",
		SigningKeyID: "1",
		Logger:       discardLogger(),
	})
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	return rec
}

func registerAndLogin(t *testing.T, srv *Server, username string) tokenResponse {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/users/register", registerRequest{Username: username, Password: "pa55w0rd123"}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodPost, "/sessions/login", loginRequest{
		Identifier: username,
		Secret:     "pa55w0rd123",
		Device:     deviceBody{DeviceID: "d1"},
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var tok tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return tok
}

// TestLoginPostReadBack covers spec §8 property 1: register, login, create
// a guild and channel, post a message, and read it back with sequence 1.
func TestLoginPostReadBack(t *testing.T) {
	srv := newTestServer(t, nil)
	tok := registerAndLogin(t, srv, "alice")

	rec := doJSON(t, srv, http.MethodPost, "/guilds", nameRequest{Name: "alpha"}, tok.AccessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("create guild status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var guild struct {
		GuildID string `json:"guild_id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &guild)

	rec = doJSON(t, srv, http.MethodPost, "/guilds/"+guild.GuildID+"/channels", nameRequest{Name: "general"}, tok.AccessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("create channel status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var channel struct {
		ChannelID string `json:"channel_id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &channel)

	rec = doJSON(t, srv, http.MethodPost, "/channels/"+channel.ChannelID+"/messages", postMessageRequest{Sender: "", Content: "hi"}, tok.AccessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("post message status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var posted postMessageResponse
	json.Unmarshal(rec.Body.Bytes(), &posted)
	if posted.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", posted.Sequence)
	}
	if posted.EventID == "" {
		t.Errorf("event_id is empty")
	}

	if limit := rec.Header().Get("X-RateLimit-Limit"); limit == "" {
		t.Errorf("expected X-RateLimit-Limit header to be set")
	}

	rec = doJSON(t, srv, http.MethodGet, "/channels/"+channel.ChannelID+"/events", nil, tok.AccessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("recent events status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var events []channelEventResponse
	json.Unmarshal(rec.Body.Bytes(), &events)
	if len(events) != 1 || events[0].Sequence != 1 {
		t.Fatalf("events = %+v, want one event with sequence 1", events)
	}
}

// TestSenderMismatch covers spec §8 property 2: posting with a declared
// sender that doesn't match the caller yields 403.
func TestSenderMismatch(t *testing.T) {
	srv := newTestServer(t, nil)
	tok := registerAndLogin(t, srv, "alice")

	rec := doJSON(t, srv, http.MethodPost, "/guilds", nameRequest{Name: "alpha"}, tok.AccessToken)
	var guild struct {
		GuildID string `json:"guild_id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &guild)
	rec = doJSON(t, srv, http.MethodPost, "/guilds/"+guild.GuildID+"/channels", nameRequest{Name: "general"}, tok.AccessToken)
	var channel struct {
		ChannelID string `json:"channel_id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &channel)

	rec = doJSON(t, srv, http.MethodPost, "/channels/"+channel.ChannelID+"/messages", postMessageRequest{Sender: "bob", Content: "x"}, tok.AccessToken)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body = %s", rec.Code, rec.Body.String())
	}
}

// TestRefreshRotation covers spec §8 property 3: refreshing yields a new
// pair and invalidates the token just spent.
func TestRefreshRotation(t *testing.T) {
	srv := newTestServer(t, nil)
	tok := registerAndLogin(t, srv, "alice")

	rec := doJSON(t, srv, http.MethodPost, "/sessions/refresh", refreshRequest{RefreshToken: tok.RefreshToken}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var tok2 tokenResponse
	json.Unmarshal(rec.Body.Bytes(), &tok2)
	if tok2.RefreshToken == tok.RefreshToken {
		t.Errorf("refresh token did not rotate")
	}

	rec = doJSON(t, srv, http.MethodPost, "/sessions/refresh", refreshRequest{RefreshToken: tok.RefreshToken}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("reusing spent refresh token: status = %d, want 401", rec.Code)
	}
}

// TestFederationHappyPath covers spec §8 property 4: a trusted peer's
// signed event is accepted and becomes visible to channel readers.
func TestFederationHappyPath(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	peer := federation.Peer{ServerName: "peer.example", KeyID: "k1", VerifyingKey: pub}
	srv := newTestServer(t, []federation.Peer{peer})
	tok := registerAndLogin(t, srv, "alice")

	rec := doJSON(t, srv, http.MethodPost, "/guilds", nameRequest{Name: "alpha"}, tok.AccessToken)
	var guild struct {
		GuildID string `json:"guild_id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &guild)
	rec = doJSON(t, srv, http.MethodPost, "/guilds/"+guild.GuildID+"/channels", nameRequest{Name: "general"}, tok.AccessToken)
	var channel struct {
		ChannelID string `json:"channel_id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &channel)

	content, _ := json.Marshal(map[string]string{"room_id": channel.ChannelID, "body": "hello from peer"})
	event, err := canon.Build("peer.example", channel.ChannelID, "message", "peer-user", content, nil, nil)
	if err != nil {
		t.Fatalf("canon.Build: %v", err)
	}
	if err := event.Sign("peer.example", "k1", priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	rec = doJSON(t, srv, http.MethodPost, "/federation/transactions", federationTransactionRequest{
		Origin: "peer.example",
		PDUs:   []*canon.Event{event},
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("federation status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var txResp federationTransactionResponse
	json.Unmarshal(rec.Body.Bytes(), &txResp)
	if len(txResp.Rejected) != 0 {
		t.Fatalf("rejected = %+v, want none", txResp.Rejected)
	}
	if len(txResp.Accepted) != 1 || txResp.Accepted[0] != event.EventID {
		t.Fatalf("accepted = %+v, want [%s]", txResp.Accepted, event.EventID)
	}

	rec = doJSON(t, srv, http.MethodGet, "/channels/"+channel.ChannelID+"/events", nil, tok.AccessToken)
	var events []channelEventResponse
	json.Unmarshal(rec.Body.Bytes(), &events)
	found := false
	for _, e := range events {
		var body struct {
			EventID string `json:"event_id"`
		}
		json.Unmarshal(e.Event, &body)
		if body.EventID == event.EventID {
			found = true
		}
	}
	if !found {
		t.Errorf("federated event not visible in channel events")
	}
}

// TestFederationDisabled covers spec §4.5/§8: an empty trust set answers
// disabled:true without rejecting individual events.
func TestFederationDisabled(t *testing.T) {
	srv := newTestServer(t, nil)

	content, _ := json.Marshal(map[string]string{"room_id": "nonexistent"})
	event, _ := canon.Build("peer.example", "nonexistent", "message", "peer-user", content, nil, nil)

	rec := doJSON(t, srv, http.MethodPost, "/federation/transactions", federationTransactionRequest{
		Origin: "peer.example",
		PDUs:   []*canon.Event{event},
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var txResp federationTransactionResponse
	json.Unmarshal(rec.Body.Bytes(), &txResp)
	if !txResp.Disabled {
		t.Errorf("disabled = false, want true")
	}
	if len(txResp.Accepted) != 0 || len(txResp.Rejected) != 0 {
		t.Errorf("expected no accepted/rejected entries when disabled, got %+v", txResp)
	}
}

// TestRequireAuthRejectsMissingToken covers spec §7: a request with no
// bearer token on an authenticated route is rejected before reaching the
// handler.
func TestRequireAuthRejectsMissingToken(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv, http.MethodGet, "/guilds", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

// TestRegisterDuplicateUsername covers the 409 conflict path.
func TestRegisterDuplicateUsername(t *testing.T) {
	srv := newTestServer(t, nil)
	registerAndLogin(t, srv, "alice")

	rec := doJSON(t, srv, http.MethodPost, "/users/register", registerRequest{Username: "alice", Password: "pa55w0rd123"}, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body = %s", rec.Code, rec.Body.String())
	}
}

// TestMLSRotateRegisteredIdentity covers the mls registry wiring:
// registering a user admits it as a rotation target, and the rotated key
// package shows up in the listing.
func TestMLSRotateRegisteredIdentity(t *testing.T) {
	srv := newTestServer(t, nil)
	tok := registerAndLogin(t, srv, "alice")

	rec := doJSON(t, srv, http.MethodPost, "/mls/key_packages/rotate", nil, tok.AccessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (alice was registered, so her identity is known), body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/mls/key_packages", nil, tok.AccessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var kps []mls.KeyPackage
	json.Unmarshal(rec.Body.Bytes(), &kps)
	if len(kps) != 1 {
		t.Fatalf("key packages = %+v, want exactly one", kps)
	}
}
