package api

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/openguild/openguild/internal/socket"
)

// handleSocket handles GET /channels/{channelID}/socket: it verifies the
// channel exists, admits the connection under the global semaphore,
// upgrades, and hands off to a socket.Session for the replay-then-live
// loop. Grounded on §4.8: admission before upgrade so a 429 never costs a
// WebSocket handshake.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	exists, err := s.Messaging.ChannelExists(r.Context(), channelID)
	if err != nil {
		s.Logger.Error("channel lookup failed", slog.Any("error", err))
		WriteCodeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !exists {
		WriteCodeError(w, http.StatusNotFound, "channel_not_found")
		return
	}

	permit, err := s.Admitter.Acquire()
	if err != nil {
		WriteCodeError(w, http.StatusTooManyRequests, "socket_admission_exhausted")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		permit.Release()
		return
	}

	sess := socket.New(conn, s.Messaging, channelID, permit, s.Logger)
	sess.Run(r.Context())
}
