package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openguild/openguild/internal/messaging"
	"github.com/openguild/openguild/internal/storage"
)

type nameRequest struct {
	Name string `json:"name"`
}

// handleCreateGuild handles POST /guilds.
func (s *Server) handleCreateGuild(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteValidationError(w, ValidationDetail{Field: "body", Message: "invalid JSON"})
		return
	}

	guild, err := s.Messaging.CreateGuild(r.Context(), req.Name)
	if s.handleMessagingValidationErr(w, err) {
		return
	}
	if err != nil {
		s.Logger.Error("create guild failed", slog.Any("error", err))
		WriteCodeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	WriteJSON(w, http.StatusOK, guild)
}

// handleListGuilds handles GET /guilds.
func (s *Server) handleListGuilds(w http.ResponseWriter, r *http.Request) {
	guilds, err := s.Messaging.ListGuilds(r.Context())
	if err != nil {
		s.Logger.Error("list guilds failed", slog.Any("error", err))
		WriteCodeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	WriteJSON(w, http.StatusOK, guilds)
}

// handleCreateChannel handles POST /guilds/{guildID}/channels.
func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")

	var req nameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteValidationError(w, ValidationDetail{Field: "body", Message: "invalid JSON"})
		return
	}

	channel, err := s.Messaging.CreateChannel(r.Context(), guildID, req.Name)
	if s.handleMessagingValidationErr(w, err) {
		return
	}
	if err == storage.ErrGuildNotFound {
		WriteCodeError(w, http.StatusNotFound, "guild_not_found")
		return
	}
	if err != nil {
		s.Logger.Error("create channel failed", slog.Any("error", err))
		WriteCodeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	WriteJSON(w, http.StatusOK, channel)
}

// handleListChannels handles GET /guilds/{guildID}/channels.
func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	channels, err := s.Messaging.ListChannels(r.Context(), guildID)
	if err != nil {
		s.Logger.Error("list channels failed", slog.Any("error", err))
		WriteCodeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	WriteJSON(w, http.StatusOK, channels)
}

// handleMessagingValidationErr writes the validation_error envelope if err
// is a *messaging.ValidationError, and reports whether it handled err.
func (s *Server) handleMessagingValidationErr(w http.ResponseWriter, err error) bool {
	if ve, ok := err.(*messaging.ValidationError); ok {
		WriteValidationError(w, ValidationDetail{Field: ve.Field, Message: ve.Message})
		return true
	}
	return false
}
