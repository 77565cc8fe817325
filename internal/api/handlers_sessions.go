package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/openguild/openguild/internal/session"
	"github.com/openguild/openguild/internal/storage"
)

type deviceBody struct {
	DeviceID   string  `json:"device_id"`
	DeviceName *string `json:"device_name,omitempty"`
	IPAddress  *string `json:"ip_address,omitempty"`
}

type loginRequest struct {
	Identifier string     `json:"identifier"`
	Secret     string     `json:"secret"`
	Device     deviceBody `json:"device"`
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	AccessExpiresAt  string `json:"access_expires_at"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresAt string `json:"refresh_expires_at"`
}

func tokensToResponse(t *session.Tokens) tokenResponse {
	return tokenResponse{
		AccessToken:      t.AccessToken,
		AccessExpiresAt:  t.AccessExpiresAt.UTC().Format(rfc3339Milli),
		RefreshToken:     t.RefreshToken,
		RefreshExpiresAt: t.RefreshExpiresAt.UTC().Format(rfc3339Milli),
	}
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

// handleLogin handles POST /sessions/login.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteValidationError(w, ValidationDetail{Field: "body", Message: "invalid JSON"})
		return
	}

	device := session.Device{
		DeviceID:   req.Device.DeviceID,
		DeviceName: req.Device.DeviceName,
		IPAddress:  req.Device.IPAddress,
	}
	if fwd := r.Header.Get("X-Forwarded-For"); device.IPAddress == nil && fwd != "" {
		device.IPAddress = &fwd
	}
	ua := r.UserAgent()
	if ua != "" {
		device.UserAgent = &ua
	}

	tokens, err := s.Session.Login(r.Context(), req.Identifier, req.Secret, device)
	if s.handleValidationErr(w, err) {
		return
	}
	if err != nil {
		s.Logger.Error("login failed", slog.Any("error", err))
		WriteCodeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if tokens == nil {
		WriteCodeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}
	WriteJSON(w, http.StatusOK, tokensToResponse(tokens))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// handleRefresh handles POST /sessions/refresh.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteValidationError(w, ValidationDetail{Field: "body", Message: "invalid JSON"})
		return
	}
	if req.RefreshToken == "" {
		WriteValidationError(w, ValidationDetail{Field: "refresh_token", Message: "must not be empty"})
		return
	}

	tokens, err := s.Session.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.Logger.Error("refresh failed", slog.Any("error", err))
		WriteCodeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if tokens == nil {
		WriteCodeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}
	WriteJSON(w, http.StatusOK, tokensToResponse(tokens))
}

// handleRevoke handles POST /sessions/revoke.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteValidationError(w, ValidationDetail{Field: "body", Message: "invalid JSON"})
		return
	}

	_, err := s.Session.Revoke(r.Context(), req.RefreshToken)
	if s.handleValidationErr(w, err) {
		return
	}
	if err != nil {
		s.Logger.Error("revoke failed", slog.Any("error", err))
		WriteCodeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	WriteNoContent(w)
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

const minRegisterPasswordLength = 8

// handleRegister handles POST /users/register.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteValidationError(w, ValidationDetail{Field: "body", Message: "invalid JSON"})
		return
	}
	if len(req.Password) < minRegisterPasswordLength {
		WriteValidationError(w, ValidationDetail{Field: "password", Message: "must be at least 8 characters"})
		return
	}

	user, err := s.Session.Register(r.Context(), req.Username, req.Password)
	if s.handleValidationErr(w, err) {
		return
	}
	if err == storage.ErrUsernameTaken {
		WriteCodeError(w, http.StatusConflict, "username_taken")
		return
	}
	if err != nil {
		s.Logger.Error("registration failed", slog.Any("error", err))
		WriteCodeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{
		"user_id":  user.UserID,
		"username": user.Username,
	})
}

// handleMe handles GET /users/me.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	user, err := s.Store.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		WriteCodeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"user_id":  user.UserID,
		"username": user.Username,
	})
}

// handleValidationErr writes the validation_error envelope if err is a
// *session.ValidationError, and reports whether it handled err.
func (s *Server) handleValidationErr(w http.ResponseWriter, err error) bool {
	if ve, ok := err.(*session.ValidationError); ok {
		WriteValidationError(w, ValidationDetail{Field: ve.Field, Message: ve.Message})
		return true
	}
	return false
}
