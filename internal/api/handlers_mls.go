package api

import (
	"log/slog"
	"net/http"

	"github.com/openguild/openguild/internal/mls"
)

// handleListKeyPackages handles GET /mls/key_packages. A nil MLS registry
// (the component is compiled in but never required by spec Non-goals to
// be present) answers 501, per the spec's explicit "501 if absent".
func (s *Server) handleListKeyPackages(w http.ResponseWriter, r *http.Request) {
	if s.MLS == nil {
		WriteCodeError(w, http.StatusNotImplemented, "mls_not_configured")
		return
	}
	WriteJSON(w, http.StatusOK, s.MLS.List())
}

// handleRotateKeyPackage handles POST /mls/key_packages/rotate: it mints
// a fresh key package for the authenticated caller's identity.
func (s *Server) handleRotateKeyPackage(w http.ResponseWriter, r *http.Request) {
	if s.MLS == nil {
		WriteCodeError(w, http.StatusNotImplemented, "mls_not_configured")
		return
	}
	claims := ClaimsFromContext(r.Context())

	kp, err := s.MLS.Rotate(claims.UserID)
	if err == mls.ErrUnknownIdentity {
		WriteCodeError(w, http.StatusNotFound, "unknown_identity")
		return
	}
	if err != nil {
		s.Logger.Error("key package rotation failed", slog.Any("error", err))
		WriteCodeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	WriteJSON(w, http.StatusOK, kp)
}
