package api

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/openguild/openguild/internal/canon"
)

func encodeKey32(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

type federationTransactionRequest struct {
	Origin string         `json:"origin"`
	PDUs   []*canon.Event `json:"pdus"`
}

type federationRejection struct {
	EventID string `json:"event_id,omitempty"`
	Reason  string `json:"reason"`
}

type federationTransactionResponse struct {
	Origin   string                 `json:"origin"`
	Accepted []string               `json:"accepted"`
	Rejected []federationRejection  `json:"rejected"`
	Disabled bool                   `json:"disabled"`
}

// handleFederationTransactions handles POST /federation/transactions: it
// evaluates every PDU in the transaction against the configured trust
// set, admits each accepted event into the messaging core the same way a
// locally posted message is admitted, and reports per-event acceptance.
// Grounded on spec §6/§4.5: a federation write never fails wholesale for
// one bad event, and an empty trust set answers with disabled:true rather
// than an error.
func (s *Server) handleFederationTransactions(w http.ResponseWriter, r *http.Request) {
	var req federationTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteValidationError(w, ValidationDetail{Field: "body", Message: "invalid JSON"})
		return
	}
	if req.Origin == "" {
		WriteValidationError(w, ValidationDetail{Field: "origin", Message: "must not be empty"})
		return
	}

	eval := s.Federation.Evaluate(req.Origin, req.PDUs)

	resp := federationTransactionResponse{
		Origin:   eval.Origin,
		Accepted: make([]string, 0, len(eval.Accepted)),
		Rejected: make([]federationRejection, 0, len(eval.Rejected)),
		Disabled: eval.Disabled,
	}
	for _, rej := range eval.Rejected {
		resp.Rejected = append(resp.Rejected, federationRejection{EventID: rej.EventID, Reason: rej.Reason})
	}

	for _, e := range eval.Accepted {
		if _, err := s.Messaging.IngestEvent(r.Context(), e); err != nil {
			s.Logger.Error("federation ingest failed", slog.String("event_id", e.EventID), slog.Any("error", err))
			continue
		}
		resp.Accepted = append(resp.Accepted, e.EventID)
	}

	WriteJSON(w, http.StatusOK, resp)
}

type federationDiscoverResponse struct {
	ServerName        string `json:"server_name"`
	FederationVersion string `json:"federation_version"`
	KeyID             string `json:"key_id"`
	VerifyingKey      string `json:"verifying_key"`
}

// handleFederationDiscover handles GET /federation/discover: a read-only,
// unauthenticated discovery document advertising this server's identity
// and current signing key, modeled on the teacher's DiscoveryResponse /
// well-known handler. It never expands the trust set — trust is
// configuration-only (§6) — it only tells a prospective peer what key to
// configure for us.
func (s *Server) handleFederationDiscover(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, federationDiscoverResponse{
		ServerName:        s.ServerName,
		FederationVersion: "1",
		KeyID:             s.SigningKeyID,
		VerifyingKey:      encodeKey32(s.KeyRing.PrimaryPublicKey()),
	})
}
