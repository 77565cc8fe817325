// Package federation admits events pushed by trusted peer servers. A
// Verifier holds the trust set (peer server_name -> signing identity) and
// evaluates incoming transactions event-by-event, never failing a whole
// transaction for one bad event. Grounded on the teacher's
// internal/federation/federation.go dispatch loop (one-event-at-a-time
// evaluation with per-event reason strings); the replay guard in
// replayguard.go is this package's own bounded, origin-scoped idempotency
// check, not a carried-over generic cache.
package federation

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/openguild/openguild/internal/canon"
)

func decodeStdBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// Rejection reasons. Spelled as constants, not an enum type, matching the
// teacher's federation.go preference for plain string reason codes that
// travel untouched into JSON responses.
const (
	ReasonUntrustedOrigin            = "UntrustedOrigin"
	ReasonOriginMismatch              = "OriginMismatch"
	ReasonEventIDMismatch             = "EventIdMismatch"
	ReasonMissingSignature            = "MissingSignature"
	ReasonInvalidSignatureEncoding    = "InvalidSignatureEncoding"
	ReasonSignatureVerificationFailed = "SignatureVerificationFailed"
	ReasonDuplicateEvent              = "DuplicateEvent"
)

// Peer is a federation trust anchor: a server name we accept PDUs from,
// identified by an Ed25519 verifying key under a given key ID.
type Peer struct {
	ServerName   string
	KeyID        string
	VerifyingKey ed25519.PublicKey
}

// Rejection pairs a rejected event's id with why it was rejected. EventID
// is the id the event declared, as received, even when that id failed
// verification; it is empty only if the event declared none (and is then
// omitted from the JSON response).
type Rejection struct {
	EventID string
	Reason  string
}

// Evaluation is the result of verifying one transaction's PDUs.
type Evaluation struct {
	Origin   string
	Accepted []*canon.Event
	Rejected []Rejection
	Disabled bool
}

// Verifier holds the configured trust set. The zero value (no peers) is a
// disabled federation component: Evaluate short-circuits to Disabled.
type Verifier struct {
	peers  map[string]Peer // server_name -> Peer
	replay *replaySeen
}

// NewVerifier builds a Verifier from the configured trust set. An empty
// peers slice yields a disabled verifier.
func NewVerifier(peers []Peer) *Verifier {
	byName := make(map[string]Peer, len(peers))
	for _, p := range peers {
		byName[p.ServerName] = p
	}
	return &Verifier{
		peers:  byName,
		replay: newReplaySeen(),
	}
}

// Enabled reports whether any peer is configured.
func (v *Verifier) Enabled() bool {
	return len(v.peers) > 0
}

// Evaluate checks every event in pdus against the trust set and returns
// the accepted events plus a rejection reason for each rejected one. It
// never returns an error: every failure mode is expressed as a per-event
// rejection reason, per spec, since a federation write must not fail an
// HTTP-error the caller can't act on.
func (v *Verifier) Evaluate(origin string, pdus []*canon.Event) Evaluation {
	eval := Evaluation{Origin: origin}
	if !v.Enabled() {
		eval.Disabled = true
		return eval
	}

	peer, trusted := v.peers[origin]
	if !trusted {
		for _, e := range pdus {
			eval.Rejected = append(eval.Rejected, Rejection{EventID: e.EventID, Reason: ReasonUntrustedOrigin})
		}
		return eval
	}

	for _, e := range pdus {
		if reason, ok := v.evaluateOne(peer, e); !ok {
			eval.Rejected = append(eval.Rejected, Rejection{EventID: e.EventID, Reason: reason})
			continue
		}
		eval.Accepted = append(eval.Accepted, e)
	}
	return eval
}

func (v *Verifier) evaluateOne(peer Peer, e *canon.Event) (reason string, accepted bool) {
	if e.OriginServer != peer.ServerName {
		return ReasonOriginMismatch, false
	}

	hash, err := e.CanonicalHash()
	if err != nil {
		return ReasonEventIDMismatch, false
	}
	if canon.EventIDFromHash(hash) != e.EventID {
		return ReasonEventIDMismatch, false
	}

	byServer, ok := e.Signatures[peer.ServerName]
	if !ok {
		return ReasonMissingSignature, false
	}
	if _, ok := byServer["ed25519:"+peer.KeyID]; !ok {
		return ReasonMissingSignature, false
	}

	if err := e.Verify(peer.ServerName, peer.KeyID, peer.VerifyingKey); err != nil {
		// Verify collapses "bad encoding" and "wrong signature" into one
		// error; the spec wants a finer-grained reason for the encoding
		// case, so decode once more here purely to classify it.
		if !validSignatureEncoding(byServer["ed25519:"+peer.KeyID]) {
			return ReasonInvalidSignatureEncoding, false
		}
		return ReasonSignatureVerificationFailed, false
	}

	if v.replay.seen(peer.ServerName, e.EventID) {
		return ReasonDuplicateEvent, false
	}
	v.replay.record(peer.ServerName, e.EventID)
	return "", true
}

func validSignatureEncoding(sigB64 string) bool {
	sig, err := decodeStdBase64(sigB64)
	return err == nil && len(sig) == ed25519.SignatureSize
}

// RoomIDFromEvent extracts the textual channel id a foreign event targets.
// Kept here (rather than in messaging) since only the federation boundary
// ever needs to read a raw, not-yet-admitted event's content this way.
func RoomIDFromEvent(e *canon.Event) (string, bool) {
	var content struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(e.Content, &content); err != nil {
		return "", false
	}
	roomID := strings.TrimSpace(content.RoomID)
	if roomID == "" {
		return "", false
	}
	return roomID, true
}
