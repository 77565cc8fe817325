// Package canon implements the canonical event: deterministic serialization,
// content hashing with BLAKE3, event-ID derivation, and Ed25519 signing and
// verification. It is the foundation the messaging core builds on to append
// events and the federation verifier uses to admit them. Grounded on the
// teacher's federation.SignedPayload/hash-and-sign pattern
// (internal/federation/federation.go), generalized from a hex/sha256 wrapper
// payload into the spec's deterministic-JSON-plus-BLAKE3 scheme.
package canon

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"lukechampine.com/blake3"
)

// ErrSignatureVerification is returned by Verify on any missing signature,
// decode failure, or cryptographic verification failure. The spec requires
// all of these to collapse to one error kind so callers never have to
// distinguish "malformed" from "forged".
var ErrSignatureVerification = errors.New("signature verification failed")

// Event is a canonical domain event. It is immutable after Build except for
// the signatures map, which is only appended to by Sign.
type Event struct {
	EventID      string            `json:"event_id"`
	OriginServer string            `json:"origin_server"`
	RoomID       string            `json:"room_id"`
	EventType    string            `json:"event_type"`
	Sender       string            `json:"sender"`
	OriginTS     int64             `json:"origin_ts"`
	Content      json.RawMessage   `json:"content"`
	PrevEvents   []string          `json:"prev_events"`
	AuthEvents   []string          `json:"auth_events"`
	Signatures   map[string]map[string]string `json:"signatures"`
}

// nowFunc is overridable in tests so origin_ts is deterministic.
var nowFunc = time.Now

// Build constructs a new canonical event: it stamps origin_ts at the current
// wall clock, computes the content hash over the event without signatures,
// and derives event_id from that hash.
func Build(origin, roomID, eventType, sender string, content json.RawMessage, prevEvents, authEvents []string) (*Event, error) {
	if prevEvents == nil {
		prevEvents = []string{}
	}
	if authEvents == nil {
		authEvents = []string{}
	}
	e := &Event{
		OriginServer: origin,
		RoomID:       roomID,
		EventType:    eventType,
		Sender:       sender,
		OriginTS:     nowFunc().UnixMilli(),
		Content:      content,
		PrevEvents:   prevEvents,
		AuthEvents:   authEvents,
		Signatures:   map[string]map[string]string{},
	}
	hash, err := e.CanonicalHash()
	if err != nil {
		return nil, fmt.Errorf("hashing event: %w", err)
	}
	e.EventID = EventIDFromHash(hash)
	return e, nil
}

// CanonicalHash computes the BLAKE3 hash of the event's deterministic
// serialization, excluding event_id and signatures. event_id is excluded
// because it is itself derived from this hash — including it would make
// the hash a function of its own output, so every recomputation (Sign,
// Verify, a second call to CanonicalHash, or a peer rebuilding the hash on
// ingest) would diverge from the value Build started from. Signatures are
// excluded so Sign never mutates the hash: appending a signature could not
// otherwise be followed by a second Sign or a Verify without breaking the
// first signature (see spec §9).
func (e *Event) CanonicalHash() ([32]byte, error) {
	view := *e
	view.EventID = ""
	view.Signatures = nil
	b, err := canonicalBytes(view)
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(b), nil
}

// EventIDFromHash derives the textual event ID from a canonical hash. It is
// a pure function so the federation verifier can recompute the expected ID
// from a received event's content alone.
func EventIDFromHash(hash [32]byte) string {
	return "$" + base64.RawURLEncoding.EncodeToString(hash[:])
}

// Sign appends an Ed25519 signature over the event's canonical hash under
// signatures[serverName]["ed25519:"+keyID]. Signing is additive: it never
// touches any other field, so the hash (and therefore event_id) is
// unaffected.
func (e *Event) Sign(serverName, keyID string, primary ed25519.PrivateKey) error {
	hash, err := e.CanonicalHash()
	if err != nil {
		return fmt.Errorf("hashing event for signing: %w", err)
	}
	sig := ed25519.Sign(primary, hash[:])
	if e.Signatures == nil {
		e.Signatures = map[string]map[string]string{}
	}
	if e.Signatures[serverName] == nil {
		e.Signatures[serverName] = map[string]string{}
	}
	e.Signatures[serverName]["ed25519:"+keyID] = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify re-derives the event's canonical hash, locates the signature for
// serverName/keyID, and verifies it strictly against verifyingKey. It
// collapses every failure mode (missing signature, bad encoding, wrong
// length, cryptographic mismatch) into ErrSignatureVerification.
func (e *Event) Verify(serverName, keyID string, verifyingKey ed25519.PublicKey) error {
	byServer, ok := e.Signatures[serverName]
	if !ok {
		return ErrSignatureVerification
	}
	sigB64, ok := byServer["ed25519:"+keyID]
	if !ok {
		return ErrSignatureVerification
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrSignatureVerification
	}
	hash, err := e.CanonicalHash()
	if err != nil {
		return ErrSignatureVerification
	}
	if !ed25519.Verify(verifyingKey, hash[:], sig) {
		return ErrSignatureVerification
	}
	return nil
}

// canonicalBytes serializes v deterministically: sorted object keys at
// every level, no insignificant whitespace. encoding/json's struct
// marshaling emits fields in declaration order, not sorted order, so v is
// first marshaled normally and then round-tripped through a generic
// decode/re-encode: decoding into `any` turns every JSON object
// (top-level and nested, including whatever the event's opaque content
// carries) into a map[string]any, and Go's encoding/json always sorts a
// map's keys when marshaling it, at every nesting level. The decoder runs
// in UseNumber mode so integral fields like origin_ts pass through as the
// original number text instead of being reparsed into float64 and
// potentially losing precision.
func canonicalBytes(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// sortedKeys is used by tests that need to assert on the deterministic
// key ordering of a signatures map.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
