// Package mls implements the per-identity key package registry backing
// end-to-end encrypted channels: each identity's current signing key and
// HPKE public value, rotated on demand. The server never sees private key
// material or plaintext; it only custodies what each identity chooses to
// publish. Full MLS group/commit/welcome semantics are out of scope — see
// SPEC_FULL.md — so this package adapts the teacher's
// internal/encryption package (KeyPackage/Service shape, pgx-backed
// handlers) down to the single rotate/list surface the spec defines,
// trading its Postgres-backed delivery-service design for an in-memory
// registry scoped to the trust boundary the session authority already
// owns.
package mls

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/openguild/openguild/internal/models"
)

// ErrUnknownIdentity is returned by Rotate when called for an identity the
// registry has never seen registered.
var ErrUnknownIdentity = errors.New("unknown identity")

// KeyPackage is the public material published for one identity: an
// Ed25519 signing key and a random 32-byte HPKE public value, both
// base64url-nopad encoded for wire transport.
type KeyPackage struct {
	// PackageID is a ULID minted fresh on every rotation, so successive
	// key packages for the same identity sort and audit chronologically
	// even if two rotations land in the same RotatedAt millisecond.
	PackageID        models.ULID `json:"package_id"`
	Identity         string      `json:"identity"`
	SigningPublicKey string      `json:"signing_public_key"`
	HPKEPublicValue  string      `json:"hpke_public_value"`
	RotatedAt        time.Time   `json:"rotated_at"`
}

// nowFunc is overridable in tests.
var nowFunc = time.Now

// Registry holds the latest KeyPackage for every known identity.
type Registry struct {
	mu      sync.RWMutex
	known   map[string]bool
	current map[string]KeyPackage
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		known:   make(map[string]bool),
		current: make(map[string]KeyPackage),
	}
}

// RegisterIdentity admits identity as a valid rotation target. Called by
// the session authority when a new user is created; an identity that has
// never been registered can never successfully rotate.
func (r *Registry) RegisterIdentity(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[identity] = true
}

// Rotate mints a fresh Ed25519 signing key and a random 32-byte HPKE
// public value for identity, replacing whatever key package it previously
// published. Returns ErrUnknownIdentity if identity was never registered.
func (r *Registry) Rotate(identity string) (KeyPackage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.known[identity] {
		return KeyPackage{}, ErrUnknownIdentity
	}

	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		return KeyPackage{}, err
	}
	hpke := make([]byte, 32)
	if _, err := rand.Read(hpke); err != nil {
		return KeyPackage{}, err
	}

	kp := KeyPackage{
		PackageID:        models.NewULIDWithTime(nowFunc()),
		Identity:         identity,
		SigningPublicKey: base64.RawURLEncoding.EncodeToString(pub),
		HPKEPublicValue:  base64.RawURLEncoding.EncodeToString(hpke),
		RotatedAt:        nowFunc(),
	}
	r.current[identity] = kp
	return kp, nil
}

// List returns every identity's current key package, sorted by identity
// ascending. Identities that have never rotated are omitted.
func (r *Registry) List() []KeyPackage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]KeyPackage, 0, len(r.current))
	for _, kp := range r.current {
		out = append(out, kp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
