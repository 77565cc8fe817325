// Package keyring holds one primary Ed25519 signing key plus zero or more
// fallback verifying keys, so the session authority can rotate its primary
// signing key without invalidating access tokens signed by a now-demoted
// key.
package keyring

import (
	"crypto/ed25519"
	"errors"
	"sync"
)

// ErrVerificationFailed is returned when no key in the ring — primary or
// fallback — accepts a signature.
var ErrVerificationFailed = errors.New("verification failed for all known keys")

// KeyRing holds the active signing key and any fallback verifying keys kept
// around so tokens signed before a rotation keep verifying.
type KeyRing struct {
	mu        sync.RWMutex
	primary   ed25519.PrivateKey
	fallbacks []ed25519.PublicKey
}

// New creates a KeyRing with the given primary signing key and fallback
// verifying keys.
func New(primary ed25519.PrivateKey, fallbacks ...ed25519.PublicKey) *KeyRing {
	return &KeyRing{primary: primary, fallbacks: append([]ed25519.PublicKey{}, fallbacks...)}
}

// Generate creates a KeyRing with a freshly generated primary key and no
// fallbacks. Used when configuration supplies no active_signing_key.
func Generate() (*KeyRing, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// Sign signs msg with the primary key.
func (k *KeyRing) Sign(msg []byte) []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return ed25519.Sign(k.primary, msg)
}

// PrimaryPublicKey returns the current primary's verifying key.
func (k *KeyRing) PrimaryPublicKey() ed25519.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.primary.Public().(ed25519.PublicKey)
}

// Verify attempts the primary's verifying key first, then each fallback in
// order. It returns ErrVerificationFailed only once every key has been
// tried and none accepted.
func (k *KeyRing) Verify(msg, sig []byte) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if ed25519.Verify(k.primary.Public().(ed25519.PublicKey), msg, sig) {
		return nil
	}
	for _, fb := range k.fallbacks {
		if ed25519.Verify(fb, msg, sig) {
			return nil
		}
	}
	return ErrVerificationFailed
}

// Rotate generates a fresh Ed25519 keypair, demotes the current primary's
// verifying key into the fallback list, and installs the new key as
// primary. Tokens signed under the old primary keep verifying via the
// fallback chain until they naturally expire. Returns the new primary's
// public key.
func (k *KeyRing) Rotate() (ed25519.PublicKey, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	oldPub := k.primary.Public().(ed25519.PublicKey)
	k.fallbacks = append([]ed25519.PublicKey{oldPub}, k.fallbacks...)
	k.primary = priv
	return priv.Public().(ed25519.PublicKey), nil
}
