package keyring

import (
	"crypto/ed25519"
	"testing"
)

func TestVerifyPrimary(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	kr := New(priv)
	msg := []byte("hello")
	sig := kr.Sign(msg)
	if err := kr.Verify(msg, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyFallback(t *testing.T) {
	oldPub, oldPriv, _ := ed25519.GenerateKey(nil)
	_, newPriv, _ := ed25519.GenerateKey(nil)
	kr := New(newPriv, oldPub)

	msg := []byte("signed under the old key")
	sig := ed25519.Sign(oldPriv, msg)
	if err := kr.Verify(msg, sig); err != nil {
		t.Fatalf("Verify via fallback: %v", err)
	}
}

func TestVerifyFailsForUnknownKey(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	kr := New(priv)

	_, strangerPriv, _ := ed25519.GenerateKey(nil)
	msg := []byte("msg")
	sig := ed25519.Sign(strangerPriv, msg)
	if err := kr.Verify(msg, sig); err != ErrVerificationFailed {
		t.Errorf("Verify = %v, want ErrVerificationFailed", err)
	}
}

func TestRotatePreservesOldVerification(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	kr := New(priv)

	msg := []byte("issued before rotation")
	sigBefore := kr.Sign(msg)

	newPub, err := kr.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if newPub.Equal(kr.PrimaryPublicKey()) == false {
		t.Fatal("PrimaryPublicKey should match the key returned by Rotate")
	}

	// Token signed under the demoted key must still verify.
	if err := kr.Verify(msg, sigBefore); err != nil {
		t.Fatalf("Verify after rotation: %v", err)
	}

	// A signature made now is signed with the new primary and verifies too.
	sigAfter := kr.Sign(msg)
	if err := kr.Verify(msg, sigAfter); err != nil {
		t.Fatalf("Verify new signature: %v", err)
	}
}
