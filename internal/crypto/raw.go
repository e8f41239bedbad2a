package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// RandBytes fills and returns n cryptographically random bytes (CSPRNG).
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("rand: %w", err)
	}
	return b, nil
}

// GenerateX25519Raw returns a fresh clamped X25519 private scalar and its
// public point as raw 32-byte arrays.
func GenerateX25519Raw() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("x25519: generate private key: %w", err)
	}
	ClampX25519Raw(&priv)
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("x25519: compute public key: %w", err)
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// X25519PublicRaw computes the public point for a (clamped) private scalar.
func X25519PublicRaw(priv [32]byte) ([32]byte, error) {
	var pub [32]byte
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("x25519: compute public key: %w", err)
	}
	copy(pub[:], pubBytes)
	return pub, nil
}

// Ed25519FromSeedRaw expands a 32-byte Ed25519 seed into the full 64-byte
// private key and its 32-byte public key.
func Ed25519FromSeedRaw(seed [32]byte) (priv [64]byte, pub [32]byte) {
	sk := ed25519.NewKeyFromSeed(seed[:])
	copy(priv[:], sk)
	copy(pub[:], sk.Public().(ed25519.PublicKey))
	return priv, pub
}

// DHRaw performs Curve25519 DH between a raw private scalar and a raw
// public point.
func DHRaw(priv, pub [32]byte) ([32]byte, error) {
	var shared [32]byte
	secret, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return shared, fmt.Errorf("x25519: DH failed: %w", err)
	}
	copy(shared[:], secret)
	return shared, nil
}

// ClampX25519Raw applies RFC7748 clamping to a 32-byte scalar in place.
func ClampX25519Raw(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// GenerateEd25519Raw returns a fresh Ed25519 key pair as a raw 64-byte
// secret key and 32-byte public key.
func GenerateEd25519Raw() (priv [64]byte, pub [32]byte, err error) {
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return priv, pub, err
	}
	copy(priv[:], sk)
	copy(pub[:], pk)
	return priv, pub, nil
}

// SignEd25519Raw signs msg with a raw 64-byte Ed25519 secret key.
func SignEd25519Raw(priv [64]byte, msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv[:]), msg)
}

// VerifyEd25519Raw verifies sig over msg with a raw 32-byte Ed25519 public key.
func VerifyEd25519Raw(pub [32]byte, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}

// IsValidCurvePoint rejects the all-zero point and checks length; full
// subgroup checks are delegated to curve25519.X25519, which errors on the
// known low-order points.
func IsValidCurvePoint(p []byte) bool {
	if len(p) != 32 {
		return false
	}
	var zero [32]byte
	allZero := true
	for i, b := range p {
		if b != zero[i] {
			allZero = false
			break
		}
	}
	return !allZero
}
