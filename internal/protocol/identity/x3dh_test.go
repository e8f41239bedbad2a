package identity_test

import (
	"bytes"
	"testing"

	"ciphera/internal/protocol/identity"
)

func mustKeySet(t *testing.T, opkCount int) *identity.KeySet {
	t.Helper()
	ks, err := identity.Create(opkCount)
	if err != nil {
		t.Fatalf("identity.Create: %v", err)
	}
	return ks
}

func readSecret(t *testing.T, buf interface{ Read() ([]byte, error) }) []byte {
	t.Helper()
	b, err := buf.Read()
	if err != nil {
		t.Fatalf("Read secret: %v", err)
	}
	return b
}

func TestX3DH_SymmetricWithoutOneTimePreKey(t *testing.T) {
	// Run the full protocol end to end using one shared pair of
	// identities so the DH terms line up between sides.
	initiator := mustKeySet(t, 0)
	defer initiator.Dispose()
	responder := mustKeySet(t, 0)
	defer responder.Dispose()

	if err := initiator.GenerateEphemeralKeypair(); err != nil {
		t.Fatalf("GenerateEphemeralKeypair: %v", err)
	}
	_, ephPub, ok := initiator.EphemeralKeyPair()
	if !ok {
		t.Fatal("EphemeralKeyPair: expected ok=true")
	}

	responderBundle := responder.ToPublicBundle()
	initBuf, err := initiator.X3DHDeriveAsInitiator(responderBundle, []byte("v1"))
	if err != nil {
		t.Fatalf("X3DHDeriveAsInitiator: %v", err)
	}
	defer initBuf.Dispose()
	initSecret := readSecret(t, initBuf)

	initiatorIDPub := initiator.ToPublicBundle().IdentityXPub
	respBuf, err := responder.X3DHDeriveAsResponder(initiatorIDPub, ephPub, nil, []byte("v1"))
	if err != nil {
		t.Fatalf("X3DHDeriveAsResponder: %v", err)
	}
	defer respBuf.Dispose()
	respSecret := readSecret(t, respBuf)

	if !bytes.Equal(initSecret, respSecret) {
		t.Fatal("initiator and responder root secrets differ")
	}
}

func TestX3DH_SymmetricWithOneTimePreKey(t *testing.T) {
	initiator := mustKeySet(t, 0)
	defer initiator.Dispose()
	responder := mustKeySet(t, 3)
	defer responder.Dispose()

	if err := initiator.GenerateEphemeralKeypair(); err != nil {
		t.Fatalf("GenerateEphemeralKeypair: %v", err)
	}
	_, ephPub, ok := initiator.EphemeralKeyPair()
	if !ok {
		t.Fatal("EphemeralKeyPair: expected ok=true")
	}

	responderBundle := responder.ToPublicBundle()
	initBuf, err := initiator.X3DHDeriveAsInitiator(responderBundle, []byte("v1"))
	if err != nil {
		t.Fatalf("X3DHDeriveAsInitiator: %v", err)
	}
	defer initBuf.Dispose()
	initSecret := readSecret(t, initBuf)

	usedID := responderBundle.OPKs[0].ID
	initiatorIDPub := initiator.ToPublicBundle().IdentityXPub
	respBuf, err := responder.X3DHDeriveAsResponder(initiatorIDPub, ephPub, &usedID, []byte("v1"))
	if err != nil {
		t.Fatalf("X3DHDeriveAsResponder: %v", err)
	}
	defer respBuf.Dispose()
	respSecret := readSecret(t, respBuf)

	if !bytes.Equal(initSecret, respSecret) {
		t.Fatal("initiator and responder root secrets differ when an OPK is used")
	}
}

func TestX3DH_WithAndWithoutOneTimePreKeyDiffer(t *testing.T) {
	initiator := mustKeySet(t, 0)
	defer initiator.Dispose()
	responder := mustKeySet(t, 2)
	defer responder.Dispose()

	if err := initiator.GenerateEphemeralKeypair(); err != nil {
		t.Fatalf("GenerateEphemeralKeypair: %v", err)
	}
	responderBundle := responder.ToPublicBundle()
	buf, err := initiator.X3DHDeriveAsInitiator(responderBundle, []byte("v1"))
	if err != nil {
		t.Fatalf("X3DHDeriveAsInitiator: %v", err)
	}
	defer buf.Dispose()
	withOPK := readSecret(t, buf)

	noOPKBundle := responderBundle
	noOPKBundle.OPKs = nil

	initiator2 := mustKeySet(t, 0)
	defer initiator2.Dispose()
	if err := initiator2.GenerateEphemeralKeypair(); err != nil {
		t.Fatalf("GenerateEphemeralKeypair: %v", err)
	}
	buf2, err := initiator2.X3DHDeriveAsInitiator(noOPKBundle, []byte("v1"))
	if err != nil {
		t.Fatalf("X3DHDeriveAsInitiator (no opk): %v", err)
	}
	defer buf2.Dispose()
	withoutOPK := readSecret(t, buf2)

	if bytes.Equal(withOPK, withoutOPK) {
		t.Fatal("root secret should differ depending on one-time pre-key use")
	}
}

func TestX3DH_RejectsInvalidSignedPreKeySignature(t *testing.T) {
	initiator := mustKeySet(t, 0)
	defer initiator.Dispose()
	responder := mustKeySet(t, 0)
	defer responder.Dispose()

	if err := initiator.GenerateEphemeralKeypair(); err != nil {
		t.Fatalf("GenerateEphemeralKeypair: %v", err)
	}

	bundle := responder.ToPublicBundle()
	bundle.SPKSig[0] ^= 0xFF // corrupt the signature

	if _, err := initiator.X3DHDeriveAsInitiator(bundle, []byte("v1")); err == nil {
		t.Fatal("expected error deriving against a bundle with an invalid SPK signature")
	}
}

func TestEphemeralKeyPair_ConsumedAfterInitiatorDerive(t *testing.T) {
	initiator := mustKeySet(t, 0)
	defer initiator.Dispose()
	responder := mustKeySet(t, 0)
	defer responder.Dispose()

	if err := initiator.GenerateEphemeralKeypair(); err != nil {
		t.Fatalf("GenerateEphemeralKeypair: %v", err)
	}
	bundle := responder.ToPublicBundle()
	buf, err := initiator.X3DHDeriveAsInitiator(bundle, []byte("v1"))
	if err != nil {
		t.Fatalf("X3DHDeriveAsInitiator: %v", err)
	}
	buf.Dispose()

	if _, _, ok := initiator.EphemeralKeyPair(); ok {
		t.Fatal("expected ephemeral key pair to be consumed after deriving as initiator")
	}
}
