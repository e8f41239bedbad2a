package ratchet_test

import (
	"bytes"
	"testing"

	"ciphera/internal/crypto"
	"ciphera/internal/protocol/adaptive"
	"ciphera/internal/protocol/identity"
	"ciphera/internal/protocol/ratchet"
)

const testAD = "ciphera-test-v1"

// bootstrapPair builds two connections already finalized against each
// other, mirroring how the session/message services anchor the Double
// Ratchet's bootstrap DH to the X3DH-authenticated ephemeral (initiator)
// and signed pre-key (responder) material.
func bootstrapPair(t *testing.T) (initiator, responder *ratchet.Connection) {
	t.Helper()

	ephPriv, ephPub, err := crypto.GenerateX25519Raw()
	if err != nil {
		t.Fatalf("generate ephemeral key: %v", err)
	}
	spkPriv, spkPub, err := crypto.GenerateX25519Raw()
	if err != nil {
		t.Fatalf("generate spk: %v", err)
	}
	_, initiatorIDPub, err := crypto.GenerateX25519Raw()
	if err != nil {
		t.Fatalf("generate initiator identity: %v", err)
	}
	_, responderIDPub, err := crypto.GenerateX25519Raw()
	if err != nil {
		t.Fatalf("generate responder identity: %v", err)
	}

	rootKey, err := crypto.RandBytes(32)
	if err != nil {
		t.Fatalf("generate shared root: %v", err)
	}

	initiator, err = ratchet.CreateWithInitialKey(1, true, adaptive.New(), ratchet.ExchangeStreaming, ephPriv, ephPub)
	if err != nil {
		t.Fatalf("CreateWithInitialKey(initiator): %v", err)
	}
	responder, err = ratchet.CreateWithInitialKey(1, false, adaptive.New(), ratchet.ExchangeStreaming, spkPriv, spkPub)
	if err != nil {
		t.Fatalf("CreateWithInitialKey(responder): %v", err)
	}

	if err := initiator.SetPeerBundle(identity.PublicBundle{IdentityXPub: responderIDPub}); err != nil {
		t.Fatalf("initiator.SetPeerBundle: %v", err)
	}
	if err := responder.SetPeerBundle(identity.PublicBundle{IdentityXPub: initiatorIDPub}); err != nil {
		t.Fatalf("responder.SetPeerBundle: %v", err)
	}

	if err := initiator.Finalize(rootKey, spkPub); err != nil {
		t.Fatalf("initiator.Finalize: %v", err)
	}
	if err := responder.Finalize(rootKey, ephPub); err != nil {
		t.Fatalf("responder.Finalize: %v", err)
	}

	return initiator, responder
}

func TestRatchet_FinalizeProducesSymmetricBootstrap(t *testing.T) {
	initiator, responder := bootstrapPair(t)
	defer initiator.Dispose()
	defer responder.Dispose()

	mk, index, _, senderDHPub, err := initiator.PrepareNextSendMessage()
	if err != nil {
		t.Fatalf("PrepareNextSendMessage: %v", err)
	}
	defer crypto.Wipe(mk)

	nonce, err := initiator.GenerateNextNonce()
	if err != nil {
		t.Fatalf("GenerateNextNonce: %v", err)
	}

	plaintext := []byte("hello from the initiator")
	cipher, err := crypto.SealAESGCM(mk, nonce[:], plaintext, []byte(testAD))
	if err != nil {
		t.Fatalf("SealAESGCM: %v", err)
	}

	if err := responder.CheckReplayProtection(nonce[:], index); err != nil {
		t.Fatalf("CheckReplayProtection: %v", err)
	}
	if err := responder.PerformReceivingRatchet(senderDHPub); err != nil {
		t.Fatalf("PerformReceivingRatchet: %v", err)
	}
	rmk, err := responder.ProcessReceivedMessage(index)
	if err != nil {
		t.Fatalf("ProcessReceivedMessage: %v", err)
	}
	defer crypto.Wipe(rmk)

	got, err := crypto.OpenAESGCM(rmk, nonce[:], cipher, []byte(testAD))
	if err != nil {
		t.Fatalf("OpenAESGCM: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypted plaintext = %q, want %q", got, plaintext)
	}
}

func TestRatchet_OutOfOrderDeliveryRecoversViaSkippedCache(t *testing.T) {
	initiator, responder := bootstrapPair(t)
	defer initiator.Dispose()
	defer responder.Dispose()

	type sent struct {
		index  uint32
		nonce  [12]byte
		cipher []byte
		dhPub  [32]byte
	}
	var msgs []sent
	plaintexts := []string{"first", "second", "third"}
	for _, pt := range plaintexts {
		mk, index, _, dhPub, err := initiator.PrepareNextSendMessage()
		if err != nil {
			t.Fatalf("PrepareNextSendMessage: %v", err)
		}
		nonce, err := initiator.GenerateNextNonce()
		if err != nil {
			t.Fatalf("GenerateNextNonce: %v", err)
		}
		cipher, err := crypto.SealAESGCM(mk, nonce[:], []byte(pt), []byte(testAD))
		crypto.Wipe(mk)
		if err != nil {
			t.Fatalf("SealAESGCM: %v", err)
		}
		msgs = append(msgs, sent{index: index, nonce: nonce, cipher: cipher, dhPub: dhPub})
	}

	// Deliver the third message first; the responder must recover the
	// first two via the skipped-message-key cache once they do arrive.
	third := msgs[2]
	if err := responder.CheckReplayProtection(third.nonce[:], third.index); err != nil {
		t.Fatalf("CheckReplayProtection(third): %v", err)
	}
	if err := responder.PerformReceivingRatchet(third.dhPub); err != nil {
		t.Fatalf("PerformReceivingRatchet(third): %v", err)
	}
	mk3, err := responder.ProcessReceivedMessage(third.index)
	if err != nil {
		t.Fatalf("ProcessReceivedMessage(third): %v", err)
	}
	pt3, err := crypto.OpenAESGCM(mk3, third.nonce[:], third.cipher, []byte(testAD))
	crypto.Wipe(mk3)
	if err != nil {
		t.Fatalf("OpenAESGCM(third): %v", err)
	}
	if string(pt3) != plaintexts[2] {
		t.Fatalf("third plaintext = %q, want %q", pt3, plaintexts[2])
	}

	for i, m := range msgs[:2] {
		if err := responder.CheckReplayProtection(m.nonce[:], m.index); err != nil {
			t.Fatalf("CheckReplayProtection(%d): %v", i, err)
		}
		mk, err := responder.ProcessReceivedMessage(m.index)
		if err != nil {
			t.Fatalf("ProcessReceivedMessage(%d): %v", i, err)
		}
		pt, err := crypto.OpenAESGCM(mk, m.nonce[:], m.cipher, []byte(testAD))
		crypto.Wipe(mk)
		if err != nil {
			t.Fatalf("OpenAESGCM(%d): %v", i, err)
		}
		if string(pt) != plaintexts[i] {
			t.Fatalf("plaintext[%d] = %q, want %q", i, pt, plaintexts[i])
		}
	}
}

func TestRatchet_ReplayedNonceRejected(t *testing.T) {
	initiator, responder := bootstrapPair(t)
	defer initiator.Dispose()
	defer responder.Dispose()

	mk, index, _, dhPub, err := initiator.PrepareNextSendMessage()
	if err != nil {
		t.Fatalf("PrepareNextSendMessage: %v", err)
	}
	nonce, err := initiator.GenerateNextNonce()
	if err != nil {
		t.Fatalf("GenerateNextNonce: %v", err)
	}
	crypto.Wipe(mk)

	if err := responder.CheckReplayProtection(nonce[:], index); err != nil {
		t.Fatalf("first CheckReplayProtection: %v", err)
	}
	if err := responder.PerformReceivingRatchet(dhPub); err != nil {
		t.Fatalf("PerformReceivingRatchet: %v", err)
	}
	if err := responder.CheckReplayProtection(nonce[:], index); err == nil {
		t.Fatal("expected replayed nonce to be rejected")
	}
}

func TestRatchet_MarshalUnmarshalStateRoundTrip(t *testing.T) {
	initiator, responder := bootstrapPair(t)
	defer responder.Dispose()

	mk, index, _, dhPub, err := initiator.PrepareNextSendMessage()
	if err != nil {
		t.Fatalf("PrepareNextSendMessage: %v", err)
	}
	nonce, err := initiator.GenerateNextNonce()
	if err != nil {
		t.Fatalf("GenerateNextNonce: %v", err)
	}
	plaintext := []byte("persisted across a restart")
	cipher, err := crypto.SealAESGCM(mk, nonce[:], plaintext, []byte(testAD))
	crypto.Wipe(mk)
	if err != nil {
		t.Fatalf("SealAESGCM: %v", err)
	}

	blob, err := initiator.MarshalState()
	if err != nil {
		t.Fatalf("MarshalState: %v", err)
	}
	initiator.Dispose()

	restored, err := ratchet.UnmarshalState(blob, adaptive.New())
	if err != nil {
		t.Fatalf("UnmarshalState: %v", err)
	}
	defer restored.Dispose()

	if err := responder.CheckReplayProtection(nonce[:], index); err != nil {
		t.Fatalf("CheckReplayProtection: %v", err)
	}
	if err := responder.PerformReceivingRatchet(dhPub); err != nil {
		t.Fatalf("PerformReceivingRatchet: %v", err)
	}
	rmk, err := responder.ProcessReceivedMessage(index)
	if err != nil {
		t.Fatalf("ProcessReceivedMessage: %v", err)
	}
	defer crypto.Wipe(rmk)
	got, err := crypto.OpenAESGCM(rmk, nonce[:], cipher, []byte(testAD))
	if err != nil {
		t.Fatalf("OpenAESGCM: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypted plaintext = %q, want %q", got, plaintext)
	}

	// Restored connection must be able to continue sending.
	_, _, _, _, err = restored.PrepareNextSendMessage()
	if err != nil {
		t.Fatalf("PrepareNextSendMessage after restore: %v", err)
	}
}
