package identity

import (
	"ciphera/internal/crypto"
	"ciphera/internal/protocol/errs"
	"ciphera/internal/protocol/securemem"
)

// dhWithBuffer performs X25519 DH where the private scalar lives in a
// secure buffer; the shared secret is returned as a plain array since it
// is immediately folded into an HKDF input and wiped by the caller.
func dhWithBuffer(privBuf *securemem.Buffer, pub [32]byte) (shared [32]byte, err error) {
	err = privBuf.WithReadAccess(func(priv []byte) error {
		var p [32]byte
		copy(p[:], priv)
		s, derr := crypto.DHRaw(p, pub)
		if derr != nil {
			return errs.Wrap(errs.KindDeriveKey, "x25519 dh", derr)
		}
		shared = s
		return nil
	})
	return shared, err
}

func validatePoint(kind string, p [32]byte) error {
	if !crypto.IsValidCurvePoint(p[:]) {
		return errs.New(errs.KindPeerPublicKeyInvalid, kind+" is not a valid curve point")
	}
	return nil
}

// X3DHDeriveAsInitiator runs X3DH as the initiator against remote's public
// bundle, consuming (disposing) the local ephemeral secret. info must be
// non-empty.
func (k *KeySet) X3DHDeriveAsInitiator(remote PublicBundle, info []byte) (*securemem.Buffer, error) {
	if len(info) == 0 {
		return nil, errs.New(errs.KindDeriveKey, "hkdf info must be non-empty")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.ephPriv == nil {
		return nil, errs.New(errs.KindPrepareLocal, "no ephemeral key; call GenerateEphemeralKeypair first")
	}
	if err := validatePoint("remote identity key", remote.IdentityXPub); err != nil {
		return nil, err
	}
	if err := validatePoint("remote signed pre-key", remote.SPKPub); err != nil {
		return nil, err
	}
	if !VerifyRemoteSPKSignature(remote.IdentityEdPub, remote.SPKPub, remote.SPKSig[:]) {
		return nil, errs.New(errs.KindHandshake, "remote signed pre-key signature invalid")
	}

	defer func() {
		k.ephPriv.Dispose()
		k.ephPriv = nil
		k.hasEph = false
	}()

	dh1, err := dhWithBuffer(k.xPriv, remote.SPKPub) // DH(ID_local, SPK_remote)
	if err != nil {
		return nil, err
	}
	dh2, err := dhWithBuffer(k.ephPriv, remote.IdentityXPub) // DH(EK_local, ID_remote)
	if err != nil {
		return nil, err
	}
	dh3, err := dhWithBuffer(k.ephPriv, remote.SPKPub) // DH(EK_local, SPK_remote)
	if err != nil {
		return nil, err
	}

	var dh4 *[32]byte
	if len(remote.OPKs) > 0 {
		chosen := remote.OPKs[0]
		if err := validatePoint("remote one-time pre-key", chosen.Pub); err != nil {
			return nil, err
		}
		d, err := dhWithBuffer(k.ephPriv, chosen.Pub) // DH(EK_local, OPK_remote)
		if err != nil {
			return nil, err
		}
		dh4 = &d
	}

	secret, err := deriveRootSecret(dh1, dh2, dh3, dh4, info)
	securemem.Wipe(dh1[:])
	securemem.Wipe(dh2[:])
	securemem.Wipe(dh3[:])
	if dh4 != nil {
		securemem.Wipe(dh4[:])
	}
	if err != nil {
		return nil, err
	}
	defer securemem.Wipe(secret)

	buf, err := securemem.FromBytes(secret)
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyGeneration, "seal x3dh shared secret", err)
	}
	return buf, nil
}

// X3DHDeriveAsResponder runs X3DH as the responder against the remote
// identity and ephemeral public keys, optionally consuming a local
// one-time pre-key by id.
func (k *KeySet) X3DHDeriveAsResponder(
	remoteIDPub, remoteEphPub [32]byte,
	usedOPKID *uint32,
	info []byte,
) (*securemem.Buffer, error) {
	if len(info) == 0 {
		return nil, errs.New(errs.KindDeriveKey, "hkdf info must be non-empty")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if err := validatePoint("remote identity key", remoteIDPub); err != nil {
		return nil, err
	}
	if err := validatePoint("remote ephemeral key", remoteEphPub); err != nil {
		return nil, err
	}

	var opk *OneTimePreKey
	if usedOPKID != nil {
		o, ok := k.opkByID(*usedOPKID)
		if !ok {
			return nil, errs.New(errs.KindHandshake, "one-time pre-key id not found")
		}
		opk = o
	}

	// Position 1 = DH(SPK_local, ID_remote) == initiator's DH(ID_local,SPK_remote).
	dh1, err := dhWithBuffer(k.spkPriv, remoteIDPub)
	if err != nil {
		return nil, err
	}
	// Position 2 = DH(ID_local, EK_remote) == initiator's DH(EK_local,ID_remote).
	dh2, err := dhWithBuffer(k.xPriv, remoteEphPub)
	if err != nil {
		return nil, err
	}
	// Position 3 = DH(SPK_local, EK_remote) == initiator's DH(EK_local,SPK_remote).
	dh3, err := dhWithBuffer(k.spkPriv, remoteEphPub)
	if err != nil {
		return nil, err
	}

	var dh4 *[32]byte
	if opk != nil {
		// Position 4 = DH(OPK_local, EK_remote) == initiator's DH(EK_local,OPK_remote).
		d, err := dhWithBuffer(opk.priv, remoteEphPub)
		if err != nil {
			return nil, err
		}
		dh4 = &d
	}

	secret, err := deriveRootSecret(dh1, dh2, dh3, dh4, info)
	securemem.Wipe(dh1[:])
	securemem.Wipe(dh2[:])
	securemem.Wipe(dh3[:])
	if dh4 != nil {
		securemem.Wipe(dh4[:])
	}
	if err != nil {
		return nil, err
	}
	defer securemem.Wipe(secret)

	buf, err := securemem.FromBytes(secret)
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyGeneration, "seal x3dh shared secret", err)
	}
	return buf, nil
}

// deriveRootSecret builds IKM = 0xFF*32 ‖ DH1 ‖ DH2 ‖ DH3 ‖ [DH4] and runs
// HKDF-SHA256(IKM, salt=none, info, L=32). The ordering here is pinned
// identically for both initiator and responder call sites.
func deriveRootSecret(dh1, dh2, dh3 [32]byte, dh4 *[32]byte, info []byte) ([]byte, error) {
	ikm := make([]byte, 0, 32+32*4)
	for i := 0; i < 32; i++ {
		ikm = append(ikm, 0xFF)
	}
	ikm = append(ikm, dh1[:]...)
	ikm = append(ikm, dh2[:]...)
	ikm = append(ikm, dh3[:]...)
	if dh4 != nil {
		ikm = append(ikm, dh4[:]...)
	}
	defer securemem.Wipe(ikm)

	out, err := crypto.HKDFSHA256(ikm, nil, info, 32)
	if err != nil {
		return nil, errs.Wrap(errs.KindDeriveKey, "hkdf-sha256 x3dh root secret", err)
	}
	return out, nil
}

// Dispose zeroizes and releases every secret owned by the key set.
func (k *KeySet) Dispose() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.edPriv != nil {
		k.edPriv.Dispose()
	}
	if k.xPriv != nil {
		k.xPriv.Dispose()
	}
	if k.spkPriv != nil {
		k.spkPriv.Dispose()
	}
	for _, o := range k.opks {
		o.priv.Dispose()
	}
	k.opks = nil
	if k.ephPriv != nil {
		k.ephPriv.Dispose()
		k.ephPriv = nil
		k.hasEph = false
	}
}
