package identity

import (
	"github.com/fxamacker/cbor/v2"

	"ciphera/internal/protocol/errs"
	"ciphera/internal/protocol/securemem"
)

var cborEncMode = mustCanonicalEncMode()

func mustCanonicalEncMode() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

type persistedOPK struct {
	ID   uint32   `cbor:"id"`
	Priv [32]byte `cbor:"priv"`
	Pub  [32]byte `cbor:"pub"`
}

type persistedKeySet struct {
	EdPriv  [64]byte       `cbor:"ed_priv"`
	EdPub   [32]byte       `cbor:"ed_pub"`
	XPriv   [32]byte       `cbor:"x_priv"`
	XPub    [32]byte       `cbor:"x_pub"`
	SPKID   uint32         `cbor:"spk_id"`
	SPKPriv [32]byte       `cbor:"spk_priv"`
	SPKPub  [32]byte       `cbor:"spk_pub"`
	SPKSig  [64]byte       `cbor:"spk_sig"`
	OPKs    []persistedOPK `cbor:"opks"`
}

// MarshalState produces a deterministic opaque blob of every field
// required to rehydrate the key set. It is the caller's responsibility to
// encrypt this blob before writing it to any storage backend.
func (k *KeySet) MarshalState() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	var p persistedKeySet
	if err := k.edPriv.WithReadAccess(func(b []byte) error { copy(p.EdPriv[:], b); return nil }); err != nil {
		return nil, err
	}
	p.EdPub = k.EdPub
	if err := k.xPriv.WithReadAccess(func(b []byte) error { copy(p.XPriv[:], b); return nil }); err != nil {
		return nil, err
	}
	p.XPub = k.XPub
	p.SPKID = k.SPKID
	if err := k.spkPriv.WithReadAccess(func(b []byte) error { copy(p.SPKPriv[:], b); return nil }); err != nil {
		return nil, err
	}
	p.SPKPub = k.SPKPub
	p.SPKSig = k.SPKSig

	for _, o := range k.opks {
		var po persistedOPK
		po.ID = o.ID
		po.Pub = o.Pub
		if err := o.priv.WithReadAccess(func(b []byte) error { copy(po.Priv[:], b); return nil }); err != nil {
			return nil, err
		}
		p.OPKs = append(p.OPKs, po)
	}

	out, err := cborEncMode.Marshal(p)
	securemem.Wipe(p.EdPriv[:])
	securemem.Wipe(p.XPriv[:])
	securemem.Wipe(p.SPKPriv[:])
	for i := range p.OPKs {
		securemem.Wipe(p.OPKs[i].Priv[:])
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindDecode, "encode identity state", err)
	}
	return out, nil
}

// UnmarshalState rehydrates a KeySet from a blob produced by MarshalState.
func UnmarshalState(data []byte) (*KeySet, error) {
	var p persistedKeySet
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, errs.Wrap(errs.KindDecode, "decode identity state", err)
	}
	defer func() {
		securemem.Wipe(p.EdPriv[:])
		securemem.Wipe(p.XPriv[:])
		securemem.Wipe(p.SPKPriv[:])
		for i := range p.OPKs {
			securemem.Wipe(p.OPKs[i].Priv[:])
		}
	}()

	edPriv, err := securemem.FromBytes(append([]byte(nil), p.EdPriv[:]...))
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyGeneration, "seal ed25519 identity secret", err)
	}
	xPriv, err := securemem.FromBytes(append([]byte(nil), p.XPriv[:]...))
	if err != nil {
		edPriv.Dispose()
		return nil, errs.Wrap(errs.KindKeyGeneration, "seal x25519 identity secret", err)
	}
	spkPriv, err := securemem.FromBytes(append([]byte(nil), p.SPKPriv[:]...))
	if err != nil {
		edPriv.Dispose()
		xPriv.Dispose()
		return nil, errs.Wrap(errs.KindKeyGeneration, "seal spk secret", err)
	}

	ks := &KeySet{
		edPriv:  edPriv,
		EdPub:   p.EdPub,
		xPriv:   xPriv,
		XPub:    p.XPub,
		SPKID:   p.SPKID,
		spkPriv: spkPriv,
		SPKPub:  p.SPKPub,
		SPKSig:  p.SPKSig,
	}

	for _, po := range p.OPKs {
		priv, err := securemem.FromBytes(append([]byte(nil), po.Priv[:]...))
		if err != nil {
			ks.Dispose()
			return nil, errs.Wrap(errs.KindKeyGeneration, "seal opk secret", err)
		}
		ks.opks = append(ks.opks, &OneTimePreKey{ID: po.ID, priv: priv, Pub: po.Pub})
	}

	return ks, nil
}
