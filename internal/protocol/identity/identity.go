// Package identity implements the Identity Keys component: the long-term
// Ed25519 signing key, X25519 identity key, signed pre-key, one-time
// pre-keys, and the X3DH handshake run against a peer's public bundle.
package identity

import (
	"encoding/binary"
	"sync"

	"ciphera/internal/crypto"
	"ciphera/internal/protocol/errs"
	"ciphera/internal/protocol/securemem"
)

// Domain-separation tags, fixed once and embedded in code.
const (
	masterEdSeedTag  = "ciphera-x3dh|master-ed25519-seed"
	masterXSeedTag   = "ciphera-x3dh|master-x25519-seed"
	masterSPKSeedTag = "ciphera-x3dh|master-spk-seed"
	masterOPKSeedTag = "ciphera-x3dh|master-opk-seed"
)

// OneTimePreKey is a single (id, secret, public) one-time pre-key.
type OneTimePreKey struct {
	ID   uint32
	priv *securemem.Buffer // 32 B
	Pub  [32]byte
}

// OneTimePreKeyPublic is the publish-side projection of a OneTimePreKey.
type OneTimePreKeyPublic struct {
	ID  uint32
	Pub [32]byte
}

// KeySet owns a long-term identity: Ed25519 signing key, X25519 identity
// key, one signed pre-key, a bag of one-time pre-keys, and an optional
// ephemeral key used only while acting as an X3DH initiator.
type KeySet struct {
	mu sync.Mutex

	edPriv *securemem.Buffer // 64 B
	EdPub  [32]byte

	xPriv *securemem.Buffer // 32 B
	XPub  [32]byte

	SPKID   uint32
	spkPriv *securemem.Buffer // 32 B
	SPKPub  [32]byte
	SPKSig  [64]byte

	opks []*OneTimePreKey

	ephPriv *securemem.Buffer // 32 B, nil until generated
	EphPub  [32]byte
	hasEph  bool
}

// PublicBundle is the publish-side projection of a KeySet.
type PublicBundle struct {
	IdentityEdPub [32]byte
	IdentityXPub  [32]byte
	SPKID         uint32
	SPKPub        [32]byte
	SPKSig        [64]byte
	OPKs          []OneTimePreKeyPublic
	Ephemeral     *[32]byte
}

// Create generates a fresh identity key set with opkCount one-time
// pre-keys, each with a unique random u32 id.
func Create(opkCount int) (*KeySet, error) {
	if opkCount < 0 {
		return nil, errs.New(errs.KindInvalidInput, "opk count must be non-negative")
	}

	edPrivRaw, edPub, err := crypto.GenerateEd25519Raw()
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyGeneration, "generate ed25519 identity key", err)
	}
	defer securemem.Wipe(edPrivRaw[:])
	edPriv, err := securemem.FromBytes(append([]byte(nil), edPrivRaw[:]...))
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyGeneration, "seal ed25519 identity secret", err)
	}

	xPrivRaw, xPub, err := crypto.GenerateX25519Raw()
	if err != nil {
		edPriv.Dispose()
		return nil, errs.Wrap(errs.KindKeyGeneration, "generate x25519 identity key", err)
	}
	xPriv, err := securemem.FromBytes(xPrivRaw[:])
	if err != nil {
		edPriv.Dispose()
		return nil, errs.Wrap(errs.KindKeyGeneration, "seal x25519 identity secret", err)
	}

	spkIDBytes, err := crypto.RandBytes(4)
	if err != nil {
		edPriv.Dispose()
		xPriv.Dispose()
		return nil, errs.Wrap(errs.KindKeyGeneration, "generate spk id", err)
	}
	spkID := binary.LittleEndian.Uint32(spkIDBytes)

	spkPrivRaw, spkPub, err := crypto.GenerateX25519Raw()
	if err != nil {
		edPriv.Dispose()
		xPriv.Dispose()
		return nil, errs.Wrap(errs.KindKeyGeneration, "generate signed pre-key", err)
	}
	spkPriv, err := securemem.FromBytes(spkPrivRaw[:])
	if err != nil {
		edPriv.Dispose()
		xPriv.Dispose()
		return nil, errs.Wrap(errs.KindKeyGeneration, "seal signed pre-key secret", err)
	}

	var spkSig [64]byte
	copy(spkSig[:], crypto.SignEd25519Raw(edPrivRaw, spkPub[:]))

	ks := &KeySet{
		edPriv:  edPriv,
		EdPub:   edPub,
		xPriv:   xPriv,
		XPub:    xPub,
		SPKID:   spkID,
		spkPriv: spkPriv,
		SPKPub:  spkPub,
		SPKSig:  spkSig,
	}

	for i := 0; i < opkCount; i++ {
		if err := ks.addRandomOPK(); err != nil {
			ks.Dispose()
			return nil, err
		}
	}

	return ks, nil
}

// AddOneTimePreKeys generates n additional random one-time pre-keys,
// appending them to the key set's bag.
func (k *KeySet) AddOneTimePreKeys(n int) error {
	if n < 0 {
		return errs.New(errs.KindInvalidInput, "opk count must be non-negative")
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	for i := 0; i < n; i++ {
		if err := k.addRandomOPK(); err != nil {
			return err
		}
	}
	return nil
}

func (k *KeySet) addRandomOPK() error {
	idBytes, err := crypto.RandBytes(4)
	if err != nil {
		return errs.Wrap(errs.KindKeyGeneration, "generate opk id", err)
	}
	id := binary.LittleEndian.Uint32(idBytes)
	for k.hasOPKID(id) || id == k.SPKID {
		idBytes, err = crypto.RandBytes(4)
		if err != nil {
			return errs.Wrap(errs.KindKeyGeneration, "generate opk id", err)
		}
		id = binary.LittleEndian.Uint32(idBytes)
	}
	privRaw, pub, err := crypto.GenerateX25519Raw()
	if err != nil {
		return errs.Wrap(errs.KindKeyGeneration, "generate one-time pre-key", err)
	}
	priv, err := securemem.FromBytes(privRaw[:])
	if err != nil {
		return errs.Wrap(errs.KindKeyGeneration, "seal one-time pre-key secret", err)
	}
	k.opks = append(k.opks, &OneTimePreKey{ID: id, priv: priv, Pub: pub})
	return nil
}

func (k *KeySet) hasOPKID(id uint32) bool {
	for _, o := range k.opks {
		if o.ID == id {
			return true
		}
	}
	return false
}

// CreateFromMasterKey deterministically derives an identity key set from
// (master, id): fixed (master, id, opkCount) always yields byte-identical
// public outputs and SPK id.
func CreateFromMasterKey(master []byte, id uint32, opkCount int) (*KeySet, error) {
	if len(master) == 0 {
		return nil, errs.New(errs.KindInvalidInput, "master key must not be empty")
	}
	if opkCount < 0 {
		return nil, errs.New(errs.KindInvalidInput, "opk count must be non-negative")
	}

	idBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(idBytes, id)

	edSeed, err := crypto.HKDFSHA256(master, idBytes, []byte(masterEdSeedTag), 32)
	if err != nil {
		return nil, errs.Wrap(errs.KindDeriveKey, "derive ed25519 seed", err)
	}
	defer securemem.Wipe(edSeed)
	edPrivRaw, edPub, err := edFromSeed(edSeed)
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyGeneration, "derive ed25519 identity key", err)
	}
	defer securemem.Wipe(edPrivRaw[:])
	edPriv, err := securemem.FromBytes(append([]byte(nil), edPrivRaw[:]...))
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyGeneration, "seal ed25519 identity secret", err)
	}

	xSeed, err := crypto.HKDFSHA256(master, idBytes, []byte(masterXSeedTag), 32)
	if err != nil {
		edPriv.Dispose()
		return nil, errs.Wrap(errs.KindDeriveKey, "derive x25519 identity seed", err)
	}
	var xPrivRaw [32]byte
	copy(xPrivRaw[:], xSeed)
	securemem.Wipe(xSeed)
	crypto.ClampX25519Raw(&xPrivRaw)
	xPub, err := x25519Public(xPrivRaw)
	if err != nil {
		edPriv.Dispose()
		return nil, errs.Wrap(errs.KindKeyGeneration, "derive x25519 identity public", err)
	}
	xPriv, err := securemem.FromBytes(xPrivRaw[:])
	if err != nil {
		edPriv.Dispose()
		return nil, errs.Wrap(errs.KindKeyGeneration, "seal x25519 identity secret", err)
	}

	spkSeed, err := crypto.HKDFSHA256(master, idBytes, []byte(masterSPKSeedTag), 36)
	if err != nil {
		edPriv.Dispose()
		xPriv.Dispose()
		return nil, errs.Wrap(errs.KindDeriveKey, "derive spk seed", err)
	}
	spkID := binary.LittleEndian.Uint32(spkSeed[:4])
	var spkPrivRaw [32]byte
	copy(spkPrivRaw[:], spkSeed[4:36])
	securemem.Wipe(spkSeed)
	crypto.ClampX25519Raw(&spkPrivRaw)
	spkPub, err := x25519Public(spkPrivRaw)
	if err != nil {
		edPriv.Dispose()
		xPriv.Dispose()
		return nil, errs.Wrap(errs.KindKeyGeneration, "derive spk public", err)
	}
	spkPriv, err := securemem.FromBytes(spkPrivRaw[:])
	if err != nil {
		edPriv.Dispose()
		xPriv.Dispose()
		return nil, errs.Wrap(errs.KindKeyGeneration, "seal spk secret", err)
	}

	var spkSig [64]byte
	copy(spkSig[:], crypto.SignEd25519Raw(edPrivRaw, spkPub[:]))

	ks := &KeySet{
		edPriv:  edPriv,
		EdPub:   edPub,
		xPriv:   xPriv,
		XPub:    xPub,
		SPKID:   spkID,
		spkPriv: spkPriv,
		SPKPub:  spkPub,
		SPKSig:  spkSig,
	}

	for i := 0; i < opkCount; i++ {
		if err := ks.addDeterministicOPK(master, id, uint32(i)); err != nil {
			ks.Dispose()
			return nil, err
		}
	}

	return ks, nil
}

// addDeterministicOPK derives OPK index idx from (master, id). If the
// derived id collides with the SPK id (disjoint namespaces are required),
// it is re-derived under a retry-indexed domain tag until disjoint.
func (k *KeySet) addDeterministicOPK(master []byte, id, idx uint32) error {
	info := make([]byte, 0, len(masterOPKSeedTag)+8)
	info = append(info, []byte(masterOPKSeedTag)...)

	salt := make([]byte, 8)
	binary.LittleEndian.PutUint32(salt[0:4], id)
	binary.LittleEndian.PutUint32(salt[4:8], idx)

	retry := uint32(0)
	for {
		tagInfo := append(append([]byte{}, info...), encodeU32(retry)...)
		seed, err := crypto.HKDFSHA256(master, salt, tagInfo, 36)
		if err != nil {
			return errs.Wrap(errs.KindDeriveKey, "derive opk seed", err)
		}
		opkID := binary.LittleEndian.Uint32(seed[:4])
		if opkID == k.SPKID || k.hasOPKID(opkID) {
			securemem.Wipe(seed)
			retry++
			continue
		}
		var privRaw [32]byte
		copy(privRaw[:], seed[4:36])
		securemem.Wipe(seed)
		crypto.ClampX25519Raw(&privRaw)
		pub, err := x25519Public(privRaw)
		if err != nil {
			return errs.Wrap(errs.KindKeyGeneration, "derive opk public", err)
		}
		priv, err := securemem.FromBytes(privRaw[:])
		if err != nil {
			return errs.Wrap(errs.KindKeyGeneration, "seal opk secret", err)
		}
		k.opks = append(k.opks, &OneTimePreKey{ID: opkID, priv: priv, Pub: pub})
		return nil
	}
}

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// ToPublicBundle is a pure projection of the key set's public material.
func (k *KeySet) ToPublicBundle() PublicBundle {
	k.mu.Lock()
	defer k.mu.Unlock()

	pub := PublicBundle{
		IdentityEdPub: k.EdPub,
		IdentityXPub:  k.XPub,
		SPKID:         k.SPKID,
		SPKPub:        k.SPKPub,
		SPKSig:        k.SPKSig,
	}
	for _, o := range k.opks {
		pub.OPKs = append(pub.OPKs, OneTimePreKeyPublic{ID: o.ID, Pub: o.Pub})
	}
	if k.hasEph {
		eph := k.EphPub
		pub.Ephemeral = &eph
	}
	return pub
}

// VerifyRemoteSPKSignature checks remoteSPKSig over remoteSPKPub under
// remoteIDEd, after length-checking all three.
func VerifyRemoteSPKSignature(remoteIDEd, remoteSPKPub [32]byte, remoteSPKSig []byte) bool {
	if len(remoteSPKSig) != 64 {
		return false
	}
	return crypto.VerifyEd25519Raw(remoteIDEd, remoteSPKPub[:], remoteSPKSig)
}

// GenerateEphemeralKeypair replaces any existing ephemeral key, zeroizing
// the previous one.
func (k *KeySet) GenerateEphemeralKeypair() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	priv, pub, err := crypto.GenerateX25519Raw()
	if err != nil {
		return errs.Wrap(errs.KindKeyGeneration, "generate ephemeral key", err)
	}
	buf, err := securemem.FromBytes(priv[:])
	if err != nil {
		return errs.Wrap(errs.KindKeyGeneration, "seal ephemeral secret", err)
	}
	if k.ephPriv != nil {
		k.ephPriv.Dispose()
	}
	k.ephPriv = buf
	k.EphPub = pub
	k.hasEph = true
	return nil
}

// EphemeralKeyPair copies out the current ephemeral key pair without
// consuming it, for seeding the Double Ratchet connection's initial
// sending key with the same scalar used as the X3DH ephemeral. The
// caller must wipe priv after use.
func (k *KeySet) EphemeralKeyPair() (priv [32]byte, pub [32]byte, ok bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.hasEph {
		return priv, pub, false
	}
	_ = k.ephPriv.WithReadAccess(func(b []byte) error {
		copy(priv[:], b)
		return nil
	})
	return priv, k.EphPub, true
}

// SignedPreKeyPair copies out the current signed pre-key pair, for
// seeding a responder's Double Ratchet connection's initial sending key
// with the same scalar the initiator anchored its X3DH agreement to. The
// caller must wipe priv after use.
func (k *KeySet) SignedPreKeyPair() (id uint32, priv [32]byte, pub [32]byte) {
	k.mu.Lock()
	defer k.mu.Unlock()

	_ = k.spkPriv.WithReadAccess(func(b []byte) error {
		copy(priv[:], b)
		return nil
	})
	return k.SPKID, priv, k.SPKPub
}

// RemoveOneTimePreKey deletes the one-time pre-key with the given id, if
// present, zeroizing its secret. One-time pre-keys are single-use: the
// responder service calls this after consuming one in an X3DH handshake.
func (k *KeySet) RemoveOneTimePreKey(id uint32) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for i, o := range k.opks {
		if o.ID == id {
			o.priv.Dispose()
			k.opks = append(k.opks[:i], k.opks[i+1:]...)
			return
		}
	}
}

// opkByID looks up a local one-time pre-key by id.
func (k *KeySet) opkByID(id uint32) (*OneTimePreKey, bool) {
	for _, o := range k.opks {
		if o.ID == id {
			return o, true
		}
	}
	return nil, false
}

func edFromSeed(seed []byte) (priv [64]byte, pub [32]byte, err error) {
	if len(seed) != 32 {
		return priv, pub, errs.New(errs.KindInvalidInput, "ed25519 seed must be 32 bytes")
	}
	var s [32]byte
	copy(s[:], seed)
	priv, pub = crypto.Ed25519FromSeedRaw(s)
	return priv, pub, nil
}

func x25519Public(priv [32]byte) ([32]byte, error) {
	return crypto.X25519PublicRaw(priv)
}
