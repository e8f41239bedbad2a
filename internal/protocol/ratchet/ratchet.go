// Package ratchet implements the Ratchet Connection component: the
// Double-Ratchet state machine combining a root key, a sending chain
// step, an optional receiving chain step, DH ratchet trigger logic, the
// skipped-key cache, replay protection, and the adaptive cadence policy.
package ratchet

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"ciphera/internal/crypto"
	"ciphera/internal/protocol/adaptive"
	"ciphera/internal/protocol/chainstep"
	"ciphera/internal/protocol/errs"
	"ciphera/internal/protocol/identity"
	"ciphera/internal/protocol/recovery"
	"ciphera/internal/protocol/replay"
	"ciphera/internal/protocol/securemem"
)

// Domain-separation tags, fixed once and embedded in code.
const (
	dhRatchetTag  = "ciphera-dr|dh-ratchet"
	initSendTag   = "ciphera-dr|init-send"
	initRecvTag   = "ciphera-dr|init-recv"
	metadataV1Tag = "ciphera-dr|metadata-v1"

	// MaxSkipped bounds the Ratchet Recovery cache per connection.
	MaxSkipped = 2000
	// overflowThreshold guards process_received_message against indices
	// within this distance of u32::MAX.
	overflowThreshold = 1000
)

// ExchangeType distinguishes a resumable connection from a one-shot
// exchange, which refuses to serialize.
type ExchangeType int

const (
	ExchangeStreaming ExchangeType = iota
	ExchangeOneShot
)

type connState int

const (
	stateCreated connState = iota
	statePeerBundleSet
	stateFinalized
	stateDisposed
	stateExpired
)

// Connection is the Double-Ratchet state machine for one peer session.
type Connection struct {
	mu sync.Mutex

	id          uint64
	isInitiator bool
	createdAt   time.Time
	timeout     time.Duration
	state       connState
	exchange    ExchangeType

	sending   *chainstep.Step
	receiving *chainstep.Step

	rootKey      *securemem.Buffer // nil until finalized
	peerDHPub    [32]byte
	hasPeerDHPub bool

	// initialSendDHPriv/Pub is the per-connection sending key generated at
	// Create; persistentDHPriv/Pub is retained so a responder can rehydrate
	// its first receiving chain step.
	initialSendDHPriv *securemem.Buffer
	initialSendDHPub  [32]byte
	persistentDHPriv  *securemem.Buffer
	persistentDHPub   [32]byte

	nonceCounter atomic.Uint64
	noncePrefix  [8]byte

	lastRatchetTime          time.Time
	sentSinceRatchet         uint32
	receivedNewDH            bool
	firstReceivingRatchetDue bool

	metadataKey *securemem.Buffer

	recovery *recovery.Cache
	replay   *replay.Protector
	cadence  *adaptive.Manager

	peerBundle *identity.PublicBundle
}

// Create builds a new connection with a fresh sending DH key pair and a
// persistent DH key pair retained for responder rehydration.
func Create(connID uint64, isInitiator bool, cadence *adaptive.Manager, exchangeType ExchangeType) (*Connection, error) {
	sendPriv, sendPub, err := crypto.GenerateX25519Raw()
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyGeneration, "generate initial sending dh key", err)
	}
	return newConnection(connID, isInitiator, cadence, exchangeType, sendPriv, sendPub)
}

// CreateWithInitialKey builds a new connection whose initial sending DH
// key pair is the caller-supplied (initialPriv, initialPub) rather than a
// freshly generated one. The session layer uses this to anchor the first
// Double-Ratchet DH-ratchet step to the same per-handshake key X3DH
// already authenticated: the initiator's ephemeral key, or the
// responder's signed pre-key. This is what lets both sides derive an
// identical bootstrap secret in Finalize without any extra round trip.
func CreateWithInitialKey(
	connID uint64,
	isInitiator bool,
	cadence *adaptive.Manager,
	exchangeType ExchangeType,
	initialPriv [32]byte,
	initialPub [32]byte,
) (*Connection, error) {
	return newConnection(connID, isInitiator, cadence, exchangeType, initialPriv, initialPub)
}

func newConnection(
	connID uint64,
	isInitiator bool,
	cadence *adaptive.Manager,
	exchangeType ExchangeType,
	sendPriv [32]byte,
	sendPub [32]byte,
) (*Connection, error) {
	defer securemem.Wipe(sendPriv[:])
	sendBuf, err := securemem.FromBytes(append([]byte(nil), sendPriv[:]...))
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyGeneration, "seal initial sending dh key", err)
	}

	persistPriv, persistPub, err := crypto.GenerateX25519Raw()
	if err != nil {
		sendBuf.Dispose()
		return nil, errs.Wrap(errs.KindKeyGeneration, "generate persistent dh key", err)
	}
	persistBuf, err := securemem.FromBytes(persistPriv[:])
	if err != nil {
		sendBuf.Dispose()
		return nil, errs.Wrap(errs.KindKeyGeneration, "seal persistent dh key", err)
	}

	var zeroSeed [32]byte
	sendingStep, err := chainstep.Create(chainstep.RoleSender, zeroSeed[:], sendPriv[:], &sendPub)
	if err != nil {
		sendBuf.Dispose()
		persistBuf.Dispose()
		return nil, err
	}

	prefix, err := crypto.RandBytes(8)
	if err != nil {
		sendBuf.Dispose()
		persistBuf.Dispose()
		sendingStep.Dispose()
		return nil, errs.Wrap(errs.KindKeyGeneration, "generate nonce prefix", err)
	}

	c := &Connection{
		id:                       connID,
		isInitiator:              isInitiator,
		createdAt:                time.Now(),
		timeout:                  24 * time.Hour,
		state:                    stateCreated,
		exchange:                 exchangeType,
		sending:                  sendingStep,
		initialSendDHPriv:        sendBuf,
		initialSendDHPub:         sendPub,
		persistentDHPriv:         persistBuf,
		persistentDHPub:          persistPub,
		lastRatchetTime:          time.Now(),
		firstReceivingRatchetDue: true,
		recovery:                recovery.New(MaxSkipped),
		replay:                  replay.New(replay.DefaultNonceLifetime),
		cadence:                 cadence,
	}
	copy(c.noncePrefix[:], prefix)
	securemem.Wipe(prefix)

	return c, nil
}

// SetPeerBundle records the peer's validated public bundle.
func (c *Connection) SetPeerBundle(bundle identity.PublicBundle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateDisposed {
		return errs.New(errs.KindObjectDisposed, "connection disposed")
	}
	if !crypto.IsValidCurvePoint(bundle.IdentityXPub[:]) {
		return errs.New(errs.KindPeerPublicKeyInvalid, "peer identity key invalid")
	}
	b := bundle
	c.peerBundle = &b
	if c.state == stateCreated {
		c.state = statePeerBundleSet
	}
	return nil
}

// Finalize completes the handshake: bootstrap DH between the initial
// sending private key and the peer's initial DH public, mixed with
// initialRootKey via HKDF-SHA256, seeding both chain steps.
func (c *Connection) Finalize(initialRootKey []byte, initialPeerDHPub [32]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateDisposed {
		return errs.New(errs.KindObjectDisposed, "connection disposed")
	}
	if c.state == stateFinalized {
		return errs.New(errs.KindInvalidInput, "connection already finalized")
	}
	if len(initialRootKey) != 32 {
		return errs.New(errs.KindInvalidInput, "initial root key must be 32 bytes")
	}
	if !crypto.IsValidCurvePoint(initialPeerDHPub[:]) {
		return errs.New(errs.KindPeerPublicKeyInvalid, "initial peer dh public invalid")
	}

	var bootstrapDH [32]byte
	err := c.initialSendDHPriv.WithReadAccess(func(priv []byte) error {
		var p [32]byte
		copy(p[:], priv)
		d, derr := crypto.DHRaw(p, initialPeerDHPub)
		if derr != nil {
			return errs.Wrap(errs.KindDeriveKey, "bootstrap dh", derr)
		}
		bootstrapDH = d
		return nil
	})
	if err != nil {
		return err
	}
	defer securemem.Wipe(bootstrapDH[:])

	expanded, err := crypto.HKDFSHA256(bootstrapDH[:], initialRootKey, []byte(dhRatchetTag), 64)
	if err != nil {
		return errs.Wrap(errs.KindDeriveKey, "finalize root derivation", err)
	}
	defer securemem.Wipe(expanded)
	newRoot := expanded[:32]

	sendSeed, err := crypto.HKDFSHA256(newRoot, nil, []byte(initSendTag), 32)
	if err != nil {
		return errs.Wrap(errs.KindDeriveKey, "derive initial sender chain seed", err)
	}
	defer securemem.Wipe(sendSeed)
	recvSeed, err := crypto.HKDFSHA256(newRoot, nil, []byte(initRecvTag), 32)
	if err != nil {
		return errs.Wrap(errs.KindDeriveKey, "derive initial receiver chain seed", err)
	}
	defer securemem.Wipe(recvSeed)

	var mySendSeed, myRecvSeed []byte
	if c.isInitiator {
		mySendSeed, myRecvSeed = sendSeed, recvSeed
	} else {
		mySendSeed, myRecvSeed = recvSeed, sendSeed
	}

	if err := c.sending.UpdateKeysAfterDHRatchet(mySendSeed, nil, nil); err != nil {
		return err
	}

	var persistPriv [32]byte
	if err := c.persistentDHPriv.WithReadAccess(func(priv []byte) error {
		copy(persistPriv[:], priv)
		return nil
	}); err != nil {
		return err
	}
	recvStep, err := chainstep.Create(chainstep.RoleReceiver, myRecvSeed, persistPriv[:], &c.persistentDHPub)
	securemem.Wipe(persistPriv[:])
	if err != nil {
		return err
	}
	c.receiving = recvStep

	rootBuf, err := securemem.FromBytes(append([]byte(nil), newRoot...))
	if err != nil {
		return errs.Wrap(errs.KindKeyGeneration, "seal root key", err)
	}
	if c.rootKey != nil {
		c.rootKey.Dispose()
	}
	c.rootKey = rootBuf

	if err := c.rederiveMetadataKeyLocked(); err != nil {
		return err
	}

	c.peerDHPub = initialPeerDHPub
	c.hasPeerDHPub = true
	c.state = stateFinalized
	c.lastRatchetTime = time.Now()
	return nil
}

func (c *Connection) rederiveMetadataKeyLocked() error {
	var rootCopy []byte
	err := c.rootKey.WithReadAccess(func(r []byte) error {
		rootCopy = append([]byte(nil), r...)
		return nil
	})
	if err != nil {
		return err
	}
	defer securemem.Wipe(rootCopy)

	mk, err := crypto.HKDFSHA256(rootCopy, nil, []byte(metadataV1Tag), 32)
	if err != nil {
		return errs.Wrap(errs.KindDeriveKey, "derive metadata key", err)
	}
	defer securemem.Wipe(mk)

	buf, err := securemem.FromBytes(append([]byte(nil), mk...))
	if err != nil {
		return errs.Wrap(errs.KindKeyGeneration, "seal metadata key", err)
	}
	if c.metadataKey != nil {
		c.metadataKey.Dispose()
	}
	c.metadataKey = buf
	return nil
}

func (c *Connection) checkLiveLocked() error {
	if c.state == stateDisposed {
		return errs.New(errs.KindObjectDisposed, "connection disposed")
	}
	if c.state == stateExpired {
		return errs.New(errs.KindSessionExpired, "connection expired")
	}
	if c.timeout > 0 && time.Since(c.createdAt) > c.timeout {
		c.state = stateExpired
		return errs.New(errs.KindSessionExpired, "connection expired")
	}
	return nil
}

// PrepareNextSendMessage derives the next outbound message key, performing
// a sending DH ratchet first if the cadence policy calls for it.
func (c *Connection) PrepareNextSendMessage() (messageKey []byte, messageIndex uint32, includeDH bool, senderDHPub [32]byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLiveLocked(); err != nil {
		return nil, 0, false, senderDHPub, err
	}
	if c.state != stateFinalized {
		return nil, 0, false, senderDHPub, errs.New(errs.KindPrepareLocal, "sending step not initialized")
	}

	nextIndex := c.sending.GetCurrentIndex() + 1

	if c.cadence != nil {
		cfg := c.cadence.Config()
		if adaptive.ShouldRatchet(cfg, nextIndex, c.lastRatchetTime, c.sentSinceRatchet, c.receivedNewDH, time.Now()) {
			if err := c.dhRatchetSenderLocked(); err != nil {
				return nil, 0, false, senderDHPub, err
			}
			includeDH = true
			nextIndex = c.sending.GetCurrentIndex() + 1
		}
	}

	mk, err := c.sending.GetOrDeriveKeyFor(nextIndex)
	if err != nil {
		return nil, 0, false, senderDHPub, err
	}
	c.sending.PruneOldKeys()
	c.sentSinceRatchet++

	pub, _ := c.sending.ReadDHPublic()
	if c.cadence != nil {
		c.cadence.RecordSent()
	}
	return mk, nextIndex, includeDH, pub, nil
}

// ProcessReceivedMessage returns the message key for receivedIndex,
// recovering from the skipped-key cache or advancing/rederiving the
// receiving chain step as needed.
func (c *Connection) ProcessReceivedMessage(receivedIndex uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLiveLocked(); err != nil {
		return nil, err
	}
	if c.receiving == nil {
		return nil, errs.New(errs.KindPrepareLocal, "receiving step not initialized")
	}
	if receivedIndex > math.MaxUint32-overflowThreshold {
		return nil, errs.New(errs.KindInvalidInput, "received index too close to overflow")
	}

	if mk, ok, err := c.recovery.TryRecover(receivedIndex); err != nil {
		return nil, err
	} else if ok {
		return mk, nil
	}

	current := c.receiving.GetCurrentIndex()
	if receivedIndex > current+1 {
		ck, err := c.receiving.CurrentChainKeyCopy()
		if err != nil {
			return nil, err
		}
		err = c.recovery.StoreSkipped(ck, current, receivedIndex-1)
		securemem.Wipe(ck)
		if err != nil {
			return nil, err
		}
	}

	mk, err := c.receiving.GetOrDeriveKeyFor(receivedIndex)
	if err != nil {
		return nil, err
	}
	c.receiving.PruneOldKeys()
	if receivedIndex > chainstep.PruneWindow {
		c.recovery.CleanupOldKeys(receivedIndex - chainstep.PruneWindow)
	}
	return mk, nil
}

// PerformReceivingRatchet consults the cadence policy and the
// first-receiving-ratchet latch to decide whether receivedDHPub triggers
// a receiving DH ratchet, and executes it if so.
func (c *Connection) PerformReceivingRatchet(receivedDHPub [32]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLiveLocked(); err != nil {
		return err
	}
	if !crypto.IsValidCurvePoint(receivedDHPub[:]) {
		return errs.New(errs.KindPeerPublicKeyInvalid, "received dh public invalid")
	}

	if c.hasPeerDHPub && receivedDHPub == c.peerDHPub {
		return nil
	}

	fire := c.firstReceivingRatchetDue
	if !fire {
		if c.cadence != nil {
			fire = c.cadence.Config().RatchetOnNewDH
		} else {
			fire = true
		}
	}
	if !fire {
		return nil
	}

	return c.dhRatchetReceiverLocked(receivedDHPub)
}

// dh_ratchet(sender): generate a new ephemeral keypair, DH against the
// current peer DH public, reseed root + sending chain.
func (c *Connection) dhRatchetSenderLocked() error {
	newPriv, newPub, err := crypto.GenerateX25519Raw()
	if err != nil {
		return errs.Wrap(errs.KindKeyGeneration, "generate ratchet ephemeral", err)
	}

	if !c.hasPeerDHPub {
		return errs.New(errs.KindPrepareLocal, "no peer dh public to ratchet against")
	}
	dh, err := crypto.DHRaw(newPriv, c.peerDHPub)
	if err != nil {
		return errs.Wrap(errs.KindDeriveKey, "sender dh ratchet", err)
	}
	defer securemem.Wipe(dh[:])

	if err := c.reseedFromDHLocked(dh, c.sending, &newPriv, &newPub); err != nil {
		return err
	}

	c.replay.OnRatchetRotation(c.chainIDLocked())
	if err := c.rederiveMetadataKeyLocked(); err != nil {
		return err
	}
	c.receivedNewDH = false
	c.sentSinceRatchet = 0
	c.lastRatchetTime = time.Now()
	return nil
}

// dh_ratchet(receiver): DH between the current sending DH private and the
// newly received peer DH public, reseed root + receiving chain, replace
// the stored peer DH public, clear the skipped-key cache (its indices
// belong to the prior chain generation).
func (c *Connection) dhRatchetReceiverLocked(receivedDHPub [32]byte) error {
	var dh [32]byte
	err := c.sending.DHPrivateHandle().WithReadAccess(func(priv []byte) error {
		var p [32]byte
		copy(p[:], priv)
		d, derr := crypto.DHRaw(p, receivedDHPub)
		if derr != nil {
			return errs.Wrap(errs.KindDeriveKey, "receiver dh ratchet", derr)
		}
		dh = d
		return nil
	})
	if err != nil {
		return err
	}
	defer securemem.Wipe(dh[:])

	if err := c.reseedFromDHLocked(dh, c.receiving, nil, nil); err != nil {
		return err
	}

	c.peerDHPub = receivedDHPub
	c.hasPeerDHPub = true
	c.recovery.Clear()
	c.replay.OnRatchetRotation(c.chainIDLocked())
	if err := c.rederiveMetadataKeyLocked(); err != nil {
		return err
	}
	c.receivedNewDH = false
	c.firstReceivingRatchetDue = false
	c.lastRatchetTime = time.Now()
	return nil
}

// reseedFromDHLocked mixes dh with the current root via HKDF-SHA256(IKM=dh,
// salt=root, info="dh-ratchet", L=64): first 32 B become the new root,
// second 32 B reseed step.
func (c *Connection) reseedFromDHLocked(dh [32]byte, step *chainstep.Step, newDHPriv *[32]byte, newDHPub *[32]byte) error {
	var rootCopy []byte
	err := c.rootKey.WithReadAccess(func(r []byte) error {
		rootCopy = append([]byte(nil), r...)
		return nil
	})
	if err != nil {
		return err
	}
	defer securemem.Wipe(rootCopy)

	expanded, err := crypto.HKDFSHA256(dh[:], rootCopy, []byte(dhRatchetTag), 64)
	if err != nil {
		return errs.Wrap(errs.KindDeriveKey, "dh ratchet root derivation", err)
	}
	defer securemem.Wipe(expanded)

	newRoot := expanded[:32]
	newSeed := expanded[32:64]

	var dhPrivSlice []byte
	if newDHPriv != nil {
		dhPrivSlice = newDHPriv[:]
	}
	if err := step.UpdateKeysAfterDHRatchet(newSeed, dhPrivSlice, newDHPub); err != nil {
		return err
	}

	rootBuf, err := securemem.FromBytes(append([]byte(nil), newRoot...))
	if err != nil {
		return errs.Wrap(errs.KindKeyGeneration, "seal new root key", err)
	}
	c.rootKey.Dispose()
	c.rootKey = rootBuf
	return nil
}

func (c *Connection) chainIDLocked() string {
	return idAsChainID(c.id)
}

// GenerateNextNonce returns 8 random prefix bytes (fixed at connection
// creation) concatenated with the low 4 bytes, little-endian, of an
// internal monotone u64 counter. Overflow past 2^32-1 is a hard error
// signaling a required rekey.
func (c *Connection) GenerateNextNonce() ([12]byte, error) {
	var nonce [12]byte

	c.mu.Lock()
	prefix := c.noncePrefix
	c.mu.Unlock()

	next := c.nonceCounter.Add(1)
	if next > math.MaxUint32 {
		return nonce, errs.New(errs.KindNonceCounterExhausted, "nonce counter exhausted; rekey required")
	}

	copy(nonce[:8], prefix[:])
	nonce[8] = byte(next)
	nonce[9] = byte(next >> 8)
	nonce[10] = byte(next >> 16)
	nonce[11] = byte(next >> 24)
	return nonce, nil
}

// SyncWithRemoteState fast-forwards (without caching) the receiving step
// to remoteSendLen and the sending step to remoteRecvLen, for
// reconnection against a peer advertising chain lengths.
func (c *Connection) SyncWithRemoteState(remoteSendLen, remoteRecvLen uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLiveLocked(); err != nil {
		return err
	}
	if c.receiving != nil {
		if err := c.receiving.SkipKeysUntil(remoteSendLen); err != nil {
			return err
		}
	}
	if err := c.sending.SkipKeysUntil(remoteRecvLen); err != nil {
		return err
	}
	return nil
}

// CheckReplayProtection delegates to the Replay Protection component.
func (c *Connection) CheckReplayProtection(nonce []byte, messageIndex uint32) error {
	c.mu.Lock()
	chainID := c.chainIDLocked()
	c.mu.Unlock()
	return c.replay.CheckAndRecord(chainID, nonce, messageIndex)
}

// Dispose zeroizes and releases every secret owned by the connection.
// Idempotent and safe from any thread.
func (c *Connection) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateDisposed {
		return
	}
	if c.sending != nil {
		c.sending.Dispose()
	}
	if c.receiving != nil {
		c.receiving.Dispose()
	}
	if c.rootKey != nil {
		c.rootKey.Dispose()
	}
	if c.initialSendDHPriv != nil {
		c.initialSendDHPriv.Dispose()
	}
	if c.persistentDHPriv != nil {
		c.persistentDHPriv.Dispose()
	}
	if c.metadataKey != nil {
		c.metadataKey.Dispose()
	}
	c.recovery.Dispose()
	c.state = stateDisposed
}

func idAsChainID(id uint64) string {
	const hexdigits = "0123456789abcdef"
	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = hexdigits[id&0xF]
		id >>= 4
	}
	return string(b)
}
