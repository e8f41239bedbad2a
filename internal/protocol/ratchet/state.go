package ratchet

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"ciphera/internal/protocol/adaptive"
	"ciphera/internal/protocol/chainstep"
	"ciphera/internal/protocol/errs"
	"ciphera/internal/protocol/identity"
	"ciphera/internal/protocol/recovery"
	"ciphera/internal/protocol/replay"
	"ciphera/internal/protocol/securemem"
)

var cborEncMode = mustCanonicalEncMode()

func mustCanonicalEncMode() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}

type persistedConnection struct {
	ID          uint64 `cbor:"id"`
	IsInitiator bool   `cbor:"is_initiator"`
	CreatedAt   int64  `cbor:"created_at"`
	TimeoutNS   int64  `cbor:"timeout_ns"`
	State       int    `cbor:"state"`

	Sending      chainstep.Snapshot `cbor:"sending"`
	HasReceiving bool               `cbor:"has_receiving"`
	Receiving    chainstep.Snapshot `cbor:"receiving,omitempty"`

	HasRootKey bool     `cbor:"has_root_key"`
	RootKey    [32]byte `cbor:"root_key"`

	PeerDHPub    [32]byte `cbor:"peer_dh_pub"`
	HasPeerDHPub bool     `cbor:"has_peer_dh_pub"`

	InitialSendDHPriv [32]byte `cbor:"initial_send_dh_priv"`
	InitialSendDHPub  [32]byte `cbor:"initial_send_dh_pub"`
	PersistentDHPriv  [32]byte `cbor:"persistent_dh_priv"`
	PersistentDHPub   [32]byte `cbor:"persistent_dh_pub"`

	NonceCounter uint64   `cbor:"nonce_counter"`
	NoncePrefix  [8]byte  `cbor:"nonce_prefix"`

	LastRatchetTime          int64  `cbor:"last_ratchet_time"`
	SentSinceRatchet         uint32 `cbor:"sent_since_ratchet"`
	ReceivedNewDH            bool   `cbor:"received_new_dh"`
	FirstReceivingRatchetDue bool   `cbor:"first_receiving_ratchet_due"`

	HasMetadataKey bool     `cbor:"has_metadata_key"`
	MetadataKey    [32]byte `cbor:"metadata_key"`

	Recovery         recovery.Snapshot `cbor:"recovery"`
	Replay           replay.Snapshot   `cbor:"replay"`
	ReplayLifetimeNS int64             `cbor:"replay_lifetime_ns"`

	HasPeerBundle bool                  `cbor:"has_peer_bundle"`
	PeerBundle    identity.PublicBundle `cbor:"peer_bundle,omitempty"`
}

// MarshalState produces a deterministic opaque blob capturing the whole
// connection. Streaming connections only: a one-shot exchange refuses to
// serialize, since its secrets are meant to exist only for the lifetime of
// one message exchange.
func (c *Connection) MarshalState() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exchange == ExchangeOneShot {
		return nil, errs.New(errs.KindInvalidInput, "one-shot exchanges cannot be serialized")
	}

	var p persistedConnection
	p.ID = c.id
	p.IsInitiator = c.isInitiator
	p.CreatedAt = c.createdAt.UnixNano()
	p.TimeoutNS = int64(c.timeout)
	p.State = int(c.state)

	sendSnap, err := c.sending.Snapshot()
	if err != nil {
		return nil, err
	}
	p.Sending = sendSnap
	defer sendSnap.Wipe()

	if c.receiving != nil {
		recvSnap, err := c.receiving.Snapshot()
		if err != nil {
			return nil, err
		}
		p.HasReceiving = true
		p.Receiving = recvSnap
		defer recvSnap.Wipe()
	}

	if c.rootKey != nil {
		if err := c.rootKey.WithReadAccess(func(b []byte) error { copy(p.RootKey[:], b); return nil }); err != nil {
			return nil, err
		}
		p.HasRootKey = true
		defer securemem.Wipe(p.RootKey[:])
	}

	p.PeerDHPub = c.peerDHPub
	p.HasPeerDHPub = c.hasPeerDHPub

	if err := c.initialSendDHPriv.WithReadAccess(func(b []byte) error { copy(p.InitialSendDHPriv[:], b); return nil }); err != nil {
		return nil, err
	}
	defer securemem.Wipe(p.InitialSendDHPriv[:])
	p.InitialSendDHPub = c.initialSendDHPub

	if err := c.persistentDHPriv.WithReadAccess(func(b []byte) error { copy(p.PersistentDHPriv[:], b); return nil }); err != nil {
		return nil, err
	}
	defer securemem.Wipe(p.PersistentDHPriv[:])
	p.PersistentDHPub = c.persistentDHPub

	p.NonceCounter = c.nonceCounter.Load()
	p.NoncePrefix = c.noncePrefix

	p.LastRatchetTime = c.lastRatchetTime.UnixNano()
	p.SentSinceRatchet = c.sentSinceRatchet
	p.ReceivedNewDH = c.receivedNewDH
	p.FirstReceivingRatchetDue = c.firstReceivingRatchetDue

	if c.metadataKey != nil {
		if err := c.metadataKey.WithReadAccess(func(b []byte) error { copy(p.MetadataKey[:], b); return nil }); err != nil {
			return nil, err
		}
		p.HasMetadataKey = true
		defer securemem.Wipe(p.MetadataKey[:])
	}

	recSnap, err := c.recovery.Snapshot()
	if err != nil {
		return nil, err
	}
	p.Recovery = recSnap
	defer recSnap.Wipe()

	p.Replay = c.replay.Snapshot()
	p.ReplayLifetimeNS = int64(c.replay.Lifetime())

	if c.peerBundle != nil {
		p.HasPeerBundle = true
		p.PeerBundle = *c.peerBundle
	}

	out, err := cborEncMode.Marshal(p)
	if err != nil {
		return nil, errs.Wrap(errs.KindDecode, "encode connection state", err)
	}
	return out, nil
}

// UnmarshalState rehydrates a Connection from a blob produced by
// MarshalState. cadence is supplied fresh by the caller, matching Create;
// it is not part of the persisted blob.
func UnmarshalState(data []byte, cadence *adaptive.Manager) (*Connection, error) {
	var p persistedConnection
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, errs.Wrap(errs.KindDecode, "decode connection state", err)
	}
	defer func() {
		securemem.Wipe(p.RootKey[:])
		securemem.Wipe(p.InitialSendDHPriv[:])
		securemem.Wipe(p.PersistentDHPriv[:])
		securemem.Wipe(p.MetadataKey[:])
		p.Sending.Wipe()
		p.Receiving.Wipe()
		p.Recovery.Wipe()
	}()

	sending, err := chainstep.Restore(p.Sending)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		id:                       p.ID,
		isInitiator:              p.IsInitiator,
		createdAt:                time.Unix(0, p.CreatedAt),
		timeout:                  time.Duration(p.TimeoutNS),
		state:                    connState(p.State),
		exchange:                 ExchangeStreaming,
		sending:                  sending,
		peerDHPub:                p.PeerDHPub,
		hasPeerDHPub:             p.HasPeerDHPub,
		noncePrefix:              p.NoncePrefix,
		lastRatchetTime:          time.Unix(0, p.LastRatchetTime),
		sentSinceRatchet:         p.SentSinceRatchet,
		receivedNewDH:            p.ReceivedNewDH,
		firstReceivingRatchetDue: p.FirstReceivingRatchetDue,
		cadence:                  cadence,
	}
	c.nonceCounter.Store(p.NonceCounter)

	if p.HasReceiving {
		recv, err := chainstep.Restore(p.Receiving)
		if err != nil {
			sending.Dispose()
			return nil, err
		}
		c.receiving = recv
	}

	if p.HasRootKey {
		buf, err := securemem.FromBytes(append([]byte(nil), p.RootKey[:]...))
		if err != nil {
			c.Dispose()
			return nil, errs.Wrap(errs.KindKeyGeneration, "seal restored root key", err)
		}
		c.rootKey = buf
	}

	initSendBuf, err := securemem.FromBytes(append([]byte(nil), p.InitialSendDHPriv[:]...))
	if err != nil {
		c.Dispose()
		return nil, errs.Wrap(errs.KindKeyGeneration, "seal restored initial send dh key", err)
	}
	c.initialSendDHPriv = initSendBuf
	c.initialSendDHPub = p.InitialSendDHPub

	persistBuf, err := securemem.FromBytes(append([]byte(nil), p.PersistentDHPriv[:]...))
	if err != nil {
		c.Dispose()
		return nil, errs.Wrap(errs.KindKeyGeneration, "seal restored persistent dh key", err)
	}
	c.persistentDHPriv = persistBuf
	c.persistentDHPub = p.PersistentDHPub

	if p.HasMetadataKey {
		mkBuf, err := securemem.FromBytes(append([]byte(nil), p.MetadataKey[:]...))
		if err != nil {
			c.Dispose()
			return nil, errs.Wrap(errs.KindKeyGeneration, "seal restored metadata key", err)
		}
		c.metadataKey = mkBuf
	}

	recoveryCache, err := recovery.Restore(p.Recovery)
	if err != nil {
		c.Dispose()
		return nil, err
	}
	c.recovery = recoveryCache

	c.replay = replay.Restore(p.Replay, time.Duration(p.ReplayLifetimeNS))

	if p.HasPeerBundle {
		bundle := p.PeerBundle
		c.peerBundle = &bundle
	}

	return c, nil
}
