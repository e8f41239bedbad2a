// Package session implements domain.SessionService: running X3DH against
// a peer's published pre-key bundle and persisting the resulting Ratchet
// Connection.
package session

import (
	"context"
	"fmt"

	"ciphera/internal/crypto"
	"ciphera/internal/domain"
	"ciphera/internal/protocol/adaptive"
	"ciphera/internal/protocol/identity"
	"ciphera/internal/protocol/ratchet"
)

// handshakeInfo is the HKDF info string binding every X3DH derivation in
// this build to this wire version.
const handshakeInfo = "ciphera-x3dh-v1"

// Service runs the X3DH handshake as an initiator and persists the
// resulting Ratchet Connection, keyed by peer username.
type Service struct {
	idStore      domain.IdentityStore
	ratchetStore domain.RatchetStore
	relayClient  domain.RelayClient
}

// New constructs a Service with the given stores and relay client.
func New(
	idStore domain.IdentityStore,
	ratchetStore domain.RatchetStore,
	relayClient domain.RelayClient,
) *Service {
	return &Service{
		idStore:      idStore,
		ratchetStore: ratchetStore,
		relayClient:  relayClient,
	}
}

var _ domain.SessionService = (*Service)(nil)

// InitiateSession fetches peer's pre-key bundle, runs X3DH as the
// initiator, and persists the resulting Ratchet Connection.
func (s *Service) InitiateSession(ctx context.Context, passphrase string, peer domain.Username) error {
	id, err := s.idStore.LoadIdentity(passphrase)
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}
	ks, err := identity.UnmarshalState(id.Blob)
	if err != nil {
		return fmt.Errorf("parsing identity: %w", err)
	}
	defer ks.Dispose()

	bundle, err := s.relayClient.FetchPreKeyBundle(ctx, peer)
	if err != nil {
		return fmt.Errorf("fetching pre-key bundle for %q: %w", peer, err)
	}
	peerBundle := toPublicBundle(bundle)

	if err := ks.GenerateEphemeralKeypair(); err != nil {
		return fmt.Errorf("generating ephemeral key: %w", err)
	}
	ephPriv, ephPub, ok := ks.EphemeralKeyPair()
	if !ok {
		return fmt.Errorf("no ephemeral key after generation")
	}
	defer crypto.Wipe(ephPriv[:])

	rootSecret, err := ks.X3DHDeriveAsInitiator(peerBundle, []byte(handshakeInfo))
	if err != nil {
		return fmt.Errorf("running x3dh as initiator: %w", err)
	}
	defer rootSecret.Dispose()
	rootKeyBytes, err := rootSecret.Read()
	if err != nil {
		return fmt.Errorf("reading x3dh root secret: %w", err)
	}
	defer crypto.Wipe(rootKeyBytes)

	connID, err := randomConnID()
	if err != nil {
		return fmt.Errorf("generating connection id: %w", err)
	}

	conn, err := ratchet.CreateWithInitialKey(
		connID,
		true,
		adaptive.New(),
		ratchet.ExchangeStreaming,
		ephPriv,
		ephPub,
	)
	if err != nil {
		return fmt.Errorf("creating ratchet connection: %w", err)
	}
	defer conn.Dispose()

	if err := conn.SetPeerBundle(peerBundle); err != nil {
		return fmt.Errorf("recording peer bundle: %w", err)
	}
	if err := conn.Finalize(rootKeyBytes, peerBundle.SPKPub); err != nil {
		return fmt.Errorf("finalizing connection: %w", err)
	}

	blob, err := conn.MarshalState()
	if err != nil {
		return fmt.Errorf("serializing connection: %w", err)
	}

	handshake := &domain.PreKeyMessage{
		InitiatorIdentityKey: domain.X25519Public(ks.XPub),
		EphemeralKey:         domain.X25519Public(ephPub),
		SignedPreKeyID:       domain.SignedPreKeyID(peerBundle.SPKID),
	}
	if len(peerBundle.OPKs) > 0 {
		handshake.HasOneTimePreKey = true
		handshake.OneTimePreKeyID = domain.OneTimePreKeyID(peerBundle.OPKs[0].ID)
	}

	convID := domain.ConversationID(peer)
	conversation := domain.Conversation{
		Peer:             convID,
		ConnectionID:     connID,
		IsInitiator:      true,
		Blob:             blob,
		PendingHandshake: handshake,
	}
	if err := s.ratchetStore.SaveConversation(convID, conversation); err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	return nil
}

// HasSession reports whether a Ratchet Connection is already persisted
// for peer.
func (s *Service) HasSession(peer domain.Username) (bool, error) {
	_, ok, err := s.ratchetStore.LoadConversation(domain.ConversationID(peer))
	if err != nil {
		return false, err
	}
	return ok, nil
}

func toPublicBundle(bundle domain.PreKeyBundle) identity.PublicBundle {
	pub := identity.PublicBundle{
		IdentityEdPub: [32]byte(bundle.SigningKey),
		IdentityXPub:  [32]byte(bundle.IdentityKey),
		SPKID:         uint32(bundle.SignedPreKeyID),
		SPKPub:        [32]byte(bundle.SignedPreKey),
	}
	copy(pub.SPKSig[:], bundle.SignedPreKeySignature)
	for _, opk := range bundle.OneTimePreKeys {
		pub.OPKs = append(pub.OPKs, identity.OneTimePreKeyPublic{
			ID:  uint32(opk.ID),
			Pub: [32]byte(opk.Pub),
		})
	}
	return pub
}

func randomConnID() (uint64, error) {
	b, err := crypto.RandBytes(8)
	if err != nil {
		return 0, err
	}
	var id uint64
	for i := 0; i < 8; i++ {
		id |= uint64(b[i]) << (8 * i)
	}
	return id, nil
}
