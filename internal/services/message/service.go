// Package message implements domain.MessageService: encrypting, sending,
// fetching, and decrypting messages over a persisted Ratchet Connection.
package message

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"ciphera/internal/crypto"
	"ciphera/internal/domain"
	"ciphera/internal/protocol/adaptive"
	"ciphera/internal/protocol/identity"
	"ciphera/internal/protocol/ratchet"
)

// handshakeInfo must match the Session Service's X3DH info string.
const handshakeInfo = "ciphera-x3dh-v1"

// ErrNoSession indicates there is no stored Ratchet Connection with the peer.
var ErrNoSession = errors.New("no session with peer; run start-session first")

// associatedData is bound to every AEAD seal/open as a static domain tag;
// callers may layer richer associated data at the envelope level.
var associatedData = []byte("ciphera-message-v1")

// Service sends and receives messages over the relay using the Double
// Ratchet component.
//
// Send: if this is the first message on a freshly initiated conversation,
// attach the pending handshake's PreKeyMessage so the receiver can run
// X3DH as responder, then encrypt and post via the relay.
// Receive: fetch envelopes, bootstrap a connection on first contact using
// the sender's PreKeyMessage, decrypt in arrival order, persist updated
// ratchet state, and ack what was processed.
type Service struct {
	idStore      domain.IdentityStore
	ratchetStore domain.RatchetStore
	relayClient  domain.RelayClient
	accountStore domain.AccountStore
	serverURL    *url.URL
}

// New constructs a Service with the given stores and relay client.
func New(
	idStore domain.IdentityStore,
	ratchetStore domain.RatchetStore,
	relayClient domain.RelayClient,
	accountStore domain.AccountStore,
	serverURL string,
) *Service {
	var parsed *url.URL
	if serverURL != "" {
		if u, err := url.Parse(serverURL); err == nil && u.Scheme != "" && u.Host != "" {
			parsed = u
		}
	}

	return &Service{
		idStore:      idStore,
		ratchetStore: ratchetStore,
		relayClient:  relayClient,
		accountStore: accountStore,
		serverURL:    parsed,
	}
}

var _ domain.MessageService = (*Service)(nil)

// SendMessage encrypts and posts plaintext to the relay, over the
// Ratchet Connection already established with to (see SessionService).
func (s *Service) SendMessage(
	ctx context.Context,
	passphrase string,
	from domain.Username,
	to domain.Username,
	plaintext []byte,
) error {
	if s.serverURL == nil {
		return fmt.Errorf("relay URL is not configured or invalid")
	}

	serverKey := s.serverURL.String()
	profile, found, err := s.accountStore.LoadAccountProfile(serverKey, from)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no account profile for %s on %s; run register", from, serverKey)
	}
	serverCanary, err := s.relayClient.FetchAccountCanary(ctx, from)
	if err != nil {
		return fmt.Errorf("fetching account canary: %w", err)
	}
	if serverCanary != profile.Canary {
		return fmt.Errorf("relay canary mismatch: expected %s got %s", profile.Canary, serverCanary)
	}

	convID := domain.ConversationID(to)
	conversation, found, err := s.ratchetStore.LoadConversation(convID)
	if err != nil {
		return err
	}
	if !found {
		return ErrNoSession
	}

	conn, err := ratchet.UnmarshalState(conversation.Blob, adaptive.New())
	if err != nil {
		return fmt.Errorf("parsing connection: %w", err)
	}
	defer conn.Dispose()

	mk, index, includeDH, senderDHPub, err := conn.PrepareNextSendMessage()
	if err != nil {
		return fmt.Errorf("preparing send: %w", err)
	}
	defer crypto.Wipe(mk)

	nonce, err := conn.GenerateNextNonce()
	if err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	header := domain.RatchetHeader{MessageIndex: index, Nonce: append([]byte(nil), nonce[:]...)}
	// The first message on a fresh conversation always carries the sender's
	// initial DH public, whatever the cadence decided, so the peer can
	// bootstrap its own connection via PendingHandshake below.
	if includeDH || conversation.PendingHandshake != nil {
		header.SenderDiffieHellmanPublicKey = append([]byte(nil), senderDHPub[:]...)
	}

	ciphertext, err := crypto.SealAESGCM(mk, nonce[:], plaintext, associatedData)
	if err != nil {
		return fmt.Errorf("encrypting message: %w", err)
	}

	preKeyMessage := conversation.PendingHandshake
	conversation.PendingHandshake = nil

	conversation.Blob, err = conn.MarshalState()
	if err != nil {
		return fmt.Errorf("serializing connection: %w", err)
	}
	if err := s.ratchetStore.SaveConversation(convID, conversation); err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}

	envelope := domain.Envelope{
		From:           from,
		To:             to,
		Header:         header,
		Cipher:         ciphertext,
		AssociatedData: associatedData,
		PreKey:         preKeyMessage,
		Timestamp:      time.Now().Unix(),
	}
	return s.relayClient.SendMessage(ctx, envelope)
}

// ReceiveMessage fetches pending messages and decrypts them in order,
// bootstrapping a Ratchet Connection on first contact from a peer via the
// envelope's PreKeyMessage, and acks what was processed successfully.
func (s *Service) ReceiveMessage(
	ctx context.Context,
	passphrase string,
	me domain.Username,
	limit int,
) ([]domain.DecryptedMessage, error) {
	envelopes, err := s.relayClient.FetchMessages(ctx, me, limit)
	if err != nil {
		return nil, err
	}

	decrypted := make([]domain.DecryptedMessage, 0, len(envelopes))
	processed := 0

	for i, envelope := range envelopes {
		convID := domain.ConversationID(envelope.From)
		conversation, found, err := s.ratchetStore.LoadConversation(convID)
		if err != nil {
			return decrypted, err
		}

		var conn *ratchet.Connection
		if found {
			conn, err = ratchet.UnmarshalState(conversation.Blob, adaptive.New())
			if err != nil {
				return decrypted, fmt.Errorf("parsing connection for %q: %w", envelope.From, err)
			}
			if envelope.PreKey != nil {
				conn.Dispose()
				return decrypted, fmt.Errorf("unexpected pre-key message from %q", envelope.From)
			}
		} else {
			if envelope.PreKey == nil || len(envelope.Header.SenderDiffieHellmanPublicKey) != 32 {
				break // no way to bootstrap; leave queued for a retry
			}
			conn, conversation, err = s.bootstrapResponder(passphrase, envelope)
			if err != nil {
				return decrypted, fmt.Errorf("bootstrapping connection for %q: %w", envelope.From, err)
			}
		}

		plaintext, err := s.decrypt(conn, conversation, envelope)
		conn.Dispose()
		if err != nil {
			return decrypted, fmt.Errorf("decrypt from %q failed: %w", envelope.From, err)
		}

		decrypted = append(decrypted, domain.DecryptedMessage{
			From:      envelope.From,
			To:        envelope.To,
			Plaintext: plaintext,
			Timestamp: envelope.Timestamp,
		})
		processed = i + 1
	}

	if processed > 0 {
		if err := s.relayClient.AckMessages(ctx, me, processed); err != nil {
			return decrypted, fmt.Errorf("ack %d messages: %w", processed, err)
		}
	}
	return decrypted, nil
}

// decrypt performs the receive-side ratchet advance, AEAD open, and
// persists the updated connection state alongside conversation's other
// fields.
func (s *Service) decrypt(conn *ratchet.Connection, conversation domain.Conversation, envelope domain.Envelope) ([]byte, error) {
	if len(envelope.Header.Nonce) != 12 {
		return nil, fmt.Errorf("invalid nonce length %d", len(envelope.Header.Nonce))
	}
	if err := conn.CheckReplayProtection(envelope.Header.Nonce, envelope.Header.MessageIndex); err != nil {
		return nil, fmt.Errorf("replay check: %w", err)
	}

	if len(envelope.Header.SenderDiffieHellmanPublicKey) == 32 {
		var dhPub [32]byte
		copy(dhPub[:], envelope.Header.SenderDiffieHellmanPublicKey)
		if err := conn.PerformReceivingRatchet(dhPub); err != nil {
			return nil, fmt.Errorf("receiving ratchet: %w", err)
		}
	}

	mk, err := conn.ProcessReceivedMessage(envelope.Header.MessageIndex)
	if err != nil {
		return nil, fmt.Errorf("deriving message key: %w", err)
	}
	defer crypto.Wipe(mk)

	ad := envelope.AssociatedData
	if ad == nil {
		ad = associatedData
	}
	plaintext, err := crypto.OpenAESGCM(mk, envelope.Header.Nonce, envelope.Cipher, ad)
	if err != nil {
		return nil, fmt.Errorf("aes-gcm open: %w", err)
	}

	blob, err := conn.MarshalState()
	if err != nil {
		return nil, fmt.Errorf("serializing connection: %w", err)
	}
	conversation.Blob = blob
	convID := domain.ConversationID(envelope.From)
	if err := s.ratchetStore.SaveConversation(convID, conversation); err != nil {
		return nil, fmt.Errorf("saving conversation: %w", err)
	}

	return plaintext, nil
}

// bootstrapResponder runs X3DH as the responder against envelope.PreKey
// and builds the first Ratchet Connection for the sender.
func (s *Service) bootstrapResponder(
	passphrase string,
	envelope domain.Envelope,
) (*ratchet.Connection, domain.Conversation, error) {
	id, err := s.idStore.LoadIdentity(passphrase)
	if err != nil {
		return nil, domain.Conversation{}, fmt.Errorf("loading identity: %w", err)
	}
	ks, err := identity.UnmarshalState(id.Blob)
	if err != nil {
		return nil, domain.Conversation{}, fmt.Errorf("parsing identity: %w", err)
	}
	defer ks.Dispose()

	pk := envelope.PreKey
	spkID, spkPriv, spkPub := ks.SignedPreKeyPair()
	if spkID != uint32(pk.SignedPreKeyID) {
		crypto.Wipe(spkPriv[:])
		return nil, domain.Conversation{}, fmt.Errorf(
			"pre-key message targets signed pre-key %d, have %d", pk.SignedPreKeyID, spkID,
		)
	}
	defer crypto.Wipe(spkPriv[:])

	remoteIDPub := [32]byte(pk.InitiatorIdentityKey)
	var remoteEphPub [32]byte
	copy(remoteEphPub[:], envelope.Header.SenderDiffieHellmanPublicKey)

	var usedOPKID *uint32
	if pk.HasOneTimePreKey {
		id := uint32(pk.OneTimePreKeyID)
		usedOPKID = &id
	}

	rootSecret, err := ks.X3DHDeriveAsResponder(remoteIDPub, remoteEphPub, usedOPKID, []byte(handshakeInfo))
	if err != nil {
		return nil, domain.Conversation{}, fmt.Errorf("running x3dh as responder: %w", err)
	}
	defer rootSecret.Dispose()
	rootKeyBytes, err := rootSecret.Read()
	if err != nil {
		return nil, domain.Conversation{}, fmt.Errorf("reading x3dh root secret: %w", err)
	}
	defer crypto.Wipe(rootKeyBytes)

	if usedOPKID != nil {
		ks.RemoveOneTimePreKey(*usedOPKID)
	}
	blob, err := ks.MarshalState()
	if err != nil {
		return nil, domain.Conversation{}, fmt.Errorf("re-serializing identity: %w", err)
	}
	if err := s.idStore.SaveIdentity(passphrase, domain.Identity{Blob: blob}); err != nil {
		return nil, domain.Conversation{}, fmt.Errorf("saving identity: %w", err)
	}

	connID, err := randomConnID()
	if err != nil {
		return nil, domain.Conversation{}, fmt.Errorf("generating connection id: %w", err)
	}

	conn, err := ratchet.CreateWithInitialKey(
		connID,
		false,
		adaptive.New(),
		ratchet.ExchangeStreaming,
		spkPriv,
		spkPub,
	)
	if err != nil {
		return nil, domain.Conversation{}, fmt.Errorf("creating ratchet connection: %w", err)
	}

	if err := conn.SetPeerBundle(identity.PublicBundle{IdentityXPub: remoteIDPub}); err != nil {
		conn.Dispose()
		return nil, domain.Conversation{}, fmt.Errorf("recording peer bundle: %w", err)
	}
	if err := conn.Finalize(rootKeyBytes, remoteEphPub); err != nil {
		conn.Dispose()
		return nil, domain.Conversation{}, fmt.Errorf("finalizing connection: %w", err)
	}

	convID := domain.ConversationID(envelope.From)
	conversation := domain.Conversation{
		Peer:         convID,
		ConnectionID: connID,
		IsInitiator:  false,
	}
	return conn, conversation, nil
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
