package interfaces

import (
	"context"

	domaintypes "ciphera/internal/domain/types"
)

// IdentityService creates, retrieves, and inspects your identity keys.
type IdentityService interface {
	GenerateIdentity(passphrase string, oneTimePreKeyCount int) (domaintypes.Fingerprint, error)
	FingerprintIdentity(passphrase string) (domaintypes.Fingerprint, error)
}

// PreKeyService assembles and replenishes your published pre-key bundle.
type PreKeyService interface {
	CurrentBundle(passphrase string, username domaintypes.Username) (domaintypes.PreKeyBundle, error)
	ReplenishOneTimePreKeys(passphrase string, count int) error
}

// SessionService establishes a Ratchet Connection with a peer by running
// X3DH against their published pre-key bundle.
type SessionService interface {
	InitiateSession(ctx context.Context, passphrase string, peer domaintypes.Username) error
	HasSession(peer domaintypes.Username) (bool, error)
}

// MessageService encrypts, sends, fetches and decrypts messages.
type MessageService interface {
	SendMessage(
		ctx context.Context,
		passphrase string,
		from domaintypes.Username,
		to domaintypes.Username,
		plaintext []byte,
	) error
	ReceiveMessage(
		ctx context.Context,
		passphrase string,
		me domaintypes.Username,
		limit int,
	) ([]domaintypes.DecryptedMessage, error)
}
