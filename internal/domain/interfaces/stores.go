package interfaces

import domaintypes "ciphera/internal/domain/types"

// IdentityStore persists the opaque Identity Keys state blob.
type IdentityStore interface {
	SaveIdentity(passphrase string, id domaintypes.Identity) error
	LoadIdentity(passphrase string) (domaintypes.Identity, error)
}

// PreKeyBundleStore caches the last bundle you registered.
type PreKeyBundleStore interface {
	SavePreKeyBundle(bundle domaintypes.PreKeyBundle) error
	LoadPreKeyBundle(username domaintypes.Username) (domaintypes.PreKeyBundle, bool, error)
}

// RatchetStore keeps the opaque per-peer Ratchet Connection state blob.
type RatchetStore interface {
	SaveConversation(peer domaintypes.ConversationID, conversation domaintypes.Conversation) error
	LoadConversation(peer domaintypes.ConversationID) (domaintypes.Conversation, bool, error)
}
