// Package prekey implements domain.PreKeyService: assembling and
// replenishing the pre-key bundle you publish to the relay.
package prekey

import (
	"fmt"

	"ciphera/internal/domain"
	"ciphera/internal/protocol/identity"
)

// Service builds and replenishes your published pre-key bundle directly
// from the persisted Identity Keys key set; no separate pre-key storage
// is kept, since identity.KeySet already owns the signed pre-key and
// one-time pre-key lifecycle.
type Service struct {
	idStore domain.IdentityStore
}

// New returns a Service backed by idStore.
func New(idStore domain.IdentityStore) *Service {
	return &Service{idStore: idStore}
}

var _ domain.PreKeyService = (*Service)(nil)

// CurrentBundle loads the identity and projects its current public
// material, under username, as a publishable bundle.
func (s *Service) CurrentBundle(passphrase string, username domain.Username) (domain.PreKeyBundle, error) {
	ks, err := s.load(passphrase)
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	defer ks.Dispose()

	return toDomainBundle(username, ks.ToPublicBundle()), nil
}

// ReplenishOneTimePreKeys generates count additional one-time pre-keys and
// persists the updated identity.
func (s *Service) ReplenishOneTimePreKeys(passphrase string, count int) error {
	ks, err := s.load(passphrase)
	if err != nil {
		return err
	}
	defer ks.Dispose()

	if err := ks.AddOneTimePreKeys(count); err != nil {
		return fmt.Errorf("generating one-time pre-keys: %w", err)
	}

	blob, err := ks.MarshalState()
	if err != nil {
		return fmt.Errorf("serializing identity: %w", err)
	}
	if err := s.idStore.SaveIdentity(passphrase, domain.Identity{Blob: blob}); err != nil {
		return fmt.Errorf("saving identity: %w", err)
	}
	return nil
}

func (s *Service) load(passphrase string) (*identity.KeySet, error) {
	id, err := s.idStore.LoadIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	ks, err := identity.UnmarshalState(id.Blob)
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	return ks, nil
}

func toDomainBundle(username domain.Username, pub identity.PublicBundle) domain.PreKeyBundle {
	bundle := domain.PreKeyBundle{
		Username:              username,
		IdentityKey:           domain.X25519Public(pub.IdentityXPub),
		SigningKey:            domain.Ed25519Public(pub.IdentityEdPub),
		SignedPreKeyID:        domain.SignedPreKeyID(pub.SPKID),
		SignedPreKey:          domain.X25519Public(pub.SPKPub),
		SignedPreKeySignature: append([]byte(nil), pub.SPKSig[:]...),
	}
	for _, opk := range pub.OPKs {
		bundle.OneTimePreKeys = append(bundle.OneTimePreKeys, domain.OneTimePreKeyPublic{
			ID:  domain.OneTimePreKeyID(opk.ID),
			Pub: domain.X25519Public(opk.Pub),
		})
	}
	return bundle
}
