// Package identity implements domain.IdentityService: generating and
// fingerprinting the local long-term Identity Keys.
package identity

import (
	"fmt"

	"ciphera/internal/crypto"
	"ciphera/internal/domain"
	"ciphera/internal/protocol/identity"
)

// Service generates, persists, and fingerprints your Identity Keys.
type Service struct {
	store domain.IdentityStore
}

// New returns a Service backed by store.
func New(s domain.IdentityStore) *Service {
	return &Service{store: s}
}

var _ domain.IdentityService = (*Service)(nil)

// GenerateIdentity creates a fresh Identity Keys key set with
// oneTimePreKeyCount one-time pre-keys, persists it encrypted under
// passphrase, and returns its fingerprint.
func (s *Service) GenerateIdentity(passphrase string, oneTimePreKeyCount int) (domain.Fingerprint, error) {
	ks, err := identity.Create(oneTimePreKeyCount)
	if err != nil {
		return "", fmt.Errorf("generating identity: %w", err)
	}
	defer ks.Dispose()

	blob, err := ks.MarshalState()
	if err != nil {
		return "", fmt.Errorf("serializing identity: %w", err)
	}
	if err := s.store.SaveIdentity(passphrase, domain.Identity{Blob: blob}); err != nil {
		return "", fmt.Errorf("saving identity: %w", err)
	}

	return domain.Fingerprint(crypto.Fingerprint(ks.XPub[:])), nil
}

// FingerprintIdentity loads the stored identity and returns its fingerprint.
func (s *Service) FingerprintIdentity(passphrase string) (domain.Fingerprint, error) {
	id, err := s.store.LoadIdentity(passphrase)
	if err != nil {
		return "", fmt.Errorf("loading identity: %w", err)
	}
	ks, err := identity.UnmarshalState(id.Blob)
	if err != nil {
		return "", fmt.Errorf("parsing identity: %w", err)
	}
	defer ks.Dispose()

	return domain.Fingerprint(crypto.Fingerprint(ks.XPub[:])), nil
}
