// Package chainstep implements the Chain Step component: one symmetric
// KDF chain with a bounded message-key cache, current index, and (for the
// sender role) an associated DH key pair.
package chainstep

import (
	"sync"

	"ciphera/internal/crypto"
	"ciphera/internal/protocol/errs"
	"ciphera/internal/protocol/securemem"
)

const (
	msgTag   = "ciphera-dr|msg"
	chainTag = "ciphera-dr|chain"

	// DeriveAheadLimit bounds how far get_or_derive_key_for may advance the
	// chain past the current index in one call.
	DeriveAheadLimit = 2000
	// PruneWindow is the trailing window of cached keys kept around the
	// current index.
	PruneWindow = 1000
)

// Role distinguishes a chain step used for sending from one used for
// receiving.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

// Step is one symmetric-ratchet KDF chain.
type Step struct {
	mu sync.Mutex

	role      Role
	chainKey  *securemem.Buffer // 32 B
	index     uint32
	cache     map[uint32]*securemem.Buffer

	dhPriv *securemem.Buffer // sender only
	dhPub  [32]byte
	hasDH  bool
}

// Create builds a chain step seeded with seedChainKey (32 B). On the
// sender role, dhPriv/dhPub supply the associated DH key pair.
func Create(role Role, seedChainKey []byte, dhPriv []byte, dhPub *[32]byte) (*Step, error) {
	if len(seedChainKey) != 32 {
		return nil, errs.New(errs.KindInvalidInput, "chain key seed must be 32 bytes")
	}
	ck, err := securemem.FromBytes(append([]byte(nil), seedChainKey...))
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyGeneration, "seal chain key", err)
	}

	s := &Step{
		role:     role,
		chainKey: ck,
		cache:    make(map[uint32]*securemem.Buffer),
	}

	if dhPriv != nil {
		if len(dhPriv) != 32 {
			ck.Dispose()
			return nil, errs.New(errs.KindInvalidInput, "dh private key must be 32 bytes")
		}
		buf, err := securemem.FromBytes(append([]byte(nil), dhPriv...))
		if err != nil {
			ck.Dispose()
			return nil, errs.Wrap(errs.KindKeyGeneration, "seal dh private key", err)
		}
		s.dhPriv = buf
		s.hasDH = true
		if dhPub != nil {
			s.dhPub = *dhPub
		}
	}

	return s, nil
}

// GetCurrentIndex returns the current index.
func (s *Step) GetCurrentIndex() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// SetCurrentIndex overwrites the current index.
func (s *Step) SetCurrentIndex(i uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = i
}

// deriveMessageAndNext derives (message key, next chain key) from
// chainKey via two independent HKDF-SHA256 expansions, one per domain tag.
func deriveMessageAndNext(chainKey []byte) (msgKey, nextChainKey []byte, err error) {
	msgKey, err = crypto.HKDFSHA256(chainKey, nil, []byte(msgTag), 32)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindDeriveKey, "derive message key", err)
	}
	nextChainKey, err = crypto.HKDFSHA256(chainKey, nil, []byte(chainTag), 32)
	if err != nil {
		securemem.Wipe(msgKey)
		return nil, nil, errs.Wrap(errs.KindDeriveKey, "derive next chain key", err)
	}
	return msgKey, nextChainKey, nil
}

// GetOrDeriveKeyFor returns the message key at targetIndex, advancing the
// chain and caching intermediate keys as needed. The returned key is a
// fresh copy the caller must wipe after use.
func (s *Step) GetOrDeriveKeyFor(targetIndex uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if buf, ok := s.cache[targetIndex]; ok {
		out, err := buf.Read()
		if err != nil {
			return nil, err
		}
		buf.Dispose()
		delete(s.cache, targetIndex)
		return out, nil
	}

	if targetIndex <= s.index && s.index != 0 {
		return nil, errs.New(errs.KindInvalidInput, "target index already passed and not cached")
	}
	if targetIndex-s.index > DeriveAheadLimit {
		return nil, errs.New(errs.KindInvalidInput, "target index exceeds derive-ahead limit")
	}

	working, err := s.chainKey.Read()
	if err != nil {
		return nil, err
	}
	defer securemem.Wipe(working)

	var result []byte
	for i := s.index + 1; i <= targetIndex; i++ {
		mk, next, derr := deriveMessageAndNext(working)
		if derr != nil {
			return nil, derr
		}
		copy(working, next)
		securemem.Wipe(next)

		if i == targetIndex {
			result = mk
			continue
		}
		buf, berr := securemem.FromBytes(mk)
		if berr != nil {
			securemem.Wipe(mk)
			return nil, errs.Wrap(errs.KindKeyGeneration, "seal cached message key", berr)
		}
		s.cache[i] = buf
	}

	if err := s.chainKey.Write(working); err != nil {
		return nil, err
	}
	s.index = targetIndex
	s.pruneLocked()

	if result == nil {
		// targetIndex == s.index on entry with s.index == 0: only happens
		// if the caller asks for index 0, which is never a valid message
		// index (indices start at 1).
		return nil, errs.New(errs.KindInvalidInput, "target index must be positive")
	}
	return result, nil
}

// UpdateKeysAfterDHRatchet replaces the chain key, resets the index and
// cache, and (sender only) rotates the DH key pair.
func (s *Step) UpdateKeysAfterDHRatchet(newChainKey, newDHPriv []byte, newDHPub *[32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(newChainKey) != 32 {
		return errs.New(errs.KindInvalidInput, "new chain key must be 32 bytes")
	}

	old := s.chainKey
	buf, err := securemem.FromBytes(append([]byte(nil), newChainKey...))
	if err != nil {
		return errs.Wrap(errs.KindKeyGeneration, "seal new chain key", err)
	}
	s.chainKey = buf
	if old != nil {
		old.Dispose()
	}
	s.index = 0
	s.clearCacheLocked()

	if s.role == RoleSender && newDHPriv != nil {
		if len(newDHPriv) != 32 {
			return errs.New(errs.KindInvalidInput, "new dh private key must be 32 bytes")
		}
		oldDH := s.dhPriv
		dhBuf, err := securemem.FromBytes(append([]byte(nil), newDHPriv...))
		if err != nil {
			return errs.Wrap(errs.KindKeyGeneration, "seal new dh private key", err)
		}
		s.dhPriv = dhBuf
		s.hasDH = true
		if oldDH != nil {
			oldDH.Dispose()
		}
		if newDHPub != nil {
			s.dhPub = *newDHPub
		}
	}

	return nil
}

// SkipKeysUntil advances the chain to targetIndex without caching
// anything, for fast-forward catch-up against a peer's advertised chain
// length.
func (s *Step) SkipKeysUntil(targetIndex uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if targetIndex <= s.index {
		return nil
	}

	working, err := s.chainKey.Read()
	if err != nil {
		return err
	}
	defer securemem.Wipe(working)

	for i := s.index + 1; i <= targetIndex; i++ {
		mk, next, derr := deriveMessageAndNext(working)
		if derr != nil {
			return derr
		}
		securemem.Wipe(mk)
		copy(working, next)
		securemem.Wipe(next)
	}

	if err := s.chainKey.Write(working); err != nil {
		return err
	}
	s.index = targetIndex
	return nil
}

// PruneOldKeys keeps only cached keys within PruneWindow of the current
// index.
func (s *Step) PruneOldKeys() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
}

func (s *Step) pruneLocked() {
	if s.index <= PruneWindow {
		return
	}
	floor := s.index - PruneWindow
	for idx, buf := range s.cache {
		if idx < floor {
			buf.Dispose()
			delete(s.cache, idx)
		}
	}
}

func (s *Step) clearCacheLocked() {
	for idx, buf := range s.cache {
		buf.Dispose()
		delete(s.cache, idx)
	}
}

// ReadDHPublic returns the associated DH public key, if any.
func (s *Step) ReadDHPublic() ([32]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dhPub, s.hasDH
}

// DHPrivateHandle returns the secure buffer backing the associated DH
// private key, if any. Callers must not dispose it directly.
func (s *Step) DHPrivateHandle() *securemem.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dhPriv
}

// CurrentChainKeyCopy returns a fresh copy of the current chain key. The
// caller must wipe it after use.
func (s *Step) CurrentChainKeyCopy() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chainKey.Read()
}

// Dispose zeroizes and releases every secret held by the step.
func (s *Step) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chainKey != nil {
		s.chainKey.Dispose()
	}
	if s.dhPriv != nil {
		s.dhPriv.Dispose()
	}
	s.clearCacheLocked()
}

// DeriveMessageAndNext exposes the chain-advance KDF for the recovery
// package's skip-fill, so both packages share one implementation of the
// "msg"/"chain" domain-tag derivation.
func DeriveMessageAndNext(chainKey []byte) (msgKey, nextChainKey []byte, err error) {
	return deriveMessageAndNext(chainKey)
}
