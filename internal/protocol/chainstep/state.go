package chainstep

import (
	"ciphera/internal/protocol/errs"
	"ciphera/internal/protocol/securemem"
)

// Snapshot is the plain-value projection of a Step's secret state, used
// only as an intermediate value on the way into or out of an encrypted
// persisted blob. Callers must wipe it after use.
type Snapshot struct {
	Role     Role
	ChainKey [32]byte
	Index    uint32
	Cache    map[uint32][32]byte
	DHPriv   [32]byte
	DHPub    [32]byte
	HasDH    bool
}

// Wipe zeroizes every secret field of the snapshot.
func (s *Snapshot) Wipe() {
	securemem.Wipe(s.ChainKey[:])
	securemem.Wipe(s.DHPriv[:])
	for idx, v := range s.Cache {
		securemem.Wipe(v[:])
		delete(s.Cache, idx)
	}
}

// Snapshot projects the step's current secret state into plain values.
func (s *Step) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap Snapshot
	snap.Role = s.role
	snap.Index = s.index

	ck, err := s.chainKey.Read()
	if err != nil {
		return snap, err
	}
	copy(snap.ChainKey[:], ck)
	securemem.Wipe(ck)

	if len(s.cache) > 0 {
		snap.Cache = make(map[uint32][32]byte, len(s.cache))
		for idx, buf := range s.cache {
			b, err := buf.Read()
			if err != nil {
				snap.Wipe()
				return snap, err
			}
			var arr [32]byte
			copy(arr[:], b)
			securemem.Wipe(b)
			snap.Cache[idx] = arr
		}
	}

	if s.hasDH {
		snap.HasDH = true
		snap.DHPub = s.dhPub
		if s.dhPriv != nil {
			pb, err := s.dhPriv.Read()
			if err != nil {
				snap.Wipe()
				return snap, err
			}
			copy(snap.DHPriv[:], pb)
			securemem.Wipe(pb)
		}
	}

	return snap, nil
}

// Restore rebuilds a Step from a Snapshot produced by Snapshot.
func Restore(snap Snapshot) (*Step, error) {
	ck, err := securemem.FromBytes(append([]byte(nil), snap.ChainKey[:]...))
	if err != nil {
		return nil, errs.Wrap(errs.KindKeyGeneration, "seal restored chain key", err)
	}

	s := &Step{
		role:     snap.Role,
		chainKey: ck,
		index:    snap.Index,
		cache:    make(map[uint32]*securemem.Buffer, len(snap.Cache)),
	}

	for idx, arr := range snap.Cache {
		buf, err := securemem.FromBytes(append([]byte(nil), arr[:]...))
		if err != nil {
			s.Dispose()
			return nil, errs.Wrap(errs.KindKeyGeneration, "seal restored cached key", err)
		}
		s.cache[idx] = buf
	}

	if snap.HasDH {
		buf, err := securemem.FromBytes(append([]byte(nil), snap.DHPriv[:]...))
		if err != nil {
			s.Dispose()
			return nil, errs.Wrap(errs.KindKeyGeneration, "seal restored dh private key", err)
		}
		s.dhPriv = buf
		s.hasDH = true
		s.dhPub = snap.DHPub
	}

	return s, nil
}
