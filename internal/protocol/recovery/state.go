package recovery

import (
	"ciphera/internal/protocol/errs"
	"ciphera/internal/protocol/securemem"
)

// Snapshot is the plain-value projection of a Cache's held keys.
type Snapshot struct {
	MaxSkipped int
	Keys       map[uint32][32]byte
}

// Wipe zeroizes every key in the snapshot.
func (s *Snapshot) Wipe() {
	for idx, v := range s.Keys {
		securemem.Wipe(v[:])
		delete(s.Keys, idx)
	}
}

// Snapshot projects the cache's held keys into plain values.
func (c *Cache) Snapshot() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{MaxSkipped: c.maxSkipped}
	if len(c.keys) == 0 {
		return snap, nil
	}
	snap.Keys = make(map[uint32][32]byte, len(c.keys))
	for idx, buf := range c.keys {
		b, err := buf.Read()
		if err != nil {
			snap.Wipe()
			return snap, err
		}
		var arr [32]byte
		copy(arr[:], b)
		securemem.Wipe(b)
		snap.Keys[idx] = arr
	}
	return snap, nil
}

// Restore rebuilds a Cache from a Snapshot produced by Snapshot.
func Restore(snap Snapshot) (*Cache, error) {
	c := New(snap.MaxSkipped)
	for idx, arr := range snap.Keys {
		buf, err := securemem.FromBytes(append([]byte(nil), arr[:]...))
		if err != nil {
			c.Dispose()
			return nil, errs.Wrap(errs.KindKeyGeneration, "seal restored skipped key", err)
		}
		c.keys[idx] = buf
	}
	return c, nil
}
