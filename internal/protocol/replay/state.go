package replay

import "time"

// WindowSnapshot is the plain-value projection of one chain's sliding
// window state.
type WindowSnapshot struct {
	Highest uint32
	HasHigh bool
	Seen    []uint32
	Window  uint32
}

// Snapshot is the plain-value projection of a Protector's per-chain
// windows. The nonce dedup set is intentionally not persisted: it is a
// short-lived (DefaultNonceLifetime) replay guard, not durable state. A
// restored Protector therefore does not reject nonces seen before the
// snapshot; the persisted per-chain windows still reject repeated indices.
type Snapshot struct {
	Windows map[string]WindowSnapshot
}

// Snapshot projects the protector's per-chain windows into plain values.
func (p *Protector) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{Windows: make(map[string]WindowSnapshot, len(p.windows))}
	for chainID, w := range p.windows {
		seen := make([]uint32, 0, len(w.seen))
		for idx := range w.seen {
			seen = append(seen, idx)
		}
		snap.Windows[chainID] = WindowSnapshot{
			Highest: w.highest,
			HasHigh: w.hasHigh,
			Seen:    seen,
			Window:  w.window,
		}
	}
	return snap
}

// Restore rebuilds a Protector from a Snapshot produced by Snapshot. The
// nonce dedup set starts empty, per Snapshot's documented tradeoff.
func Restore(snap Snapshot, lifetime time.Duration) *Protector {
	p := New(lifetime)
	for chainID, ws := range snap.Windows {
		w := &chainWindow{
			highest: ws.Highest,
			hasHigh: ws.HasHigh,
			window:  ws.Window,
			seen:    make(map[uint32]struct{}, len(ws.Seen)),
		}
		for _, idx := range ws.Seen {
			w.seen[idx] = struct{}{}
		}
		p.windows[chainID] = w
	}
	return p
}

// Lifetime returns the nonce-set expiry the protector was constructed
// with, so callers can round-trip it through a snapshot.
func (p *Protector) Lifetime() time.Duration {
	return p.lifetime
}
