// Package replay implements the Replay Protection component: a
// time-bounded nonce set plus a per-chain sliding-window index tracker.
package replay

import (
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"ciphera/internal/protocol/errs"
)

const (
	// DefaultNonceLifetime is the default expiry for a seen nonce.
	DefaultNonceLifetime = 5 * time.Minute
	// DefaultWindow is the default per-chain out-of-order window.
	DefaultWindow = 1000
	// MaxWindow is the ceiling the window may grow to under sustained
	// high rate.
	MaxWindow = 5000
)

type chainWindow struct {
	highest uint32
	hasHigh bool
	seen    map[uint32]struct{}
	window  uint32
}

// Protector tracks seen nonces and per-chain processed indices.
type Protector struct {
	mu       sync.Mutex
	nonces   *lru.LRU[string, struct{}]
	windows  map[string]*chainWindow
	lifetime time.Duration
}

// New returns a Protector whose nonce set entries expire after lifetime.
func New(lifetime time.Duration) *Protector {
	if lifetime <= 0 {
		lifetime = DefaultNonceLifetime
	}
	return &Protector{
		nonces:   lru.NewLRU[string, struct{}](0, nil, lifetime),
		windows:  make(map[string]*chainWindow),
		lifetime: lifetime,
	}
}

// CheckAndRecord rejects an exact nonce replay or an index either already
// processed or trailing the chain's highest-seen index by more than its
// current out-of-order window; otherwise it records both and succeeds.
func (p *Protector) CheckAndRecord(chainID string, nonce []byte, index uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := hex.EncodeToString(nonce)
	if _, ok := p.nonces.Get(key); ok {
		return errs.New(errs.KindReplayDetected, "nonce already processed")
	}

	w, ok := p.windows[chainID]
	if !ok {
		w = &chainWindow{seen: make(map[uint32]struct{}), window: DefaultWindow}
		p.windows[chainID] = w
	}

	if _, ok := w.seen[index]; ok {
		return errs.New(errs.KindReplayDetected, "message index already processed")
	}
	if w.hasHigh && index+w.window < w.highest {
		return errs.New(errs.KindReplayDetected, "message index trails out-of-order window")
	}

	p.nonces.Add(key, struct{}{})
	w.seen[index] = struct{}{}
	if !w.hasHigh || index > w.highest {
		w.highest = index
		w.hasHigh = true
	}
	return nil
}

// OnRatchetRotation clears chainID's per-chain window; the nonce set is
// unaffected and persists until lifetime expiry.
func (p *Protector) OnRatchetRotation(chainID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.windows, chainID)
}

// GrowWindow widens chainID's out-of-order window under sustained high
// message rate, capped at MaxWindow.
func (p *Protector) GrowWindow(chainID string, n uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > MaxWindow {
		n = MaxWindow
	}
	w, ok := p.windows[chainID]
	if !ok {
		w = &chainWindow{seen: make(map[uint32]struct{}), window: n}
		p.windows[chainID] = w
		return
	}
	if n > w.window {
		w.window = n
	}
}
