package securemem

import "sync"

// Pool rents plain byte slices for transient, non-persistent working sets
// (e.g. a chain-key working copy during skip-fill) where a fully locked
// Buffer would be overkill. Rented slices are zeroed before being
// returned to the pool so nothing leaks to the next renter.
type Pool struct {
	mu    sync.Mutex
	bySiz map[int]*sync.Pool
}

// NewPool returns an empty rental pool.
func NewPool() *Pool {
	return &Pool{bySiz: make(map[int]*sync.Pool)}
}

// Rent returns a zeroed slice of length n.
func (p *Pool) Rent(n int) []byte {
	p.mu.Lock()
	sp, ok := p.bySiz[n]
	if !ok {
		sp = &sync.Pool{New: func() any { return make([]byte, n) }}
		p.bySiz[n] = sp
	}
	p.mu.Unlock()
	return sp.Get().([]byte)
}

// Return wipes b and releases it back to the pool for its size class.
func (p *Pool) Return(b []byte) {
	Wipe(b)
	p.mu.Lock()
	sp, ok := p.bySiz[len(b)]
	p.mu.Unlock()
	if !ok {
		return
	}
	sp.Put(b)
}

// Scoped rents a slice of size n, invokes f, and guarantees the slice is
// wiped and returned on every exit path including a panic inside f.
func (p *Pool) Scoped(n int, f func([]byte) error) error {
	b := p.Rent(n)
	defer p.Return(b)
	return f(b)
}
