// Package securemem wraps memguard's locked buffers behind the narrow
// contract the ratchet core needs: allocate, write, read a view, dispose.
// Handles are exclusive and non-copyable in spirit (callers are expected
// to treat a *Buffer as a move-only value) and dispose is idempotent.
package securemem

import (
	"sync"

	"github.com/awnumar/memguard"

	"ciphera/internal/protocol/errs"
)

// Buffer is a fixed-length, guaranteed-zeroizing memory region.
type Buffer struct {
	mu       sync.Mutex
	lb       *memguard.LockedBuffer
	disposed bool
}

// Allocate reserves a locked buffer of n bytes, initially zero.
func Allocate(n int) (*Buffer, error) {
	if n <= 0 {
		return nil, errs.New(errs.KindInvalidInput, "secure buffer length must be positive")
	}
	lb := memguard.NewBuffer(n)
	if lb.Size() != n {
		return nil, errs.New(errs.KindKeyGeneration, "secure buffer allocation failed")
	}
	return &Buffer{lb: lb}, nil
}

// FromBytes allocates a buffer and copies data into it, wiping the
// caller's copy on return. The caller must not retain data afterwards.
func FromBytes(data []byte) (*Buffer, error) {
	b, err := Allocate(len(data))
	if err != nil {
		return nil, err
	}
	if err := b.Write(data); err != nil {
		b.Dispose()
		return nil, err
	}
	Wipe(data)
	return b, nil
}

// Write overwrites the buffer's full contents. len(data) must equal Len().
func (b *Buffer) Write(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return errs.New(errs.KindObjectDisposed, "write after dispose")
	}
	if len(data) != b.lb.Size() {
		return errs.New(errs.KindInvalidInput, "length mismatch on secure buffer write")
	}
	copy(b.lb.Bytes(), data)
	return nil
}

// Read returns a fresh copy of the buffer's contents. Callers must wipe
// the returned slice when done with it.
func (b *Buffer) Read() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return nil, errs.New(errs.KindObjectDisposed, "read after dispose")
	}
	out := make([]byte, b.lb.Size())
	copy(out, b.lb.Bytes())
	return out, nil
}

// WithReadAccess loans a read-only view to f without copying out of the
// locked region for longer than the call.
func (b *Buffer) WithReadAccess(f func([]byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return errs.New(errs.KindObjectDisposed, "access after dispose")
	}
	return f(b.lb.Bytes())
}

// Len reports the buffer's fixed size.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return 0
	}
	return b.lb.Size()
}

// Dispose zeroizes and releases the buffer. Safe to call more than once.
func (b *Buffer) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	b.lb.Destroy()
	b.disposed = true
}

// Wipe best-effort zeroizes a plain (non-locked) byte slice, for transient
// working arrays that never warranted a full secure buffer.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Scoped allocates buffers of the given sizes, invokes f, and guarantees
// disposal on every exit path including a panic inside f.
func Scoped(sizes []int, f func([]*Buffer) error) error {
	bufs := make([]*Buffer, 0, len(sizes))
	defer func() {
		for _, b := range bufs {
			b.Dispose()
		}
	}()
	for _, n := range sizes {
		b, err := Allocate(n)
		if err != nil {
			return err
		}
		bufs = append(bufs, b)
	}
	return f(bufs)
}

// Init wires memguard's interrupt handling so secrets are purged on
// SIGINT/SIGTERM as well as on normal disposal. Call once from main.
func Init() {
	memguard.CatchInterrupt()
}

// Purge releases all memguard-tracked memory immediately; call on
// deliberate process exit paths (e.g. a fatal CLI error) in addition to
// the automatic interrupt handling wired by Init.
func Purge() {
	memguard.Purge()
}
