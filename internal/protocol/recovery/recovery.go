// Package recovery implements the Ratchet Recovery component: a bounded
// cache of skipped message keys for out-of-order delivery. Exceeding the
// cache budget is a hard failure, never a silent eviction.
package recovery

import (
	"sync"

	"ciphera/internal/protocol/chainstep"
	"ciphera/internal/protocol/errs"
	"ciphera/internal/protocol/securemem"
)

// Cache holds skipped message keys, indexed by message index, bounded by
// maxSkipped.
type Cache struct {
	mu         sync.Mutex
	maxSkipped int
	keys       map[uint32]*securemem.Buffer
}

// New returns an empty cache bounded to maxSkipped entries.
func New(maxSkipped int) *Cache {
	return &Cache{maxSkipped: maxSkipped, keys: make(map[uint32]*securemem.Buffer)}
}

// TryRecover removes and returns the key at index, if present.
func (c *Cache) TryRecover(index uint32) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.keys[index]
	if !ok {
		return nil, false, nil
	}
	out, err := buf.Read()
	if err != nil {
		return nil, false, err
	}
	buf.Dispose()
	delete(c.keys, index)
	return out, true, nil
}

// StoreSkipped walks a working copy of currentChainKeyCopy from fromIndex
// (exclusive) to toIndex (inclusive), deriving and storing each message
// key, then wipes its working copy on every exit path. toIndex must be
// greater than fromIndex; the call fails if it would push the cache over
// its budget, leaving no partial entries behind.
func (c *Cache) StoreSkipped(currentChainKeyCopy []byte, fromIndex, toIndex uint32) error {
	if toIndex <= fromIndex {
		return errs.New(errs.KindInvalidInput, "store_skipped requires to_index > from_index")
	}
	if len(currentChainKeyCopy) != 32 {
		return errs.New(errs.KindInvalidInput, "chain key copy must be 32 bytes")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	span := int(toIndex - fromIndex)
	if len(c.keys)+span > c.maxSkipped {
		return errs.New(errs.KindSkippedCacheExhausted, "skipped-key cache budget exceeded")
	}

	working := append([]byte(nil), currentChainKeyCopy...)
	defer securemem.Wipe(working)

	staged := make(map[uint32]*securemem.Buffer, span)
	rollback := func() {
		for _, buf := range staged {
			buf.Dispose()
		}
	}

	for i := fromIndex + 1; i <= toIndex; i++ {
		mk, next, err := chainstep.DeriveMessageAndNext(working)
		if err != nil {
			rollback()
			return err
		}
		copy(working, next)
		securemem.Wipe(next)

		buf, err := securemem.FromBytes(mk)
		if err != nil {
			securemem.Wipe(mk)
			rollback()
			return errs.Wrap(errs.KindKeyGeneration, "seal skipped message key", err)
		}
		staged[i] = buf
	}

	for idx, buf := range staged {
		c.keys[idx] = buf
	}
	return nil
}

// CleanupOldKeys evicts and zeroizes every key at or before beforeIndex.
func (c *Cache) CleanupOldKeys(beforeIndex uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx, buf := range c.keys {
		if idx <= beforeIndex {
			buf.Dispose()
			delete(c.keys, idx)
		}
	}
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

// Dispose zeroizes every held key.
func (c *Cache) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx, buf := range c.keys {
		buf.Dispose()
		delete(c.keys, idx)
	}
}

// Clear disposes every held key without requiring the cache itself be
// discarded; used when a DH ratchet makes prior indices meaningless.
func (c *Cache) Clear() {
	c.Dispose()
}
