package recovery_test

import (
	"bytes"
	"testing"

	"ciphera/internal/protocol/recovery"
)

func seedKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestStoreSkipped_ThenTryRecover(t *testing.T) {
	c := recovery.New(10)
	defer c.Dispose()

	if err := c.StoreSkipped(seedKey(0x01), 0, 3); err != nil {
		t.Fatalf("StoreSkipped: %v", err)
	}
	if got := c.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	for _, idx := range []uint32{1, 2, 3} {
		mk, ok, err := c.TryRecover(idx)
		if err != nil {
			t.Fatalf("TryRecover(%d): %v", idx, err)
		}
		if !ok {
			t.Fatalf("TryRecover(%d): expected ok=true", idx)
		}
		if len(mk) != 32 {
			t.Fatalf("TryRecover(%d): key length = %d, want 32", idx, len(mk))
		}
	}
	if got := c.Len(); got != 0 {
		t.Fatalf("Len() after draining = %d, want 0", got)
	}
}

func TestTryRecover_MissingIndexReturnsNotOK(t *testing.T) {
	c := recovery.New(10)
	defer c.Dispose()

	if _, ok, err := c.TryRecover(42); err != nil || ok {
		t.Fatalf("TryRecover(missing) = ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}

func TestStoreSkipped_ExceedingBudgetFailsHard(t *testing.T) {
	c := recovery.New(5)
	defer c.Dispose()

	if err := c.StoreSkipped(seedKey(0x02), 0, 20); err == nil {
		t.Fatal("expected StoreSkipped to fail when span exceeds maxSkipped")
	}
	if got := c.Len(); got != 0 {
		t.Fatalf("Len() after failed store = %d, want 0 (no partial entries)", got)
	}
}

func TestStoreSkipped_InvalidRangeRejected(t *testing.T) {
	c := recovery.New(10)
	defer c.Dispose()

	if err := c.StoreSkipped(seedKey(0x03), 5, 5); err == nil {
		t.Fatal("expected error when to_index == from_index")
	}
	if err := c.StoreSkipped(seedKey(0x03), 5, 3); err == nil {
		t.Fatal("expected error when to_index < from_index")
	}
}

func TestCleanupOldKeys_EvictsAtOrBeforeIndex(t *testing.T) {
	c := recovery.New(10)
	defer c.Dispose()

	if err := c.StoreSkipped(seedKey(0x04), 0, 5); err != nil {
		t.Fatalf("StoreSkipped: %v", err)
	}
	c.CleanupOldKeys(3)
	if got := c.Len(); got != 2 {
		t.Fatalf("Len() after cleanup = %d, want 2 (indices 4 and 5 remain)", got)
	}
	if _, ok, _ := c.TryRecover(4); !ok {
		t.Fatal("expected index 4 to survive cleanup")
	}
	if _, ok, _ := c.TryRecover(2); ok {
		t.Fatal("expected index 2 to have been evicted by cleanup")
	}
}

func TestClear_RemovesEverything(t *testing.T) {
	c := recovery.New(10)
	if err := c.StoreSkipped(seedKey(0x05), 0, 4); err != nil {
		t.Fatalf("StoreSkipped: %v", err)
	}
	c.Clear()
	if got := c.Len(); got != 0 {
		t.Fatalf("Len() after Clear = %d, want 0", got)
	}
}
