package chainstep_test

import (
	"bytes"
	"testing"

	"ciphera/internal/protocol/chainstep"
)

func seed(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestGetOrDeriveKeyFor_SequentialAndOutOfOrderMatch(t *testing.T) {
	step, err := chainstep.Create(chainstep.RoleReceiver, seed(0x11), nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer step.Dispose()

	// Deriving index 3 directly should populate the cache for 1 and 2.
	k3, err := step.GetOrDeriveKeyFor(3)
	if err != nil {
		t.Fatalf("GetOrDeriveKeyFor(3): %v", err)
	}
	if len(k3) != 32 {
		t.Fatalf("want 32-byte key, got %d", len(k3))
	}

	step2, err := chainstep.Create(chainstep.RoleReceiver, seed(0x11), nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer step2.Dispose()

	for i := uint32(1); i <= 3; i++ {
		if _, err := step2.GetOrDeriveKeyFor(i); err != nil {
			t.Fatalf("GetOrDeriveKeyFor(%d): %v", i, err)
		}
	}
	k3Sequential, err := chainstep.Create(chainstep.RoleReceiver, seed(0x11), nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer k3Sequential.Dispose()
	for i := uint32(1); i < 3; i++ {
		if _, err := k3Sequential.GetOrDeriveKeyFor(i); err != nil {
			t.Fatalf("GetOrDeriveKeyFor(%d): %v", i, err)
		}
	}
	k3Seq, err := k3Sequential.GetOrDeriveKeyFor(3)
	if err != nil {
		t.Fatalf("GetOrDeriveKeyFor(3) sequential: %v", err)
	}
	if !bytes.Equal(k3, k3Seq) {
		t.Fatal("jump-derived and sequentially-derived keys at the same index differ")
	}
}

func TestGetOrDeriveKeyFor_BeyondDeriveAheadLimitFails(t *testing.T) {
	step, err := chainstep.Create(chainstep.RoleReceiver, seed(0x22), nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer step.Dispose()

	if _, err := step.GetOrDeriveKeyFor(chainstep.DeriveAheadLimit + 1); err == nil {
		t.Fatal("expected error deriving past DeriveAheadLimit, got nil")
	}
}

func TestGetOrDeriveKeyFor_AlreadyPassedIndexFails(t *testing.T) {
	step, err := chainstep.Create(chainstep.RoleReceiver, seed(0x33), nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer step.Dispose()

	if _, err := step.GetOrDeriveKeyFor(5); err != nil {
		t.Fatalf("GetOrDeriveKeyFor(5): %v", err)
	}
	if _, err := step.GetOrDeriveKeyFor(5); err == nil {
		t.Fatal("expected error re-deriving an already-passed, uncached index")
	}
}

func TestUpdateKeysAfterDHRatchet_ResetsIndexAndCache(t *testing.T) {
	var dhPub [32]byte
	copy(dhPub[:], seed(0x44))
	step, err := chainstep.Create(chainstep.RoleSender, seed(0x44), seed(0x55), &dhPub)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer step.Dispose()

	if _, err := step.GetOrDeriveKeyFor(4); err != nil {
		t.Fatalf("GetOrDeriveKeyFor(4): %v", err)
	}
	if got := step.GetCurrentIndex(); got != 4 {
		t.Fatalf("index = %d, want 4", got)
	}

	var newDHPub [32]byte
	copy(newDHPub[:], seed(0x66))
	if err := step.UpdateKeysAfterDHRatchet(seed(0x77), seed(0x88), &newDHPub); err != nil {
		t.Fatalf("UpdateKeysAfterDHRatchet: %v", err)
	}
	if got := step.GetCurrentIndex(); got != 0 {
		t.Fatalf("index after ratchet = %d, want 0", got)
	}
	pub, ok := step.ReadDHPublic()
	if !ok || pub != newDHPub {
		t.Fatalf("ReadDHPublic = %x, %v; want %x, true", pub, ok, newDHPub)
	}
}

func TestSkipKeysUntil_AdvancesWithoutCaching(t *testing.T) {
	step, err := chainstep.Create(chainstep.RoleSender, seed(0x99), nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer step.Dispose()

	if err := step.SkipKeysUntil(10); err != nil {
		t.Fatalf("SkipKeysUntil: %v", err)
	}
	if got := step.GetCurrentIndex(); got != 10 {
		t.Fatalf("index = %d, want 10", got)
	}
	// Re-deriving an already-skipped index fails: nothing was cached.
	if _, err := step.GetOrDeriveKeyFor(5); err == nil {
		t.Fatal("expected error deriving a skipped, uncached index")
	}
}
