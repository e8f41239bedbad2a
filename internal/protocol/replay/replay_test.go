package replay_test

import (
	"testing"
	"time"

	"ciphera/internal/protocol/replay"
)

func TestCheckAndRecord_RejectsRepeatedNonce(t *testing.T) {
	p := replay.New(time.Minute)

	if err := p.CheckAndRecord("chain-a", []byte("nonce-1"), 1); err != nil {
		t.Fatalf("first CheckAndRecord: %v", err)
	}
	if err := p.CheckAndRecord("chain-a", []byte("nonce-1"), 2); err == nil {
		t.Fatal("expected replayed nonce to be rejected even at a different index")
	}
}

func TestCheckAndRecord_RejectsRepeatedIndex(t *testing.T) {
	p := replay.New(time.Minute)

	if err := p.CheckAndRecord("chain-a", []byte("nonce-1"), 5); err != nil {
		t.Fatalf("first CheckAndRecord: %v", err)
	}
	if err := p.CheckAndRecord("chain-a", []byte("nonce-2"), 5); err == nil {
		t.Fatal("expected repeated index to be rejected even with a fresh nonce")
	}
}

func TestCheckAndRecord_RejectsIndexTrailingWindow(t *testing.T) {
	p := replay.New(time.Minute)

	if err := p.CheckAndRecord("chain-a", []byte("n-high"), replay.DefaultWindow+100); err != nil {
		t.Fatalf("CheckAndRecord(high): %v", err)
	}
	if err := p.CheckAndRecord("chain-a", []byte("n-low"), 1); err == nil {
		t.Fatal("expected an index trailing the out-of-order window to be rejected")
	}
}

func TestCheckAndRecord_AllowsOutOfOrderWithinWindow(t *testing.T) {
	p := replay.New(time.Minute)

	if err := p.CheckAndRecord("chain-a", []byte("n-3"), 3); err != nil {
		t.Fatalf("CheckAndRecord(3): %v", err)
	}
	if err := p.CheckAndRecord("chain-a", []byte("n-1"), 1); err != nil {
		t.Fatalf("CheckAndRecord(1) out of order: %v", err)
	}
	if err := p.CheckAndRecord("chain-a", []byte("n-2"), 2); err != nil {
		t.Fatalf("CheckAndRecord(2) out of order: %v", err)
	}
}

func TestOnRatchetRotation_ForgetsIndicesButKeepsNonces(t *testing.T) {
	p := replay.New(time.Minute)

	if err := p.CheckAndRecord("chain-a", []byte("nonce-x"), 7); err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	p.OnRatchetRotation("chain-a")

	// Index 7 is accepted again on the new chain generation.
	if err := p.CheckAndRecord("chain-a", []byte("nonce-y"), 7); err != nil {
		t.Fatalf("CheckAndRecord after rotation: %v", err)
	}
	// The nonce set is untouched by rotation: the old nonce still rejects.
	if err := p.CheckAndRecord("chain-a", []byte("nonce-x"), 9); err == nil {
		t.Fatal("expected the original nonce to still be rejected after rotation")
	}
}

func TestGrowWindow_AllowsFartherOutOfOrderDelivery(t *testing.T) {
	p := replay.New(time.Minute)

	if err := p.CheckAndRecord("chain-a", []byte("n-high"), 3000); err != nil {
		t.Fatalf("CheckAndRecord(high): %v", err)
	}
	if err := p.CheckAndRecord("chain-a", []byte("n-trailing"), 1); err == nil {
		t.Fatal("expected rejection before growing the window")
	}
	p.GrowWindow("chain-a", 3000)
	if err := p.CheckAndRecord("chain-a", []byte("n-trailing-2"), 1); err != nil {
		t.Fatalf("expected acceptance after growing the window: %v", err)
	}
}
