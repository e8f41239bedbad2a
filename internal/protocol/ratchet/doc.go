// Package ratchet implements the Ratchet Connection: a Double Ratchet
// state machine that combines a root key, a sending chain step
// (internal/protocol/chainstep), an optional receiving chain step, DH
// ratchet trigger logic driven by internal/protocol/adaptive, a skipped-
// message-key cache (internal/protocol/recovery) for out-of-order
// delivery, and per-chain replay protection (internal/protocol/replay).
//
// A Connection moves through Created -> PeerBundleSet -> Finalized (has a
// root key and a receiving step), then through any number of DH
// ratchets, to Disposed. Expiry is a time-based transition that fails
// further operations and is terminal.
//
// Every exported method except GenerateNextNonce and CheckReplayProtection
// locks the connection's single mutex for the whole operation; those two
// hold it only to read the nonce prefix or chain id, then rely on the
// atomic nonce counter and the replay protector's own lock. No nested
// cross-connection locking is required or performed.
package ratchet
