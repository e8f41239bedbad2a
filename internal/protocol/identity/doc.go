// Package identity owns the long-term Identity Keys of a ciphera
// endpoint — the Ed25519 signing key, X25519 identity key, signed
// pre-key, and one-time pre-keys — and runs X3DH key agreement against a
// peer's published bundle.
//
// # Flows
//
// Initiator:
//  1. Generate an ephemeral X25519 key pair (GenerateEphemeralKeypair).
//  2. Verify the remote signed pre-key signature.
//  3. Compute DH1=DH(ID,SPKb), DH2=DH(EK,IDb), DH3=DH(EK,SPKb), and
//     DH4=DH(EK,OPKb) if the bundle published a one-time pre-key.
//  4. HKDF-SHA256 over 0xFF*32‖DH1‖DH2‖DH3‖[DH4] produces the shared root
//     secret. The ephemeral secret is disposed as part of this call.
//
// Responder:
//  1. Receive the remote identity and ephemeral public keys, and which
//     one-time pre-key id (if any) the initiator consumed.
//  2. Compute the same four DH values from the responder's side: the
//     positions line up so both sides land on byte-identical IKM.
//  3. HKDF-SHA256 the same transcript to the identical root secret.
//
// Every secret lives in a secure buffer (internal/protocol/securemem) for
// its entire lifetime; transient plaintext copies used only to feed a DH
// or HKDF call are wiped before the call returns.
package identity
