// Package crypto exposes the primitives used by vesper.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie-Hellman (GenerateX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - ML-KEM-768 key generation, encapsulation and decapsulation for the
//     hybrid agreement (GenerateKEM, Encapsulate, Decapsulate)
//   - Short public-key fingerprints for display (Fingerprint)
//
// All functions return the fixed-size array types defined in internal/domain
// to avoid accidental reallocations. Callers should treat returned secrets
// as sensitive and wipe them with memzero when practical.
package crypto
