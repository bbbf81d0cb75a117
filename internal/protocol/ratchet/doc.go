// Package ratchet implements the per-message forward-secrecy engine layered
// on an established session.
//
// # Overview
//
// State tracks a root key, a DH ratchet pair, and two symmetric chains. Each
// Encrypt derives a fresh message key from the sending chain and discards
// it; each Decrypt does the same on the receiving side. New ratchet keys are
// introduced on the sending side only: a rotation folds the DH of the fresh
// local key and the tracked remote key into the root, and the receiver
// adopts that step when the new key arrives, scheduling its own answering
// rotation for its next send. Each key introduction advances the root
// exactly once, so both sides hold byte-identical roots between steps,
// giving post-compromise recovery on top of the per-message forward
// secrecy.
//
// # Out-of-order delivery
//
// Keys for counters that have not arrived yet are derived ahead and parked
// in a bounded cache (DefaultMaxSkipped). A late arrival is served from the
// cache; a second use of the same slot fails with ErrReplayOrDuplicate; a
// slot whose key was evicted fails permanently with
// ErrMessageKeyUnavailable. Decryption failures are never retried with
// mutated state: chains and caches only advance after the envelope
// authenticates.
//
// # Simultaneous rotation
//
// When both sides rotate their ratchet key before seeing each other's, the
// two candidate public keys are compared byte-for-byte and the larger one
// defines the DH initiator for that step. The smaller side rolls its
// rotation back from a snapshot and adopts the peer's step; the larger side
// keeps its epoch and retains a receive-only orphan chain so messages the
// peer sealed under its discarded key stay decryptable.
//
// # Security notes
//
// Message keys, chain keys and retired root keys are wiped as soon as they
// are no longer needed. Close wipes everything and retires the state;
// a closed state rejects all traffic with ErrSessionClosed.
package ratchet
