// Package x3dh implements the asynchronous key agreement used to bootstrap
// a ratchet session between two parties who are never online together.
//
// # Overview
//
// The initiator consumes a responder's published prekey bundle (identity
// key, signed prekey, optional one-time prekey, optional ML-KEM prekey) and
// derives a 32-byte root key plus two chain seeds. The responder later
// recomputes the identical values from the handshake parameters embedded in
// the initiator's first envelope.
//
// # Symmetry contract
//
// Both sides must arrive at byte-identical root keys. Every Diffie-Hellman
// term therefore has one canonical pairing of keys, fixed in this package,
// and both roles compute the same four terms through commutativity
// (DH(a_priv, b_pub) == DH(b_priv, a_pub)). Neither call site is allowed to
// improvise its own "DH(self.priv, peer.pub)" term order; that structure is
// exactly what yields two different secrets on the two sides, with the
// symptom that a party's own sent messages and the peer's replies both fail
// to decrypt.
//
// The transcript is salted with a hash of the two party identifiers in
// sorted order, so the salt too is independent of who initiates.
//
// # Hybrid agreement
//
// When both sides advertise the mlkem768 capability, the initiator
// encapsulates to the bundle's KEM prekey and the shared secret is appended
// to the transcript. The choice is resolved exactly once here and recorded
// as the session algorithm; an established session never changes suites.
//
// # Errors
//
// ErrInvalidSignature is returned when a bundle signature fails
// verification. A missing one-time prekey is not an error: the agreement
// falls back to its three-term form, trading one increment of forward
// secrecy, and reports the mode to the caller for logging.
package x3dh
