// Package wire implements the authenticated envelope codec.
//
// Envelopes are CBOR maps with integer keys so fields are named and
// order-independent on the wire. Decode validates every field length before
// any cryptographic operation; Seal and Open perform the AEAD step with
// ChaCha20-Poly1305 under a per-message key, binding the ratchet metadata as
// associated data. Any single-bit corruption anywhere in an envelope causes
// Open to fail outright; partial plaintext is never returned.
package wire
