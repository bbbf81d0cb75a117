// Package store persists identities, prekeys, sessions and ratchet state in
// a single bbolt database.
//
// # At-rest encryption
//
// The identity and the device key are sealed under a passphrase-derived key
// (Argon2id, then ChaCha20-Poly1305). Everything else carrying private
// material (prekey private halves, session establishment output) is sealed
// under the random per-device key, which the store caches in memory once
// EnsureDeviceKey has unlocked it. Ratchet blobs arrive pre-sealed from the
// session service and are stored verbatim.
//
// # Errors
//
// A wrong passphrase or a blob sealed under a different device key surfaces
// as ErrDecryptionFailed. Accessing device-key-sealed records before the
// store is unlocked is a programming error and is reported as such.
package store
