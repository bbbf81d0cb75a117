package store

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"vesper/internal/domain"
	"vesper/internal/util/memzero"
)

// Argon2id parameters for the passphrase KDF.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	saltSize   = 16
)

// sealPassphrase encrypts pt under a passphrase. Layout: salt || nonce || ct.
func sealPassphrase(passphrase string, pt []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, saltSize+len(nonce)+len(pt)+chacha20poly1305.Overhead)
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, pt, nil), nil
}

// openPassphrase reverses sealPassphrase. A wrong passphrase is
// ErrDecryptionFailed.
func openPassphrase(passphrase string, blob []byte) ([]byte, error) {
	if len(blob) < saltSize+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: truncated record", domain.ErrDecryptionFailed)
	}
	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+chacha20poly1305.NonceSize]
	ct := blob[saltSize+chacha20poly1305.NonceSize:]

	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)
	defer memzero.Zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, domain.ErrDecryptionFailed
	}
	return pt, nil
}

// SealKey encrypts pt under a raw 32-byte key. Layout: nonce || ct.
func SealKey(key [32]byte, pt []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(pt)+chacha20poly1305.Overhead)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, pt, nil), nil
}

// OpenKey reverses SealKey; a key mismatch is ErrDecryptionFailed.
func OpenKey(key [32]byte, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: truncated record", domain.ErrDecryptionFailed)
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, blob[:chacha20poly1305.NonceSize], blob[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, domain.ErrDecryptionFailed
	}
	return pt, nil
}
