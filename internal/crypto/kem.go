package crypto

import (
	"crypto/mlkem"
	"fmt"
)

// KEM sizes, re-exported so callers can length-validate wire fields without
// importing crypto/mlkem directly.
const (
	KEMPublicSize     = mlkem.EncapsulationKeySize768
	KEMCiphertextSize = mlkem.CiphertextSize768
	KEMSeedSize       = mlkem.SeedSize
)

// GenerateKEM returns a fresh ML-KEM-768 pair as (seed, encapsulation key).
// The seed is the private half and is what gets persisted.
func GenerateKEM() (seed, pub []byte, err error) {
	dk, err := mlkem.GenerateKey768()
	if err != nil {
		return nil, nil, err
	}
	return dk.Bytes(), dk.EncapsulationKey().Bytes(), nil
}

// Encapsulate derives a shared secret against the peer's encapsulation key,
// returning the secret and the ciphertext to transmit.
func Encapsulate(pub []byte) (shared, ciphertext []byte, err error) {
	ek, err := mlkem.NewEncapsulationKey768(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("kem encapsulation key: %w", err)
	}
	shared, ciphertext = ek.Encapsulate()
	return shared, ciphertext, nil
}

// Decapsulate recovers the shared secret from ciphertext using the stored
// seed.
func Decapsulate(seed, ciphertext []byte) ([]byte, error) {
	dk, err := mlkem.NewDecapsulationKey768(seed)
	if err != nil {
		return nil, fmt.Errorf("kem decapsulation key: %w", err)
	}
	shared, err := dk.Decapsulate(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("kem decapsulate: %w", err)
	}
	return shared, nil
}
