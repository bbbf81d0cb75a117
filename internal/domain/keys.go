package domain

import "fmt"

// ------------- X25519 -------------

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

func (p X25519Public) Slice() []byte  { return p[:] }
func (k X25519Private) Slice() []byte { return k[:] }

// IsZero reports whether the key is all zeros (unset).
func (p X25519Public) IsZero() bool {
	var zero X25519Public
	return p == zero
}

// MustX25519Public converts b to a public key, panicking on bad length.
// Only for use on values already length-validated at the wire boundary.
func MustX25519Public(b []byte) X25519Public {
	if len(b) != 32 {
		panic(fmt.Errorf("X25519 public: want 32 bytes, got %d", len(b)))
	}
	var out X25519Public
	copy(out[:], b)
	return out
}

// ------------- Ed25519 -------------

// Ed25519Public is a signing public key.
type Ed25519Public [32]byte

// Ed25519Private is a signing private key (ed25519.PrivateKey layout).
type Ed25519Private [64]byte

func (p Ed25519Public) Slice() []byte  { return p[:] }
func (k Ed25519Private) Slice() []byte { return k[:] }

// Identity holds the long-term keys stored locally. Private halves never
// leave the device.
type Identity struct {
	XPub   X25519Public   `cbor:"1,keyasint"`
	XPriv  X25519Private  `cbor:"2,keyasint"`
	EdPub  Ed25519Public  `cbor:"3,keyasint"`
	EdPriv Ed25519Private `cbor:"4,keyasint"`
}

// Fingerprint is a short public key identifier presented to users.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }
