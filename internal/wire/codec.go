package wire

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"

	vcrypto "vesper/internal/crypto"
	"vesper/internal/domain"
	"vesper/internal/util/memzero"
)

const (
	// NonceSize is the envelope nonce length.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the AEAD authentication tag length.
	TagSize = chacha20poly1305.Overhead
	// KeySize is the per-message key length.
	KeySize = chacha20poly1305.KeySize

	ratchetPubSize = 32
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	opts := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}
	if decMode, err = opts.DecMode(); err != nil {
		panic(err)
	}
}

// Encode serialises a validated envelope to bytes.
func Encode(env *domain.Envelope) ([]byte, error) {
	if err := Validate(env); err != nil {
		return nil, err
	}
	return encMode.Marshal(env)
}

// Decode parses bytes into an envelope, rejecting malformed input before
// anything cryptographic happens.
func Decode(b []byte) (*domain.Envelope, error) {
	var env domain.Envelope
	if err := decMode.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}
	if err := Validate(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks all field lengths and the algorithm version. It is called
// on both encode and decode paths.
func Validate(env *domain.Envelope) error {
	if env == nil {
		return domain.ErrMalformedEnvelope
	}
	if !env.Algorithm.Known() {
		return domain.ErrUnknownAlgorithm
	}
	if len(env.RatchetPub) != ratchetPubSize {
		return fmt.Errorf("%w: ratchet public key length %d", domain.ErrMalformedEnvelope, len(env.RatchetPub))
	}
	if len(env.Nonce) != NonceSize {
		return fmt.Errorf("%w: nonce length %d", domain.ErrMalformedEnvelope, len(env.Nonce))
	}
	if len(env.AuthTag) != TagSize {
		return fmt.Errorf("%w: auth tag length %d", domain.ErrMalformedEnvelope, len(env.AuthTag))
	}
	if env.Ciphertext == nil {
		return fmt.Errorf("%w: missing ciphertext", domain.ErrMalformedEnvelope)
	}
	if pm := env.PreKey; pm != nil {
		if pm.SignedPreKeyID == "" {
			return fmt.Errorf("%w: prekey message without signed prekey id", domain.ErrMalformedEnvelope)
		}
		switch env.Algorithm {
		case domain.AlgX25519MLKEM768:
			if len(pm.KEMCiphertext) != vcrypto.KEMCiphertextSize {
				return fmt.Errorf("%w: kem ciphertext length %d", domain.ErrMalformedEnvelope, len(pm.KEMCiphertext))
			}
		default:
			if len(pm.KEMCiphertext) != 0 {
				return fmt.Errorf("%w: unexpected kem ciphertext", domain.ErrMalformedEnvelope)
			}
		}
	}
	return nil
}

// Seal encrypts plaintext under mk into env. The caller populates the
// ratchet metadata (Algorithm, RatchetPub, PrevChainLen, Counter, PreKey)
// first; Seal fills Nonce, Ciphertext and AuthTag. A fresh random nonce is
// drawn for every message.
func Seal(mk []byte, env *domain.Envelope, plaintext []byte) error {
	aead, err := chacha20poly1305.New(mk[:KeySize])
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ad := associatedData(env)
	sealed := aead.Seal(nil, nonce, plaintext, ad)
	memzero.Zero(ad)

	env.Nonce = nonce
	env.Ciphertext = sealed[:len(sealed)-TagSize]
	env.AuthTag = sealed[len(sealed)-TagSize:]
	return nil
}

// Open authenticates and decrypts env under mk. Raw AEAD failures surface
// as ErrAuthentication; no partial plaintext is ever returned.
func Open(mk []byte, env *domain.Envelope) ([]byte, error) {
	if err := Validate(env); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(mk[:KeySize])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+TagSize)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)

	pt, err := aead.Open(nil, env.Nonce, sealed, associatedData(env))
	if err != nil {
		return nil, domain.ErrAuthentication
	}
	return pt, nil
}

// associatedData binds the ratchet metadata to the ciphertext so header
// tampering is detected. Chain and root keys never appear here.
func associatedData(env *domain.Envelope) []byte {
	out := make([]byte, 0, 1+ratchetPubSize+8+len(env.OneTimePreKeyID))
	out = append(out, byte(env.Algorithm))
	out = append(out, env.RatchetPub...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], env.PrevChainLen)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], env.Counter)
	out = append(out, b[:]...)
	out = append(out, env.OneTimePreKeyID...)
	if pm := env.PreKey; pm != nil {
		out = append(out, pm.InitiatorIK[:]...)
		out = append(out, pm.Ephemeral[:]...)
		out = append(out, pm.SignedPreKeyID...)
		out = append(out, pm.KEMCiphertext...)
	}
	return out
}
