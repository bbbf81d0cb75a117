package domain

// KEMMLKEM768 is the only key-encapsulation mechanism currently negotiable
// in prekey bundles.
const KEMMLKEM768 = "mlkem768"

// SignedPreKeyPair is the full signed prekey kept locally. The public half
// and signature are published in bundles; the private half never leaves the
// device.
type SignedPreKeyPair struct {
	ID         string        `cbor:"1,keyasint"`
	Priv       X25519Private `cbor:"2,keyasint"`
	Pub        X25519Public  `cbor:"3,keyasint"`
	Sig        []byte        `cbor:"4,keyasint"`
	CreatedUTC int64         `cbor:"5,keyasint"`
}

// OneTimePair is a full one-time prekey stored locally. Consumed at most once.
type OneTimePair struct {
	ID   string        `cbor:"1,keyasint"`
	Priv X25519Private `cbor:"2,keyasint"`
	Pub  X25519Public  `cbor:"3,keyasint"`
}

// OneTimePub is the published half of a one-time prekey.
type OneTimePub struct {
	ID  string       `json:"id"`
	Pub X25519Public `json:"pub"`
}

// KEMPreKeyPair is a stored ML-KEM decapsulation key. Seed is the 64-byte
// generation seed; the encapsulation key in bundles is derived from it.
type KEMPreKeyPair struct {
	ID   string `cbor:"1,keyasint"`
	Seed []byte `cbor:"2,keyasint"`
	Pub  []byte `cbor:"3,keyasint"`
	Sig  []byte `cbor:"4,keyasint"`
}

// PreKeyBundle is the public key material a peer publishes so sessions can
// be established while it is offline. It never carries private material and
// every value is independently verifiable against SigningKey.
type PreKeyBundle struct {
	Username        string        `json:"username"`
	IdentityKey     X25519Public  `json:"identity_key"`
	SigningKey      Ed25519Public `json:"signing_key"`
	SignedPreKeyID  string        `json:"signed_pre_key_id"`
	SignedPreKey    X25519Public  `json:"signed_pre_key"`
	SignedPreKeySig []byte        `json:"signed_pre_key_sig"`
	OneTime         []OneTimePub  `json:"one_time,omitempty"`

	// Capability advertisement for hybrid post-quantum agreement, resolved
	// once at session establishment.
	KEMs         []string `json:"kems,omitempty"`
	KEMPreKeyID  string   `json:"kem_pre_key_id,omitempty"`
	KEMPreKey    []byte   `json:"kem_pre_key,omitempty"`
	KEMPreKeySig []byte   `json:"kem_pre_key_sig,omitempty"`
}

// SupportsKEM reports whether the bundle advertises the named mechanism with
// usable key material.
func (b PreKeyBundle) SupportsKEM(name string) bool {
	if len(b.KEMPreKey) == 0 {
		return false
	}
	for _, k := range b.KEMs {
		if k == name {
			return true
		}
	}
	return false
}

// PreKeyMessage carries the handshake parameters in the first envelope from
// an initiator so the responder can derive the same root key offline. The
// consumed one-time prekey id travels as a top-level envelope field.
type PreKeyMessage struct {
	InitiatorIK     X25519Public  `cbor:"1,keyasint"`
	InitiatorSignIK Ed25519Public `cbor:"2,keyasint"`
	Ephemeral       X25519Public  `cbor:"3,keyasint"`
	SignedPreKeyID  string        `cbor:"4,keyasint"`
	KEMCiphertext   []byte        `cbor:"5,keyasint,omitempty"`
}
