package domain

// Algorithm identifies the key-agreement/derivation suite a session was
// established under. It is negotiated once during establishment and carried
// on every envelope; there is no per-message renegotiation and no silent
// fallback between versions.
type Algorithm uint8

const (
	// AlgX25519 is the classical four-term X25519 agreement.
	AlgX25519 Algorithm = 1
	// AlgX25519MLKEM768 additionally mixes an ML-KEM-768 shared secret into
	// the agreement transcript.
	AlgX25519MLKEM768 Algorithm = 2
)

// Known reports whether a is an algorithm this build speaks.
func (a Algorithm) Known() bool {
	return a == AlgX25519 || a == AlgX25519MLKEM768
}

func (a Algorithm) String() string {
	switch a {
	case AlgX25519:
		return "x25519"
	case AlgX25519MLKEM768:
		return "x25519+mlkem768"
	default:
		return "unknown"
	}
}

// Session holds the establishment output for a peer: the shared root key and
// the metadata needed to emit or process the first envelope.
type Session struct {
	Peer       string       `cbor:"1,keyasint"`
	RootKey    []byte       `cbor:"2,keyasint"`
	SendChain  []byte       `cbor:"3,keyasint"`
	RecvChain  []byte       `cbor:"4,keyasint"`
	PeerIK     X25519Public `cbor:"5,keyasint"`
	PeerSPK    X25519Public `cbor:"6,keyasint"`
	Algorithm  Algorithm    `cbor:"7,keyasint"`
	CreatedUTC int64        `cbor:"8,keyasint"`

	// Handshake parameters. EphemeralPub/Priv hold the local initial ratchet
	// pair (the handshake ephemeral on the initiator, the consumed signed
	// prekey on the responder); PeerSPK above holds the remote initial
	// ratchet key. The initiator echoes SignedPreKeyID, OneTimePreKeyID and
	// KEMCiphertext in its first envelope.
	SignedPreKeyID  string        `cbor:"9,keyasint"`
	OneTimePreKeyID string        `cbor:"10,keyasint,omitempty"`
	EphemeralPub    X25519Public  `cbor:"11,keyasint"`
	EphemeralPriv   X25519Private `cbor:"12,keyasint"`
	KEMCiphertext   []byte        `cbor:"13,keyasint,omitempty"`
	Initiator       bool          `cbor:"14,keyasint"`
}

// Envelope is the authenticated wire message. Field semantics:
// RatchetPub names the sender's current ratchet ephemeral, PrevChainLen and
// Counter position the message in its chain, and AuthTag is the AEAD tag
// split from the ciphertext. Root and chain keys never appear here.
type Envelope struct {
	Algorithm       Algorithm      `cbor:"1,keyasint"`
	RatchetPub      []byte         `cbor:"2,keyasint"`
	PrevChainLen    uint32         `cbor:"3,keyasint"`
	Counter         uint32         `cbor:"4,keyasint"`
	Nonce           []byte         `cbor:"5,keyasint"`
	Ciphertext      []byte         `cbor:"6,keyasint"`
	AuthTag         []byte         `cbor:"7,keyasint"`
	OneTimePreKeyID string         `cbor:"8,keyasint,omitempty"`
	PreKey          *PreKeyMessage `cbor:"9,keyasint,omitempty"`
}

// RelayEnvelope wraps an encoded envelope with the routing metadata the
// relay needs. The relay never sees inside Payload.
type RelayEnvelope struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// DecryptedMessage is what the message service returns to callers.
type DecryptedMessage struct {
	From      string
	To        string
	Plaintext []byte
	Timestamp int64
}
