package ratchet

import (
	"vesper/internal/domain"
	"vesper/internal/util/memzero"
)

// Phase is the engine lifecycle: Uninitialized until establishment seeds the
// chains, Established while messages flow, Closed once the state is retired
// and its key material wiped.
type Phase uint8

const (
	PhaseUninitialized Phase = iota
	PhaseEstablished
	PhaseClosed
)

// KeyPair is a ratchet ephemeral pair.
type KeyPair struct {
	Priv domain.X25519Private `cbor:"1,keyasint"`
	Pub  domain.X25519Public  `cbor:"2,keyasint"`
}

// rotation snapshots the sending side before a local ratchet rotation so a
// lost simultaneous-rotation tie-break can be rolled back.
type rotation struct {
	RootKey []byte  `cbor:"1,keyasint"`
	SendCK  []byte  `cbor:"2,keyasint"`
	DH      KeyPair `cbor:"3,keyasint"`
	Ns      uint32  `cbor:"4,keyasint"`
	PN      uint32  `cbor:"5,keyasint"`
}

// orphanChain is the receive-only chain left behind by a peer whose
// simultaneous rotation lost the tie-break: messages it sent under its
// discarded ratchet key remain decryptable here, while the root moved on
// under the winning key.
type orphanChain struct {
	RemotePub domain.X25519Public `cbor:"1,keyasint"`
	CK        []byte              `cbor:"2,keyasint"`
	Next      uint32              `cbor:"3,keyasint"`
}

// State is the per-peer ratchet state. All mutation goes through Encrypt,
// Decrypt and Close; callers serialize access per session (see
// internal/registry) because both send and receive paths mutate shared
// chain counters.
type State struct {
	Phase     Phase            `cbor:"1,keyasint"`
	Algorithm domain.Algorithm `cbor:"2,keyasint"`

	RootKey   []byte              `cbor:"3,keyasint"`
	DH        KeyPair             `cbor:"4,keyasint"`
	RemotePub domain.X25519Public `cbor:"6,keyasint"`

	SendCK []byte `cbor:"7,keyasint,omitempty"`
	RecvCK []byte `cbor:"8,keyasint,omitempty"`
	Ns     uint32 `cbor:"9,keyasint"`
	Nr     uint32 `cbor:"10,keyasint"`
	PN     uint32 `cbor:"11,keyasint"`

	// RotateOnNextSend triggers a send-side DH rotation; set at responder
	// establishment and again whenever a peer rotation is adopted, so each
	// new remote key is answered with a fresh local one.
	RotateOnNextSend bool `cbor:"12,keyasint"`

	Pending *rotation    `cbor:"13,keyasint,omitempty"`
	Orphan  *orphanChain `cbor:"14,keyasint,omitempty"`

	Skipped *SkippedCache `cbor:"15,keyasint"`
}

// NewInitiator seeds a state from establishment output on the initiating
// side. eph is the handshake ephemeral pair, which doubles as the first
// ratchet key; remoteSPK is the peer's signed prekey, its initial ratchet
// key.
func NewInitiator(keys Keys, eph KeyPair, remoteSPK domain.X25519Public) *State {
	return &State{
		Phase:     PhaseEstablished,
		Algorithm: keys.Algorithm,
		RootKey:   keys.Root,
		DH:        eph,
		RemotePub: remoteSPK,
		SendCK:    keys.SendChain,
		RecvCK:    keys.RecvChain,
		Skipped:   NewSkippedCache(DefaultMaxSkipped),
	}
}

// NewResponder seeds a state on the responding side. spk is the signed
// prekey pair the handshake consumed (the initial local ratchet key);
// remoteEph is the initiator's handshake ephemeral.
func NewResponder(keys Keys, spk KeyPair, remoteEph domain.X25519Public) *State {
	return &State{
		Phase:            PhaseEstablished,
		Algorithm:        keys.Algorithm,
		RootKey:          keys.Root,
		DH:               spk,
		RemotePub:        remoteEph,
		SendCK:           keys.SendChain,
		RecvCK:           keys.RecvChain,
		RotateOnNextSend: true,
		Skipped:          NewSkippedCache(DefaultMaxSkipped),
	}
}

// Keys mirrors the establishment output consumed by the constructors. It is
// structurally identical to the x3dh package's result; redeclared here so
// the engine does not import the establishment protocol.
type Keys struct {
	Root      []byte
	SendChain []byte
	RecvChain []byte
	Algorithm domain.Algorithm
}

// Close wipes all key material and retires the state. Further Encrypt or
// Decrypt calls fail with ErrSessionClosed.
func (st *State) Close() {
	memzero.Zero(st.RootKey)
	memzero.Zero(st.SendCK)
	memzero.Zero(st.RecvCK)
	memzero.Zero(st.DH.Priv[:])
	if st.Pending != nil {
		memzero.Zero(st.Pending.RootKey)
		memzero.Zero(st.Pending.SendCK)
		memzero.Zero(st.Pending.DH.Priv[:])
		st.Pending = nil
	}
	if st.Orphan != nil {
		memzero.Zero(st.Orphan.CK)
		st.Orphan = nil
	}
	if st.Skipped != nil {
		st.Skipped.Wipe()
	}
	st.Phase = PhaseClosed
}
