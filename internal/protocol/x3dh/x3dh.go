package x3dh

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"vesper/internal/crypto"
	"vesper/internal/domain"
	"vesper/internal/util/memzero"
)

// kdfInfo is the HKDF info label for the session derivation. Changing it is
// a wire-breaking protocol revision.
const kdfInfo = "session-v1"

// Keys is the establishment output. SendChain and RecvChain are already
// assigned for the caller's role: the initiator's SendChain equals the
// responder's RecvChain and vice versa. Root is byte-identical on both
// sides.
type Keys struct {
	Root      []byte
	SendChain []byte
	RecvChain []byte
	Algorithm domain.Algorithm
}

// InitiatorResult carries Keys plus the handshake parameters the first
// envelope must echo so the responder can recompute the agreement.
type InitiatorResult struct {
	Keys
	SignedPreKeyID  string
	OneTimePreKeyID string
	EphemeralPriv   domain.X25519Private
	EphemeralPub    domain.X25519Public
	KEMCiphertext   []byte
	// UsedOneTimePreKey is false when the bundle had no one-time prekey and
	// the three-term fallback was taken. Callers log this mode explicitly.
	UsedOneTimePreKey bool
}

// Initiate runs the agreement against a peer bundle. ownerID is the local
// party identifier; it only influences the transcript salt.
func Initiate(ownerID string, local domain.Identity, bundle domain.PreKeyBundle) (InitiatorResult, error) {
	if !crypto.VerifyEd25519(bundle.SigningKey, bundle.SignedPreKey.Slice(), bundle.SignedPreKeySig) {
		return InitiatorResult{}, domain.ErrInvalidSignature
	}

	ekPriv, ekPub, err := crypto.GenerateX25519()
	if err != nil {
		return InitiatorResult{}, fmt.Errorf("ephemeral keypair: %w", err)
	}

	res := InitiatorResult{
		SignedPreKeyID: bundle.SignedPreKeyID,
		EphemeralPriv:  ekPriv,
		EphemeralPub:   ekPub,
	}

	var opk *domain.X25519Public
	if len(bundle.OneTime) > 0 {
		res.OneTimePreKeyID = bundle.OneTime[0].ID
		res.UsedOneTimePreKey = true
		opk = &bundle.OneTime[0].Pub
	}

	// Canonical term schedule, initiator view. The responder computes the
	// same four secrets with the mirrored private keys.
	dh1, err := crypto.DH(local.XPriv, bundle.SignedPreKey) // DH(IK_A, SPK_B)
	if err != nil {
		return InitiatorResult{}, fmt.Errorf("dh1: %w", err)
	}
	dh2, err := crypto.DH(ekPriv, bundle.IdentityKey) // DH(EK_A, IK_B)
	if err != nil {
		return InitiatorResult{}, fmt.Errorf("dh2: %w", err)
	}
	dh3, err := crypto.DH(ekPriv, bundle.SignedPreKey) // DH(EK_A, SPK_B)
	if err != nil {
		return InitiatorResult{}, fmt.Errorf("dh3: %w", err)
	}

	transcript := make([]byte, 0, 32*4+32)
	transcript = append(transcript, dh1[:]...)
	transcript = append(transcript, dh2[:]...)
	transcript = append(transcript, dh3[:]...)
	memzero.Zero32(&dh1)
	memzero.Zero32(&dh2)
	memzero.Zero32(&dh3)

	if opk != nil {
		dh4, err := crypto.DH(ekPriv, *opk) // DH(EK_A, OPK_B)
		if err != nil {
			return InitiatorResult{}, fmt.Errorf("dh4: %w", err)
		}
		transcript = append(transcript, dh4[:]...)
		memzero.Zero32(&dh4)
	}

	alg := domain.AlgX25519
	if bundle.SupportsKEM(domain.KEMMLKEM768) {
		if !crypto.VerifyEd25519(bundle.SigningKey, bundle.KEMPreKey, bundle.KEMPreKeySig) {
			memzero.Zero(transcript)
			return InitiatorResult{}, domain.ErrInvalidSignature
		}
		shared, ct, err := crypto.Encapsulate(bundle.KEMPreKey)
		if err != nil {
			// An advertised capability with unusable material is an error,
			// never a silent downgrade to the classical suite.
			memzero.Zero(transcript)
			return InitiatorResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
		}
		transcript = append(transcript, shared...)
		memzero.Zero(shared)
		res.KEMCiphertext = ct
		alg = domain.AlgX25519MLKEM768
	}

	res.Keys = derive(transcript, ownerID, bundle.Username, alg, true)
	memzero.Zero(transcript)
	return res, nil
}

// Respond recomputes the agreement on the responder from the initiator's
// handshake parameters. spk must be the pair named by pm.SignedPreKeyID;
// opk is nil when the initiator took the three-term fallback or the pair
// was already consumed; kemSeed is required for hybrid handshakes.
func Respond(
	ownerID, peerID string,
	local domain.Identity,
	spk domain.SignedPreKeyPair,
	opk *domain.OneTimePair,
	kemSeed []byte,
	pm domain.PreKeyMessage,
) (Keys, error) {
	// Mirror of the initiator's schedule; same secrets via commutativity.
	dh1, err := crypto.DH(spk.Priv, pm.InitiatorIK) // DH(IK_A, SPK_B)
	if err != nil {
		return Keys{}, fmt.Errorf("dh1: %w", err)
	}
	dh2, err := crypto.DH(local.XPriv, pm.Ephemeral) // DH(EK_A, IK_B)
	if err != nil {
		return Keys{}, fmt.Errorf("dh2: %w", err)
	}
	dh3, err := crypto.DH(spk.Priv, pm.Ephemeral) // DH(EK_A, SPK_B)
	if err != nil {
		return Keys{}, fmt.Errorf("dh3: %w", err)
	}

	transcript := make([]byte, 0, 32*4+32)
	transcript = append(transcript, dh1[:]...)
	transcript = append(transcript, dh2[:]...)
	transcript = append(transcript, dh3[:]...)
	memzero.Zero32(&dh1)
	memzero.Zero32(&dh2)
	memzero.Zero32(&dh3)

	if opk != nil {
		dh4, err := crypto.DH(opk.Priv, pm.Ephemeral) // DH(EK_A, OPK_B)
		if err != nil {
			return Keys{}, fmt.Errorf("dh4: %w", err)
		}
		transcript = append(transcript, dh4[:]...)
		memzero.Zero32(&dh4)
	}

	alg := domain.AlgX25519
	if len(pm.KEMCiphertext) > 0 {
		if len(kemSeed) == 0 {
			memzero.Zero(transcript)
			return Keys{}, domain.ErrStaleBundle
		}
		shared, err := crypto.Decapsulate(kemSeed, pm.KEMCiphertext)
		if err != nil {
			memzero.Zero(transcript)
			return Keys{}, fmt.Errorf("%w: %v", domain.ErrStaleBundle, err)
		}
		transcript = append(transcript, shared...)
		memzero.Zero(shared)
		alg = domain.AlgX25519MLKEM768
	}

	keys := derive(transcript, ownerID, peerID, alg, false)
	memzero.Zero(transcript)
	return keys, nil
}

// derive expands the transcript into the root key and the two chain seeds.
// The chain seeds are fixed to the initiator->responder and
// responder->initiator directions and then assigned per role, so both
// parties hold identical material under crossed names.
func derive(transcript []byte, ownerID, peerID string, alg domain.Algorithm, initiator bool) Keys {
	r := hkdf.New(sha256.New, transcript, transcriptSalt(ownerID, peerID), []byte(kdfInfo))
	root := make([]byte, 32)
	chainI := make([]byte, 32) // initiator -> responder
	chainR := make([]byte, 32) // responder -> initiator
	_, _ = io.ReadFull(r, root)
	_, _ = io.ReadFull(r, chainI)
	_, _ = io.ReadFull(r, chainR)

	k := Keys{Root: root, Algorithm: alg}
	if initiator {
		k.SendChain, k.RecvChain = chainI, chainR
	} else {
		k.SendChain, k.RecvChain = chainR, chainI
	}
	return k
}

// transcriptSalt hashes the two party identifiers in sorted order so the
// salt is independent of who initiates.
func transcriptSalt(a, b string) []byte {
	if b < a {
		a, b = b, a
	}
	h := sha256.New()
	h.Write([]byte(a))
	h.Write([]byte{0})
	h.Write([]byte(b))
	return h.Sum(nil)
}
