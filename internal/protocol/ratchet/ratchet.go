package ratchet

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"vesper/internal/crypto"
	"vesper/internal/domain"
	"vesper/internal/util/memzero"
	"vesper/internal/wire"
)

// maxSkip caps how far ahead of the receiving chain a single envelope may
// jump. It matches the cache bound: anything further could only evict keys
// we might still need.
const maxSkip = DefaultMaxSkipped

// Rotate schedules a send-side DH ratchet rotation for the next Encrypt.
// Used for explicit or scheduled break-in recovery on one-way traffic; the
// receive path schedules the answering rotation on its own whenever a new
// remote key is adopted.
func Rotate(st *State) {
	if st.Phase == PhaseEstablished {
		st.RotateOnNextSend = true
	}
}

// Encrypt derives the next sending message key, seals plaintext into an
// envelope carrying the current ratchet metadata, and advances the sending
// chain. prekey and oneTimePreKeyID ride along on the first envelope of a
// conversation only.
func Encrypt(st *State, plaintext []byte, prekey *domain.PreKeyMessage, oneTimePreKeyID string) (*domain.Envelope, error) {
	switch st.Phase {
	case PhaseEstablished:
	case PhaseClosed:
		return nil, domain.ErrSessionClosed
	default:
		return nil, fmt.Errorf("%w: ratchet uninitialized", domain.ErrNoSession)
	}

	// A scheduled rotation waits while an earlier one is unconfirmed;
	// stacking unconfirmed local keys would leave the peer no root to
	// reconstruct the second step from.
	if st.RotateOnNextSend && st.Pending == nil {
		if err := rotateSend(st); err != nil {
			return nil, err
		}
		st.RotateOnNextSend = false
	}

	nextCK, mk := kdfCK(st.SendCK)
	env := &domain.Envelope{
		Algorithm:       st.Algorithm,
		RatchetPub:      st.DH.Pub.Slice(),
		PrevChainLen:    st.PN,
		Counter:         st.Ns,
		OneTimePreKeyID: oneTimePreKeyID,
		PreKey:          prekey,
	}
	err := wire.Seal(mk, env, plaintext)
	memzero.Zero(mk)
	if err != nil {
		memzero.Zero(nextCK)
		return nil, err
	}
	memzero.Zero(st.SendCK)
	st.SendCK = nextCK
	st.Ns++
	return env, nil
}

// Decrypt authenticates and opens an envelope, advancing chains, caching
// skipped keys for out-of-order delivery and performing a DH ratchet step
// when the envelope carries a new remote ratchet key. Failures are
// permanent: the caller must not retry a message that was rejected.
func Decrypt(st *State, env *domain.Envelope) ([]byte, error) {
	switch st.Phase {
	case PhaseEstablished:
	case PhaseClosed:
		return nil, domain.ErrSessionClosed
	default:
		return nil, fmt.Errorf("%w: ratchet uninitialized", domain.ErrNoSession)
	}
	if env.Algorithm != st.Algorithm {
		return nil, domain.ErrUnknownAlgorithm
	}
	remote := domain.MustX25519Public(env.RatchetPub)

	if st.Skipped.WasConsumed(remote, env.Counter) {
		return nil, domain.ErrReplayOrDuplicate
	}
	// Cached keys first, under whichever ratchet key they were derived:
	// stragglers from a chain a DH step has since left behind carry a key
	// that matches no tracked chain.
	if mk, ok := st.Skipped.Take(remote, env.Counter); ok {
		return openSkipped(st, env, remote, mk)
	}

	switch {
	case remote == st.RemotePub:
		return decryptCurrent(st, env, remote)
	case st.Orphan != nil && remote == st.Orphan.RemotePub:
		return decryptOrphan(st, env, remote)
	default:
		return decryptNewKey(st, env, remote)
	}
}

// decryptCurrent handles envelopes on the tracked receiving chain.
func decryptCurrent(st *State, env *domain.Envelope, remote domain.X25519Public) ([]byte, error) {
	if env.Counter < st.Nr {
		// Behind the chain with no cached key: evicted, aged out of the
		// replay window, or never sent.
		return nil, domain.ErrMessageKeyUnavailable
	}
	if uint64(env.Counter)-uint64(st.Nr) > maxSkip {
		return nil, domain.ErrMessageKeyUnavailable
	}

	// Walk the chain without committing; chain state and cached skips only
	// advance once the envelope authenticates.
	ck, skipped, mk := walkChain(st.RecvCK, st.Nr, env.Counter)
	pt, err := wire.Open(mk, env)
	memzero.Zero(mk)
	if err != nil {
		memzero.Zero(ck)
		wipeAll(skipped)
		return nil, err
	}
	for i, sk := range skipped {
		st.Skipped.Put(remote, st.Nr+uint32(i), sk)
	}
	memzero.Zero(st.RecvCK)
	st.RecvCK = ck
	st.Nr = env.Counter + 1
	st.Skipped.MarkConsumed(remote, env.Counter)
	return pt, nil
}

// decryptOrphan serves stragglers from a chain whose ratchet key lost a
// rotation tie-break.
func decryptOrphan(st *State, env *domain.Envelope, remote domain.X25519Public) ([]byte, error) {
	o := st.Orphan
	if env.Counter < o.Next {
		return nil, domain.ErrMessageKeyUnavailable
	}
	if uint64(env.Counter)-uint64(o.Next) > maxSkip {
		return nil, domain.ErrMessageKeyUnavailable
	}
	ck, skipped, mk := walkChain(o.CK, o.Next, env.Counter)
	pt, err := wire.Open(mk, env)
	memzero.Zero(mk)
	if err != nil {
		memzero.Zero(ck)
		wipeAll(skipped)
		return nil, err
	}
	for i, sk := range skipped {
		st.Skipped.Put(remote, o.Next+uint32(i), sk)
	}
	memzero.Zero(o.CK)
	o.CK = ck
	o.Next = env.Counter + 1
	st.Skipped.MarkConsumed(remote, env.Counter)
	return pt, nil
}

// openSkipped serves an envelope from a cached message key.
func openSkipped(st *State, env *domain.Envelope, remote domain.X25519Public, mk []byte) ([]byte, error) {
	pt, err := wire.Open(mk, env)
	if err != nil {
		// Authentication failure, not consumption: put the key back for
		// the genuine envelope.
		st.Skipped.Put(remote, env.Counter, mk)
		return nil, err
	}
	memzero.Zero(mk)
	st.Skipped.MarkConsumed(remote, env.Counter)
	return pt, nil
}

// stepCandidate is a side-effect-free DH ratchet step: the root and
// receiving chain the state would adopt if remote became the peer's tracked
// ratchet key.
type stepCandidate struct {
	rootKey []byte
	recvCK  []byte
	skipped [][]byte
	mk      []byte
}

func computeStep(rootKey []byte, local domain.X25519Private, remote domain.X25519Public, counter uint32) (*stepCandidate, error) {
	if uint64(counter) > maxSkip {
		return nil, domain.ErrMessageKeyUnavailable
	}
	dh, err := crypto.DH(local, remote)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}
	rk, seed := kdfRK(rootKey, dh[:])
	memzero.Zero32(&dh)

	ck, skipped, mk := walkChain(seed, 0, counter)
	memzero.Zero(seed)
	return &stepCandidate{rootKey: rk, recvCK: ck, skipped: skipped, mk: mk}, nil
}

func (c *stepCandidate) wipe() {
	memzero.Zero(c.rootKey)
	memzero.Zero(c.recvCK)
	memzero.Zero(c.mk)
	wipeAll(c.skipped)
}

// decryptNewKey handles an envelope bearing a ratchet key we have not seen:
// either the peer rotated against our current key, or one side of a
// simultaneous rotation that must be tie-broken deterministically.
func decryptNewKey(st *State, env *domain.Envelope, remote domain.X25519Public) ([]byte, error) {
	// Normal interpretation first: the peer stepped from our root against
	// our current key (which, while a local rotation is unconfirmed, means
	// the peer already adopted it).
	cand, err := computeStep(st.RootKey, st.DH.Priv, remote, env.Counter)
	if err == nil {
		if pt, e := wire.Open(cand.mk, env); e == nil {
			commitStep(st, env, remote, cand)
			return pt, nil
		}
		cand.wipe()
	}

	if st.Pending == nil {
		if st.Skipped.WasEvicted(remote, env.Counter) {
			return nil, domain.ErrMessageKeyUnavailable
		}
		if err != nil {
			return nil, err
		}
		return nil, domain.ErrAuthentication
	}

	// Crossed rotations: the peer stepped from the shared pre-rotation root
	// against our replaced key. The same candidate serves both outcomes of
	// the tie-break; only what we do with it differs.
	cand, err = computeStep(st.Pending.RootKey, st.Pending.DH.Priv, remote, env.Counter)
	if err != nil {
		return nil, err
	}
	pt, e := wire.Open(cand.mk, env)
	if e != nil {
		cand.wipe()
		if st.Skipped.WasEvicted(remote, env.Counter) {
			return nil, domain.ErrMessageKeyUnavailable
		}
		return nil, e
	}

	if bytes.Compare(remote[:], st.DH.Pub[:]) > 0 {
		// The peer's candidate key wins: discard our rotation and adopt
		// its step.
		rollbackRotation(st)
		commitStep(st, env, remote, cand)
		return pt, nil
	}

	// Ours wins: keep the rotated epoch and serve the peer's abandoned
	// chain receive-only until it catches up.
	memzero.Zero(cand.rootKey)
	for i, sk := range cand.skipped {
		st.Skipped.Put(remote, uint32(i), sk)
	}
	if st.Orphan != nil {
		memzero.Zero(st.Orphan.CK)
	}
	st.Orphan = &orphanChain{RemotePub: remote, CK: cand.recvCK, Next: env.Counter + 1}
	st.Skipped.MarkConsumed(remote, env.Counter)
	clearPending(st)
	memzero.Zero(cand.mk)
	return pt, nil
}

// commitStep adopts a verified peer rotation: caches the tail of the old
// receiving chain, replaces the root and receiving chain, and schedules the
// answering local rotation for the next send. The sending side is
// untouched; the peer keeps our chain state across its own step.
func commitStep(st *State, env *domain.Envelope, remote domain.X25519Public, cand *stepCandidate) {
	// Old-chain tail up to the sender's previous chain length stays
	// decryptable through the cache.
	if st.RecvCK != nil && env.PrevChainLen > st.Nr && uint64(env.PrevChainLen)-uint64(st.Nr) <= maxSkip {
		ck, skipped, last := walkChain(st.RecvCK, st.Nr, env.PrevChainLen-1)
		for i, sk := range skipped {
			st.Skipped.Put(st.RemotePub, st.Nr+uint32(i), sk)
		}
		st.Skipped.Put(st.RemotePub, env.PrevChainLen-1, last)
		memzero.Zero(ck)
	}
	for i, sk := range cand.skipped {
		st.Skipped.Put(remote, uint32(i), sk)
	}

	memzero.Zero(st.RootKey)
	memzero.Zero(st.RecvCK)
	st.RootKey = cand.rootKey
	st.RecvCK = cand.recvCK
	st.RemotePub = remote
	st.Nr = env.Counter + 1
	st.RotateOnNextSend = true
	st.Skipped.MarkConsumed(remote, env.Counter)
	clearPending(st)
	memzero.Zero(cand.mk)
}

// rotateSend introduces a fresh local ratchet key on the sending side,
// advancing the root by the DH of the new key and the tracked remote key.
// The replaced state is snapshotted until the peer confirms the rotation by
// stepping against the new key, or a crossed rotation resolves against it.
func rotateSend(st *State) error {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	dh, err := crypto.DH(priv, st.RemotePub)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAuthentication, err)
	}
	rk, sendCK := kdfRK(st.RootKey, dh[:])
	memzero.Zero32(&dh)

	st.Pending = &rotation{
		RootKey: st.RootKey,
		SendCK:  st.SendCK,
		DH:      st.DH,
		Ns:      st.Ns,
		PN:      st.PN,
	}
	st.RootKey = rk
	st.SendCK = sendCK
	st.DH = KeyPair{Priv: priv, Pub: pub}
	st.PN = st.Ns
	st.Ns = 0
	return nil
}

func rollbackRotation(st *State) {
	p := st.Pending
	memzero.Zero(st.RootKey)
	memzero.Zero(st.SendCK)
	memzero.Zero(st.DH.Priv[:])
	st.RootKey = p.RootKey
	st.SendCK = p.SendCK
	st.DH = p.DH
	st.Ns = p.Ns
	st.PN = p.PN
	st.Pending = nil
}

func clearPending(st *State) {
	if st.Pending == nil {
		return
	}
	memzero.Zero(st.Pending.RootKey)
	memzero.Zero(st.Pending.SendCK)
	memzero.Zero(st.Pending.DH.Priv[:])
	st.Pending = nil
}

// walkChain derives message keys from seed starting at counter from up to
// and including counter to, returning the advanced chain key, the skipped
// keys for (from..to-1) and the message key for to.
func walkChain(seed []byte, from, to uint32) (ck []byte, skipped [][]byte, mk []byte) {
	ck = append([]byte(nil), seed...)
	for n := from; n <= to; n++ {
		var next, k []byte
		next, k = kdfCK(ck)
		memzero.Zero(ck)
		ck = next
		if n == to {
			mk = k
		} else {
			skipped = append(skipped, k)
		}
	}
	return ck, skipped, mk
}

func wipeAll(keys [][]byte) {
	for _, k := range keys {
		memzero.Zero(k)
	}
}

// HKDF-based KDFs with distinct labels for the root and chain steps.
func kdfRK(rk, dhOut []byte) (newRK, ck []byte) {
	r := hkdf.New(sha256.New, dhOut, rk, []byte("vesper-rk"))
	newRK = make([]byte, 32)
	ck = make([]byte, 32)
	_, _ = io.ReadFull(r, newRK)
	_, _ = io.ReadFull(r, ck)
	return
}

func kdfCK(ck []byte) (nextCK, mk []byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("vesper-ck"))
	nextCK = make([]byte, 32)
	mk = make([]byte, 32)
	_, _ = io.ReadFull(r, nextCK)
	_, _ = io.ReadFull(r, mk)
	return
}
