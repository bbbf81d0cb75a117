package x3dh

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vesper/internal/crypto"
	"vesper/internal/domain"
)

func newIdentity(t *testing.T) domain.Identity {
	t.Helper()
	xPriv, xPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	edPriv, edPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	return domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv}
}

type bundleFixture struct {
	id     domain.Identity
	spk    domain.SignedPreKeyPair
	opk    domain.OneTimePair
	kem    domain.KEMPreKeyPair
	bundle domain.PreKeyBundle
}

func newBundle(t *testing.T, withOPK, withKEM bool) bundleFixture {
	t.Helper()
	id := newIdentity(t)

	spkPriv, spkPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	spk := domain.SignedPreKeyPair{
		ID:   "spk-1",
		Priv: spkPriv,
		Pub:  spkPub,
		Sig:  crypto.SignEd25519(id.EdPriv, spkPub.Slice()),
	}

	b := domain.PreKeyBundle{
		Username:        "bob",
		IdentityKey:     id.XPub,
		SigningKey:      id.EdPub,
		SignedPreKeyID:  spk.ID,
		SignedPreKey:    spk.Pub,
		SignedPreKeySig: spk.Sig,
	}

	f := bundleFixture{id: id, spk: spk}
	if withOPK {
		opkPriv, opkPub, err := crypto.GenerateX25519()
		require.NoError(t, err)
		f.opk = domain.OneTimePair{ID: "opk-1", Priv: opkPriv, Pub: opkPub}
		b.OneTime = []domain.OneTimePub{{ID: f.opk.ID, Pub: f.opk.Pub}}
	}
	if withKEM {
		seed, pub, err := crypto.GenerateKEM()
		require.NoError(t, err)
		f.kem = domain.KEMPreKeyPair{
			ID:   "kem-1",
			Seed: seed,
			Pub:  pub,
			Sig:  crypto.SignEd25519(id.EdPriv, pub),
		}
		b.KEMs = []string{domain.KEMMLKEM768}
		b.KEMPreKeyID = f.kem.ID
		b.KEMPreKey = f.kem.Pub
		b.KEMPreKeySig = f.kem.Sig
	}
	f.bundle = b
	return f
}

func respond(t *testing.T, f bundleFixture, alice domain.Identity, res InitiatorResult, useOPK bool) Keys {
	t.Helper()
	pm := domain.PreKeyMessage{
		InitiatorIK:     alice.XPub,
		InitiatorSignIK: alice.EdPub,
		Ephemeral:       res.EphemeralPub,
		SignedPreKeyID:  res.SignedPreKeyID,
		KEMCiphertext:   res.KEMCiphertext,
	}
	var opk *domain.OneTimePair
	if useOPK {
		opk = &f.opk
	}
	keys, err := Respond("bob", "alice", f.id, f.spk, opk, f.kem.Seed, pm)
	require.NoError(t, err)
	return keys
}

func requireMirrored(t *testing.T, a Keys, b Keys) {
	t.Helper()
	require.Equal(t, a.Root, b.Root)
	require.Equal(t, a.SendChain, b.RecvChain)
	require.Equal(t, a.RecvChain, b.SendChain)
	require.NotEqual(t, a.SendChain, a.RecvChain)
	require.Len(t, a.Root, 32)
}

func TestAgreementWithOneTimePreKey(t *testing.T) {
	f := newBundle(t, true, false)
	alice := newIdentity(t)

	res, err := Initiate("alice", alice, f.bundle)
	require.NoError(t, err)
	require.True(t, res.UsedOneTimePreKey)
	require.Equal(t, "opk-1", res.OneTimePreKeyID)
	require.Equal(t, domain.AlgX25519, res.Algorithm)

	keys := respond(t, f, alice, res, true)
	requireMirrored(t, res.Keys, keys)
}

func TestAgreementWithoutOneTimePreKey(t *testing.T) {
	f := newBundle(t, false, false)
	alice := newIdentity(t)

	res, err := Initiate("alice", alice, f.bundle)
	require.NoError(t, err)
	require.False(t, res.UsedOneTimePreKey)
	require.Empty(t, res.OneTimePreKeyID)

	keys := respond(t, f, alice, res, false)
	requireMirrored(t, res.Keys, keys)
}

func TestHybridAgreement(t *testing.T) {
	f := newBundle(t, true, true)
	alice := newIdentity(t)

	res, err := Initiate("alice", alice, f.bundle)
	require.NoError(t, err)
	require.Equal(t, domain.AlgX25519MLKEM768, res.Algorithm)
	require.NotEmpty(t, res.KEMCiphertext)

	keys := respond(t, f, alice, res, true)
	require.Equal(t, domain.AlgX25519MLKEM768, keys.Algorithm)
	requireMirrored(t, res.Keys, keys)
}

func TestHybridDiffersFromClassical(t *testing.T) {
	f := newBundle(t, true, true)
	alice := newIdentity(t)

	hybrid, err := Initiate("alice", alice, f.bundle)
	require.NoError(t, err)

	classical := f.bundle
	classical.KEMs = nil
	classical.KEMPreKey = nil
	res, err := Initiate("alice", alice, classical)
	require.NoError(t, err)
	require.Equal(t, domain.AlgX25519, res.Algorithm)
	require.NotEqual(t, hybrid.Root, res.Root)
}

func TestBadSignedPreKeySignature(t *testing.T) {
	f := newBundle(t, true, false)
	alice := newIdentity(t)

	f.bundle.SignedPreKeySig[0] ^= 0x01
	_, err := Initiate("alice", alice, f.bundle)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestBadKEMSignature(t *testing.T) {
	f := newBundle(t, true, true)
	alice := newIdentity(t)

	f.bundle.KEMPreKeySig[0] ^= 0x01
	_, err := Initiate("alice", alice, f.bundle)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestHybridWithoutSeedFails(t *testing.T) {
	f := newBundle(t, false, true)
	alice := newIdentity(t)

	res, err := Initiate("alice", alice, f.bundle)
	require.NoError(t, err)

	pm := domain.PreKeyMessage{
		InitiatorIK:     alice.XPub,
		InitiatorSignIK: alice.EdPub,
		Ephemeral:       res.EphemeralPub,
		SignedPreKeyID:  res.SignedPreKeyID,
		KEMCiphertext:   res.KEMCiphertext,
	}
	_, err = Respond("bob", "alice", f.id, f.spk, nil, nil, pm)
	require.ErrorIs(t, err, domain.ErrStaleBundle)
}

func TestSaltIsOrderIndependent(t *testing.T) {
	require.Equal(t, transcriptSalt("alice", "bob"), transcriptSalt("bob", "alice"))
	require.NotEqual(t, transcriptSalt("alice", "bob"), transcriptSalt("alice", "carol"))
}

func TestDistinctSessionsDistinctKeys(t *testing.T) {
	f := newBundle(t, false, false)
	alice := newIdentity(t)

	a, err := Initiate("alice", alice, f.bundle)
	require.NoError(t, err)
	b, err := Initiate("alice", alice, f.bundle)
	require.NoError(t, err)
	// A fresh ephemeral per initiation means fresh roots every time.
	require.NotEqual(t, a.Root, b.Root)
}
