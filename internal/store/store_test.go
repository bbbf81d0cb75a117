package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"vesper/internal/crypto"
	"vesper/internal/domain"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vesper.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func testIdentity(t *testing.T) domain.Identity {
	t.Helper()
	xPriv, xPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	edPriv, edPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	return domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv}
}

func TestIdentityRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	id := testIdentity(t)

	require.NoError(t, s.SaveIdentity("hunter2", id))
	got, err := s.LoadIdentity("hunter2")
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestIdentityWrongPassphrase(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.SaveIdentity("hunter2", testIdentity(t)))

	_, err := s.LoadIdentity("wrong")
	require.ErrorIs(t, err, domain.ErrDecryptionFailed)
}

func TestIdentityMissing(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.LoadIdentity("hunter2")
	require.ErrorIs(t, err, domain.ErrNoIdentity)
}

func TestDeviceKeyStableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vesper.db")
	s, err := Open(path)
	require.NoError(t, err)

	k1, err := s.EnsureDeviceKey("hunter2")
	require.NoError(t, err)
	k2, err := s.EnsureDeviceKey("hunter2")
	require.NoError(t, err)
	require.Equal(t, k1, k2)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	k3, err := s.EnsureDeviceKey("hunter2")
	require.NoError(t, err)
	require.Equal(t, k1, k3)

	// A separate database gets its own random device key.
	s2, err := Open(filepath.Join(t.TempDir(), "other.db"))
	require.NoError(t, err)
	defer s2.Close()
	k4, err := s2.EnsureDeviceKey("hunter2")
	require.NoError(t, err)
	require.NotEqual(t, k1, k4)
}

func TestDeviceKeyWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vesper.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.EnsureDeviceKey("hunter2")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.EnsureDeviceKey("wrong")
	require.ErrorIs(t, err, domain.ErrDecryptionFailed)
}

func TestSealedAccessRequiresUnlock(t *testing.T) {
	s, _ := openTestStore(t)
	err := s.SaveSignedPreKey(domain.SignedPreKeyPair{ID: "spk-1"})
	require.ErrorIs(t, err, errLocked)
}

func TestSignedPreKeys(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.EnsureDeviceKey("hunter2")
	require.NoError(t, err)

	priv, pub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	pair := domain.SignedPreKeyPair{ID: "spk-1", Priv: priv, Pub: pub, Sig: []byte{1, 2}, CreatedUTC: 42}
	require.NoError(t, s.SaveSignedPreKey(pair))
	require.NoError(t, s.SetCurrentSignedPreKeyID(pair.ID))

	got, ok, err := s.LoadSignedPreKey("spk-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pair, got)

	id, ok, err := s.CurrentSignedPreKeyID()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "spk-1", id)

	_, ok, err = s.LoadSignedPreKey("spk-2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOneTimePairsConsumeOnce(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.EnsureDeviceKey("hunter2")
	require.NoError(t, err)

	var pairs []domain.OneTimePair
	for _, id := range []string{"opk-1", "opk-2", "opk-3"} {
		priv, pub, err := crypto.GenerateX25519()
		require.NoError(t, err)
		pairs = append(pairs, domain.OneTimePair{ID: id, Priv: priv, Pub: pub})
	}
	require.NoError(t, s.SaveOneTimePairs(pairs))

	n, err := s.CountOneTimePairs()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	pubs, err := s.ListOneTimePublics()
	require.NoError(t, err)
	require.Len(t, pubs, 3)

	got, ok, err := s.ConsumeOneTimePair("opk-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pairs[1], got)

	_, ok, err = s.ConsumeOneTimePair("opk-2")
	require.NoError(t, err)
	require.False(t, ok)

	n, err = s.CountOneTimePairs()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestKEMPreKeys(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.EnsureDeviceKey("hunter2")
	require.NoError(t, err)

	seed, pub, err := crypto.GenerateKEM()
	require.NoError(t, err)
	pair := domain.KEMPreKeyPair{ID: "kem-1", Seed: seed, Pub: pub, Sig: []byte{9}}
	require.NoError(t, s.SaveKEMPreKey(pair))
	require.NoError(t, s.SetCurrentKEMPreKeyID(pair.ID))

	got, ok, err := s.LoadKEMPreKey("kem-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pair, got)

	id, ok, err := s.CurrentKEMPreKeyID()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "kem-1", id)
}

func TestSessions(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.EnsureDeviceKey("hunter2")
	require.NoError(t, err)

	sess := domain.Session{
		Peer:      "bob",
		RootKey:   []byte{1, 2, 3},
		Algorithm: domain.AlgX25519,
	}
	require.NoError(t, s.SaveSession("bob", sess))

	got, ok, err := s.LoadSession("bob")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sess.Peer, got.Peer)
	require.Equal(t, sess.RootKey, got.RootKey)

	_, ok, err = s.LoadSession("carol")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.DeleteSession("bob"))
	_, ok, err = s.LoadSession("bob")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSessionExportImport(t *testing.T) {
	s, _ := openTestStore(t)
	devKey, err := s.EnsureDeviceKey("hunter2")
	require.NoError(t, err)

	sess := domain.Session{Peer: "bob", RootKey: []byte{4, 5, 6}, Algorithm: domain.AlgX25519}
	require.NoError(t, s.SaveSession("bob", sess))

	// The exported blob is the sealed record, not the plaintext session.
	blob, ok, err := s.ExportSession("bob")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = OpenKey(devKey, blob)
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession("bob"))
	require.NoError(t, s.ImportSession("bob", blob))
	got, ok, err := s.LoadSession("bob")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sess.RootKey, got.RootKey)

	// A store with a different device key rejects the blob outright.
	other, _ := openTestStore(t)
	_, err = other.EnsureDeviceKey("hunter2")
	require.NoError(t, err)
	err = other.ImportSession("bob", blob)
	require.ErrorIs(t, err, domain.ErrDecryptionFailed)
	_, ok, err = other.LoadSession("bob")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRatchetBlobs(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.SaveRatchetBlob("bob", []byte("opaque")))
	blob, ok, err := s.LoadRatchetBlob("bob")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("opaque"), blob)

	require.NoError(t, s.DeleteRatchetBlob("bob"))
	_, ok, err = s.LoadRatchetBlob("bob")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSealKeyMismatch(t *testing.T) {
	var a, b [32]byte
	a[0], b[0] = 1, 2
	blob, err := SealKey(a, []byte("state"))
	require.NoError(t, err)

	pt, err := OpenKey(a, blob)
	require.NoError(t, err)
	require.Equal(t, []byte("state"), pt)

	_, err = OpenKey(b, blob)
	require.ErrorIs(t, err, domain.ErrDecryptionFailed)
}
