package wire

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"vesper/internal/domain"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	mk := make([]byte, KeySize)
	_, err := rand.Read(mk)
	require.NoError(t, err)
	return mk
}

func testEnvelope(t *testing.T, mk []byte, plaintext []byte) *domain.Envelope {
	t.Helper()
	pub := make([]byte, ratchetPubSize)
	_, err := rand.Read(pub)
	require.NoError(t, err)
	env := &domain.Envelope{
		Algorithm:    domain.AlgX25519,
		RatchetPub:   pub,
		PrevChainLen: 3,
		Counter:      7,
	}
	require.NoError(t, Seal(mk, env, plaintext))
	return env
}

func TestSealOpenRoundTrip(t *testing.T) {
	mk := testKey(t)
	env := testEnvelope(t, mk, []byte("hello"))

	require.Len(t, env.Nonce, NonceSize)
	require.Len(t, env.AuthTag, TagSize)

	pt, err := Open(mk, env)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pt)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	mk := testKey(t)
	env := testEnvelope(t, mk, []byte("payload"))
	env.OneTimePreKeyID = "opk-9"
	env.PreKey = &domain.PreKeyMessage{SignedPreKeyID: "spk-1"}
	// Re-seal so the associated data covers the handshake fields.
	require.NoError(t, Seal(mk, env, []byte("payload")))

	b, err := Encode(env)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, env.Counter, got.Counter)
	require.Equal(t, env.OneTimePreKeyID, got.OneTimePreKeyID)
	require.NotNil(t, got.PreKey)

	pt, err := Open(mk, got)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), pt)
}

func TestHeaderTamperDetected(t *testing.T) {
	mk := testKey(t)

	mutations := map[string]func(*domain.Envelope){
		"ratchet pub": func(e *domain.Envelope) { e.RatchetPub[0] ^= 0x01 },
		"prev chain":  func(e *domain.Envelope) { e.PrevChainLen++ },
		"counter":     func(e *domain.Envelope) { e.Counter++ },
		"ciphertext":  func(e *domain.Envelope) { e.Ciphertext[0] ^= 0x01 },
		"auth tag":    func(e *domain.Envelope) { e.AuthTag[0] ^= 0x01 },
		"nonce":       func(e *domain.Envelope) { e.Nonce[0] ^= 0x01 },
		"opk id":      func(e *domain.Envelope) { e.OneTimePreKeyID = "other" },
	}
	for name, mutate := range mutations {
		env := testEnvelope(t, mk, []byte("bound"))
		mutate(env)
		_, err := Open(mk, env)
		require.ErrorIs(t, err, domain.ErrAuthentication, name)
	}
}

func TestWrongKeyFails(t *testing.T) {
	mk := testKey(t)
	env := testEnvelope(t, mk, []byte("secret"))
	_, err := Open(testKey(t), env)
	require.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestMalformedRejectedBeforeCrypto(t *testing.T) {
	mk := testKey(t)

	env := testEnvelope(t, mk, []byte("x"))
	env.RatchetPub = env.RatchetPub[:31]
	_, err := Open(mk, env)
	require.ErrorIs(t, err, domain.ErrMalformedEnvelope)

	env = testEnvelope(t, mk, []byte("x"))
	env.Nonce = append(env.Nonce, 0)
	_, err = Open(mk, env)
	require.ErrorIs(t, err, domain.ErrMalformedEnvelope)

	env = testEnvelope(t, mk, []byte("x"))
	env.AuthTag = env.AuthTag[:TagSize-1]
	_, err = Open(mk, env)
	require.ErrorIs(t, err, domain.ErrMalformedEnvelope)

	env = testEnvelope(t, mk, []byte("x"))
	env.PreKey = &domain.PreKeyMessage{}
	_, err = Open(mk, env)
	require.ErrorIs(t, err, domain.ErrMalformedEnvelope)
}

func TestUnknownAlgorithmRejected(t *testing.T) {
	mk := testKey(t)
	env := testEnvelope(t, mk, []byte("x"))
	env.Algorithm = domain.Algorithm(99)

	_, err := Open(mk, env)
	require.ErrorIs(t, err, domain.ErrUnknownAlgorithm)

	_, err = Encode(env)
	require.ErrorIs(t, err, domain.ErrUnknownAlgorithm)
}

func TestKEMCiphertextLengthEnforced(t *testing.T) {
	mk := testKey(t)
	env := testEnvelope(t, mk, []byte("x"))
	env.Algorithm = domain.AlgX25519MLKEM768
	env.PreKey = &domain.PreKeyMessage{
		SignedPreKeyID: "spk-1",
		KEMCiphertext:  []byte{1, 2, 3},
	}
	_, err := Open(mk, env)
	require.ErrorIs(t, err, domain.ErrMalformedEnvelope)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte{0xff, 0x00, 0x12})
	require.ErrorIs(t, err, domain.ErrMalformedEnvelope)
}

func TestFreshNoncePerSeal(t *testing.T) {
	mk := testKey(t)
	a := testEnvelope(t, mk, []byte("same"))
	b := testEnvelope(t, mk, []byte("same"))
	require.NotEqual(t, a.Nonce, b.Nonce)
	require.NotEqual(t, a.Ciphertext, b.Ciphertext)
}
