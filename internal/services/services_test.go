package services

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"vesper/internal/domain"
	"vesper/internal/logging"
	"vesper/internal/registry"
	"vesper/internal/relay"
	"vesper/internal/store"
)

const testPass = "correct horse"

type party struct {
	name  string
	store *store.Store
	ids   *Identity
	pre   *PreKey
	sess  *Session
	msg   *Message
	relay *relay.Client
}

func newParty(t *testing.T, name, relayURL string) *party {
	t.Helper()
	backend, err := logging.New("", "DEBUG", true)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rc := relay.NewClient(relayURL, backend.GetLogger(name+"/relay"))
	ids := NewIdentity(st, backend.GetLogger(name+"/identity"))
	pre := NewPreKey(st, st, st, backend.GetLogger(name+"/prekey"))
	sess := NewSession(name, st, st, st, st, rc, backend.GetLogger(name+"/session"))
	msg := NewMessage(st, st, sess, st, rc, registry.New(), backend.GetLogger(name+"/message"))

	return &party{name: name, store: st, ids: ids, pre: pre, sess: sess, msg: msg, relay: rc}
}

// register generates an identity and prekeys and publishes the bundle.
func (p *party) register(t *testing.T, oneTime int) {
	t.Helper()
	_, _, err := p.ids.Generate(testPass)
	require.NoError(t, err)
	bundle, err := p.pre.GenerateAndStore(testPass, oneTime)
	require.NoError(t, err)
	bundle.Username = p.name
	require.NoError(t, p.relay.RegisterBundle(context.Background(), bundle))
}

func newTestWorld(t *testing.T) (alice, bob *party) {
	t.Helper()
	backend, err := logging.New("", "DEBUG", true)
	require.NoError(t, err)
	srv := httptest.NewServer(relay.NewServer(backend.GetLogger("relay")).Router())
	t.Cleanup(srv.Close)
	return newParty(t, "alice", srv.URL), newParty(t, "bob", srv.URL)
}

func TestOfflineBootstrapAndReply(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestWorld(t)
	alice.register(t, 3)
	bob.register(t, 3)

	// Bob is offline; Alice establishes from his published bundle and sends
	// two messages before he ever comes up.
	require.NoError(t, alice.msg.Send(ctx, testPass, "alice", "bob", []byte("hi")))
	require.NoError(t, alice.msg.Send(ctx, testPass, "alice", "bob", []byte("hello")))

	sess, ok, err := alice.sess.Get("bob")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, sess.Initiator)
	require.Equal(t, domain.AlgX25519MLKEM768, sess.Algorithm)
	require.NotEmpty(t, sess.OneTimePreKeyID)

	// Bob drains the queue: the first envelope bootstraps his session.
	got, err := bob.msg.Receive(ctx, testPass, "bob", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, []byte("hi"), got[0].Plaintext)
	require.Equal(t, []byte("hello"), got[1].Plaintext)
	require.Equal(t, "alice", got[0].From)

	bobSess, ok, err := bob.sess.Get("alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, bobSess.Initiator)
	require.Equal(t, sess.RootKey, bobSess.RootKey)

	// The reply closes the loop and starts the ratchet rotation.
	require.NoError(t, bob.msg.Send(ctx, testPass, "bob", "alice", []byte("hey alice")))
	replies, err := alice.msg.Receive(ctx, testPass, "alice", 10)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	require.Equal(t, []byte("hey alice"), replies[0].Plaintext)

	// Conversation continues in both directions across restarts of nothing
	// but the persisted state.
	require.NoError(t, alice.msg.Send(ctx, testPass, "alice", "bob", []byte("still here")))
	got, err = bob.msg.Receive(ctx, testPass, "bob", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []byte("still here"), got[0].Plaintext)
}

func TestEstablishWithoutOneTimePreKey(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestWorld(t)
	alice.register(t, 0)
	bob.register(t, 0)

	require.NoError(t, alice.msg.Send(ctx, testPass, "alice", "bob", []byte("no opk")))

	sess, ok, err := alice.sess.Get("bob")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, sess.OneTimePreKeyID)

	got, err := bob.msg.Receive(ctx, testPass, "bob", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []byte("no opk"), got[0].Plaintext)
}

func TestDuplicateEnvelopeDropped(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestWorld(t)
	alice.register(t, 2)
	bob.register(t, 2)

	require.NoError(t, alice.msg.Send(ctx, testPass, "alice", "bob", []byte("once")))

	// Replay the queued envelope verbatim before Bob drains.
	envs, err := bob.relay.FetchEnvelopes(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	require.NoError(t, alice.relay.SendEnvelope(ctx, envs[0]))

	got, err := bob.msg.Receive(ctx, testPass, "bob", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []byte("once"), got[0].Plaintext)
}

func TestReceiveWithoutHandshakeDropped(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestWorld(t)
	alice.register(t, 2)
	bob.register(t, 2)

	// Complete the handshake so Alice's envelopes stop carrying it.
	require.NoError(t, alice.msg.Send(ctx, testPass, "alice", "bob", []byte("boot")))
	_, err := bob.msg.Receive(ctx, testPass, "bob", 10)
	require.NoError(t, err)
	require.NoError(t, bob.msg.Send(ctx, testPass, "bob", "alice", []byte("ack")))
	_, err = alice.msg.Receive(ctx, testPass, "alice", 10)
	require.NoError(t, err)

	// An envelope from a sender Bob has no session with, and with no
	// handshake attached, is dropped without failing the batch.
	require.NoError(t, alice.msg.Send(ctx, testPass, "alice", "bob", []byte("real")))
	envs, err := bob.relay.FetchEnvelopes(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	require.NoError(t, bob.relay.SendEnvelope(ctx, domain.RelayEnvelope{
		From: "mallory", To: "bob", Payload: envs[0].Payload, Timestamp: 1,
	}))

	got, err := bob.msg.Receive(ctx, testPass, "bob", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "alice", got[0].From)
	require.Equal(t, []byte("real"), got[0].Plaintext)
}

func TestReplenishTopsUpPool(t *testing.T) {
	_, bob := newTestWorld(t)
	bob.register(t, 2)

	added, err := bob.pre.Replenish(testPass, 5, 10)
	require.NoError(t, err)
	require.Equal(t, 8, added)

	// Above threshold now; nothing to do.
	added, err = bob.pre.Replenish(testPass, 5, 10)
	require.NoError(t, err)
	require.Zero(t, added)

	n, err := bob.store.CountOneTimePairs()
	require.NoError(t, err)
	require.Equal(t, 10, n)
}

func TestWrongPassphraseSurfaces(t *testing.T) {
	ctx := context.Background()
	alice, bob := newTestWorld(t)
	alice.register(t, 1)
	bob.register(t, 1)

	err := alice.msg.Send(ctx, "wrong", "alice", "bob", []byte("x"))
	require.ErrorIs(t, err, domain.ErrDecryptionFailed)
}
