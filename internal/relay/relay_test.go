package relay

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vesper/internal/crypto"
	"vesper/internal/domain"
	"vesper/internal/logging"
)

func newTestRelay(t *testing.T) *Client {
	t.Helper()
	backend, err := logging.New("", "DEBUG", true)
	require.NoError(t, err)
	srv := httptest.NewServer(NewServer(backend.GetLogger("relay")).Router())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, backend.GetLogger("relay/client"))
}

func testBundle(t *testing.T, username string, oneTime int) domain.PreKeyBundle {
	t.Helper()
	_, xPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	_, edPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)

	b := domain.PreKeyBundle{
		Username:       username,
		IdentityKey:    xPub,
		SigningKey:     edPub,
		SignedPreKeyID: "spk-1",
	}
	for i := 0; i < oneTime; i++ {
		_, pub, err := crypto.GenerateX25519()
		require.NoError(t, err)
		b.OneTime = append(b.OneTime, domain.OneTimePub{ID: "opk-" + string(rune('a'+i)), Pub: pub})
	}
	return b
}

func TestBundleRegisterAndFetch(t *testing.T) {
	c := newTestRelay(t)
	ctx := context.Background()

	require.NoError(t, c.RegisterBundle(ctx, testBundle(t, "bob", 2)))

	// Each fetch pops one one-time prekey; the pool then runs dry without
	// failing the fetch.
	first, err := c.FetchBundle(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, first.OneTime, 1)

	second, err := c.FetchBundle(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, second.OneTime, 1)
	require.NotEqual(t, first.OneTime[0].ID, second.OneTime[0].ID)

	third, err := c.FetchBundle(ctx, "bob")
	require.NoError(t, err)
	require.Empty(t, third.OneTime)
	require.Equal(t, "bob", third.Username)
}

func TestFetchUnknownBundleExhaustsRetries(t *testing.T) {
	c := newTestRelay(t)
	start := time.Now()
	_, err := c.FetchBundle(context.Background(), "nobody")
	require.ErrorIs(t, err, domain.ErrBundleUnavailable)
	// Retried with backoff rather than failing on the first 404.
	require.Greater(t, time.Since(start), 100*time.Millisecond)
}

func TestFetchBundleTimeout(t *testing.T) {
	c := newTestRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.FetchBundle(ctx, "nobody")
	require.ErrorIs(t, err, domain.ErrTimeout)
}

func TestEnvelopeQueueFetchAck(t *testing.T) {
	c := newTestRelay(t)
	ctx := context.Background()

	for i, payload := range []string{"one", "two", "three"} {
		err := c.SendEnvelope(ctx, domain.RelayEnvelope{
			From:      "alice",
			To:        "bob",
			Payload:   []byte(payload),
			Timestamp: int64(i),
		})
		require.NoError(t, err)
	}

	got, err := c.FetchEnvelopes(ctx, "bob", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, []byte("one"), got[0].Payload)
	require.Equal(t, []byte("two"), got[1].Payload)

	// Fetch does not consume.
	again, err := c.FetchEnvelopes(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, again, 3)

	require.NoError(t, c.AckEnvelopes(ctx, "bob", 2))
	rest, err := c.FetchEnvelopes(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, []byte("three"), rest[0].Payload)

	require.NoError(t, c.AckEnvelopes(ctx, "bob", 1))
	empty, err := c.FetchEnvelopes(ctx, "bob", 10)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestRegisterRejectsIncompleteBundle(t *testing.T) {
	c := newTestRelay(t)
	err := c.RegisterBundle(context.Background(), domain.PreKeyBundle{Username: "x"})
	require.Error(t, err)
}
