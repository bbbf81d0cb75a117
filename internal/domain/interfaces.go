package domain

import "context"

// IdentityStore persists the long-term identity keys, encrypted at rest.
type IdentityStore interface {
	SaveIdentity(passphrase string, id Identity) error
	LoadIdentity(passphrase string) (Identity, error)
}

// DeviceKeyStore holds the random per-device key used to seal session state
// blobs. The device key is never a conversation key.
type DeviceKeyStore interface {
	// EnsureDeviceKey returns the device key, generating and persisting it
	// on first use.
	EnsureDeviceKey(passphrase string) ([32]byte, error)
}

// PreKeyStore manages signed, one-time and KEM prekeys.
type PreKeyStore interface {
	SaveSignedPreKey(pair SignedPreKeyPair) error
	LoadSignedPreKey(id string) (SignedPreKeyPair, bool, error)
	SetCurrentSignedPreKeyID(id string) error
	CurrentSignedPreKeyID() (string, bool, error)

	SaveOneTimePairs(pairs []OneTimePair) error
	// ConsumeOneTimePair removes and returns the pair; a consumed or unknown
	// id reports ok=false rather than an error so establishment can fall
	// back to the three-term agreement.
	ConsumeOneTimePair(id string) (OneTimePair, bool, error)
	ListOneTimePublics() ([]OneTimePub, error)
	CountOneTimePairs() (int, error)

	SaveKEMPreKey(pair KEMPreKeyPair) error
	LoadKEMPreKey(id string) (KEMPreKeyPair, bool, error)
	SetCurrentKEMPreKeyID(id string) error
	CurrentKEMPreKeyID() (string, bool, error)
}

// SessionStore persists establishment output per peer.
type SessionStore interface {
	SaveSession(peer string, s Session) error
	LoadSession(peer string) (Session, bool, error)
	DeleteSession(peer string) error
}

// RatchetBlobStore persists opaque per-peer ratchet state blobs sealed under
// the device key. Any remote copy of a blob is a pure byte store.
type RatchetBlobStore interface {
	SaveRatchetBlob(peer string, blob []byte) error
	LoadRatchetBlob(peer string) ([]byte, bool, error)
	DeleteRatchetBlob(peer string) error
}

// IdentityService creates and inspects the local identity.
type IdentityService interface {
	Generate(passphrase string) (Identity, Fingerprint, error)
	Load(passphrase string) (Identity, error)
	Fingerprint(passphrase string) (Fingerprint, error)
}

// PreKeyService generates prekeys and assembles the public bundle.
type PreKeyService interface {
	GenerateAndStore(passphrase string, oneTime int) (PreKeyBundle, error)
	RotateSignedPreKey(passphrase string) (string, error)
	Bundle(passphrase, username string) (PreKeyBundle, error)
	// Replenish tops the one-time pool back up to target if it has dropped
	// below the threshold. Safe to call from background workers.
	Replenish(passphrase string, threshold, target int) (added int, err error)
}

// SessionService establishes sessions from bundles or inbound handshakes.
type SessionService interface {
	Initiate(ctx context.Context, passphrase, peer string) (Session, error)
	Respond(passphrase, peer string, pm PreKeyMessage, oneTimePreKeyID string) (Session, error)
	Get(peer string) (Session, bool, error)
}

// MessageService encrypts, sends, fetches and decrypts messages.
type MessageService interface {
	Send(ctx context.Context, passphrase, from, to string, plaintext []byte) error
	Receive(ctx context.Context, passphrase, me string, limit int) ([]DecryptedMessage, error)
}

// RelayClient is the async boundary to the relay. Implementations own their
// bounded retry/backoff policy and surface ErrBundleUnavailable on
// exhaustion.
type RelayClient interface {
	RegisterBundle(ctx context.Context, b PreKeyBundle) error
	FetchBundle(ctx context.Context, username string) (PreKeyBundle, error)
	SendEnvelope(ctx context.Context, env RelayEnvelope) error
	FetchEnvelopes(ctx context.Context, username string, limit int) ([]RelayEnvelope, error)
	AckEnvelopes(ctx context.Context, username string, count int) error
}
