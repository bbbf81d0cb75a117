package domain

import "errors"

// Error taxonomy. Raw cryptographic-library failures are never surfaced to
// callers; packages map them onto these before crossing a boundary.

// Key errors: recoverable by re-fetching the peer's bundle.
var (
	// ErrInvalidSignature indicates a bundle whose signed-prekey (or KEM
	// prekey) signature failed verification against the identity key.
	ErrInvalidSignature = errors.New("vesper: invalid prekey signature")

	// ErrMissingOneTimePreKey indicates the bundle carried no one-time
	// prekey. Establishment falls back to the three-term agreement; callers
	// see this only when they require the four-term form.
	ErrMissingOneTimePreKey = errors.New("vesper: no one-time prekey in bundle")

	// ErrStaleBundle indicates the referenced signed prekey id is unknown
	// or past its expiry on the responder.
	ErrStaleBundle = errors.New("vesper: stale or unknown signed prekey")
)

// Ratchet errors: permanent per-message decryption failures, never retried.
var (
	// ErrMessageKeyUnavailable indicates the message counter is behind the
	// receiving chain and its key has been evicted from the bounded
	// skipped-key cache.
	ErrMessageKeyUnavailable = errors.New("vesper: message key unavailable")

	// ErrReplayOrDuplicate indicates a counter that was already consumed
	// has been resubmitted.
	ErrReplayOrDuplicate = errors.New("vesper: replayed or duplicate message")

	// ErrAuthentication indicates AEAD authentication failed; the envelope
	// was corrupted or sealed under a different key.
	ErrAuthentication = errors.New("vesper: message authentication failed")

	// ErrSessionClosed indicates the ratchet state has been closed and its
	// key material wiped.
	ErrSessionClosed = errors.New("vesper: session closed")
)

// Transport errors: retried with bounded exponential backoff before
// surfacing.
var (
	// ErrBundleUnavailable indicates the relay could not serve the peer's
	// prekey bundle within the retry budget.
	ErrBundleUnavailable = errors.New("vesper: prekey bundle unavailable")

	// ErrTimeout indicates the relay did not answer in time.
	ErrTimeout = errors.New("vesper: relay timeout")
)

// Storage errors.
var (
	// ErrDecryptionFailed indicates a persisted blob could not be opened
	// under the local device key (wrong or revoked device) or passphrase.
	ErrDecryptionFailed = errors.New("vesper: cannot decrypt stored blob")

	// ErrUnknownAlgorithm indicates an envelope or blob carried an
	// algorithm version this build does not speak. Unknown versions are
	// rejected, never retried under a different derivation.
	ErrUnknownAlgorithm = errors.New("vesper: unknown algorithm version")

	// ErrMalformedEnvelope indicates an envelope failed structural
	// validation before any cryptographic operation.
	ErrMalformedEnvelope = errors.New("vesper: malformed envelope")

	// ErrNoSession indicates there is no established session with the peer.
	ErrNoSession = errors.New("vesper: no session with peer")

	// ErrNoIdentity indicates the local identity has not been generated yet.
	ErrNoIdentity = errors.New("vesper: no identity; run init first")
)
