package services

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"gopkg.in/op/go-logging.v1"

	"vesper/internal/crypto"
	"vesper/internal/domain"
)

// Identity creates and inspects the local long-term identity.
type Identity struct {
	store domain.IdentityStore
	log   *logging.Logger
}

var _ domain.IdentityService = (*Identity)(nil)

// NewIdentity returns an identity service over store.
func NewIdentity(store domain.IdentityStore, log *logging.Logger) *Identity {
	return &Identity{store: store, log: log}
}

// Generate creates a fresh identity and persists it sealed under passphrase.
// Refuses to overwrite an existing identity.
func (s *Identity) Generate(passphrase string) (domain.Identity, domain.Fingerprint, error) {
	if _, err := s.store.LoadIdentity(passphrase); err == nil {
		return domain.Identity{}, "", errors.New("vesper: identity already exists")
	} else if errors.Is(err, domain.ErrDecryptionFailed) {
		return domain.Identity{}, "", err
	}

	xPriv, xPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.Identity{}, "", err
	}
	edPriv, edPub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.Identity{}, "", err
	}
	id := domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv}
	if err := s.store.SaveIdentity(passphrase, id); err != nil {
		return domain.Identity{}, "", err
	}

	fp := domain.Fingerprint(crypto.Fingerprint(xPub.Slice()))
	s.log.Noticef("generated identity %s", fp)
	return id, fp, nil
}

// Load decrypts the stored identity.
func (s *Identity) Load(passphrase string) (domain.Identity, error) {
	return s.store.LoadIdentity(passphrase)
}

// Fingerprint returns the short public fingerprint of the local identity.
func (s *Identity) Fingerprint(passphrase string) (domain.Fingerprint, error) {
	id, err := s.store.LoadIdentity(passphrase)
	if err != nil {
		return "", err
	}
	return domain.Fingerprint(crypto.Fingerprint(id.XPub.Slice())), nil
}

// newID returns a random identifier with the given prefix.
func newID(prefix string) (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return prefix + "-" + hex.EncodeToString(b[:]), nil
}
