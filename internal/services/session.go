package services

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"vesper/internal/domain"
	"vesper/internal/protocol/x3dh"
)

// Session establishes and looks up per-peer sessions. self is the local
// username; it salts the agreement transcript and must match the name the
// bundle was registered under.
type Session struct {
	self     string
	ids      domain.IdentityStore
	prekeys  domain.PreKeyStore
	sessions domain.SessionStore
	device   domain.DeviceKeyStore
	relay    domain.RelayClient
	log      *logging.Logger
}

var _ domain.SessionService = (*Session)(nil)

// NewSession returns a session service.
func NewSession(
	self string,
	ids domain.IdentityStore,
	prekeys domain.PreKeyStore,
	sessions domain.SessionStore,
	device domain.DeviceKeyStore,
	relay domain.RelayClient,
	log *logging.Logger,
) *Session {
	return &Session{self: self, ids: ids, prekeys: prekeys, sessions: sessions, device: device, relay: relay, log: log}
}

// Initiate fetches the peer's bundle and derives a new session. An existing
// session for the peer is returned unchanged.
func (s *Session) Initiate(ctx context.Context, passphrase, peer string) (domain.Session, error) {
	id, err := s.ids.LoadIdentity(passphrase)
	if err != nil {
		return domain.Session{}, err
	}
	if _, err := s.device.EnsureDeviceKey(passphrase); err != nil {
		return domain.Session{}, err
	}
	if sess, ok, err := s.sessions.LoadSession(peer); err != nil {
		return domain.Session{}, err
	} else if ok {
		return sess, nil
	}

	bundle, err := s.relay.FetchBundle(ctx, peer)
	if err != nil {
		return domain.Session{}, err
	}

	res, err := x3dh.Initiate(s.self, id, bundle)
	if err != nil {
		return domain.Session{}, err
	}
	if !res.UsedOneTimePreKey {
		s.log.Warningf("establishing session with %s without a one-time prekey", peer)
	}

	sess := domain.Session{
		Peer:            peer,
		RootKey:         res.Root,
		SendChain:       res.SendChain,
		RecvChain:       res.RecvChain,
		PeerIK:          bundle.IdentityKey,
		PeerSPK:         bundle.SignedPreKey,
		Algorithm:       res.Algorithm,
		CreatedUTC:      time.Now().UTC().Unix(),
		SignedPreKeyID:  res.SignedPreKeyID,
		OneTimePreKeyID: res.OneTimePreKeyID,
		EphemeralPub:    res.EphemeralPub,
		EphemeralPriv:   res.EphemeralPriv,
		KEMCiphertext:   res.KEMCiphertext,
		Initiator:       true,
	}
	if err := s.sessions.SaveSession(peer, sess); err != nil {
		return domain.Session{}, err
	}
	s.log.Noticef("established session with %s (%s)", peer, sess.Algorithm)
	return sess, nil
}

// Respond derives the session from an inbound handshake. oneTimePreKeyID is
// the envelope's top-level field; empty means the initiator took the
// three-term fallback.
func (s *Session) Respond(passphrase, peer string, pm domain.PreKeyMessage, oneTimePreKeyID string) (domain.Session, error) {
	id, err := s.ids.LoadIdentity(passphrase)
	if err != nil {
		return domain.Session{}, err
	}
	if _, err := s.device.EnsureDeviceKey(passphrase); err != nil {
		return domain.Session{}, err
	}

	spk, ok, err := s.prekeys.LoadSignedPreKey(pm.SignedPreKeyID)
	if err != nil {
		return domain.Session{}, err
	}
	if !ok {
		return domain.Session{}, fmt.Errorf("%w: signed prekey %s", domain.ErrStaleBundle, pm.SignedPreKeyID)
	}

	var opk *domain.OneTimePair
	if oneTimePreKeyID != "" {
		pair, ok, err := s.prekeys.ConsumeOneTimePair(oneTimePreKeyID)
		if err != nil {
			return domain.Session{}, err
		}
		if !ok {
			// The initiator consumed a one-time prekey we no longer hold;
			// the agreement cannot be recomputed.
			return domain.Session{}, fmt.Errorf("%w: %s already consumed", domain.ErrMissingOneTimePreKey, oneTimePreKeyID)
		}
		opk = &pair
	}

	var kemSeed []byte
	if len(pm.KEMCiphertext) > 0 {
		kemID, ok, err := s.prekeys.CurrentKEMPreKeyID()
		if err != nil {
			return domain.Session{}, err
		}
		if ok {
			if kem, found, err := s.prekeys.LoadKEMPreKey(kemID); err != nil {
				return domain.Session{}, err
			} else if found {
				kemSeed = kem.Seed
			}
		}
	}

	keys, err := x3dh.Respond(s.self, peer, id, spk, opk, kemSeed, pm)
	if err != nil {
		return domain.Session{}, err
	}

	sess := domain.Session{
		Peer:           peer,
		RootKey:        keys.Root,
		SendChain:      keys.SendChain,
		RecvChain:      keys.RecvChain,
		PeerIK:         pm.InitiatorIK,
		PeerSPK:        pm.Ephemeral,
		Algorithm:      keys.Algorithm,
		CreatedUTC:     time.Now().UTC().Unix(),
		SignedPreKeyID: pm.SignedPreKeyID,
		EphemeralPub:   spk.Pub,
		EphemeralPriv:  spk.Priv,
		Initiator:      false,
	}
	if err := s.sessions.SaveSession(peer, sess); err != nil {
		return domain.Session{}, err
	}
	s.log.Noticef("accepted session from %s (%s)", peer, sess.Algorithm)
	return sess, nil
}

// Get returns the stored session for peer, if any.
func (s *Session) Get(peer string) (domain.Session, bool, error) {
	return s.sessions.LoadSession(peer)
}
