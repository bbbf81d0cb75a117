package services

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/op/go-logging.v1"

	"vesper/internal/crypto"
	"vesper/internal/domain"
	"vesper/internal/worker"
)

// Default one-time prekey pool sizing.
const (
	DefaultOneTimeCount     = 20
	DefaultReplenishTrigger = 5
)

// PreKey generates prekeys and assembles the public bundle.
type PreKey struct {
	worker.Worker

	ids    domain.IdentityStore
	store  domain.PreKeyStore
	device domain.DeviceKeyStore
	log    *logging.Logger
}

var _ domain.PreKeyService = (*PreKey)(nil)

// NewPreKey returns a prekey service.
func NewPreKey(ids domain.IdentityStore, store domain.PreKeyStore, device domain.DeviceKeyStore, log *logging.Logger) *PreKey {
	return &PreKey{ids: ids, store: store, device: device, log: log}
}

func (s *PreKey) unlock(passphrase string) (domain.Identity, error) {
	id, err := s.ids.LoadIdentity(passphrase)
	if err != nil {
		return domain.Identity{}, err
	}
	if _, err := s.device.EnsureDeviceKey(passphrase); err != nil {
		return domain.Identity{}, err
	}
	return id, nil
}

// GenerateAndStore creates a signed prekey, oneTime one-time prekeys and an
// ML-KEM prekey, stores them and returns the publishable bundle.
func (s *PreKey) GenerateAndStore(passphrase string, oneTime int) (domain.PreKeyBundle, error) {
	id, err := s.unlock(passphrase)
	if err != nil {
		return domain.PreKeyBundle{}, err
	}

	if _, err := s.rotateSignedPreKey(id); err != nil {
		return domain.PreKeyBundle{}, err
	}
	if _, err := s.addOneTimePairs(oneTime); err != nil {
		return domain.PreKeyBundle{}, err
	}
	if err := s.rotateKEMPreKey(id); err != nil {
		return domain.PreKeyBundle{}, err
	}
	return s.assembleBundle(id, "")
}

// RotateSignedPreKey publishes a fresh signed prekey. Older pairs stay
// stored so handshakes referencing them keep working until pruned.
func (s *PreKey) RotateSignedPreKey(passphrase string) (string, error) {
	id, err := s.unlock(passphrase)
	if err != nil {
		return "", err
	}
	return s.rotateSignedPreKey(id)
}

func (s *PreKey) rotateSignedPreKey(id domain.Identity) (string, error) {
	spkID, err := newID("spk")
	if err != nil {
		return "", err
	}
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return "", err
	}
	pair := domain.SignedPreKeyPair{
		ID:         spkID,
		Priv:       priv,
		Pub:        pub,
		Sig:        crypto.SignEd25519(id.EdPriv, pub.Slice()),
		CreatedUTC: time.Now().UTC().Unix(),
	}
	if err := s.store.SaveSignedPreKey(pair); err != nil {
		return "", err
	}
	if err := s.store.SetCurrentSignedPreKeyID(spkID); err != nil {
		return "", err
	}
	s.log.Infof("rotated signed prekey to %s", spkID)
	return spkID, nil
}

func (s *PreKey) rotateKEMPreKey(id domain.Identity) error {
	kemID, err := newID("kem")
	if err != nil {
		return err
	}
	seed, pub, err := crypto.GenerateKEM()
	if err != nil {
		return err
	}
	pair := domain.KEMPreKeyPair{
		ID:   kemID,
		Seed: seed,
		Pub:  pub,
		Sig:  crypto.SignEd25519(id.EdPriv, pub),
	}
	if err := s.store.SaveKEMPreKey(pair); err != nil {
		return err
	}
	return s.store.SetCurrentKEMPreKeyID(kemID)
}

func (s *PreKey) addOneTimePairs(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	pairs := make([]domain.OneTimePair, 0, n)
	for i := 0; i < n; i++ {
		opkID, err := newID("opk")
		if err != nil {
			return 0, err
		}
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return 0, err
		}
		pairs = append(pairs, domain.OneTimePair{ID: opkID, Priv: priv, Pub: pub})
	}
	if err := s.store.SaveOneTimePairs(pairs); err != nil {
		return 0, err
	}
	return n, nil
}

// Bundle assembles the current publishable bundle for username.
func (s *PreKey) Bundle(passphrase, username string) (domain.PreKeyBundle, error) {
	id, err := s.unlock(passphrase)
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	return s.assembleBundle(id, username)
}

func (s *PreKey) assembleBundle(id domain.Identity, username string) (domain.PreKeyBundle, error) {
	spkID, ok, err := s.store.CurrentSignedPreKeyID()
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	if !ok {
		return domain.PreKeyBundle{}, fmt.Errorf("%w: no signed prekey", domain.ErrStaleBundle)
	}
	spk, ok, err := s.store.LoadSignedPreKey(spkID)
	if err != nil {
		return domain.PreKeyBundle{}, err
	}
	if !ok {
		return domain.PreKeyBundle{}, fmt.Errorf("%w: signed prekey %s missing", domain.ErrStaleBundle, spkID)
	}

	oneTime, err := s.store.ListOneTimePublics()
	if err != nil {
		return domain.PreKeyBundle{}, err
	}

	b := domain.PreKeyBundle{
		Username:        username,
		IdentityKey:     id.XPub,
		SigningKey:      id.EdPub,
		SignedPreKeyID:  spk.ID,
		SignedPreKey:    spk.Pub,
		SignedPreKeySig: spk.Sig,
		OneTime:         oneTime,
	}

	if kemID, ok, err := s.store.CurrentKEMPreKeyID(); err != nil {
		return domain.PreKeyBundle{}, err
	} else if ok {
		kem, found, err := s.store.LoadKEMPreKey(kemID)
		if err != nil {
			return domain.PreKeyBundle{}, err
		}
		if found {
			b.KEMs = []string{domain.KEMMLKEM768}
			b.KEMPreKeyID = kem.ID
			b.KEMPreKey = kem.Pub
			b.KEMPreKeySig = kem.Sig
		}
	}
	return b, nil
}

// Replenish tops the one-time pool back up to target once it has dropped
// below threshold.
func (s *PreKey) Replenish(passphrase string, threshold, target int) (int, error) {
	if _, err := s.unlock(passphrase); err != nil {
		return 0, err
	}
	n, err := s.store.CountOneTimePairs()
	if err != nil {
		return 0, err
	}
	if n >= threshold {
		return 0, nil
	}
	added, err := s.addOneTimePairs(target - n)
	if err != nil {
		return 0, err
	}
	s.log.Infof("replenished one-time prekeys: %d -> %d", n, n+added)
	return added, nil
}

// StartReplenisher runs Replenish on an interval in the background and
// re-registers the bundle whenever new prekeys were added. Stopped by Halt.
func (s *PreKey) StartReplenisher(rc domain.RelayClient, passphrase, username string, interval time.Duration, threshold, target int) {
	s.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.HaltCh():
				return
			case <-ticker.C:
			}

			added, err := s.Replenish(passphrase, threshold, target)
			if err != nil {
				s.log.Errorf("replenish: %v", err)
				continue
			}
			if added == 0 {
				continue
			}
			b, err := s.Bundle(passphrase, username)
			if err != nil {
				s.log.Errorf("replenish: assemble bundle: %v", err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err = rc.RegisterBundle(ctx, b)
			cancel()
			if err != nil {
				s.log.Errorf("replenish: register bundle: %v", err)
			}
		}
	})
}
