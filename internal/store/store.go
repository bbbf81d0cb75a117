package store

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"vesper/internal/domain"
	"vesper/internal/util/memzero"
)

var (
	bucketIdentity = []byte("identity")
	bucketDevice   = []byte("device")
	bucketSPK      = []byte("signed_prekeys")
	bucketOPK      = []byte("onetime_prekeys")
	bucketKEM      = []byte("kem_prekeys")
	bucketMeta     = []byte("meta")
	bucketSessions = []byte("sessions")
	bucketRatchet  = []byte("ratchet")

	keyIdentity   = []byte("identity")
	keyDeviceKey  = []byte("device-key")
	keyCurrentSPK = []byte("current-spk")
	keyCurrentKEM = []byte("current-kem")
)

// errLocked reports device-key-sealed access before EnsureDeviceKey.
var errLocked = errors.New("store: device key not unlocked")

// Store is the bbolt-backed persistence layer. One Store owns one database
// file; it is safe for concurrent use.
type Store struct {
	db *bolt.DB

	mu     sync.RWMutex
	devKey *[32]byte
}

var (
	_ domain.IdentityStore    = (*Store)(nil)
	_ domain.DeviceKeyStore   = (*Store)(nil)
	_ domain.PreKeyStore      = (*Store)(nil)
	_ domain.SessionStore     = (*Store)(nil)
	_ domain.RatchetBlobStore = (*Store)(nil)
)

// Open opens (creating if absent) the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketIdentity, bucketDevice, bucketSPK, bucketOPK, bucketKEM, bucketMeta, bucketSessions, bucketRatchet} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close wipes the cached device key and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.devKey != nil {
		memzero.Zero(s.devKey[:])
		s.devKey = nil
	}
	s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) deviceKey() ([32]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.devKey == nil {
		return [32]byte{}, errLocked
	}
	return *s.devKey, nil
}

// ---- IdentityStore ----

func (s *Store) SaveIdentity(passphrase string, id domain.Identity) error {
	pt, err := cbor.Marshal(id)
	if err != nil {
		return err
	}
	blob, err := sealPassphrase(passphrase, pt)
	memzero.Zero(pt)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentity).Put(keyIdentity, blob)
	})
}

func (s *Store) LoadIdentity(passphrase string) (domain.Identity, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketIdentity).Get(keyIdentity); v != nil {
			blob = append(blob, v...)
		}
		return nil
	})
	if err != nil {
		return domain.Identity{}, err
	}
	if blob == nil {
		return domain.Identity{}, domain.ErrNoIdentity
	}
	pt, err := openPassphrase(passphrase, blob)
	if err != nil {
		return domain.Identity{}, err
	}
	defer memzero.Zero(pt)
	var id domain.Identity
	if err := cbor.Unmarshal(pt, &id); err != nil {
		return domain.Identity{}, err
	}
	return id, nil
}

// ---- DeviceKeyStore ----

func (s *Store) EnsureDeviceKey(passphrase string) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devKey != nil {
		return *s.devKey, nil
	}

	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketDevice).Get(keyDeviceKey); v != nil {
			blob = append(blob, v...)
		}
		return nil
	})
	if err != nil {
		return [32]byte{}, err
	}

	var key [32]byte
	if blob != nil {
		pt, err := openPassphrase(passphrase, blob)
		if err != nil {
			return [32]byte{}, err
		}
		if len(pt) != 32 {
			memzero.Zero(pt)
			return [32]byte{}, fmt.Errorf("%w: bad device key record", domain.ErrDecryptionFailed)
		}
		copy(key[:], pt)
		memzero.Zero(pt)
	} else {
		if _, err := rand.Read(key[:]); err != nil {
			return [32]byte{}, err
		}
		sealed, err := sealPassphrase(passphrase, key[:])
		if err != nil {
			return [32]byte{}, err
		}
		err = s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketDevice).Put(keyDeviceKey, sealed)
		})
		if err != nil {
			return [32]byte{}, err
		}
	}
	s.devKey = &key
	return key, nil
}

// ---- PreKeyStore ----

func (s *Store) putSealed(bucket, key []byte, v any) error {
	dk, err := s.deviceKey()
	if err != nil {
		return err
	}
	pt, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	blob, err := SealKey(dk, pt)
	memzero.Zero(pt)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, blob)
	})
}

func (s *Store) getSealed(bucket, key []byte, v any) (bool, error) {
	dk, err := s.deviceKey()
	if err != nil {
		return false, err
	}
	var blob []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucket).Get(key); b != nil {
			blob = append(blob, b...)
		}
		return nil
	})
	if err != nil || blob == nil {
		return false, err
	}
	pt, err := OpenKey(dk, blob)
	if err != nil {
		return false, err
	}
	defer memzero.Zero(pt)
	if err := cbor.Unmarshal(pt, v); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) SaveSignedPreKey(pair domain.SignedPreKeyPair) error {
	return s.putSealed(bucketSPK, []byte(pair.ID), pair)
}

func (s *Store) LoadSignedPreKey(id string) (domain.SignedPreKeyPair, bool, error) {
	var pair domain.SignedPreKeyPair
	ok, err := s.getSealed(bucketSPK, []byte(id), &pair)
	return pair, ok, err
}

func (s *Store) SetCurrentSignedPreKeyID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyCurrentSPK, []byte(id))
	})
}

func (s *Store) CurrentSignedPreKeyID() (string, bool, error) {
	return s.metaString(keyCurrentSPK)
}

func (s *Store) SaveOneTimePairs(pairs []domain.OneTimePair) error {
	dk, err := s.deviceKey()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOPK)
		for _, p := range pairs {
			pt, err := cbor.Marshal(p)
			if err != nil {
				return err
			}
			blob, err := SealKey(dk, pt)
			memzero.Zero(pt)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(p.ID), blob); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ConsumeOneTimePair(id string) (domain.OneTimePair, bool, error) {
	dk, err := s.deviceKey()
	if err != nil {
		return domain.OneTimePair{}, false, err
	}
	var pair domain.OneTimePair
	found := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOPK)
		blob := b.Get([]byte(id))
		if blob == nil {
			return nil
		}
		pt, err := OpenKey(dk, blob)
		if err != nil {
			return err
		}
		defer memzero.Zero(pt)
		if err := cbor.Unmarshal(pt, &pair); err != nil {
			return err
		}
		found = true
		return b.Delete([]byte(id))
	})
	return pair, found, err
}

func (s *Store) ListOneTimePublics() ([]domain.OneTimePub, error) {
	dk, err := s.deviceKey()
	if err != nil {
		return nil, err
	}
	var out []domain.OneTimePub
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOPK).ForEach(func(_, blob []byte) error {
			pt, err := OpenKey(dk, blob)
			if err != nil {
				return err
			}
			defer memzero.Zero(pt)
			var pair domain.OneTimePair
			if err := cbor.Unmarshal(pt, &pair); err != nil {
				return err
			}
			out = append(out, domain.OneTimePub{ID: pair.ID, Pub: pair.Pub})
			return nil
		})
	})
	return out, err
}

func (s *Store) CountOneTimePairs() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketOPK).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *Store) SaveKEMPreKey(pair domain.KEMPreKeyPair) error {
	return s.putSealed(bucketKEM, []byte(pair.ID), pair)
}

func (s *Store) LoadKEMPreKey(id string) (domain.KEMPreKeyPair, bool, error) {
	var pair domain.KEMPreKeyPair
	ok, err := s.getSealed(bucketKEM, []byte(id), &pair)
	return pair, ok, err
}

func (s *Store) SetCurrentKEMPreKeyID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyCurrentKEM, []byte(id))
	})
}

func (s *Store) CurrentKEMPreKeyID() (string, bool, error) {
	return s.metaString(keyCurrentKEM)
}

func (s *Store) metaString(key []byte) (string, bool, error) {
	var v string
	ok := false
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketMeta).Get(key); b != nil {
			v = string(b)
			ok = true
		}
		return nil
	})
	return v, ok, err
}

// ---- SessionStore ----

func (s *Store) SaveSession(peer string, sess domain.Session) error {
	return s.putSealed(bucketSessions, []byte(peer), sess)
}

func (s *Store) LoadSession(peer string) (domain.Session, bool, error) {
	var sess domain.Session
	ok, err := s.getSealed(bucketSessions, []byte(peer), &sess)
	return sess, ok, err
}

// ExportSession returns the stored session record for peer as-is: still
// sealed under the device key, suitable for backup or transfer to another
// device holding the same key.
func (s *Store) ExportSession(peer string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSessions).Get([]byte(peer)); v != nil {
			blob = append(blob, v...)
		}
		return nil
	})
	return blob, blob != nil, err
}

// ImportSession installs a sealed session blob, first verifying that it
// opens under the local device key. A blob sealed by a different device
// fails with ErrDecryptionFailed and nothing is stored.
func (s *Store) ImportSession(peer string, blob []byte) error {
	dk, err := s.deviceKey()
	if err != nil {
		return err
	}
	pt, err := OpenKey(dk, blob)
	if err != nil {
		return err
	}
	defer memzero.Zero(pt)
	var sess domain.Session
	if err := cbor.Unmarshal(pt, &sess); err != nil {
		return fmt.Errorf("%w: bad session record", domain.ErrDecryptionFailed)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(peer), blob)
	})
}

func (s *Store) DeleteSession(peer string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(peer))
	})
}

// ---- RatchetBlobStore ----

func (s *Store) SaveRatchetBlob(peer string, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRatchet).Put([]byte(peer), blob)
	})
}

func (s *Store) LoadRatchetBlob(peer string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketRatchet).Get([]byte(peer)); v != nil {
			blob = append(blob, v...)
		}
		return nil
	})
	return blob, blob != nil, err
}

func (s *Store) DeleteRatchetBlob(peer string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRatchet).Delete([]byte(peer))
	})
}
