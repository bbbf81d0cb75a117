package services

import (
	"context"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"vesper/internal/domain"
	"vesper/internal/protocol/ratchet"
	"vesper/internal/registry"
	"vesper/internal/store"
	"vesper/internal/util/memzero"
	"vesper/internal/wire"
)

// Message runs the send and receive paths end to end: session bootstrap,
// ratchet operation, envelope coding, relay I/O and state persistence.
type Message struct {
	ids      domain.IdentityStore
	device   domain.DeviceKeyStore
	sessions domain.SessionService
	blobs    domain.RatchetBlobStore
	relay    domain.RelayClient
	reg      *registry.Registry
	log      *logging.Logger
}

var _ domain.MessageService = (*Message)(nil)

// NewMessage returns a message service.
func NewMessage(
	ids domain.IdentityStore,
	device domain.DeviceKeyStore,
	sessions domain.SessionService,
	blobs domain.RatchetBlobStore,
	relay domain.RelayClient,
	reg *registry.Registry,
	log *logging.Logger,
) *Message {
	return &Message{ids: ids, device: device, sessions: sessions, blobs: blobs, relay: relay, reg: reg, log: log}
}

// Send encrypts plaintext for to and queues it on the relay. The first send
// to a peer without a session fetches its bundle and establishes one; while
// no reply has arrived, every envelope carries the handshake parameters so
// the peer can bootstrap regardless of which envelope reaches it first.
func (m *Message) Send(ctx context.Context, passphrase, from, to string, plaintext []byte) error {
	id, err := m.ids.LoadIdentity(passphrase)
	if err != nil {
		return err
	}
	devKey, err := m.device.EnsureDeviceKey(passphrase)
	if err != nil {
		return err
	}

	return m.reg.With(to, func() error {
		st, ok, err := m.loadState(devKey, to)
		if err != nil {
			return err
		}
		var sess domain.Session
		if ok {
			sess, _, err = m.sessions.Get(to)
			if err != nil {
				return err
			}
		} else {
			sess, err = m.sessions.Initiate(ctx, passphrase, to)
			if err != nil {
				return err
			}
			st = stateFromSession(sess)
		}

		var pm *domain.PreKeyMessage
		var opkID string
		if sess.Initiator && st.Nr == 0 {
			pm = &domain.PreKeyMessage{
				InitiatorIK:     id.XPub,
				InitiatorSignIK: id.EdPub,
				Ephemeral:       sess.EphemeralPub,
				SignedPreKeyID:  sess.SignedPreKeyID,
				KEMCiphertext:   sess.KEMCiphertext,
			}
			opkID = sess.OneTimePreKeyID
		}

		env, err := ratchet.Encrypt(st, plaintext, pm, opkID)
		if err != nil {
			return err
		}
		payload, err := wire.Encode(env)
		if err != nil {
			return err
		}
		// Persist the advanced chain before handing the envelope to the
		// relay so a crash cannot reuse a counter.
		if err := m.saveState(devKey, to, st); err != nil {
			return err
		}

		err = m.relay.SendEnvelope(ctx, domain.RelayEnvelope{
			From:      from,
			To:        to,
			Payload:   payload,
			Timestamp: time.Now().UTC().Unix(),
		})
		if err != nil {
			return err
		}
		m.log.Debugf("sent envelope to %s (counter %d)", to, env.Counter)
		return nil
	})
}

// Receive drains up to limit envelopes from the relay, decrypting each under
// its peer's session. Individual failures are logged and skipped; a fetched
// batch is acknowledged as a whole, and replay detection absorbs any
// envelope seen again after a crash between fetch and ack.
func (m *Message) Receive(ctx context.Context, passphrase, me string, limit int) ([]domain.DecryptedMessage, error) {
	if _, err := m.ids.LoadIdentity(passphrase); err != nil {
		return nil, err
	}
	devKey, err := m.device.EnsureDeviceKey(passphrase)
	if err != nil {
		return nil, err
	}

	envs, err := m.relay.FetchEnvelopes(ctx, me, limit)
	if err != nil {
		return nil, err
	}
	if len(envs) == 0 {
		return nil, nil
	}

	var out []domain.DecryptedMessage
	for _, renv := range envs {
		msg, err := m.receiveOne(passphrase, devKey, renv)
		switch {
		case err == nil:
			out = append(out, msg)
		case errors.Is(err, domain.ErrReplayOrDuplicate):
			m.log.Debugf("dropping duplicate envelope from %s", renv.From)
		default:
			m.log.Warningf("dropping envelope from %s: %v", renv.From, err)
		}
	}

	if err := m.relay.AckEnvelopes(ctx, me, len(envs)); err != nil {
		m.log.Warningf("ack failed, envelopes will be re-fetched: %v", err)
	}
	return out, nil
}

func (m *Message) receiveOne(passphrase string, devKey [32]byte, renv domain.RelayEnvelope) (domain.DecryptedMessage, error) {
	env, err := wire.Decode(renv.Payload)
	if err != nil {
		return domain.DecryptedMessage{}, err
	}
	peer := renv.From

	var msg domain.DecryptedMessage
	err = m.reg.With(peer, func() error {
		st, ok, err := m.loadState(devKey, peer)
		if err != nil {
			return err
		}
		if !ok {
			if env.PreKey == nil {
				return domain.ErrNoSession
			}
			sess, err := m.sessions.Respond(passphrase, peer, *env.PreKey, env.OneTimePreKeyID)
			if err != nil {
				return err
			}
			st = stateFromSession(sess)
		}

		pt, err := ratchet.Decrypt(st, env)
		if err != nil {
			return err
		}
		if err := m.saveState(devKey, peer, st); err != nil {
			return err
		}
		msg = domain.DecryptedMessage{
			From:      peer,
			To:        renv.To,
			Plaintext: pt,
			Timestamp: renv.Timestamp,
		}
		return nil
	})
	return msg, err
}

// stateFromSession seeds a ratchet from establishment output.
func stateFromSession(sess domain.Session) *ratchet.State {
	keys := ratchet.Keys{
		Root:      sess.RootKey,
		SendChain: sess.SendChain,
		RecvChain: sess.RecvChain,
		Algorithm: sess.Algorithm,
	}
	pair := ratchet.KeyPair{Priv: sess.EphemeralPriv, Pub: sess.EphemeralPub}
	if sess.Initiator {
		return ratchet.NewInitiator(keys, pair, sess.PeerSPK)
	}
	return ratchet.NewResponder(keys, pair, sess.PeerSPK)
}

func (m *Message) loadState(devKey [32]byte, peer string) (*ratchet.State, bool, error) {
	blob, ok, err := m.blobs.LoadRatchetBlob(peer)
	if err != nil || !ok {
		return nil, false, err
	}
	pt, err := store.OpenKey(devKey, blob)
	if err != nil {
		return nil, false, err
	}
	defer memzero.Zero(pt)
	st := new(ratchet.State)
	if err := cbor.Unmarshal(pt, st); err != nil {
		return nil, false, err
	}
	return st, true, nil
}

func (m *Message) saveState(devKey [32]byte, peer string, st *ratchet.State) error {
	pt, err := cbor.Marshal(st)
	if err != nil {
		return err
	}
	blob, err := store.SealKey(devKey, pt)
	memzero.Zero(pt)
	if err != nil {
		return err
	}
	return m.blobs.SaveRatchetBlob(peer, blob)
}
