package ratchet

import (
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"

	"vesper/internal/domain"
	"vesper/internal/util/memzero"
)

// DefaultMaxSkipped bounds the skipped-message-key cache. Exceeding it
// evicts the oldest entries; a later arrival for an evicted counter fails
// permanently with ErrMessageKeyUnavailable. This is the one intentionally
// lossy behavior in the engine.
const DefaultMaxSkipped = 512

// chainKey identifies a message slot as (ratchet public key, counter).
func chainKey(pub domain.X25519Public, n uint32) string {
	b := make([]byte, 36)
	copy(b, pub[:])
	binary.BigEndian.PutUint32(b[32:], n)
	return string(b)
}

// SkippedCache holds message keys derived for counters that arrived out of
// order, in insertion order so eviction drops the oldest first. It also
// remembers, in bounded rings, which slots were evicted unconsumed and
// which were already consumed, so late arrivals can be classified as
// ErrMessageKeyUnavailable versus ErrReplayOrDuplicate.
type SkippedCache struct {
	max      int
	order    []string
	keys     map[string][]byte
	evicted  map[string]struct{}
	consumed map[string]struct{}
	// rings bound the two classification sets.
	evictedRing  []string
	consumedRing []string
}

// NewSkippedCache returns a cache bounded to max entries (DefaultMaxSkipped
// when max <= 0).
func NewSkippedCache(max int) *SkippedCache {
	if max <= 0 {
		max = DefaultMaxSkipped
	}
	return &SkippedCache{
		max:      max,
		keys:     make(map[string][]byte),
		evicted:  make(map[string]struct{}),
		consumed: make(map[string]struct{}),
	}
}

// Put stores mk for the slot, evicting the oldest entry when full.
func (c *SkippedCache) Put(pub domain.X25519Public, n uint32, mk []byte) {
	k := chainKey(pub, n)
	if _, ok := c.keys[k]; ok {
		return
	}
	for len(c.keys) >= c.max && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if old, ok := c.keys[oldest]; ok {
			memzero.Zero(old)
			delete(c.keys, oldest)
			c.markEvicted(oldest)
		}
	}
	c.keys[k] = mk
	c.order = append(c.order, k)
}

// Take removes and returns the key for the slot.
func (c *SkippedCache) Take(pub domain.X25519Public, n uint32) ([]byte, bool) {
	k := chainKey(pub, n)
	mk, ok := c.keys[k]
	if !ok {
		return nil, false
	}
	delete(c.keys, k)
	for i, o := range c.order {
		if o == k {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return mk, true
}

// MarkConsumed records that the slot's key was used successfully.
func (c *SkippedCache) MarkConsumed(pub domain.X25519Public, n uint32) {
	k := chainKey(pub, n)
	if _, ok := c.consumed[k]; ok {
		return
	}
	c.consumed[k] = struct{}{}
	c.consumedRing = append(c.consumedRing, k)
	for len(c.consumedRing) > c.max {
		delete(c.consumed, c.consumedRing[0])
		c.consumedRing = c.consumedRing[1:]
	}
}

// WasConsumed reports whether the slot was already used.
func (c *SkippedCache) WasConsumed(pub domain.X25519Public, n uint32) bool {
	_, ok := c.consumed[chainKey(pub, n)]
	return ok
}

// WasEvicted reports whether the slot's key was dropped unconsumed.
func (c *SkippedCache) WasEvicted(pub domain.X25519Public, n uint32) bool {
	_, ok := c.evicted[chainKey(pub, n)]
	return ok
}

// Len returns the number of cached keys.
func (c *SkippedCache) Len() int { return len(c.keys) }

// Wipe zeroes and drops all cached key material.
func (c *SkippedCache) Wipe() {
	for k, mk := range c.keys {
		memzero.Zero(mk)
		delete(c.keys, k)
	}
	c.order = nil
}

func (c *SkippedCache) markEvicted(k string) {
	if _, ok := c.evicted[k]; ok {
		return
	}
	c.evicted[k] = struct{}{}
	c.evictedRing = append(c.evictedRing, k)
	for len(c.evictedRing) > c.max {
		delete(c.evicted, c.evictedRing[0])
		c.evictedRing = c.evictedRing[1:]
	}
}

// skippedSnapshot is the persistence form of the cache. Slots are the raw
// pub||counter bytes and must travel as CBOR byte strings; encoding them as
// text would produce invalid UTF-8.
type skippedEntry struct {
	Slot []byte `cbor:"1,keyasint"`
	Key  []byte `cbor:"2,keyasint"`
}

type skippedSnapshot struct {
	Max      int            `cbor:"1,keyasint"`
	Entries  []skippedEntry `cbor:"2,keyasint"`
	Evicted  [][]byte       `cbor:"3,keyasint"`
	Consumed [][]byte       `cbor:"4,keyasint"`
}

// MarshalCBOR implements cbor.Marshaler.
func (c *SkippedCache) MarshalCBOR() ([]byte, error) {
	snap := skippedSnapshot{Max: c.max}
	for _, slot := range c.order {
		snap.Entries = append(snap.Entries, skippedEntry{Slot: []byte(slot), Key: c.keys[slot]})
	}
	for _, slot := range c.evictedRing {
		snap.Evicted = append(snap.Evicted, []byte(slot))
	}
	for _, slot := range c.consumedRing {
		snap.Consumed = append(snap.Consumed, []byte(slot))
	}
	return cbor.Marshal(snap)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (c *SkippedCache) UnmarshalCBOR(b []byte) error {
	var snap skippedSnapshot
	if err := cbor.Unmarshal(b, &snap); err != nil {
		return err
	}
	*c = *NewSkippedCache(snap.Max)
	for _, e := range snap.Entries {
		slot := string(e.Slot)
		c.keys[slot] = e.Key
		c.order = append(c.order, slot)
	}
	for _, s := range snap.Evicted {
		c.markEvicted(string(s))
	}
	for _, s := range snap.Consumed {
		slot := string(s)
		c.consumed[slot] = struct{}{}
		c.consumedRing = append(c.consumedRing, slot)
	}
	return nil
}
