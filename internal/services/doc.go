// Package services wires the protocol packages to storage and the relay.
//
// Identity owns the long-term keys, PreKey owns prekey generation and
// bundle assembly, Session establishes sessions from bundles or inbound
// handshakes, and Message runs the send/receive paths end to end. All
// per-peer ratchet mutation happens under the session registry lock, and
// ratchet state is persisted sealed under the device key after every
// successful operation.
package services
